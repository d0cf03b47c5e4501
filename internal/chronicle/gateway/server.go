// Package gateway is Chronicle's HTTP boundary. It is a thin dispatch
// surface: handlers validate input, call into the coordinator and assembler,
// and map internal error kinds to status codes. No conversation state lives
// here.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/avedran/chronicle/common/version"
	"github.com/avedran/chronicle/internal/chronicle/assemble"
	"github.com/avedran/chronicle/internal/chronicle/coordinator"
	"github.com/avedran/chronicle/internal/chronicle/dispatch"
	"github.com/avedran/chronicle/internal/chronicle/persona"
	"github.com/avedran/chronicle/internal/chronicle/store"
)

// Server wires the HTTP routes to the core services.
type Server struct {
	store     *store.Store
	coord     *coordinator.Coordinator
	assembler *assemble.Assembler
	personas  *persona.Registry
	startedAt time.Time
	server    *http.Server
	upgrader  websocket.Upgrader
}

// New creates a Server (does not start listening).
func New(st *store.Store, coord *coordinator.Coordinator, asm *assemble.Assembler, personas *persona.Registry) *Server {
	return &Server{
		store:     st,
		coord:     coord,
		assembler: asm,
		personas:  personas,
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(traceMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	r.Route("/api", func(api chi.Router) {
		api.Post("/messages", s.handlePostMessage)
		api.Get("/context", s.handleGetContext)
		api.Post("/complete", s.handleComplete)

		api.Post("/agents", s.handleRegisterAgent)
		api.Get("/agents", s.handleListAgents)
		api.Delete("/agents/{agentID}", s.handleDeregisterAgent)
		api.Post("/agents/{agentID}/watermark", s.handleAdvanceWatermark)
		api.Get("/agents/{agentID}/feed", s.handleFeed)

		api.Get("/personas", s.handleListPersonas)
	})

	return r
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second, // completion calls can be slow
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("gateway listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("gateway shutdown error", "err", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("gateway shutdown error", "err", err)
	}
}

// --- Message + context handlers ----------------------------------------------

type postMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	AuthorID       string `json:"author_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
}

type postMessageResponse struct {
	ConversationID string `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
}

// handlePostMessage handles POST /api/messages. An omitted conversation_id
// starts a fresh conversation with a minted id.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	msg := &store.Message{
		ConversationID: req.ConversationID,
		AuthorID:       req.AuthorID,
		Role:           req.Role,
		Content:        req.Content,
	}

	seq, err := s.coord.Post(r.Context(), msg)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, postMessageResponse{
		ConversationID: req.ConversationID,
		MessageID:      seq,
	})
}

type contextEntry struct {
	MessageID  int64     `json:"message_id"`
	AuthorID   string    `json:"author_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	Provenance string    `json:"provenance"`
	Score      float64   `json:"score,omitempty"`
}

type contextResponse struct {
	ConversationID string         `json:"conversation_id"`
	Query          string         `json:"query"`
	Messages       []contextEntry `json:"messages"`
}

// handleGetContext handles GET /api/context?conversation_id=&query=.
func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	query := r.URL.Query().Get("query")

	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if strings.TrimSpace(query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	bundle, err := s.assembler.Build(r.Context(), conversationID, query)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}

	resp := contextResponse{
		ConversationID: conversationID,
		Query:          query,
		Messages:       make([]contextEntry, 0, len(bundle.Entries)),
	}
	for _, e := range bundle.Entries {
		resp.Messages = append(resp.Messages, contextEntry{
			MessageID:  e.Message.Seq,
			AuthorID:   e.Message.AuthorID,
			Role:       e.Message.Role,
			Content:    e.Message.Content,
			CreatedAt:  e.Message.CreatedAt,
			Provenance: string(e.Provenance),
			Score:      e.Score,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type completeRequest struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
}

type completeResponse struct {
	ReplyMessageID int64               `json:"reply_message_id"`
	ReplyText      string              `json:"reply_text"`
	Usage          dispatch.TokenUsage `json:"usage"`
}

// handleComplete handles POST /api/complete.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConversationID == "" || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id and agent_id are required")
		return
	}

	reply, err := s.coord.Complete(r.Context(), req.ConversationID, req.AgentID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, completeResponse{
		ReplyMessageID: reply.MessageID,
		ReplyText:      reply.Text,
		Usage:          reply.Usage,
	})
}

// --- Agent handlers -----------------------------------------------------------

type registerAgentRequest struct {
	AgentID            string `json:"agent_id"`
	CompletionEndpoint string `json:"completion_endpoint"`
	CompletionModel    string `json:"completion_model"`
	EmbeddingEndpoint  string `json:"embedding_endpoint"`
	EmbeddingModel     string `json:"embedding_model"`
	Persona            string `json:"persona"`
}

// handleRegisterAgent handles POST /api/agents.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if strings.TrimSpace(req.CompletionEndpoint) == "" {
		writeError(w, http.StatusBadRequest, "completion_endpoint is required")
		return
	}

	sess := &store.AgentSession{
		AgentID:            req.AgentID,
		CompletionEndpoint: req.CompletionEndpoint,
		CompletionModel:    req.CompletionModel,
		EmbeddingEndpoint:  req.EmbeddingEndpoint,
		EmbeddingModel:     req.EmbeddingModel,
		Persona:            req.Persona,
	}

	if err := s.coord.Register(r.Context(), sess); err != nil {
		writeMappedError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

// handleListAgents handles GET /api/agents.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.coord.Sessions(r.Context())
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*store.AgentSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleDeregisterAgent handles DELETE /api/agents/{agentID}.
func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := s.coord.Deregister(r.Context(), agentID); err != nil {
		writeMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type watermarkRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
}

// handleAdvanceWatermark handles POST /api/agents/{agentID}/watermark — the
// explicit skip path: the agent acknowledges messages up to message_id
// without requesting a completion.
func (s *Server) handleAdvanceWatermark(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req watermarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConversationID == "" || req.MessageID <= 0 {
		writeError(w, http.StatusBadRequest, "conversation_id and message_id are required")
		return
	}

	if err := s.coord.Skip(r.Context(), agentID, req.ConversationID, req.MessageID); err != nil {
		writeMappedError(w, r, err)
		return
	}

	watermark, err := s.store.Watermark(r.Context(), agentID, req.ConversationID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":        agentID,
		"conversation_id": req.ConversationID,
		"watermark":       watermark,
	})
}

// handleListPersonas handles GET /api/personas.
func (s *Server) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	if s.personas == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	names, err := s.personas.List()
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

// --- Notification feed --------------------------------------------------------

// handleFeed handles GET /api/agents/{agentID}/feed: upgrades to a websocket
// and streams message-available notifications until the client disconnects.
// Repeatable conversation_id query parameters narrow the stream to those
// conversations; without any, the stream carries all of them.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	conversations := r.URL.Query()["conversation_id"]

	if _, err := s.store.GetSession(r.Context(), agentID); err != nil {
		writeMappedError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		slog.Warn("gateway: websocket upgrade failed", "agent", agentID, "err", err)
		return
	}
	defer conn.Close()

	sub := s.coord.Hub().Subscribe(agentID, conversations...)
	defer sub.Cancel()

	// Reader goroutine: the client never sends application data; reading
	// just surfaces disconnects so the writer loop can exit.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case n, ok := <-sub.C:
			if !ok {
				// Dropped as a slow consumer or deregistered.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(n); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// --- Health + status ----------------------------------------------------------

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status        string    `json:"status"`
	Version       string    `json:"version"`
	Commit        string    `json:"commit"`
	BuildTime     string    `json:"build_time"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSecs    float64   `json:"uptime_seconds"`
	AgentCount    int       `json:"agent_count"`
	Conversations int       `json:"conversation_count"`
	Messages      int       `json:"message_count"`
}

// handleHealth responds with a simple ok JSON payload.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

// handleStatus responds with runtime statistics.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
	}
	if n, err := s.store.AgentCount(r.Context()); err == nil {
		resp.AgentCount = n
	}
	if n, err := s.store.ConversationCount(r.Context()); err == nil {
		resp.Conversations = n
	}
	if n, err := s.store.MessageCount(r.Context()); err == nil {
		resp.Messages = n
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Error mapping + JSON helpers ---------------------------------------------

// writeMappedError translates internal error kinds into boundary status
// codes. Raw transport errors never leak: everything unrecognised becomes an
// opaque 500.
func writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrMalformedMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, coordinator.ErrUnknownPersona):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, coordinator.ErrEmptyConversation):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateAgent):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrLockTimeout):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, dispatch.ErrUpstreamExhausted):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		slog.Error("gateway: internal error", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("gateway: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
