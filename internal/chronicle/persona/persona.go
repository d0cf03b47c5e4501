// Package persona provides loading and validation of agent persona
// definitions.
//
// Each persona lives in a YAML file named <persona>.yaml under the registry
// root and is validated against an embedded JSON Schema before use. Agent
// sessions reference personas by name; the coordinator resolves the reference
// to a system prompt at dispatch time.
package persona

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

// Persona is a named prompt identity an agent speaks with.
type Persona struct {
	// Name is the registry key, referenced by agent sessions.
	Name string `yaml:"name" json:"name"`

	// DisplayName is the human-readable name shown in listings.
	DisplayName string `yaml:"display_name,omitempty" json:"display_name,omitempty"`

	// SystemPrompt is the system message injected at the top of every
	// completion prompt built for an agent bound to this persona.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

	// Style holds optional free-form style hints appended to the prompt.
	Style []string `yaml:"style,omitempty" json:"style,omitempty"`

	// Temperature overrides the completion temperature when non-zero.
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
}

// compiledSchema is built once at package init; the embedded schema is part
// of the binary and must compile.
var compiledSchema = jsonschema.MustCompileString("persona.schema.json", schemaJSON)

// Parse decodes a persona YAML document and validates it against the schema.
// It is the canonical entry point for loading persona definitions.
func Parse(data []byte) (*Persona, error) {
	// Decode to a generic value first so the schema sees the raw document,
	// then roundtrip through JSON: the schema validator expects JSON-decoded
	// types, not YAML's native ones.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("persona parse: %w", err)
	}

	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("persona parse: convert to json: %w", err)
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("persona parse: decode json: %w", err)
	}

	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("persona validate: %w", err)
	}

	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("persona parse: %w", err)
	}
	return &p, nil
}

// Registry resolves persona definitions from a filesystem root.
//
// The root fs.FS is expected to contain <name>.yaml files.
//
// Example:
//
//	reg := persona.NewRegistry(os.DirFS("/etc/chronicle/personas"))
//	p, err := reg.Load("archivist")
type Registry struct {
	root fs.FS
}

// NewRegistry creates a Registry backed by the provided filesystem root.
func NewRegistry(root fs.FS) *Registry {
	return &Registry{root: root}
}

// List returns the names of all persona files under the root.
func (r *Registry) List() ([]string, error) {
	entries, err := fs.ReadDir(r.root, ".")
	if err != nil {
		return nil, fmt.Errorf("listing personas: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return names, nil
}

// Load reads and validates the named persona. The document's name field must
// match the file name.
func (r *Registry) Load(name string) (*Persona, error) {
	data, err := fs.ReadFile(r.root, name+".yaml")
	if err != nil {
		return nil, fmt.Errorf("persona %q: %w", name, err)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("persona %q: %w", name, err)
	}

	if p.Name != name {
		return nil, fmt.Errorf("persona %q: name field is %q, must match file name", name, p.Name)
	}
	return p, nil
}

// FullSystemPrompt renders the full system prompt for the persona, with style
// hints appended one per line.
func (p *Persona) FullSystemPrompt() string {
	if len(p.Style) == 0 {
		return p.SystemPrompt
	}
	var b strings.Builder
	b.WriteString(p.SystemPrompt)
	b.WriteString("\n\nStyle:")
	for _, s := range p.Style {
		b.WriteString("\n- ")
		b.WriteString(s)
	}
	return b.String()
}
