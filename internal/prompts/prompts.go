// Package prompts holds the editable prompt catalogue and the intent
// temperature map used by every model call.
package prompts

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

// Prompt names.
const (
	Classification  = "classification"
	Rewriter        = "rewriter"
	Decomposition   = "decomposition"
	Extraction      = "extraction"
	FactExtraction  = "fact_extraction"
	Reasoning       = "reasoning"
	Validation      = "validation"
	Generation      = "generation"
	ReasoningSuffix = "reasoning_suffix"
)

// Vars carries the values prompt templates may reference.
type Vars struct {
	Message   string
	Query     string
	Intent    state.Intent
	Content   string
	Context   string
	Sources   string
	Response  string
	Reasoning string
}

//go:embed prompts.yaml
var embedded []byte

// Entry is one prompt of the catalogue.
type Entry struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
	Schema string `yaml:"schema"`
}

type compiled struct {
	system *template.Template
	user   *template.Template
}

// Catalogue is a parsed set of prompts. It is immutable after Load.
type Catalogue struct {
	DefaultTemperature float64            `yaml:"default_temperature"`
	Temperatures       map[string]float64 `yaml:"temperatures"`
	Prompts            map[string]Entry   `yaml:"prompts"`

	tmpl map[string]compiled
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalogue
	defaultErr  error
)

// Default returns the catalogue compiled into the binary.
func Default() *Catalogue {
	defaultOnce.Do(func() {
		defaultCat, defaultErr = Load(bytes.NewReader(embedded))
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("prompts: embedded catalogue is invalid: %v", defaultErr))
	}
	return defaultCat
}

// LoadFile reads a catalogue override from disk.
func LoadFile(path string) (*Catalogue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prompts %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a catalogue, appends output schemas and compiles every template.
func Load(r io.Reader) (*Catalogue, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var c Catalogue
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode prompts: %w", err)
	}
	if c.DefaultTemperature == 0 {
		c.DefaultTemperature = 0.7
	}
	c.tmpl = make(map[string]compiled, len(c.Prompts))
	for name, e := range c.Prompts {
		sys := strings.TrimRight(e.System, "\n")
		if e.Schema != "" {
			schema, err := Schema(e.Schema)
			if err != nil {
				return nil, fmt.Errorf("prompt %s: %w", name, err)
			}
			sys += "\n\nOUTPUT FORMAT:\nReturn only a JSON object matching this schema:\n" + schema
		}
		st, err := template.New(name + ".system").Option("missingkey=zero").Parse(sys)
		if err != nil {
			return nil, fmt.Errorf("prompt %s system: %w", name, err)
		}
		ut, err := template.New(name + ".user").Option("missingkey=zero").Parse(strings.TrimRight(e.User, "\n"))
		if err != nil {
			return nil, fmt.Errorf("prompt %s user: %w", name, err)
		}
		c.tmpl[name] = compiled{system: st, user: ut}
	}
	return &c, nil
}

// Render executes the named prompt's system and user templates against data.
func (c *Catalogue) Render(name string, data any) (system, user string, err error) {
	t, ok := c.tmpl[name]
	if !ok {
		return "", "", fmt.Errorf("unknown prompt %q", name)
	}
	var sb, ub strings.Builder
	if err := t.system.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("render %s system: %w", name, err)
	}
	if err := t.user.Execute(&ub, data); err != nil {
		return "", "", fmt.Errorf("render %s user: %w", name, err)
	}
	return sb.String(), ub.String(), nil
}

// Has reports whether the catalogue defines name.
func (c *Catalogue) Has(name string) bool {
	_, ok := c.tmpl[name]
	return ok
}

// Temperature returns the sampling temperature for generating an answer to
// the given intent.
func (c *Catalogue) Temperature(intent state.Intent) float64 {
	if t, ok := c.Temperatures[string(intent)]; ok {
		return t
	}
	return c.DefaultTemperature
}

// GenerationPrompt picks the intent-specific generation prompt, falling back
// to the general one.
func (c *Catalogue) GenerationPrompt(intent state.Intent) string {
	if name := Generation + "_" + string(intent); intent != state.IntentUnknown && c.Has(name) {
		return name
	}
	return Generation
}

// ExtractionPrompt picks the intent-specific extraction prompt.
func (c *Catalogue) ExtractionPrompt(intent state.Intent) string {
	if name := Extraction + "_" + string(intent); intent != state.IntentUnknown && c.Has(name) {
		return name
	}
	return Extraction
}
