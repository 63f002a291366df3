package extension

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// APIVersion is the extension manifest API version this server can load.
const APIVersion = 1

// Manifest describes an extension module: a set of analyzers and source generators.
type Manifest struct {
	APIVersion int             `yaml:"apiVersion"`
	Name       string          `yaml:"name"`
	Version    string          `yaml:"version"`
	Analyzers  []AnalyzerSpec  `yaml:"analyzers"`
	Generators []GeneratorSpec `yaml:"generators"`
}

// AnalyzerSpec declares a line based analyzer rule.
type AnalyzerSpec struct {
	ID       string `yaml:"id"`
	Severity string `yaml:"severity"`
	// Match is a file name glob restricting the sources the rule applies to. Empty matches every source.
	Match   string `yaml:"match"`
	Pattern string `yaml:"pattern"`
	Message string `yaml:"message"`
}

// GeneratorSpec declares a template based source generator.
type GeneratorSpec struct {
	ID       string `yaml:"id"`
	Match    string `yaml:"match"`
	HintName string `yaml:"hintName"`
	Template string `yaml:"template"`
}

// parseManifest decodes and validates a manifest document.
func parseManifest(contents []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}

	if m.APIVersion != APIVersion {
		return nil, fmt.Errorf("unsupported apiVersion %d, expected %d", m.APIVersion, APIVersion)
	}
	if strings.TrimSpace(m.Name) == "" {
		return nil, fmt.Errorf("manifest name is required")
	}
	if len(m.Analyzers) == 0 && len(m.Generators) == 0 {
		return nil, fmt.Errorf("manifest %q declares no analyzers or generators", m.Name)
	}

	seen := make(map[string]struct{})
	for _, id := range m.ids() {
		if id == "" {
			return nil, fmt.Errorf("manifest %q has an entry without an id", m.Name)
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("manifest %q has duplicate id %q", m.Name, id)
		}
		seen[id] = struct{}{}
	}
	return &m, nil
}

func (m *Manifest) ids() []string {
	ids := make([]string, 0, len(m.Analyzers)+len(m.Generators))
	for _, a := range m.Analyzers {
		ids = append(ids, a.ID)
	}
	for _, g := range m.Generators {
		ids = append(ids, g.ID)
	}
	return ids
}

func compileAnalyzer(spec AnalyzerSpec) (*Analyzer, error) {
	severity, err := parseSeverity(spec.Severity)
	if err != nil {
		return nil, fmt.Errorf("analyzer %q: %w", spec.ID, err)
	}
	if spec.Pattern == "" {
		return nil, fmt.Errorf("analyzer %q: pattern is required", spec.ID)
	}
	pattern, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return nil, fmt.Errorf("analyzer %q: compiling pattern: %w", spec.ID, err)
	}
	if err := validateGlob(spec.Match); err != nil {
		return nil, fmt.Errorf("analyzer %q: %w", spec.ID, err)
	}

	message := spec.Message
	if message == "" {
		message = fmt.Sprintf("source matches %q", spec.Pattern)
	}
	return &Analyzer{
		ID:       spec.ID,
		Severity: severity,
		match:    spec.Match,
		pattern:  pattern,
		message:  message,
	}, nil
}

func compileGenerator(spec GeneratorSpec, identity string) (Generator, error) {
	if spec.HintName == "" {
		return nil, fmt.Errorf("generator %q: hintName is required", spec.ID)
	}
	if err := validateGlob(spec.Match); err != nil {
		return nil, fmt.Errorf("generator %q: %w", spec.ID, err)
	}
	hintName, err := template.New(spec.ID + ".hintName").Option("missingkey=error").Parse(spec.HintName)
	if err != nil {
		return nil, fmt.Errorf("generator %q: parsing hintName: %w", spec.ID, err)
	}
	body, err := template.New(spec.ID + ".template").Option("missingkey=error").Parse(spec.Template)
	if err != nil {
		return nil, fmt.Errorf("generator %q: parsing template: %w", spec.ID, err)
	}
	return &templateGenerator{
		identity: identity,
		match:    spec.Match,
		hintName: hintName,
		body:     body,
	}, nil
}

func validateGlob(pattern string) error {
	if pattern == "" {
		return nil
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid match %q: %w", pattern, err)
	}
	return nil
}
