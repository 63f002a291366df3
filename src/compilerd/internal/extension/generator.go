package extension

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/cespare/xxhash/v2"
)

// Generator produces additional sources from one input source.
type Generator interface {
	// Identity is stable for a given generator of a given module revision.
	Identity() string
	Generate(ctx context.Context, input GeneratorInput) ([]GeneratedSource, error)
}

// GeneratorInput is a single source handed to a Generator.
type GeneratorInput struct {
	Path     string
	Content  []byte
	Language string
}

// GeneratedSource is one source produced by a Generator.
type GeneratedSource struct {
	HintName string
	Text     string
}

// templateData is exposed to generator templates.
type templateData struct {
	Path      string
	Base      string
	Name      string
	Ext       string
	Language  string
	Digest    string
	LineCount int
	Content   string
}

type templateGenerator struct {
	identity string
	match    string
	hintName *template.Template
	body     *template.Template
}

func (g *templateGenerator) Identity() string {
	return g.identity
}

func (g *templateGenerator) Generate(ctx context.Context, input GeneratorInput) ([]GeneratedSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base := filepath.Base(input.Path)
	if g.match != "" {
		// The pattern was validated when the manifest was compiled.
		if ok, _ := filepath.Match(g.match, base); !ok {
			return nil, nil
		}
	}

	ext := filepath.Ext(base)
	data := templateData{
		Path:      input.Path,
		Base:      base,
		Name:      strings.TrimSuffix(base, ext),
		Ext:       ext,
		Language:  input.Language,
		Digest:    fmt.Sprintf("%016x", xxhash.Sum64(input.Content)),
		LineCount: bytes.Count(input.Content, []byte{'\n'}),
		Content:   string(input.Content),
	}

	var hint, body strings.Builder
	if err := g.hintName.Execute(&hint, data); err != nil {
		return nil, fmt.Errorf("generator %s: rendering hint name: %w", g.identity, err)
	}
	if err := g.body.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("generator %s: rendering template: %w", g.identity, err)
	}
	return []GeneratedSource{{HintName: hint.String(), Text: body.String()}}, nil
}
