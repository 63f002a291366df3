package extension

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
)

// Key identifies one revision of an extension module on disk.
type Key struct {
	Path    string
	Size    int64
	ModTime int64
}

// Fingerprint returns the revision part of the key.
func (k Key) Fingerprint() string {
	return fmt.Sprintf("%d-%d", k.Size, k.ModTime)
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return k.Path + "@" + k.Fingerprint()
}

// LoadError reports that an extension module could not be loaded.
type LoadError struct {
	Path string
	Err  error
}

// Error is an implementation of the error interface.
func (e *LoadError) Error() string {
	return fmt.Sprintf("loading extension %q: %s", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// Extension is a loaded, read-only extension module. It is shared by every request that references the same Key.
type Extension struct {
	Key      Key
	Manifest Manifest
	// Digest is the xxhash of the manifest contents.
	Digest uint64

	analyzers  []*Analyzer
	generators []Generator
}

// Analyzers returns the module's analyzers in manifest order.
func (m *Extension) Analyzers() []*Analyzer {
	return m.analyzers
}

// Generators returns the module's generators in manifest order.
func (m *Extension) Generators() []Generator {
	return m.generators
}

// Loader materializes an extension module for a key.
type Loader interface {
	Load(key Key) (*Extension, error)
}

type manifestLoader struct {
	fs afero.Fs
}

// NewLoader returns a Loader that reads YAML extension manifests from fs.
func NewLoader(fs afero.Fs) Loader {
	return &manifestLoader{fs: fs}
}

// Load reads and compiles the manifest at key.Path. Any failure is reported as a *LoadError.
func (l *manifestLoader) Load(key Key) (*Extension, error) {
	contents, err := afero.ReadFile(l.fs, key.Path)
	if err != nil {
		return nil, &LoadError{Path: key.Path, Err: err}
	}

	manifest, err := parseManifest(contents)
	if err != nil {
		return nil, &LoadError{Path: key.Path, Err: err}
	}

	m := &Extension{
		Key:      key,
		Manifest: *manifest,
		Digest:   xxhash.Sum64(contents),
	}
	for _, spec := range manifest.Analyzers {
		a, err := compileAnalyzer(spec)
		if err != nil {
			return nil, &LoadError{Path: key.Path, Err: err}
		}
		m.analyzers = append(m.analyzers, a)
	}
	for _, spec := range manifest.Generators {
		g, err := compileGenerator(spec, fmt.Sprintf("%s#%s@%016x", key.Path, spec.ID, m.Digest))
		if err != nil {
			return nil, &LoadError{Path: key.Path, Err: err}
		}
		m.generators = append(m.generators, g)
	}
	return m, nil
}

// GeneratorIdentities returns the identities of every generator across modules, in module then manifest order.
func GeneratorIdentities(modules []*Extension) []string {
	var ids []string
	for _, m := range modules {
		for _, g := range m.generators {
			ids = append(ids, g.Identity())
		}
	}
	return ids
}

// InconsistencyError aggregates every extension module a compile could not load.
type InconsistencyError struct {
	Errors []*LoadError
}

// Error is an implementation of the error interface.
func (e *InconsistencyError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap returns the individual load errors.
func (e *InconsistencyError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errors))
	for _, err := range e.Errors {
		errs = append(errs, err)
	}
	return errs
}

// Paths returns the distinct offending module paths in lexical order.
func (e *InconsistencyError) Paths() []string {
	seen := make(map[string]struct{}, len(e.Errors))
	paths := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		if _, ok := seen[err.Path]; ok {
			continue
		}
		seen[err.Path] = struct{}{}
		paths = append(paths, err.Path)
	}
	sort.Strings(paths)
	return paths
}
