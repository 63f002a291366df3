// Package compiler is the boundary between the compile orchestrator and the compile pipeline.
// The pipeline shipped with the server is a reference compiler: it validates a command line,
// reads sources and references through the file system facade, runs extension analyzers and
// generators, and writes a deterministic artifact manifest.
package compiler

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/compiler-server/src/compilerd/entity"
	"github.com/uber/compiler-server/src/compilerd/internal/endpoint"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"github.com/uber/compiler-server/src/compilerd/internal/extension"
	"github.com/uber/compiler-server/src/compilerd/internal/fs"
	"github.com/uber/compiler-server/src/compilerd/internal/generation"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const _writeBufferSize = 4096

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Gateway runs one compilation.
type Gateway interface {
	// Compile returns a Result for every compilation that ran, successful or not. An error is returned
	// only when the compile could not be carried out: cancellation, inconsistent extensions, or a
	// file system failure the pipeline does not report as a diagnostic.
	Compile(ctx context.Context, inv *Invocation) (*Result, error)
}

// Invocation is everything a compile may use. Every file access goes through FS and is recorded into AccessLog.
type Invocation struct {
	RequestID        string
	Language         entity.Language
	Arguments        []string
	WorkingDirectory string
	TempDirectory    string
	LibDirectory     string
	LibraryPaths     []string

	Extensions extension.Cache
	Generation generation.Cache
	FS         fs.CompilerFS
	AccessLog  *fs.AccessLog
}

// Result is the console outcome of a compilation.
type Result struct {
	ExitCode   int
	Output     string
	Utf8Output bool
}

// Params are inbound parameters to initialize a new Gateway.
type Params struct {
	fx.In

	// Config locates the install directory holding the default response files. Without it none are read.
	Config config.Provider `optional:"true"`
	Logger *zap.SugaredLogger
	Stats  tally.Scope
}

type gateway struct {
	installDirectory string

	logger *zap.SugaredLogger
	stats  tally.Scope
}

// New creates the reference compile pipeline.
func New(p Params) (Gateway, error) {
	g := &gateway{
		logger: p.Logger,
		stats:  p.Stats.SubScope("compiler"),
	}
	if p.Config != nil {
		dir, err := endpoint.InstallDirectory(p.Config)
		if err != nil {
			return nil, err
		}
		g.installDirectory = dir
	}
	return g, nil
}

type source struct {
	path    string
	content []byte
}

// Compile runs the reference pipeline.
func (g *gateway) Compile(ctx context.Context, inv *Invocation) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &errors.CancelledError{Err: err}
	}
	if inv.FS == nil || inv.Extensions == nil || inv.Generation == nil {
		return nil, &errors.ArgumentError{Param: "invocation", Message: "file system, extension cache and generation cache are required"}
	}

	sw := g.stats.Timer("compile_latency").Start()
	defer sw.Stop()

	d := &diagnostics{}
	args, err := g.expandArguments(ctx, inv, d)
	if err != nil {
		return nil, err
	}
	opts := parseOptions(args, inv.Language, d)

	modules, err := g.loadExtensions(ctx, inv, opts)
	if err != nil {
		return nil, err
	}

	sources, err := g.readSources(ctx, inv, opts, d)
	if err != nil {
		return nil, err
	}

	references, err := g.resolveReferences(ctx, inv, opts, d)
	if err != nil {
		return nil, err
	}

	if !d.failed() {
		for _, src := range sources {
			for _, m := range modules {
				for _, a := range m.Analyzers() {
					for _, diag := range a.Analyze(src.path, src.content) {
						d.add(diag)
					}
				}
			}
		}
	}

	var generated []generation.Output
	if !d.failed() {
		generated, err = g.generate(ctx, inv, opts, modules, sources, d)
		if err != nil {
			return nil, err
		}
	}

	if !d.failed() {
		if err := g.writeArtifact(ctx, inv, opts, sources, references, generated, d); err != nil {
			return nil, err
		}
	}

	result := &Result{Utf8Output: opts.utf8Output}
	if d.failed() {
		result.ExitCode = 1
	}
	result.Output = banner(inv.Language, opts) + d.String()

	g.stats.Tagged(map[string]string{"exit_code": strconv.Itoa(result.ExitCode)}).Counter("compiles").Inc(1)
	g.logger.Debugw("compile finished",
		zap.String("requestId", inv.RequestID),
		zap.Int("exitCode", result.ExitCode),
		zap.Int("errors", d.errors),
		zap.Int("warnings", d.warnings),
	)
	return result, nil
}

// loadExtensions loads every analyzer module named on the command line. All load failures are
// collected and returned together, so a client learns every offending path from one response.
func (g *gateway) loadExtensions(ctx context.Context, inv *Invocation, opts *options) ([]*extension.Extension, error) {
	var (
		modules []*extension.Extension
		failed  []*extension.LoadError
	)
	for _, a := range opts.analyzers {
		path := resolve(inv.WorkingDirectory, a)
		fs.RecordAccess(inv.AccessLog, fs.AccessRead, path)

		m, err := inv.Extensions.Load(ctx, path)
		if err == nil {
			modules = append(modules, m)
			continue
		}
		if errors.IsCancelled(err) {
			return nil, err
		}

		var loadErr *extension.LoadError
		if !errors.As(err, &loadErr) {
			loadErr = &extension.LoadError{Path: path, Err: err}
		}
		failed = append(failed, loadErr)
	}

	if len(failed) > 0 {
		return nil, &extension.InconsistencyError{Errors: failed}
	}
	return modules, nil
}

func (g *gateway) readSources(ctx context.Context, inv *Invocation, opts *options, d *diagnostics) ([]source, error) {
	sources := make([]source, 0, len(opts.sources))
	for _, s := range opts.sources {
		path := resolve(inv.WorkingDirectory, s)
		content, err := inv.FS.ReadFile(ctx, path, inv.AccessLog)
		if err == nil {
			sources = append(sources, source{path: path, content: content})
			continue
		}

		if _, ok := errors.IsFileNotFound(err); ok {
			d.report(codeSourceNotFound, inv.Language, path)
			continue
		}
		var ioErr *errors.IOError
		if errors.As(err, &ioErr) {
			d.report(codeSourceUnreadable, inv.Language, path, ioErr.Message)
			continue
		}
		return nil, err
	}
	return sources, nil
}

// resolveReferences probes, in order, the working directory, the client's lib directory, each /lib:
// directory and each library path. Every probe is an open for reading, so it is part of the access report.
func (g *gateway) resolveReferences(ctx context.Context, inv *Invocation, opts *options, d *diagnostics) ([]string, error) {
	var resolved []string
	for _, ref := range opts.references {
		path, err := g.probe(ctx, inv, opts, ref)
		if err != nil {
			return nil, err
		}
		if path == "" {
			d.report(codeReferenceNotFound, inv.Language, ref)
			continue
		}
		resolved = append(resolved, path)
	}
	return resolved, nil
}

func (g *gateway) probe(ctx context.Context, inv *Invocation, opts *options, ref string) (string, error) {
	var candidates []string
	if filepath.IsAbs(ref) {
		candidates = []string{filepath.Clean(ref)}
	} else {
		dirs := []string{inv.WorkingDirectory}
		if inv.LibDirectory != "" {
			dirs = append(dirs, inv.LibDirectory)
		}
		for _, lib := range opts.libDirs {
			dirs = append(dirs, resolve(inv.WorkingDirectory, lib))
		}
		dirs = append(dirs, inv.LibraryPaths...)
		for _, dir := range dirs {
			candidates = append(candidates, filepath.Join(dir, ref))
		}
	}

	for _, c := range candidates {
		f, err := inv.FS.Open(ctx, c, fs.ModeOpen, fs.AccessRead, fs.ShareRead, inv.AccessLog)
		if err != nil {
			if errors.IsNormalizedIO(err) {
				continue
			}
			return "", err
		}
		f.Close()
		return c, nil
	}
	return "", nil
}

// generate runs the generators of every loaded module under an exclusive lease on the project's
// generation state. A failed run leaves the cached state untouched.
func (g *gateway) generate(ctx context.Context, inv *Invocation, opts *options, modules []*extension.Extension, sources []source, d *diagnostics) ([]generation.Output, error) {
	var generators []extension.Generator
	for _, m := range modules {
		generators = append(generators, m.Generators()...)
	}
	if len(generators) == 0 {
		return nil, nil
	}

	paths := make([]string, 0, len(sources))
	inputs := make([]generation.Input, 0, len(sources))
	for _, src := range sources {
		paths = append(paths, src.path)
		inputs = append(inputs, generation.Input{Path: src.path, Content: src.content})
	}
	key := generation.NewKey(extension.GeneratorIdentities(modules), generation.Shape{
		Language:        string(inv.Language),
		SourcePaths:     paths,
		Defines:         opts.defines,
		LanguageVersion: opts.langVersion,
	})

	run, err := generation.Generate(ctx, inv.Generation, key, generators, string(inv.Language), inputs)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &errors.CancelledError{Err: ctxErr}
		}
		d.report(codeGeneratorFailed, inv.Language, err.Error())
		return nil, nil
	}
	g.stats.Counter("generated_reused").Inc(int64(run.Reused))
	g.stats.Counter("generated_regenerated").Inc(int64(run.Regenerated))

	if opts.generatedFilesOut != "" {
		root := resolve(inv.WorkingDirectory, opts.generatedFilesOut)
		for _, out := range run.Outputs {
			path := filepath.Join(root, generatorDir(out.Generator), out.HintName)
			if err := g.write(ctx, inv, path, out.Text, fs.OptionNone, d); err != nil {
				return nil, err
			}
		}
	}
	return run.Outputs, nil
}

// writeArtifact writes the artifact manifest. Its content depends only on the request and the
// contents of the files it read, so identical requests produce identical artifacts.
func (g *gateway) writeArtifact(ctx context.Context, inv *Invocation, opts *options, sources []source, references []string, generated []generation.Output, d *diagnostics) error {
	var b strings.Builder
	fmt.Fprintf(&b, "artifact: %s\n", opts.target)
	fmt.Fprintf(&b, "language: %s\n", inv.Language)
	if opts.langVersion != "" {
		fmt.Fprintf(&b, "langversion: %s\n", opts.langVersion)
	}
	if len(opts.defines) > 0 {
		fmt.Fprintf(&b, "defines: %s\n", strings.Join(opts.defines, ";"))
	}
	fmt.Fprintf(&b, "deterministic: %t\n", opts.deterministic)
	for _, src := range sources {
		fmt.Fprintf(&b, "source %016x %s\n", xxhash.Sum64(src.content), src.path)
	}
	for _, ref := range references {
		fmt.Fprintf(&b, "reference %s\n", ref)
	}
	for _, out := range generated {
		fmt.Fprintf(&b, "generated %016x %s/%s\n", xxhash.Sum64String(out.Text), generatorDir(out.Generator), out.HintName)
	}

	return g.write(ctx, inv, opts.outputPath(inv.WorkingDirectory), b.String(), fs.OptionWriteThrough, d)
}

// write creates path with text. A file that cannot be written is a diagnostic, not a failure of the request.
func (g *gateway) write(ctx context.Context, inv *Invocation, path, text string, options fs.FileOptions, d *diagnostics) error {
	if err := inv.FS.MkdirAll(filepath.Dir(path)); err != nil && !errors.IsNormalizedIO(err) {
		return err
	}

	f, _, err := inv.FS.OpenWithOptions(ctx, path, fs.ModeCreate, fs.AccessWrite, fs.ShareNone, _writeBufferSize, options, inv.AccessLog)
	if err != nil {
		if errors.IsNormalizedIO(err) {
			d.report(codeCannotWrite, inv.Language, path, ioText(err))
			return nil
		}
		return err
	}

	_, werr := f.WriteString(text)
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		d.report(codeCannotWrite, inv.Language, path, werr.Error())
	}
	return nil
}

func ioText(err error) string {
	var ioErr *errors.IOError
	if errors.As(err, &ioErr) {
		return ioErr.Message
	}
	return err.Error()
}

// generatorDir names the generatedfilesout subdirectory of a generator: its manifest file and id.
func generatorDir(identity string) string {
	name := identity
	if i := strings.LastIndex(identity, "@"); i >= 0 {
		name = identity[:i]
	}
	return strings.ReplaceAll(filepath.Base(name), "#", "_")
}

func banner(lang entity.Language, opts *options) string {
	if opts.noLogo {
		return ""
	}
	if lang == entity.LanguageVisualBasic {
		return "compilerd reference compiler for Visual Basic\n\n"
	}
	return "compilerd reference compiler for C#\n\n"
}
