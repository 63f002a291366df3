package compiler

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/compiler-server/src/compilerd/entity"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"github.com/uber/compiler-server/src/compilerd/internal/extension"
	"github.com/uber/compiler-server/src/compilerd/internal/fs"
	"github.com/uber/compiler-server/src/compilerd/internal/generation"
	"go.uber.org/config"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const _manifest = `
apiVersion: 1
name: sample
analyzers:
  - id: CA1000
    severity: warning
    pattern: TODO
    message: resolve the TODO
  - id: CA2000
    severity: error
    pattern: goto
    message: goto is not allowed
generators:
  - id: stubs
    match: "*.cs"
    hintName: "{{.Name}}.g.cs"
    template: "// generated from {{.Base}}"
`

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	mem     afero.Fs
	gateway Gateway
	inv     *Invocation
}

func newFixture(t *testing.T, lang entity.Language, args ...string) *fixture {
	mem := afero.NewMemMapFs()
	logger := zap.NewNop().Sugar()

	cfg, err := config.NewYAML(config.Source(strings.NewReader("generation:\n  maxEntries: 4")))
	require.NoError(t, err)
	gen, err := generation.New(generation.Params{Config: cfg, Stats: tally.NoopScope, Logger: logger})
	require.NoError(t, err)

	gw, err := New(Params{Logger: logger, Stats: tally.NewTestScope("", nil)})
	require.NoError(t, err)

	return &fixture{
		mem:     mem,
		gateway: gw,
		inv: &Invocation{
			RequestID:        "req",
			Language:         lang,
			Arguments:        args,
			WorkingDirectory: "/work",
			Extensions:       extension.New(extension.Params{FS: mem, Stats: tally.NoopScope, Logger: logger}),
			Generation:       gen,
			FS:               fs.New(mem),
			AccessLog:        fs.NewAccessLog(),
		},
	}
}

func (f *fixture) write(t *testing.T, path, contents string) {
	require.NoError(t, afero.WriteFile(f.mem, path, []byte(contents), 0o644))
}

func (f *fixture) accesses() []string {
	var out []string
	for _, r := range f.inv.AccessLog.Records() {
		out = append(out, r.RequestedAccess.String()+" "+r.Path)
	}
	return out
}

func TestCompileMissingSource(t *testing.T) {
	tests := []struct {
		name       string
		lang       entity.Language
		wantOutput string
	}{
		{
			name:       "csharp",
			lang:       entity.LanguageCSharp,
			wantOutput: "error CS2001: Source file '/work/a.cs' could not be found.\n",
		},
		{
			name:       "visual basic",
			lang:       entity.LanguageVisualBasic,
			wantOutput: "vbc : error BC2001: file '/work/a.cs' could not be found\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.lang, "/nologo", "a.cs")

			res, err := f.gateway.Compile(context.Background(), f.inv)
			require.NoError(t, err)
			assert.Equal(t, 1, res.ExitCode)
			assert.Equal(t, tt.wantOutput, res.Output)
			assert.Equal(t, []string{"Read /work/a.cs"}, f.accesses())

			exists, err := afero.Exists(f.mem, "/work/a.exe")
			require.NoError(t, err)
			assert.False(t, exists, "no artifact is written for a failed compile")
		})
	}
}

func TestCompileWritesDeterministicArtifact(t *testing.T) {
	f := newFixture(t, entity.LanguageCSharp, "/nologo", "-target:library", "/out:bin/a.dll", "/define:DEBUG;TRACE", "/utf8output", "a.cs", "b.cs")
	f.write(t, "/work/a.cs", "class A {}")
	f.write(t, "/work/b.cs", "class B {}")

	res, err := f.gateway.Compile(context.Background(), f.inv)
	require.NoError(t, err)
	assert.Equal(t, &Result{ExitCode: 0, Output: "", Utf8Output: true}, res)
	assert.Equal(t, []string{"Read /work/a.cs", "Read /work/b.cs", "Write /work/bin/a.dll"}, f.accesses())

	first, err := afero.ReadFile(f.mem, "/work/bin/a.dll")
	require.NoError(t, err)
	assert.Contains(t, string(first), "artifact: library\n")
	assert.Contains(t, string(first), "defines: DEBUG;TRACE\n")
	assert.Contains(t, string(first), " /work/a.cs\n")

	f.inv.AccessLog = fs.NewAccessLog()
	_, err = f.gateway.Compile(context.Background(), f.inv)
	require.NoError(t, err)
	second, err := afero.ReadFile(f.mem, "/work/bin/a.dll")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCompileBanner(t *testing.T) {
	f := newFixture(t, entity.LanguageVisualBasic, "a.vb")
	f.write(t, "/work/a.vb", "Module A\nEnd Module")

	res, err := f.gateway.Compile(context.Background(), f.inv)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "compilerd reference compiler for Visual Basic\n\n", res.Output)

	exists, err := afero.Exists(f.mem, "/work/a.exe")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCompileCommandLineErrors(t *testing.T) {
	f := newFixture(t, entity.LanguageCSharp, "/nologo", "/bogus", "/target:app", "/out", "/r:lib.dll", "a.cs")
	f.inv.LibDirectory = "/sdk"
	f.inv.LibraryPaths = []string{"/refs"}
	f.write(t, "/work/a.cs", "class A {}")

	res, err := f.gateway.Compile(context.Background(), f.inv)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, strings.Join([]string{
		"error CS2007: Unrecognized option: '/bogus'",
		"error CS2006: Command-line syntax error: Missing '<text>' for '/out:' option",
		"error CS2019: Invalid target type 'app' for /target: must specify 'exe', 'winexe', 'library', or 'module'",
		"error CS0006: Metadata file 'lib.dll' could not be found",
	}, "\n")+"\n", res.Output)
	assert.Equal(t, []string{
		"Read /work/a.cs",
		"Read /work/lib.dll",
		"Read /sdk/lib.dll",
		"Read /refs/lib.dll",
	}, f.accesses())
}

func TestCompileResolvesReferences(t *testing.T) {
	f := newFixture(t, entity.LanguageCSharp, "/nologo", "/lib:deps", "/r:lib.dll", "/reference:/abs/core.dll", "a.cs")
	f.inv.LibraryPaths = []string{"/refs"}
	f.write(t, "/work/a.cs", "class A {}")
	f.write(t, "/work/deps/lib.dll", "")
	f.write(t, "/abs/core.dll", "")

	res, err := f.gateway.Compile(context.Background(), f.inv)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode, res.Output)
	assert.Equal(t, []string{
		"Read /work/a.cs",
		"Read /work/lib.dll",
		"Read /work/deps/lib.dll",
		"Read /abs/core.dll",
		"Write /work/a.exe",
	}, f.accesses())

	artifact, err := afero.ReadFile(f.mem, "/work/a.exe")
	require.NoError(t, err)
	assert.Contains(t, string(artifact), "reference /work/deps/lib.dll\nreference /abs/core.dll\n")
}

func TestCompileRunsExtensions(t *testing.T) {
	f := newFixture(t, entity.LanguageCSharp, "/nologo", "/analyzer:/ext/sample.yaml", "/generatedfilesout:gen", "a.cs")
	f.write(t, "/ext/sample.yaml", _manifest)
	f.write(t, "/work/a.cs", "// TODO\nclass A {}\n")

	res, err := f.gateway.Compile(context.Background(), f.inv)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "/work/a.cs(1,4): warning CA1000: resolve the TODO\n", res.Output)
	assert.Equal(t, []string{
		"Read /ext/sample.yaml",
		"Read /work/a.cs",
		"Write /work/gen/sample.yaml_stubs/a.g.cs",
		"Write /work/a.exe",
	}, f.accesses())

	generated, err := afero.ReadFile(f.mem, "/work/gen/sample.yaml_stubs/a.g.cs")
	require.NoError(t, err)
	assert.Equal(t, "// generated from a.cs", string(generated))
}

func TestCompileAnalyzerErrorFails(t *testing.T) {
	f := newFixture(t, entity.LanguageCSharp, "/nologo", "/a:/ext/sample.yaml", "a.cs")
	f.write(t, "/ext/sample.yaml", _manifest)
	f.write(t, "/work/a.cs", "class A {\n  goto end;\n}\n")

	res, err := f.gateway.Compile(context.Background(), f.inv)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "/work/a.cs(2,3): error CA2000: goto is not allowed\n", res.Output)

	exists, err := afero.Exists(f.mem, "/work/a.exe")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCompileGeneratorFailureIsWarning(t *testing.T) {
	f := newFixture(t, entity.LanguageCSharp, "/nologo", "/a:/ext/broken.yaml", "a.cs")
	f.write(t, "/ext/broken.yaml", "apiVersion: 1\nname: broken\ngenerators: [{id: g, hintName: x.cs, template: '{{.Missing}}'}]")
	f.write(t, "/work/a.cs", "class A {}")

	res, err := f.gateway.Compile(context.Background(), f.inv)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, strings.HasPrefix(res.Output, "warning CS8785: Source generators failed to generate source."), res.Output)
}

func TestCompileInconsistentExtensions(t *testing.T) {
	f := newFixture(t, entity.LanguageCSharp, "/nologo", "/analyzer:/ext/missing.yaml,/ext/bad.yaml", "a.cs")
	f.write(t, "/ext/bad.yaml", "apiVersion: 2")
	f.write(t, "/work/a.cs", "class A {}")

	res, err := f.gateway.Compile(context.Background(), f.inv)
	assert.Nil(t, res)

	var inconsistent *extension.InconsistencyError
	require.True(t, errors.As(err, &inconsistent), err)
	assert.Equal(t, []string{"/ext/bad.yaml", "/ext/missing.yaml"}, inconsistent.Paths())
	assert.Equal(t, []string{"Read /ext/missing.yaml", "Read /ext/bad.yaml"}, f.accesses())
}

func TestCompileCancelled(t *testing.T) {
	f := newFixture(t, entity.LanguageCSharp, "a.cs")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.gateway.Compile(ctx, f.inv)
	assert.Nil(t, res)
	assert.True(t, errors.IsCancelled(err))
	assert.Empty(t, f.accesses())
}

func TestCompileRequiresServices(t *testing.T) {
	f := newFixture(t, entity.LanguageCSharp, "a.cs")
	f.inv.FS = nil

	_, err := f.gateway.Compile(context.Background(), f.inv)
	assert.True(t, errors.IsArgument(err))
}

func TestCompileConcurrentProjects(t *testing.T) {
	const projects = 8

	f := newFixture(t, entity.LanguageCSharp)
	f.write(t, "/ext/sample.yaml", _manifest)

	cfg, err := config.NewYAML(config.Source(strings.NewReader(fmt.Sprintf("generation:\n  maxEntries: %d", projects))))
	require.NoError(t, err)
	genStats := tally.NewTestScope("", nil)
	gen, err := generation.New(generation.Params{Config: cfg, Stats: genStats, Logger: zap.NewNop().Sugar()})
	require.NoError(t, err)

	invs := make([]*Invocation, projects)
	for i := range invs {
		dir := fmt.Sprintf("/work/p%d", i)
		f.write(t, dir+"/a.cs", fmt.Sprintf("class P%d {}\n", i))

		inv := *f.inv
		inv.RequestID = dir
		inv.WorkingDirectory = dir
		inv.Arguments = []string{"/nologo", "/analyzer:/ext/sample.yaml", "/generatedfilesout:gen", "a.cs"}
		inv.Generation = gen
		inv.AccessLog = fs.NewAccessLog()
		invs[i] = &inv
	}

	var g errgroup.Group
	for _, inv := range invs {
		inv := inv
		g.Go(func() error {
			res, err := f.gateway.Compile(context.Background(), inv)
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				return fmt.Errorf("%s: exit code %d: %s", inv.WorkingDirectory, res.ExitCode, res.Output)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, inv := range invs {
		var own []string
		for _, r := range inv.AccessLog.Records() {
			if r.Path == "/ext/sample.yaml" {
				continue
			}
			own = append(own, r.RequestedAccess.String()+" "+r.Path)
		}
		dir := inv.WorkingDirectory
		assert.Equal(t, []string{
			"Read " + dir + "/a.cs",
			"Write " + dir + "/gen/sample.yaml_stubs/a.g.cs",
			"Write " + dir + "/a.exe",
		}, own, "access log of %s holds only its own files", dir)
	}

	for _, c := range genStats.Snapshot().Counters() {
		switch c.Name() {
		case "generation.waits", "generation.bypasses":
			assert.Zero(t, c.Value(), "projects never wait on each other's generation state: %s", c.Name())
		case "generation.misses":
			assert.Equal(t, int64(projects), c.Value())
		}
	}
}

func TestCompileResponseFiles(t *testing.T) {
	withInstallDirectory := func(t *testing.T, f *fixture) {
		cfg, err := config.NewYAML(config.Source(strings.NewReader("server:\n  installDirectory: /opt/compiler")))
		require.NoError(t, err)
		f.gateway, err = New(Params{Config: cfg, Logger: zap.NewNop().Sugar(), Stats: tally.NoopScope})
		require.NoError(t, err)
	}

	t.Run("expands default and nested response files", func(t *testing.T) {
		f := newFixture(t, entity.LanguageCSharp, "/nologo", "@build.rsp")
		withInstallDirectory(t, f)
		f.write(t, "/opt/compiler/csc.rsp", "# defaults\n/define:FROM_DEFAULT\n")
		f.write(t, "/work/build.rsp", "/out:bin/app.dll /target:library\r\n\"src/a b.cs\"\n@nested/more.rsp\n")
		f.write(t, "/work/nested/more.rsp", "c.cs\n@more.rsp\n")
		f.write(t, "/work/src/a b.cs", "class A {}")
		f.write(t, "/work/c.cs", "class C {}")

		res, err := f.gateway.Compile(context.Background(), f.inv)
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode, res.Output)
		assert.Equal(t, []string{
			"Read /opt/compiler/csc.rsp",
			"Read /work/build.rsp",
			"Read /work/nested/more.rsp",
			"Read /work/src/a b.cs",
			"Read /work/c.cs",
			"Write /work/bin/app.dll",
		}, f.accesses())

		artifact, err := afero.ReadFile(f.mem, "/work/bin/app.dll")
		require.NoError(t, err)
		assert.Contains(t, string(artifact), "artifact: library\n")
		assert.Contains(t, string(artifact), "defines: FROM_DEFAULT\n")
	})

	t.Run("noconfig skips the default response file", func(t *testing.T) {
		f := newFixture(t, entity.LanguageCSharp, "/noconfig", "/nologo", "a.cs")
		withInstallDirectory(t, f)
		f.write(t, "/opt/compiler/csc.rsp", "/bogus\n")
		f.write(t, "/work/a.cs", "class A {}")

		res, err := f.gateway.Compile(context.Background(), f.inv)
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode, res.Output)
		assert.Equal(t, []string{"Read /work/a.cs", "Write /work/a.exe"}, f.accesses())
	})

	t.Run("missing response file", func(t *testing.T) {
		f := newFixture(t, entity.LanguageVisualBasic, "/nologo", "@missing.rsp", "a.vb")
		withInstallDirectory(t, f)
		f.write(t, "/work/a.vb", "Module A\nEnd Module")

		res, err := f.gateway.Compile(context.Background(), f.inv)
		require.NoError(t, err)
		assert.Equal(t, 1, res.ExitCode)
		assert.Equal(t, "vbc : error BC2011: unable to open response file '/work/missing.rsp'\n", res.Output)
		assert.Equal(t, []string{"Read /opt/compiler/vbc.rsp", "Read /work/missing.rsp", "Read /work/a.vb"}, f.accesses())
	})
}
