package compiler

import (
	"context"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/uber/compiler-server/src/compilerd/entity"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
)

// defaultResponseFile is read from the install directory ahead of the command line unless /noconfig is given.
func defaultResponseFile(lang entity.Language) string {
	if lang == entity.LanguageVisualBasic {
		return "vbc.rsp"
	}
	return "csc.rsp"
}

// expandArguments returns the command line with the default response file prepended and every @file
// argument replaced by the arguments the file holds. Response file reads are recorded like any other access.
func (g *gateway) expandArguments(ctx context.Context, inv *Invocation, d *diagnostics) ([]string, error) {
	e := &expander{inv: inv, d: d, active: make(map[string]bool)}

	if g.installDirectory != "" && !hasNoConfig(inv.Arguments) {
		path := filepath.Join(g.installDirectory, defaultResponseFile(inv.Language))
		content, err := inv.FS.ReadFile(ctx, path, inv.AccessLog)
		switch {
		case err == nil:
			if err := e.include(ctx, path, content); err != nil {
				return nil, err
			}
		case !errors.IsNormalizedIO(err):
			return nil, err
		}
	}

	if err := e.expand(ctx, inv.Arguments, inv.WorkingDirectory); err != nil {
		return nil, err
	}
	return e.args, nil
}

type expander struct {
	inv    *Invocation
	d      *diagnostics
	active map[string]bool
	args   []string
}

// expand appends args, splicing in @file arguments. A relative response file resolves against baseDir,
// which is the working directory on the command line and the including file's directory inside a response file.
func (e *expander) expand(ctx context.Context, args []string, baseDir string) error {
	for _, arg := range args {
		if !strings.HasPrefix(arg, "@") {
			e.args = append(e.args, arg)
			continue
		}

		path := resolve(baseDir, strings.Trim(arg[1:], `"`))
		if e.active[path] {
			// A response file that includes itself is expanded once.
			continue
		}
		content, err := e.inv.FS.ReadFile(ctx, path, e.inv.AccessLog)
		if err != nil {
			if errors.IsNormalizedIO(err) {
				e.d.report(codeResponseFileNotFound, e.inv.Language, path)
				continue
			}
			return err
		}
		if err := e.include(ctx, path, content); err != nil {
			return err
		}
	}
	return nil
}

func (e *expander) include(ctx context.Context, path string, content []byte) error {
	e.active[path] = true
	defer delete(e.active, path)
	return e.expand(ctx, parseResponseFile(content), filepath.Dir(path))
}

// parseResponseFile splits response file contents into arguments. Blank lines and lines starting with '#'
// are skipped. Arguments on a line are separated by white space; double quotes group and are removed.
func parseResponseFile(content []byte) []string {
	var args []string
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		args = append(args, splitArguments(line)...)
	}
	return args
}

func splitArguments(line string) []string {
	var (
		args    []string
		current strings.Builder
		quoted  bool
		pending bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			pending = true
		case unicode.IsSpace(r) && !quoted:
			if pending {
				args = append(args, current.String())
				current.Reset()
				pending = false
			}
		default:
			current.WriteRune(r)
			pending = true
		}
	}
	if pending {
		args = append(args, current.String())
	}
	return args
}

func hasNoConfig(args []string) bool {
	for _, arg := range args {
		if len(arg) > 1 && (arg[0] == '/' || arg[0] == '-') && strings.EqualFold(arg[1:], "noconfig") {
			return true
		}
	}
	return false
}
