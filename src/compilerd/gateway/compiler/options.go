package compiler

import (
	"path/filepath"
	"strings"

	"github.com/uber/compiler-server/src/compilerd/entity"
)

// target is the kind of artifact a compile produces.
type target string

const (
	targetExe     target = "exe"
	targetWinExe  target = "winexe"
	targetLibrary target = "library"
	targetModule  target = "module"
)

func (t target) extension() string {
	switch t {
	case targetLibrary:
		return ".dll"
	case targetModule:
		return ".netmodule"
	default:
		return ".exe"
	}
}

// options is the parsed form of a compile command line.
type options struct {
	out               string
	target            target
	sources           []string
	references        []string
	analyzers         []string
	libDirs           []string
	defines           []string
	langVersion       string
	generatedFilesOut string
	utf8Output        bool
	noLogo            bool
	deterministic     bool
}

// optionSpec describes one recognized option. Names are matched case-insensitively.
type optionSpec struct {
	takesValue bool
	apply      func(o *options, value string)
}

var _options = map[string]optionSpec{
	"out":               {takesValue: true, apply: func(o *options, v string) { o.out = v }},
	"target":            {takesValue: true, apply: func(o *options, v string) { o.target = target(strings.ToLower(v)) }},
	"t":                 {takesValue: true, apply: func(o *options, v string) { o.target = target(strings.ToLower(v)) }},
	"reference":         {takesValue: true, apply: func(o *options, v string) { o.references = append(o.references, splitList(v)...) }},
	"r":                 {takesValue: true, apply: func(o *options, v string) { o.references = append(o.references, splitList(v)...) }},
	"analyzer":          {takesValue: true, apply: func(o *options, v string) { o.analyzers = append(o.analyzers, splitList(v)...) }},
	"a":                 {takesValue: true, apply: func(o *options, v string) { o.analyzers = append(o.analyzers, splitList(v)...) }},
	"lib":               {takesValue: true, apply: func(o *options, v string) { o.libDirs = append(o.libDirs, splitList(v)...) }},
	"define":            {takesValue: true, apply: func(o *options, v string) { o.defines = append(o.defines, splitDefines(v)...) }},
	"d":                 {takesValue: true, apply: func(o *options, v string) { o.defines = append(o.defines, splitDefines(v)...) }},
	"langversion":       {takesValue: true, apply: func(o *options, v string) { o.langVersion = v }},
	"generatedfilesout": {takesValue: true, apply: func(o *options, v string) { o.generatedFilesOut = v }},
	"utf8output":        {apply: func(o *options, _ string) { o.utf8Output = true }},
	"nologo":            {apply: func(o *options, _ string) { o.noLogo = true }},
	"deterministic":     {apply: func(o *options, _ string) { o.deterministic = true }},
	"deterministic+":    {apply: func(o *options, _ string) { o.deterministic = true }},
	"deterministic-":    {apply: func(o *options, _ string) { o.deterministic = false }},
	"noconfig":          {apply: func(*options, string) {}},
}

// parseOptions interprets args. Problems are reported to d and parsing continues, so a single run reports
// every command line error. An argument starting with '/' that is not a known option is a path.
func parseOptions(args []string, lang entity.Language, d *diagnostics) *options {
	o := &options{target: targetExe}
	for _, arg := range args {
		if arg == "" {
			continue
		}

		isOption := arg[0] == '-' || arg[0] == '/'
		if !isOption {
			o.sources = append(o.sources, arg)
			continue
		}

		name, value, hasValue := strings.Cut(arg[1:], ":")
		spec, known := _options[strings.ToLower(name)]
		if !known {
			if arg[0] == '/' && !hasValue && looksLikePath(arg) {
				o.sources = append(o.sources, arg)
				continue
			}
			d.report(codeUnknownOption, lang, arg)
			continue
		}

		if spec.takesValue && (!hasValue || value == "") {
			d.report(codeMissingValue, lang, "/"+strings.ToLower(name)+":")
			continue
		}
		spec.apply(o, value)
	}

	switch o.target {
	case targetExe, targetWinExe, targetLibrary, targetModule:
	default:
		d.report(codeBadTarget, lang, string(o.target))
		o.target = targetExe
	}
	if len(o.sources) == 0 {
		d.report(codeNoSources, lang)
	}
	return o
}

// outputPath returns the artifact path, defaulting to the first source's name with the target's extension.
func (o *options) outputPath(workingDirectory string) string {
	out := o.out
	if out == "" && len(o.sources) > 0 {
		base := filepath.Base(o.sources[0])
		out = strings.TrimSuffix(base, filepath.Ext(base)) + o.target.extension()
	}
	return resolve(workingDirectory, out)
}

func looksLikePath(arg string) bool {
	return strings.Count(arg, "/") > 1 || filepath.Ext(arg) != ""
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ';' }) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func splitDefines(v string) []string {
	var out []string
	for _, item := range splitList(v) {
		// VB defines may carry a value; only the symbol name shapes the compilation.
		name, _, _ := strings.Cut(item, "=")
		out = append(out, name)
	}
	return out
}

func resolve(workingDirectory, path string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(workingDirectory, path)
}
