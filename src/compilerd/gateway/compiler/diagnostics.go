package compiler

import (
	"fmt"
	"strings"

	"github.com/uber/compiler-server/src/compilerd/entity"
	"github.com/uber/compiler-server/src/compilerd/internal/extension"
)

// code is a command line or build diagnostic of the reference pipeline.
type code int

const (
	codeUnknownOption code = iota
	codeMissingValue
	codeBadTarget
	codeNoSources
	codeSourceNotFound
	codeSourceUnreadable
	codeReferenceNotFound
	codeCannotWrite
	codeGeneratorFailed
	codeResponseFileNotFound
)

type message struct {
	id      string
	warning bool
	format  string
}

// _messages holds the C# and Visual Basic rendering of each code.
var _messages = map[entity.Language]map[code]message{
	entity.LanguageCSharp: {
		codeUnknownOption:        {id: "CS2007", format: "Unrecognized option: '%s'"},
		codeMissingValue:         {id: "CS2006", format: "Command-line syntax error: Missing '<text>' for '%s' option"},
		codeBadTarget:            {id: "CS2019", format: "Invalid target type '%s' for /target: must specify 'exe', 'winexe', 'library', or 'module'"},
		codeNoSources:            {id: "CS2008", format: "No source files specified."},
		codeSourceNotFound:       {id: "CS2001", format: "Source file '%s' could not be found."},
		codeSourceUnreadable:     {id: "CS1504", format: "Source file '%s' could not be opened -- %s"},
		codeReferenceNotFound:    {id: "CS0006", format: "Metadata file '%s' could not be found"},
		codeCannotWrite:          {id: "CS2012", format: "Cannot open '%s' for writing -- '%s'"},
		codeResponseFileNotFound: {id: "CS2011", format: "Error opening response file '%s'"},
		codeGeneratorFailed:      {id: "CS8785", warning: true, format: "Source generators failed to generate source. They will not contribute to the output and compilation errors may occur as a result. Exception was: '%s'"},
	},
	entity.LanguageVisualBasic: {
		codeUnknownOption:        {id: "BC2007", format: "unrecognized option '%s'"},
		codeMissingValue:         {id: "BC2006", format: "option '%s' requires '<value>'"},
		codeBadTarget:            {id: "BC2014", format: "the value '%s' is invalid for option 'target'"},
		codeNoSources:            {id: "BC2008", format: "no input sources specified"},
		codeSourceNotFound:       {id: "BC2001", format: "file '%s' could not be found"},
		codeSourceUnreadable:     {id: "BC2001", format: "file '%s' could not be opened: %s"},
		codeReferenceNotFound:    {id: "BC2017", format: "could not find library '%s'"},
		codeCannotWrite:          {id: "BC2012", format: "can't open '%s' for writing: %s"},
		codeResponseFileNotFound: {id: "BC2011", format: "unable to open response file '%s'"},
		codeGeneratorFailed:      {id: "BC42501", warning: true, format: "Source generators failed to generate source. They will not contribute to the output and compilation errors may occur as a result. Exception was: '%s'"},
	},
}

// diagnostics accumulates console output in the order problems are found.
type diagnostics struct {
	lines    []string
	errors   int
	warnings int
}

func (d *diagnostics) report(c code, lang entity.Language, args ...interface{}) {
	m := _messages[lang][c]
	severity := "error"
	if m.warning {
		severity = "warning"
		d.warnings++
	} else {
		d.errors++
	}

	prefix := ""
	if lang == entity.LanguageVisualBasic {
		prefix = "vbc : "
	}
	d.lines = append(d.lines, fmt.Sprintf("%s%s %s: %s", prefix, severity, m.id, fmt.Sprintf(m.format, args...)))
}

func (d *diagnostics) add(diag extension.Diagnostic) {
	switch diag.Severity {
	case extension.SeverityError:
		d.errors++
	case extension.SeverityWarning:
		d.warnings++
	}
	d.lines = append(d.lines, diag.String())
}

func (d *diagnostics) failed() bool {
	return d.errors > 0
}

func (d *diagnostics) String() string {
	if len(d.lines) == 0 {
		return ""
	}
	return strings.Join(d.lines, "\n") + "\n"
}
