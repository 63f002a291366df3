package extension

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
)

// Severity of a Diagnostic.
type Severity int

const (
	// SeverityInfo diagnostics are reported but never fail a compile.
	SeverityInfo Severity = iota
	// SeverityWarning diagnostics are reported but never fail a compile.
	SeverityWarning
	// SeverityError diagnostics fail the compile.
	SeverityError
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	default:
		return "error"
	}
}

func parseSeverity(s string) (Severity, error) {
	switch s {
	case "info":
		return SeverityInfo, nil
	case "", "warning":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	default:
		return SeverityError, fmt.Errorf("unknown severity %q", s)
	}
}

// Diagnostic is a single analyzer finding.
type Diagnostic struct {
	Path     string
	Line     int
	Column   int
	Severity Severity
	ID       string
	Message  string
}

// String formats the diagnostic the way compiler console output does.
func (d Diagnostic) String() string {
	return fmt.Sprintf("%s(%d,%d): %s %s: %s", d.Path, d.Line, d.Column, d.Severity, d.ID, d.Message)
}

// Analyzer reports a diagnostic for every source line matching its pattern.
type Analyzer struct {
	ID       string
	Severity Severity

	match   string
	pattern *regexp.Regexp
	message string
}

// Applies reports whether the analyzer runs on the given source path.
func (a *Analyzer) Applies(path string) bool {
	if a.match == "" {
		return true
	}
	ok, _ := filepath.Match(a.match, filepath.Base(path))
	return ok
}

// Analyze scans content and returns diagnostics in line order.
func (a *Analyzer) Analyze(path string, content []byte) []Diagnostic {
	if !a.Applies(path) {
		return nil
	}

	var diags []Diagnostic
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		loc := a.pattern.FindIndex(scanner.Bytes())
		if loc == nil {
			continue
		}
		diags = append(diags, Diagnostic{
			Path:     path,
			Line:     line,
			Column:   loc[0] + 1,
			Severity: a.Severity,
			ID:       a.ID,
			Message:  a.message,
		})
	}
	return diags
}
