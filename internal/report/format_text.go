package report

import (
	"fmt"
	"strings"
)

// FormatText returns a human-readable string representation of the report.
// Each finding is on its own line with rule, severity, message and location.
// A summary line is appended at the end.
func FormatText(r *Report) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder

	fmt.Fprintf(&b, "Source: %s\n", r.Source)

	for _, f := range r.Errors {
		writeFinding(&b, f)
	}
	for _, f := range r.Warnings {
		writeFinding(&b, f)
	}

	fmt.Fprintf(&b, "\n%d processed, %d errors, %d warnings\n",
		r.Summary.Processed, r.Summary.ErrorCount, r.Summary.WarningCount)
	return b.String()
}

func writeFinding(b *strings.Builder, f Finding) {
	fmt.Fprintf(b, "  [%s] %s: %s", f.Rule, f.Severity, f.Message)
	var where []string
	if f.Location.File != "" {
		where = append(where, f.Location.File)
	}
	if f.Location.Entity != "" {
		where = append(where, fmt.Sprintf("%q", f.Location.Entity))
	}
	if f.Location.Path != "" {
		where = append(where, f.Location.Path)
	}
	if len(where) > 0 {
		fmt.Fprintf(b, " at %s", strings.Join(where, " "))
	}
	b.WriteByte('\n')
}
