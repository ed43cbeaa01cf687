// Package report defines findings (errors and warnings) and the report that
// collects them for one export, import or check run.
package report

import (
	"errors"
	"fmt"
	"sync"

	"github.com/foundry-zero/mbsync/internal/codec"
	"github.com/foundry-zero/mbsync/internal/metabase"
	"github.com/foundry-zero/mbsync/internal/resolve"
	"github.com/foundry-zero/mbsync/internal/token"
)

// Severity indicates whether a finding is an error or a warning.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

// String returns "error" or "warning".
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler so JSON output uses the string form.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for JSON round-tripping.
func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "error":
		*s = SeverityError
	case "warning":
		*s = SeverityWarning
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// Rules classify findings.
const (
	RuleUnresolved = "UNRESOLVED"
	RuleMalformed  = "MALFORMED"
	RuleCollision  = "KEY-COLLISION"
	RuleAmbiguous  = "AMBIGUOUS"
	RuleSchema     = "SCHEMA"
	RuleAPI        = "API"
	RuleInput      = "INPUT"
	RuleFileName   = "FILENAME"
	RuleInternal   = "INTERNAL"
)

// Location identifies the entity a finding is about.
type Location struct {
	File   string `json:"file,omitempty"`
	Entity string `json:"entity,omitempty"`
	Path   string `json:"path,omitempty"` // JSON path like "$.dataset_query.query.breakout[0]"
}

// Finding represents a single error or warning.
type Finding struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Location Location `json:"location"`
}

// NewFinding creates a Finding with the given parameters.
func NewFinding(rule string, severity Severity, message string, loc Location) Finding {
	return Finding{
		Rule:     rule,
		Severity: severity,
		Message:  message,
		Location: loc,
	}
}

// NewError creates an error-severity Finding.
func NewError(rule string, message string, loc Location) Finding {
	return NewFinding(rule, SeverityError, message, loc)
}

// NewWarning creates a warning-severity Finding.
func NewWarning(rule string, message string, loc Location) Finding {
	return NewFinding(rule, SeverityWarning, message, loc)
}

// FromError classifies err into an error Finding. The JSON path of a
// codec.PathError is copied into the location when loc has none.
func FromError(err error, loc Location) Finding {
	var pathErr *codec.PathError
	if errors.As(err, &pathErr) && loc.Path == "" {
		loc.Path = pathErr.Path
	}
	return NewError(Rule(err), err.Error(), loc)
}

// Rule returns the rule an error belongs to.
func Rule(err error) string {
	var (
		unresolved *resolve.UnresolvedReferenceError
		malformed  *token.MalformedTokenError
		apiErr     *metabase.APIError
	)
	switch {
	case errors.As(err, &unresolved):
		return RuleUnresolved
	case errors.As(err, &malformed):
		return RuleMalformed
	case errors.Is(err, codec.ErrKeyCollision):
		return RuleCollision
	case errors.As(err, &apiErr):
		return RuleAPI
	default:
		return RuleInternal
	}
}

// AmbiguityWarnings turns the duplicate names a resolver saw into warnings.
func AmbiguityWarnings(ambiguities []resolve.Ambiguity) []Finding {
	out := make([]Finding, 0, len(ambiguities))
	for _, a := range ambiguities {
		out = append(out, NewWarning(RuleAmbiguous, a.String(), Location{}))
	}
	return out
}

// Summary holds aggregate counts for a report.
type Summary struct {
	Processed    int `json:"processed"`
	ErrorCount   int `json:"error_count"`
	WarningCount int `json:"warning_count"`
}

// Report collects the findings of one run over a source: a data directory
// or a single file. It is safe for concurrent use.
type Report struct {
	Source   string    `json:"source"`
	Errors   []Finding `json:"errors"`
	Warnings []Finding `json:"warnings"`
	Summary  Summary   `json:"summary"`

	mu sync.Mutex
}

// NewReport creates a Report for source with empty finding slices.
func NewReport(source string) *Report {
	return &Report{
		Source:   source,
		Errors:   []Finding{},
		Warnings: []Finding{},
	}
}

// AddFinding appends a finding to the appropriate slice (Errors or Warnings)
// and updates the summary counts.
func (r *Report) AddFinding(f Finding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch f.Severity {
	case SeverityError:
		r.Errors = append(r.Errors, f)
		r.Summary.ErrorCount++
	case SeverityWarning:
		r.Warnings = append(r.Warnings, f)
		r.Summary.WarningCount++
	}
}

// AddError records err as an error finding at loc.
func (r *Report) AddError(err error, loc Location) {
	r.AddFinding(FromError(err, loc))
}

// Processed counts one entity handled, successfully or not.
func (r *Report) Processed() {
	r.mu.Lock()
	r.Summary.Processed++
	r.mu.Unlock()
}

// Merge adds the findings and counts of other.
func (r *Report) Merge(other *Report) {
	other.mu.Lock()
	findings := append(append([]Finding(nil), other.Errors...), other.Warnings...)
	processed := other.Summary.Processed
	other.mu.Unlock()

	for _, f := range findings {
		r.AddFinding(f)
	}
	r.mu.Lock()
	r.Summary.Processed += processed
	r.mu.Unlock()
}

// HasErrors returns true if the report contains any error-severity findings.
func (r *Report) HasErrors() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Summary.ErrorCount > 0
}

// HasWarnings returns true if the report contains any warning-severity findings.
func (r *Report) HasWarnings() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Summary.WarningCount > 0
}
