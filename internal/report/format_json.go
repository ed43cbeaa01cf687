package report

import "encoding/json"

// FormatJSON returns the report as indented JSON bytes.
func FormatJSON(r *Report) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.MarshalIndent(r, "", "  ")
}
