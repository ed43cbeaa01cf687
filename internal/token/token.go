// Package token implements the portable token grammar used in exported
// configuration files. Tokens stand in for server-assigned ids:
//
//	%%<table>|<field>     Ref, a field (or, with an empty table, a metric)
//	%<origkey>%<payload>  Marker, a scalar id that was stored under origkey
//	%JSONCONV%<json>      Embedded, a JSON text containing references
//
// Everything outside this package works with the parsed Token values and
// never inspects raw string prefixes.
package token

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	sentinel     = "%"
	refPrefix    = "%%"
	embeddedKey  = "JSONCONV"
	embedPrefix  = "%" + embeddedKey + "%"
	refSeparator = "|"
)

// originKeys is the closed set of keys a Marker may name.
var originKeys = map[string]bool{
	"field_id":      true,
	"id":            true,
	"table_id":      true,
	"source-table":  true,
	"card_id":       true,
	"targetId":      true,
	"database_id":   true,
	"database":      true,
	"collection_id": true,
	"dashboard_id":  true,
}

// IsOriginKey reports whether key may appear as the origin key of a Marker.
func IsOriginKey(key string) bool {
	return originKeys[key]
}

// Token is one of Ref, Marker or Embedded.
type Token interface {
	// String returns the wire form of the token.
	String() string
	isToken()
}

// Ref names a field by its table and field name. A metric reference has an
// empty Table and the metric name in Name.
type Ref struct {
	Table string
	Name  string
}

// FieldRef returns the Ref for a field of a table.
func FieldRef(table, field string) Ref { return Ref{Table: table, Name: field} }

// MetricRef returns the Ref for a metric.
func MetricRef(name string) Ref { return Ref{Name: name} }

func (r Ref) String() string { return refPrefix + r.Table + refSeparator + r.Name }

func (Ref) isToken() {}

// Marker records the key a scalar id was found under and the portable
// payload that replaces the id.
type Marker struct {
	Key     string
	Payload string
}

func (m Marker) String() string { return sentinel + m.Key + sentinel + m.Payload }

func (Marker) isToken() {}

// TableField splits a field payload "<table>|<field>".
func (m Marker) TableField() (table, field string, ok bool) {
	return strings.Cut(m.Payload, refSeparator)
}

// Embedded carries JSON text whose references were already tokenized.
type Embedded struct {
	JSON string
}

func (e Embedded) String() string { return embedPrefix + e.JSON }

func (Embedded) isToken() {}

// MalformedTokenError reports a string that has the token sentinel shape
// but whose contents cannot be parsed.
type MalformedTokenError struct {
	Text   string
	Reason string
}

func (e *MalformedTokenError) Error() string {
	return fmt.Sprintf("malformed token %q: %s", e.Text, e.Reason)
}

// Parse classifies s. ok is false for plain text, which callers pass
// through untouched. A non-nil error means s looks like a token but is
// broken, and must not be passed through.
func Parse(s string) (tok Token, ok bool, err error) {
	if !strings.HasPrefix(s, sentinel) {
		return nil, false, nil
	}
	if strings.HasPrefix(s, refPrefix) {
		table, name, found := strings.Cut(s[len(refPrefix):], refSeparator)
		if !found {
			return nil, false, nil
		}
		return Ref{Table: table, Name: name}, true, nil
	}
	key, payload, found := strings.Cut(s[len(sentinel):], sentinel)
	if !found {
		return nil, false, nil
	}
	if key == embeddedKey {
		if !json.Valid([]byte(payload)) {
			return nil, false, &MalformedTokenError{Text: s, Reason: "embedded JSON does not parse"}
		}
		return Embedded{JSON: payload}, true, nil
	}
	if !IsOriginKey(key) {
		return nil, false, nil
	}
	return Marker{Key: key, Payload: payload}, true, nil
}

// MetricNames returns the metric names a Ref may carry, most likely
// first. "%%||name" is both the older spelling of "name" and the current
// spelling of "|name", so it yields both candidates.
func (r Ref) MetricNames() ([]string, bool) {
	if r.Table != "" {
		return nil, false
	}
	names := []string{r.Name}
	if legacy, ok := strings.CutPrefix(r.Name, refSeparator); ok {
		names = append(names, legacy)
	}
	return names, true
}
