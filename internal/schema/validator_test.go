package schema

import (
	"strings"
	"testing"

	"github.com/foundry-zero/mbsync/internal/layout"
	"github.com/foundry-zero/mbsync/internal/tree"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}
	return v
}

func parse(t *testing.T, s string) tree.Value {
	t.Helper()
	v, err := tree.ParseString(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return v
}

const validCard = `{
  "name": "Orders by month",
  "description": null,
  "display": "line",
  "table_name": "%table_id%orders",
  "database_name": "%database_id%Sales",
  "collection_name": "%collection_id%Reports",
  "dataset_query": {
    "type": "query",
    "database_name": "%database%Sales",
    "query": {"table_name": "%source-table%orders", "breakout": [["field", "%%orders|created_at", {"temporal-unit": "month"}]]}
  },
  "visualization_settings": {},
  "result_metadata": [{"name": "count"}]
}`

func TestValidateValidDocuments(t *testing.T) {
	v := newValidator(t)
	tests := []struct {
		kind layout.Kind
		doc  string
	}{
		{layout.Card, validCard},
		{layout.Dashboard, `{"name": "Sales", "parameters": [], "collection_name": "%collection_id%Reports",
			"ordered_cards": [{"card_name": "%card_id%Orders by month", "size_x": 4, "size_y": 3, "row": 0, "col": 0,
			"parameter_mappings": [], "card": {"name": "Orders by month"}}]}`},
		{layout.Metric, `{"name": "Revenue", "table_name": "%table_id%orders",
			"definition": {"table_name": "%source-table%orders", "aggregation": [["sum", ["field", "%%orders|total", null]]]}}`},
		{layout.Snippet, `{"name": "big orders", "description": null, "content": "total > 100"}`},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if errs := v.Validate(tt.kind, parse(t, tt.doc)); len(errs) > 0 {
				t.Errorf("expected no errors, got %v", errs)
			}
		})
	}
}

func TestValidateReportsViolations(t *testing.T) {
	v := newValidator(t)
	tests := []struct {
		name string
		kind layout.Kind
		doc  string
		want string // substring of one error's path or message
	}{
		{"missing name", layout.Card, `{"display": "table", "dataset_query": {}}`, "name"},
		{"server id kept", layout.Snippet, `{"id": 3, "name": "x", "content": ""}`, "id"},
		{"bad table marker", layout.Card, strings.Replace(validCard, "%table_id%orders", "%card_id%orders", 1), "/table_name"},
		{"fingerprint kept", layout.Card, strings.Replace(validCard, `{"name": "count"}`, `{"name": "count", "fingerprint": {}}`, 1), "/result_metadata/0"},
		{"field marker without table", layout.Dashboard,
			`{"name": "d", "ordered_cards": [{"field_name": "%id%total", "size_x": 1}]}`, "/ordered_cards/0/field_name"},
		{"empty dashboard", layout.Dashboard, `{"name": "d", "ordered_cards": []}`, "/ordered_cards"},
		{"metric without aggregation", layout.Metric, `{"name": "m", "definition": {"aggregation": []}}`, "/definition/aggregation"},
		{"not an object", layout.Metric, `[]`, "object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := v.Validate(tt.kind, parse(t, tt.doc))
			if len(errs) == 0 {
				t.Fatal("expected errors")
			}
			for _, e := range errs {
				if strings.Contains(e.Path, tt.want) || strings.Contains(e.Message, tt.want) {
					return
				}
			}
			t.Errorf("no error mentions %q: %v", tt.want, errs)
		})
	}
}

func TestValidateUnknownKind(t *testing.T) {
	errs := newValidator(t).Validate(layout.Kind("user"), parse(t, `{}`))
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "no schema") {
		t.Errorf("got %v", errs)
	}
}

func TestSchemaErrorString(t *testing.T) {
	if got := (SchemaError{Path: "/name", Message: "missing"}).String(); got != "/name: missing" {
		t.Errorf("got %q", got)
	}
	if got := (SchemaError{Message: "missing"}).String(); got != "missing" {
		t.Errorf("got %q", got)
	}
}
