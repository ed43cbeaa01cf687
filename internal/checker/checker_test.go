package checker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foundry-zero/mbsync/internal/layout"
	"github.com/foundry-zero/mbsync/internal/report"
	"github.com/foundry-zero/mbsync/internal/resolve"
	"github.com/foundry-zero/mbsync/internal/resolve/resolvetest"
)

const validCard = `{
  // exported by hand
  "name": "Orders",
  "display": "table",
  "table_name": "%table_id%DUMMY TABLE",
  "database_name": "%database_id%DUMMY DB",
  "collection_name": "%collection_id%DUMMY COLLECTION",
  "dataset_query": {
    "type": "query",
    "database_name": "%database%DUMMY DB",
    "query": {
      "table_name": "%source-table%DUMMY TABLE",
      "breakout": [["field", "%%DUMMY TABLE|DUMMY FIELD", null]],
    }
  },
  "visualization_settings": {
    "column_settings": {"%JSONCONV%[\"ref\", [\"field\", \"%%DUMMY TABLE|DUMMY FIELD\", null]]": {}}
  }
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newChecker(t *testing.T, opts ...Option) *Checker {
	t.Helper()
	c, err := NewChecker(opts...)
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	return c
}

func withDummy() Option {
	return WithResolver(resolve.New(resolvetest.Dummy(), "DUMMY DB"))
}

func rules(fs []report.Finding) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Rule
	}
	return out
}

func TestCheckValidCard(t *testing.T) {
	path := writeFile(t, t.TempDir(), "card_Orders.json", validCard)
	r := newChecker(t, withDummy()).Check(context.Background(), path, layout.Card, CheckOptions{})

	for _, e := range r.Errors {
		t.Errorf("unexpected error: [%s] %s at %s", e.Rule, e.Message, e.Location.Path)
	}
	for _, w := range r.Warnings {
		t.Errorf("unexpected warning: [%s] %s", w.Rule, w.Message)
	}
	if r.Summary.Processed != 1 {
		t.Errorf("Processed = %d, want 1", r.Summary.Processed)
	}
}

func TestPassNames(t *testing.T) {
	if got := strings.Join(newChecker(t).PassNames(), ","); got != "tokens,filenames" {
		t.Errorf("offline passes = %s", got)
	}
	if got := strings.Join(newChecker(t, withDummy()).PassNames(), ","); got != "tokens,filenames,references" {
		t.Errorf("passes with resolver = %s", got)
	}
}

func TestCheckUnreadableFile(t *testing.T) {
	dir := t.TempDir()
	c := newChecker(t)
	for _, path := range []string{filepath.Join(dir, "card_missing.json"), writeFile(t, dir, "card_bad.json", `{"name": `)} {
		r := c.Check(context.Background(), path, layout.Card, CheckOptions{})
		if got := rules(r.Errors); len(got) != 1 || got[0] != report.RuleInput {
			t.Errorf("%s: rules = %v, want [INPUT]", filepath.Base(path), got)
		}
	}
}

func TestCheckSchemaStopsPasses(t *testing.T) {
	path := writeFile(t, t.TempDir(), "card_x.json", `{"name": "x", "display": "table", "dataset_query": {}, "id": 4,
		"visualization_settings": {"k": "%JSONCONV%[broken"}}`)
	r := newChecker(t).Check(context.Background(), path, layout.Card, CheckOptions{})
	for _, e := range r.Errors {
		if e.Rule != report.RuleSchema {
			t.Errorf("only schema errors expected, got [%s] %s", e.Rule, e.Message)
		}
	}
	if !r.HasErrors() {
		t.Error("expected a schema error for the kept id")
	}
}

func TestCheckTokens(t *testing.T) {
	doc := `{"name": "x", "display": "table", "dataset_query": {"type": "native"},
		"param_fields": {"%%DUMMY TABLE|DUMMY FIELD": {"field_name": "%id%DUMMY FIELD"}},
		"visualization_settings": {
		  "a": "%JSONCONV%[broken",
		  "%JSONCONV%{": 1,
		  "b": "%JSONCONV%{\"x\": \"%JSONCONV%[\"}",
		  "c": "100%% sure"
		}}`
	path := writeFile(t, t.TempDir(), "card_x.json", doc)
	r := newChecker(t).Check(context.Background(), path, layout.Card, CheckOptions{Passes: []string{"tokens"}})

	paths := map[string]bool{}
	for _, e := range r.Errors {
		if e.Rule != report.RuleMalformed {
			t.Errorf("unexpected rule %s: %s", e.Rule, e.Message)
		}
		paths[e.Location.Path] = true
	}
	for _, want := range []string{
		`$.param_fields["%%DUMMY TABLE|DUMMY FIELD"].field_name`,
		`$.visualization_settings.a`,
		`$.visualization_settings["%JSONCONV%{"]`,
		`$.visualization_settings.b.x`,
	} {
		if !paths[want] {
			t.Errorf("no finding at %s; got %v", want, paths)
		}
	}
	if len(r.Errors) != 4 {
		t.Errorf("got %d errors, want 4", len(r.Errors))
	}
}

func TestCheckFileName(t *testing.T) {
	dir := t.TempDir()
	c := newChecker(t)
	r := c.Check(context.Background(), writeFile(t, dir, "card_old name.json", validCard), layout.Card, CheckOptions{})
	if got := rules(r.Warnings); len(got) != 1 || got[0] != report.RuleFileName {
		t.Fatalf("warnings = %v, want [FILENAME]", got)
	}
	if !strings.Contains(r.Warnings[0].Message, `"card_Orders.json"`) {
		t.Errorf("message = %s", r.Warnings[0].Message)
	}

	r = c.Check(context.Background(), writeFile(t, dir, "card_Orders.jsonc", validCard), layout.Card, CheckOptions{})
	if r.HasWarnings() {
		t.Errorf(".jsonc extension should be accepted: %v", r.Warnings)
	}

	strict := CheckOptions{Strict: true}
	r = c.Check(context.Background(), writeFile(t, dir, "card_other.json", validCard), layout.Card, strict)
	if !strict.Failed(r) {
		t.Error("warnings should fail a strict run")
	}
	if (CheckOptions{}).Failed(r) {
		t.Error("warnings alone should not fail a normal run")
	}
}

func TestCheckReferences(t *testing.T) {
	doc := strings.NewReplacer(
		"%table_id%DUMMY TABLE", "%table_id%NOPE",
		`"%%DUMMY TABLE|DUMMY FIELD", null]],`, `"%%DUMMY TABLE|GONE", null]],`,
	).Replace(validCard)
	path := writeFile(t, t.TempDir(), "card_Orders.json", doc)
	r := newChecker(t, withDummy()).Check(context.Background(), path, layout.Card, CheckOptions{})

	if got := rules(r.Errors); len(got) != 2 || got[0] != report.RuleUnresolved || got[1] != report.RuleUnresolved {
		t.Fatalf("rules = %v, want two UNRESOLVED", got)
	}
	msgs := r.Errors[0].Message + "\n" + r.Errors[1].Message
	for _, want := range []string{`"NOPE"`, `"GONE" on "DUMMY TABLE"`} {
		if !strings.Contains(msgs, want) {
			t.Errorf("messages do not mention %s:\n%s", want, msgs)
		}
	}
	if r.Errors[0].Location.Entity != "Orders" {
		t.Errorf("entity = %q", r.Errors[0].Location.Entity)
	}
}

func TestCheckDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "card_Orders.json", validCard)
	writeFile(t, dir, "card_Orders copy.json", validCard)
	writeFile(t, dir, "metric_Revenue.json", `{"name": "Revenue", "definition": {"aggregation": [["count"]]}}`)
	writeFile(t, dir, "notes.txt", "ignored")
	writeFile(t, dir, layout.FieldsFile, strings.Join([]string{
		"table_name,field_name,description,semantic_type,foreign_table,foreign_field,visibility_type,has_field_values,custom_position,effective_type,base_type,database_type,field_id",
		"DUMMY TABLE,DUMMY FIELD,,type/FK,DUMMY TABLE,id,normal,list,,,,,1",
		"DUMMY TABLE,,,,,,,,,,,,2",
		"DUMMY TABLE,missing,,,,,,,,,,,3",
	}, "\n")+"\n")

	reports, err := newChecker(t, withDummy()).CheckDir(context.Background(), layout.Dir(dir), CheckOptions{})
	if err != nil {
		t.Fatalf("CheckDir: %v", err)
	}
	if len(reports) != 4 {
		t.Fatalf("got %d reports, want 4", len(reports))
	}

	bySource := map[string]*report.Report{}
	for _, r := range reports {
		bySource[filepath.Base(r.Source)] = r
	}
	if r := bySource["metric_Revenue.json"]; r.HasErrors() || r.HasWarnings() {
		t.Errorf("metric: %s", report.FormatText(r))
	}
	// "card_Orders copy.json" sorts first and so owns the name.
	if r := bySource["card_Orders.json"]; len(r.Warnings) != 1 || r.Warnings[0].Rule != report.RuleAmbiguous {
		t.Errorf("duplicate name not reported: %s", report.FormatText(r))
	}

	fieldsReport := bySource[layout.FieldsFile]
	if fieldsReport == nil {
		t.Fatal("no report for the fields file")
	}
	if got := rules(fieldsReport.Errors); len(got) != 2 || got[0] != report.RuleInput || got[1] != report.RuleUnresolved {
		t.Errorf("fields rules = %v, want [INPUT UNRESOLVED]", got)
	}
	if fieldsReport.Summary.Processed != 3 {
		t.Errorf("fields processed = %d, want 3", fieldsReport.Summary.Processed)
	}
}

func TestCheckDirMissing(t *testing.T) {
	_, err := newChecker(t).CheckDir(context.Background(), layout.Dir(filepath.Join(t.TempDir(), "nope")), CheckOptions{})
	if err == nil {
		t.Error("expected an error for a missing directory")
	}
}
