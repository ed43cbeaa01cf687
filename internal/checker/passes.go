package checker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/foundry-zero/mbsync/internal/codec"
	"github.com/foundry-zero/mbsync/internal/fields"
	"github.com/foundry-zero/mbsync/internal/layout"
	"github.com/foundry-zero/mbsync/internal/report"
	"github.com/foundry-zero/mbsync/internal/resolve"
	"github.com/foundry-zero/mbsync/internal/token"
	"github.com/foundry-zero/mbsync/internal/tree"
)

// CheckTokens reports strings and keys that start like a token but do not
// parse, including the contents of embedded JSON.
func CheckTokens(_ context.Context, doc Document) []report.Finding {
	var out []report.Finding
	scanTokens(doc.Value, "", "$", &out)
	return out
}

func scanTokens(v tree.Value, key, path string, out *[]report.Finding) {
	malformed := func(msg string) {
		*out = append(*out, report.NewError(report.RuleMalformed, msg, report.Location{Path: path}))
	}
	switch v.Kind() {
	case tree.KindString:
		s, _ := v.AsString()
		scanString(s, key, path, out, malformed)
	case tree.KindList:
		items, _ := v.AsList()
		for i, item := range items {
			scanTokens(item, "", codec.IndexPath(path, i), out)
		}
	case tree.KindMap:
		m, _ := v.AsMap()
		for _, member := range m.Members() {
			child := codec.ChildPath(path, member.Key)
			scanString(member.Key, "", child, out, func(msg string) {
				*out = append(*out, report.NewError(report.RuleMalformed, "key: "+msg, report.Location{Path: child}))
			})
			scanTokens(member.Value, member.Key, child, out)
		}
	}
}

func scanString(s, key, path string, out *[]report.Finding, malformed func(string)) {
	tok, ok, err := token.Parse(s)
	if err != nil {
		malformed(err.Error())
		return
	}
	if !ok {
		return
	}
	switch t := tok.(type) {
	case token.Marker:
		if key == "field_name" {
			if _, _, ok := t.TableField(); !ok {
				malformed(fmt.Sprintf("field marker %q has no table", s))
			}
		}
	case token.Embedded:
		inner, err := tree.ParseString(t.JSON)
		if err != nil {
			malformed(fmt.Sprintf("embedded JSON does not parse: %v", err))
			return
		}
		scanTokens(inner, "", path, out)
	}
}

// CheckFileName warns when a file is not named after the entity it holds,
// since imports match entities by name and exports would write elsewhere.
func CheckFileName(_ context.Context, doc Document) []report.Finding {
	name := doc.Name()
	if name == "" {
		return nil
	}
	base := filepath.Base(doc.Path)
	want := layout.FileName(doc.Kind, name)
	if strings.TrimSuffix(base, filepath.Ext(base)) == strings.TrimSuffix(want, ".json") {
		return nil
	}
	return []report.Finding{report.NewWarning(report.RuleFileName,
		fmt.Sprintf("file holds %s %q and should be named %q", doc.Kind, name, want),
		report.Location{})}
}

// pendingCollection stands for the collection chosen at import time.
const pendingCollection = "import collection"

// recordingIDs resolves through a Resolver but records unresolved
// references instead of failing, so one decode finds all of them. Each
// unresolved reference gets its own negative placeholder id.
type recordingIDs struct {
	r *resolve.Resolver

	mu         sync.Mutex
	unresolved []error
	next       int64
}

func (ids *recordingIDs) record(err error) (int64, error) {
	var u *resolve.UnresolvedReferenceError
	if !errors.As(err, &u) {
		return 0, err
	}
	ids.mu.Lock()
	defer ids.mu.Unlock()
	ids.unresolved = append(ids.unresolved, err)
	ids.next--
	return ids.next, nil
}

func (ids *recordingIDs) ID(ctx context.Context, kind resolve.Kind, name, owner string) (int64, error) {
	id, err := ids.r.ID(ctx, kind, name, owner)
	if err != nil {
		return ids.record(err)
	}
	return id, nil
}

func (ids *recordingIDs) DatabaseID(ctx context.Context) (int64, error) {
	id, err := ids.r.DatabaseID(ctx)
	if err != nil {
		return ids.record(err)
	}
	return id, nil
}

// CreateOrGet never creates anything: the collection is made at import.
func (ids *recordingIDs) CreateOrGet(context.Context, string, string) (int64, error) {
	return 0, nil
}

func (c *Checker) checkReferences(ctx context.Context, doc Document) []report.Finding {
	ids := &recordingIDs{r: c.resolver}
	_, err := codec.NewDecoder(ids, codec.WithCollection(pendingCollection, "")).Decode(ctx, doc.Value)

	var out []report.Finding
	for _, u := range ids.unresolved {
		out = append(out, report.FromError(u, report.Location{}))
	}
	// Malformed tokens are the tokens pass's to report.
	if err != nil && report.Rule(err) != report.RuleMalformed {
		out = append(out, report.FromError(err, report.Location{}))
	}
	return out
}

// CheckFields validates the fields CSV at path. It returns nil when the
// file does not exist. With a resolver, every row's field and foreign key
// must exist on the target.
func (c *Checker) CheckFields(ctx context.Context, path string, _ CheckOptions) *report.Report {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	r := report.NewReport(path)
	if err != nil {
		r.AddFinding(report.NewError(report.RuleInput, err.Error(), report.Location{File: path}))
		return r
	}
	defer f.Close()

	rows, err := fields.Read(f)
	if err != nil {
		r.AddFinding(report.NewError(report.RuleInput, err.Error(), report.Location{File: path}))
		return r
	}
	for i, row := range rows {
		r.Processed()
		loc := report.Location{File: path, Entity: row["table_name"] + "." + row["field_name"], Path: fmt.Sprintf("row %d", i+2)}
		if row["table_name"] == "" || row["field_name"] == "" {
			r.AddFinding(report.NewError(report.RuleInput, "row has no table_name or field_name", loc))
			continue
		}
		if c.resolver == nil {
			continue
		}
		if _, err := c.resolver.ID(ctx, resolve.KindField, row["field_name"], row["table_name"]); err != nil {
			r.AddError(err, loc)
		}
		if row["foreign_table"] != "" {
			if _, err := c.resolver.ID(ctx, resolve.KindField, row["foreign_field"], row["foreign_table"]); err != nil {
				r.AddError(fmt.Errorf("foreign key: %w", err), loc)
			}
		}
	}
	return r
}
