// Package fields exports field metadata of one database to CSV and writes
// it back onto another server, matching fields by table and field name.
package fields

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/foundry-zero/mbsync/internal/metabase"
	"github.com/foundry-zero/mbsync/internal/resolve"
	"github.com/foundry-zero/mbsync/internal/tree"
)

// Columns is the CSV header, in file order.
var Columns = []string{
	"table_name", "field_name", "description", "semantic_type",
	"foreign_table", "foreign_field", "visibility_type", "has_field_values",
	"custom_position", "effective_type", "base_type", "database_type", "field_id",
}

// attributes are the columns written back to the server, sorted.
var attributes = []string{
	"base_type", "custom_position", "database_type", "description",
	"effective_type", "has_field_values", "semantic_type", "visibility_type",
}

// Row is one field. Values are kept as CSV text; empty means unset.
type Row map[string]string

// Names resolves field ids to (table, field) names.
type Names interface {
	Name(ctx context.Context, kind resolve.Kind, id int64) resolve.Lookup
}

// IDs resolves (table, field) names to field ids on the target.
type IDs interface {
	ID(ctx context.Context, kind resolve.Kind, name, owner string) (int64, error)
}

// Updater writes one field's metadata. *metabase.Client implements it.
type Updater interface {
	UpdateField(ctx context.Context, id int64, body tree.Value) (tree.Value, error)
}

// Rows builds one row per field of a database metadata response. Foreign
// keys are written as the target's table and field names.
func Rows(ctx context.Context, metadata tree.Value, names Names) ([]Row, error) {
	var rows []Row
	for _, table := range metabase.Tables(metadata) {
		for _, f := range metabase.Fields(table) {
			row := Row{
				"table_name": metabase.Name(table),
				"field_name": metabase.Name(f),
				"field_id":   strconv.FormatInt(metabase.ID(f), 10),
			}
			for _, col := range attributes {
				row[col] = text(metabase.Field(f, col))
			}
			fk, _ := metabase.Field(f, "fk_target_field_id").AsInt()
			l := names.Name(ctx, resolve.KindField, fk)
			switch l.Outcome {
			case resolve.Resolved:
				row["foreign_table"], row["foreign_field"] = l.Entity.Owner, l.Entity.Name
			case resolve.NotFound:
				return nil, fmt.Errorf("field %s.%s: foreign key: %w", row["table_name"], row["field_name"], l.Err)
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// text renders a scalar as CSV text. Null and false are empty, as is zero,
// which the server uses for "no custom position".
func text(v tree.Value) string {
	if !v.Truthy() {
		return ""
	}
	if s, ok := v.AsString(); ok {
		return s
	}
	return v.String()
}

// Write writes rows with a header line.
func Write(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	record := make([]string, len(Columns))
	for _, row := range rows {
		for i, col := range Columns {
			record[i] = row[col]
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Read parses a CSV file written by Write. When only is not empty, rows
// whose field_id is not listed are dropped.
func Read(r io.Reader, only ...string) ([]Row, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	keep := make(map[string]bool, len(only))
	for _, id := range only {
		keep[id] = true
	}

	var rows []Row
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		if len(keep) > 0 && !keep[row["field_id"]] {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Result is the outcome of importing one row.
type Result struct {
	Row Row
	ID  int64 // target field id, 0 when unresolved
	Err error
}

// Import writes rows onto the target, resolving each field by name. The
// first row is written alone, the rest by up to workers goroutines. Every
// row gets a Result, in input order.
func Import(ctx context.Context, rows []Row, ids IDs, up Updater, workers int) []Result {
	results := make([]Result, len(rows))
	if len(rows) == 0 {
		return results
	}
	results[0] = importRow(ctx, rows[0], ids, up)

	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i := 1; i < len(rows); i++ {
		g.Go(func() error {
			results[i] = importRow(gctx, rows[i], ids, up)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func importRow(ctx context.Context, row Row, ids IDs, up Updater) Result {
	res := Result{Row: row}
	id, err := ids.ID(ctx, resolve.KindField, row["field_name"], row["table_name"])
	if err != nil {
		res.Err = err
		return res
	}
	res.ID = id

	body := tree.NewMap()
	body.Set("id", tree.Int(id))
	for _, col := range attributes {
		body.Set(col, value(col, row[col]))
	}
	if row["foreign_table"] != "" && row["foreign_field"] != "" {
		fk, err := ids.ID(ctx, resolve.KindField, row["foreign_field"], row["foreign_table"])
		if err != nil {
			res.Err = fmt.Errorf("foreign key: %w", err)
			return res
		}
		body.Set("fk_target_field_id", tree.Int(fk))
	}
	if _, err := up.UpdateField(ctx, id, tree.FromMap(body)); err != nil {
		res.Err = err
	}
	return res
}

func value(col, s string) tree.Value {
	if s == "" {
		return tree.Null()
	}
	if col == "custom_position" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return tree.Int(n)
		}
	}
	return tree.String(s)
}
