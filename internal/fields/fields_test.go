package fields_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-zero/mbsync/internal/fields"
	"github.com/foundry-zero/mbsync/internal/metabase"
	"github.com/foundry-zero/mbsync/internal/metabase/metabasetest"
	"github.com/foundry-zero/mbsync/internal/resolve"
	"github.com/foundry-zero/mbsync/internal/resolve/resolvetest"
	"github.com/foundry-zero/mbsync/internal/tree"
)

type call struct {
	id   int64
	body string
}

type recorder struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (r *recorder) UpdateField(_ context.Context, id int64, body tree.Value) (tree.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{id: id, body: body.String()})
	return body, r.err
}

func metadata(t *testing.T) tree.Value {
	t.Helper()
	v, err := tree.ParseString(metabasetest.DummyDatabase)
	require.NoError(t, err)
	return v
}

func TestRows(t *testing.T) {
	r := resolve.New(resolvetest.Dummy(), "DUMMY DB")
	rows, err := fields.Rows(context.Background(), metadata(t), r)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byName := map[string]fields.Row{}
	for _, row := range rows {
		byName[row["field_name"]] = row
	}
	fk := byName["DUMMY FIELD"]
	assert.Equal(t, "DUMMY TABLE", fk["table_name"])
	assert.Equal(t, "99999", fk["field_id"])
	assert.Equal(t, "DUMMY TABLE", fk["foreign_table"])
	assert.Equal(t, "id", fk["foreign_field"])
	assert.Equal(t, "a field", fk["description"])
	assert.Equal(t, "type/FK", fk["semantic_type"])
	assert.Equal(t, "2", fk["custom_position"])

	pk := byName["id"]
	assert.Empty(t, pk["description"])
	assert.Empty(t, pk["foreign_table"])
	assert.Empty(t, pk["custom_position"])
}

func TestRowsUnknownForeignKey(t *testing.T) {
	cat := resolvetest.New().
		Add(resolve.KindField, resolve.Entity{ID: 99999, Name: "DUMMY FIELD", Owner: "DUMMY TABLE"})
	_, err := fields.Rows(context.Background(), metadata(t), resolve.New(cat, "DUMMY DB"))
	var unresolved *resolve.UnresolvedReferenceError
	require.True(t, errors.As(err, &unresolved), "got %v", err)
	assert.EqualValues(t, 99998, unresolved.ID)
}

func TestWriteRead(t *testing.T) {
	rows := []fields.Row{
		{"table_name": "orders", "field_name": "total", "description": "sum, in cents", "field_id": "5"},
		{"table_name": "orders", "field_name": "id", "field_id": "6"},
	}
	var buf bytes.Buffer
	require.NoError(t, fields.Write(&buf, rows))

	header, _, _ := strings.Cut(buf.String(), "\n")
	assert.Equal(t, strings.Join(fields.Columns, ","), header)
	assert.Contains(t, buf.String(), `orders,total,"sum, in cents",`)

	back, err := fields.Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, "sum, in cents", back[0]["description"])
	assert.Equal(t, "", back[1]["semantic_type"])

	only, err := fields.Read(bytes.NewReader(buf.Bytes()), "6")
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "id", only[0]["field_name"])
}

func TestReadEmpty(t *testing.T) {
	_, err := fields.Read(strings.NewReader(""))
	assert.Error(t, err)
}

func TestImport(t *testing.T) {
	r := resolve.New(resolvetest.Dummy(), "DUMMY DB")
	rows := []fields.Row{
		{"table_name": "DUMMY TABLE", "field_name": "DUMMY FIELD", "description": "a field",
			"semantic_type": "type/FK", "custom_position": "2", "foreign_table": "DUMMY TABLE", "foreign_field": "id", "field_id": "1"},
		{"table_name": "DUMMY TABLE", "field_name": "id", "field_id": "2"},
		{"table_name": "DUMMY TABLE", "field_name": "gone", "field_id": "3"},
	}
	up := &recorder{}
	results := fields.Import(context.Background(), rows, r, up, 4)
	require.Len(t, results, 3)

	require.NoError(t, results[0].Err)
	assert.EqualValues(t, 99999, results[0].ID)
	require.NoError(t, results[1].Err)
	var unresolved *resolve.UnresolvedReferenceError
	assert.True(t, errors.As(results[2].Err, &unresolved))

	require.Len(t, up.calls, 2)
	assert.Equal(t, call{id: 99999, body: `{"id":99999,"base_type":null,"custom_position":2,"database_type":null,` +
		`"description":"a field","effective_type":null,"has_field_values":null,"semantic_type":"type/FK",` +
		`"visibility_type":null,"fk_target_field_id":99998}`}, up.calls[0])
}

func TestImportReportsUpdateErrors(t *testing.T) {
	r := resolve.New(resolvetest.Dummy(), "DUMMY DB")
	up := &recorder{err: errors.New("refused")}
	results := fields.Import(context.Background(), []fields.Row{{"table_name": "DUMMY TABLE", "field_name": "id"}}, r, up, 1)
	require.Len(t, results, 1)
	assert.EqualError(t, results[0].Err, "refused")
}

func TestExportImportAgainstServer(t *testing.T) {
	ctx := context.Background()
	srv := metabasetest.NewDummy(t)
	c := srv.Client()
	r := resolve.New(metabase.NewCatalog(c), "DUMMY DB")

	meta, err := c.DatabaseMetadata(ctx, 1)
	require.NoError(t, err)
	rows, err := fields.Rows(ctx, meta, r)
	require.NoError(t, err)
	for _, row := range rows {
		row["description"] = "updated " + row["field_name"]
	}

	for _, res := range fields.Import(ctx, rows, r, c, 2) {
		require.NoError(t, res.Err)
	}
	assert.Equal(t, 2, srv.CountRequests("PUT field/"))
	stored, ok := srv.Object(metabase.PathField, "")
	require.True(t, ok)
	desc, _ := metabase.Field(stored, "description").AsString()
	assert.True(t, strings.HasPrefix(desc, "updated "))
}
