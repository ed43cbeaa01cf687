package metabasetest

import (
	"testing"

	"github.com/foundry-zero/mbsync/internal/metabase"
	"github.com/foundry-zero/mbsync/internal/tree"
)

// DummyDatabase is the metadata of the database NewDummy serves: one table
// holding an id column and a field referencing it.
const DummyDatabase = `{
  "id": 1,
  "name": "DUMMY DB",
  "tables": [
    {"id": 111, "name": "DUMMY TABLE", "fields": [
      {"id": 99998, "name": "id", "description": null, "semantic_type": "type/PK",
       "fk_target_field_id": null, "visibility_type": "normal", "has_field_values": "none",
       "custom_position": 0, "effective_type": "type/Integer", "base_type": "type/Integer",
       "database_type": "INTEGER"},
      {"id": 99999, "name": "DUMMY FIELD", "description": "a field", "semantic_type": "type/FK",
       "fk_target_field_id": 99998, "visibility_type": "normal", "has_field_values": "list",
       "custom_position": 2, "effective_type": "type/Integer", "base_type": "type/Integer",
       "database_type": "INTEGER"}
    ]}
  ]
}`

// NewDummy returns a server holding the DUMMY DB database, the collection
// "DUMMY COLLECTION" (7), the card "DUMMY CARD" (2222), the dashboard
// "DUMMY DASHBOARD" (3333) showing that card, and the metric
// "DUMMY METRIC" (44).
func NewDummy(t testing.TB) *Server {
	s := New(t)
	s.AddDatabase(mustParse(t, DummyDatabase))
	s.Add(metabase.PathCollection, mustParse(t, `{"id": 7, "name": "DUMMY COLLECTION", "location": "/"}`))
	s.Add(metabase.PathCard, mustParse(t, `{
	  "id": 2222, "name": "DUMMY CARD", "description": null, "collection_id": 7,
	  "database_id": 1, "table_id": 111, "display": "table", "visualization_settings": {},
	  "dataset_query": {"database": 1, "type": "query",
	    "query": {"source-table": 111, "breakout": [["field", 99999, null]]}},
	  "created_at": "2024-01-01T00:00:00Z"}`))
	s.Add(metabase.PathDashboard, mustParse(t, `{
	  "id": 3333, "name": "DUMMY DASHBOARD", "collection_id": 7, "parameters": [],
	  "ordered_cards": [
	    {"id": 1, "card_id": 2222, "size_x": 4, "size_y": 4, "row": 0, "col": 0,
	     "parameter_mappings": [], "visualization_settings": {},
	     "card": {"id": 2222, "name": "DUMMY CARD", "database_id": 1}}
	  ]}`))
	s.Add(metabase.PathMetric, mustParse(t, `{
	  "id": 44, "name": "DUMMY METRIC", "database_id": 1, "table_id": 111,
	  "definition": {"source-table": 111, "aggregation": [["count"]]}}`))
	return s
}

func mustParse(t testing.TB, s string) tree.Value {
	t.Helper()
	v, err := tree.ParseString(s)
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return v
}
