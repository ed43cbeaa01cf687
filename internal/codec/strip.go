package codec

import "github.com/foundry-zero/mbsync/internal/tree"

// bookkeeping lists the server-assigned keys dropped from exported
// entities and from the cards nested in dashboards.
var bookkeeping = []string{
	"updated_at",
	"created_at",
	"id",
	"creator",
	"last-edit-info",
	"query_average_duration",
	"creator_id",
	"made_public_by_id",
	"param_values",
	"public_uuid",
}

// dashboardCardLists are the keys dashboards keep their cards under; older
// servers use ordered_cards.
var dashboardCardLists = []string{"ordered_cards", "dashcards"}

// Strip returns a copy of an exported entity without server bookkeeping.
// Applying it twice gives the same result as applying it once.
func Strip(v tree.Value) tree.Value {
	v = v.Clone()
	root, ok := v.AsMap()
	if !ok {
		return v
	}
	stripEntity(root)
	for _, key := range dashboardCardLists {
		cards, _ := root.Get(key)
		items, _ := cards.AsList()
		for _, item := range items {
			dashcard, ok := item.AsMap()
			if !ok {
				continue
			}
			stripEntity(dashcard)
			if card, ok := dashcard.Get("card"); ok {
				if cm, ok := card.AsMap(); ok {
					stripEntity(cm)
				}
			}
		}
	}
	dropCollections(v)
	return v
}

func stripEntity(m *tree.Map) {
	for _, k := range bookkeeping {
		m.Delete(k)
	}
	columns, _ := m.Get(contextResultColumns)
	items, _ := columns.AsList()
	for _, item := range items {
		if col, ok := item.AsMap(); ok {
			col.Delete("fingerprint")
		}
	}
}

// dropCollections removes embedded collection objects at any depth. The
// collection is re-established on import from collection_id.
func dropCollections(v tree.Value) {
	if items, ok := v.AsList(); ok {
		for _, item := range items {
			dropCollections(item)
		}
		return
	}
	m, ok := v.AsMap()
	if !ok {
		return
	}
	if c, ok := m.Get("collection"); ok && (c.IsNull() || c.Kind() == tree.KindMap) {
		m.Delete("collection")
	}
	for _, member := range m.Members() {
		dropCollections(member.Value)
	}
}
