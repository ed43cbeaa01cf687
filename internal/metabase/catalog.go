package metabase

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/foundry-zero/mbsync/internal/resolve"
	"github.com/foundry-zero/mbsync/internal/tree"
)

// Catalog lists entities from a live server. It implements resolve.Catalog.
type Catalog struct {
	client *Client
}

// NewCatalog returns a Catalog reading through client.
func NewCatalog(client *Client) *Catalog {
	return &Catalog{client: client}
}

// ListEntities implements resolve.Catalog. Tables, fields, cards and
// metrics are limited to scope.Database; dashboards and collections are
// server-wide.
func (c *Catalog) ListEntities(ctx context.Context, kind resolve.Kind, scope resolve.Scope) ([]resolve.Entity, error) {
	switch kind {
	case resolve.KindDatabase:
		dbs, err := c.client.Databases(ctx)
		if err != nil {
			return nil, err
		}
		return entities(dbs), nil
	case resolve.KindTable, resolve.KindField:
		dbID, err := c.client.DatabaseID(ctx, scope.Database)
		if err != nil {
			return nil, err
		}
		meta, err := c.client.DatabaseMetadata(ctx, dbID)
		if err != nil {
			return nil, err
		}
		if kind == resolve.KindTable {
			return entities(Tables(meta)), nil
		}
		var out []resolve.Entity
		for _, table := range Tables(meta) {
			for _, f := range Fields(table) {
				out = append(out, resolve.Entity{ID: ID(f), Name: Name(f), Owner: Name(table)})
			}
		}
		return out, nil
	case resolve.KindCard:
		dbID, err := c.client.DatabaseID(ctx, scope.Database)
		if err != nil {
			return nil, err
		}
		cards, err := c.client.Cards(ctx, dbID)
		if err != nil {
			return nil, err
		}
		return entities(cards), nil
	case resolve.KindMetric:
		dbID, err := c.client.DatabaseID(ctx, scope.Database)
		if err != nil {
			return nil, err
		}
		metrics, err := c.client.Metrics(ctx, dbID)
		if err != nil {
			return nil, err
		}
		return entities(metrics), nil
	case resolve.KindDashboard:
		dashboards, err := c.client.DashboardSummaries(ctx)
		if err != nil {
			return nil, err
		}
		return entities(dashboards), nil
	case resolve.KindCollection:
		collections, err := c.client.Collections(ctx)
		if err != nil {
			return nil, err
		}
		return collectionEntities(collections), nil
	}
	return nil, fmt.Errorf("cannot list %s entities", kind)
}

// CreateCollection implements resolve.Catalog.
func (c *Catalog) CreateCollection(ctx context.Context, name string, parentID int64) (resolve.Entity, error) {
	v, err := c.client.CreateCollection(ctx, name, parentID)
	if err != nil {
		return resolve.Entity{}, err
	}
	return resolve.Entity{ID: ID(v), Name: Name(v)}, nil
}

// entities skips objects without an integer id, such as the root
// collection.
func entities(items []tree.Value) []resolve.Entity {
	out := make([]resolve.Entity, 0, len(items))
	for _, it := range items {
		id := ID(it)
		if id == 0 {
			continue
		}
		out = append(out, resolve.Entity{ID: id, Name: Name(it)})
	}
	return out
}

// collectionEntities sets each collection's Owner to its parent's name,
// read from the "/1/4/" location path.
func collectionEntities(items []tree.Value) []resolve.Entity {
	out := entities(items)
	names := make(map[int64]string, len(out))
	for _, e := range out {
		names[e.ID] = e.Name
	}
	byID := make(map[int64]tree.Value, len(items))
	for _, it := range items {
		byID[ID(it)] = it
	}
	for i, e := range out {
		loc, _ := Field(byID[e.ID], "location").AsString()
		if parent := parentFromLocation(loc); parent != 0 {
			out[i].Owner = names[parent]
		}
	}
	return out
}

func parentFromLocation(loc string) int64 {
	parts := strings.Split(strings.Trim(loc, "/"), "/")
	last := parts[len(parts)-1]
	id, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
