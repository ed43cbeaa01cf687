package metabase

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/foundry-zero/mbsync/internal/tree"
)

// Resource paths for the entity kinds that are exported and imported.
const (
	PathCard       = "card"
	PathDashboard  = "dashboard"
	PathMetric     = "metric"
	PathSnippet    = "native-query-snippet"
	PathCollection = "collection"
	PathField      = "field"
	PathDatabase   = "database"
)

// DefaultCollectionColor is the color given to collections mbsync creates.
const DefaultCollectionColor = "#509ee3"

// ID returns the integer "id" of an object, or 0.
func ID(v tree.Value) int64 {
	id, _ := Field(v, "id").AsInt()
	return id
}

// Name returns the "name" of an object, or "".
func Name(v tree.Value) string {
	s, _ := Field(v, "name").AsString()
	return s
}

// Databases lists the databases known to the server.
func (c *Client) Databases(ctx context.Context) ([]tree.Value, error) {
	v, err := c.Get(ctx, PathDatabase)
	if err != nil {
		return nil, err
	}
	return Items(v), nil
}

// DatabaseID returns the id of the database called name.
func (c *Client) DatabaseID(ctx context.Context, name string) (int64, error) {
	dbs, err := c.Databases(ctx)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(dbs))
	for _, db := range dbs {
		if Name(db) == name {
			return ID(db), nil
		}
		names = append(names, Name(db))
	}
	sort.Strings(names)
	return 0, fmt.Errorf("database %q does not exist; existing databases are: %s", name, strings.Join(names, ", "))
}

// DatabaseMetadata returns a database with its tables and their fields.
func (c *Client) DatabaseMetadata(ctx context.Context, id int64) (tree.Value, error) {
	return c.Get(ctx, fmt.Sprintf("%s/%d?include=tables.fields", PathDatabase, id))
}

// Tables returns the tables of a database metadata response.
func Tables(metadata tree.Value) []tree.Value {
	items, _ := Field(metadata, "tables").AsList()
	return items
}

// Fields returns the fields of a table.
func Fields(table tree.Value) []tree.Value {
	items, _ := Field(table, "fields").AsList()
	return items
}

// Cards lists the saved questions built on a database.
func (c *Client) Cards(ctx context.Context, databaseID int64) ([]tree.Value, error) {
	q := url.Values{"f": {"database"}, "model_id": {strconv.FormatInt(databaseID, 10)}}
	v, err := c.Get(ctx, PathCard+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	return Items(v), nil
}

// DashboardSummaries lists every dashboard without its cards.
func (c *Client) DashboardSummaries(ctx context.Context) ([]tree.Value, error) {
	v, err := c.Get(ctx, PathDashboard)
	if err != nil {
		return nil, err
	}
	return Items(v), nil
}

// Dashboard returns one dashboard with its cards.
func (c *Client) Dashboard(ctx context.Context, id int64) (tree.Value, error) {
	return c.Get(ctx, PathDashboard+"/"+strconv.FormatInt(id, 10))
}

// Dashboards returns the dashboards all of whose cards query databaseID.
// Dashboards without cards are included; callers decide whether to keep
// them.
func (c *Client) Dashboards(ctx context.Context, databaseID int64) ([]tree.Value, error) {
	summaries, err := c.DashboardSummaries(ctx)
	if err != nil {
		return nil, err
	}
	var out []tree.Value
	for _, s := range summaries {
		d, err := c.Dashboard(ctx, ID(s))
		if err != nil {
			return nil, err
		}
		if onDatabase(d, databaseID) {
			out = append(out, d)
		}
	}
	return out, nil
}

func onDatabase(dashboard tree.Value, databaseID int64) bool {
	for _, dc := range DashboardCards(dashboard) {
		db, ok := Field(Field(dc, "card"), "database_id").AsInt()
		if ok && db != 0 && db != databaseID {
			return false
		}
	}
	return true
}

// DashboardCards returns the cards placed on a dashboard. Older servers
// call the list ordered_cards, newer ones dashcards.
func DashboardCards(dashboard tree.Value) []tree.Value {
	if items, ok := Field(dashboard, "ordered_cards").AsList(); ok {
		return items
	}
	items, _ := Field(dashboard, "dashcards").AsList()
	return items
}

// Metrics lists the metrics defined on a database.
func (c *Client) Metrics(ctx context.Context, databaseID int64) ([]tree.Value, error) {
	v, err := c.Get(ctx, PathMetric)
	if err != nil {
		return nil, err
	}
	var out []tree.Value
	for _, m := range Items(v) {
		if db, _ := Field(m, "database_id").AsInt(); db == databaseID {
			out = append(out, m)
		}
	}
	return out, nil
}

// Snippets lists the native query snippets.
func (c *Client) Snippets(ctx context.Context) ([]tree.Value, error) {
	v, err := c.Get(ctx, PathSnippet)
	if err != nil {
		return nil, err
	}
	return Items(v), nil
}

// Collections lists the collections, including the root pseudo-collection.
func (c *Client) Collections(ctx context.Context) ([]tree.Value, error) {
	v, err := c.Get(ctx, PathCollection)
	if err != nil {
		return nil, err
	}
	return Items(v), nil
}

// CreateCollection creates a collection under parentID, or at the root
// when parentID is 0.
func (c *Client) CreateCollection(ctx context.Context, name string, parentID int64) (tree.Value, error) {
	body := tree.NewMap()
	body.Set("name", tree.String(name))
	body.Set("color", tree.String(DefaultCollectionColor))
	if parentID != 0 {
		body.Set("parent_id", tree.Int(parentID))
	}
	return c.Post(ctx, PathCollection, tree.FromMap(body))
}

// Upsert updates the object at resource/id, or creates it when id is 0.
func (c *Client) Upsert(ctx context.Context, resource string, id int64, body tree.Value) (tree.Value, error) {
	if id != 0 {
		return c.Put(ctx, resource+"/"+strconv.FormatInt(id, 10), body)
	}
	return c.Post(ctx, resource, body)
}

// AddDashboardCard places a card on a dashboard.
func (c *Client) AddDashboardCard(ctx context.Context, dashboardID int64, body tree.Value) (tree.Value, error) {
	return c.Post(ctx, fmt.Sprintf("%s/%d/cards", PathDashboard, dashboardID), body)
}

// RemoveDashboardCard removes one placed card from a dashboard.
func (c *Client) RemoveDashboardCard(ctx context.Context, dashboardID, dashcardID int64) error {
	_, err := c.Delete(ctx, fmt.Sprintf("%s/%d/cards?dashcardId=%d", PathDashboard, dashboardID, dashcardID))
	return err
}

// UpdateField writes field metadata.
func (c *Client) UpdateField(ctx context.Context, id int64, body tree.Value) (tree.Value, error) {
	return c.Put(ctx, PathField+"/"+strconv.FormatInt(id, 10), body)
}
