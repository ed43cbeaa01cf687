// Package resolvetest provides an in-memory resolve.Catalog for tests.
package resolvetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/foundry-zero/mbsync/internal/resolve"
)

// Catalog serves fixed entity lists and records how often each kind is
// listed. Created collections are appended with increasing ids.
type Catalog struct {
	mu       sync.Mutex
	entities map[resolve.Kind][]resolve.Entity
	calls    map[resolve.Kind]int
	nextID   int64

	// ListErr, when set, is returned by every ListEntities call.
	ListErr error
}

// New returns an empty Catalog.
func New() *Catalog {
	return &Catalog{
		entities: make(map[resolve.Kind][]resolve.Entity),
		calls:    make(map[resolve.Kind]int),
		nextID:   10000,
	}
}

// Add appends entities of kind and returns the catalog for chaining.
func (c *Catalog) Add(kind resolve.Kind, entities ...resolve.Entity) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[kind] = append(c.entities[kind], entities...)
	return c
}

// Calls returns how many times kind was listed.
func (c *Catalog) Calls(kind resolve.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[kind]
}

// ListEntities implements resolve.Catalog.
func (c *Catalog) ListEntities(_ context.Context, kind resolve.Kind, _ resolve.Scope) ([]resolve.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[kind]++
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	out := make([]resolve.Entity, len(c.entities[kind]))
	copy(out, c.entities[kind])
	return out, nil
}

// CreateCollection implements resolve.Catalog.
func (c *Catalog) CreateCollection(_ context.Context, name string, parentID int64) (resolve.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name == "" {
		return resolve.Entity{}, fmt.Errorf("collection name is empty")
	}
	c.nextID++
	e := resolve.Entity{ID: c.nextID, Name: name}
	for _, p := range c.entities[resolve.KindCollection] {
		if p.ID == parentID {
			e.Owner = p.Name
		}
	}
	c.entities[resolve.KindCollection] = append(c.entities[resolve.KindCollection], e)
	return e, nil
}

// Dummy returns the catalog used across codec tests: one table with one
// field, a card, a dashboard, a metric, a database and a collection.
func Dummy() *Catalog {
	return New().
		Add(resolve.KindDatabase, resolve.Entity{ID: 1, Name: "DUMMY DB"}).
		Add(resolve.KindTable, resolve.Entity{ID: 111, Name: "DUMMY TABLE"}).
		Add(resolve.KindField,
			resolve.Entity{ID: 99999, Name: "DUMMY FIELD", Owner: "DUMMY TABLE"},
			resolve.Entity{ID: 99998, Name: "id", Owner: "DUMMY TABLE"}).
		Add(resolve.KindCard, resolve.Entity{ID: 2222, Name: "DUMMY CARD"}).
		Add(resolve.KindDashboard, resolve.Entity{ID: 3333, Name: "DUMMY DASHBOARD"}).
		Add(resolve.KindMetric, resolve.Entity{ID: 44, Name: "DUMMY METRIC"}).
		Add(resolve.KindCollection, resolve.Entity{ID: 7, Name: "DUMMY COLLECTION"})
}
