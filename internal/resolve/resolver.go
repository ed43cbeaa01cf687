package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/foundry-zero/mbsync/internal/logging"
)

// Entity is one named, server-identified object as listed by a Catalog.
type Entity struct {
	ID    int64  `json:"id" cbor:"1,keyasint"`
	Name  string `json:"name" cbor:"2,keyasint"`
	Owner string `json:"owner,omitempty" cbor:"3,keyasint,omitempty"` // table name for fields, parent name for collections
}

// Scope narrows catalog listings to one database.
type Scope struct {
	Database string
}

// Catalog is the collaborator a Resolver loads its tables from.
type Catalog interface {
	// ListEntities returns every entity of kind in scope, in a stable order.
	ListEntities(ctx context.Context, kind Kind, scope Scope) ([]Entity, error)
	// CreateCollection creates a collection under parentID (0 for the root).
	CreateCollection(ctx context.Context, name string, parentID int64) (Entity, error)
}

// Outcome classifies a Lookup.
type Outcome int

const (
	// Resolved means the id named an entity.
	Resolved Outcome = iota
	// Absent means there was no reference to resolve (a zero id).
	Absent
	// NotFound means the id names nothing in scope. Err is set.
	NotFound
)

// Lookup is the result of resolving an id to a name.
type Lookup struct {
	Outcome Outcome
	Entity  Entity
	Err     error
}

// Resolver resolves names and ids for one environment and database.
// It is safe for concurrent use.
type Resolver struct {
	catalog Catalog
	scope   Scope
	logger  *slog.Logger

	group    singleflight.Group
	createMu sync.Mutex

	mu          sync.RWMutex
	tables      map[Kind]*index
	generation  map[Kind]uint64
	ambiguities map[Kind][]Ambiguity
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger that receives ambiguity warnings.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a Resolver reading from catalog, scoped to database.
func New(catalog Catalog, database string, opts ...Option) *Resolver {
	r := &Resolver{
		catalog:     catalog,
		scope:       Scope{Database: database},
		logger:      logging.Discard(),
		tables:      make(map[Kind]*index),
		generation:  make(map[Kind]uint64),
		ambiguities: make(map[Kind][]Ambiguity),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Database returns the name of the database the resolver is scoped to.
func (r *Resolver) Database() string {
	return r.scope.Database
}

type nameKey struct {
	owner string
	name  string
}

type index struct {
	byID   map[int64]Entity
	byName map[nameKey]int64
}

// ownerKey returns the owner component of a kind's identity. Only fields
// are qualified, by table name; tables are not qualified by schema.
func ownerKey(kind Kind, owner string) string {
	if kind == KindField {
		return owner
	}
	return ""
}

func buildIndex(kind Kind, entities []Entity) (*index, []Ambiguity) {
	idx := &index{
		byID:   make(map[int64]Entity, len(entities)),
		byName: make(map[nameKey]int64, len(entities)),
	}
	dups := make(map[nameKey]*Ambiguity)
	var order []nameKey
	for _, e := range entities {
		idx.byID[e.ID] = e
		key := nameKey{owner: ownerKey(kind, e.Owner), name: e.Name}
		first, seen := idx.byName[key]
		if !seen {
			idx.byName[key] = e.ID
			continue
		}
		if first == e.ID {
			continue
		}
		a, ok := dups[key]
		if !ok {
			a = &Ambiguity{Kind: kind, Name: e.Name, Owner: key.owner, Chosen: first}
			dups[key] = a
			order = append(order, key)
		}
		a.Ignored = append(a.Ignored, e.ID)
	}
	ambiguities := make([]Ambiguity, 0, len(order))
	for _, key := range order {
		ambiguities = append(ambiguities, *dups[key])
	}
	return idx, ambiguities
}

func (r *Resolver) load(ctx context.Context, kind Kind) (*index, error) {
	r.mu.RLock()
	idx := r.tables[kind]
	gen := r.generation[kind]
	r.mu.RUnlock()
	if idx != nil {
		return idx, nil
	}

	v, err, _ := r.group.Do(fmt.Sprintf("%s/%d", kind, gen), func() (any, error) {
		entities, err := r.catalog.ListEntities(ctx, kind, r.scope)
		if err != nil {
			return nil, fmt.Errorf("list %s entities: %w", kind, err)
		}
		idx, ambiguities := buildIndex(kind, entities)
		for _, a := range ambiguities {
			r.logger.Warn("ambiguous name, first match wins",
				"kind", a.Kind.String(), "name", a.Name, "owner", a.Owner,
				"chosen", a.Chosen, "ignored", a.Ignored)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		// An Invalidate during the listing makes this result stale; hand
		// it to the waiting callers but do not cache it.
		if r.generation[kind] == gen {
			r.tables[kind] = idx
			r.ambiguities[kind] = ambiguities
		}
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*index), nil
}

// Warm loads the tables for kinds so later lookups do no I/O. Use it before
// sharing a Resolver across workers.
func (r *Resolver) Warm(ctx context.Context, kinds ...Kind) error {
	for _, k := range kinds {
		if _, err := r.load(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate drops the tables for kinds, or for every kind when none are
// given. The next lookup reloads from the catalog.
func (r *Resolver) Invalidate(kinds ...Kind) {
	if len(kinds) == 0 {
		kinds = Kinds
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range kinds {
		delete(r.tables, k)
		delete(r.ambiguities, k)
		r.generation[k]++
	}
}

// Name resolves id to the entity it names. A zero id is Absent.
func (r *Resolver) Name(ctx context.Context, kind Kind, id int64) Lookup {
	if id == 0 {
		return Lookup{Outcome: Absent}
	}
	idx, err := r.load(ctx, kind)
	if err != nil {
		return Lookup{Outcome: NotFound, Err: err}
	}
	e, ok := idx.byID[id]
	if !ok {
		return Lookup{Outcome: NotFound, Err: &UnresolvedReferenceError{Kind: kind, ID: id}}
	}
	return Lookup{Outcome: Resolved, Entity: e}
}

// ID resolves a name to an id. owner is the table name for fields and is
// ignored for other kinds.
func (r *Resolver) ID(ctx context.Context, kind Kind, name, owner string) (int64, error) {
	owner = ownerKey(kind, owner)
	if name == "" {
		return 0, &UnresolvedReferenceError{Kind: kind, Name: name, Owner: owner}
	}
	idx, err := r.load(ctx, kind)
	if err != nil {
		return 0, err
	}
	id, ok := idx.byName[nameKey{owner: owner, name: name}]
	if !ok {
		return 0, &UnresolvedReferenceError{Kind: kind, Name: name, Owner: owner}
	}
	return id, nil
}

// DatabaseID resolves the database the resolver is scoped to.
func (r *Resolver) DatabaseID(ctx context.Context) (int64, error) {
	return r.ID(ctx, KindDatabase, r.scope.Database, "")
}

// CreateOrGet resolves the collection name, creating it (and its parent,
// when given) if it does not exist yet.
func (r *Resolver) CreateOrGet(ctx context.Context, name, parent string) (int64, error) {
	id, err := r.ID(ctx, KindCollection, name, "")
	if err == nil {
		return id, nil
	}
	var unresolved *UnresolvedReferenceError
	if !errors.As(err, &unresolved) || name == "" {
		return 0, err
	}

	var parentID int64
	if parent != "" {
		parentID, err = r.CreateOrGet(ctx, parent, "")
		if err != nil {
			return 0, fmt.Errorf("parent collection %q: %w", parent, err)
		}
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()
	// Another caller may have created it while we waited.
	if id, err := r.ID(ctx, KindCollection, name, ""); err == nil {
		return id, nil
	}
	if _, err := r.catalog.CreateCollection(ctx, name, parentID); err != nil {
		return 0, fmt.Errorf("create collection %q: %w", name, err)
	}
	r.Invalidate(KindCollection)
	return r.ID(ctx, KindCollection, name, "")
}

// Ambiguities returns the duplicate names found in the loaded tables,
// ordered by kind.
func (r *Resolver) Ambiguities() []Ambiguity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.ambiguities))
	for k := range r.ambiguities {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	var out []Ambiguity
	for _, k := range kinds {
		out = append(out, r.ambiguities[k]...)
	}
	return out
}
