// Package codec rewrites configuration trees between their server form,
// where references are numeric ids, and their portable form, where
// references are tokens built from entity names.
//
// Encode followed by Decode against resolvers sharing one id/name universe
// reproduces the input tree exactly, key order included.
package codec

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/foundry-zero/mbsync/internal/resolve"
	"github.com/foundry-zero/mbsync/internal/tree"
)

// ErrKeyCollision is returned when a rewritten key would replace a sibling
// key that already exists in the same object.
var ErrKeyCollision = errors.New("rewritten key collides with an existing key")

// PathError locates a codec failure inside the tree.
type PathError struct {
	Path string // JSON path such as $.ordered_cards[0].card_id
	Err  error
}

func (e *PathError) Error() string { return e.Path + ": " + e.Err.Error() }

func (e *PathError) Unwrap() error { return e.Err }

// Names resolves ids to names. *resolve.Resolver implements it.
type Names interface {
	Name(ctx context.Context, kind resolve.Kind, id int64) resolve.Lookup
}

// IDs resolves names to ids on the target. *resolve.Resolver implements it.
type IDs interface {
	ID(ctx context.Context, kind resolve.Kind, name, owner string) (int64, error)
	DatabaseID(ctx context.Context) (int64, error)
	CreateOrGet(ctx context.Context, name, parent string) (int64, error)
}

// Marker keys hold field-marker tokens in the portable form.
const (
	markerField          = "field_name"
	markerTable          = "table_name"
	markerPseudoTable    = "pseudo_table_card_name"
	markerCard           = "card_name"
	markerDashboard      = "dashboard_name"
	markerDatabase       = "database_name"
	markerCollection     = "collection_name"
	pseudoTablePrefix    = "card__"
	tagField             = "field"
	tagMetric            = "metric"
	contextResultColumns = "result_metadata"
	contextParamFields   = "param_fields"
	contextEntity        = "entity"
)

// markerOrigins lists, per marker key, the original keys it may restore.
var markerOrigins = map[string][]string{
	markerField:       {"field_id", "id"},
	markerTable:       {"table_id", "source-table"},
	markerPseudoTable: {"table_id", "source-table"},
	markerCard:        {"card_id", "targetId"},
	markerDashboard:   {"dashboard_id", "id", "targetId"},
	markerDatabase:    {"database_id", "database"},
	markerCollection:  {"collection_id"},
}

// markerKind is the reference kind each marker key resolves through.
var markerKind = map[string]resolve.Kind{
	markerField:       resolve.KindField,
	markerTable:       resolve.KindTable,
	markerPseudoTable: resolve.KindCard,
	markerCard:        resolve.KindCard,
	markerDashboard:   resolve.KindDashboard,
	markerDatabase:    resolve.KindDatabase,
	markerCollection:  resolve.KindCollection,
}

// markerFor returns the marker key an id stored under key should move to,
// given the key of the enclosing object and the object's other members.
func markerFor(key, enclosing string, siblings *tree.Map) (string, bool) {
	switch key {
	case "field_id":
		return markerField, true
	case "table_id", "source-table":
		return markerTable, true
	case "card_id":
		return markerCard, true
	case "targetId":
		// Click behaviors link to a question or, with linkType "dashboard",
		// to a dashboard.
		linkType, _ := siblings.Get("linkType")
		if s, _ := linkType.AsString(); s == "dashboard" {
			return markerDashboard, true
		}
		return markerCard, true
	case "database_id", "database":
		return markerDatabase, true
	case "collection_id":
		return markerCollection, true
	case "dashboard_id":
		return markerDashboard, true
	case "id":
		switch enclosing {
		case contextResultColumns, contextParamFields:
			return markerField, true
		case contextEntity:
			model, ok := siblings.Get("model")
			if !ok {
				return markerDashboard, true
			}
			if s, _ := model.AsString(); s == "dashboard" {
				return markerDashboard, true
			}
		}
	}
	return "", false
}

func originAllowed(marker, origin string) bool {
	for _, o := range markerOrigins[marker] {
		if o == origin {
			return true
		}
	}
	return false
}

// isFieldClause reports whether v is ["ref"|"dimension", ["field", ...], ...],
// the shape the host application serializes into JSON keys and ids.
func isFieldClause(v tree.Value) bool {
	items, ok := v.AsList()
	if !ok || len(items) < 2 {
		return false
	}
	head, _ := items[0].AsString()
	if head != "ref" && head != "dimension" {
		return false
	}
	inner, ok := items[1].AsList()
	if !ok || len(inner) < 2 {
		return false
	}
	tag, _ := inner[0].AsString()
	return tag == tagField
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// ChildPath returns the JSON path of member key under path, as used in
// PathError: $.a.b for identifiers, $.a["99"] otherwise.
func ChildPath(path, key string) string {
	if identPattern.MatchString(key) {
		return path + "." + key
	}
	return fmt.Sprintf("%s[%q]", path, key)
}

// IndexPath returns the JSON path of element i of the list at path.
func IndexPath(path string, i int) string {
	return fmt.Sprintf("%s[%d]", path, i)
}

func wrap(path string, err error) error {
	var pe *PathError
	if errors.As(err, &pe) {
		return err
	}
	return &PathError{Path: path, Err: err}
}

// rewrite collects the per-key results of one object so the output keeps
// the input's key positions.
type rewrite struct {
	key   string
	value tree.Value
}

func assemble(in *tree.Map, results map[string]rewrite, path string) (*tree.Map, error) {
	out := tree.NewMap()
	for _, k := range in.Keys() {
		r := results[k]
		if out.Has(r.key) {
			return nil, &PathError{Path: ChildPath(path, k), Err: fmt.Errorf("%w: %q", ErrKeyCollision, r.key)}
		}
		out.Set(r.key, r.value)
	}
	return out, nil
}
