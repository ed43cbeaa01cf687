package codec

import (
	"context"
	"strconv"
	"strings"

	"github.com/foundry-zero/mbsync/internal/resolve"
	"github.com/foundry-zero/mbsync/internal/token"
	"github.com/foundry-zero/mbsync/internal/tree"
)

// Encoder turns server trees into portable trees.
type Encoder struct {
	names Names
}

// NewEncoder returns an Encoder resolving ids through names, which must be
// bound to the source environment.
func NewEncoder(names Names) *Encoder {
	return &Encoder{names: names}
}

// Encode rewrites every resolvable reference in v into a token. The input
// is not modified.
func (e *Encoder) Encode(ctx context.Context, v tree.Value) (tree.Value, error) {
	return e.walk(ctx, v, "", "$")
}

// EncodeEntity strips server bookkeeping from an exported entity and
// encodes the rest.
func (e *Encoder) EncodeEntity(ctx context.Context, v tree.Value) (tree.Value, error) {
	return e.Encode(ctx, Strip(v))
}

func (e *Encoder) walk(ctx context.Context, v tree.Value, enclosing, path string) (tree.Value, error) {
	if items, ok := v.AsList(); ok {
		return e.list(ctx, items, enclosing, path)
	}
	if m, ok := v.AsMap(); ok {
		return e.object(ctx, m, enclosing, path)
	}
	return v, nil
}

func (e *Encoder) list(ctx context.Context, items []tree.Value, enclosing, path string) (tree.Value, error) {
	if out, ok, err := e.tagged(ctx, items, enclosing, path); ok || err != nil {
		return out, err
	}
	out := make([]tree.Value, len(items))
	for i, item := range items {
		enc, err := e.walk(ctx, item, enclosing, IndexPath(path, i))
		if err != nil {
			return tree.Value{}, err
		}
		out[i] = enc
	}
	return tree.List(out...), nil
}

// tagged handles ["field", id] / ["field", id, opts] and ["metric", id].
func (e *Encoder) tagged(ctx context.Context, items []tree.Value, enclosing, path string) (tree.Value, bool, error) {
	if len(items) < 2 {
		return tree.Value{}, false, nil
	}
	head, _ := items[0].AsString()
	id, isID := items[1].AsInt()
	if !isID || id == 0 {
		return tree.Value{}, false, nil
	}

	var ref token.Ref
	switch {
	case head == tagField && len(items) <= 3:
		l := e.names.Name(ctx, resolve.KindField, id)
		if l.Outcome != resolve.Resolved {
			return tree.Value{}, false, wrap(IndexPath(path, 1), l.Err)
		}
		ref = token.FieldRef(l.Entity.Owner, l.Entity.Name)
	case head == tagMetric && len(items) == 2:
		l := e.names.Name(ctx, resolve.KindMetric, id)
		if l.Outcome != resolve.Resolved {
			return tree.Value{}, false, wrap(IndexPath(path, 1), l.Err)
		}
		ref = token.MetricRef(l.Entity.Name)
	default:
		return tree.Value{}, false, nil
	}

	out := make([]tree.Value, len(items))
	copy(out, items)
	out[1] = tree.String(ref.String())
	if len(items) == 3 {
		opts, err := e.walk(ctx, items[2], enclosing, IndexPath(path, 2))
		if err != nil {
			return tree.Value{}, false, err
		}
		out[2] = opts
	}
	return tree.List(out...), true, nil
}

func (e *Encoder) object(ctx context.Context, m *tree.Map, enclosing, path string) (tree.Value, error) {
	results := make(map[string]rewrite, m.Len())
	for _, k := range m.SortedKeys() {
		val, _ := m.Get(k)
		r, err := e.member(ctx, m, k, val, enclosing, ChildPath(path, k))
		if err != nil {
			return tree.Value{}, err
		}
		results[k] = r
	}
	out, err := assemble(m, results, path)
	if err != nil {
		return tree.Value{}, err
	}
	return tree.FromMap(out), nil
}

func (e *Encoder) member(ctx context.Context, parent *tree.Map, k string, val tree.Value, enclosing, path string) (rewrite, error) {
	newKey, childContext, err := e.memberKey(ctx, k, enclosing, path)
	if err != nil {
		return rewrite{}, err
	}
	if val.IsContainer() {
		enc, err := e.walk(ctx, val, childContext, path)
		if err != nil {
			return rewrite{}, err
		}
		return rewrite{key: newKey, value: enc}, nil
	}
	if newKey != k {
		return rewrite{key: newKey, value: val}, nil
	}

	if marker, ok := markerFor(k, enclosing, parent); ok && val.Truthy() {
		return e.marker(ctx, k, marker, val, path)
	}

	if s, ok := val.AsString(); ok && k == "id" {
		tok, changed, err := e.embedded(ctx, s, path)
		if err != nil {
			return rewrite{}, err
		}
		if changed {
			return rewrite{key: k, value: tree.String(tok)}, nil
		}
	}
	return rewrite{key: k, value: val}, nil
}

// memberKey rewrites a map key. Numeric keys are field ids; keys holding a
// serialized field clause become embedded tokens. The second result is the
// key the member's children see as their enclosing key.
func (e *Encoder) memberKey(ctx context.Context, k, enclosing, path string) (string, string, error) {
	if n, err := strconv.ParseInt(k, 10, 64); err == nil {
		if n == 0 {
			return k, enclosing, nil
		}
		l := e.names.Name(ctx, resolve.KindField, n)
		if l.Outcome != resolve.Resolved {
			return "", "", wrap(path, l.Err)
		}
		return token.FieldRef(l.Entity.Owner, l.Entity.Name).String(), enclosing, nil
	}
	tok, changed, err := e.embedded(ctx, k, path)
	if err != nil {
		return "", "", err
	}
	if changed {
		return tok, k, nil
	}
	return k, k, nil
}

// embedded tokenizes s when it is a JSON-serialized field clause holding a
// resolvable reference. changed is false when s is left alone.
func (e *Encoder) embedded(ctx context.Context, s, path string) (string, bool, error) {
	if !strings.HasPrefix(s, "[") {
		return "", false, nil
	}
	parsed, err := tree.ParseString(s)
	if err != nil || !isFieldClause(parsed) {
		return "", false, nil
	}
	enc, err := e.walk(ctx, parsed, "", path)
	if err != nil {
		return "", false, err
	}
	if tree.Equal(parsed, enc) {
		return "", false, nil
	}
	text, err := tree.Marshal(enc, tree.Spaced)
	if err != nil {
		return "", false, wrap(path, err)
	}
	return token.Embedded{JSON: string(text)}.String(), true, nil
}

// marker moves a scalar id under key k into the marker key.
func (e *Encoder) marker(ctx context.Context, k, marker string, val tree.Value, path string) (rewrite, error) {
	if marker == markerDatabase || marker == markerCollection {
		// Re-resolved from the import target, not from the payload.
		if _, isID := val.AsInt(); !isID {
			return rewrite{key: k, value: val}, nil
		}
		return rewrite{key: marker, value: tree.String(token.Marker{Key: k}.String())}, nil
	}

	kind := markerKind[marker]
	id, isID := val.AsInt()
	if !isID {
		s, _ := val.AsString()
		n, isCard := pseudoTableID(s)
		if marker != markerTable || !isCard {
			// Not a reference the host application produces; keep it.
			return rewrite{key: k, value: val}, nil
		}
		marker, kind, id = markerPseudoTable, resolve.KindCard, n
	}

	l := e.names.Name(ctx, kind, id)
	if l.Outcome != resolve.Resolved {
		return rewrite{}, wrap(path, l.Err)
	}
	payload := l.Entity.Name
	if kind == resolve.KindField {
		payload = l.Entity.Owner + "|" + l.Entity.Name
	}
	return rewrite{key: marker, value: tree.String(token.Marker{Key: k, Payload: payload}.String())}, nil
}

// pseudoTableID parses "card__<id>", the source table of a question built
// on another question.
func pseudoTableID(s string) (int64, bool) {
	rest, ok := strings.CutPrefix(s, pseudoTablePrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}
