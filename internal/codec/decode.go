package codec

import (
	"context"
	"fmt"
	"strconv"

	"github.com/foundry-zero/mbsync/internal/resolve"
	"github.com/foundry-zero/mbsync/internal/token"
	"github.com/foundry-zero/mbsync/internal/tree"
)

// Decoder turns portable trees back into server trees for one target.
type Decoder struct {
	ids        IDs
	collection string
	parent     string
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithCollection names the collection that collection markers resolve to.
// The collection (and parent, when not empty) is created on first use if
// the target does not have it.
func WithCollection(name, parent string) DecoderOption {
	return func(d *Decoder) {
		d.collection = name
		d.parent = parent
	}
}

// NewDecoder returns a Decoder resolving names through ids, which must be
// bound to the target environment.
func NewDecoder(ids IDs, opts ...DecoderOption) *Decoder {
	d := &Decoder{ids: ids}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode rewrites every token in v into the target's numeric id. Strings
// that are not tokens pass through. The input is not modified.
func (d *Decoder) Decode(ctx context.Context, v tree.Value) (tree.Value, error) {
	return d.walk(ctx, v, "$")
}

func (d *Decoder) walk(ctx context.Context, v tree.Value, path string) (tree.Value, error) {
	if items, ok := v.AsList(); ok {
		return d.list(ctx, items, path)
	}
	if m, ok := v.AsMap(); ok {
		return d.object(ctx, m, path)
	}
	return v, nil
}

func (d *Decoder) list(ctx context.Context, items []tree.Value, path string) (tree.Value, error) {
	if out, ok, err := d.tagged(ctx, items, path); ok || err != nil {
		return out, err
	}
	out := make([]tree.Value, len(items))
	for i, item := range items {
		dec, err := d.walk(ctx, item, IndexPath(path, i))
		if err != nil {
			return tree.Value{}, err
		}
		out[i] = dec
	}
	return tree.List(out...), nil
}

func (d *Decoder) tagged(ctx context.Context, items []tree.Value, path string) (tree.Value, bool, error) {
	if len(items) < 2 {
		return tree.Value{}, false, nil
	}
	head, _ := items[0].AsString()
	s, isString := items[1].AsString()
	if !isString || (head != tagField && head != tagMetric) {
		return tree.Value{}, false, nil
	}
	tok, ok, err := token.Parse(s)
	if err != nil {
		return tree.Value{}, false, wrap(IndexPath(path, 1), err)
	}
	ref, isRef := tok.(token.Ref)
	if !ok || !isRef {
		return tree.Value{}, false, nil
	}

	var id int64
	switch {
	case head == tagField && len(items) <= 3:
		id, err = d.ids.ID(ctx, resolve.KindField, ref.Name, ref.Table)
	case head == tagMetric && len(items) == 2:
		names, isMetric := ref.MetricNames()
		if !isMetric {
			err = &token.MalformedTokenError{Text: s, Reason: "metric reference carries a table"}
			break
		}
		id, err = d.metricID(ctx, names)
	default:
		return tree.Value{}, false, nil
	}
	if err != nil {
		return tree.Value{}, false, wrap(IndexPath(path, 1), err)
	}

	out := make([]tree.Value, len(items))
	copy(out, items)
	out[1] = tree.Int(id)
	if len(items) == 3 {
		opts, err := d.walk(ctx, items[2], IndexPath(path, 2))
		if err != nil {
			return tree.Value{}, false, err
		}
		out[2] = opts
	}
	return tree.List(out...), true, nil
}

// metricID resolves the first candidate name that exists. The error is
// the one for the first candidate.
func (d *Decoder) metricID(ctx context.Context, names []string) (int64, error) {
	var first error
	for _, name := range names {
		id, err := d.ids.ID(ctx, resolve.KindMetric, name, "")
		if err == nil {
			return id, nil
		}
		if first == nil {
			first = err
		}
	}
	return 0, first
}

func (d *Decoder) object(ctx context.Context, m *tree.Map, path string) (tree.Value, error) {
	results := make(map[string]rewrite, m.Len())
	for _, k := range m.SortedKeys() {
		val, _ := m.Get(k)
		r, err := d.member(ctx, k, val, ChildPath(path, k))
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

func (d *Decoder) member(ctx context.Context, k string, val tree.Value, path string) (rewrite, error) {
	key, err := d.key(ctx, k, path)
	if err != nil {
		return rewrite{}, err
	}
	if val.IsContainer() {
		dec, err := d.walk(ctx, val, path)
		if err != nil {
			return rewrite{}, err
		}
		return rewrite{key: key, value: dec}, nil
	}

	s, ok := val.AsString()
	if !ok {
		return rewrite{key: key, value: val}, nil
	}
	tok, ok, err := token.Parse(s)
	if err != nil {
		return rewrite{}, wrap(path, err)
	}
	if !ok {
		return rewrite{key: key, value: val}, nil
	}
	switch t := tok.(type) {
	case token.Marker:
		if _, isMarkerKey := markerOrigins[k]; !isMarkerKey {
			return rewrite{key: key, value: val}, nil
		}
		return d.marker(ctx, k, t, path)
	case token.Embedded:
		text, err := d.embedded(ctx, t, path)
		if err != nil {
			return rewrite{}, err
		}
		return rewrite{key: key, value: tree.String(text)}, nil
	}
	return rewrite{key: key, value: val}, nil
}

// key restores a map key: a field reference becomes the field id and an
// embedded token becomes its JSON text.
func (d *Decoder) key(ctx context.Context, k, path string) (string, error) {
	tok, ok, err := token.Parse(k)
	if err != nil {
		return "", wrap(path, err)
	}
	if !ok {
		return k, nil
	}
	switch t := tok.(type) {
	case token.Ref:
		id, err := d.ids.ID(ctx, resolve.KindField, t.Name, t.Table)
		if err != nil {
			return "", wrap(path, err)
		}
		return strconv.FormatInt(id, 10), nil
	case token.Embedded:
		return d.embedded(ctx, t, path)
	}
	return k, nil
}

func (d *Decoder) embedded(ctx context.Context, t token.Embedded, path string) (string, error) {
	parsed, err := tree.ParseString(t.JSON)
	if err != nil {
		return "", wrap(path, &token.MalformedTokenError{Text: t.String(), Reason: err.Error()})
	}
	dec, err := d.walk(ctx, parsed, path)
	if err != nil {
		return "", err
	}
	text, err := tree.Marshal(dec, tree.Compact)
	if err != nil {
		return "", wrap(path, err)
	}
	return string(text), nil
}

// marker restores the original key and id of a marker found under
// markerKey.
func (d *Decoder) marker(ctx context.Context, markerKey string, m token.Marker, path string) (rewrite, error) {
	if !originAllowed(markerKey, m.Key) {
		return rewrite{}, wrap(path, &token.MalformedTokenError{
			Text:   m.String(),
			Reason: fmt.Sprintf("origin key %q is not valid under %q", m.Key, markerKey),
		})
	}

	var (
		id  int64
		err error
	)
	switch markerKey {
	case markerField:
		table, field, ok := m.TableField()
		if !ok {
			return rewrite{}, wrap(path, &token.MalformedTokenError{Text: m.String(), Reason: "field payload has no table"})
		}
		id, err = d.ids.ID(ctx, resolve.KindField, field, table)
	case markerPseudoTable:
		id, err = d.ids.ID(ctx, resolve.KindCard, m.Payload, "")
		if err == nil {
			return rewrite{key: m.Key, value: tree.String(pseudoTablePrefix + strconv.FormatInt(id, 10))}, nil
		}
	case markerDatabase:
		id, err = d.ids.DatabaseID(ctx)
	case markerCollection:
		if d.collection == "" {
			err = &resolve.UnresolvedReferenceError{Kind: resolve.KindCollection}
			break
		}
		id, err = d.ids.CreateOrGet(ctx, d.collection, d.parent)
	default:
		id, err = d.ids.ID(ctx, markerKind[markerKey], m.Payload, "")
	}
	if err != nil {
		return rewrite{}, wrap(path, err)
	}
	return rewrite{key: m.Key, value: tree.Int(id)}, nil
}
