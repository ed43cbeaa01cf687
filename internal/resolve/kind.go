// Package resolve maps between the names and numeric ids of configuration
// entities on one server. A Resolver is bound to a single environment and
// database. It loads its lookup tables lazily and keeps them until the
// caller invalidates them.
package resolve

import "fmt"

// Kind is a reference kind.
type Kind int

const (
	KindField Kind = iota
	KindTable
	KindCard
	KindMetric
	KindDashboard
	KindCollection
	KindDatabase
)

// Kinds lists every reference kind.
var Kinds = []Kind{KindField, KindTable, KindCard, KindMetric, KindDashboard, KindCollection, KindDatabase}

var kindNames = map[Kind]string{
	KindField:      "field",
	KindTable:      "table",
	KindCard:       "card",
	KindMetric:     "metric",
	KindDashboard:  "dashboard",
	KindCollection: "collection",
	KindDatabase:   "database",
}

// String returns the lower-case kind name.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind returns the kind with the given name.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown reference kind %q", s)
}
