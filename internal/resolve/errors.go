package resolve

import (
	"fmt"
	"strings"
)

// UnresolvedReferenceError reports a name or id absent from the resolver's
// scope. It is never retried.
type UnresolvedReferenceError struct {
	Kind  Kind
	ID    int64  // set for id lookups
	Name  string // set for name lookups
	Owner string // owning table for fields
}

func (e *UnresolvedReferenceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "unresolved %s reference", e.Kind)
	switch {
	case e.Name != "" && e.Owner != "":
		fmt.Fprintf(&b, " %q on %q", e.Name, e.Owner)
	case e.Name != "":
		fmt.Fprintf(&b, " %q", e.Name)
	default:
		fmt.Fprintf(&b, " id %d", e.ID)
	}
	return b.String()
}

// Ambiguity records a name shared by several entities of one kind. The
// first id seen wins.
type Ambiguity struct {
	Kind    Kind    `json:"kind"`
	Name    string  `json:"name"`
	Owner   string  `json:"owner,omitempty"`
	Chosen  int64   `json:"chosen"`
	Ignored []int64 `json:"ignored"`
}

func (a Ambiguity) String() string {
	name := a.Name
	if a.Owner != "" {
		name = a.Owner + "|" + a.Name
	}
	return fmt.Sprintf("%s %q is not unique: using id %d, ignoring %v", a.Kind, name, a.Chosen, a.Ignored)
}
