// Package transfer moves configuration between a server and a data
// directory. The Exporter writes one portable file per entity; the Importer
// reads them back onto another server, creating or updating by name.
//
// Failures are recorded per entity in a report.Report. One broken entity
// never stops the rest of a run.
package transfer

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/foundry-zero/mbsync/internal/logging"
)

// Target selects what a run exports or imports.
type Target string

const (
	Fields     Target = "fields"
	Metrics    Target = "metrics"
	Snippets   Target = "snippets"
	Cards      Target = "cards"
	Dashboards Target = "dashboards"
	All        Target = "all"
)

var (
	exportOrder = []Target{Fields, Cards, Dashboards, Metrics, Snippets}
	importOrder = []Target{Fields, Metrics, Snippets, Cards, Dashboards}
)

// ParseTarget returns the target called s.
func ParseTarget(s string) (Target, error) {
	t := Target(s)
	if t == All || slices.Contains(importOrder, t) {
		return t, nil
	}
	return "", fmt.Errorf("unknown target %q (want one of fields, metrics, snippets, cards, dashboards, all)", s)
}

// plan returns the targets to run, in order, with All expanded and
// duplicates removed.
func plan(targets []Target, order []Target) []Target {
	if len(targets) == 0 || slices.Contains(targets, All) {
		return order
	}
	var out []Target
	for _, t := range order {
		if slices.Contains(targets, t) {
			out = append(out, t)
		}
	}
	return out
}

// Options tunes a run. The zero value is usable.
type Options struct {
	// Workers bounds concurrent requests for cards and fields.
	Workers int
	// Raw exports entities with server ids instead of names.
	Raw bool
	// Collection receives imported cards and dashboards. Parent, when set,
	// is the collection it is created under.
	Collection string
	Parent     string
	// CardCollection, when set, receives cards instead of Collection and
	// is created inside it.
	CardCollection string
	// FieldIDs limits a fields import to these source field ids.
	FieldIDs []string

	Logger *slog.Logger
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Workers < 1 {
		o.Workers = 1
	}
	o.Logger = logging.OrDiscard(o.Logger)
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
