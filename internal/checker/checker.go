// Package checker validates an export directory offline, producing one
// report per file. It runs schema validation first and then the passes
// registered on the Checker.
package checker

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/foundry-zero/mbsync/internal/layout"
	"github.com/foundry-zero/mbsync/internal/report"
	"github.com/foundry-zero/mbsync/internal/resolve"
	"github.com/foundry-zero/mbsync/internal/schema"
	"github.com/foundry-zero/mbsync/internal/tree"
)

// Document is one parsed entity file.
type Document struct {
	Path  string
	Kind  layout.Kind
	Value tree.Value
}

// Name returns the entity name, or "".
func (d Document) Name() string {
	m, ok := d.Value.AsMap()
	if !ok {
		return ""
	}
	v, _ := m.Get("name")
	s, _ := v.AsString()
	return s
}

// PassFunc inspects one document and returns any findings.
type PassFunc func(ctx context.Context, doc Document) []report.Finding

// CheckOptions controls which validation passes to run.
type CheckOptions struct {
	SchemaOnly bool     // Only run JSON Schema validation, skip the passes.
	Passes     []string // If non-empty, only run the passes with these names.
	Strict     bool     // Treat warnings as errors for exit-code purposes.
}

// Failed reports whether r should fail a run under these options.
func (o CheckOptions) Failed(r *report.Report) bool {
	return r.HasErrors() || (o.Strict && r.HasWarnings())
}

type passEntry struct {
	Name string
	Fn   PassFunc
}

// Checker orchestrates validation of exported files.
type Checker struct {
	sv       *schema.Validator
	resolver *resolve.Resolver
	passes   []passEntry
}

// Option configures a Checker.
type Option func(*Checker)

// WithResolver enables reference checking against the catalog behind r,
// typically a snapshot of the import target.
func WithResolver(r *resolve.Resolver) Option {
	return func(c *Checker) { c.resolver = r }
}

// NewChecker creates a Checker with the embedded schemas loaded and the
// built-in passes registered. The references pass only runs when a
// resolver is configured.
func NewChecker(opts ...Option) (*Checker, error) {
	sv, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("initialize schema validator: %w", err)
	}
	c := &Checker{sv: sv}
	for _, opt := range opts {
		opt(c)
	}
	registerPasses(c)
	return c, nil
}

// RegisterPass adds a validation pass to the checker.
func (c *Checker) RegisterPass(name string, fn PassFunc) {
	c.passes = append(c.passes, passEntry{Name: name, Fn: fn})
}

// PassNames lists the registered passes in run order.
func (c *Checker) PassNames() []string {
	names := make([]string, len(c.passes))
	for i, p := range c.passes {
		names[i] = p.Name
	}
	return names
}

func registerPasses(c *Checker) {
	c.RegisterPass("tokens", CheckTokens)
	c.RegisterPass("filenames", CheckFileName)
	if c.resolver != nil {
		c.RegisterPass("references", c.checkReferences)
	}
}

// Check validates the entity file at path, of the given kind.
func (c *Checker) Check(ctx context.Context, path string, kind layout.Kind, opts CheckOptions) *report.Report {
	r, _ := c.check(ctx, path, kind, opts)
	return r
}

func (c *Checker) check(ctx context.Context, path string, kind layout.Kind, opts CheckOptions) (*report.Report, Document) {
	r := report.NewReport(path)
	r.Processed()

	v, err := layout.ReadFile(path)
	if err != nil {
		r.AddFinding(report.NewError(report.RuleInput, err.Error(), report.Location{File: path}))
		return r, Document{Path: path, Kind: kind}
	}
	doc := Document{Path: path, Kind: kind, Value: v}
	loc := report.Location{File: path, Entity: doc.Name()}

	schemaErrors := c.sv.Validate(kind, v)
	for _, se := range schemaErrors {
		l := loc
		l.Path = se.Path
		r.AddFinding(report.NewError(report.RuleSchema, se.Message, l))
	}
	if len(schemaErrors) > 0 || opts.SchemaOnly {
		return r, doc
	}

	for _, p := range c.passes {
		if len(opts.Passes) > 0 && !slices.Contains(opts.Passes, p.Name) {
			continue
		}
		for _, f := range p.Fn(ctx, doc) {
			if f.Location.File == "" {
				f.Location.File = path
			}
			if f.Location.Entity == "" {
				f.Location.Entity = loc.Entity
			}
			r.AddFinding(f)
		}
	}
	return r, doc
}

// CheckDir validates every entity file of dir plus the fields CSV, and
// warns about entity names used by more than one file.
func (c *Checker) CheckDir(ctx context.Context, dir layout.Dir, opts CheckOptions) ([]*report.Report, error) {
	var reports []*report.Report
	for _, kind := range layout.Kinds {
		files, err := dir.Files(kind)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]string)
		for _, path := range files {
			r, doc := c.check(ctx, path, kind, opts)
			name := doc.Name()
			if first, dup := seen[name]; dup && name != "" {
				r.AddFinding(report.NewWarning(report.RuleAmbiguous,
					fmt.Sprintf("%s %q is also defined in %s", kind, name, filepath.Base(first)),
					report.Location{File: path, Entity: name}))
			} else {
				seen[name] = path
			}
			reports = append(reports, r)
		}
	}
	if r := c.CheckFields(ctx, dir.Path(layout.FieldsFile), opts); r != nil {
		reports = append(reports, r)
	}
	return reports, nil
}
