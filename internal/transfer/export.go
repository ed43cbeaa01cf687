package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/foundry-zero/mbsync/internal/codec"
	"github.com/foundry-zero/mbsync/internal/fields"
	"github.com/foundry-zero/mbsync/internal/layout"
	"github.com/foundry-zero/mbsync/internal/metabase"
	"github.com/foundry-zero/mbsync/internal/report"
	"github.com/foundry-zero/mbsync/internal/resolve"
	"github.com/foundry-zero/mbsync/internal/tree"
)

// Exporter writes the entities of one source database to a data directory.
type Exporter struct {
	client   *metabase.Client
	resolver *resolve.Resolver
	encoder  *codec.Encoder
	dir      layout.Dir
	opts     Options
}

// NewExporter returns an Exporter reading through client. resolver must be
// scoped to the same server and the database to export.
func NewExporter(client *metabase.Client, resolver *resolve.Resolver, dir layout.Dir, opts Options) *Exporter {
	return &Exporter{
		client:   client,
		resolver: resolver,
		encoder:  codec.NewEncoder(resolver),
		dir:      dir,
		opts:     opts.withDefaults(),
	}
}

// Export writes the selected targets. The error is set only when the data
// directory cannot be created; everything else is in the report.
func (e *Exporter) Export(ctx context.Context, targets ...Target) (*report.Report, error) {
	if err := e.dir.Ensure(); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	rep := report.NewReport(string(e.dir))
	dbID, err := e.resolver.DatabaseID(ctx)
	if err != nil {
		var unresolved *resolve.UnresolvedReferenceError
		if errors.As(err, &unresolved) {
			// The client's error lists the databases that do exist.
			if _, lerr := e.client.DatabaseID(ctx, e.resolver.Database()); lerr != nil {
				err = fmt.Errorf("%w: %v", err, lerr)
			}
		}
		rep.AddError(err, report.Location{})
		return rep, nil
	}

	for _, t := range plan(targets, exportOrder) {
		if ctx.Err() != nil {
			rep.AddError(ctx.Err(), report.Location{})
			break
		}
		e.opts.Logger.Info("exporting", "target", string(t), "database", e.resolver.Database())
		var err error
		switch t {
		case Fields:
			err = e.exportFields(ctx, dbID, rep)
		case Cards:
			err = e.exportEntities(ctx, layout.Card, rep, func() ([]tree.Value, error) {
				return e.client.Cards(ctx, dbID)
			})
		case Dashboards:
			err = e.exportEntities(ctx, layout.Dashboard, rep, func() ([]tree.Value, error) {
				all, err := e.client.Dashboards(ctx, dbID)
				var out []tree.Value
				for _, d := range all {
					if len(metabase.DashboardCards(d)) > 0 {
						out = append(out, d)
					}
				}
				return out, err
			})
		case Metrics:
			err = e.exportEntities(ctx, layout.Metric, rep, func() ([]tree.Value, error) {
				return e.client.Metrics(ctx, dbID)
			})
		case Snippets:
			err = e.exportEntities(ctx, layout.Snippet, rep, func() ([]tree.Value, error) {
				return e.client.Snippets(ctx)
			})
		}
		if err != nil {
			rep.AddError(fmt.Errorf("export %s: %w", t, err), report.Location{})
		}
	}

	for _, f := range report.AmbiguityWarnings(e.resolver.Ambiguities()) {
		rep.AddFinding(f)
	}
	return rep, nil
}

func (e *Exporter) exportEntities(ctx context.Context, kind layout.Kind, rep *report.Report, list func() ([]tree.Value, error)) error {
	items, err := list()
	if err != nil {
		return err
	}
	if !e.opts.Raw {
		if err := e.resolver.Warm(ctx, resolve.Kinds...); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for _, item := range items {
		g.Go(func() error {
			e.exportOne(gctx, kind, item, rep)
			return nil
		})
	}
	return g.Wait()
}

func (e *Exporter) exportOne(ctx context.Context, kind layout.Kind, item tree.Value, rep *report.Report) {
	defer rep.Processed()
	name := metabase.Name(item)
	loc := report.Location{Entity: name}
	if name == "" {
		rep.AddFinding(report.NewError(report.RuleInput, fmt.Sprintf("%s %d has no name", kind, metabase.ID(item)), loc))
		return
	}

	out := codec.Strip(item)
	if !e.opts.Raw {
		var err error
		out, err = e.encoder.Encode(ctx, out)
		if err != nil {
			e.opts.Logger.Error("export failed", "kind", string(kind), "name", name, "error", err)
			rep.AddError(err, loc)
			return
		}
	}
	path, err := e.dir.Write(kind, name, out)
	if err != nil {
		rep.AddError(err, loc)
		return
	}
	e.opts.Logger.Debug("exported", "kind", string(kind), "name", name, "path", path)
}

func (e *Exporter) exportFields(ctx context.Context, dbID int64, rep *report.Report) error {
	meta, err := e.client.DatabaseMetadata(ctx, dbID)
	if err != nil {
		return err
	}
	rows, err := fields.Rows(ctx, meta, e.resolver)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := fields.Write(&buf, rows); err != nil {
		return err
	}
	if err := os.WriteFile(e.dir.Path(layout.FieldsFile), buf.Bytes(), 0o644); err != nil {
		return err
	}
	for range rows {
		rep.Processed()
	}
	return nil
}
