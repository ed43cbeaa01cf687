package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foundry-zero/mbsync/internal/codec"
	"github.com/foundry-zero/mbsync/internal/fields"
	"github.com/foundry-zero/mbsync/internal/layout"
	"github.com/foundry-zero/mbsync/internal/metabase"
	"github.com/foundry-zero/mbsync/internal/report"
	"github.com/foundry-zero/mbsync/internal/resolve"
	"github.com/foundry-zero/mbsync/internal/tree"
)

// Importer writes the files of a data directory onto a target server.
type Importer struct {
	client   *metabase.Client
	resolver *resolve.Resolver
	decoder  *codec.Decoder
	cards    *codec.Decoder
	dir      layout.Dir
	opts     Options
}

// NewImporter returns an Importer writing through client. resolver must be
// scoped to the same server and the target database.
func NewImporter(client *metabase.Client, resolver *resolve.Resolver, dir layout.Dir, opts Options) *Importer {
	opts = opts.withDefaults()
	im := &Importer{
		client:   client,
		resolver: resolver,
		decoder:  codec.NewDecoder(resolver, codec.WithCollection(opts.Collection, opts.Parent)),
		dir:      dir,
		opts:     opts,
	}
	im.cards = im.decoder
	if opts.CardCollection != "" {
		im.cards = codec.NewDecoder(resolver, codec.WithCollection(opts.CardCollection, opts.Collection))
	}
	return im
}

// entity is one decoded file ready to be sent.
type entity struct {
	path string
	name string
	body *tree.Map
}

func (e entity) location() report.Location {
	return report.Location{File: e.path, Entity: e.name}
}

// Import writes the selected targets in dependency order: fields, metrics,
// snippets, cards, then dashboards.
func (im *Importer) Import(ctx context.Context, targets ...Target) *report.Report {
	rep := report.NewReport(string(im.dir))
	for _, t := range plan(targets, importOrder) {
		if ctx.Err() != nil {
			rep.AddError(ctx.Err(), report.Location{})
			break
		}
		im.opts.Logger.Info("importing", "target", string(t), "database", im.resolver.Database())
		var err error
		switch t {
		case Fields:
			err = im.importFields(ctx, rep)
		case Metrics:
			err = im.sequential(ctx, layout.Metric, rep, im.importMetric)
		case Snippets:
			err = im.sequential(ctx, layout.Snippet, rep, im.importSnippet)
		case Cards:
			err = im.importCards(ctx, rep)
		case Dashboards:
			err = im.sequential(ctx, layout.Dashboard, rep, im.importDashboard)
		}
		if err != nil {
			rep.AddError(fmt.Errorf("import %s: %w", t, err), report.Location{})
		}
	}
	for _, f := range report.AmbiguityWarnings(im.resolver.Ambiguities()) {
		rep.AddFinding(f)
	}
	return rep
}

// decode turns a file into an entity, or records why it cannot be used.
func (im *Importer) decode(ctx context.Context, dec *codec.Decoder, e layout.Entry, rep *report.Report) (entity, bool) {
	loc := report.Location{File: e.Path}
	if e.Err != nil {
		rep.AddFinding(report.NewError(report.RuleInput, e.Err.Error(), loc))
		return entity{}, false
	}
	name := metabase.Name(e.Value)
	loc.Entity = name
	if _, ok := e.Value.AsMap(); !ok || name == "" {
		rep.AddFinding(report.NewError(report.RuleInput, "file does not hold a named object", loc))
		return entity{}, false
	}
	decoded, err := dec.Decode(ctx, e.Value)
	if err != nil {
		im.opts.Logger.Error("decode failed", "file", e.Path, "error", err)
		rep.AddError(err, loc)
		return entity{}, false
	}
	body, _ := decoded.AsMap()
	return entity{path: e.Path, name: name, body: body}, true
}

func (im *Importer) sequential(ctx context.Context, kind layout.Kind, rep *report.Report, send func(context.Context, entity) error) error {
	entries, err := im.dir.Read(kind)
	if err != nil {
		return err
	}
	for _, e := range entries {
		im.one(ctx, im.decoder, e, rep, send)
	}
	return nil
}

func (im *Importer) one(ctx context.Context, dec *codec.Decoder, e layout.Entry, rep *report.Report, send func(context.Context, entity) error) {
	defer rep.Processed()
	ent, ok := im.decode(ctx, dec, e, rep)
	if !ok {
		return
	}
	if err := send(ctx, ent); err != nil {
		im.opts.Logger.Error("import failed", "file", ent.path, "name", ent.name, "error", err)
		rep.AddError(err, ent.location())
		return
	}
	im.opts.Logger.Debug("imported", "file", ent.path, "name", ent.name)
}

// importCards sends the first card alone, so the collection it lands in is
// created exactly once, and the rest concurrently. Cards go to
// CardCollection when it is set.
func (im *Importer) importCards(ctx context.Context, rep *report.Report) error {
	entries, err := im.dir.Read(layout.Card)
	if err != nil || len(entries) == 0 {
		return err
	}
	if err := im.resolver.Warm(ctx, resolve.KindField, resolve.KindTable, resolve.KindCard, resolve.KindMetric); err != nil {
		return err
	}
	im.one(ctx, im.cards, entries[0], rep, im.importCard)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.opts.Workers)
	for _, e := range entries[1:] {
		g.Go(func() error {
			im.one(gctx, im.cards, e, rep, im.importCard)
			return nil
		})
	}
	return g.Wait()
}

// upsert updates the entity of kind called name, or creates it.
func (im *Importer) upsert(ctx context.Context, kind resolve.Kind, resource string, ent entity) (int64, error) {
	id, err := im.resolver.ID(ctx, kind, ent.name, "")
	var unresolved *resolve.UnresolvedReferenceError
	if err != nil && !errors.As(err, &unresolved) {
		return 0, err
	}
	return im.send(ctx, resource, id, ent, func() { im.resolver.Invalidate(kind) })
}

func (im *Importer) send(ctx context.Context, resource string, id int64, ent entity, created func()) (int64, error) {
	resp, err := im.client.Upsert(ctx, resource, id, tree.FromMap(ent.body))
	if err != nil {
		return 0, err
	}
	if id == 0 {
		created()
		id = metabase.ID(resp)
	}
	return id, nil
}

func (im *Importer) importCard(ctx context.Context, ent entity) error {
	nullIfEmpty(ent.body, "description")
	_, err := im.upsert(ctx, resolve.KindCard, metabase.PathCard, ent)
	return err
}

func (im *Importer) importMetric(ctx context.Context, ent entity) error {
	ent.body.Set("revision_message", tree.String("Imported by mbsync on "+im.opts.Now().Format(time.RFC3339)))
	_, err := im.upsert(ctx, resolve.KindMetric, metabase.PathMetric, ent)
	return err
}

// importSnippet upserts a snippet. Snippets live outside the resolver's
// kinds, so they are matched by listing them.
func (im *Importer) importSnippet(ctx context.Context, ent entity) error {
	ent.body.Delete("collection_id")
	nullIfEmpty(ent.body, "description")
	snippets, err := im.client.Snippets(ctx)
	if err != nil {
		return err
	}
	var id int64
	for _, s := range snippets {
		if metabase.Name(s) == ent.name {
			id = metabase.ID(s)
			break
		}
	}
	_, err = im.send(ctx, metabase.PathSnippet, id, ent, func() {})
	return err
}

// importDashboard upserts the dashboard, removes the cards it shows on the
// target and places the exported cards again.
func (im *Importer) importDashboard(ctx context.Context, ent entity) error {
	var cards []tree.Value
	for _, key := range []string{"ordered_cards", "dashcards"} {
		if v, ok := ent.body.Get(key); ok {
			cards, _ = v.AsList()
			ent.body.Delete(key)
		}
	}

	id, err := im.upsert(ctx, resolve.KindDashboard, metabase.PathDashboard, ent)
	if err != nil {
		return err
	}
	if id == 0 {
		im.opts.Logger.Info("dashboard not created, skipping its cards", "name", ent.name)
		return nil
	}

	current, err := im.client.Dashboard(ctx, id)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.opts.Workers)
	for _, dc := range metabase.DashboardCards(current) {
		g.Go(func() error {
			return im.client.RemoveDashboardCard(gctx, id, metabase.ID(dc))
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("remove dashboard cards: %w", err)
	}

	for i, dc := range cards {
		body, ok := dc.Clone().AsMap()
		if !ok {
			return fmt.Errorf("dashboard card %d is not an object", i)
		}
		if cardID, _ := metabase.Field(dc, "card_id").AsInt(); cardID != 0 {
			body.Set("cardId", tree.Int(cardID))
			body.Delete("card")
		}
		if _, err := im.client.AddDashboardCard(ctx, id, tree.FromMap(body)); err != nil {
			return fmt.Errorf("dashboard card %d: %w", i, err)
		}
	}
	return nil
}

func nullIfEmpty(m *tree.Map, key string) {
	if v, ok := m.Get(key); !ok || !v.Truthy() {
		m.Set(key, tree.Null())
	}
}

func (im *Importer) importFields(ctx context.Context, rep *report.Report) error {
	path := im.dir.Path(layout.FieldsFile)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	rows, err := fields.Read(f, im.opts.FieldIDs...)
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	for _, res := range fields.Import(ctx, rows, im.resolver, im.client, im.opts.Workers) {
		rep.Processed()
		if res.Err != nil {
			name := res.Row["table_name"] + "." + res.Row["field_name"]
			im.opts.Logger.Error("field import failed", "field", name, "error", res.Err)
			rep.AddError(res.Err, report.Location{File: path, Entity: name})
		}
	}
	return nil
}
