package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/foundry-zero/mbsync/internal/checker"
	"github.com/foundry-zero/mbsync/internal/config"
	"github.com/foundry-zero/mbsync/internal/layout"
	"github.com/foundry-zero/mbsync/internal/metabase"
	"github.com/foundry-zero/mbsync/internal/provision"
	"github.com/foundry-zero/mbsync/internal/resolve"
	"github.com/foundry-zero/mbsync/internal/snapshot"
	"github.com/foundry-zero/mbsync/internal/transfer"
	"github.com/foundry-zero/mbsync/internal/tree"
)

// defaultSnapshot is the snapshot file name inside the data directory.
const defaultSnapshot = "catalog.snapshot"

const targetsUsage = "[fields|metrics|snippets|cards|dashboards|all ...]"

// parseTargets returns the targets named by args; none means all.
func parseTargets(args []string) ([]transfer.Target, error) {
	if len(args) == 0 {
		return []transfer.Target{transfer.All}, nil
	}
	targets := make([]transfer.Target, 0, len(args))
	for _, arg := range args {
		t, err := transfer.ParseTarget(arg)
		if err != nil {
			return nil, usageError("%v", err)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func (a *app) resolver(client *metabase.Client, database string) *resolve.Resolver {
	return resolve.New(metabase.NewCatalog(client), database, resolve.WithLogger(a.logger))
}

func (a *app) exportCommand() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "export " + targetsUsage,
		Short: "Write the source database's configuration to the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := parseTargets(args)
			if err != nil {
				return err
			}
			src, err := a.cfg.RequireSource()
			if err != nil {
				return inputError(err)
			}
			client := a.client(src)
			defer a.logout(client)

			ex := transfer.NewExporter(client, a.resolver(client, src.Database),
				layout.Dir(a.cfg.DataDir), a.options(transfer.Options{Raw: raw}))
			r, err := ex.Export(cmd.Context(), targets...)
			if err != nil {
				return inputError(err)
			}
			return a.finish(r)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "keep server ids instead of replacing them with names")
	return cmd
}

func (a *app) importCommand() *cobra.Command {
	var (
		collection     string
		parent         string
		cardCollection string
		fieldIDs       []string
	)
	cmd := &cobra.Command{
		Use:   "import " + targetsUsage,
		Short: "Create or update the data directory's entities on the target server",
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := parseTargets(args)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("collection") {
				collection = a.cfg.Collection
			}
			if !cmd.Flags().Changed("parent") {
				parent = a.cfg.Parent
			}
			if !cmd.Flags().Changed("card-collection") {
				cardCollection = a.cfg.CardCollection
			}
			if collection == "" && needsCollection(targets) {
				return usageError("--collection is required to import cards and dashboards")
			}
			if (parent != "" || cardCollection != "") && collection == "" {
				return usageError("--parent and --card-collection need --collection")
			}
			tgt, err := a.cfg.RequireTarget()
			if err != nil {
				return inputError(err)
			}
			client := a.client(tgt)
			defer a.logout(client)

			return a.finish(a.importer(client, tgt, transfer.Options{
				Collection:     collection,
				Parent:         parent,
				CardCollection: cardCollection,
				FieldIDs:       fieldIDs,
			}).Import(cmd.Context(), targets...))
		},
	}
	f := cmd.Flags()
	f.StringVar(&collection, "collection", "", "collection imported cards and dashboards go into, created if missing")
	f.StringVar(&parent, "parent", "", "collection the import collection is created under")
	f.StringVar(&cardCollection, "card-collection", "", "collection inside --collection that receives cards instead")
	f.StringSliceVar(&fieldIDs, "field-id", nil, "import only these rows of fields.csv, by source field id")
	return cmd
}

func (a *app) importer(client *metabase.Client, tgt *config.Endpoint, o transfer.Options) *transfer.Importer {
	return transfer.NewImporter(client, a.resolver(client, tgt.Database), layout.Dir(a.cfg.DataDir), a.options(o))
}

func needsCollection(targets []transfer.Target) bool {
	return slices.ContainsFunc(targets, func(t transfer.Target) bool {
		return t == transfer.Cards || t == transfer.Dashboards || t == transfer.All
	})
}

func (a *app) checkCommand() *cobra.Command {
	var (
		snapshotPath string
		online       bool
		opts         checker.CheckOptions
		quiet        bool
	)
	cmd := &cobra.Command{
		Use:   "check [dir]",
		Short: "Validate exported files without writing to any server",
		Long: "Validate exported files against the entity schemas and the token grammar.\n" +
			"With --snapshot or --online, also resolve every name against the target.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.cfg.DataDir
			if len(args) == 1 {
				dir = args[0]
			}

			var copts []checker.Option
			switch {
			case snapshotPath != "":
				snap, err := snapshot.Load(snapshotPath)
				if err != nil {
					return inputError(fmt.Errorf("load snapshot: %w", err))
				}
				copts = append(copts, checker.WithResolver(resolve.New(snap, snap.Database, resolve.WithLogger(a.logger))))
			case online:
				tgt, err := a.cfg.RequireTarget()
				if err != nil {
					return inputError(err)
				}
				client := a.client(tgt)
				defer a.logout(client)
				copts = append(copts, checker.WithResolver(a.resolver(client, tgt.Database)))
			}

			c, err := checker.NewChecker(copts...)
			if err != nil {
				return err
			}
			for _, p := range opts.Passes {
				if !slices.Contains(c.PassNames(), p) {
					return usageError("unknown pass %q (available: %v)", p, c.PassNames())
				}
			}
			reports, err := c.CheckDir(cmd.Context(), layout.Dir(dir), opts)
			if err != nil {
				return inputError(err)
			}

			code := 0
			for _, r := range reports {
				switch {
				case hasInputError(r):
					code = max(code, 2)
				case opts.Failed(r):
					code = max(code, 1)
				}
			}
			if !quiet {
				if err := a.print(reports...); err != nil {
					return err
				}
			}
			if code != 0 {
				return failed(code)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&snapshotPath, "snapshot", "", "catalog snapshot to resolve names against")
	f.BoolVar(&online, "online", false, "resolve names against the configured target server")
	f.BoolVar(&opts.Strict, "strict", false, "treat warnings as errors")
	f.BoolVar(&opts.SchemaOnly, "schema-only", false, "run schema validation only")
	f.StringSliceVar(&opts.Passes, "passes", nil, "run only these passes (tokens, filenames, references)")
	f.BoolVarP(&quiet, "quiet", "q", false, "suppress output (exit code only)")
	cmd.MarkFlagsMutuallyExclusive("snapshot", "online")
	return cmd
}

func (a *app) snapshotCommand() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "snapshot [file]",
		Short: "Capture a server's catalog of names for offline checks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				ep  *config.Endpoint
				err error
			)
			switch from {
			case "target":
				ep, err = a.cfg.RequireTarget()
			case "source":
				ep, err = a.cfg.RequireSource()
			default:
				return usageError("invalid --from %q (use source or target)", from)
			}
			if err != nil {
				return inputError(err)
			}
			path := filepath.Join(a.cfg.DataDir, defaultSnapshot)
			if len(args) == 1 {
				path = args[0]
			}

			client := a.client(ep)
			defer a.logout(client)
			snap, err := snapshot.Capture(cmd.Context(), metabase.NewCatalog(client), ep.Database)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return inputError(err)
			}
			if err := snap.Save(path); err != nil {
				return inputError(err)
			}
			n := 0
			for _, list := range snap.Entities {
				n += len(list)
			}
			fmt.Fprintf(a.stdout, "Wrote %d entities of database %q to %s\n", n, snap.Database, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "target", "server to capture: source or target")
	return cmd
}

func (a *app) provisionCommand() *cobra.Command {
	var (
		plan     provision.Plan
		runAfter bool
	)
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Prepare the target server for a full import",
		Long: "Register the target database, create the configured user and group, grant the\n" +
			"group access to the database, and create the import collection with a card\n" +
			"collection inside it. Existing objects are reused. With --import, then import\n" +
			"everything in the data directory into those collections.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tgt, err := a.cfg.RequireTarget()
			if err != nil {
				return inputError(err)
			}
			flags := cmd.Flags()
			p := a.cfg.Provision
			if !flags.Changed("engine") {
				plan.Engine = p.Engine
			}
			if !flags.Changed("group") {
				plan.Group = p.Group
			}
			if !flags.Changed("collection") {
				plan.Collection = a.cfg.Collection
			}
			if !flags.Changed("parent") {
				plan.Parent = a.cfg.Parent
			}
			if !flags.Changed("card-collection") {
				plan.CardCollection = a.cfg.CardCollection
			}
			plan.Database = tgt.Database
			if p.Details != nil {
				details, err := tree.FromAny(p.Details)
				if err != nil {
					return inputError(fmt.Errorf("provision details: %w", err))
				}
				plan.Details = details
			}
			if u := p.User; u != nil {
				plan.User = &provision.User{Email: u.Email, Password: u.Password, FirstName: u.FirstName, LastName: u.LastName}
			}
			plan = provision.DefaultPlan(plan)

			client := a.client(tgt)
			defer a.logout(client)
			resolver := a.resolver(client, tgt.Database)
			rep := provision.New(client, resolver, a.logger).Run(cmd.Context(), plan)
			if !runAfter || rep.HasErrors() {
				return a.finish(rep)
			}
			if err := a.print(rep); err != nil {
				return err
			}
			return a.finish(a.importer(client, tgt, transfer.Options{
				Collection:     plan.Collection,
				Parent:         plan.Parent,
				CardCollection: plan.CardCollection,
			}).Import(cmd.Context(), transfer.All))
		},
	}
	f := cmd.Flags()
	f.StringVar(&plan.Engine, "engine", "", "register the database with this engine when it does not exist")
	f.StringVar(&plan.Group, "group", "", "group given access (default: the database name)")
	f.StringVar(&plan.Collection, "collection", "", "import collection (default: the database name)")
	f.StringVar(&plan.Parent, "parent", "", "collection the import collection is created under")
	f.StringVar(&plan.CardCollection, "card-collection", "", "card collection inside the import collection (default: \"questions <collection>\")")
	f.BoolVar(&runAfter, "import", false, "import the data directory after provisioning")
	return cmd
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// version needs no config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(a.stdout, "mbsync %s\n", version)
		},
	}
}
