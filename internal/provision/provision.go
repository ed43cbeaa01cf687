// Package provision prepares a target server for a full import: the
// database connection, a user and group with access to it, and the
// collections imported dashboards and cards go into. Every step finds an
// existing object by name before creating one, so a run can be repeated.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/foundry-zero/mbsync/internal/logging"
	"github.com/foundry-zero/mbsync/internal/metabase"
	"github.com/foundry-zero/mbsync/internal/report"
	"github.com/foundry-zero/mbsync/internal/resolve"
	"github.com/foundry-zero/mbsync/internal/tree"
)

// CardCollectionPrefix names the default card collection: "questions "
// followed by the import collection.
const CardCollectionPrefix = "questions "

// User is an account to create or update.
type User struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Plan is what Run sets up. Zero fields are skipped.
type Plan struct {
	// Database is registered with Engine and Details when Engine is set,
	// and must already exist otherwise.
	Database string
	Engine   string
	Details  tree.Value

	User  *User
	Group string

	// Collection is created under Parent, and CardCollection inside
	// Collection. Group gets write access to both.
	Collection     string
	Parent         string
	CardCollection string
}

// Provisioner runs plans against one server.
type Provisioner struct {
	client   *metabase.Client
	resolver *resolve.Resolver
	logger   *slog.Logger
}

// New returns a Provisioner writing through client. resolver must be
// scoped to the same server.
func New(client *metabase.Client, resolver *resolve.Resolver, logger *slog.Logger) *Provisioner {
	return &Provisioner{client: client, resolver: resolver, logger: logging.OrDiscard(logger)}
}

// errSkipped ends a run whose remaining steps need an object a dry run
// did not create.
var errSkipped = errors.New("skipped")

// Run applies plan step by step and stops at the first failure, since
// later steps need the ids of earlier ones.
func (p *Provisioner) Run(ctx context.Context, plan Plan) *report.Report {
	rep := report.NewReport(p.resolver.Database())
	j := &job{Provisioner: p, plan: plan, rep: rep}
	steps := []func(context.Context) error{
		j.database,
		j.group,
		j.user,
		j.databaseAccess,
		j.collections,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			if !errors.Is(err, errSkipped) {
				rep.AddError(err, j.loc)
			}
			break
		}
	}
	return rep
}

// job carries the ids one Run has established.
type job struct {
	*Provisioner
	plan Plan
	rep  *report.Report
	loc  report.Location

	databaseID int64
	groupID    int64
}

func (j *job) step(entity string) {
	j.loc = report.Location{Entity: entity}
	j.rep.Processed()
}

func (j *job) done(action, kind, name string, id int64) {
	j.logger.Info(action, "kind", kind, "name", name, "id", id)
}

func (j *job) database(ctx context.Context) error {
	j.step("database " + j.plan.Database)
	if j.plan.Engine == "" {
		id, err := j.resolver.DatabaseID(ctx)
		var unresolved *resolve.UnresolvedReferenceError
		if errors.As(err, &unresolved) {
			if _, lerr := j.client.DatabaseID(ctx, j.plan.Database); lerr != nil {
				return fmt.Errorf("%w: %v (set an engine to create it)", err, lerr)
			}
		}
		if err != nil {
			return err
		}
		j.databaseID = id
		j.done("exists", "database", j.plan.Database, id)
		return nil
	}
	v, created, err := j.client.CreateDatabase(ctx, metabase.DatabaseSpec{
		Name:    j.plan.Database,
		Engine:  j.plan.Engine,
		Details: j.plan.Details,
	})
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	j.databaseID = metabase.ID(v)
	if !created {
		j.done("exists", "database", j.plan.Database, j.databaseID)
		return nil
	}
	j.resolver.Invalidate(resolve.KindDatabase)
	j.done("created", "database", j.plan.Database, j.databaseID)
	return nil
}

func (j *job) group(ctx context.Context) error {
	if j.plan.Group == "" {
		return nil
	}
	j.step("group " + j.plan.Group)
	id, err := j.client.EnsureGroup(ctx, j.plan.Group)
	if err != nil {
		return err
	}
	j.groupID = id
	j.done("ensured", "group", j.plan.Group, id)
	return nil
}

func (j *job) user(ctx context.Context) error {
	u := j.plan.User
	if u == nil {
		return nil
	}
	j.step("user " + u.Email)
	attrs := tree.MapOf(
		tree.Member{Key: "email", Value: tree.String(u.Email)},
		tree.Member{Key: "first_name", Value: tree.String(u.FirstName)},
		tree.Member{Key: "last_name", Value: tree.String(u.LastName)},
		tree.Member{Key: "password", Value: tree.String(u.Password)},
	)
	id, err := j.client.UpsertUser(ctx, attrs)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	if id == 0 {
		return j.skip("user", u.Email)
	}
	// An update leaves the password alone.
	if err := j.client.SetPassword(ctx, id, u.Password); err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	j.done("upserted", "user", u.Email, id)

	if j.groupID == 0 {
		return nil
	}
	if err := j.client.AddMembership(ctx, id, j.groupID); err != nil {
		return fmt.Errorf("add %s to group %q: %w", u.Email, j.plan.Group, err)
	}
	j.done("member", "group", j.plan.Group, j.groupID)
	return nil
}

func (j *job) databaseAccess(ctx context.Context) error {
	if j.plan.Group == "" {
		return nil
	}
	if j.databaseID == 0 || j.groupID == 0 {
		return j.skip("database access", j.plan.Group)
	}
	j.step("database access " + j.plan.Group)
	if err := j.client.SetDatabaseAccess(ctx, j.groupID, j.databaseID, true, true); err != nil {
		return fmt.Errorf("grant database access: %w", err)
	}
	j.done("granted", "database", j.plan.Database, j.databaseID)
	return nil
}

func (j *job) collections(ctx context.Context) error {
	if j.plan.Collection == "" {
		return nil
	}
	type level struct{ name, parent string }
	levels := []level{{j.plan.Collection, j.plan.Parent}}
	if j.plan.CardCollection != "" {
		levels = append(levels, level{j.plan.CardCollection, j.plan.Collection})
	}
	for _, l := range levels {
		j.step("collection " + l.name)
		id, err := j.collection(ctx, l.name, l.parent)
		if err != nil {
			return err
		}
		if j.groupID == 0 {
			continue
		}
		if err := j.client.SetCollectionAccess(ctx, j.groupID, strconv.FormatInt(id, 10), metabase.AccessWrite); err != nil {
			return fmt.Errorf("grant collection access: %w", err)
		}
		j.done("granted", "collection", l.name, id)
	}
	return nil
}

// collection returns the id of the collection called name, creating it
// under parent. A dry run that would create it ends the run.
func (j *job) collection(ctx context.Context, name, parent string) (int64, error) {
	if j.client.DryRun() {
		id, err := j.resolver.ID(ctx, resolve.KindCollection, name, "")
		var unresolved *resolve.UnresolvedReferenceError
		if errors.As(err, &unresolved) {
			return 0, j.skip("collection", name)
		}
		return id, err
	}
	id, err := j.resolver.CreateOrGet(ctx, name, parent)
	if err != nil {
		return 0, err
	}
	j.done("ensured", "collection", name, id)
	return id, nil
}

func (j *job) skip(kind, name string) error {
	j.logger.Info("dry run, later steps skipped", "kind", kind, "name", name)
	return errSkipped
}

// DefaultPlan fills the names a plan leaves empty the way a full import
// lays out a server: the group, collection and user's last name are the
// database name, and cards go to "questions <collection>".
func DefaultPlan(plan Plan) Plan {
	if plan.Group == "" {
		plan.Group = plan.Database
	}
	if plan.Collection == "" {
		plan.Collection = plan.Database
	}
	if plan.CardCollection == "" {
		plan.CardCollection = CardCollectionPrefix + plan.Collection
	}
	if u := plan.User; u != nil {
		c := *u
		if c.FirstName == "" {
			c.FirstName = "User"
		}
		if c.LastName == "" {
			c.LastName = plan.Database
		}
		plan.User = &c
	}
	return plan
}
