package provision_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-zero/mbsync/internal/metabase"
	"github.com/foundry-zero/mbsync/internal/metabase/metabasetest"
	"github.com/foundry-zero/mbsync/internal/provision"
	"github.com/foundry-zero/mbsync/internal/report"
	"github.com/foundry-zero/mbsync/internal/resolve"
	"github.com/foundry-zero/mbsync/internal/tree"
)

func run(t *testing.T, c *metabase.Client, plan provision.Plan) *report.Report {
	t.Helper()
	r := resolve.New(metabase.NewCatalog(c), plan.Database)
	return provision.New(c, r, nil).Run(context.Background(), plan)
}

func salesPlan(t *testing.T) provision.Plan {
	t.Helper()
	details, err := tree.ParseString(`{"db": "/data/sales.db"}`)
	require.NoError(t, err)
	return provision.DefaultPlan(provision.Plan{
		Database: "Sales",
		Engine:   "sqlite",
		Details:  details,
		User:     &provision.User{Email: "analyst@example.com", Password: "secret"},
	})
}

func collectionID(t *testing.T, srv *metabasetest.Server, name string) int64 {
	t.Helper()
	c, ok := srv.Object(metabase.PathCollection, name)
	require.True(t, ok, "collection %q", name)
	return metabase.ID(c)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func str(v tree.Value) string {
	s, _ := v.AsString()
	return s
}

func TestDefaultPlan(t *testing.T) {
	plan := provision.DefaultPlan(provision.Plan{
		Database: "Sales",
		User:     &provision.User{Email: "analyst@example.com"},
	})
	assert.Equal(t, "Sales", plan.Group)
	assert.Equal(t, "Sales", plan.Collection)
	assert.Equal(t, "questions Sales", plan.CardCollection)
	assert.Equal(t, provision.User{Email: "analyst@example.com", FirstName: "User", LastName: "Sales"}, *plan.User)

	kept := provision.DefaultPlan(provision.Plan{Database: "Sales", Group: "Analysts", Collection: "Imported", CardCollection: "Cards"})
	assert.Equal(t, "Analysts", kept.Group)
	assert.Equal(t, "Imported", kept.Collection)
	assert.Equal(t, "Cards", kept.CardCollection)
	assert.Nil(t, kept.User)
}

func TestRunSetsUpServer(t *testing.T) {
	srv := metabasetest.New(t)
	rep := run(t, srv.Client(), salesPlan(t))
	require.False(t, rep.HasErrors(), "%+v", rep.Errors)
	assert.Equal(t, 6, rep.Summary.Processed)

	dbID, err := srv.Client().DatabaseID(context.Background(), "Sales")
	require.NoError(t, err)

	password, ok := srv.UserPassword("analyst@example.com")
	require.True(t, ok)
	assert.Equal(t, "secret", password)
	assert.Equal(t, []string{"All Users", "Sales"}, srv.Groups("analyst@example.com"))

	gid, err := srv.Client().GroupID(context.Background(), "Sales")
	require.NoError(t, err)
	perms := metabase.Field(metabase.Field(srv.Graph(metabase.PathDatabaseGraph), "groups"), itoa(gid))
	assert.Equal(t, `{"native":"write","schemas":"all"}`, metabase.Field(perms, itoa(dbID)).String())

	base := collectionID(t, srv, "Sales")
	cards, _ := srv.Object(metabase.PathCollection, "questions Sales")
	parent, _ := metabase.Field(cards, "parent_id").AsInt()
	assert.Equal(t, base, parent)

	access := metabase.Field(metabase.Field(srv.Graph(metabase.PathCollectionGraph), "groups"), itoa(gid))
	assert.Equal(t, "write", str(metabase.Field(access, itoa(base))))
	assert.Equal(t, "write", str(metabase.Field(access, itoa(metabase.ID(cards)))))
}

func TestRunIsRepeatable(t *testing.T) {
	srv := metabasetest.New(t)
	require.False(t, run(t, srv.Client(), salesPlan(t)).HasErrors())
	rep := run(t, srv.Client(), salesPlan(t))
	require.False(t, rep.HasErrors(), "%+v", rep.Errors)

	assert.Equal(t, 1, srv.CountRequests("POST database"))
	assert.Equal(t, 1, srv.CountRequests("POST user"))
	assert.Equal(t, 1, srv.CountRequests("POST permissions/group"))
	assert.Equal(t, 1, srv.CountRequests("POST permissions/membership"))
	assert.Equal(t, 2, srv.CountRequests("POST collection"))
	assert.Len(t, srv.Objects(metabase.PathCollection), 2)
}

func TestRunWithExistingDatabase(t *testing.T) {
	srv := metabasetest.NewDummy(t)
	rep := run(t, srv.Client(), provision.DefaultPlan(provision.Plan{Database: "DUMMY DB", Collection: "DUMMY COLLECTION"}))
	require.False(t, rep.HasErrors(), "%+v", rep.Errors)
	assert.Zero(t, srv.CountRequests("POST database"))
	assert.Zero(t, srv.CountRequests("POST user"))
	assert.EqualValues(t, 7, collectionID(t, srv, "DUMMY COLLECTION"))
	collectionID(t, srv, "questions DUMMY COLLECTION")
}

func TestRunMissingDatabaseWithoutEngine(t *testing.T) {
	srv := metabasetest.NewDummy(t)
	rep := run(t, srv.Client(), provision.Plan{Database: "Sales", Group: "Sales"})
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, report.RuleUnresolved, rep.Errors[0].Rule)
	assert.Equal(t, "database Sales", rep.Errors[0].Location.Entity)
	assert.Contains(t, rep.Errors[0].Message, "existing databases are: DUMMY DB")
	assert.Contains(t, rep.Errors[0].Message, "set an engine")
	assert.Zero(t, srv.CountRequests("POST permissions/group"))
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	srv := metabasetest.NewDummy(t)
	plan := provision.Plan{Database: "DUMMY DB", User: &provision.User{Email: "", Password: "x"}, Collection: "Imported"}
	rep := run(t, srv.Client(), plan)
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, "user ", rep.Errors[0].Location.Entity)
	assert.Contains(t, rep.Errors[0].Message, "user has no email")
	_, ok := srv.Object(metabase.PathCollection, "Imported")
	assert.False(t, ok)
}

func TestRunDryRun(t *testing.T) {
	srv := metabasetest.New(t)
	rep := run(t, srv.Client(metabase.WithDryRun(true)), salesPlan(t))
	assert.False(t, rep.HasErrors(), "%+v", rep.Errors)
	for _, r := range srv.Requests() {
		if r != "POST session" {
			assert.Regexp(t, `^GET `, r)
		}
	}
}
