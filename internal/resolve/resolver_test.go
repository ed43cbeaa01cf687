package resolve_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-zero/mbsync/internal/resolve"
	"github.com/foundry-zero/mbsync/internal/resolve/resolvetest"
)

func TestNameResolvesField(t *testing.T) {
	r := resolve.New(resolvetest.Dummy(), "DUMMY DB")
	l := r.Name(context.Background(), resolve.KindField, 99999)
	require.Equal(t, resolve.Resolved, l.Outcome)
	assert.Equal(t, "DUMMY FIELD", l.Entity.Name)
	assert.Equal(t, "DUMMY TABLE", l.Entity.Owner)
}

func TestNameAbsentAndNotFound(t *testing.T) {
	r := resolve.New(resolvetest.Dummy(), "DUMMY DB")
	ctx := context.Background()

	assert.Equal(t, resolve.Absent, r.Name(ctx, resolve.KindCard, 0).Outcome)

	l := r.Name(ctx, resolve.KindCard, 404)
	require.Equal(t, resolve.NotFound, l.Outcome)
	var ure *resolve.UnresolvedReferenceError
	require.True(t, errors.As(l.Err, &ure))
	assert.Equal(t, resolve.KindCard, ure.Kind)
	assert.EqualValues(t, 404, ure.ID)
	assert.Equal(t, "unresolved card reference id 404", ure.Error())
}

func TestIDLookups(t *testing.T) {
	r := resolve.New(resolvetest.Dummy(), "DUMMY DB")
	ctx := context.Background()

	id, err := r.ID(ctx, resolve.KindField, "DUMMY FIELD", "DUMMY TABLE")
	require.NoError(t, err)
	assert.EqualValues(t, 99999, id)

	id, err = r.ID(ctx, resolve.KindTable, "DUMMY TABLE", "ignored")
	require.NoError(t, err)
	assert.EqualValues(t, 111, id)

	_, err = r.ID(ctx, resolve.KindField, "DUMMY FIELD", "OTHER TABLE")
	var ure *resolve.UnresolvedReferenceError
	require.True(t, errors.As(err, &ure))
	assert.Equal(t, `unresolved field reference "DUMMY FIELD" on "OTHER TABLE"`, ure.Error())

	_, err = r.ID(ctx, resolve.KindCard, "", "")
	assert.True(t, errors.As(err, &ure))

	dbID, err := r.DatabaseID(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, dbID)
}

func TestDuplicateNamesFirstMatchWins(t *testing.T) {
	cat := resolvetest.New().Add(resolve.KindCard,
		resolve.Entity{ID: 5, Name: "Revenue"},
		resolve.Entity{ID: 3, Name: "Revenue"},
		resolve.Entity{ID: 9, Name: "Revenue"},
		resolve.Entity{ID: 4, Name: "Churn"},
	)
	var logs bytes.Buffer
	r := resolve.New(cat, "db", resolve.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	id, err := r.ID(context.Background(), resolve.KindCard, "Revenue", "")
	require.NoError(t, err)
	assert.EqualValues(t, 5, id)

	amb := r.Ambiguities()
	require.Len(t, amb, 1)
	assert.Equal(t, resolve.KindCard, amb[0].Kind)
	assert.EqualValues(t, 5, amb[0].Chosen)
	assert.Equal(t, []int64{3, 9}, amb[0].Ignored)
	assert.Contains(t, logs.String(), "ambiguous name")
	assert.Contains(t, logs.String(), "Revenue")
}

func TestFieldsWithSameNameOnDifferentTablesAreNotAmbiguous(t *testing.T) {
	cat := resolvetest.New().Add(resolve.KindField,
		resolve.Entity{ID: 1, Name: "id", Owner: "Orders"},
		resolve.Entity{ID: 2, Name: "id", Owner: "People"},
	)
	r := resolve.New(cat, "db")
	id, err := r.ID(context.Background(), resolve.KindField, "id", "People")
	require.NoError(t, err)
	assert.EqualValues(t, 2, id)
	assert.Empty(t, r.Ambiguities())
}

func TestCachesUntilInvalidated(t *testing.T) {
	cat := resolvetest.Dummy()
	r := resolve.New(cat, "DUMMY DB")
	ctx := context.Background()

	for range 3 {
		r.Name(ctx, resolve.KindCard, 2222)
		r.Name(ctx, resolve.KindCard, 1)
	}
	assert.Equal(t, 1, cat.Calls(resolve.KindCard))

	// A miss is not a refresh trigger.
	cat.Add(resolve.KindCard, resolve.Entity{ID: 1, Name: "late"})
	assert.Equal(t, resolve.NotFound, r.Name(ctx, resolve.KindCard, 1).Outcome)

	r.Invalidate(resolve.KindCard)
	assert.Equal(t, resolve.Resolved, r.Name(ctx, resolve.KindCard, 1).Outcome)
	assert.Equal(t, 2, cat.Calls(resolve.KindCard))
}

func TestConcurrentFirstUseLoadsOnce(t *testing.T) {
	cat := resolvetest.Dummy()
	r := resolve.New(cat, "DUMMY DB")

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := r.Name(context.Background(), resolve.KindField, 99999)
			assert.Equal(t, resolve.Resolved, l.Outcome)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, cat.Calls(resolve.KindField), 32)
	assert.GreaterOrEqual(t, cat.Calls(resolve.KindField), 1)

	// After the race settles, lookups are served from the cache.
	before := cat.Calls(resolve.KindField)
	r.Name(context.Background(), resolve.KindField, 99998)
	assert.Equal(t, before, cat.Calls(resolve.KindField))
}

func TestWarm(t *testing.T) {
	cat := resolvetest.Dummy()
	r := resolve.New(cat, "DUMMY DB")
	require.NoError(t, r.Warm(context.Background(), resolve.KindField, resolve.KindTable))
	assert.Equal(t, 1, cat.Calls(resolve.KindField))
	assert.Equal(t, 1, cat.Calls(resolve.KindTable))
	assert.Equal(t, 0, cat.Calls(resolve.KindCard))
}

func TestListErrorIsReturned(t *testing.T) {
	cat := resolvetest.Dummy()
	cat.ListErr = errors.New("connection refused")
	r := resolve.New(cat, "DUMMY DB")

	l := r.Name(context.Background(), resolve.KindCard, 2222)
	require.Equal(t, resolve.NotFound, l.Outcome)
	assert.ErrorContains(t, l.Err, "connection refused")

	_, err := r.ID(context.Background(), resolve.KindCard, "DUMMY CARD", "")
	assert.ErrorContains(t, err, "list card entities")
}

func TestCreateOrGet(t *testing.T) {
	cat := resolvetest.Dummy()
	r := resolve.New(cat, "DUMMY DB")
	ctx := context.Background()

	id, err := r.CreateOrGet(ctx, "DUMMY COLLECTION", "")
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)

	id, err = r.CreateOrGet(ctx, "questions", "team")
	require.NoError(t, err)
	assert.NotZero(t, id)

	again, err := r.CreateOrGet(ctx, "questions", "team")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	parent, err := r.ID(ctx, resolve.KindCollection, "team", "")
	require.NoError(t, err)
	assert.NotZero(t, parent)
}

func TestCreateOrGetConcurrentCreatesOnce(t *testing.T) {
	cat := resolvetest.New()
	r := resolve.New(cat, "db")

	var wg sync.WaitGroup
	ids := make([]int64, 16)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := r.CreateOrGet(context.Background(), "shared", "")
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	all, _ := cat.ListEntities(context.Background(), resolve.KindCollection, resolve.Scope{})
	assert.Len(t, all, 1)
}

func TestParseKind(t *testing.T) {
	for _, k := range resolve.Kinds {
		got, err := resolve.ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := resolve.ParseKind("snippet")
	assert.Error(t, err)
}
