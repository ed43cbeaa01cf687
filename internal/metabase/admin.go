package metabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/foundry-zero/mbsync/internal/tree"
)

// Resource paths for users, groups and permissions.
const (
	PathUser            = "user"
	PathGroup           = "permissions/group"
	PathMembership      = "permissions/membership"
	PathDatabaseGraph   = "permissions/graph"
	PathCollectionGraph = "collection/graph"
)

// AllUsersGroupID is the group every user belongs to.
const AllUsersGroupID = 1

// RootCollection is the collection graph key of the root collection.
const RootCollection = "root"

// Collection access levels.
const (
	AccessRead  = "read"
	AccessWrite = "write"
	AccessNone  = "none"
)

// DatabaseSpec describes a database connection to register.
type DatabaseSpec struct {
	Name    string
	Engine  string
	Details tree.Value
}

// CreateDatabase registers a database unless one with the same name
// exists. It returns the database and whether it was created.
func (c *Client) CreateDatabase(ctx context.Context, spec DatabaseSpec) (tree.Value, bool, error) {
	dbs, err := c.Databases(ctx)
	if err != nil {
		return tree.Value{}, false, err
	}
	for _, db := range dbs {
		if Name(db) == spec.Name {
			return db, false, nil
		}
	}
	details := spec.Details
	if details.IsNull() {
		details = tree.FromMap(nil)
	}
	body := tree.MapOf(
		tree.Member{Key: "name", Value: tree.String(spec.Name)},
		tree.Member{Key: "engine", Value: tree.String(spec.Engine)},
		tree.Member{Key: "details", Value: details},
		tree.Member{Key: "is_full_sync", Value: tree.Bool(true)},
		tree.Member{Key: "is_on_demand", Value: tree.Bool(false)},
		tree.Member{Key: "auto_run_queries", Value: tree.Bool(true)},
	)
	v, err := c.Post(ctx, PathDatabase, tree.FromMap(body))
	return v, true, err
}

// Users lists the active users.
func (c *Client) Users(ctx context.Context) ([]tree.Value, error) {
	v, err := c.Get(ctx, PathUser)
	if err != nil {
		return nil, err
	}
	return Items(v), nil
}

// UserID returns the id of the user with the given email, or 0.
func (c *Client) UserID(ctx context.Context, email string) (int64, error) {
	users, err := c.Users(ctx)
	if err != nil {
		return 0, err
	}
	for _, u := range users {
		if e, _ := Field(u, "email").AsString(); e == email {
			return ID(u), nil
		}
	}
	return 0, nil
}

// UpsertUser updates the user with attrs' email, or creates it. attrs
// holds email, first_name, last_name and, for new users, password.
func (c *Client) UpsertUser(ctx context.Context, attrs *tree.Map) (int64, error) {
	email, _ := Field(tree.FromMap(attrs), "email").AsString()
	if email == "" {
		return 0, errors.New("user has no email")
	}
	id, err := c.UserID(ctx, email)
	if err != nil {
		return 0, err
	}
	v, err := c.Upsert(ctx, PathUser, id, tree.FromMap(attrs))
	if err != nil {
		return 0, err
	}
	if id == 0 {
		id = ID(v)
	}
	return id, nil
}

// SetPassword changes a user's password.
func (c *Client) SetPassword(ctx context.Context, userID int64, password string) error {
	body := tree.MapOf(tree.Member{Key: "password", Value: tree.String(password)})
	_, err := c.Put(ctx, fmt.Sprintf("%s/%d/password", PathUser, userID), tree.FromMap(body))
	return err
}

// GroupID returns the id of the group called name, or 0.
func (c *Client) GroupID(ctx context.Context, name string) (int64, error) {
	v, err := c.Get(ctx, PathGroup)
	if err != nil {
		return 0, err
	}
	for _, g := range Items(v) {
		if Name(g) == name {
			return ID(g), nil
		}
	}
	return 0, nil
}

// EnsureGroup returns the id of the group called name, creating it if
// needed.
func (c *Client) EnsureGroup(ctx context.Context, name string) (int64, error) {
	id, err := c.GroupID(ctx, name)
	if err != nil || id != 0 {
		return id, err
	}
	body := tree.MapOf(tree.Member{Key: "name", Value: tree.String(name)})
	v, err := c.Post(ctx, PathGroup, tree.FromMap(body))
	if err != nil {
		return 0, fmt.Errorf("create group %q: %w", name, err)
	}
	return ID(v), nil
}

// AddMembership puts a user in a group. A user already in the group is
// left alone.
func (c *Client) AddMembership(ctx context.Context, userID, groupID int64) error {
	v, err := c.Get(ctx, PathMembership)
	if err != nil {
		return err
	}
	memberships, _ := Field(v, strconv.FormatInt(userID, 10)).AsList()
	for _, m := range memberships {
		if g, _ := Field(m, "group_id").AsInt(); g == groupID {
			return nil
		}
	}
	body := tree.MapOf(
		tree.Member{Key: "group_id", Value: tree.Int(groupID)},
		tree.Member{Key: "user_id", Value: tree.Int(userID)},
	)
	_, err = c.Post(ctx, PathMembership, tree.FromMap(body))
	return err
}

// SetDatabaseAccess grants groupID access to a database in the permission
// graph. With native, the group may write SQL; with data, it may also
// query every schema through the query builder. Without native, the group
// loses all access.
func (c *Client) SetDatabaseAccess(ctx context.Context, groupID, databaseID int64, data, native bool) error {
	perms := tree.NewMap()
	switch {
	case native && data:
		perms.Set("native", tree.String(AccessWrite))
		perms.Set("schemas", tree.String("all"))
	case native:
		perms.Set("native", tree.String(AccessWrite))
	default:
		perms.Set("native", tree.String(AccessNone))
		perms.Set("schemas", tree.String(AccessNone))
	}
	return c.updateGraph(ctx, PathDatabaseGraph, groupID, strconv.FormatInt(databaseID, 10), tree.FromMap(perms))
}

// SetCollectionAccess sets groupID's access to a collection: AccessRead,
// AccessWrite or AccessNone. collection is an id or RootCollection.
func (c *Client) SetCollectionAccess(ctx context.Context, groupID int64, collection, access string) error {
	switch access {
	case AccessRead, AccessWrite, AccessNone:
	default:
		return fmt.Errorf("invalid collection access %q (use read, write or none)", access)
	}
	return c.updateGraph(ctx, PathCollectionGraph, groupID, collection, tree.String(access))
}

// updateGraph reads a permission graph, sets groups[groupID][key] and
// writes it back with the revision it was read at.
func (c *Client) updateGraph(ctx context.Context, path string, groupID int64, key string, v tree.Value) error {
	graph, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	root, ok := graph.AsMap()
	if !ok {
		return &APIError{Method: http.MethodGet, Path: path, Message: "permission graph is not an object"}
	}
	groups, ok := Field(graph, "groups").AsMap()
	if !ok {
		groups = tree.NewMap()
		root.Set("groups", tree.FromMap(groups))
	}
	gid := strconv.FormatInt(groupID, 10)
	group, ok := Field(tree.FromMap(groups), gid).AsMap()
	if !ok {
		group = tree.NewMap()
		groups.Set(gid, tree.FromMap(group))
	}
	group.Set(key, v)
	_, err = c.Put(ctx, path, graph)
	return err
}
