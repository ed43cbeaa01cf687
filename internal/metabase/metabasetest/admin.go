package metabasetest

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/foundry-zero/mbsync/internal/metabase"
	"github.com/foundry-zero/mbsync/internal/tree"
)

// admin holds the users, groups and permission graphs. The server's
// mutex guards it.
type admin struct {
	users       []*tree.Map
	passwords   map[int64]string
	groups      []*tree.Map
	memberships map[int64][]int64
	graphs      map[string]*tree.Map
}

func newAdmin() admin {
	a := admin{
		passwords:   make(map[int64]string),
		memberships: make(map[int64][]int64),
		graphs:      make(map[string]*tree.Map),
	}
	for id, name := range []string{"", "All Users", "Administrators"} {
		if name != "" {
			a.groups = append(a.groups, tree.MapOf(
				tree.Member{Key: "id", Value: tree.Int(int64(id))},
				tree.Member{Key: "name", Value: tree.String(name)},
			))
		}
	}
	for _, path := range []string{metabase.PathDatabaseGraph, metabase.PathCollectionGraph} {
		a.graphs[path] = tree.MapOf(
			tree.Member{Key: "revision", Value: tree.Int(1)},
			tree.Member{Key: "groups", Value: tree.FromMap(nil)},
		)
	}
	return a
}

// UserPassword returns the password last set for the user with email.
func (s *Server) UserPassword(email string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.admin.users {
		if e, _ := metabase.Field(tree.FromMap(u), "email").AsString(); e == email {
			p, ok := s.admin.passwords[metabase.ID(tree.FromMap(u))]
			return p, ok
		}
	}
	return "", false
}

// Groups returns the names of the groups the user with email belongs to.
func (s *Server) Groups(email string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, u := range s.admin.users {
		if e, _ := metabase.Field(tree.FromMap(u), "email").AsString(); e != email {
			continue
		}
		for _, gid := range s.admin.memberships[metabase.ID(tree.FromMap(u))] {
			if g := findByID(s.admin.groups, gid); g != nil {
				out = append(out, metabase.Name(tree.FromMap(g)))
			}
		}
	}
	return out
}

// Graph returns a copy of the permission graph served at path.
func (s *Server) Graph(path string) tree.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tree.FromMap(s.admin.graphs[path].Clone())
}

func findByID(list []*tree.Map, id int64) *tree.Map {
	for _, m := range list {
		if metabase.ID(tree.FromMap(m)) == id {
			return m
		}
	}
	return nil
}

func (s *Server) createDatabase(w http.ResponseWriter, body tree.Value) {
	name := metabase.Name(body)
	if name == "" {
		reply(w, http.StatusBadRequest, object("errors", object("name", tree.String("value must be a non-blank string."))))
		return
	}
	s.nextID++
	db := tree.MapOf(
		tree.Member{Key: "id", Value: tree.Int(s.nextID)},
		tree.Member{Key: "name", Value: tree.String(name)},
		tree.Member{Key: "engine", Value: metabase.Field(body, "engine")},
		tree.Member{Key: "details", Value: metabase.Field(body, "details")},
		tree.Member{Key: "tables", Value: tree.List()},
	)
	s.databases = append(s.databases, db)
	reply(w, http.StatusOK, tree.FromMap(db.Clone()))
}

// serveAdmin answers the user, group and permission endpoints and reports
// whether path was one of them.
func (s *Server) serveAdmin(w http.ResponseWriter, r *http.Request, path string, body tree.Value) bool {
	parts := strings.Split(path, "/")
	switch {
	case path == metabase.PathDatabaseGraph || path == metabase.PathCollectionGraph:
		s.graph(w, r, path, body)
	case path == metabase.PathGroup:
		s.group(w, r, body)
	case path == metabase.PathMembership:
		s.membership(w, r, body)
	case parts[0] == metabase.PathUser:
		s.user(w, r, parts, body)
	default:
		return false
	}
	return true
}

func (s *Server) user(w http.ResponseWriter, r *http.Request, parts []string, body tree.Value) {
	in, _ := body.Clone().AsMap()
	switch {
	case r.Method == http.MethodGet && len(parts) == 1:
		list := make([]tree.Value, len(s.admin.users))
		for i, u := range s.admin.users {
			list[i] = tree.FromMap(u.Clone())
		}
		reply(w, http.StatusOK, object("data", tree.List(list...)))
	case r.Method == http.MethodPost && len(parts) == 1 && in != nil:
		password, _ := metabase.Field(body, "password").AsString()
		in.Delete("password")
		in.Delete("id")
		s.nextID++
		in.Set("id", tree.Int(s.nextID))
		s.admin.users = append(s.admin.users, in)
		s.admin.passwords[s.nextID] = password
		s.admin.memberships[s.nextID] = []int64{metabase.AllUsersGroupID}
		reply(w, http.StatusOK, tree.FromMap(in.Clone()))
	case r.Method == http.MethodPut && (len(parts) == 2 || len(parts) == 3 && parts[2] == "password") && in != nil:
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		u := findByID(s.admin.users, id)
		if u == nil {
			notFound(w)
			return
		}
		if password, ok := metabase.Field(body, "password").AsString(); ok {
			s.admin.passwords[id] = password
		}
		if len(parts) == 2 {
			for _, m := range in.Members() {
				if m.Key != "id" && m.Key != "password" {
					u.Set(m.Key, m.Value)
				}
			}
		}
		reply(w, http.StatusOK, tree.FromMap(u.Clone()))
	default:
		notFound(w)
	}
}

func (s *Server) group(w http.ResponseWriter, r *http.Request, body tree.Value) {
	switch r.Method {
	case http.MethodGet:
		list := make([]tree.Value, len(s.admin.groups))
		for i, g := range s.admin.groups {
			list[i] = tree.FromMap(g.Clone())
		}
		reply(w, http.StatusOK, tree.List(list...))
	case http.MethodPost:
		name := metabase.Name(body)
		for _, g := range s.admin.groups {
			if metabase.Name(tree.FromMap(g)) == name {
				reply(w, http.StatusBadRequest, object("errors", object("name", tree.String("A group with that name already exists."))))
				return
			}
		}
		s.nextID++
		g := tree.MapOf(
			tree.Member{Key: "id", Value: tree.Int(s.nextID)},
			tree.Member{Key: "name", Value: tree.String(name)},
		)
		s.admin.groups = append(s.admin.groups, g)
		reply(w, http.StatusOK, tree.FromMap(g.Clone()))
	default:
		notFound(w)
	}
}

func (s *Server) membership(w http.ResponseWriter, r *http.Request, body tree.Value) {
	switch r.Method {
	case http.MethodGet:
		out := tree.NewMap()
		for _, u := range s.admin.users {
			uid := metabase.ID(tree.FromMap(u))
			var list []tree.Value
			for _, gid := range s.admin.memberships[uid] {
				list = append(list, tree.FromMap(tree.MapOf(
					tree.Member{Key: "user_id", Value: tree.Int(uid)},
					tree.Member{Key: "group_id", Value: tree.Int(gid)},
				)))
			}
			out.Set(strconv.FormatInt(uid, 10), tree.List(list...))
		}
		reply(w, http.StatusOK, tree.FromMap(out))
	case http.MethodPost:
		uid, _ := metabase.Field(body, "user_id").AsInt()
		gid, _ := metabase.Field(body, "group_id").AsInt()
		if findByID(s.admin.users, uid) == nil || findByID(s.admin.groups, gid) == nil {
			notFound(w)
			return
		}
		s.admin.memberships[uid] = append(s.admin.memberships[uid], gid)
		reply(w, http.StatusOK, body)
	default:
		notFound(w)
	}
}

// graph serves a permission graph. A PUT must carry the current revision.
func (s *Server) graph(w http.ResponseWriter, r *http.Request, path string, body tree.Value) {
	current := s.admin.graphs[path]
	switch r.Method {
	case http.MethodGet:
		reply(w, http.StatusOK, tree.FromMap(current.Clone()))
	case http.MethodPut:
		in, ok := body.Clone().AsMap()
		if !ok {
			reply(w, http.StatusBadRequest, tree.String("body must be an object"))
			return
		}
		rev, _ := metabase.Field(body, "revision").AsInt()
		have, _ := metabase.Field(tree.FromMap(current), "revision").AsInt()
		if rev != have {
			reply(w, http.StatusConflict, object("message", tree.String("Looks like someone else edited the permissions and your data is out of date.")))
			return
		}
		in.Set("revision", tree.Int(have+1))
		s.admin.graphs[path] = in
		reply(w, http.StatusOK, tree.FromMap(in.Clone()))
	default:
		notFound(w)
	}
}
