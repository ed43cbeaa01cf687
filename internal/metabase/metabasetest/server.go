// Package metabasetest runs an in-memory imitation of the BI server's REST
// API for tests. It implements the endpoints mbsync uses and nothing more.
package metabasetest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/foundry-zero/mbsync/internal/metabase"
	"github.com/foundry-zero/mbsync/internal/tree"
)

// Session is the session id the server hands out.
const Session = "test-session"

// Server is a fake API server. Its zero value is not usable; call New.
type Server struct {
	*httptest.Server

	Username string
	Password string

	mu        sync.Mutex
	databases []*tree.Map
	store     map[string][]*tree.Map
	nextID    int64
	requests  []string
	admin     admin
}

var resources = map[string]bool{
	metabase.PathCard:       true,
	metabase.PathDashboard:  true,
	metabase.PathMetric:     true,
	metabase.PathSnippet:    true,
	metabase.PathCollection: true,
	metabase.PathField:      true,
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	s := &Server{
		Username: "admin@example.com",
		Password: "secret",
		store:    make(map[string][]*tree.Map),
		nextID:   1000,
		admin:    newAdmin(),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Client returns a client logged in with the server's credentials.
func (s *Server) Client(opts ...metabase.Option) *metabase.Client {
	return metabase.New(s.URL, s.Username, s.Password, opts...)
}

// AddDatabase registers a database. meta is the database/{id}?include=
// tables.fields response: an object with id, name and tables.
func (s *Server) AddDatabase(meta tree.Value) {
	m, _ := meta.Clone().AsMap()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.databases = append(s.databases, m)
}

// Add stores obj under resource and returns its id. An id is assigned when
// obj has none.
func (s *Server) Add(resource string, obj tree.Value) int64 {
	m, _ := obj.Clone().AsMap()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(resource, m)
}

func (s *Server) insertLocked(resource string, m *tree.Map) int64 {
	id := metabase.ID(tree.FromMap(m))
	if id == 0 {
		s.nextID++
		id = s.nextID
		m.Set("id", tree.Int(id))
	}
	if resource == metabase.PathDashboard && !m.Has("ordered_cards") {
		m.Set("ordered_cards", tree.List())
	}
	s.store[resource] = append(s.store[resource], m)
	return id
}

// Objects returns copies of everything stored under resource.
func (s *Server) Objects(resource string) []tree.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tree.Value, len(s.store[resource]))
	for i, m := range s.store[resource] {
		out[i] = tree.FromMap(m.Clone())
	}
	return out
}

// Object returns a copy of the object named name under resource.
func (s *Server) Object(resource, name string) (tree.Value, bool) {
	for _, o := range s.Objects(resource) {
		if metabase.Name(o) == name {
			return o, true
		}
	}
	return tree.Value{}, false
}

// Requests returns "METHOD path?query" for every request served.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// CountRequests returns how many requests started with prefix.
func (s *Server) CountRequests(prefix string) int {
	n := 0
	for _, r := range s.Requests() {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/")
	line := r.Method + " " + path
	if r.URL.RawQuery != "" {
		line += "?" + r.URL.RawQuery
	}
	s.mu.Lock()
	s.requests = append(s.requests, line)
	s.mu.Unlock()

	body, err := readBody(r)
	if err != nil {
		reply(w, http.StatusBadRequest, tree.String(err.Error()))
		return
	}

	if path == "session" {
		s.session(w, r, body)
		return
	}
	if r.Header.Get(metabase.SessionHeader) != Session {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, "Unauthenticated")
		return
	}

	parts := strings.Split(path, "/")
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.serveAdmin(w, r, path, body):
	case parts[0] == metabase.PathDatabase:
		s.database(w, r, parts, body)
	case parts[0] == metabase.PathDashboard && len(parts) == 3 && parts[2] == "cards":
		s.dashboardCards(w, r, parts[1], body)
	case resources[parts[0]]:
		s.resource(w, r, parts, body)
	default:
		notFound(w)
	}
}

func readBody(r *http.Request) (tree.Value, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return tree.Null(), err
	}
	return tree.Parse(data)
}

func reply(w http.ResponseWriter, status int, v tree.Value) {
	data, _ := tree.Marshal(v, tree.Compact)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func notFound(w http.ResponseWriter) {
	reply(w, http.StatusNotFound, tree.String("API endpoint does not exist."))
}

func (s *Server) session(w http.ResponseWriter, r *http.Request, body tree.Value) {
	if r.Method == http.MethodDelete {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	user, _ := metabase.Field(body, "username").AsString()
	pass, _ := metabase.Field(body, "password").AsString()
	if user != s.Username || pass != s.Password {
		reply(w, http.StatusUnauthorized, object("errors", object("password", tree.String("did not match stored password"))))
		return
	}
	reply(w, http.StatusOK, object("id", tree.String(Session)))
}

func object(key string, v tree.Value) tree.Value {
	return tree.FromMap(tree.MapOf(tree.Member{Key: key, Value: v}))
}

func (s *Server) database(w http.ResponseWriter, r *http.Request, parts []string, body tree.Value) {
	if r.Method == http.MethodPost && len(parts) == 1 {
		s.createDatabase(w, body)
		return
	}
	if r.Method != http.MethodGet {
		notFound(w)
		return
	}
	if len(parts) == 1 {
		list := make([]tree.Value, 0, len(s.databases))
		for _, db := range s.databases {
			summary := tree.NewMap()
			summary.Set("id", tree.Int(metabase.ID(tree.FromMap(db))))
			summary.Set("name", tree.String(metabase.Name(tree.FromMap(db))))
			list = append(list, tree.FromMap(summary))
		}
		reply(w, http.StatusOK, object("data", tree.List(list...)))
		return
	}
	id, _ := strconv.ParseInt(parts[1], 10, 64)
	for _, db := range s.databases {
		if metabase.ID(tree.FromMap(db)) == id {
			reply(w, http.StatusOK, tree.FromMap(db.Clone()))
			return
		}
	}
	notFound(w)
}

func (s *Server) find(resource string, id int64) *tree.Map {
	for _, m := range s.store[resource] {
		if metabase.ID(tree.FromMap(m)) == id {
			return m
		}
	}
	return nil
}

func (s *Server) resource(w http.ResponseWriter, r *http.Request, parts []string, body tree.Value) {
	resource := parts[0]
	switch {
	case r.Method == http.MethodGet && len(parts) == 1:
		reply(w, http.StatusOK, tree.List(s.list(resource, r)...))
	case r.Method == http.MethodGet && len(parts) == 2:
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		m := s.find(resource, id)
		if m == nil {
			notFound(w)
			return
		}
		reply(w, http.StatusOK, tree.FromMap(m.Clone()))
	case r.Method == http.MethodPost && len(parts) == 1:
		in, ok := body.Clone().AsMap()
		if !ok {
			reply(w, http.StatusBadRequest, tree.String("body must be an object"))
			return
		}
		in.Delete("id")
		s.insertLocked(resource, in)
		reply(w, http.StatusOK, tree.FromMap(in.Clone()))
	case r.Method == http.MethodPut && len(parts) == 2:
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		in, ok := body.Clone().AsMap()
		if !ok {
			reply(w, http.StatusBadRequest, tree.String("body must be an object"))
			return
		}
		m := s.find(resource, id)
		if m == nil {
			if resource != metabase.PathField {
				notFound(w)
				return
			}
			m = tree.NewMap()
			m.Set("id", tree.Int(id))
			s.store[resource] = append(s.store[resource], m)
		}
		for _, member := range in.Members() {
			if member.Key != "id" {
				m.Set(member.Key, member.Value)
			}
		}
		reply(w, http.StatusOK, tree.FromMap(m.Clone()))
	default:
		notFound(w)
	}
}

func (s *Server) list(resource string, r *http.Request) []tree.Value {
	var out []tree.Value
	if resource == metabase.PathCollection {
		root := tree.NewMap()
		root.Set("id", tree.String("root"))
		root.Set("name", tree.String("Our analytics"))
		out = append(out, tree.FromMap(root))
	}
	model, filter := r.URL.Query().Get("model_id"), r.URL.Query().Get("f") == "database"
	for _, m := range s.store[resource] {
		v := tree.FromMap(m.Clone())
		if filter && resource == metabase.PathCard {
			db, _ := metabase.Field(v, "database_id").AsInt()
			if strconv.FormatInt(db, 10) != model {
				continue
			}
		}
		if resource == metabase.PathDashboard {
			summary, _ := v.AsMap()
			summary.Delete("ordered_cards")
		}
		out = append(out, v)
	}
	return out
}

func (s *Server) dashboardCards(w http.ResponseWriter, r *http.Request, rawID string, body tree.Value) {
	id, _ := strconv.ParseInt(rawID, 10, 64)
	dash := s.find(metabase.PathDashboard, id)
	if dash == nil {
		notFound(w)
		return
	}
	cardsValue, _ := dash.Get("ordered_cards")
	cards, _ := cardsValue.AsList()

	switch r.Method {
	case http.MethodPost:
		in, ok := body.Clone().AsMap()
		if !ok {
			reply(w, http.StatusBadRequest, tree.String("body must be an object"))
			return
		}
		s.nextID++
		in.Set("id", tree.Int(s.nextID))
		if cardID, ok := metabase.Field(body, "cardId").AsInt(); ok {
			in.Set("card_id", tree.Int(cardID))
			if card := s.find(metabase.PathCard, cardID); card != nil {
				in.Set("card", tree.FromMap(card.Clone()))
			}
		}
		dash.Set("ordered_cards", tree.List(append(append([]tree.Value(nil), cards...), tree.FromMap(in))...))
		reply(w, http.StatusOK, tree.FromMap(in.Clone()))
	case http.MethodDelete:
		dashcard, _ := strconv.ParseInt(r.URL.Query().Get("dashcardId"), 10, 64)
		kept := make([]tree.Value, 0, len(cards))
		for _, c := range cards {
			if metabase.ID(c) != dashcard {
				kept = append(kept, c)
			}
		}
		dash.Set("ordered_cards", tree.List(kept...))
		w.WriteHeader(http.StatusNoContent)
	default:
		notFound(w)
	}
}
