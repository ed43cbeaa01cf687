// Package snapshot captures the entity catalog of one server and database
// into a CBOR file. A loaded Snapshot is a read-only resolve.Catalog, so
// exported files can be checked against a target without network access.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/errgroup"

	"github.com/foundry-zero/mbsync/internal/resolve"
)

// FormatVersion is written into every snapshot. Read rejects other
// versions.
const FormatVersion = 1

// ErrReadOnly is returned when a caller tries to create entities in a
// snapshot.
var ErrReadOnly = errors.New("snapshot catalog is read-only")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}
}

// Snapshot is the entity lists of every reference kind for one database.
type Snapshot struct {
	Version    int                         `cbor:"1,keyasint"`
	Database   string                      `cbor:"2,keyasint"`
	CapturedAt time.Time                   `cbor:"3,keyasint"`
	Entities   map[string][]resolve.Entity `cbor:"4,keyasint"`
}

// Capture lists every kind from cat concurrently.
func Capture(ctx context.Context, cat resolve.Catalog, database string) (*Snapshot, error) {
	s := &Snapshot{
		Version:    FormatVersion,
		Database:   database,
		CapturedAt: time.Now().UTC(),
		Entities:   make(map[string][]resolve.Entity, len(resolve.Kinds)),
	}
	scope := resolve.Scope{Database: database}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range resolve.Kinds {
		g.Go(func() error {
			list, err := cat.ListEntities(gctx, kind, scope)
			if err != nil {
				return fmt.Errorf("capture %s: %w", kind, err)
			}
			mu.Lock()
			defer mu.Unlock()
			s.Entities[kind.String()] = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s, nil
}

// Write encodes s to w.
func (s *Snapshot) Write(w io.Writer) error {
	return encMode.NewEncoder(w).Encode(s)
}

// Read decodes a snapshot from r.
func Read(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := decMode.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Version != FormatVersion {
		return nil, fmt.Errorf("snapshot format version %d is not supported (want %d)", s.Version, FormatVersion)
	}
	return &s, nil
}

// Save writes s to path.
func (s *Snapshot) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.Write(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// Load reads the snapshot at path.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// ListEntities implements resolve.Catalog.
func (s *Snapshot) ListEntities(_ context.Context, kind resolve.Kind, scope resolve.Scope) ([]resolve.Entity, error) {
	if scope.Database != "" && scope.Database != s.Database {
		return nil, fmt.Errorf("snapshot holds database %q, not %q", s.Database, scope.Database)
	}
	list := s.Entities[kind.String()]
	out := make([]resolve.Entity, len(list))
	copy(out, list)
	return out, nil
}

// CreateCollection implements resolve.Catalog. It always fails.
func (s *Snapshot) CreateCollection(context.Context, string, int64) (resolve.Entity, error) {
	return resolve.Entity{}, ErrReadOnly
}
