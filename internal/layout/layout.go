// Package layout maps exported entities to files in a data directory.
//
// Each entity is one file named <kind>_<name>.json holding indented JSON.
// Files are read as JSONC, so comments and trailing commas added by hand
// are accepted.
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"golang.org/x/text/unicode/norm"

	"github.com/foundry-zero/mbsync/internal/tree"
)

// Kind is the file prefix of an exported entity type.
type Kind string

const (
	Card      Kind = "card"
	Dashboard Kind = "dashboard"
	Metric    Kind = "metric"
	Snippet   Kind = "snippet"
)

// Kinds lists the entity file kinds in import order.
var Kinds = []Kind{Metric, Snippet, Card, Dashboard}

// FieldsFile is the CSV file holding field metadata.
const FieldsFile = "fields.csv"

// FileName returns the file an entity called name is stored in. Slashes
// are dropped and the name is NFC-normalized, so names typed on different
// systems map to the same file.
func FileName(kind Kind, name string) string {
	name = strings.ReplaceAll(name, "/", "")
	return string(kind) + "_" + norm.NFC.String(name) + ".json"
}

// Dir is a data directory.
type Dir string

// Path joins elem to the directory.
func (d Dir) Path(elem ...string) string {
	return filepath.Join(append([]string{string(d)}, elem...)...)
}

// Ensure creates the directory if needed.
func (d Dir) Ensure() error {
	return os.MkdirAll(string(d), 0o755)
}

// Write stores v as the file for the entity called name and returns its
// path.
func (d Dir) Write(kind Kind, name string, v tree.Value) (string, error) {
	data, err := tree.Marshal(v, tree.Indented)
	if err != nil {
		return "", fmt.Errorf("encode %s %q: %w", kind, name, err)
	}
	path := d.Path(FileName(kind, name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Files returns the .json and .jsonc files of kind, sorted by name.
func (d Dir) Files(kind Kind) ([]string, error) {
	entries, err := os.ReadDir(string(d))
	if err != nil {
		return nil, err
	}
	prefix := string(kind) + "_"
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		if ext := filepath.Ext(name); ext != ".json" && ext != ".jsonc" {
			continue
		}
		out = append(out, d.Path(name))
	}
	sort.Strings(out)
	return out, nil
}

// Entry is one file read by Read. Err is set when the file could not be
// read or parsed; Value is then null.
type Entry struct {
	Path  string
	Value tree.Value
	Err   error
}

// Read loads every file of kind. Empty objects and lists are skipped. A
// broken file yields an Entry with Err set, so one bad file does not hide
// the others.
func (d Dir) Read(kind Kind) ([]Entry, error) {
	files, err := d.Files(kind)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, path := range files {
		v, err := ReadFile(path)
		if err == nil && isEmpty(v) {
			continue
		}
		out = append(out, Entry{Path: path, Value: v, Err: err})
	}
	return out, nil
}

func isEmpty(v tree.Value) bool {
	if !v.IsContainer() {
		return false
	}
	return !v.Truthy()
}

// ErrEmptyFile is returned for files with no JSON value.
var ErrEmptyFile = errors.New("file is empty")

// ReadFile parses one JSON or JSONC file.
func ReadFile(path string) (tree.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tree.Value{}, err
	}
	return Parse(path, data)
}

// Parse parses JSONC data read from path.
func Parse(path string, data []byte) (tree.Value, error) {
	if strings.TrimSpace(string(data)) == "" {
		return tree.Value{}, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}
	v, err := tree.Parse(jsonc.ToJSON(data))
	if err != nil {
		return tree.Value{}, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}
