// Package schema is the table catalog: it maps table names to their key and
// value formats and column lists, and persists the catalog across opens.
package schema

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	jujuerr "github.com/juju/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/myuser/emberkv/internal/config"
	"github.com/myuser/emberkv/pack"
)

var (
	ErrNotFound = errors.New("schema: table not found")
	ErrExists   = errors.New("schema: table already exists")
	ErrMismatch = errors.New("schema: stored schema does not match")
)

// ColumnSet names a group of columns stored together (also used for
// indexes: a name plus a column list).
type ColumnSet struct {
	Name    string   `msgpack:"name"`
	Columns []string `msgpack:"columns"`
}

// Table is one table's schema. Immutable once created except through
// Rename and Drop.
type Table struct {
	Name        string      `msgpack:"name"`
	KeyFormat   string      `msgpack:"key_format"`
	ValueFormat string      `msgpack:"value_format"`
	Columns     []string    `msgpack:"columns"`
	ColumnSets  []ColumnSet `msgpack:"column_sets,omitempty"`
	Indexes     []ColumnSet `msgpack:"indexes,omitempty"`
	Collator    string      `msgpack:"collator,omitempty"`
}

// equal ignores the name: Create compares an incoming definition against a
// stored one under the same name.
func (t *Table) equal(o *Table) bool {
	if t.KeyFormat != o.KeyFormat || t.ValueFormat != o.ValueFormat {
		return false
	}
	if len(t.Columns) != len(o.Columns) {
		return false
	}
	for i := range t.Columns {
		if t.Columns[i] != o.Columns[i] {
			return false
		}
	}
	return t.Collator == o.Collator
}

// Registry holds the catalog. Connection-level shared state, so all access
// is mutex-guarded.
type Registry struct {
	mu     sync.RWMutex
	path   string // empty for a purely in-memory catalog
	tables map[string]*Table
}

// Open loads the catalog at path, creating an empty one if the file does
// not exist. An empty path keeps the catalog in memory only.
func Open(path string) (*Registry, error) {
	r := &Registry{path: path, tables: make(map[string]*Table)}
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, jujuerr.Annotate(err, "reading catalog")
	}
	if err := msgpack.Unmarshal(data, &r.tables); err != nil {
		return nil, jujuerr.Annotate(err, "decoding catalog")
	}
	return r, nil
}

// save persists the catalog. Caller holds r.mu.
func (r *Registry) save() error {
	if r.path == "" {
		return nil
	}
	data, err := msgpack.Marshal(r.tables)
	if err != nil {
		return jujuerr.Annotate(err, "encoding catalog")
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return jujuerr.Annotate(err, "writing catalog")
	}
	return jujuerr.Annotate(os.Rename(tmp, r.path), "installing catalog")
}

// Create registers a table. With exclusive set, an existing table of the
// same name is ErrExists; otherwise an existing table is verified against
// the supplied definition and a difference is ErrMismatch. The column list,
// when present, must cover exactly the total field count of the key and
// value formats; a violation fails here, at creation, not later.
func (r *Registry) Create(t *Table, exclusive bool) error {
	kf, err := pack.Parse(t.KeyFormat)
	if err != nil {
		return err
	}
	vf, err := pack.Parse(t.ValueFormat)
	if err != nil {
		return err
	}
	if len(t.Columns) > 0 {
		want := kf.NumValues() + vf.NumValues()
		if len(t.Columns) != want {
			return &config.ConfigError{
				Msg: fmt.Sprintf("columns list has %d names, formats have %d fields", len(t.Columns), want),
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tables[t.Name]; ok {
		if exclusive {
			return ErrExists
		}
		if !existing.equal(t) {
			return ErrMismatch
		}
		return nil
	}
	cp := *t
	r.tables[t.Name] = &cp
	return r.save()
}

// Get returns the schema for name.
func (r *Registry) Get(name string) (*Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[name]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// Rename moves a schema to a new name. The new name must be free.
func (r *Registry) Rename(oldname, newname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[oldname]
	if !ok {
		return ErrNotFound
	}
	if _, taken := r.tables[newname]; taken {
		return ErrExists
	}
	delete(r.tables, oldname)
	cp := *t
	cp.Name = newname
	r.tables[newname] = &cp
	return r.save()
}

// Drop removes a schema.
func (r *Registry) Drop(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tables[name]; !ok {
		return ErrNotFound
	}
	delete(r.tables, name)
	return r.save()
}

// Verify checks that a table exists and its formats still parse.
func (r *Registry) Verify(name string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[name]
	if !ok {
		return ErrNotFound
	}
	if _, err := pack.Parse(t.KeyFormat); err != nil {
		return err
	}
	_, err := pack.Parse(t.ValueFormat)
	return err
}

// Names returns all table names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tables))
	for name := range r.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
