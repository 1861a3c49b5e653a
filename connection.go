// Package emberkv is an embedded, transactional key/value storage engine.
// Tables are exposed through position-based cursors, sessions carry ACID
// transactions with selectable isolation, and a struct codec (package
// pack) turns typed records into the raw bytes the engine stores.
//
// A Connection is the one handle that may be shared between threads. Each
// thread opens its own Session; a session and every cursor it owns must
// stay on that thread for their entire lifetime.
package emberkv

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	jujuerr "github.com/juju/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"github.com/myuser/emberkv/internal/config"
	"github.com/myuser/emberkv/internal/metrics"
	"github.com/myuser/emberkv/internal/schema"
	"github.com/myuser/emberkv/internal/storage"
	"github.com/myuser/emberkv/internal/storage/wal"
	"github.com/myuser/emberkv/internal/txn"
)

// Collator orders keys for tables created with a collator=<name> option.
type Collator interface {
	Compare(a, b []byte) int
}

// Extractor derives index or column-set keys from a record.
type Extractor interface {
	Extract(key, value []byte) ([]byte, error)
}

// CursorFactory serves application-defined cursor types for a registered
// URI prefix.
type CursorFactory interface {
	OpenCursor(s *Session, uri, cfg string) (Cursor, error)
}

const (
	catalogFile    = "catalog.db"
	checkpointFile = "checkpoint.db"
	logDir         = "log"
)

// Connection is a handle to a database home directory. It owns the table
// catalog, the version stores, the write-ahead log and the extension
// registries. All methods are safe for concurrent use.
type Connection struct {
	mu      sync.Mutex
	home    string
	created bool
	closed  bool

	sessions   map[*Session]struct{}
	collators  map[string]Collator
	extractors map[string]Extractor
	factories  map[string]CursorFactory
	extensions []string

	catalog *schema.Registry
	stores  map[string]*storage.Store
	mgr     *txn.Manager
	log     *wal.Log
	stats   *metrics.Registry

	lastCheckpoint time.Time
}

// Open opens a connection to the database at home.
//
// Options: create (make the database if absent), exclusive (fail if it
// already exists), error_prefix, cachesize, max_threads.
func Open(home, cfg string) (*Connection, error) {
	conf, err := config.Parse(cfg)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := conf.Check("create", "exclusive", "error_prefix", "cachesize", "max_threads"); err != nil {
		return nil, mapErr(err)
	}
	create, err := conf.Bool("create", false)
	if err != nil {
		return nil, mapErr(err)
	}
	exclusive, err := conf.Bool("exclusive", false)
	if err != nil {
		return nil, mapErr(err)
	}

	created := false
	if _, err := os.Stat(home); os.IsNotExist(err) {
		if !create {
			return nil, errf(ErrNotFound, "database %q does not exist", home)
		}
		if err := os.MkdirAll(home, 0755); err != nil {
			return nil, jujuerr.Annotate(err, "creating database home")
		}
		created = true
	} else if exclusive {
		return nil, errf(ErrAlreadyExists, "database %q already exists", home)
	}

	catalog, err := schema.Open(filepath.Join(home, catalogFile))
	if err != nil {
		return nil, jujuerr.Trace(err)
	}
	log, err := wal.Open(filepath.Join(home, logDir))
	if err != nil {
		return nil, jujuerr.Trace(err)
	}

	c := &Connection{
		home:       home,
		created:    created,
		sessions:   make(map[*Session]struct{}),
		collators:  make(map[string]Collator),
		extractors: make(map[string]Extractor),
		factories:  make(map[string]CursorFactory),
		catalog:    catalog,
		stores:     make(map[string]*storage.Store),
		mgr:        txn.NewManager(),
		log:        log,
		stats:      metrics.NewRegistry(),
	}
	c.mgr.AppendLog = func(rec []byte, sync bool) error {
		return c.log.Append(rec, sync)
	}

	if err := c.recover(); err != nil {
		log.Close()
		return nil, jujuerr.Trace(err)
	}
	c.lastCheckpoint = time.Now()
	return c, nil
}

// Home returns the database home directory.
func (c *Connection) Home() string { return c.home }

// IsNew reports whether opening this handle created the database.
func (c *Connection) IsNew() bool { return c.created }

// OpenSession opens a session. The returned session must be confined to a
// single thread.
func (c *Connection) OpenSession(cfg string) (*Session, error) {
	if err := emptyConfig(cfg); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errf(ErrInvalidState, "connection is closed")
	}
	s := &Session{conn: c, cursors: make(map[Cursor]bool)}
	c.sessions[s] = struct{}{}
	c.stats.Inc("session.open")
	return s, nil
}

// AddCollator registers a collation function under name, for use in
// create_table's collator option.
func (c *Connection) AddCollator(name string, coll Collator, cfg string) error {
	if err := emptyConfig(cfg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collators[name] = coll
	return nil
}

// AddExtractor registers an index/column-set key extractor under name.
func (c *Connection) AddExtractor(name string, ext Extractor, cfg string) error {
	if err := emptyConfig(cfg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extractors[name] = ext
	return nil
}

// AddCursorFactory registers a cursor source for a URI prefix: open_cursor
// calls with "<prefix>:..." URIs are handed to the factory.
func (c *Connection) AddCursorFactory(prefix string, f CursorFactory, cfg string) error {
	if err := emptyConfig(cfg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[prefix] = f
	return nil
}

// LoadExtension records an extension module. The engine only tracks the
// registration; actual dynamic loading is the extension host's concern.
//
// Options: entry (entry point name), prefix (namespace for registered names).
func (c *Connection) LoadExtension(path, cfg string) error {
	conf, err := config.Parse(cfg)
	if err != nil {
		return mapErr(err)
	}
	if err := conf.Check("entry", "prefix"); err != nil {
		return mapErr(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extensions = append(c.extensions, path)
	return nil
}

// Close closes the connection and every open session.
func (c *Connection) Close(cfg string) error {
	if err := emptyConfig(cfg); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errf(ErrInvalidState, "connection already closed")
	}
	c.closed = true
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close("")
	}
	return jujuerr.Trace(c.log.Close())
}

// collator resolves a named collation function.
func (c *Connection) collator(name string) (storage.Compare, error) {
	if name == "" {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	coll, ok := c.collators[name]
	if !ok {
		return nil, errf(ErrConfig, "unknown collator %q", name)
	}
	return coll.Compare, nil
}

// store returns (creating on demand) the version store for a table.
func (c *Connection) store(t *schema.Table) (*storage.Store, error) {
	c.mu.Lock()
	if st, ok := c.stores[t.Name]; ok {
		c.mu.Unlock()
		return st, nil
	}
	c.mu.Unlock()

	cmp, err := c.collator(t.Collator)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.stores[t.Name]; ok {
		return st, nil
	}
	st := storage.NewStore(cmp)
	c.stores[t.Name] = st
	return st, nil
}

func (c *Connection) renameStore(oldname, newname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.stores[oldname]; ok {
		delete(c.stores, oldname)
		c.stores[newname] = st
	}
}

func (c *Connection) dropStore(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stores, name)
}

func (c *Connection) dropSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s)
}

// checkpoint snapshot file layout: 32-byte blake3 hash, then a msgpack
// body of snapshotBody.

type versionRec struct {
	Key   []byte `msgpack:"k"` // encoded user key + timestamp
	Value []byte `msgpack:"v"`
	Tomb  bool   `msgpack:"d"`
}

type snapshotBody struct {
	Ts     uint64                  `msgpack:"ts"`
	Tables map[string][]versionRec `msgpack:"tables"`
}

type checkpointOpts struct {
	archive    bool
	force      bool
	flushCache bool
	flushLog   bool
	logSize    int64
	timeout    time.Duration
}

// checkpoint flushes the cache and/or log. The only engine operation that
// is allowed to block its caller.
func (c *Connection) checkpoint(opts checkpointOpts) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !opts.force {
		if opts.logSize > 0 && c.log.BytesSinceCheckpoint() < opts.logSize {
			return nil
		}
		if opts.timeout > 0 && time.Since(c.lastCheckpoint) < opts.timeout {
			return nil
		}
	}

	if opts.flushCache {
		body := snapshotBody{
			Ts:     c.mgr.Now(),
			Tables: make(map[string][]versionRec),
		}
		for name, st := range c.stores {
			var recs []versionRec
			st.Dump(func(k, v []byte, tomb bool) bool {
				recs = append(recs, versionRec{
					Key:   append([]byte(nil), k...),
					Value: append([]byte(nil), v...),
					Tomb:  tomb,
				})
				return true
			})
			body.Tables[name] = recs
		}
		data, err := msgpack.Marshal(&body)
		if err != nil {
			return jujuerr.Annotate(err, "encoding checkpoint")
		}
		sum := blake3.Sum256(data)

		path := filepath.Join(c.home, checkpointFile)
		tmp := path + ".tmp"
		out := make([]byte, 0, len(sum)+len(data))
		out = append(out, sum[:]...)
		out = append(out, data...)
		if err := os.WriteFile(tmp, out, 0644); err != nil {
			return jujuerr.Annotate(err, "writing checkpoint")
		}
		if err := os.Rename(tmp, path); err != nil {
			return jujuerr.Annotate(err, "installing checkpoint")
		}

		// Everything in the log up to here is now redundant: seal the
		// segment so archive can reclaim it.
		if err := c.log.Rotate(); err != nil {
			return jujuerr.Trace(err)
		}

		// Versions the snapshot shadows can go, except those a live
		// transaction still reads below the snapshot timestamp.
		safe := body.Ts
		if oldest := c.mgr.OldestReadTs(); oldest < safe {
			safe = oldest
		}
		removed := 0
		for _, st := range c.stores {
			removed += st.RunGC(safe)
		}
		c.stats.Add("gc.versions_removed", int64(removed))
		c.stats.Set("checkpoint.last_ts", int64(body.Ts))
	} else if opts.flushLog {
		if err := c.log.Sync(); err != nil {
			return jujuerr.Trace(err)
		}
	}

	if opts.archive {
		if err := c.log.Archive(); err != nil {
			return jujuerr.Trace(err)
		}
	}

	c.lastCheckpoint = time.Now()
	c.stats.Inc("checkpoint.count")
	return nil
}

// recover rebuilds the stores from the newest checkpoint snapshot plus a
// replay of the live log segments.
func (c *Connection) recover() error {
	path := filepath.Join(c.home, checkpointFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) < 32 {
			return jujuerr.Errorf("checkpoint file truncated")
		}
		sum := blake3.Sum256(data[32:])
		if string(sum[:]) != string(data[:32]) {
			return jujuerr.Errorf("checkpoint file checksum mismatch")
		}
		var body snapshotBody
		if err := msgpack.Unmarshal(data[32:], &body); err != nil {
			return jujuerr.Annotate(err, "decoding checkpoint")
		}
		for name, recs := range body.Tables {
			st, err := c.recoveryStore(name)
			if err != nil {
				return jujuerr.Trace(err)
			}
			for _, r := range recs {
				st.Ingest(r.Key, r.Value, r.Tomb)
			}
		}
		c.mgr.SetClock(body.Ts)
	} else if !os.IsNotExist(err) {
		return jujuerr.Annotate(err, "reading checkpoint")
	}

	// Redo committed transactions. Reapplying a version already in the
	// snapshot is harmless: same encoded key, same value.
	return c.log.Replay(func(data []byte) error {
		var rec txn.LogRecord
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			return jujuerr.Annotate(err, "decoding log record")
		}
		for _, op := range rec.Ops {
			st, err := c.recoveryStore(op.Table)
			if err != nil {
				return jujuerr.Trace(err)
			}
			st.Ingest(storage.EncodeKey(op.Key, rec.Ts), op.Value, op.Tomb)
		}
		c.mgr.SetClock(rec.Ts)
		return nil
	})
}

// recoveryStore resolves a store during recovery, tolerating tables whose
// schema carries a collator that is not registered yet: those fall back to
// byte order until first real use.
func (c *Connection) recoveryStore(name string) (*storage.Store, error) {
	if t, err := c.catalog.Get(name); err == nil && t.Collator == "" {
		return c.store(t)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.stores[name]
	if !ok {
		st = storage.NewStore(nil)
		c.stores[name] = st
	}
	return st, nil
}

// emptyConfig enforces a configempty operation: the string must parse and
// contain nothing.
func emptyConfig(cfg string) error {
	conf, err := config.Parse(cfg)
	if err != nil {
		return mapErr(err)
	}
	return mapErr(conf.Check())
}
