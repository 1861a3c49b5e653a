package emberkv

import (
	"math"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/myuser/emberkv/internal/config"
	"github.com/myuser/emberkv/internal/schema"
	"github.com/myuser/emberkv/internal/storage"
	"github.com/myuser/emberkv/internal/txn"
)

// Session is a single-threaded context for schema operations, cursors and
// transactions. Sessions are not safe for concurrent use; open one per
// thread.
type Session struct {
	conn   *Connection
	txn    *txn.Txn
	closed bool

	// open cursors; the flag marks cursors opened under the current
	// transaction, which are closed when it ends.
	cursors map[Cursor]bool
}

func (s *Session) usable() error {
	if s.closed {
		return errf(ErrInvalidState, "session is closed")
	}
	return nil
}

// Connection returns the owning connection.
func (s *Session) Connection() *Connection { return s.conn }

// OpenCursor opens a cursor on uri. When toDup is non-nil the uri is
// ignored and the new cursor duplicates toDup's table and position; the
// dup option (all, first, last) selects whether the position is copied or
// the duplicate starts at the first or last record.
//
// URI schemes: table:<name>, column:<name>.<column>, config:[table:<name>],
// statistics:[table:<name>], join:table:<a>&table:<b>[&...]. A cursor
// factory registered on the connection takes precedence for its prefix.
//
// Options: dup(all|first|last), isolation, overwrite, raw.
func (s *Session) OpenCursor(uri string, toDup Cursor, cfg string) (Cursor, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	conf, err := config.Parse(cfg)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := conf.Check("dup", "isolation", "overwrite", "raw"); err != nil {
		return nil, mapErr(err)
	}

	if toDup != nil {
		return s.dupCursor(toDup, conf)
	}
	if conf.Has("dup") {
		return nil, errf(ErrConfig, "dup option requires a cursor to duplicate")
	}

	scheme, rest, ok := strings.Cut(uri, ":")
	if !ok {
		return nil, errf(ErrConfig, "cursor URI %q has no scheme", uri)
	}

	s.conn.mu.Lock()
	factory := s.conn.factories[scheme]
	s.conn.mu.Unlock()
	if factory != nil {
		c, err := factory.OpenCursor(s, uri, cfg)
		if err != nil {
			return nil, err
		}
		s.adopt(c)
		return c, nil
	}

	var c Cursor
	switch scheme {
	case "table":
		c, err = s.openTableCursor(rest, conf)
	case "column":
		c, err = s.openColumnCursor(rest, conf)
	case "config":
		c, err = s.openConfigCursor(rest)
	case "statistics":
		c, err = s.openStatsCursor(rest)
	case "join":
		c, err = s.openJoinCursor(rest, conf)
	default:
		return nil, errf(ErrConfig, "unknown cursor type %q", scheme)
	}
	if err != nil {
		return nil, err
	}
	s.adopt(c)
	s.conn.stats.Inc("cursor.open")
	return c, nil
}

func (s *Session) adopt(c Cursor) {
	s.cursors[c] = s.txn != nil
}

func (s *Session) forget(c Cursor) {
	delete(s.cursors, c)
}

func (s *Session) dupCursor(toDup Cursor, conf *config.Config) (Cursor, error) {
	src, ok := toDup.(*tableCursor)
	if !ok {
		return nil, errf(ErrConfig, "only table cursors can be duplicated")
	}
	mode, err := conf.Choice("dup", "all", "all", "first", "last")
	if err != nil {
		return nil, mapErr(err)
	}
	c, err := s.newTableCursor(src.table, conf)
	if err != nil {
		return nil, err
	}
	switch mode {
	case "first":
		// An empty table leaves the duplicate unpositioned.
		c.First()
	case "last":
		c.Last()
	default:
		if src.state == cursorPositioned {
			c.position(src.curKey, src.curValue)
		}
	}
	s.adopt(c)
	return c, nil
}

// table resolves a table name to its schema and version store.
func (s *Session) table(name string) (*schema.Table, *storage.Store, error) {
	t, err := s.conn.catalog.Get(name)
	if err != nil {
		return nil, nil, mapErr(err)
	}
	st, err := s.conn.store(t)
	if err != nil {
		return nil, nil, err
	}
	return t, st, nil
}

// readView is the visibility a read should use: the active transaction's,
// or latest-committed outside one.
func (s *Session) readView() (ts uint64, txnID string, readIntents bool) {
	if s.txn != nil {
		return s.txn.ReadTimestamp(), s.txn.ID, s.txn.ReadsIntents()
	}
	return math.MaxUint64, "", false
}

// write routes one mutation through the active transaction, or applies it
// as a single-write autocommit.
func (s *Session) write(st *storage.Store, table string, key, value []byte, tomb bool) error {
	if s.txn != nil {
		return mapErr(s.txn.Write(st, table, key, value, tomb))
	}
	ts := s.conn.mgr.AutoCommitTs()
	if err := st.Apply(key, value, tomb, ts); err != nil {
		return mapErr(err)
	}
	rec := txn.LogRecord{Ts: ts, Ops: []txn.LogOp{{Table: table, Key: key, Value: value, Tomb: tomb}}}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return err
	}
	return s.conn.log.Append(data, false)
}

// CreateTable creates a table, or verifies an existing one matches.
//
// Options: key_format, value_format, columns, column_set (repeatable),
// index (repeatable), collator, exclusive.
func (s *Session) CreateTable(name, cfg string) error {
	if err := s.usable(); err != nil {
		return err
	}
	conf, err := config.Parse(cfg)
	if err != nil {
		return mapErr(err)
	}
	if err := conf.Check("key_format", "value_format", "columns", "column_set",
		"index", "collator", "exclusive"); err != nil {
		return mapErr(err)
	}
	exclusive, err := conf.Bool("exclusive", false)
	if err != nil {
		return mapErr(err)
	}
	t := &schema.Table{
		Name:        name,
		KeyFormat:   conf.Str("key_format", "u"),
		ValueFormat: conf.Str("value_format", "u"),
		Columns:     conf.Strings("columns"),
		Collator:    conf.Str("collator", ""),
	}
	for _, v := range conf.All("column_set") {
		t.ColumnSets = append(t.ColumnSets, schema.ColumnSet{Name: v.Word, Columns: listColumns(v)})
	}
	for _, v := range conf.All("index") {
		t.Indexes = append(t.Indexes, schema.ColumnSet{Name: v.Word, Columns: listColumns(v)})
	}
	if t.Collator != "" {
		if _, err := s.conn.collator(t.Collator); err != nil {
			return err
		}
	}
	return mapErr(s.conn.catalog.Create(t, exclusive))
}

// listColumns flattens the "name(a,b,c)" form's column list.
func listColumns(v config.Value) []string {
	var out []string
	for _, item := range v.List {
		out = append(out, item.Words()...)
	}
	return out
}

// RenameTable renames a table and carries its data along.
func (s *Session) RenameTable(oldname, newname, cfg string) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := emptyConfig(cfg); err != nil {
		return err
	}
	if err := s.conn.catalog.Rename(oldname, newname); err != nil {
		return mapErr(err)
	}
	s.conn.renameStore(oldname, newname)
	return nil
}

// DropTable removes a table and its data.
func (s *Session) DropTable(name, cfg string) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := emptyConfig(cfg); err != nil {
		return err
	}
	if err := s.conn.catalog.Drop(name); err != nil {
		return mapErr(err)
	}
	s.conn.dropStore(name)
	return nil
}

// VerifyTable checks the table's catalog entry is well formed.
func (s *Session) VerifyTable(name, cfg string) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := emptyConfig(cfg); err != nil {
		return err
	}
	return mapErr(s.conn.catalog.Verify(name))
}

// TruncateTable deletes a range of records. start and end are optional
// positioned cursors on the table bounding the range inclusively; a nil
// end means the corresponding end of the table.
func (s *Session) TruncateTable(name string, start, end Cursor, cfg string) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := emptyConfig(cfg); err != nil {
		return err
	}
	t, st, err := s.table(name)
	if err != nil {
		return err
	}

	bound := func(c Cursor) ([]byte, error) {
		if c == nil {
			return nil, nil
		}
		tc, ok := c.(*tableCursor)
		if !ok || tc.table.Name != t.Name {
			return nil, errf(ErrConfig, "truncate bound is not a cursor on %q", name)
		}
		if tc.state != cursorPositioned {
			return nil, errf(ErrInvalidState, "truncate bound cursor is not positioned")
		}
		return tc.curKey, nil
	}
	lo, err := bound(start)
	if err != nil {
		return err
	}
	hi, err := bound(end)
	if err != nil {
		return err
	}

	ts, id, intents := s.readView()
	cmp := st.Comparator()

	var keys [][]byte
	var e storage.Entry
	var ok bool
	if lo == nil {
		e, ok = st.First(ts, id, intents)
	} else {
		e, ok = st.Next(lo, true, ts, id, intents)
	}
	for ok {
		if hi != nil && cmp(e.Key, hi) > 0 {
			break
		}
		keys = append(keys, e.Key)
		e, ok = st.Next(e.Key, false, ts, id, intents)
	}

	for _, k := range keys {
		if err := s.write(st, t.Name, k, nil, true); err != nil {
			return err
		}
	}
	return nil
}

// BeginTransaction starts a transaction on the session. A no-op if one is
// already running.
//
// Options: isolation (serializable|snapshot|read-committed|
// read-uncommitted), name, priority (-100..100), sync (full|flush|write|
// none).
func (s *Session) BeginTransaction(cfg string) error {
	if err := s.usable(); err != nil {
		return err
	}
	conf, err := config.Parse(cfg)
	if err != nil {
		return mapErr(err)
	}
	if err := conf.Check("isolation", "name", "priority", "sync"); err != nil {
		return mapErr(err)
	}
	if s.txn != nil {
		return nil
	}
	iso, err := txn.ParseIsolation(conf.Str("isolation", "serializable"))
	if err != nil {
		return mapErr(err)
	}
	sync, err := txn.ParseSync(conf.Str("sync", "full"))
	if err != nil {
		return mapErr(err)
	}
	priority, err := conf.Int("priority", 0)
	if err != nil {
		return mapErr(err)
	}
	if priority < -100 || priority > 100 {
		return errf(ErrConfig, "priority must be in -100..100, got %d", priority)
	}
	s.txn = s.conn.mgr.Begin(iso, int(priority), conf.Str("name", ""), sync)
	s.conn.stats.Inc("txn.begin")
	return nil
}

// InTransaction reports whether a transaction is running on the session.
func (s *Session) InTransaction() bool { return s.txn != nil }

// CommitTransaction commits the running transaction. Cursors opened inside
// the transaction are closed first. If the transaction hit an unresolved
// conflict the commit fails with Conflict and the transaction is rolled
// back. A no-op when no transaction is running.
func (s *Session) CommitTransaction(cfg string) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := emptyConfig(cfg); err != nil {
		return err
	}
	if s.txn == nil {
		return nil
	}
	s.closeTxnCursors()
	t := s.txn
	s.txn = nil
	s.conn.stats.Inc("txn.commit")
	_, err := t.Commit()
	return mapErr(err)
}

// RollbackTransaction abandons the running transaction, discarding its
// writes and closing its cursors. A no-op when no transaction is running.
func (s *Session) RollbackTransaction(cfg string) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := emptyConfig(cfg); err != nil {
		return err
	}
	if s.txn == nil {
		return nil
	}
	s.closeTxnCursors()
	t := s.txn
	s.txn = nil
	t.Rollback()
	s.conn.stats.Inc("txn.rollback")
	return nil
}

func (s *Session) closeTxnCursors() {
	var bound []Cursor
	for c, b := range s.cursors {
		if b {
			bound = append(bound, c)
		}
	}
	for _, c := range bound {
		c.Close("")
	}
}

// Checkpoint flushes the cache and log. Not permitted inside a
// transaction; the only engine operation that may block.
//
// Options: archive, force, flush_cache (default true), flush_log (default
// true), log_size (bytes, size suffixes allowed), timeout (milliseconds).
func (s *Session) Checkpoint(cfg string) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.txn != nil {
		return errf(ErrInvalidState, "checkpoint is not permitted in a transaction")
	}
	conf, err := config.Parse(cfg)
	if err != nil {
		return mapErr(err)
	}
	if err := conf.Check("archive", "force", "flush_cache", "flush_log",
		"log_size", "timeout"); err != nil {
		return mapErr(err)
	}
	var opts checkpointOpts
	if opts.archive, err = conf.Bool("archive", false); err != nil {
		return mapErr(err)
	}
	if opts.force, err = conf.Bool("force", false); err != nil {
		return mapErr(err)
	}
	if opts.flushCache, err = conf.Bool("flush_cache", true); err != nil {
		return mapErr(err)
	}
	if opts.flushLog, err = conf.Bool("flush_log", true); err != nil {
		return mapErr(err)
	}
	logSize, err := conf.Int("log_size", 0)
	if err != nil {
		return mapErr(err)
	}
	opts.logSize = logSize
	timeout, err := conf.Int("timeout", 0)
	if err != nil {
		return mapErr(err)
	}
	opts.timeout = time.Duration(timeout) * time.Millisecond
	return s.conn.checkpoint(opts)
}

// Close closes the session, rolling back any running transaction and
// closing every open cursor.
func (s *Session) Close(cfg string) error {
	if err := emptyConfig(cfg); err != nil {
		return err
	}
	if s.closed {
		return errf(ErrInvalidState, "session already closed")
	}
	if s.txn != nil {
		t := s.txn
		s.txn = nil
		t.Rollback()
	}
	var open []Cursor
	for c := range s.cursors {
		open = append(open, c)
	}
	for _, c := range open {
		c.Close("")
	}
	s.closed = true
	s.conn.dropSession(s)
	return nil
}
