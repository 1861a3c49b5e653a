package emberkv

import (
	"math"

	"github.com/myuser/emberkv/internal/config"
	"github.com/myuser/emberkv/internal/schema"
	"github.com/myuser/emberkv/internal/storage"
	"github.com/myuser/emberkv/internal/txn"
	"github.com/myuser/emberkv/pack"
)

// Cursor is a position-based handle over an ordered data source. Like its
// session, a cursor is confined to one thread.
//
// Byte slices and values returned by GetKey/GetValue are borrowed views:
// they stay valid only until the next operation on the cursor.
type Cursor interface {
	// Session returns the owning session.
	Session() *Session
	// KeyFormat and ValueFormat return the cursor's codec formats.
	KeyFormat() string
	ValueFormat() string

	// GetKey and GetValue return the positioned record's fields. They
	// fail with InvalidState when the cursor is not positioned, or with
	// a deferred FormatError from an earlier SetKey/SetValue.
	GetKey() ([]pack.Value, error)
	GetValue() ([]pack.Value, error)
	// SetKey and SetValue stage a key or value for the next search or
	// mutation. They never fail directly; a codec mismatch is deferred
	// to the operation that consumes the staged slot.
	SetKey(vals ...any)
	SetValue(vals ...any)

	First() error
	Last() error
	Next() error
	Prev() error
	// Search positions on the staged key exactly, consuming it.
	Search() error
	// SearchNear positions on the staged key or its nearest neighbor:
	// 0 exact, +1 nearest larger, -1 nearest smaller.
	SearchNear() (int, error)

	Insert() error
	Update() error
	Remove() error

	// Reset returns the cursor to Unpositioned and clears staged state.
	Reset() error
	Close(cfg string) error
}

type cursorState int

const (
	cursorUnpositioned cursorState = iota
	cursorPositioned
)

// tableCursor is the ordinary cursor over a table's version store.
type tableCursor struct {
	sess  *Session
	table *schema.Table
	store *storage.Store

	keyFmt    *pack.Format
	valFmt    *pack.Format
	overwrite bool
	raw       bool

	// read view outside a transaction; snapTs is fixed at open when the
	// cursor asked for snapshot isolation.
	iso    txn.Isolation
	snapTs uint64

	state    cursorState
	curKey   []byte
	curValue []byte

	stagedKey []byte
	keySet    bool
	keyErr    error
	stagedVal []byte
	valSet    bool
	valErr    error

	closed bool
}

func (s *Session) openTableCursor(name string, conf *config.Config) (*tableCursor, error) {
	t, _, err := s.table(name)
	if err != nil {
		return nil, err
	}
	return s.newTableCursor(t, conf)
}

func (s *Session) newTableCursor(t *schema.Table, conf *config.Config) (*tableCursor, error) {
	st, err := s.conn.store(t)
	if err != nil {
		return nil, err
	}
	raw, err := conf.Bool("raw", false)
	if err != nil {
		return nil, mapErr(err)
	}
	overwrite, err := conf.Bool("overwrite", false)
	if err != nil {
		return nil, mapErr(err)
	}
	isoName, err := conf.Choice("isolation", "read-committed",
		"snapshot", "read-committed", "read-uncommitted")
	if err != nil {
		return nil, mapErr(err)
	}
	iso, err := txn.ParseIsolation(isoName)
	if err != nil {
		return nil, mapErr(err)
	}

	keySrc, valSrc := t.KeyFormat, t.ValueFormat
	if raw {
		keySrc, valSrc = "u", "u"
	}
	keyFmt, err := pack.Parse(keySrc)
	if err != nil {
		return nil, mapErr(err)
	}
	valFmt, err := pack.Parse(valSrc)
	if err != nil {
		return nil, mapErr(err)
	}

	c := &tableCursor{
		sess:      s,
		table:     t,
		store:     st,
		keyFmt:    keyFmt,
		valFmt:    valFmt,
		overwrite: overwrite,
		raw:       raw,
		iso:       iso,
	}
	if iso == txn.Snapshot {
		c.snapTs = s.conn.mgr.Now()
	}
	return c, nil
}

func (c *tableCursor) Session() *Session   { return c.sess }
func (c *tableCursor) KeyFormat() string   { return c.keyFmt.String() }
func (c *tableCursor) ValueFormat() string { return c.valFmt.String() }

func (c *tableCursor) usable() error {
	if c.closed {
		return errf(ErrInvalidState, "cursor is closed")
	}
	return c.sess.usable()
}

// view is the MVCC visibility for this cursor's reads: the session
// transaction's when one is active, otherwise the cursor's own isolation.
func (c *tableCursor) view() (ts uint64, txnID string, readIntents bool) {
	if c.sess.txn != nil {
		t := c.sess.txn
		return t.ReadTimestamp(), t.ID, t.ReadsIntents()
	}
	switch c.iso {
	case txn.Snapshot:
		return c.snapTs, "", false
	case txn.ReadUncommitted:
		return math.MaxUint64, "", true
	}
	return math.MaxUint64, "", false
}

func (c *tableCursor) position(key, value []byte) {
	c.state = cursorPositioned
	c.curKey = key
	c.curValue = value
}

func (c *tableCursor) unposition() {
	c.state = cursorUnpositioned
	c.curKey = nil
	c.curValue = nil
}

func encodeArgs(f *pack.Format, vals []any) ([]byte, error) {
	pv := make([]pack.Value, 0, len(vals))
	for _, v := range vals {
		val, err := pack.FromAny(v)
		if err != nil {
			return nil, err
		}
		pv = append(pv, val)
	}
	return f.Pack(pv)
}

// SetKey stages a key. A codec mismatch does not fail here; it is held as
// a deferred error for the next operation that needs the key.
func (c *tableCursor) SetKey(vals ...any) {
	c.stagedKey, c.keyErr = encodeArgs(c.keyFmt, vals)
	c.keySet = true
}

// SetValue stages a value, deferring codec errors the same way.
func (c *tableCursor) SetValue(vals ...any) {
	c.stagedVal, c.valErr = encodeArgs(c.valFmt, vals)
	c.valSet = true
}

// takeKey consumes the staged key. A deferred codec error surfaces here
// and leaves the cursor unpositioned.
func (c *tableCursor) takeKey() ([]byte, error) {
	if !c.keySet {
		return nil, errf(ErrInvalidState, "no key set on cursor")
	}
	key, err := c.stagedKey, c.keyErr
	c.stagedKey, c.keySet, c.keyErr = nil, false, nil
	if err != nil {
		c.unposition()
		return nil, mapErr(err)
	}
	return key, nil
}

func (c *tableCursor) takeValue() ([]byte, error) {
	if !c.valSet {
		return nil, errf(ErrInvalidState, "no value set on cursor")
	}
	val, err := c.stagedVal, c.valErr
	c.stagedVal, c.valSet, c.valErr = nil, false, nil
	if err != nil {
		c.unposition()
		return nil, mapErr(err)
	}
	return val, nil
}

func (c *tableCursor) GetKey() ([]pack.Value, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if c.keyErr != nil {
		return nil, mapErr(c.keyErr)
	}
	if c.state != cursorPositioned {
		return nil, errf(ErrInvalidState, "cursor is not positioned")
	}
	vals, err := c.keyFmt.Unpack(c.curKey)
	return vals, mapErr(err)
}

func (c *tableCursor) GetValue() ([]pack.Value, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if c.valErr != nil {
		return nil, mapErr(c.valErr)
	}
	if c.state != cursorPositioned {
		return nil, errf(ErrInvalidState, "cursor is not positioned")
	}
	vals, err := c.valFmt.Unpack(c.curValue)
	return vals, mapErr(err)
}

func (c *tableCursor) First() error {
	if err := c.usable(); err != nil {
		return err
	}
	ts, id, intents := c.view()
	e, ok := c.store.First(ts, id, intents)
	if !ok {
		c.unposition()
		return errf(ErrNotFound, "table %q is empty", c.table.Name)
	}
	c.position(e.Key, e.Value)
	return nil
}

func (c *tableCursor) Last() error {
	if err := c.usable(); err != nil {
		return err
	}
	ts, id, intents := c.view()
	e, ok := c.store.Last(ts, id, intents)
	if !ok {
		c.unposition()
		return errf(ErrNotFound, "table %q is empty", c.table.Name)
	}
	c.position(e.Key, e.Value)
	return nil
}

// Next advances to the following record. On an unpositioned cursor it
// behaves as First.
func (c *tableCursor) Next() error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.state != cursorPositioned {
		return c.First()
	}
	ts, id, intents := c.view()
	e, ok := c.store.Next(c.curKey, false, ts, id, intents)
	if !ok {
		c.unposition()
		return errf(ErrNotFound, "no more records")
	}
	c.position(e.Key, e.Value)
	return nil
}

// Prev steps to the preceding record. On an unpositioned cursor it behaves
// as Last.
func (c *tableCursor) Prev() error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.state != cursorPositioned {
		return c.Last()
	}
	ts, id, intents := c.view()
	e, ok := c.store.Prev(c.curKey, false, ts, id, intents)
	if !ok {
		c.unposition()
		return errf(ErrNotFound, "no more records")
	}
	c.position(e.Key, e.Value)
	return nil
}

func (c *tableCursor) Search() error {
	if err := c.usable(); err != nil {
		return err
	}
	key, err := c.takeKey()
	if err != nil {
		return err
	}
	ts, id, intents := c.view()
	val, ok := c.store.Get(key, ts, id, intents)
	if !ok {
		c.unposition()
		return errf(ErrNotFound, "record not found")
	}
	c.position(key, val)
	return nil
}

func (c *tableCursor) SearchNear() (int, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	key, err := c.takeKey()
	if err != nil {
		return 0, err
	}
	ts, id, intents := c.view()

	if val, ok := c.store.Get(key, ts, id, intents); ok {
		c.position(key, val)
		return 0, nil
	}
	if e, ok := c.store.Next(key, true, ts, id, intents); ok {
		c.position(e.Key, e.Value)
		return 1, nil
	}
	if e, ok := c.store.Prev(key, true, ts, id, intents); ok {
		c.position(e.Key, e.Value)
		return -1, nil
	}
	c.unposition()
	return 0, errf(ErrNotFound, "table %q is empty", c.table.Name)
}

// Insert writes the staged key/value pair. An existing record fails with
// AlreadyExists unless the cursor was opened with overwrite. The cursor is
// left unpositioned.
func (c *tableCursor) Insert() error {
	if err := c.usable(); err != nil {
		return err
	}
	key, err := c.takeKey()
	if err != nil {
		return err
	}
	val, err := c.takeValue()
	if err != nil {
		return err
	}
	ts, id, intents := c.view()
	if !c.overwrite && c.store.Exists(key, ts, id, intents) {
		c.unposition()
		return errf(ErrAlreadyExists, "record already exists")
	}
	c.unposition()
	return c.sess.write(c.store, c.table.Name, key, val, false)
}

// Update replaces the positioned record's value with the staged value. The
// cursor stays positioned on the record.
func (c *tableCursor) Update() error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.state != cursorPositioned {
		return errf(ErrInvalidState, "cursor is not positioned")
	}
	val, err := c.takeValue()
	if err != nil {
		return err
	}
	if err := c.sess.write(c.store, c.table.Name, c.curKey, val, false); err != nil {
		return err
	}
	c.curValue = val
	return nil
}

// Remove deletes the positioned record and unpositions the cursor.
func (c *tableCursor) Remove() error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.state != cursorPositioned {
		return errf(ErrInvalidState, "cursor is not positioned")
	}
	key := c.curKey
	c.unposition()
	return c.sess.write(c.store, c.table.Name, key, nil, true)
}

func (c *tableCursor) Reset() error {
	if err := c.usable(); err != nil {
		return err
	}
	c.unposition()
	c.stagedKey, c.keySet, c.keyErr = nil, false, nil
	c.stagedVal, c.valSet, c.valErr = nil, false, nil
	return nil
}

func (c *tableCursor) Close(cfg string) error {
	if err := emptyConfig(cfg); err != nil {
		return err
	}
	if c.closed {
		return errf(ErrInvalidState, "cursor already closed")
	}
	c.closed = true
	c.unposition()
	c.sess.forget(c)
	return nil
}
