package emberkv

import (
	"sort"
	"strings"

	"github.com/myuser/emberkv/internal/config"
	"github.com/myuser/emberkv/internal/schema"
	"github.com/myuser/emberkv/pack"
)

// columnCursor projects a single column out of a table cursor. Read-only.
type columnCursor struct {
	tab *tableCursor
	col string

	// where the column lives: key or value, and which value slot.
	fromKey bool
	idx     int
	typ     byte
}

func (s *Session) openColumnCursor(rest string, conf *config.Config) (Cursor, error) {
	dot := strings.LastIndexByte(rest, '.')
	if dot <= 0 || dot == len(rest)-1 {
		return nil, errf(ErrConfig, "column URI wants <table>.<column>, got %q", rest)
	}
	name, col := rest[:dot], rest[dot+1:]

	tab, err := s.openTableCursor(name, conf)
	if err != nil {
		return nil, err
	}
	t := tab.table
	idx := -1
	for i, c := range t.Columns {
		if c == col {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, errf(ErrConfig, "table %q has no column %q", name, col)
	}

	keyTypes := tab.keyFmt.ValueTypes()
	c := &columnCursor{tab: tab, col: col}
	if idx < len(keyTypes) {
		c.fromKey = true
		c.idx = idx
		c.typ = keyTypes[idx]
	} else {
		c.idx = idx - len(keyTypes)
		c.typ = tab.valFmt.ValueTypes()[c.idx]
	}
	return c, nil
}

func (c *columnCursor) Session() *Session   { return c.tab.sess }
func (c *columnCursor) KeyFormat() string   { return c.tab.KeyFormat() }
func (c *columnCursor) ValueFormat() string { return string(c.typ) }

func (c *columnCursor) GetKey() ([]pack.Value, error) { return c.tab.GetKey() }

// GetValue returns just the projected column.
func (c *columnCursor) GetValue() ([]pack.Value, error) {
	var vals []pack.Value
	var err error
	if c.fromKey {
		vals, err = c.tab.GetKey()
	} else {
		vals, err = c.tab.GetValue()
	}
	if err != nil {
		return nil, err
	}
	return []pack.Value{vals[c.idx]}, nil
}

func (c *columnCursor) SetKey(vals ...any) { c.tab.SetKey(vals...) }
func (c *columnCursor) SetValue(vals ...any) {
	c.tab.valErr = errReadOnly
	c.tab.valSet = true
}
func (c *columnCursor) First() error             { return c.tab.First() }
func (c *columnCursor) Last() error              { return c.tab.Last() }
func (c *columnCursor) Next() error              { return c.tab.Next() }
func (c *columnCursor) Prev() error              { return c.tab.Prev() }
func (c *columnCursor) Search() error            { return c.tab.Search() }
func (c *columnCursor) SearchNear() (int, error) { return c.tab.SearchNear() }
func (c *columnCursor) Reset() error             { return c.tab.Reset() }

var errReadOnly = errf(ErrInvalidState, "cursor is read-only")

func (c *columnCursor) Insert() error { return errReadOnly }
func (c *columnCursor) Update() error { return errReadOnly }
func (c *columnCursor) Remove() error { return errReadOnly }

func (c *columnCursor) Close(cfg string) error {
	s := c.tab.sess
	if err := c.tab.Close(cfg); err != nil {
		return err
	}
	s.forget(c)
	return nil
}

// snapshotCursor iterates a point-in-time list of key/value pairs; the
// backing list is built at open. Serves config: and statistics: URIs.
type snapshotCursor struct {
	sess   *Session
	valFmt string

	keys []string
	vals []pack.Value

	pos    int // index into keys, -1 when unpositioned
	staged string
	keySet bool
	keyErr error
	closed bool
}

func newSnapshotCursor(s *Session, valFmt string, m map[string]pack.Value) *snapshotCursor {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]pack.Value, len(keys))
	for i, k := range keys {
		vals[i] = m[k]
	}
	return &snapshotCursor{sess: s, valFmt: valFmt, keys: keys, vals: vals, pos: -1}
}

// openConfigCursor serves config: URIs. The empty target lists every table
// with its reconstructed creation configuration; config:table:<name> lists
// one table's options as individual records.
func (s *Session) openConfigCursor(rest string) (Cursor, error) {
	m := make(map[string]pack.Value)
	switch {
	case rest == "":
		for _, name := range s.conn.catalog.Names() {
			t, err := s.conn.catalog.Get(name)
			if err != nil {
				return nil, mapErr(err)
			}
			m[name] = pack.String(tableConfig(t))
		}
	case strings.HasPrefix(rest, "table:"):
		t, err := s.conn.catalog.Get(strings.TrimPrefix(rest, "table:"))
		if err != nil {
			return nil, mapErr(err)
		}
		m["key_format"] = pack.String(t.KeyFormat)
		m["value_format"] = pack.String(t.ValueFormat)
		if len(t.Columns) > 0 {
			m["columns"] = pack.String("(" + strings.Join(t.Columns, ",") + ")")
		}
		if t.Collator != "" {
			m["collator"] = pack.String(t.Collator)
		}
	default:
		return nil, errf(ErrConfig, "config URI wants empty or table:<name> target, got %q", rest)
	}
	return newSnapshotCursor(s, "S", m), nil
}

// tableConfig reconstructs a table's creation configuration string.
func tableConfig(t *schema.Table) string {
	parts := []string{
		"key_format=" + t.KeyFormat,
		"value_format=" + t.ValueFormat,
	}
	if len(t.Columns) > 0 {
		parts = append(parts, "columns=("+strings.Join(t.Columns, ",")+")")
	}
	if t.Collator != "" {
		parts = append(parts, "collator="+t.Collator)
	}
	return strings.Join(parts, ",")
}

// openStatsCursor serves statistics: URIs: engine counters for the empty
// target, a name-filtered subset for statistics:prefix:<p>, per-table
// record counts for statistics:table:<name>.
func (s *Session) openStatsCursor(rest string) (Cursor, error) {
	m := make(map[string]pack.Value)
	switch {
	case rest == "":
		for _, st := range s.conn.stats.Snapshot("") {
			m[st.Name] = pack.Int(st.Value)
		}
	case strings.HasPrefix(rest, "prefix:"):
		for _, st := range s.conn.stats.Snapshot(strings.TrimPrefix(rest, "prefix:")) {
			m[st.Name] = pack.Int(st.Value)
		}
	case strings.HasPrefix(rest, "table:"):
		_, st, err := s.table(strings.TrimPrefix(rest, "table:"))
		if err != nil {
			return nil, err
		}
		ts, _, _ := s.readView()
		m["btree.entries"] = pack.Int(int64(st.LiveCount(ts)))
		m["btree.versions"] = pack.Int(int64(st.VersionCount()))
	default:
		return nil, errf(ErrConfig, "statistics URI wants empty, prefix:<p> or table:<name> target, got %q", rest)
	}
	return newSnapshotCursor(s, "q", m), nil
}

func (c *snapshotCursor) Session() *Session   { return c.sess }
func (c *snapshotCursor) KeyFormat() string   { return "S" }
func (c *snapshotCursor) ValueFormat() string { return c.valFmt }

func (c *snapshotCursor) usable() error {
	if c.closed {
		return errf(ErrInvalidState, "cursor is closed")
	}
	return c.sess.usable()
}

func (c *snapshotCursor) GetKey() ([]pack.Value, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if c.pos < 0 {
		return nil, errf(ErrInvalidState, "cursor is not positioned")
	}
	return []pack.Value{pack.String(c.keys[c.pos])}, nil
}

func (c *snapshotCursor) GetValue() ([]pack.Value, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if c.pos < 0 {
		return nil, errf(ErrInvalidState, "cursor is not positioned")
	}
	return []pack.Value{c.vals[c.pos]}, nil
}

// SetKey stages a key. As with table cursors a mismatch never fails here;
// it is deferred to the operation that consumes the key.
func (c *snapshotCursor) SetKey(vals ...any) {
	c.keySet = true
	c.staged, c.keyErr = "", nil
	if len(vals) != 1 {
		c.keyErr = errf(ErrFormat, "key format %q wants 1 value, got %d", "S", len(vals))
		return
	}
	switch v := vals[0].(type) {
	case string:
		c.staged = v
	case []byte:
		c.staged = string(v)
	default:
		c.keyErr = errf(ErrFormat, "key format %q cannot encode %T", "S", vals[0])
	}
}

func (c *snapshotCursor) SetValue(vals ...any) {}

func (c *snapshotCursor) First() error {
	if err := c.usable(); err != nil {
		return err
	}
	if len(c.keys) == 0 {
		c.pos = -1
		return errf(ErrNotFound, "no records")
	}
	c.pos = 0
	return nil
}

func (c *snapshotCursor) Last() error {
	if err := c.usable(); err != nil {
		return err
	}
	if len(c.keys) == 0 {
		c.pos = -1
		return errf(ErrNotFound, "no records")
	}
	c.pos = len(c.keys) - 1
	return nil
}

func (c *snapshotCursor) Next() error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.pos < 0 {
		return c.First()
	}
	if c.pos+1 >= len(c.keys) {
		c.pos = -1
		return errf(ErrNotFound, "no more records")
	}
	c.pos++
	return nil
}

func (c *snapshotCursor) Prev() error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.pos < 0 {
		return c.Last()
	}
	if c.pos == 0 {
		c.pos = -1
		return errf(ErrNotFound, "no more records")
	}
	c.pos--
	return nil
}

func (c *snapshotCursor) takeKey() (string, error) {
	if !c.keySet {
		return "", errf(ErrInvalidState, "no key set on cursor")
	}
	key, err := c.staged, c.keyErr
	c.staged, c.keySet, c.keyErr = "", false, nil
	if err != nil {
		c.pos = -1
		return "", err
	}
	return key, nil
}

func (c *snapshotCursor) Search() error {
	if err := c.usable(); err != nil {
		return err
	}
	key, err := c.takeKey()
	if err != nil {
		return err
	}
	i := sort.SearchStrings(c.keys, key)
	if i >= len(c.keys) || c.keys[i] != key {
		c.pos = -1
		return errf(ErrNotFound, "no statistic or option %q", key)
	}
	c.pos = i
	return nil
}

func (c *snapshotCursor) SearchNear() (int, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	key, err := c.takeKey()
	if err != nil {
		return 0, err
	}
	i := sort.SearchStrings(c.keys, key)
	switch {
	case i < len(c.keys) && c.keys[i] == key:
		c.pos = i
		return 0, nil
	case i < len(c.keys):
		c.pos = i
		return 1, nil
	case len(c.keys) > 0:
		c.pos = len(c.keys) - 1
		return -1, nil
	}
	c.pos = -1
	return 0, errf(ErrNotFound, "no records")
}

func (c *snapshotCursor) Insert() error { return errReadOnly }
func (c *snapshotCursor) Update() error { return errReadOnly }
func (c *snapshotCursor) Remove() error { return errReadOnly }

func (c *snapshotCursor) Reset() error {
	if err := c.usable(); err != nil {
		return err
	}
	c.pos = -1
	c.staged, c.keySet, c.keyErr = "", false, nil
	return nil
}

func (c *snapshotCursor) Close(cfg string) error {
	if err := emptyConfig(cfg); err != nil {
		return err
	}
	if c.closed {
		return errf(ErrInvalidState, "cursor already closed")
	}
	c.closed = true
	c.sess.forget(c)
	return nil
}

// joinCursor intersects two or more tables by key: it yields the records
// of the first table whose keys are present in every other table. The
// tables must share a key format.
type joinCursor struct {
	sess   *Session
	lead   *tableCursor
	others []*tableCursor
	closed bool
}

func (s *Session) openJoinCursor(rest string, conf *config.Config) (Cursor, error) {
	parts := strings.Split(rest, "&")
	if len(parts) < 2 {
		return nil, errf(ErrConfig, "join URI wants at least two table URIs, got %q", rest)
	}
	var subs []*tableCursor
	for _, p := range parts {
		name, ok := strings.CutPrefix(p, "table:")
		if !ok {
			return nil, errf(ErrConfig, "join member %q is not a table URI", p)
		}
		c, err := s.openTableCursor(name, conf)
		if err != nil {
			return nil, err
		}
		subs = append(subs, c)
	}
	for _, c := range subs[1:] {
		if c.table.KeyFormat != subs[0].table.KeyFormat {
			return nil, errf(ErrConfig, "join members disagree on key format")
		}
	}
	return &joinCursor{sess: s, lead: subs[0], others: subs[1:]}, nil
}

func (c *joinCursor) Session() *Session   { return c.sess }
func (c *joinCursor) KeyFormat() string   { return c.lead.KeyFormat() }
func (c *joinCursor) ValueFormat() string { return c.lead.ValueFormat() }

func (c *joinCursor) usable() error {
	if c.closed {
		return errf(ErrInvalidState, "cursor is closed")
	}
	return c.sess.usable()
}

// inAll reports whether the lead cursor's key exists in every other table.
func (c *joinCursor) inAll() bool {
	for _, o := range c.others {
		ts, id, intents := o.view()
		if !o.store.Exists(c.lead.curKey, ts, id, intents) {
			return false
		}
	}
	return true
}

// scan advances the lead with step until it lands on an intersecting key.
func (c *joinCursor) scan(step func() error) error {
	for {
		if err := step(); err != nil {
			return err
		}
		if c.inAll() {
			return nil
		}
	}
}

func (c *joinCursor) First() error {
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.lead.First(); err != nil {
		return err
	}
	if c.inAll() {
		return nil
	}
	return c.scan(c.lead.Next)
}

func (c *joinCursor) Last() error {
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.lead.Last(); err != nil {
		return err
	}
	if c.inAll() {
		return nil
	}
	return c.scan(c.lead.Prev)
}

func (c *joinCursor) Next() error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.lead.state != cursorPositioned {
		return c.First()
	}
	return c.scan(c.lead.Next)
}

func (c *joinCursor) Prev() error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.lead.state != cursorPositioned {
		return c.Last()
	}
	return c.scan(c.lead.Prev)
}

func (c *joinCursor) Search() error {
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.lead.Search(); err != nil {
		return err
	}
	if c.inAll() {
		return nil
	}
	c.lead.unposition()
	return errf(ErrNotFound, "record not in every joined table")
}

func (c *joinCursor) SearchNear() (int, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	exact, err := c.lead.SearchNear()
	if err != nil {
		return 0, err
	}
	if c.inAll() {
		return exact, nil
	}
	if exact >= 0 {
		if err := c.scan(c.lead.Next); err == nil {
			return 1, nil
		}
	}
	if err := c.scan(c.lead.Prev); err != nil {
		return 0, err
	}
	return -1, nil
}

func (c *joinCursor) GetKey() ([]pack.Value, error)   { return c.lead.GetKey() }
func (c *joinCursor) GetValue() ([]pack.Value, error) { return c.lead.GetValue() }
func (c *joinCursor) SetKey(vals ...any)              { c.lead.SetKey(vals...) }
func (c *joinCursor) SetValue(vals ...any) {
	c.lead.valErr = errReadOnly
	c.lead.valSet = true
}

func (c *joinCursor) Insert() error { return errReadOnly }
func (c *joinCursor) Update() error { return errReadOnly }
func (c *joinCursor) Remove() error { return errReadOnly }

func (c *joinCursor) Reset() error {
	if err := c.usable(); err != nil {
		return err
	}
	for _, o := range c.others {
		o.Reset()
	}
	return c.lead.Reset()
}

func (c *joinCursor) Close(cfg string) error {
	if err := emptyConfig(cfg); err != nil {
		return err
	}
	if c.closed {
		return errf(ErrInvalidState, "cursor already closed")
	}
	c.closed = true
	c.lead.Close("")
	for _, o := range c.others {
		o.Close("")
	}
	c.sess.forget(c)
	return nil
}
