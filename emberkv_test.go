package emberkv

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func testConn(t *testing.T) *Connection {
	t.Helper()
	c, err := Open(t.TempDir(), "create")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close("") })
	return c
}

func testSession(t *testing.T, c *Connection) *Session {
	t.Helper()
	s, err := c.OpenSession("")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	return s
}

// put inserts one record through a short-lived cursor.
func put(t *testing.T, s *Session, table string, key any, vals ...any) {
	t.Helper()
	c, err := s.OpenCursor("table:"+table, nil, "overwrite")
	if err != nil {
		t.Fatalf("OpenCursor(%s): %v", table, err)
	}
	defer c.Close("")
	c.SetKey(key)
	c.SetValue(vals...)
	if err := c.Insert(); err != nil {
		t.Fatalf("Insert(%v): %v", key, err)
	}
}

func TestOpenCreateAndReopen(t *testing.T) {
	home := filepath.Join(t.TempDir(), "db")

	if _, err := Open(home, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open without create: got %v, want NotFound", err)
	}

	c, err := Open(home, "create")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !c.IsNew() {
		t.Fatal("first open should report IsNew")
	}
	if c.Home() != home {
		t.Fatalf("Home: got %q, want %q", c.Home(), home)
	}
	if err := c.Close(""); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := Open(home, "exclusive"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("exclusive reopen: got %v, want AlreadyExists", err)
	}

	c, err = Open(home, "")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if c.IsNew() {
		t.Fatal("reopen should not report IsNew")
	}
	if err := c.Close(""); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double Close: got %v, want InvalidState", err)
	}
}

func TestVersion(t *testing.T) {
	major, minor, patch, s := Version()
	if major != VersionMajor || minor != VersionMinor || patch != VersionPatch {
		t.Fatalf("Version numbers: got %d.%d.%d", major, minor, patch)
	}
	if !strings.Contains(s, "emberkv") {
		t.Fatalf("Version string %q should name the engine", s)
	}
}

func TestStrerror(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{CodeDeadlock, "deadlock: transaction must roll back"},
		{CodeNotFound, "item not found"},
		{CodeConflict, "update conflict: transaction must roll back"},
		{CodeInvalidState, "invalid state for operation"},
		{-42, "unknown error: -42"},
	}
	for _, tt := range tests {
		if got := Strerror(tt.code); got != tt.want {
			t.Errorf("Strerror(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
	// Positive codes fall through to the platform's errno strings.
	if got := Strerror(2); got == "" || strings.HasPrefix(got, "unknown") {
		t.Errorf("Strerror(2) = %q, want an errno description", got)
	}
}

func TestCreateTableSchema(t *testing.T) {
	c := testConn(t)
	s := testSession(t, c)

	cfg := "key_format=S,value_format=iS,columns=(name,age,city)"
	if err := s.CreateTable("users", cfg); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	// Same definition again verifies instead of failing.
	if err := s.CreateTable("users", cfg); err != nil {
		t.Fatalf("idempotent CreateTable: %v", err)
	}
	if err := s.CreateTable("users", cfg+",exclusive"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("exclusive on existing: got %v, want AlreadyExists", err)
	}
	if err := s.CreateTable("users", "key_format=q,value_format=S,columns=(a,b)"); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("mismatched recreate: got %v, want SchemaMismatch", err)
	}
	// Three formats fields but two columns.
	if err := s.CreateTable("bad", "key_format=S,value_format=iS,columns=(a,b)"); !errors.Is(err, ErrConfig) {
		t.Fatalf("column count mismatch: got %v, want ConfigError", err)
	}
	if err := s.VerifyTable("users", ""); err != nil {
		t.Fatalf("VerifyTable: %v", err)
	}
	if err := s.VerifyTable("ghost", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("VerifyTable on missing: got %v, want NotFound", err)
	}
}

func TestRenameDropTable(t *testing.T) {
	c := testConn(t)
	s := testSession(t, c)

	if err := s.CreateTable("t1", "key_format=S,value_format=S"); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	put(t, s, "t1", "k", "v")

	if err := s.RenameTable("t1", "t2", ""); err != nil {
		t.Fatalf("RenameTable: %v", err)
	}
	cur, err := s.OpenCursor("table:t2", nil, "")
	if err != nil {
		t.Fatalf("OpenCursor after rename: %v", err)
	}
	cur.SetKey("k")
	if err := cur.Search(); err != nil {
		t.Fatalf("renamed table lost its data: %v", err)
	}
	cur.Close("")

	if _, err := s.OpenCursor("table:t1", nil, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old name still resolves: %v", err)
	}
	if err := s.DropTable("t2", ""); err != nil {
		t.Fatalf("DropTable: %v", err)
	}
	if err := s.DropTable("t2", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double drop: got %v, want NotFound", err)
	}
}

func TestUnknownConfigKeyRejected(t *testing.T) {
	c := testConn(t)
	s := testSession(t, c)

	if err := s.CreateTable("t", "key_format=S,value_format=S,bogus=1"); !errors.Is(err, ErrConfig) {
		t.Fatalf("bogus create option: got %v, want ConfigError", err)
	}
	if _, err := s.OpenCursor("nowhere", nil, ""); !errors.Is(err, ErrConfig) {
		t.Fatalf("URI without scheme: got %v, want ConfigError", err)
	}
	if _, err := s.OpenCursor("bogus:t", nil, ""); !errors.Is(err, ErrConfig) {
		t.Fatalf("unknown scheme: got %v, want ConfigError", err)
	}
}

func TestRecoveryFromLog(t *testing.T) {
	home := filepath.Join(t.TempDir(), "db")
	c, err := Open(home, "create")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := testSession(t, c)
	if err := s.CreateTable("t", "key_format=S,value_format=S"); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	put(t, s, "t", "alpha", "1")
	put(t, s, "t", "beta", "2")
	if err := c.Close(""); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c, err = Open(home, "")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close("")
	s = testSession(t, c)
	cur, err := s.OpenCursor("table:t", nil, "")
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	for _, want := range []string{"alpha", "beta"} {
		cur.SetKey(want)
		if err := cur.Search(); err != nil {
			t.Fatalf("after replay, Search(%q): %v", want, err)
		}
	}
}

func TestCheckpointAndRecovery(t *testing.T) {
	home := filepath.Join(t.TempDir(), "db")
	c, err := Open(home, "create")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := testSession(t, c)
	if err := s.CreateTable("t", "key_format=S,value_format=S"); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	put(t, s, "t", "before", "ckpt")
	if err := s.Checkpoint("force"); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	put(t, s, "t", "after", "ckpt")
	if err := c.Close(""); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c, err = Open(home, "")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close("")
	s = testSession(t, c)
	cur, err := s.OpenCursor("table:t", nil, "")
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	for _, want := range []string{"before", "after"} {
		cur.SetKey(want)
		if err := cur.Search(); err != nil {
			t.Fatalf("after recovery, Search(%q): %v", want, err)
		}
	}
}

func TestCheckpointPrunesOldVersions(t *testing.T) {
	c := testConn(t)
	s := testSession(t, c)
	numTable(t, s)
	put(t, s, "nums", uint64(1), "one")

	// A snapshot transaction pins the version it can see across the
	// checkpoint's garbage collection.
	s2 := testSession(t, c)
	if err := s2.BeginTransaction("isolation=snapshot"); err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	put(t, s, "nums", uint64(1), "two")

	if err := s.Checkpoint("force"); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if ts := c.stats.Get("checkpoint.last_ts"); ts == 0 {
		t.Error("checkpoint.last_ts should record the snapshot timestamp")
	}

	cur, err := s2.OpenCursor("table:nums", nil, "")
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	cur.SetKey(uint64(1))
	if err := cur.Search(); err != nil {
		t.Fatalf("Search in snapshot txn: %v", err)
	}
	if v, _ := cur.GetValue(); v[0].Str != "one" {
		t.Fatalf("snapshot read: got %q, want the pinned version", v[0].Str)
	}
	if err := s2.RollbackTransaction(""); err != nil {
		t.Fatalf("RollbackTransaction: %v", err)
	}

	// With no reader holding the old snapshot, the next checkpoint
	// reclaims the shadowed version.
	if err := s.Checkpoint("force"); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	stat, err := s.OpenCursor("statistics:table:nums", nil, "")
	if err != nil {
		t.Fatalf("OpenCursor(statistics): %v", err)
	}
	stat.SetKey("btree.versions")
	if err := stat.Search(); err != nil {
		t.Fatalf("Search(btree.versions): %v", err)
	}
	if v, _ := stat.GetValue(); v[0].Int != 1 {
		t.Fatalf("btree.versions: got %d, want 1 after pruning", v[0].Int)
	}

	live, err := s.OpenCursor("table:nums", nil, "")
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	live.SetKey(uint64(1))
	if err := live.Search(); err != nil {
		t.Fatalf("Search after pruning: %v", err)
	}
	if v, _ := live.GetValue(); v[0].Str != "two" {
		t.Fatalf("value after pruning: got %q, want the latest", v[0].Str)
	}
}

func TestCheckpointGating(t *testing.T) {
	c := testConn(t)
	s := testSession(t, c)

	// Without force, a fresh connection is inside both gates: no-op.
	if err := s.Checkpoint("log_size=1G,timeout=3600000"); err != nil {
		t.Fatalf("gated Checkpoint: %v", err)
	}
	if got := c.stats.Get("checkpoint.count"); got != 0 {
		t.Fatalf("gated checkpoint ran anyway: count %d", got)
	}
	if err := s.Checkpoint("force,log_size=1G,timeout=3600000"); err != nil {
		t.Fatalf("forced Checkpoint: %v", err)
	}
	if got := c.stats.Get("checkpoint.count"); got != 1 {
		t.Fatalf("forced checkpoint did not run: count %d", got)
	}

	if err := s.BeginTransaction(""); err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := s.Checkpoint(""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("checkpoint in txn: got %v, want InvalidState", err)
	}
}

func TestTruncateTable(t *testing.T) {
	c := testConn(t)
	s := testSession(t, c)
	if err := s.CreateTable("t", "key_format=S,value_format=S"); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		put(t, s, "t", k, "v")
	}

	// Bound the range [b, d] with positioned cursors.
	lo, _ := s.OpenCursor("table:t", nil, "")
	lo.SetKey("b")
	if err := lo.Search(); err != nil {
		t.Fatalf("Search(b): %v", err)
	}
	hi, _ := s.OpenCursor("table:t", nil, "")
	hi.SetKey("d")
	if err := hi.Search(); err != nil {
		t.Fatalf("Search(d): %v", err)
	}
	if err := s.TruncateTable("t", lo, hi, ""); err != nil {
		t.Fatalf("TruncateTable: %v", err)
	}
	lo.Close("")
	hi.Close("")

	cur, _ := s.OpenCursor("table:t", nil, "")
	var left []string
	for cur.Next() == nil {
		k, err := cur.GetKey()
		if err != nil {
			t.Fatalf("GetKey: %v", err)
		}
		left = append(left, k[0].Str)
	}
	if len(left) != 2 || left[0] != "a" || left[1] != "e" {
		t.Fatalf("after truncate: got %v, want [a e]", left)
	}

	// Unbounded truncate empties the table.
	if err := s.TruncateTable("t", nil, nil, ""); err != nil {
		t.Fatalf("full TruncateTable: %v", err)
	}
	if err := cur.First(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("First on truncated table: got %v, want NotFound", err)
	}
}

func TestSessionClose(t *testing.T) {
	c := testConn(t)
	s := testSession(t, c)
	if err := s.CreateTable("t", "key_format=S,value_format=S"); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	cur, err := s.OpenCursor("table:t", nil, "")
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	if err := s.Close(""); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := cur.GetKey(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cursor after session close: got %v, want InvalidState", err)
	}
	if err := s.Close(""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double session close: got %v, want InvalidState", err)
	}
}
