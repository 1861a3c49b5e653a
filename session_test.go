package emberkv

import (
	"errors"
	"testing"
)

func TestTransactionCommitVisibility(t *testing.T) {
	c := testConn(t)
	writer := testSession(t, c)
	reader := testSession(t, c)
	numTable(t, writer)

	if err := writer.BeginTransaction(""); err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	wc, _ := writer.OpenCursor("table:nums", nil, "")
	wc.SetKey(uint64(1))
	wc.SetValue("one")
	if err := wc.Insert(); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// The write is invisible to other sessions until commit.
	rc, _ := reader.OpenCursor("table:nums", nil, "")
	rc.SetKey(uint64(1))
	if err := rc.Search(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("uncommitted write visible: %v", err)
	}
	// But visible to its own transaction.
	own, _ := writer.OpenCursor("table:nums", nil, "")
	own.SetKey(uint64(1))
	if err := own.Search(); err != nil {
		t.Fatalf("own write invisible: %v", err)
	}

	if err := writer.CommitTransaction(""); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}
	rc.SetKey(uint64(1))
	if err := rc.Search(); err != nil {
		t.Fatalf("committed write invisible: %v", err)
	}
}

func TestTransactionRollback(t *testing.T) {
	c := testConn(t)
	s := testSession(t, c)
	numTable(t, s)
	put(t, s, "nums", uint64(1), "one")

	if err := s.BeginTransaction(""); err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	cur, _ := s.OpenCursor("table:nums", nil, "overwrite")
	cur.SetKey(uint64(1))
	cur.SetValue("uno")
	if err := cur.Insert(); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	cur.SetKey(uint64(2))
	cur.SetValue("two")
	if err := cur.Insert(); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.RollbackTransaction(""); err != nil {
		t.Fatalf("RollbackTransaction: %v", err)
	}

	check, _ := s.OpenCursor("table:nums", nil, "")
	check.SetKey(uint64(1))
	if err := check.Search(); err != nil {
		t.Fatalf("Search: %v", err)
	}
	v, _ := check.GetValue()
	if v[0].Str != "one" {
		t.Fatalf("rolled-back overwrite stuck: got %q", v[0].Str)
	}
	check.SetKey(uint64(2))
	if err := check.Search(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rolled-back insert stuck: %v", err)
	}
}

func TestCommitClosesTransactionCursors(t *testing.T) {
	c := testConn(t)
	s := testSession(t, c)
	numTable(t, s)

	// Opened outside the transaction: survives commit.
	outside, _ := s.OpenCursor("table:nums", nil, "")

	if err := s.BeginTransaction(""); err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	inside, _ := s.OpenCursor("table:nums", nil, "")
	inside.SetKey(uint64(1))
	inside.SetValue("one")
	if err := inside.Insert(); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.CommitTransaction(""); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}

	if _, err := inside.GetKey(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("txn cursor after commit: got %v, want InvalidState", err)
	}
	outside.SetKey(uint64(1))
	if err := outside.Search(); err != nil {
		t.Fatalf("outside cursor after commit: %v", err)
	}
}

func TestBeginCommitRollbackNoOps(t *testing.T) {
	c := testConn(t)
	s := testSession(t, c)

	// Commit and rollback outside a transaction are no-ops.
	if err := s.CommitTransaction(""); err != nil {
		t.Fatalf("idle CommitTransaction: %v", err)
	}
	if err := s.RollbackTransaction(""); err != nil {
		t.Fatalf("idle RollbackTransaction: %v", err)
	}

	if err := s.BeginTransaction("isolation=snapshot,priority=10"); err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	// Begin inside a transaction is a no-op, keeping the original.
	if err := s.BeginTransaction("isolation=read-committed"); err != nil {
		t.Fatalf("nested BeginTransaction: %v", err)
	}
	if s.txn.Priority != 10 {
		t.Fatalf("nested begin replaced the transaction")
	}
	if err := s.RollbackTransaction(""); err != nil {
		t.Fatalf("RollbackTransaction: %v", err)
	}

	if err := s.BeginTransaction("priority=500"); !errors.Is(err, ErrConfig) {
		t.Fatalf("out-of-range priority: got %v, want ConfigError", err)
	}
}

func TestUpdateConflict(t *testing.T) {
	c := testConn(t)
	s1 := testSession(t, c)
	s2 := testSession(t, c)
	numTable(t, s1)

	if err := s1.BeginTransaction(""); err != nil {
		t.Fatalf("s1 begin: %v", err)
	}
	if err := s2.BeginTransaction(""); err != nil {
		t.Fatalf("s2 begin: %v", err)
	}

	c1, _ := s1.OpenCursor("table:nums", nil, "")
	c1.SetKey(uint64(1))
	c1.SetValue("first")
	if err := c1.Insert(); err != nil {
		t.Fatalf("s1 Insert: %v", err)
	}

	// Same key from the second transaction: equal priority, the later
	// writer loses at write time.
	c2, _ := s2.OpenCursor("table:nums", nil, "")
	c2.SetKey(uint64(1))
	c2.SetValue("second")
	if err := c2.Insert(); !errors.Is(err, ErrConflict) {
		t.Fatalf("s2 Insert: got %v, want Conflict", err)
	}

	// The loser's commit also fails and leaves it rolled back.
	if err := s2.CommitTransaction(""); !errors.Is(err, ErrConflict) {
		t.Fatalf("s2 commit: got %v, want Conflict", err)
	}
	if err := s1.CommitTransaction(""); err != nil {
		t.Fatalf("s1 commit: %v", err)
	}

	// No update lost: the winner's value survives.
	check, _ := s1.OpenCursor("table:nums", nil, "")
	check.SetKey(uint64(1))
	if err := check.Search(); err != nil {
		t.Fatalf("Search: %v", err)
	}
	v, _ := check.GetValue()
	if v[0].Str != "first" {
		t.Fatalf("surviving value: got %q, want %q", v[0].Str, "first")
	}
}

func TestPriorityWinsConflict(t *testing.T) {
	c := testConn(t)
	low := testSession(t, c)
	high := testSession(t, c)
	numTable(t, low)

	if err := low.BeginTransaction("priority=-50"); err != nil {
		t.Fatalf("low begin: %v", err)
	}
	if err := high.BeginTransaction("priority=50"); err != nil {
		t.Fatalf("high begin: %v", err)
	}

	lc, _ := low.OpenCursor("table:nums", nil, "")
	lc.SetKey(uint64(1))
	lc.SetValue("low")
	if err := lc.Insert(); err != nil {
		t.Fatalf("low Insert: %v", err)
	}

	// The higher-priority writer takes the key from the lower one.
	hc, _ := high.OpenCursor("table:nums", nil, "")
	hc.SetKey(uint64(1))
	hc.SetValue("high")
	if err := hc.Insert(); err != nil {
		t.Fatalf("high Insert: %v", err)
	}

	if err := high.CommitTransaction(""); err != nil {
		t.Fatalf("high commit: %v", err)
	}
	if err := low.CommitTransaction(""); !errors.Is(err, ErrConflict) {
		t.Fatalf("low commit: got %v, want Conflict", err)
	}

	check, _ := low.OpenCursor("table:nums", nil, "")
	check.SetKey(uint64(1))
	if err := check.Search(); err != nil {
		t.Fatalf("Search: %v", err)
	}
	v, _ := check.GetValue()
	if v[0].Str != "high" {
		t.Fatalf("surviving value: got %q, want %q", v[0].Str, "high")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	c := testConn(t)
	reader := testSession(t, c)
	writer := testSession(t, c)
	numTable(t, reader)
	put(t, reader, "nums", uint64(1), "old")

	if err := reader.BeginTransaction("isolation=snapshot"); err != nil {
		t.Fatalf("reader begin: %v", err)
	}
	rc, _ := reader.OpenCursor("table:nums", nil, "")
	rc.SetKey(uint64(1))
	if err := rc.Search(); err != nil {
		t.Fatalf("Search: %v", err)
	}

	// Committed after the snapshot was taken: must stay invisible.
	put(t, writer, "nums", uint64(1), "new")
	put(t, writer, "nums", uint64(2), "other")

	rc.SetKey(uint64(1))
	if err := rc.Search(); err != nil {
		t.Fatalf("Search: %v", err)
	}
	v, _ := rc.GetValue()
	if v[0].Str != "old" {
		t.Fatalf("snapshot read: got %q, want %q", v[0].Str, "old")
	}
	rc.SetKey(uint64(2))
	if err := rc.Search(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("snapshot read of later insert: got %v, want NotFound", err)
	}
	if err := reader.RollbackTransaction(""); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	// A read-committed transaction sees the latest committed state.
	if err := reader.BeginTransaction("isolation=read-committed"); err != nil {
		t.Fatalf("begin read-committed: %v", err)
	}
	rc2, _ := reader.OpenCursor("table:nums", nil, "")
	rc2.SetKey(uint64(1))
	if err := rc2.Search(); err != nil {
		t.Fatalf("Search: %v", err)
	}
	v, _ = rc2.GetValue()
	if v[0].Str != "new" {
		t.Fatalf("read-committed read: got %q, want %q", v[0].Str, "new")
	}
	reader.RollbackTransaction("")
}

func TestReadUncommittedSeesIntents(t *testing.T) {
	c := testConn(t)
	writer := testSession(t, c)
	reader := testSession(t, c)
	numTable(t, writer)

	if err := writer.BeginTransaction(""); err != nil {
		t.Fatalf("writer begin: %v", err)
	}
	wc, _ := writer.OpenCursor("table:nums", nil, "")
	wc.SetKey(uint64(1))
	wc.SetValue("dirty")
	if err := wc.Insert(); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := reader.BeginTransaction("isolation=read-uncommitted"); err != nil {
		t.Fatalf("reader begin: %v", err)
	}
	rc, _ := reader.OpenCursor("table:nums", nil, "")
	rc.SetKey(uint64(1))
	if err := rc.Search(); err != nil {
		t.Fatalf("dirty read failed: %v", err)
	}
	v, _ := rc.GetValue()
	if v[0].Str != "dirty" {
		t.Fatalf("dirty read: got %q", v[0].Str)
	}
	reader.RollbackTransaction("")
	writer.RollbackTransaction("")
}

func TestSnapshotCursorIsolationOption(t *testing.T) {
	c := testConn(t)
	s := testSession(t, c)
	w := testSession(t, c)
	numTable(t, s)
	put(t, s, "nums", uint64(1), "old")

	// A snapshot cursor outside any transaction pins its view at open.
	snap, err := s.OpenCursor("table:nums", nil, "isolation=snapshot")
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	put(t, w, "nums", uint64(1), "new")

	snap.SetKey(uint64(1))
	if err := snap.Search(); err != nil {
		t.Fatalf("Search: %v", err)
	}
	v, _ := snap.GetValue()
	if v[0].Str != "old" {
		t.Fatalf("pinned cursor read: got %q, want %q", v[0].Str, "old")
	}

	live, _ := s.OpenCursor("table:nums", nil, "")
	live.SetKey(uint64(1))
	if err := live.Search(); err != nil {
		t.Fatalf("Search: %v", err)
	}
	v, _ = live.GetValue()
	if v[0].Str != "new" {
		t.Fatalf("live cursor read: got %q, want %q", v[0].Str, "new")
	}
}
