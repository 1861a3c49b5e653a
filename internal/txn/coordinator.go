// Package txn coordinates transactions: per-session state, isolation,
// priority-based conflict resolution and commit/rollback application
// against the version stores.
package txn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/myuser/emberkv/internal/storage"
)

var (
	// ErrConflict is an optimistic write/commit conflict: roll back and
	// retry the whole transaction.
	ErrConflict = errors.New("txn: update conflict")
	// ErrDeadlock is a detected cycle of mutual conflicts: this
	// transaction was chosen to fail and must roll back.
	ErrDeadlock = errors.New("txn: deadlock")
)

// Isolation selects what committed or in-flight state a read observes.
type Isolation int

const (
	Serializable Isolation = iota // default
	Snapshot
	ReadCommitted
	ReadUncommitted
)

func (i Isolation) String() string {
	switch i {
	case Serializable:
		return "serializable"
	case Snapshot:
		return "snapshot"
	case ReadCommitted:
		return "read-committed"
	case ReadUncommitted:
		return "read-uncommitted"
	}
	return "unknown"
}

// ParseIsolation maps a configuration word to an isolation level.
func ParseIsolation(s string) (Isolation, error) {
	switch s {
	case "serializable":
		return Serializable, nil
	case "snapshot":
		return Snapshot, nil
	case "read-committed":
		return ReadCommitted, nil
	case "read-uncommitted":
		return ReadUncommitted, nil
	}
	return 0, fmt.Errorf("txn: unknown isolation level %q", s)
}

// SyncMode controls how commit log records reach stable storage.
type SyncMode int

const (
	SyncFull SyncMode = iota // default
	SyncFlush
	SyncWrite
	SyncNone
)

// ParseSync maps a configuration word to a sync mode.
func ParseSync(s string) (SyncMode, error) {
	switch s {
	case "full":
		return SyncFull, nil
	case "flush":
		return SyncFlush, nil
	case "write":
		return SyncWrite, nil
	case "none":
		return SyncNone, nil
	}
	return 0, fmt.Errorf("txn: unknown sync mode %q", s)
}

// LogOp is one write in a commit log record.
type LogOp struct {
	Table string `msgpack:"t"`
	Key   []byte `msgpack:"k"`
	Value []byte `msgpack:"v"`
	Tomb  bool   `msgpack:"d"`
}

// LogRecord is a committed transaction as logged.
type LogRecord struct {
	Ts  uint64  `msgpack:"ts"`
	Ops []LogOp `msgpack:"ops"`
}

type write struct {
	store *storage.Store
	table string
	key   []byte
	value []byte
	tomb  bool
}

// Txn is one active transaction. Confined to its owning session's thread;
// only the Manager's shared tables need locking.
type Txn struct {
	ID        string
	Name      string
	Isolation Isolation
	Priority  int
	Sync      SyncMode
	ReadTs    uint64
	Started   time.Time

	mgr        *Manager
	writes     []write
	stores     map[*storage.Store]struct{}
	conflicted bool // an unresolved conflict was hit; commit must fail
	committing bool // commit in progress; guarded by mgr.mu
}

// Manager owns the commit timestamp oracle and the conflict bookkeeping
// shared by all sessions of a connection.
type Manager struct {
	mu     sync.Mutex
	clock  uint64
	active map[string]*Txn
	doomed map[string]bool
	// conflict edges between active transactions, for cycle detection
	edges map[string]map[string]bool

	// AppendLog, when set, receives each commit's log record. sync asks
	// for an fsync before the commit returns.
	AppendLog func(rec []byte, sync bool) error
}

func NewManager() *Manager {
	return &Manager{
		clock:  1,
		active: make(map[string]*Txn),
		doomed: make(map[string]bool),
		edges:  make(map[string]map[string]bool),
	}
}

// Now returns the current committed timestamp horizon.
func (m *Manager) Now() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock
}

// next allocates a commit timestamp. Caller holds m.mu.
func (m *Manager) next() uint64 {
	m.clock++
	return m.clock
}

// AutoCommitTs allocates a timestamp for a single non-transactional write.
func (m *Manager) AutoCommitTs() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next()
}

// OldestReadTs is the lowest snapshot any active transaction may still
// read at. With no active transactions it is the current horizon.
func (m *Manager) OldestReadTs() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldest := m.clock
	for _, t := range m.active {
		if ts := t.ReadTimestamp(); ts < oldest {
			oldest = ts
		}
	}
	return oldest
}

// SetClock advances the oracle past a replayed commit timestamp.
func (m *Manager) SetClock(ts uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts > m.clock {
		m.clock = ts
	}
}

// Begin starts a transaction. The session guarantees it is not already in
// one (begin on an active session is a no-op at that layer).
func (m *Manager) Begin(iso Isolation, priority int, name string, sync SyncMode) *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &Txn{
		ID:        uuid.NewString(),
		Name:      name,
		Isolation: iso,
		Priority:  priority,
		Sync:      sync,
		ReadTs:    m.clock,
		Started:   time.Now(),
		mgr:       m,
		stores:    make(map[*storage.Store]struct{}),
	}
	m.active[t.ID] = t
	return t
}

// ReadTimestamp is the snapshot a read should use: fixed at begin for
// snapshot and serializable, the latest committed horizon otherwise.
func (t *Txn) ReadTimestamp() uint64 {
	switch t.Isolation {
	case Snapshot, Serializable:
		return t.ReadTs
	}
	return ^uint64(0)
}

// ReadsIntents reports whether reads observe other transactions'
// uncommitted writes.
func (t *Txn) ReadsIntents() bool { return t.Isolation == ReadUncommitted }

// writeCheckTs is the snapshot staleness horizon for writes. Levels
// without a fixed snapshot accept any committed predecessor.
func (t *Txn) writeCheckTs() uint64 {
	switch t.Isolation {
	case Snapshot, Serializable:
		return t.ReadTs
	}
	return ^uint64(0)
}

// Write stages one write. A conflicting foreign intent is resolved by
// priority: the lower-priority side fails. A detected conflict cycle
// fails with ErrDeadlock instead. Either failure also marks this
// transaction so its commit fails.
func (t *Txn) Write(st *storage.Store, table string, key, value []byte, tomb bool) error {
	err := st.SetIntent(key, value, tomb, t.ID, t.Priority, t.writeCheckTs())
	if err == nil {
		t.record(st, table, key, value, tomb)
		return nil
	}
	conflict, ok := err.(*storage.Conflict)
	if !ok {
		return err
	}
	if conflict.Owner == "" {
		// Stale snapshot: a newer version committed behind our back.
		t.conflicted = true
		return ErrConflict
	}

	won, err := t.mgr.resolve(t, conflict.Owner, conflict.Priority)
	if err != nil {
		t.conflicted = true
		return err
	}
	if !won {
		t.conflicted = true
		return ErrConflict
	}
	// Owner is gone or doomed; take the intent.
	st.StealIntent(key, value, tomb, t.ID, t.Priority)
	t.record(st, table, key, value, tomb)
	return nil
}

func (t *Txn) record(st *storage.Store, table string, key, value []byte, tomb bool) {
	t.stores[st] = struct{}{}
	t.writes = append(t.writes, write{
		store: st,
		table: table,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
		tomb:  tomb,
	})
}

// resolve decides a conflict between t and the owner of an intent.
// Returns retry=true when t may steal the intent.
func (m *Manager) resolve(t *Txn, ownerID string, ownerPriority int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner, alive := m.active[ownerID]
	if !alive || m.doomed[ownerID] {
		// Owner already finished or is going to fail anyway.
		return true, nil
	}
	if owner.committing {
		// The owner passed its conflict checks and its writes are being
		// installed; it can no longer lose. We do.
		return false, nil
	}

	// Record the conflict edge and look for a cycle of mutual conflicts.
	if m.edges[t.ID] == nil {
		m.edges[t.ID] = make(map[string]bool)
	}
	m.edges[t.ID][ownerID] = true
	if m.edges[ownerID][t.ID] {
		// Mutual conflict: the lower-priority participant dies.
		if t.Priority <= owner.Priority {
			return false, ErrDeadlock
		}
		m.doomed[ownerID] = true
		return true, nil
	}

	if t.Priority > owner.Priority {
		// Higher priority wins the tie-break: doom the owner, take over.
		m.doomed[ownerID] = true
		return true, nil
	}
	return false, nil
}

// Doomed reports whether a competing transaction has claimed victory over
// this one; commit must fail.
func (t *Txn) Doomed() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	return t.mgr.doomed[t.ID]
}

// Commit applies every staged write atomically at a fresh timestamp. If
// this transaction hit an unresolved conflict, or lost a priority fight,
// commit fails with ErrConflict and the transaction is rolled back:
// callers observe either all of its effects or none.
func (t *Txn) Commit() (uint64, error) {
	m := t.mgr
	m.mu.Lock()
	if t.conflicted || m.doomed[t.ID] {
		m.mu.Unlock()
		t.Rollback()
		return 0, ErrConflict
	}
	commitTs := m.next()
	// Stay registered until the stores have the committed versions: a
	// concurrent writer hitting one of our intents must still see us as
	// alive, or it would steal the intent and the update would be lost.
	t.committing = true
	m.mu.Unlock()

	// Log before applying: a replay may redo a commit, never lose one.
	if m.AppendLog != nil && len(t.writes) > 0 && t.Sync != SyncNone {
		rec := LogRecord{Ts: commitTs}
		for _, w := range t.writes {
			rec.Ops = append(rec.Ops, LogOp{Table: w.table, Key: w.key, Value: w.value, Tomb: w.tomb})
		}
		data, err := msgpack.Marshal(rec)
		if err == nil {
			err = m.AppendLog(data, t.Sync == SyncFull || t.Sync == SyncFlush)
		}
		if err != nil {
			// Durability failed: discard the intents rather than exposing
			// a commit the log never saw.
			for st := range t.stores {
				st.Abort(t.ID)
			}
			m.mu.Lock()
			m.finish(t)
			m.mu.Unlock()
			return 0, err
		}
	}

	for st := range t.stores {
		st.Commit(t.ID, commitTs)
	}
	m.mu.Lock()
	m.finish(t)
	m.mu.Unlock()
	return commitTs, nil
}

// Rollback discards every staged write.
func (t *Txn) Rollback() {
	m := t.mgr
	m.mu.Lock()
	m.finish(t)
	m.mu.Unlock()

	for st := range t.stores {
		st.Abort(t.ID)
	}
}

// finish drops the transaction from the shared tables. Caller holds m.mu.
func (m *Manager) finish(t *Txn) {
	delete(m.active, t.ID)
	delete(m.doomed, t.ID)
	delete(m.edges, t.ID)
	for _, peers := range m.edges {
		delete(peers, t.ID)
	}
}
