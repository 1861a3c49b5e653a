package storage

import (
	"bytes"
	"fmt"
	"math"
	"sync"

	"github.com/google/btree"
)

// Compare orders user keys. The default is bytes.Compare; a table with a
// registered collator substitutes its own.
type Compare func(a, b []byte) int

// Conflict reports an optimistic write conflict: either a foreign write
// intent owns the key, or a version newer than the writer's snapshot has
// committed. Retryable after rollback.
type Conflict struct {
	Owner    string // intent holder's txn ID, empty for a stale-snapshot conflict
	Priority int    // intent holder's priority
}

func (c *Conflict) Error() string {
	if c.Owner == "" {
		return "storage: newer committed version conflicts with snapshot"
	}
	return fmt.Sprintf("storage: key locked by txn %s", c.Owner)
}

// Lock is a write intent: the staged value plus the owning transaction.
type Lock struct {
	TxnID     string
	Priority  int
	Value     []byte
	Tombstone bool
}

// Entry is one visible record.
type Entry struct {
	Key   []byte
	Value []byte
}

// Store is one table's version store: an ordered tree of committed MVCC
// versions plus a lock table of in-flight write intents. Uncommitted data
// lives only in the lock table, so isolation reduces to a read timestamp
// plus an intent-visibility rule.
type Store struct {
	mu    sync.RWMutex
	tree  *btree.BTree
	locks map[string]Lock
	cmp   Compare
}

// item is one version in the tree: EncodeKey(user key, ts) plus the value.
type item struct {
	key   []byte
	value []byte
	tomb  bool
	cmp   Compare
}

func (i *item) Less(than btree.Item) bool {
	o := than.(*item)
	ak, ats := DecodeKey(i.key)
	bk, bts := DecodeKey(o.key)
	if c := i.cmp(ak, bk); c != 0 {
		return c < 0
	}
	// Same user key: inverted timestamp order, newest first.
	return ats > bts
}

func NewStore(cmp Compare) *Store {
	if cmp == nil {
		cmp = bytes.Compare
	}
	return &Store{
		tree:  btree.New(32),
		locks: make(map[string]Lock),
		cmp:   cmp,
	}
}

// Comparator exposes the store's key ordering, for callers that need to
// bound iteration by user key.
func (s *Store) Comparator() Compare { return s.cmp }

// SetIntent stages a write for txnID. Fails with *Conflict if another
// transaction's intent owns the key, or if a version newer than readTs has
// already committed (the writer's snapshot is stale). Re-staging our own
// intent overwrites it.
func (s *Store) SetIntent(key, value []byte, tomb bool, txnID string, priority int, readTs uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	if lock, ok := s.locks[k]; ok && lock.TxnID != txnID {
		return &Conflict{Owner: lock.TxnID, Priority: lock.Priority}
	}
	if ts, ok := s.newestTsLocked(key); ok && ts > readTs {
		return &Conflict{}
	}
	s.locks[k] = Lock{TxnID: txnID, Priority: priority, Value: value, Tombstone: tomb}
	return nil
}

// StealIntent replaces a foreign intent. Only valid after the caller has
// doomed the previous owner; the owner's other intents are untouched and
// disappear on its rollback.
func (s *Store) StealIntent(key, value []byte, tomb bool, txnID string, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[string(key)] = Lock{TxnID: txnID, Priority: priority, Value: value, Tombstone: tomb}
}

// IntentOwner returns the lock on key, if any.
func (s *Store) IntentOwner(key []byte) (Lock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lock, ok := s.locks[string(key)]
	return lock, ok
}

// Commit converts every intent owned by txnID into a version at commitTs.
func (s *Store) Commit(txnID string, commitTs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, lock := range s.locks {
		if lock.TxnID != txnID {
			continue
		}
		s.tree.ReplaceOrInsert(&item{
			key:   EncodeKey([]byte(k), commitTs),
			value: lock.Value,
			tomb:  lock.Tombstone,
			cmp:   s.cmp,
		})
		delete(s.locks, k)
	}
}

// Abort discards every intent owned by txnID.
func (s *Store) Abort(txnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, lock := range s.locks {
		if lock.TxnID == txnID {
			delete(s.locks, k)
		}
	}
}

// Apply writes a committed version directly, for autocommit operations
// outside any transaction. A foreign intent on the key is a *Conflict.
func (s *Store) Apply(key, value []byte, tomb bool, commitTs uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[string(key)]; ok {
		return &Conflict{Owner: lock.TxnID, Priority: lock.Priority}
	}
	s.tree.ReplaceOrInsert(&item{
		key:   EncodeKey(key, commitTs),
		value: value,
		tomb:  tomb,
		cmp:   s.cmp,
	})
	return nil
}

// Get returns the value of key visible at readTs. The caller's own intent
// is always visible; foreign intents only under readIntents
// (read-uncommitted). A tombstone reads as not found.
func (s *Store) Get(key []byte, readTs uint64, txnID string, readIntents bool) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(key, readTs, txnID, readIntents)
}

func (s *Store) getLocked(key []byte, readTs uint64, txnID string, readIntents bool) ([]byte, bool) {
	if lock, ok := s.locks[string(key)]; ok {
		if (txnID != "" && lock.TxnID == txnID) || readIntents {
			if lock.Tombstone {
				return nil, false
			}
			return lock.Value, true
		}
		// Foreign intent, not readable at this isolation: fall through to
		// the latest committed version.
	}
	val, tomb, ok := s.visibleLocked(key, readTs)
	if !ok || tomb {
		return nil, false
	}
	return val, true
}

// visibleLocked finds the newest committed version of key at or before
// readTs. Caller holds s.mu.
func (s *Store) visibleLocked(key []byte, readTs uint64) (val []byte, tomb bool, found bool) {
	seek := &item{key: EncodeKey(key, readTs), cmp: s.cmp}
	s.tree.AscendGreaterOrEqual(seek, func(i btree.Item) bool {
		it := i.(*item)
		uk, _ := DecodeKey(it.key)
		if s.cmp(uk, key) != 0 {
			return false // different key, no visible version
		}
		val, tomb, found = it.value, it.tomb, true
		return false // newest visible version, stop
	})
	return val, tomb, found
}

// newestTsLocked returns the commit timestamp of the newest version of key.
func (s *Store) newestTsLocked(key []byte) (uint64, bool) {
	var ts uint64
	found := false
	seek := &item{key: EncodeKey(key, math.MaxUint64), cmp: s.cmp}
	s.tree.AscendGreaterOrEqual(seek, func(i btree.Item) bool {
		it := i.(*item)
		uk, vts := DecodeKey(it.key)
		if s.cmp(uk, key) != 0 {
			return false
		}
		ts, found = vts, true
		return false
	})
	return ts, found
}

// Exists reports whether key has a live (non-tombstone) record visible at
// readTs under the caller's intent-visibility rule.
func (s *Store) Exists(key []byte, readTs uint64, txnID string, readIntents bool) bool {
	_, ok := s.Get(key, readTs, txnID, readIntents)
	return ok
}

// Next returns the smallest live record with key >= from (or > from when
// inclusive is false). A nil from with inclusive set starts at the front.
func (s *Store) Next(from []byte, inclusive bool, readTs uint64, txnID string, readIntents bool) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, incl := from, inclusive
	for {
		k, ok := s.candidateAfterLocked(cur, incl, txnID, readIntents)
		if !ok {
			return Entry{}, false
		}
		if val, live := s.getLocked(k, readTs, txnID, readIntents); live {
			return Entry{Key: k, Value: val}, true
		}
		// Tombstoned or invisible at this snapshot: step past it.
		cur, incl = k, false
	}
}

// Prev returns the largest live record with key <= from (or < from when
// inclusive is false). A nil from with inclusive set starts at the back.
func (s *Store) Prev(from []byte, inclusive bool, readTs uint64, txnID string, readIntents bool) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, incl := from, inclusive
	for {
		k, ok := s.candidateBeforeLocked(cur, incl, txnID, readIntents)
		if !ok {
			return Entry{}, false
		}
		if val, live := s.getLocked(k, readTs, txnID, readIntents); live {
			return Entry{Key: k, Value: val}, true
		}
		cur, incl = k, false
	}
}

// First and Last are the traversal entry points.
func (s *Store) First(readTs uint64, txnID string, readIntents bool) (Entry, bool) {
	return s.Next(nil, true, readTs, txnID, readIntents)
}

func (s *Store) Last(readTs uint64, txnID string, readIntents bool) (Entry, bool) {
	return s.Prev(nil, true, readTs, txnID, readIntents)
}

// candidateAfterLocked merges the tree's user keys with the visible intent
// keys and returns the smallest candidate after cur. Visibility of the
// candidate's value is the caller's problem; this only orders keys.
func (s *Store) candidateAfterLocked(cur []byte, incl bool, txnID string, readIntents bool) ([]byte, bool) {
	var best []byte
	found := false
	consider := func(k []byte) {
		if cur != nil || !incl {
			c := s.cmp(k, cur)
			if c < 0 || (c == 0 && !incl) {
				return
			}
		}
		if !found || s.cmp(k, best) < 0 {
			best, found = k, true
		}
	}

	// Tree side: seek to the first version at or after cur.
	var seek *item
	if cur == nil && incl {
		seek = nil
	} else if incl {
		seek = &item{key: EncodeKey(cur, math.MaxUint64), cmp: s.cmp}
	} else {
		seek = &item{key: EncodeKey(cur, 0), cmp: s.cmp}
	}
	walk := func(i btree.Item) bool {
		uk, _ := DecodeKey(i.(*item).key)
		consider(uk)
		return false // first qualifying user key is enough
	}
	if seek == nil {
		s.tree.Ascend(walk)
	} else {
		s.tree.AscendGreaterOrEqual(seek, walk)
	}

	// Intent side: staged inserts may precede every committed key.
	for k, lock := range s.locks {
		if (txnID != "" && lock.TxnID == txnID) || readIntents {
			consider([]byte(k))
		}
	}
	return best, found
}

func (s *Store) candidateBeforeLocked(cur []byte, incl bool, txnID string, readIntents bool) ([]byte, bool) {
	var best []byte
	found := false
	consider := func(k []byte) {
		if cur != nil || !incl {
			c := s.cmp(k, cur)
			if c > 0 || (c == 0 && !incl) {
				return
			}
		}
		if !found || s.cmp(k, best) > 0 {
			best, found = k, true
		}
	}

	walk := func(i btree.Item) bool {
		uk, _ := DecodeKey(i.(*item).key)
		if cur != nil && !incl && s.cmp(uk, cur) >= 0 {
			return true // pivot aliasing, keep descending
		}
		consider(uk)
		return false
	}
	if cur == nil && incl {
		s.tree.Descend(walk)
	} else if incl {
		// EncodeKey(cur, 0) sorts after every version of cur.
		s.tree.DescendLessOrEqual(&item{key: EncodeKey(cur, 0), cmp: s.cmp}, walk)
	} else {
		s.tree.DescendLessOrEqual(&item{key: EncodeKey(cur, math.MaxUint64), cmp: s.cmp}, walk)
	}

	for k, lock := range s.locks {
		if (txnID != "" && lock.TxnID == txnID) || readIntents {
			consider([]byte(k))
		}
	}
	return best, found
}

// Dump iterates every committed version in tree order, for checkpointing.
func (s *Store) Dump(fn func(encodedKey, value []byte, tomb bool) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tree.Ascend(func(i btree.Item) bool {
		it := i.(*item)
		return fn(it.key, it.value, it.tomb)
	})
}

// Ingest blindly installs a committed version by encoded key, for
// checkpoint restore.
func (s *Store) Ingest(encodedKey, value []byte, tomb bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.ReplaceOrInsert(&item{key: encodedKey, value: value, tomb: tomb, cmp: s.cmp})
}

// RunGC removes versions shadowed as of safeTs, keeping the newest version
// at or before safeTs for each key plus everything newer.
func (s *Store) RunGC(safeTs uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []btree.Item
	var curKey []byte
	haveSnapshot := false

	s.tree.Ascend(func(i btree.Item) bool {
		it := i.(*item)
		uk, ts := DecodeKey(it.key)
		if curKey == nil || s.cmp(uk, curKey) != 0 {
			curKey = uk
			haveSnapshot = false
		}
		if ts <= safeTs {
			if !haveSnapshot {
				haveSnapshot = true
				// A tombstone as the snapshot version means the key is dead
				// at safeTs and the marker itself can go too.
				if it.tomb {
					doomed = append(doomed, i)
				}
			} else {
				doomed = append(doomed, i)
			}
		}
		return true
	})

	for _, i := range doomed {
		s.tree.Delete(i)
	}
	return len(doomed)
}

// VersionCount is the number of stored versions (not live records).
func (s *Store) VersionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// LiveCount walks the store and counts records visible at readTs.
func (s *Store) LiveCount(readTs uint64) int {
	n := 0
	for e, ok := s.First(readTs, "", false); ok; e, ok = s.Next(e.Key, false, readTs, "", false) {
		n++
	}
	return n
}
