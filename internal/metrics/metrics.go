// Package metrics is the statistics registry backing "statistics:" cursors.
// Keys are statistic names, values are 64-bit signed counters.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Registry holds named counters. Safe for concurrent use from any session.
type Registry struct {
	counters sync.Map // string -> *int64
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Inc increments a counter by 1.
func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

// Add adds delta to a counter.
func (r *Registry) Add(name string, delta int64) {
	val, ok := r.counters.Load(name)
	if !ok {
		val, _ = r.counters.LoadOrStore(name, new(int64))
	}
	atomic.AddInt64(val.(*int64), delta)
}

// Set overwrites a counter.
func (r *Registry) Set(name string, v int64) {
	val, ok := r.counters.Load(name)
	if !ok {
		val, _ = r.counters.LoadOrStore(name, new(int64))
	}
	atomic.StoreInt64(val.(*int64), v)
}

// Get returns the current value of a counter.
func (r *Registry) Get(name string) int64 {
	val, ok := r.counters.Load(name)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(val.(*int64))
}

// Stat is one snapshot entry.
type Stat struct {
	Name  string
	Value int64
}

// Snapshot returns all counters, sorted by name, optionally filtered to a
// prefix. The sort gives statistics cursors a stable traversal order.
func (r *Registry) Snapshot(prefix string) []Stat {
	var out []Stat
	r.counters.Range(func(key, value any) bool {
		name := key.(string)
		if prefix != "" && (len(name) < len(prefix) || name[:len(prefix)] != prefix) {
			return true
		}
		out = append(out, Stat{Name: name, Value: atomic.LoadInt64(value.(*int64))})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
