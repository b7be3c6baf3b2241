// Package registry tracks the liveness of engine connections so that
// goroutines other than the owning worker can check a connection before
// acting on it.
package registry

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// ID identifies a connection for its whole lifetime.
type ID uint64

// Entry is the liveness record of one connection.
type Entry[S any] struct {
	Status   S
	Owner    any
	Version  uint64
	Pins     int
	Activity time.Time
	Retired  bool
}

// Registry maps connection ids to entries. Every method is safe for
// concurrent use; updates run under a per-key lock only.
type Registry[S any] struct {
	m *xsync.Map[ID, Entry[S]]
}

// New returns an empty registry.
func New[S any]() *Registry[S] {
	return &Registry[S]{m: xsync.NewMap[ID, Entry[S]]()}
}

// Register records a new connection with version 1. An existing entry
// under the same id is replaced.
func (r *Registry[S]) Register(id ID, owner any, status S) Entry[S] {
	e := Entry[S]{Status: status, Owner: owner, Version: 1, Activity: time.Now()}
	r.m.Store(id, e)
	return e
}

// Rebind bumps the version tag so that handles issued for the previous
// request stop matching. It fails for unknown or retired entries.
func (r *Registry[S]) Rebind(id ID, owner any) (uint64, bool) {
	var version uint64
	r.m.Compute(id, func(e Entry[S], loaded bool) (Entry[S], xsync.ComputeOp) {
		if !loaded || e.Retired {
			return e, xsync.CancelOp
		}
		e.Version++
		e.Owner = owner
		version = e.Version
		return e, xsync.UpdateOp
	})
	return version, version != 0
}

// Check returns the entry only if it exists, is not retired, and matches
// both owner and version. A false result means the caller's handle is
// stale and the operation must be skipped.
func (r *Registry[S]) Check(id ID, owner any, version uint64) (Entry[S], bool) {
	e, ok := r.m.Load(id)
	if !ok || e.Retired || e.Owner != owner || e.Version != version {
		return Entry[S]{}, false
	}
	return e, true
}

// Lookup returns the entry regardless of owner or version.
func (r *Registry[S]) Lookup(id ID) (Entry[S], bool) {
	return r.m.Load(id)
}

// SetStatus mirrors the connection status.
func (r *Registry[S]) SetStatus(id ID, status S) bool {
	return r.update(id, func(e *Entry[S]) { e.Status = status })
}

// Touch records activity on the connection.
func (r *Registry[S]) Touch(id ID, t time.Time) bool {
	return r.update(id, func(e *Entry[S]) { e.Activity = t })
}

// Pin records an external holder, such as a pool slot.
func (r *Registry[S]) Pin(id ID) bool {
	return r.update(id, func(e *Entry[S]) { e.Pins++ })
}

// Unpin drops an external holder. It reports true when this released the
// last pin of a retired entry, which removes it; the caller may then
// drop the connection.
func (r *Registry[S]) Unpin(id ID) bool {
	removed := false
	r.m.Compute(id, func(e Entry[S], loaded bool) (Entry[S], xsync.ComputeOp) {
		if !loaded {
			return e, xsync.CancelOp
		}
		if e.Pins > 0 {
			e.Pins--
		}
		if e.Retired && e.Pins == 0 {
			removed = true
			return e, xsync.DeleteOp
		}
		return e, xsync.UpdateOp
	})
	return removed
}

// Retire is called by the owning worker once it stopped driving the
// connection. The entry is removed immediately when nothing pins it,
// otherwise on the last Unpin.
func (r *Registry[S]) Retire(id ID, status S) bool {
	removed := false
	r.m.Compute(id, func(e Entry[S], loaded bool) (Entry[S], xsync.ComputeOp) {
		if !loaded {
			return e, xsync.CancelOp
		}
		if e.Pins == 0 {
			removed = true
			return e, xsync.DeleteOp
		}
		e.Retired = true
		e.Status = status
		return e, xsync.UpdateOp
	})
	return removed
}

// Len returns the number of tracked connections.
func (r *Registry[S]) Len() int {
	return r.m.Size()
}

// Range calls f for every entry until f returns false.
func (r *Registry[S]) Range(f func(id ID, e Entry[S]) bool) {
	r.m.Range(f)
}

func (r *Registry[S]) update(id ID, f func(*Entry[S])) bool {
	found := false
	r.m.Compute(id, func(e Entry[S], loaded bool) (Entry[S], xsync.ComputeOp) {
		if !loaded {
			return e, xsync.CancelOp
		}
		found = true
		f(&e)
		return e, xsync.UpdateOp
	})
	return found
}
