// Package registry holds the sync-pair registry described in spec §4.B,
// ported from create_sync_info_store/add_sync_info/find_sync_info/
// deactivate_sync_info in original_source/src/sync_info.c, replacing the
// original's hand-rolled linked list with a mutex-guarded map keyed on
// the same (source_host, source_port, source_dir) identity the original
// scanned for linearly.
package registry

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rclone-labs/filesync/internal/dirspec"
)

// ErrAlreadyExists is returned by Add when a pair with the same source
// identity is already registered, active or not.
var ErrAlreadyExists = errors.New("registry: sync pair already exists")

// ErrNotFound is returned by Deactivate/Remove when no entry matches.
var ErrNotFound = errors.New("registry: sync pair not found")

// Key is the registry identity: (source host, source port, source dir).
type Key struct {
	Host string
	Port int
	Dir  string
}

func keyOf(source dirspec.Spec) Key {
	return Key{Host: source.Endpoint.Host, Port: source.Endpoint.Port, Dir: source.Dir}
}

// Entry is one declared sync pair. Values returned by Find/Snapshot are
// copies: callers never hold a live reference into the registry's
// internal storage, so nothing outside this package can observe or cause
// a data race on a mutating Add/Deactivate/Remove/RecordOutcome call.
type Entry struct {
	Source       dirspec.Spec
	Target       dirspec.Spec
	Active       bool
	LastSyncTime time.Time
	ErrorCount   int64
}

// Registry is the thread-safe set of declared sync pairs.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[Key]*Entry)}
}

// Add registers a new pair. It rejects a duplicate source identity
// regardless of the existing entry's Active state (sticky-until-shutdown:
// cancel never frees the identity for reuse — see spec §3).
func (r *Registry) Add(source, target dirspec.Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := keyOf(source)
	if _, ok := r.entries[k]; ok {
		return ErrAlreadyExists
	}
	r.entries[k] = &Entry{Source: source, Target: target, Active: true}
	return nil
}

// Find returns a copy of the entry matching source, if any.
func (r *Registry) Find(source dirspec.Spec) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[keyOf(source)]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Deactivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flight jobs for it still run to completion
// (spec §3/§5/§9 — cancel is advisory, not a cancellation).
func (r *Registry) Deactivate(source dirspec.Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[keyOf(source)]
	if !ok {
		return ErrNotFound
	}
	e.Active = false
	return nil
}

// Remove deletes the entry matching source outright. Provided for
// symmetry with the original store's API; the console path never calls
// it (cancel only deactivates).
func (r *Registry) Remove(source dirspec.Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := keyOf(source)
	if _, ok := r.entries[k]; !ok {
		return ErrNotFound
	}
	delete(r.entries, k)
	return nil
}

// RecordOutcome updates LastSyncTime and ErrorCount for the entry matching
// source after a worker has finished one file transfer for that pair. A
// no-op if the entry is gone (Remove was called — not reachable on the
// console path today, but kept honest for Remove's sake).
func (r *Registry) RecordOutcome(source dirspec.Spec, at time.Time, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[keyOf(source)]
	if !ok {
		return
	}
	e.LastSyncTime = at
	if failed {
		e.ErrorCount++
	}
}

// Snapshot returns a copy of every entry, for display purposes.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}
