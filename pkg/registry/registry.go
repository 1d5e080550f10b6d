// Package registry implements C5: the live-worker table. It is the
// single source of truth the admission controller, cancellation
// router and reaper all consult to find out who is currently running.
package registry

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/cuemby/warden/pkg/types"
)

// Registry is a mutex-guarded map of worker id to its entry. It is
// touched from the supervisor's main-loop goroutine (reaper, reload,
// crash recovery) and from the per-connection handshake goroutines,
// which reserve, bind and remove rows through the spawner and look
// rows up for cancel requests; the lock serializes those callers.
type Registry struct {
	mu      sync.Mutex
	entries map[uint32]*types.WorkerEntry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[uint32]*types.WorkerEntry)}
}

// Reserve inserts a placeholder row for id before the child process
// exists, so a cancellation request arriving between fork and exec
// finds something (even if Bind hasn't completed yet). Returns an
// error if id is already present.
func (r *Registry) Reserve(id uint32, kind types.WorkerKind) (*types.WorkerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return nil, fmt.Errorf("registry: worker id %d already reserved", id)
	}

	entry := &types.WorkerEntry{ID: id, Kind: kind, CreatedAt: time.Now()}
	r.entries[id] = entry
	return entry, nil
}

// Bind attaches the live process handle and cancel secret to a
// previously reserved row.
func (r *Registry) Bind(id uint32, secret uint32, cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.CancelSecret = secret
		e.Cmd = cmd
	}
}

// Remove deletes id from the registry, e.g. once the reaper has
// observed its exit. It is a no-op if id is not present.
func (r *Registry) Remove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Find returns the entry for id, or nil if no such worker is
// registered.
func (r *Registry) Find(id uint32) *types.WorkerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id]
}

// Snapshot returns a defensive copy of the current entries, safe to
// range over while the registry continues to mutate concurrently.
func (r *Registry) Snapshot() []*types.WorkerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.WorkerEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Len reports the current live-worker count, which backs the
// admission controller's saturation check.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CountKind reports how many live entries match kind.
func (r *Registry) CountKind(kind types.WorkerKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
