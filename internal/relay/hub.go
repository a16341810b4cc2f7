package relay

import (
	"context"
	"sync"

	"github.com/codewiresh/chatrelay/internal/protocol"
)

// Handle is the registry's view of a live peer connection.
type Handle interface {
	SessionID() string
	// Deliver writes one command to the peer. It must not be called while
	// holding the registry lock.
	Deliver(ctx context.Context, cmd protocol.Command) error
}

// Registry maps each credential to at most one live handle.
//
// Handles are compared by identity, so implementations must be pointer
// types. The lock is never held across a network write.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

// Register installs h for credential, replacing any previous handle. The
// replaced handle, if any, is returned but left open.
func (r *Registry) Register(credential string, h Handle) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.handles[credential]
	r.handles[credential] = h
	return prev
}

// UnregisterIfOwner removes credential only when h is still the stored
// handle. It reports whether it removed anything.
func (r *Registry) UnregisterIfOwner(credential string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.handles[credential]
	if !ok || cur != h {
		return false
	}
	delete(r.handles, credential)
	return true
}

func (r *Registry) Lookup(credential string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[credential]
	return h, ok
}

func (r *Registry) Has(credential string) bool {
	_, ok := r.Lookup(credential)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
