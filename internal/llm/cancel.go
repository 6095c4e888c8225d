package llm

import (
	"sync"

	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// CancelRegistry tracks in-flight stream cancellations by opaque key. The
// pending flag makes cancellation race-safe: a cancel posted before anyone
// subscribed is still observed by the late subscriber.
type CancelRegistry struct {
	mu      sync.Mutex
	watches map[string][]chan struct{}
	pending map[string]bool
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{
		watches: make(map[string][]chan struct{}),
		pending: make(map[string]bool),
	}
}

// Subscribe returns a channel that is closed when the key is cancelled. If
// the key was already cancelled, the channel is closed on return, so a
// late subscriber observes the cancellation immediately.
func (r *CancelRegistry) Subscribe(key string) <-chan struct{} {
	ch := make(chan struct{})
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[key] {
		close(ch)
		return ch
	}
	r.watches[key] = append(r.watches[key], ch)
	return ch
}

// Cancel sets the pending flag and wakes every subscriber. Cancelling an
// unknown key is not an error; the flag waits for whoever subscribes next.
func (r *CancelRegistry) Cancel(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[key] {
		return
	}
	r.pending[key] = true
	for _, ch := range r.watches[key] {
		close(ch)
	}
	delete(r.watches, key)
	logging.LLMDebug("stream %s cancelled", key)
}

// ConsumePending atomically reads and clears the pending flag. This is the
// canonical "was this cancelled?" check; call it after a stream completes
// to catch a cancel that landed between the last chunk and post-processing.
func (r *CancelRegistry) ConsumePending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pending[key] {
		return false
	}
	delete(r.pending, key)
	return true
}

// Clear removes both the watch channels and the pending flag when the
// operation ends.
func (r *CancelRegistry) Clear(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watches, key)
	delete(r.pending, key)
}
