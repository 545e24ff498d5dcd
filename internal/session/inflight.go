package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/xelth-com/eckstocktake/internal/utils"
)

type inFlightEntry struct {
	flowID string
	since  time.Time
}

// InFlight tracks the scan keys a device is currently entering a quantity for
type InFlight struct {
	mu    sync.Mutex
	clock utils.Clock
	keys  map[string]inFlightEntry
}

func NewInFlight(clock utils.Clock) *InFlight {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &InFlight{clock: clock, keys: make(map[string]inFlightEntry)}
}

// Acquire registers key for flowID. It fails with ErrConcurrentScan while
// another flow holds the key; re-acquiring by the holder is a no-op.
func (r *InFlight) Acquire(key, flowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.keys[key]; ok && e.flowID != flowID {
		return fmt.Errorf("%w: %s since %s", ErrConcurrentScan, key, e.since.Format(time.RFC3339))
	}
	r.keys[key] = inFlightEntry{flowID: flowID, since: r.clock.Now()}
	return nil
}

// Release frees key if flowID holds it
func (r *InFlight) Release(key, flowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.keys[key]; ok && e.flowID == flowID {
		delete(r.keys, key)
	}
}

// Held reports whether any flow holds key
func (r *InFlight) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.keys[key]
	return ok
}

// Len is the number of registered keys
func (r *InFlight) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}
