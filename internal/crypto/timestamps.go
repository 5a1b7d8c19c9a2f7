package crypto

import (
	"sync"
	"time"

	"github.com/parsec-cloud/parsec-sync/internal/model"
)

// TimestampTracker enforces spec.md §4.1: "Timestamps are strictly
// monotonic per signer per entry — a verify that observes a strictly
// earlier timestamp than the last accepted one for the same
// (signer, entry) fails TimestampRegression."
type TimestampTracker struct {
	mu   sync.Mutex
	last map[trackerKey]time.Time
}

type trackerKey struct {
	signer model.DeviceID
	entry  model.EntryID
}

func NewTimestampTracker() *TimestampTracker {
	return &TimestampTracker{last: make(map[trackerKey]time.Time)}
}

// Observe records ts for (signer, entry), failing if ts is strictly earlier
// than the last accepted timestamp for that pair. Equal timestamps are
// accepted (a verify of the same envelope twice must not regress).
func (t *TimestampTracker) Observe(signer model.DeviceID, entry model.EntryID, ts time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := trackerKey{signer: signer, entry: entry}
	if prev, ok := t.last[key]; ok && ts.Before(prev) {
		return model.ErrTimestampRegression
	}
	t.last[key] = ts
	return nil
}
