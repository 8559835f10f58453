package refresh

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// validityHints remembers, per process, the expiry of tokens known to be
// valid. Entries are advisory and may vanish at any time.
type validityHints struct {
	cache *ristretto.Cache[string, time.Time]
	ttl   time.Duration
}

func newValidityHints(ttl time.Duration) (*validityHints, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, time.Time]{
		NumCounters:        100_000,
		MaxCost:            10_000,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &validityHints{cache: cache, ttl: ttl}, nil
}

func (h *validityHints) get(ownerID string) (time.Time, bool) {
	if h == nil || h.ttl <= 0 {
		return time.Time{}, false
	}
	return h.cache.Get(ownerID)
}

func (h *validityHints) put(ownerID string, expiresAt time.Time) {
	if h == nil || h.ttl <= 0 {
		return
	}
	h.cache.SetWithTTL(ownerID, expiresAt, 1, h.ttl)
	h.cache.Wait()
}

func (h *validityHints) forget(ownerID string) {
	if h == nil {
		return
	}
	h.cache.Del(ownerID)
}

func (h *validityHints) close() {
	if h != nil {
		h.cache.Close()
	}
}
