package overlay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// cacheTTL bounds how long an unfetched clip is retained. The overlay
// normally fetches within a second of the speak event; anything older is a
// renderer that never connected.
const cacheTTL = time.Minute

type cacheEntry struct {
	wav     []byte
	addedAt time.Time
}

// AudioCache hands synthesized clips to the overlay exactly once. Publish a
// speak event carrying the ID, the renderer fetches the WAV by that ID, and
// the entry is gone.
type AudioCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewAudioCache returns an empty cache.
func NewAudioCache() *AudioCache {
	return &AudioCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Put stores wav and returns the ID the overlay should fetch it under.
// Stale unfetched entries are purged as a side effect.
func (c *AudioCache) Put(wav []byte) string {
	id := uuid.NewString()
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.addedAt) > cacheTTL {
			delete(c.entries, k)
		}
	}
	c.entries[id] = cacheEntry{wav: wav, addedAt: now}
	return id
}

// Take removes and returns the clip stored under id. The second return is
// false when the ID is unknown or was already fetched.
func (c *AudioCache) Take(id string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	delete(c.entries, id)
	return e.wav, true
}

// Len returns the number of unfetched clips.
func (c *AudioCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
