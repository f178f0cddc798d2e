package ingest

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Deduper is an in-memory filter of recently ingested event keys. It saves
// store round trips on replays; the store's unique key stays authoritative,
// so evictions only cost a redundant insert.
type Deduper struct {
	c *ristretto.Cache
}

// NewDeduper creates a filter holding roughly size keys.
func NewDeduper(size int64) (*Deduper, error) {
	if size < 1 {
		size = 1
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	return &Deduper{c: c}, nil
}

// Seen reports whether key was recently marked.
func (d *Deduper) Seen(key string) bool {
	_, ok := d.c.Get(key)
	return ok
}

// Mark records keys as ingested.
func (d *Deduper) Mark(keys ...string) {
	for _, k := range keys {
		d.c.Set(k, struct{}{}, 1)
	}
	d.c.Wait()
}

// Close stops the cache's background goroutines.
func (d *Deduper) Close() { d.c.Close() }
