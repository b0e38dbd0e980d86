package normalize

import "sync"

// DedupeCache remembers keys it has seen.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]struct{}
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[string]struct{})}
}

// Seen records key and reports whether it was already present.
func (d *DedupeCache) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.items[key]; ok {
		return true
	}
	d.items[key] = struct{}{}
	return false
}

func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}
