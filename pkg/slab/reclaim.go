package slab

import "sync"

var (
	registryMu sync.Mutex
	registry   []*Cache
)

func registerCache(c *Cache) {
	registryMu.Lock()
	registry = append(registry, c)
	registryMu.Unlock()
}

func unregisterCache(c *Cache) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for i, o := range registry {
		if o == c {
			registry = append(registry[:i], registry[i+1:]...)
			return
		}
	}
}

// Reclaim walks every live cache, destroying empty magazines first, then
// full ones, then invoking each cache's reclaim hook (spec §4.A
// cache_destroy/reclaim contract). It returns true if at least one cache
// was visited.
func Reclaim() bool {
	registryMu.Lock()
	caches := append([]*Cache(nil), registry...)
	registryMu.Unlock()

	for _, c := range caches {
		c.drainMagazines()
		if c.reclaim != nil {
			c.reclaim()
		}
	}
	return len(caches) > 0
}
