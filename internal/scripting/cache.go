package scripting

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/plantflow/flowengine/pkg/metrics"
)

// protoCache is a bounded LRU of compiled chunks keyed by source hash.
type protoCache struct {
	entries  *lru.Cache[string, *lua.FunctionProto]
	capacity int
	hits     atomic.Uint64
	misses   atomic.Uint64
}

type CacheStats struct {
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

func newProtoCache(capacity int) *protoCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	// lru.New only fails for a non-positive size.
	entries, _ := lru.New[string, *lua.FunctionProto](capacity)
	return &protoCache{entries: entries, capacity: capacity}
}

func sourceKey(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func (c *protoCache) get(key string) (*lua.FunctionProto, bool) {
	if proto, ok := c.entries.Get(key); ok {
		c.hits.Add(1)
		metrics.RecordCacheHit("scripts")
		return proto, true
	}
	c.misses.Add(1)
	metrics.RecordCacheMiss("scripts")
	return nil, false
}

// peek looks up key without touching recency or stats.
func (c *protoCache) peek(key string) (*lua.FunctionProto, bool) {
	return c.entries.Peek(key)
}

func (c *protoCache) put(key string, proto *lua.FunctionProto) {
	c.entries.Add(key, proto)
}

func (c *protoCache) stats() CacheStats {
	return CacheStats{
		Size:     c.entries.Len(),
		Capacity: c.capacity,
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
	}
}
