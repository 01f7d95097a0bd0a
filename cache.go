package accesskit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// DECISION CACHE
// ============================================================================

// ScopeKind selects how wide an invalidation sweeps.
type ScopeKind uint8

const (
	ScopeAll ScopeKind = iota
	ScopePrincipal
	ScopeRole
	ScopeTenant
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeAll:
		return "all"
	case ScopePrincipal:
		return "principal"
	case ScopeRole:
		return "role"
	case ScopeTenant:
		return "tenant"
	}
	return "unknown"
}

// InvalidationScope names what a committed mutation touched. The CRUD write
// path calls Engine.Invalidate with the narrowest scope it can determine;
// role scope is deliberately coarse (a role's permission change invalidates
// every cached decision tagged with that role).
type InvalidationScope struct {
	Kind ScopeKind
	ID   string
}

// CacheKey identifies one memoized decision.
type CacheKey struct {
	PrincipalID  string
	ResourceType string
	ResourceRef  string
	Action       Action
	ContextFP    string
}

func (k CacheKey) String() string {
	return k.PrincipalID + "\x1f" + k.ResourceType + "\x1f" + k.ResourceRef + "\x1f" + string(k.Action) + "\x1f" + k.ContextFP
}

// ContextFingerprint hashes a request context deterministically: sorted keys,
// JSON-encoded values, sha256. Identical contexts always produce identical
// keys, so repeated evaluations hit the same entry.
func ContextFingerprint(ctx map[string]any) string {
	if len(ctx) == 0 {
		return ""
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		v, _ := json.Marshal(ctx[k])
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write(v)
		h.Write([]byte{';'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CacheTags carry the blast-radius metadata stored next to an entry so
// scoped invalidation can find it.
type CacheTags struct {
	PrincipalID string
	TenantID    string
	RoleIDs     []string
}

// DecisionCache memoizes decisions. Implementations must keep the read path
// free of any whole-cache lock; a reader may only ever block on a single
// key's critical section.
type DecisionCache interface {
	Get(key CacheKey) (*Decision, bool)
	Set(key CacheKey, decision *Decision, tags CacheTags, ttl time.Duration)
	Invalidate(scope InvalidationScope)
}

// ============================================================================
// SHARDED IN-PROCESS CACHE (default)
// ============================================================================

const cacheShards = 64

type shardEntry struct {
	decision  *Decision
	tags      CacheTags
	expiresAt time.Time
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]*shardEntry
}

// ShardedCache is the default in-process decision cache: a fixed set of
// lock-striped maps with atomic replace-on-write. Invalidation walks shards
// one at a time, so concurrent readers only contend on the shard currently
// being swept.
type ShardedCache struct {
	shards [cacheShards]*cacheShard
	now    func() time.Time
}

func NewShardedCache() *ShardedCache {
	c := &ShardedCache{now: time.Now}
	for i := range c.shards {
		c.shards[i] = &cacheShard{entries: make(map[string]*shardEntry)}
	}
	return c
}

func (c *ShardedCache) shard(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%cacheShards]
}

func (c *ShardedCache) Get(key CacheKey) (*Decision, bool) {
	k := key.String()
	s := c.shard(k)
	s.mu.RLock()
	entry, ok := s.entries[k]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		s.mu.Lock()
		if cur, still := s.entries[k]; still && cur == entry {
			delete(s.entries, k)
		}
		s.mu.Unlock()
		return nil, false
	}
	return entry.decision, true
}

func (c *ShardedCache) Set(key CacheKey, decision *Decision, tags CacheTags, ttl time.Duration) {
	k := key.String()
	entry := &shardEntry{decision: decision, tags: tags, expiresAt: c.now().Add(ttl)}
	s := c.shard(k)
	s.mu.Lock()
	s.entries[k] = entry
	s.mu.Unlock()
}

func (c *ShardedCache) Invalidate(scope InvalidationScope) {
	for _, s := range c.shards {
		s.mu.Lock()
		for k, entry := range s.entries {
			if scopeMatches(scope, entry.tags) {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

func scopeMatches(scope InvalidationScope, tags CacheTags) bool {
	switch scope.Kind {
	case ScopeAll:
		return true
	case ScopePrincipal:
		return tags.PrincipalID == scope.ID
	case ScopeTenant:
		return tags.TenantID == scope.ID
	case ScopeRole:
		for _, r := range tags.RoleIDs {
			if r == scope.ID {
				return true
			}
		}
	}
	return false
}

// Len reports live (possibly expired) entries; intended for tests and stats.
func (c *ShardedCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// ============================================================================
// RISTRETTO-BACKED CACHE
// ============================================================================

// RistrettoCache wraps a ristretto cache with epoch-based invalidation:
// each entry's storage key embeds a global generation and a per-principal
// generation. Bumping a generation orphans every entry written under it,
// which ristretto then evicts by admission pressure or TTL. Role and tenant
// scopes bump the global generation — coarse, but exact blast-radius tracking
// is not worth the complexity for a frequency-sketch cache.
type RistrettoCache struct {
	cache       *ristretto.Cache
	globalEpoch atomic.Uint64
	mu          sync.RWMutex
	principal   map[string]uint64
}

// RistrettoCacheConfig mirrors the ristretto sizing knobs.
type RistrettoCacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

func NewRistrettoCache(cfg RistrettoCacheConfig) (*RistrettoCache, error) {
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = 1e6
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = 1 << 26
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = 64
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache{cache: rc, principal: make(map[string]uint64)}, nil
}

func (c *RistrettoCache) storageKey(key CacheKey) string {
	c.mu.RLock()
	pe := c.principal[key.PrincipalID]
	c.mu.RUnlock()
	return formatEpochKey(c.globalEpoch.Load(), pe, key.String())
}

func formatEpochKey(global, principal uint64, key string) string {
	var buf [16]byte
	b := appendUint(buf[:0], global)
	b = append(b, ':')
	b = appendUint(b, principal)
	return string(b) + ":" + key
}

func appendUint(b []byte, v uint64) []byte {
	if v == 0 {
		return append(b, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(b, tmp[i:]...)
}

func (c *RistrettoCache) Get(key CacheKey) (*Decision, bool) {
	v, ok := c.cache.Get(c.storageKey(key))
	if !ok {
		return nil, false
	}
	dec, ok := v.(*Decision)
	return dec, ok
}

func (c *RistrettoCache) Set(key CacheKey, decision *Decision, _ CacheTags, ttl time.Duration) {
	c.cache.SetWithTTL(c.storageKey(key), decision, 1, ttl)
}

func (c *RistrettoCache) Invalidate(scope InvalidationScope) {
	switch scope.Kind {
	case ScopePrincipal:
		c.mu.Lock()
		c.principal[scope.ID]++
		c.mu.Unlock()
	case ScopeAll:
		c.globalEpoch.Add(1)
		c.cache.Clear()
	default:
		c.globalEpoch.Add(1)
	}
}

// Wait flushes ristretto's set buffers; tests call it to make writes visible.
func (c *RistrettoCache) Wait() { c.cache.Wait() }
