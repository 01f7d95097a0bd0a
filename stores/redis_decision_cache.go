package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/portmesh/accesskit"
)

// RedisDecisionCache shares memoized decisions across engine instances.
// Entries live under akdec:{key}; per-principal, per-role and per-tenant tag
// sets (aktag:*) record which entry keys each scope covers, so a scoped
// invalidation deletes exactly the tagged entries. Tag sets expire a little
// after the longest entry TTL so orphaned members never accumulate.
type RedisDecisionCache struct {
	client *redis.Client
	ttlPad time.Duration
}

func NewRedisDecisionCache(client *redis.Client) *RedisDecisionCache {
	return &RedisDecisionCache{client: client, ttlPad: time.Minute}
}

func decisionKey(key accesskit.CacheKey) string { return "akdec:" + key.String() }

func tagKey(kind, id string) string { return "aktag:" + kind + ":" + id }

func (c *RedisDecisionCache) Get(key accesskit.CacheKey) (*accesskit.Decision, bool) {
	ctx := context.Background()
	raw, err := c.client.Get(ctx, decisionKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	dec := &accesskit.Decision{}
	if err := json.Unmarshal(raw, dec); err != nil {
		return nil, false
	}
	return dec, true
}

func (c *RedisDecisionCache) Set(key accesskit.CacheKey, decision *accesskit.Decision, tags accesskit.CacheTags, ttl time.Duration) {
	ctx := context.Background()
	raw, err := json.Marshal(decision)
	if err != nil {
		return
	}
	dk := decisionKey(key)
	pipe := c.client.Pipeline()
	pipe.Set(ctx, dk, raw, ttl)
	tagTTL := ttl + c.ttlPad
	if tags.PrincipalID != "" {
		tk := tagKey("principal", tags.PrincipalID)
		pipe.SAdd(ctx, tk, dk)
		pipe.Expire(ctx, tk, tagTTL)
	}
	if tags.TenantID != "" {
		tk := tagKey("tenant", tags.TenantID)
		pipe.SAdd(ctx, tk, dk)
		pipe.Expire(ctx, tk, tagTTL)
	}
	for _, roleID := range tags.RoleIDs {
		tk := tagKey("role", roleID)
		pipe.SAdd(ctx, tk, dk)
		pipe.Expire(ctx, tk, tagTTL)
	}
	pipe.Exec(ctx)
}

func (c *RedisDecisionCache) Invalidate(scope accesskit.InvalidationScope) {
	ctx := context.Background()
	switch scope.Kind {
	case accesskit.ScopeAll:
		c.deleteByPattern(ctx, "akdec:*")
		c.deleteByPattern(ctx, "aktag:*")
	case accesskit.ScopePrincipal:
		c.deleteTagged(ctx, tagKey("principal", scope.ID))
	case accesskit.ScopeRole:
		c.deleteTagged(ctx, tagKey("role", scope.ID))
	case accesskit.ScopeTenant:
		c.deleteTagged(ctx, tagKey("tenant", scope.ID))
	}
}

func (c *RedisDecisionCache) deleteTagged(ctx context.Context, tag string) {
	members, err := c.client.SMembers(ctx, tag).Result()
	if err != nil {
		return
	}
	pipe := c.client.Pipeline()
	if len(members) > 0 {
		pipe.Del(ctx, members...)
	}
	pipe.Del(ctx, tag)
	pipe.Exec(ctx)
}

func (c *RedisDecisionCache) deleteByPattern(ctx context.Context, pattern string) {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			c.client.Del(ctx, keys...)
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}
