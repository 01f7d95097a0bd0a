package stores

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/portmesh/accesskit"
)

func newTestRedisCache(t *testing.T) *RedisDecisionCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisDecisionCache(client)
}

func redisKey(principal, ref string) accesskit.CacheKey {
	return accesskit.CacheKey{PrincipalID: principal, ResourceType: "vessel", ResourceRef: ref, Action: "read"}
}

func TestRedisDecisionCacheRoundtrip(t *testing.T) {
	c := newTestRedisCache(t)

	key := redisKey("u1", "fleet/vessels/v-1")
	dec := &accesskit.Decision{
		Allowed:              true,
		Reason:               accesskit.ReasonPermissionMatch,
		MatchedPermissionIDs: []string{"perm-1"},
		FieldPermissions:     map[string]accesskit.FieldLevel{"email": accesskit.FieldWrite},
	}
	c.Set(key, dec, accesskit.CacheTags{PrincipalID: "u1", TenantID: "acme", RoleIDs: []string{"clerk"}}, time.Minute)

	got, ok := c.Get(key)
	if !ok {
		t.Fatalf("expected hit")
	}
	if !got.Allowed || got.Reason != accesskit.ReasonPermissionMatch {
		t.Fatalf("decision lost: %+v", got)
	}
	if got.FieldPermissions["email"] != accesskit.FieldWrite {
		t.Fatalf("field permissions lost: %+v", got.FieldPermissions)
	}

	if _, ok := c.Get(redisKey("u1", "fleet/vessels/other")); ok {
		t.Fatalf("unexpected hit for different key")
	}
}

func TestRedisDecisionCacheScopedInvalidation(t *testing.T) {
	c := newTestRedisCache(t)
	dec := &accesskit.Decision{Allowed: true}

	c.Set(redisKey("u1", "r1"), dec, accesskit.CacheTags{PrincipalID: "u1", TenantID: "t1", RoleIDs: []string{"admin"}}, time.Minute)
	c.Set(redisKey("u2", "r2"), dec, accesskit.CacheTags{PrincipalID: "u2", TenantID: "t1", RoleIDs: []string{"clerk"}}, time.Minute)
	c.Set(redisKey("u3", "r3"), dec, accesskit.CacheTags{PrincipalID: "u3", TenantID: "t2", RoleIDs: []string{"admin"}}, time.Minute)

	c.Invalidate(accesskit.InvalidationScope{Kind: accesskit.ScopePrincipal, ID: "u1"})
	if _, ok := c.Get(redisKey("u1", "r1")); ok {
		t.Fatalf("principal scope should evict u1")
	}
	if _, ok := c.Get(redisKey("u2", "r2")); !ok {
		t.Fatalf("principal scope should not evict u2")
	}

	c.Invalidate(accesskit.InvalidationScope{Kind: accesskit.ScopeRole, ID: "admin"})
	if _, ok := c.Get(redisKey("u3", "r3")); ok {
		t.Fatalf("role scope should evict role-tagged entries")
	}
	if _, ok := c.Get(redisKey("u2", "r2")); !ok {
		t.Fatalf("role scope should not evict untagged entries")
	}

	c.Invalidate(accesskit.InvalidationScope{Kind: accesskit.ScopeTenant, ID: "t1"})
	if _, ok := c.Get(redisKey("u2", "r2")); ok {
		t.Fatalf("tenant scope should evict t1 entries")
	}

	c.Set(redisKey("u4", "r4"), dec, accesskit.CacheTags{PrincipalID: "u4"}, time.Minute)
	c.Invalidate(accesskit.InvalidationScope{Kind: accesskit.ScopeAll})
	if _, ok := c.Get(redisKey("u4", "r4")); ok {
		t.Fatalf("all scope should empty the cache")
	}
}
