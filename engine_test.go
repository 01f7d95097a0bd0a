package accesskit

import (
	"context"
	"testing"
	"time"

	"github.com/portmesh/accesskit/logger"
)

// buildFleetDirectory seeds the recurring fixture: a logistics tenant with a
// clerk role, a shipping_agent role inheriting from it, and a conditional
// create grant restricted to two branches.
func buildFleetDirectory(t *testing.T) *MemoryDirectory {
	t.Helper()
	dir := NewMemoryDirectory()

	if err := dir.AddTenant(&Tenant{ID: "acme", Ceiling: Ceiling{"vessel": {"*"}, "vehicle": {"*"}}}); err != nil {
		t.Fatalf("add tenant: %v", err)
	}
	if err := dir.AddRole(&Role{ID: "clerk", TenantID: "acme", Assignable: true}); err != nil {
		t.Fatalf("add clerk: %v", err)
	}
	if err := dir.AddRole(&Role{ID: "shipping_agent", TenantID: "acme", ParentID: "clerk", Assignable: true}); err != nil {
		t.Fatalf("add shipping_agent: %v", err)
	}

	readPerm := NewPermissionBuilder().
		ID("perm-vessel-read").Tenant("acme").
		ResourceType("vessel").ResourcePath("fleet/vessels/*").
		Actions("read").
		Build()
	createPerm := NewPermissionBuilder().
		ID("perm-vessel-create").Tenant("acme").
		ResourceType("vessel").ResourcePath("fleet/vessels/*").
		Actions("create").
		Condition("branch", []any{"mumbai", "chennai"}).
		Build()
	for _, p := range []*Permission{readPerm, createPerm} {
		if err := dir.AddPermission(p); err != nil {
			t.Fatalf("add permission %s: %v", p.ID, err)
		}
	}
	if err := dir.GrantPermission("clerk", "perm-vessel-read"); err != nil {
		t.Fatalf("grant read: %v", err)
	}
	if err := dir.GrantPermission("shipping_agent", "perm-vessel-create"); err != nil {
		t.Fatalf("grant create: %v", err)
	}
	if err := dir.AssignRole("agent-1", "shipping_agent", time.Time{}); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	return dir
}

func newTestEngine(t *testing.T, dir Directory, opts ...EngineOption) *Engine {
	t.Helper()
	opts = append([]EngineOption{WithLogger(logger.NewNop())}, opts...)
	e, err := NewEngine(dir, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func agentPrincipal() *Principal {
	return &Principal{ID: "agent-1", TenantID: "acme", BranchID: "mumbai"}
}

func vesselResource(id string) *Resource {
	return &Resource{Type: "vessel", Path: "fleet/vessels/" + id}
}

func TestEvaluateConditionalCreateAllowed(t *testing.T) {
	e := newTestEngine(t, buildFleetDirectory(t))

	dec, err := e.Evaluate(context.Background(), agentPrincipal(), vesselResource("v-99"), "create", map[string]any{"branch": "mumbai"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("expected allow, got deny (%s)", dec.Reason)
	}
	if dec.Reason != ReasonPermissionMatch {
		t.Fatalf("expected permission_match, got %s", dec.Reason)
	}
	if len(dec.MatchedPermissionIDs) != 1 || dec.MatchedPermissionIDs[0] != "perm-vessel-create" {
		t.Fatalf("expected matched [perm-vessel-create], got %v", dec.MatchedPermissionIDs)
	}
}

func TestEvaluateConditionNotSatisfied(t *testing.T) {
	e := newTestEngine(t, buildFleetDirectory(t))

	dec, err := e.Evaluate(context.Background(), agentPrincipal(), vesselResource("v-99"), "create", map[string]any{"branch": "kolkata"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("branch outside the condition set must deny")
	}
	if dec.Reason != ReasonNoMatchingPermission {
		t.Fatalf("expected no_matching_permission, got %s", dec.Reason)
	}
}

func TestEvaluateUngrantedActionDenied(t *testing.T) {
	e := newTestEngine(t, buildFleetDirectory(t))

	dec, err := e.Evaluate(context.Background(), agentPrincipal(), vesselResource("v-99"), "approve", map[string]any{"branch": "mumbai"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("approve was never granted anywhere in the hierarchy")
	}
	if dec.Reason != ReasonNoMatchingPermission {
		t.Fatalf("expected no_matching_permission, got %s", dec.Reason)
	}
}

func TestEvaluateInheritedPermission(t *testing.T) {
	e := newTestEngine(t, buildFleetDirectory(t))

	// read is granted to clerk; shipping_agent inherits it
	dec, err := e.Evaluate(context.Background(), agentPrincipal(), vesselResource("v-1"), "read", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("child role must hold everything the parent grants")
	}
	if dec.MatchedPermissionIDs[0] != "perm-vessel-read" {
		t.Fatalf("expected inherited perm-vessel-read, got %v", dec.MatchedPermissionIDs)
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	e := newTestEngine(t, buildFleetDirectory(t))
	ctx := context.Background()
	reqCtx := map[string]any{"branch": "mumbai"}

	first, err := e.Evaluate(ctx, agentPrincipal(), vesselResource("v-5"), "create", reqCtx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	second, err := e.Evaluate(ctx, agentPrincipal(), vesselResource("v-5"), "create", reqCtx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if first.Allowed != second.Allowed || first.Reason != second.Reason {
		t.Fatalf("repeated evaluation diverged: %+v vs %+v", first, second)
	}
	if len(first.MatchedPermissionIDs) != len(second.MatchedPermissionIDs) {
		t.Fatalf("matched sets diverged: %v vs %v", first.MatchedPermissionIDs, second.MatchedPermissionIDs)
	}
}

func TestInvalidationRemovesStaleAllow(t *testing.T) {
	dir := buildFleetDirectory(t)
	e := newTestEngine(t, dir)
	ctx := context.Background()
	reqCtx := map[string]any{"branch": "mumbai"}

	dec, _ := e.Evaluate(ctx, agentPrincipal(), vesselResource("v-7"), "create", reqCtx)
	if !dec.Allowed {
		t.Fatalf("precondition: expected allow")
	}

	dir.RevokeRole("agent-1", "shipping_agent")

	// without invalidation the stale allow is still served
	dec, _ = e.Evaluate(ctx, agentPrincipal(), vesselResource("v-7"), "create", reqCtx)
	if !dec.Allowed {
		t.Fatalf("entry should still be cached before invalidation")
	}

	e.Invalidate(InvalidationScope{Kind: ScopePrincipal, ID: "agent-1"})

	dec, _ = e.Evaluate(ctx, agentPrincipal(), vesselResource("v-7"), "create", reqCtx)
	if dec.Allowed {
		t.Fatalf("revoked assignment must deny after invalidation")
	}
}

func TestEvaluateTenantMismatch(t *testing.T) {
	e := newTestEngine(t, buildFleetDirectory(t))

	res := vesselResource("v-1")
	res.Attrs = map[string]any{"tenant_id": "other-tenant"}
	dec, err := e.Evaluate(context.Background(), agentPrincipal(), res, "read", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("cross-tenant resource must deny")
	}
	if dec.Reason != ReasonTenantMismatch {
		t.Fatalf("expected tenant_mismatch, got %s", dec.Reason)
	}
}

func TestEvaluateCancelledContextIsTimeout(t *testing.T) {
	e := newTestEngine(t, buildFleetDirectory(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dec, err := e.Evaluate(ctx, agentPrincipal(), vesselResource("v-1"), "read", nil)
	if err == nil {
		t.Fatalf("expected context error")
	}
	if dec == nil || dec.Allowed {
		t.Fatalf("degraded evaluation must deny")
	}
	if dec.Reason != ReasonTimeout {
		t.Fatalf("expected timeout reason, got %s", dec.Reason)
	}
}

func TestEvaluateGroupAndAncestorGroupRoles(t *testing.T) {
	dir := buildFleetDirectory(t)
	if err := dir.AddGroup(&Group{ID: "ops", TenantID: "acme"}); err != nil {
		t.Fatalf("add ops: %v", err)
	}
	if err := dir.AddGroup(&Group{ID: "ops-mumbai", TenantID: "acme", ParentID: "ops"}); err != nil {
		t.Fatalf("add ops-mumbai: %v", err)
	}
	if err := dir.AttachGroupRole("ops", "clerk", time.Time{}); err != nil {
		t.Fatalf("attach role: %v", err)
	}
	if err := dir.AssignGroup("viewer-1", "ops-mumbai", time.Time{}); err != nil {
		t.Fatalf("assign group: %v", err)
	}

	e := newTestEngine(t, dir)
	principal := &Principal{ID: "viewer-1", TenantID: "acme", BranchID: "mumbai"}

	// viewer-1 is in ops-mumbai; ops (its ancestor) carries clerk
	dec, err := e.Evaluate(context.Background(), principal, vesselResource("v-1"), "read", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("roles attached to ancestor groups must apply")
	}
}

func TestEvaluateExpiredAssignmentIgnored(t *testing.T) {
	dir := buildFleetDirectory(t)
	if err := dir.AssignRole("temp-1", "clerk", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("assign role: %v", err)
	}

	e := newTestEngine(t, dir)
	principal := &Principal{ID: "temp-1", TenantID: "acme"}
	dec, err := e.Evaluate(context.Background(), principal, vesselResource("v-1"), "read", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expired assignment must not grant anything")
	}
}

func TestEvaluateSurvivesRoleHierarchyCycle(t *testing.T) {
	dir := buildFleetDirectory(t)
	// corrupt the stored hierarchy directly: clerk -> shipping_agent -> clerk
	dir.forceRoleParent("clerk", "shipping_agent")

	e := newTestEngine(t, dir)
	dec, err := e.Evaluate(context.Background(), agentPrincipal(), vesselResource("v-1"), "read", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("cycle must drop the offending branch, not the evaluation")
	}
}

func TestEvaluateFieldMerge(t *testing.T) {
	dir := buildFleetDirectory(t)
	readProfile := NewPermissionBuilder().
		ID("perm-profile-read").Tenant("acme").
		ResourceType("vehicle").ResourcePath("fleet/vehicles/*").
		Actions("read").
		Field("email", FieldRead).Field("salary", FieldHidden).
		Build()
	editProfile := NewPermissionBuilder().
		ID("perm-profile-edit").Tenant("acme").
		ResourceType("vehicle").ResourcePath("fleet/vehicles/*").
		Actions("read", "update").
		Field("email", FieldWrite).
		Build()
	for _, p := range []*Permission{readProfile, editProfile} {
		if err := dir.AddPermission(p); err != nil {
			t.Fatalf("add permission: %v", err)
		}
		if err := dir.GrantPermission("clerk", p.ID); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}

	e := newTestEngine(t, dir)
	dec, err := e.Evaluate(context.Background(), agentPrincipal(), &Resource{Type: "vehicle", Path: "fleet/vehicles/42"}, "read", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("expected allow")
	}
	if dec.FieldPermissions["email"] != FieldWrite {
		t.Fatalf("email: expected write after merge, got %s", dec.FieldPermissions["email"])
	}
	if dec.FieldPermissions["salary"] != FieldHidden {
		t.Fatalf("salary: expected hidden, got %s", dec.FieldPermissions["salary"])
	}
}

func TestEvaluateCeilingRecheck(t *testing.T) {
	dir := NewMemoryDirectory()
	if err := dir.AddTenant(&Tenant{ID: "acme", Ceiling: Ceiling{"vessel": {"read"}}}); err != nil {
		t.Fatalf("add tenant: %v", err)
	}
	if err := dir.AddRole(&Role{ID: "admin", TenantID: "acme", Assignable: true}); err != nil {
		t.Fatalf("add role: %v", err)
	}
	// stale grant wider than the tenant's current ceiling
	perm := NewPermissionBuilder().
		ID("perm-wide").Tenant("acme").
		ResourceType("vessel").ResourcePath("*").
		Actions("read", "delete").
		Build()
	if err := dir.AddPermission(perm); err != nil {
		t.Fatalf("add permission: %v", err)
	}
	if err := dir.GrantPermission("admin", "perm-wide"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := dir.AssignRole("root-1", "admin", time.Time{}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	e := newTestEngine(t, dir, WithCeilingRecheck(true))
	principal := &Principal{ID: "root-1", TenantID: "acme"}

	dec, err := e.Evaluate(context.Background(), principal, vesselResource("v-1"), "read", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("read is inside the ceiling")
	}

	dec, err = e.Evaluate(context.Background(), principal, vesselResource("v-1"), "delete", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("delete exceeds the tenant ceiling")
	}
	if dec.Reason != ReasonCeilingExceeded {
		t.Fatalf("expected ceiling_exceeded, got %s", dec.Reason)
	}
}

func TestExplainCarriesTrace(t *testing.T) {
	e := newTestEngine(t, buildFleetDirectory(t))

	dec, err := e.Explain(context.Background(), agentPrincipal(), vesselResource("v-1"), "create", map[string]any{"branch": "mumbai"})
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("expected allow")
	}
	if len(dec.Trace) == 0 {
		t.Fatalf("explain must attach a trace")
	}

	// cached entries never carry a trace
	cached, _ := e.Evaluate(context.Background(), agentPrincipal(), vesselResource("v-1"), "create", map[string]any{"branch": "mumbai"})
	if len(cached.Trace) != 0 {
		t.Fatalf("plain evaluation must not leak traces, got %v", cached.Trace)
	}
}

// countingDirectory wraps a Directory and counts aggregation reads.
type countingDirectory struct {
	Directory
	directCalls int
}

func (c *countingDirectory) DirectRolesAndGroups(ctx context.Context, principalID string) ([]string, []string, error) {
	c.directCalls++
	return c.Directory.DirectRolesAndGroups(ctx, principalID)
}

func TestEvaluateBatchAggregatesOnce(t *testing.T) {
	dir := &countingDirectory{Directory: buildFleetDirectory(t)}
	e := newTestEngine(t, dir)

	checks := []Check{
		{Resource: vesselResource("v-1"), Action: "read"},
		{Resource: vesselResource("v-2"), Action: "create"},
		{Resource: vesselResource("v-3"), Action: "approve"},
	}
	results, err := e.EvaluateBatch(context.Background(), agentPrincipal(), checks, map[string]any{"branch": "mumbai"})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].Decision.Allowed || !results[1].Decision.Allowed {
		t.Fatalf("read and create should be allowed: %+v", results)
	}
	if results[2].Decision.Allowed {
		t.Fatalf("approve should be denied")
	}
	if dir.directCalls != 1 {
		t.Fatalf("role aggregation must run once per batch, ran %d times", dir.directCalls)
	}
}

// malformedDirectory serves a permission whose conditions never compiled;
// the engine must degrade it to not-satisfied instead of failing.
type malformedDirectory struct{}

func (malformedDirectory) DirectRolesAndGroups(ctx context.Context, principalID string) ([]string, []string, error) {
	return []string{"legacy"}, nil, nil
}

func (malformedDirectory) RoleAncestryAndPermissions(ctx context.Context, roleIDs []string) (map[string]string, map[string][]*Permission, error) {
	bad := &Permission{
		ID:           "perm-bad",
		ResourceType: "vessel",
		ResourcePath: "*",
		Actions:      []Action{"read"},
		Conditions:   map[string]any{"weight": map[string]any{"between": []any{1, 2}}},
	}
	good := &Permission{
		ID:           "perm-good",
		ResourceType: "vessel",
		ResourcePath: "*",
		Actions:      []Action{"read"},
	}
	return map[string]string{}, map[string][]*Permission{"legacy": {bad, good}}, nil
}

func (malformedDirectory) GroupAncestryAndRoles(ctx context.Context, groupIDs []string) (map[string]string, map[string][]string, error) {
	return map[string]string{}, map[string][]string{}, nil
}

func (malformedDirectory) TenantCeiling(ctx context.Context, tenantID string) (*Tenant, error) {
	return &Tenant{ID: tenantID}, nil
}

func TestEvaluateMalformedConditionDegrades(t *testing.T) {
	e := newTestEngine(t, malformedDirectory{})
	principal := &Principal{ID: "u1", TenantID: "acme"}

	dec, err := e.Evaluate(context.Background(), principal, vesselResource("v-1"), "read", nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("the well-formed permission must still allow")
	}
	if len(dec.MatchedPermissionIDs) != 1 || dec.MatchedPermissionIDs[0] != "perm-good" {
		t.Fatalf("malformed permission must not match, got %v", dec.MatchedPermissionIDs)
	}
}

func TestAuditTrailRecordsDecisions(t *testing.T) {
	store := NewMemoryAuditStore(100)
	e := newTestEngine(t, buildFleetDirectory(t), WithAuditStore(store))

	if _, err := e.Evaluate(context.Background(), agentPrincipal(), vesselResource("v-1"), "read", nil); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	e.Close() // drains the audit worker

	entries, err := store.AccessLog(context.Background(), AuditFilter{PrincipalID: "agent-1"})
	if err != nil {
		t.Fatalf("access log: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if !entries[0].Allowed || entries[0].Action != "read" {
		t.Fatalf("unexpected audit entry: %+v", entries[0])
	}
	if entries[0].ID == "" {
		t.Fatalf("audit entries must carry ids")
	}
}
