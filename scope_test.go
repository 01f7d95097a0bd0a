package accesskit

import (
	"context"
	"testing"
	"time"
)

func TestResolveScopeCrossBranchVisibility(t *testing.T) {
	dir := NewMemoryDirectory()
	if err := dir.AddTenant(&Tenant{ID: "acme", Ceiling: Ceiling{"vehicle": {"*"}}}); err != nil {
		t.Fatalf("add tenant: %v", err)
	}
	if err := dir.AddRole(&Role{ID: "fleet_manager", TenantID: "acme", Assignable: true}); err != nil {
		t.Fatalf("add role: %v", err)
	}
	perm := NewPermissionBuilder().
		ID("perm-vehicles-all-branches").Tenant("acme").
		ResourceType("vehicle").ResourcePath("*").
		Actions(ActionViewAllBranches).
		Build()
	if err := dir.AddPermission(perm); err != nil {
		t.Fatalf("add permission: %v", err)
	}
	if err := dir.GrantPermission("fleet_manager", "perm-vehicles-all-branches"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := dir.AssignRole("manager-1", "fleet_manager", time.Time{}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	e := newTestEngine(t, dir)
	ctx := context.Background()

	manager := &Principal{ID: "manager-1", TenantID: "acme", BranchID: "mumbai"}
	filter, err := e.ResolveScope(ctx, manager, "vehicle")
	if err != nil {
		t.Fatalf("resolve scope: %v", err)
	}
	if filter.TenantID != "acme" || filter.BranchID != "" {
		t.Fatalf("cross-branch holder should see the whole tenant, got %+v", filter)
	}

	clerk := &Principal{ID: "clerk-1", TenantID: "acme", BranchID: "chennai"}
	filter, err = e.ResolveScope(ctx, clerk, "vehicle")
	if err != nil {
		t.Fatalf("resolve scope: %v", err)
	}
	if filter.TenantID != "acme" || filter.BranchID != "chennai" {
		t.Fatalf("regular principal should be confined to their branch, got %+v", filter)
	}

	// the grant is per resource type
	filter, err = e.ResolveScope(ctx, manager, "invoice")
	if err != nil {
		t.Fatalf("resolve scope: %v", err)
	}
	if filter.BranchID != "mumbai" {
		t.Fatalf("cross-branch visibility on vehicles must not leak to invoices, got %+v", filter)
	}
}
