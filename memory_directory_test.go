package accesskit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryDirectoryRejectsHierarchyCycles(t *testing.T) {
	dir := NewMemoryDirectory()
	if err := dir.AddRole(&Role{ID: "a"}); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := dir.AddRole(&Role{ID: "b", ParentID: "a"}); err != nil {
		t.Fatalf("add b: %v", err)
	}
	if err := dir.SetRoleParent("a", "b"); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	if err := dir.SetRoleParent("a", "a"); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected on self-attach, got %v", err)
	}

	if err := dir.AddGroup(&Group{ID: "g1"}); err != nil {
		t.Fatalf("add g1: %v", err)
	}
	if err := dir.AddGroup(&Group{ID: "g2", ParentID: "g1"}); err != nil {
		t.Fatalf("add g2: %v", err)
	}
	if err := dir.SetGroupParent("g1", "g2"); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestMemoryDirectoryRejectsInvalidPermissions(t *testing.T) {
	dir := NewMemoryDirectory()

	// both id and path set
	err := dir.AddPermission(&Permission{
		ID: "p1", ResourceType: "vessel", ResourceID: "v1", ResourcePath: "fleet/*",
		Actions: []Action{"read"},
	})
	if !errors.Is(err, ErrAmbiguousResource) {
		t.Fatalf("expected ErrAmbiguousResource, got %v", err)
	}

	// empty action set
	if err := dir.AddPermission(&Permission{ID: "p2", ResourceType: "vessel", ResourceID: "v1"}); err == nil {
		t.Fatalf("empty action set must be rejected")
	}

	// malformed condition rejected at write time
	err = dir.AddPermission(&Permission{
		ID: "p3", ResourceType: "vessel", ResourceID: "v1",
		Actions:    []Action{"read"},
		Conditions: map[string]any{"w": map[string]any{"between": 1}},
	})
	if !errors.Is(err, ErrMalformedCondition) {
		t.Fatalf("expected ErrMalformedCondition, got %v", err)
	}

	// unknown field level rejected
	err = dir.AddPermission(&Permission{
		ID: "p4", ResourceType: "vessel", ResourceID: "v1",
		Actions: []Action{"read"},
		Fields:  map[string]FieldLevel{"email": "editable"},
	})
	if err == nil {
		t.Fatalf("unknown field level must be rejected")
	}
}

func TestMemoryDirectoryEdgeExpiryUsesClock(t *testing.T) {
	dir := NewMemoryDirectory()
	now := time.Now()
	dir.SetClock(func() time.Time { return now })

	if err := dir.AddRole(&Role{ID: "r1"}); err != nil {
		t.Fatalf("add role: %v", err)
	}
	if err := dir.AssignRole("u1", "r1", now.Add(time.Hour)); err != nil {
		t.Fatalf("assign: %v", err)
	}

	roles, _, err := dir.DirectRolesAndGroups(context.Background(), "u1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(roles) != 1 {
		t.Fatalf("unexpired edge must be visible, got %v", roles)
	}

	now = now.Add(2 * time.Hour)
	roles, _, err = dir.DirectRolesAndGroups(context.Background(), "u1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("expired edge must be invisible, got %v", roles)
	}
}

func TestMemoryAuditStoreFilterAndBound(t *testing.T) {
	store := NewMemoryAuditStore(2)
	ctx := context.Background()
	for i, id := range []string{"e1", "e2", "e3"} {
		entry := &AuditEntry{ID: id, PrincipalID: "u1", Action: "read", Timestamp: time.Now().Add(time.Duration(i) * time.Second)}
		if err := store.LogDecision(ctx, entry); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	entries, err := store.AccessLog(ctx, AuditFilter{PrincipalID: "u1"})
	if err != nil {
		t.Fatalf("access log: %v", err)
	}
	// bounded at 2, newest first
	if len(entries) != 2 || entries[0].ID != "e3" || entries[1].ID != "e2" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	entries, err = store.AccessLog(ctx, AuditFilter{PrincipalID: "someone-else"})
	if err != nil {
		t.Fatalf("access log: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("filter must exclude other principals, got %+v", entries)
	}
}
