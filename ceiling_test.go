package accesskit

import (
	"context"
	"errors"
	"testing"

	"github.com/portmesh/accesskit/logger"
)

func TestCeilingAllows(t *testing.T) {
	c := Ceiling{
		"fleet":   {"create", "read"},
		"billing": {"*"},
	}
	if !c.Allows("fleet", "create") {
		t.Fatalf("fleet/create should be allowed")
	}
	if c.Allows("fleet", "delete") {
		t.Fatalf("fleet/delete should not be allowed")
	}
	if !c.Allows("billing", "anything") {
		t.Fatalf("wildcard action should allow everything on the capability")
	}
	if c.Allows("hr", "read") {
		t.Fatalf("unlisted capability should not be allowed")
	}
}

func TestCeilingWithinReportsViolation(t *testing.T) {
	parent := Ceiling{"fleet": {"create", "read"}}

	if _, _, ok := (Ceiling{"fleet": {"read"}}).Within(parent); !ok {
		t.Fatalf("subset must be within parent")
	}

	capName, _, ok := (Ceiling{"dgd_declaration": {"create"}}).Within(parent)
	if ok {
		t.Fatalf("unlisted capability must violate")
	}
	if capName != "dgd_declaration" {
		t.Fatalf("expected violating capability dgd_declaration, got %s", capName)
	}

	capName, action, ok := (Ceiling{"fleet": {"read", "delete"}}).Within(parent)
	if ok {
		t.Fatalf("excess action must violate")
	}
	if capName != "fleet" || action != "delete" {
		t.Fatalf("expected fleet/delete violation, got %s/%s", capName, action)
	}
}

func TestValidateCeilingAgainstParentTenant(t *testing.T) {
	dir := NewMemoryDirectory()
	if err := dir.AddTenant(&Tenant{ID: "product", Ceiling: Ceiling{"fleet": {"*"}, "billing": {"read"}}}); err != nil {
		t.Fatalf("add product: %v", err)
	}
	if err := dir.AddTenant(&Tenant{ID: "acme", ParentID: "product", Ceiling: Ceiling{"fleet": {"create", "read"}}}); err != nil {
		t.Fatalf("add acme: %v", err)
	}

	e, err := NewEngine(dir, WithLogger(logger.NewNop()))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	if err := e.ValidateCeiling(ctx, "acme", Ceiling{"fleet": {"read"}}); err != nil {
		t.Fatalf("valid ceiling rejected: %v", err)
	}

	err = e.ValidateCeiling(ctx, "acme", Ceiling{"dgd_declaration": {"create"}})
	var cv *CeilingViolationError
	if !errors.As(err, &cv) {
		t.Fatalf("expected CeilingViolationError, got %v", err)
	}
	if cv.Capability != "dgd_declaration" {
		t.Fatalf("expected violating capability dgd_declaration, got %s", cv.Capability)
	}

	// root tenant accepts anything
	if err := e.ValidateCeiling(ctx, "product", Ceiling{"anything": {"*"}}); err != nil {
		t.Fatalf("root ceiling rejected: %v", err)
	}
}

func TestAddTenantEnforcesCeiling(t *testing.T) {
	dir := NewMemoryDirectory()
	if err := dir.AddTenant(&Tenant{ID: "product", Ceiling: Ceiling{"fleet": {"create"}}}); err != nil {
		t.Fatalf("add product: %v", err)
	}
	err := dir.AddTenant(&Tenant{ID: "acme", ParentID: "product", Ceiling: Ceiling{"fleet": {"create", "delete"}}})
	var cv *CeilingViolationError
	if !errors.As(err, &cv) {
		t.Fatalf("expected CeilingViolationError, got %v", err)
	}
}
