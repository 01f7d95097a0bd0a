package accesskit

import (
	"context"
	"fmt"
)

// ============================================================================
// ROW-LEVEL SCOPE RESOLUTION
// ============================================================================

// ActionViewAllBranches is the cross-branch visibility action. A principal
// holding it on a resource type sees that type across every branch of their
// tenant; everyone else is confined to their own branch.
const ActionViewAllBranches Action = "view_all_branches"

// RowFilter is the predicate a query layer applies to list queries. A nil
// filter means no row-level restriction beyond tenant boundaries the host
// already enforces; a non-nil filter confines results to the given tenant
// and, when BranchID is set, branch.
type RowFilter struct {
	TenantID string `json:"tenant_id"`
	BranchID string `json:"branch_id,omitempty"`
}

// ResolveScope computes the row-level filter for listing resources of the
// given type: principals holding the cross-branch visibility action get a
// tenant-wide filter, everyone else gets a tenant+branch filter. Any failure
// resolves to the narrowest filter.
func (e *Engine) ResolveScope(ctx context.Context, principal *Principal, resourceType string) (*RowFilter, error) {
	if principal == nil {
		return nil, fmt.Errorf("principal is required")
	}
	narrow := &RowFilter{TenantID: principal.TenantID, BranchID: principal.BranchID}

	resource := &Resource{Type: resourceType, Path: "*"}
	dec, err := e.Evaluate(ctx, principal, resource, ActionViewAllBranches, nil)
	if err != nil {
		return narrow, err
	}
	if dec.Allowed {
		return &RowFilter{TenantID: principal.TenantID}, nil
	}
	return narrow, nil
}
