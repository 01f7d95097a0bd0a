package accesskit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Principal represents who is requesting access: a user or a service account.
type Principal struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	BranchID       string         `json:"branch_id"`
	ServiceAccount bool           `json:"service_account"`
	Attrs          map[string]any `json:"attrs,omitempty"`
}

// Resource represents what is being accessed. Exactly one of ID or Path is
// expected on permissions; on requests either may be present (Path preferred
// for wildcard-addressed families, ID for point lookups).
type Resource struct {
	Type  string         `json:"type"`
	ID    string         `json:"id,omitempty"`
	Path  string         `json:"path,omitempty"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Ref returns the path if set, otherwise the id. Used for cache keys and
// permission path matching.
func (r *Resource) Ref() string {
	if r.Path != "" {
		return r.Path
	}
	return r.ID
}

// Action represents how the resource is being accessed.
type Action string

// FieldLevel is a per-field visibility/mutability classification layered on
// top of coarse-grained action permissions.
type FieldLevel string

const (
	FieldHidden FieldLevel = "hidden"
	FieldRead   FieldLevel = "read"
	FieldWrite  FieldLevel = "write"
)

// rank orders field levels by permissiveness: write > read > hidden.
func (l FieldLevel) rank() int {
	switch l {
	case FieldWrite:
		return 2
	case FieldRead:
		return 1
	case FieldHidden:
		return 0
	}
	return -1
}

// Valid reports whether l is one of the three recognized levels.
func (l FieldLevel) Valid() bool { return l.rank() >= 0 }

// Tenant is one administrative layer: id, parent link (empty only for the
// root), and the capability ceiling every descendant must stay within.
type Tenant struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	ParentID  string    `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Ceiling   Ceiling   `json:"ceiling,omitempty" yaml:"ceiling,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Role is a named grant container. Priority is a tie-break for presentation
// only and never influences the permission union.
type Role struct {
	ID         string    `json:"id" yaml:"id"`
	TenantID   string    `json:"tenant_id" yaml:"tenant_id"`
	Name       string    `json:"name,omitempty" yaml:"name,omitempty"`
	ParentID   string    `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Assignable bool      `json:"assignable" yaml:"assignable"`
	Priority   int       `json:"priority,omitempty" yaml:"priority,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// Group is a principal collection. Group objects form a hierarchy; group
// membership itself does not.
type Group struct {
	ID        string    `json:"id" yaml:"id"`
	TenantID  string    `json:"tenant_id" yaml:"tenant_id"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	ParentID  string    `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// Permission grants an action set on a resource family, optionally guarded by
// attribute conditions and carrying field-level visibility. Exactly one of
// ResourceID and ResourcePath must be set.
type Permission struct {
	ID           string                `json:"id" yaml:"id"`
	TenantID     string                `json:"tenant_id" yaml:"tenant_id"`
	ResourceType string                `json:"resource_type" yaml:"resource_type"`
	ResourceID   string                `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	ResourcePath string                `json:"resource_path,omitempty" yaml:"resource_path,omitempty"`
	Actions      []Action              `json:"actions" yaml:"actions"`
	Conditions   map[string]any        `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Fields       map[string]FieldLevel `json:"fields,omitempty" yaml:"fields,omitempty"`
	CreatedAt    time.Time             `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt    time.Time             `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`

	// predicates is the load-time compiled form of Conditions. Nil means
	// Compile has not run; empty means unconditional.
	predicates []Predicate
}

// Validate enforces the permission write invariants: non-empty action set,
// exactly one of resource id / resource path, recognized field levels.
func (p *Permission) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("permission id is required")
	}
	if p.ResourceType == "" {
		return fmt.Errorf("permission %s: resource type is required", p.ID)
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("permission %s: action set must not be empty", p.ID)
	}
	if (p.ResourceID == "") == (p.ResourcePath == "") {
		return fmt.Errorf("permission %s: %w", p.ID, ErrAmbiguousResource)
	}
	for field, level := range p.Fields {
		if !level.Valid() {
			return fmt.Errorf("permission %s: field %s has unknown level %q", p.ID, field, level)
		}
	}
	return nil
}

// Compile parses Conditions into typed predicates so evaluation never touches
// the raw map on the hot path. An empty condition map compiles to zero
// predicates, meaning unconditional.
func (p *Permission) Compile() error {
	preds, err := ParseConditions(p.Conditions)
	if err != nil {
		return fmt.Errorf("permission %s: %w", p.ID, err)
	}
	p.predicates = preds
	return nil
}

// Predicates returns the compiled predicates, compiling on first use if the
// permission was not preloaded through Compile.
func (p *Permission) Predicates() ([]Predicate, error) {
	if p.predicates == nil {
		if err := p.Compile(); err != nil {
			return nil, err
		}
		if p.predicates == nil {
			p.predicates = []Predicate{}
		}
	}
	return p.predicates, nil
}

// HasAction reports whether the permission's action set covers the requested
// action. A literal "*" entry covers everything.
func (p *Permission) HasAction(action Action) bool {
	for _, a := range p.Actions {
		if a == action || a == "*" {
			return true
		}
	}
	return false
}

// ============================================================================
// ASSIGNMENT EDGES
// ============================================================================

// Edge is a single assignment pair with optional expiry. Expired edges are
// excluded from aggregation.
type Edge struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero = no expiry
}

// ExpiredAt reports whether the edge is expired at the given instant.
func (e Edge) ExpiredAt(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// ============================================================================
// DECISIONS
// ============================================================================

// ReasonCode distinguishes why a decision came out the way it did, so audit
// logs can separate infrastructure degradation from legitimate refusals.
type ReasonCode string

const (
	ReasonPermissionMatch      ReasonCode = "permission_match"
	ReasonNoMatchingPermission ReasonCode = "no_matching_permission"
	ReasonTimeout              ReasonCode = "timeout"
	ReasonTenantMismatch       ReasonCode = "tenant_mismatch"
	ReasonCeilingExceeded      ReasonCode = "ceiling_exceeded"
)

// Decision is the evaluation result returned to callers.
type Decision struct {
	Allowed              bool                  `json:"allowed"`
	MatchedPermissionIDs []string              `json:"matched_permission_ids,omitempty"`
	FieldPermissions     map[string]FieldLevel `json:"field_permissions,omitempty"`
	Reason               ReasonCode            `json:"reason"`
	Timestamp            time.Time             `json:"timestamp"`
	Trace                []string              `json:"trace,omitempty"`
}

// Check is one resource/action pair inside a batch evaluation.
type Check struct {
	Resource *Resource `json:"resource"`
	Action   Action    `json:"action"`
}

// CheckResult pairs a batch check with its decision.
type CheckResult struct {
	Resource *Resource `json:"resource"`
	Action   Action    `json:"action"`
	Decision *Decision `json:"decision"`
}

// ============================================================================
// ERRORS
// ============================================================================

var (
	// ErrCycleDetected is returned by the graph walker when a previously
	// visited node recurs. Never fatal to an evaluation; fatal to a write.
	ErrCycleDetected = errors.New("hierarchy cycle detected")

	// ErrAmbiguousResource marks a permission carrying both or neither of
	// resource id and resource path. Rejected at write time.
	ErrAmbiguousResource = errors.New("exactly one of resource id and resource path must be set")

	// ErrMalformedCondition marks an unsupported operator or operand shape in
	// a condition map. At load time it fails the write; at evaluation time a
	// type mismatch degrades to not-satisfied instead.
	ErrMalformedCondition = errors.New("malformed condition")
)

// CeilingViolationError reports the specific capability/action that exceeded
// the parent layer's allowance.
type CeilingViolationError struct {
	TenantID   string
	Capability string
	Action     Action
}

func (e *CeilingViolationError) Error() string {
	return fmt.Sprintf("ceiling violation: tenant %s may not grant %s on capability %s", e.TenantID, e.Action, e.Capability)
}

// ============================================================================
// PERSISTENCE COLLABORATOR
// ============================================================================

// Directory is the read contract the engine consumes. All methods are
// read-only and batched by id list; the engine never mutates hierarchy or
// assignment records. Implementations must honor ctx cancellation.
type Directory interface {
	// DirectRolesAndGroups returns the unexpired direct role and group
	// assignments of a principal.
	DirectRolesAndGroups(ctx context.Context, principalID string) (roleIDs, groupIDs []string, err error)

	// RoleAncestryAndPermissions returns, for the transitive parent closure of
	// the given roles, the parent links (child -> parent) and the permissions
	// directly granted to each role in the closure.
	RoleAncestryAndPermissions(ctx context.Context, roleIDs []string) (parents map[string]string, grants map[string][]*Permission, err error)

	// GroupAncestryAndRoles returns the parent links for the transitive
	// parent closure of the given groups and the unexpired roles attached to
	// each group in the closure.
	GroupAncestryAndRoles(ctx context.Context, groupIDs []string) (parents map[string]string, roles map[string][]string, err error)

	// TenantCeiling returns the tenant record, including parent link and
	// configured ceiling.
	TenantCeiling(ctx context.Context, tenantID string) (*Tenant, error)
}

// ============================================================================
// AUDIT
// ============================================================================

// AuditEntry is one decision record.
type AuditEntry struct {
	ID           string     `json:"id"`
	Timestamp    time.Time  `json:"timestamp"`
	TenantID     string     `json:"tenant_id"`
	PrincipalID  string     `json:"principal_id"`
	ResourceType string     `json:"resource_type"`
	ResourceRef  string     `json:"resource_ref"`
	Action       Action     `json:"action"`
	Allowed      bool       `json:"allowed"`
	Reason       ReasonCode `json:"reason"`
	MatchedIDs   []string   `json:"matched_permission_ids,omitempty"`
}

// AuditFilter narrows access-log queries.
type AuditFilter struct {
	PrincipalID  string
	ResourceType string
	Action       Action
	StartTime    time.Time
	EndTime      time.Time
	Limit        int
}

// AuditStore persists decision records.
type AuditStore interface {
	LogDecision(ctx context.Context, entry *AuditEntry) error
	AccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}
