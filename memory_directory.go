package accesskit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// IN-MEMORY DIRECTORY
// ============================================================================

// MemoryDirectory is the in-process implementation of the Directory read
// contract plus the write surface the engine itself does not own: hierarchy
// edits, assignments and grants. Writes validate the same invariants the SQL
// store enforces (cycle-free parent pointers, single resource addressing,
// compilable conditions), so tests and config-seeded deployments exercise
// the real write rules.
type MemoryDirectory struct {
	mu sync.RWMutex

	tenants     map[string]*Tenant
	roles       map[string]*Role
	groups      map[string]*Group
	permissions map[string]*Permission

	rolePerms      map[string][]string // role id -> permission ids
	groupRoles     map[string][]Edge   // group id -> role edges
	principalRole  map[string][]Edge   // principal id -> role edges
	principalGroup map[string][]Edge   // principal id -> group edges

	now func() time.Time
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		tenants:        make(map[string]*Tenant),
		roles:          make(map[string]*Role),
		groups:         make(map[string]*Group),
		permissions:    make(map[string]*Permission),
		rolePerms:      make(map[string][]string),
		groupRoles:     make(map[string][]Edge),
		principalRole:  make(map[string][]Edge),
		principalGroup: make(map[string][]Edge),
		now:            time.Now,
	}
}

// SetClock substitutes the time source used for edge expiry.
func (d *MemoryDirectory) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// ============================================================================
// WRITES
// ============================================================================

// AddTenant validates the ceiling against the parent's before persisting.
// The root tenant (no parent) accepts any ceiling.
func (d *MemoryDirectory) AddTenant(t *Tenant) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("tenant id is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.ParentID != "" {
		parent, ok := d.tenants[t.ParentID]
		if !ok {
			return fmt.Errorf("tenant %s: parent %s not found", t.ID, t.ParentID)
		}
		if err := CheckAttach(t.ID, t.ParentID, d.tenantParentFn()); err != nil {
			return fmt.Errorf("tenant %s: %w", t.ID, err)
		}
		if capName, action, ok := t.Ceiling.Within(parent.Ceiling); !ok {
			return &CeilingViolationError{TenantID: t.ID, Capability: capName, Action: action}
		}
	}
	cp := *t
	now := d.now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	d.tenants[t.ID] = &cp
	return nil
}

// SetTenantCeiling re-validates the replacement ceiling against the parent.
func (d *MemoryDirectory) SetTenantCeiling(tenantID string, ceiling Ceiling) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tenants[tenantID]
	if !ok {
		return fmt.Errorf("tenant not found: %s", tenantID)
	}
	if t.ParentID != "" {
		parent, ok := d.tenants[t.ParentID]
		if !ok {
			return fmt.Errorf("tenant %s: parent %s not found", tenantID, t.ParentID)
		}
		if capName, action, ok := ceiling.Within(parent.Ceiling); !ok {
			return &CeilingViolationError{TenantID: tenantID, Capability: capName, Action: action}
		}
	}
	t.Ceiling = ceiling
	t.UpdatedAt = d.now()
	return nil
}

func (d *MemoryDirectory) AddRole(r *Role) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("role id is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if r.ParentID != "" {
		if _, ok := d.roles[r.ParentID]; !ok {
			return fmt.Errorf("role %s: parent %s not found", r.ID, r.ParentID)
		}
		if err := CheckAttach(r.ID, r.ParentID, d.roleParentFn()); err != nil {
			return fmt.Errorf("role %s: %w", r.ID, err)
		}
	}
	cp := *r
	cp.CreatedAt = d.now()
	d.roles[r.ID] = &cp
	return nil
}

// SetRoleParent re-points a role's parent, rejecting any edit that would
// close a cycle.
func (d *MemoryDirectory) SetRoleParent(roleID, parentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.roles[roleID]
	if !ok {
		return fmt.Errorf("role not found: %s", roleID)
	}
	if parentID != "" {
		if _, ok := d.roles[parentID]; !ok {
			return fmt.Errorf("role parent not found: %s", parentID)
		}
		if err := CheckAttach(roleID, parentID, d.roleParentFn()); err != nil {
			return fmt.Errorf("role %s: %w", roleID, err)
		}
	}
	r.ParentID = parentID
	return nil
}

func (d *MemoryDirectory) AddGroup(g *Group) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("group id is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if g.ParentID != "" {
		if _, ok := d.groups[g.ParentID]; !ok {
			return fmt.Errorf("group %s: parent %s not found", g.ID, g.ParentID)
		}
		if err := CheckAttach(g.ID, g.ParentID, d.groupParentFn()); err != nil {
			return fmt.Errorf("group %s: %w", g.ID, err)
		}
	}
	cp := *g
	cp.CreatedAt = d.now()
	d.groups[g.ID] = &cp
	return nil
}

// SetGroupParent re-points a group's parent, rejecting cycles.
func (d *MemoryDirectory) SetGroupParent(groupID, parentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[groupID]
	if !ok {
		return fmt.Errorf("group not found: %s", groupID)
	}
	if parentID != "" {
		if _, ok := d.groups[parentID]; !ok {
			return fmt.Errorf("group parent not found: %s", parentID)
		}
		if err := CheckAttach(groupID, parentID, d.groupParentFn()); err != nil {
			return fmt.Errorf("group %s: %w", groupID, err)
		}
	}
	g.ParentID = parentID
	return nil
}

// AddPermission validates and compiles before persisting; a malformed
// condition map never reaches storage.
func (d *MemoryDirectory) AddPermission(p *Permission) error {
	if p == nil {
		return fmt.Errorf("permission is required")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if err := p.Compile(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *p
	now := d.now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	d.permissions[p.ID] = &cp
	return nil
}

// GrantPermission attaches a permission to a role.
func (d *MemoryDirectory) GrantPermission(roleID, permissionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.roles[roleID]; !ok {
		return fmt.Errorf("role not found: %s", roleID)
	}
	if _, ok := d.permissions[permissionID]; !ok {
		return fmt.Errorf("permission not found: %s", permissionID)
	}
	for _, pid := range d.rolePerms[roleID] {
		if pid == permissionID {
			return nil
		}
	}
	d.rolePerms[roleID] = append(d.rolePerms[roleID], permissionID)
	return nil
}

// AssignRole binds a role to a principal, optionally until expiresAt.
func (d *MemoryDirectory) AssignRole(principalID, roleID string, expiresAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.roles[roleID]; !ok {
		return fmt.Errorf("role not found: %s", roleID)
	}
	d.principalRole[principalID] = upsertEdge(d.principalRole[principalID], Edge{From: principalID, To: roleID, ExpiresAt: expiresAt})
	return nil
}

// AssignGroup binds a principal to a group, optionally until expiresAt.
func (d *MemoryDirectory) AssignGroup(principalID, groupID string, expiresAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.groups[groupID]; !ok {
		return fmt.Errorf("group not found: %s", groupID)
	}
	d.principalGroup[principalID] = upsertEdge(d.principalGroup[principalID], Edge{From: principalID, To: groupID, ExpiresAt: expiresAt})
	return nil
}

// AttachGroupRole attaches a role to a group, optionally until expiresAt.
func (d *MemoryDirectory) AttachGroupRole(groupID, roleID string, expiresAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.groups[groupID]; !ok {
		return fmt.Errorf("group not found: %s", groupID)
	}
	if _, ok := d.roles[roleID]; !ok {
		return fmt.Errorf("role not found: %s", roleID)
	}
	d.groupRoles[groupID] = upsertEdge(d.groupRoles[groupID], Edge{From: groupID, To: roleID, ExpiresAt: expiresAt})
	return nil
}

// RevokeRole removes a principal-role edge.
func (d *MemoryDirectory) RevokeRole(principalID, roleID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.principalRole[principalID] = removeEdge(d.principalRole[principalID], roleID)
}

// RevokeGroup removes a principal-group edge.
func (d *MemoryDirectory) RevokeGroup(principalID, groupID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.principalGroup[principalID] = removeEdge(d.principalGroup[principalID], groupID)
}

func upsertEdge(edges []Edge, e Edge) []Edge {
	for i, cur := range edges {
		if cur.To == e.To {
			edges[i] = e
			return edges
		}
	}
	return append(edges, e)
}

func removeEdge(edges []Edge, to string) []Edge {
	out := edges[:0]
	for _, e := range edges {
		if e.To != to {
			out = append(out, e)
		}
	}
	return out
}

// forceRoleParent installs a parent pointer without the attach check. Only
// hierarchy-cycle tests use it; the supported write path is SetRoleParent.
func (d *MemoryDirectory) forceRoleParent(roleID, parentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.roles[roleID]; ok {
		r.ParentID = parentID
	}
}

func (d *MemoryDirectory) forceGroupParent(groupID, parentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if g, ok := d.groups[groupID]; ok {
		g.ParentID = parentID
	}
}

// ============================================================================
// READS (Directory contract)
// ============================================================================

func (d *MemoryDirectory) DirectRolesAndGroups(ctx context.Context, principalID string) ([]string, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	now := d.now()
	var roleIDs, groupIDs []string
	for _, e := range d.principalRole[principalID] {
		if !e.ExpiredAt(now) {
			roleIDs = append(roleIDs, e.To)
		}
	}
	for _, e := range d.principalGroup[principalID] {
		if !e.ExpiredAt(now) {
			groupIDs = append(groupIDs, e.To)
		}
	}
	sort.Strings(roleIDs)
	sort.Strings(groupIDs)
	return roleIDs, groupIDs, nil
}

func (d *MemoryDirectory) RoleAncestryAndPermissions(ctx context.Context, roleIDs []string) (map[string]string, map[string][]*Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	parents := make(map[string]string)
	closure := d.closure(roleIDs, func(id string) (string, bool) {
		r, ok := d.roles[id]
		if !ok {
			return "", false
		}
		return r.ParentID, true
	}, parents)

	grants := make(map[string][]*Permission)
	for id := range closure {
		for _, pid := range d.rolePerms[id] {
			if p, ok := d.permissions[pid]; ok {
				grants[id] = append(grants[id], p)
			}
		}
	}
	return parents, grants, nil
}

func (d *MemoryDirectory) GroupAncestryAndRoles(ctx context.Context, groupIDs []string) (map[string]string, map[string][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	parents := make(map[string]string)
	closure := d.closure(groupIDs, func(id string) (string, bool) {
		g, ok := d.groups[id]
		if !ok {
			return "", false
		}
		return g.ParentID, true
	}, parents)

	now := d.now()
	roles := make(map[string][]string)
	for id := range closure {
		for _, e := range d.groupRoles[id] {
			if !e.ExpiredAt(now) {
				roles[id] = append(roles[id], e.To)
			}
		}
	}
	return parents, roles, nil
}

func (d *MemoryDirectory) TenantCeiling(ctx context.Context, tenantID string) (*Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant not found: %s", tenantID)
	}
	cp := *t
	return &cp, nil
}

// closure collects the transitive parent closure of seeds, bounded even when
// stored pointers form a cycle: each node is visited once. Parent links are
// recorded into parents as they are discovered.
func (d *MemoryDirectory) closure(seeds []string, parentOf func(string) (string, bool), parents map[string]string) map[string]struct{} {
	visited := make(map[string]struct{})
	frontier := append([]string(nil), seeds...)
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if id == "" {
			continue
		}
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		parent, ok := parentOf(id)
		if !ok || parent == "" {
			continue
		}
		parents[id] = parent
		frontier = append(frontier, parent)
	}
	return visited
}

func (d *MemoryDirectory) tenantParentFn() ParentFn {
	return func(id string) (string, bool) {
		t, ok := d.tenants[id]
		if !ok {
			return "", false
		}
		return t.ParentID, t.ParentID != ""
	}
}

func (d *MemoryDirectory) roleParentFn() ParentFn {
	return func(id string) (string, bool) {
		r, ok := d.roles[id]
		if !ok {
			return "", false
		}
		return r.ParentID, r.ParentID != ""
	}
}

func (d *MemoryDirectory) groupParentFn() ParentFn {
	return func(id string) (string, bool) {
		g, ok := d.groups[id]
		if !ok {
			return "", false
		}
		return g.ParentID, g.ParentID != ""
	}
}

// ============================================================================
// IN-MEMORY AUDIT STORE
// ============================================================================

// MemoryAuditStore keeps decision records in a bounded ring, oldest evicted
// first. Intended for tests and single-process deployments.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*AuditEntry
	limit   int
}

func NewMemoryAuditStore(limit int) *MemoryAuditStore {
	if limit <= 0 {
		limit = 10000
	}
	return &MemoryAuditStore{limit: limit}
}

func (s *MemoryAuditStore) LogDecision(ctx context.Context, entry *AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.entries = append(s.entries, &cp)
	if len(s.entries) > s.limit {
		s.entries = s.entries[len(s.entries)-s.limit:]
	}
	return nil
}

func (s *MemoryAuditStore) AccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if filter.PrincipalID != "" && e.PrincipalID != filter.PrincipalID {
			continue
		}
		if filter.ResourceType != "" && e.ResourceType != filter.ResourceType {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if !filter.StartTime.IsZero() && e.Timestamp.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && e.Timestamp.After(filter.EndTime) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
