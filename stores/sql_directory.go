package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/portmesh/accesskit"
)

// SQLDirectory persists the tenant/role/group hierarchies, permissions and
// assignment edges in SQL (squealx) and serves the engine's batched read
// contract. Each read method issues a bounded number of queries: one per
// hierarchy level for ancestry (bounded by tree depth, never by fan-out)
// plus one for the attached records.
type SQLDirectory struct {
	db *squealx.DB
}

func NewSQLDirectory(db *squealx.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

// ============================================================================
// WRITES
// ============================================================================

// CreateTenant validates the proposed ceiling against the parent tenant's
// before inserting. The root tenant accepts any ceiling.
func (s *SQLDirectory) CreateTenant(ctx context.Context, t *accesskit.Tenant) error {
	if t.ParentID != "" {
		parent, err := s.TenantCeiling(ctx, t.ParentID)
		if err != nil {
			return fmt.Errorf("load parent tenant %s: %w", t.ParentID, err)
		}
		if capName, action, ok := t.Ceiling.Within(parent.Ceiling); !ok {
			return &accesskit.CeilingViolationError{TenantID: t.ID, Capability: capName, Action: action}
		}
	}
	ceiling, _ := json.Marshal(t.Ceiling)
	q := `INSERT INTO tenants(id, name, parent_id, ceiling_json, created_at, updated_at) VALUES(:id, :name, :parent_id, :ceiling_json, :created_at, :updated_at)`
	now := time.Now()
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": t.ID, "name": t.Name, "parent_id": t.ParentID, "ceiling_json": string(ceiling), "created_at": now, "updated_at": now})
	return err
}

// UpdateTenantCeiling re-validates against the parent before replacing.
func (s *SQLDirectory) UpdateTenantCeiling(ctx context.Context, tenantID string, ceiling accesskit.Ceiling) error {
	t, err := s.TenantCeiling(ctx, tenantID)
	if err != nil {
		return err
	}
	if t.ParentID != "" {
		parent, err := s.TenantCeiling(ctx, t.ParentID)
		if err != nil {
			return fmt.Errorf("load parent tenant %s: %w", t.ParentID, err)
		}
		if capName, action, ok := ceiling.Within(parent.Ceiling); !ok {
			return &accesskit.CeilingViolationError{TenantID: tenantID, Capability: capName, Action: action}
		}
	}
	b, _ := json.Marshal(ceiling)
	q := `UPDATE tenants SET ceiling_json=:ceiling_json, updated_at=:updated_at WHERE id=:id`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{"id": tenantID, "ceiling_json": string(b), "updated_at": time.Now()})
	return err
}

func (s *SQLDirectory) CreateRole(ctx context.Context, r *accesskit.Role) error {
	if r.ParentID != "" {
		if err := s.checkAttach(ctx, "roles", r.ID, r.ParentID); err != nil {
			return fmt.Errorf("role %s: %w", r.ID, err)
		}
	}
	q := `INSERT INTO roles(id, tenant_id, name, parent_id, assignable, priority, created_at) VALUES(:id, :tenant_id, :name, :parent_id, :assignable, :priority, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": r.ID, "tenant_id": r.TenantID, "name": r.Name, "parent_id": r.ParentID, "assignable": boolToInt(r.Assignable), "priority": r.Priority, "created_at": time.Now()})
	return err
}

func (s *SQLDirectory) CreateGroup(ctx context.Context, g *accesskit.Group) error {
	if g.ParentID != "" {
		if err := s.checkAttach(ctx, "groups", g.ID, g.ParentID); err != nil {
			return fmt.Errorf("group %s: %w", g.ID, err)
		}
	}
	q := `INSERT INTO groups(id, tenant_id, name, parent_id, created_at) VALUES(:id, :tenant_id, :name, :parent_id, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": g.ID, "tenant_id": g.TenantID, "name": g.Name, "parent_id": g.ParentID, "created_at": time.Now()})
	return err
}

// SetRoleParent re-points a role's parent pointer. The cycle check walks
// fresh data, then the update lands compare-and-swap against the parent
// observed during the walk; a concurrent edit makes the swap miss and the
// caller retries.
func (s *SQLDirectory) SetRoleParent(ctx context.Context, roleID, parentID string) error {
	return s.setParentCAS(ctx, "roles", roleID, parentID)
}

// SetGroupParent is SetRoleParent for the group hierarchy.
func (s *SQLDirectory) SetGroupParent(ctx context.Context, groupID, parentID string) error {
	return s.setParentCAS(ctx, "groups", groupID, parentID)
}

func (s *SQLDirectory) setParentCAS(ctx context.Context, table, childID, parentID string) error {
	oldParent, err := s.parentOf(ctx, table, childID)
	if err != nil {
		return err
	}
	if parentID != "" {
		if err := s.checkAttach(ctx, table, childID, parentID); err != nil {
			return fmt.Errorf("%s %s: %w", table, childID, err)
		}
	}
	q := fmt.Sprintf(`UPDATE %s SET parent_id=:new_parent WHERE id=:id AND parent_id=:old_parent`, table)
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": childID, "new_parent": parentID, "old_parent": oldParent})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s %s: parent changed concurrently, retry", table, childID)
	}
	return nil
}

func (s *SQLDirectory) parentOf(ctx context.Context, table, id string) (string, error) {
	q := fmt.Sprintf(`SELECT parent_id FROM %s WHERE id = :id`, table)
	rows, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return "", err
	}
	defer rows.Close()
	if !rows.Next() {
		return "", fmt.Errorf("%s not found: %s", table, id)
	}
	var parent string
	if err := rows.Scan(&parent); err != nil {
		return "", err
	}
	return parent, nil
}

// checkAttach verifies that attaching child under newParent keeps the stored
// hierarchy acyclic, walking parent pointers one query per level.
func (s *SQLDirectory) checkAttach(ctx context.Context, table, childID, newParent string) error {
	parent := func(id string) (string, bool) {
		p, err := s.parentOf(ctx, table, id)
		if err != nil || p == "" {
			return "", false
		}
		return p, true
	}
	return accesskit.CheckAttach(childID, newParent, parent)
}

// CreatePermission validates and compiles before inserting; malformed
// conditions never reach storage.
func (s *SQLDirectory) CreatePermission(ctx context.Context, p *accesskit.Permission) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := p.Compile(); err != nil {
		return err
	}
	actions, _ := json.Marshal(p.Actions)
	conditions, _ := json.Marshal(p.Conditions)
	fields, _ := json.Marshal(p.Fields)
	q := `INSERT INTO permissions(id, tenant_id, resource_type, resource_id, resource_path, actions_json, conditions_json, fields_json, created_at, updated_at) VALUES(:id, :tenant_id, :resource_type, :resource_id, :resource_path, :actions_json, :conditions_json, :fields_json, :created_at, :updated_at)`
	now := time.Now()
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": p.ID, "tenant_id": p.TenantID, "resource_type": p.ResourceType, "resource_id": p.ResourceID, "resource_path": p.ResourcePath, "actions_json": string(actions), "conditions_json": string(conditions), "fields_json": string(fields), "created_at": now, "updated_at": now})
	return err
}

func (s *SQLDirectory) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	q := `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES(:role_id, :permission_id)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"role_id": roleID, "permission_id": permissionID})
	return err
}

func (s *SQLDirectory) AssignRole(ctx context.Context, principalID, roleID string, expiresAt time.Time) error {
	q := `INSERT OR REPLACE INTO principal_roles(principal_id, role_id, expires_at) VALUES(:principal_id, :role_id, :expires_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"principal_id": principalID, "role_id": roleID, "expires_at": sqlNullTimeOrNil(expiresAt)})
	return err
}

func (s *SQLDirectory) AssignGroup(ctx context.Context, principalID, groupID string, expiresAt time.Time) error {
	q := `INSERT OR REPLACE INTO principal_groups(principal_id, group_id, expires_at) VALUES(:principal_id, :group_id, :expires_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"principal_id": principalID, "group_id": groupID, "expires_at": sqlNullTimeOrNil(expiresAt)})
	return err
}

func (s *SQLDirectory) AttachGroupRole(ctx context.Context, groupID, roleID string, expiresAt time.Time) error {
	q := `INSERT OR REPLACE INTO group_roles(group_id, role_id, expires_at) VALUES(:group_id, :role_id, :expires_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"group_id": groupID, "role_id": roleID, "expires_at": sqlNullTimeOrNil(expiresAt)})
	return err
}

func (s *SQLDirectory) RevokeRole(ctx context.Context, principalID, roleID string) error {
	q := `DELETE FROM principal_roles WHERE principal_id=:principal_id AND role_id=:role_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"principal_id": principalID, "role_id": roleID})
	return err
}

func (s *SQLDirectory) RevokeGroup(ctx context.Context, principalID, groupID string) error {
	q := `DELETE FROM principal_groups WHERE principal_id=:principal_id AND group_id=:group_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"principal_id": principalID, "group_id": groupID})
	return err
}

// ============================================================================
// READS (Directory contract)
// ============================================================================

func (s *SQLDirectory) DirectRolesAndGroups(ctx context.Context, principalID string) ([]string, []string, error) {
	roles, err := s.unexpiredEdges(ctx, `SELECT role_id, expires_at FROM principal_roles WHERE principal_id = :id`, principalID)
	if err != nil {
		return nil, nil, err
	}
	groups, err := s.unexpiredEdges(ctx, `SELECT group_id, expires_at FROM principal_groups WHERE principal_id = :id`, principalID)
	if err != nil {
		return nil, nil, err
	}
	return roles, groups, nil
}

func (s *SQLDirectory) unexpiredEdges(ctx context.Context, query, id string) ([]string, error) {
	rows, err := s.db.NamedQueryContext(ctx, query, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	now := time.Now()
	var out []string
	for rows.Next() {
		var to string
		var expRaw interface{}
		if err := rows.Scan(&to, &expRaw); err != nil {
			return nil, err
		}
		if exp := scanTime(expRaw); !exp.IsZero() && now.After(exp) {
			continue
		}
		out = append(out, to)
	}
	return out, nil
}

func (s *SQLDirectory) RoleAncestryAndPermissions(ctx context.Context, roleIDs []string) (map[string]string, map[string][]*accesskit.Permission, error) {
	parents, closure, err := s.ancestry(ctx, "roles", roleIDs)
	if err != nil {
		return nil, nil, err
	}
	grants := make(map[string][]*accesskit.Permission)
	if len(closure) == 0 {
		return parents, grants, nil
	}

	placeholders, args := inParams("r", closure)
	q := `SELECT rp.role_id, p.id, p.tenant_id, p.resource_type, p.resource_id, p.resource_path, p.actions_json, p.conditions_json, p.fields_json
	      FROM role_permissions rp JOIN permissions p ON p.id = rp.permission_id
	      WHERE rp.role_id IN (` + placeholders + `)`
	rows, err := s.db.NamedQueryContext(ctx, q, args)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var roleID string
		p := &accesskit.Permission{}
		var actionsJSON, conditionsJSON, fieldsJSON string
		if err := rows.Scan(&roleID, &p.ID, &p.TenantID, &p.ResourceType, &p.ResourceID, &p.ResourcePath, &actionsJSON, &conditionsJSON, &fieldsJSON); err != nil {
			return nil, nil, err
		}
		json.Unmarshal([]byte(actionsJSON), &p.Actions)
		json.Unmarshal([]byte(conditionsJSON), &p.Conditions)
		json.Unmarshal([]byte(fieldsJSON), &p.Fields)
		grants[roleID] = append(grants[roleID], p)
	}
	return parents, grants, nil
}

func (s *SQLDirectory) GroupAncestryAndRoles(ctx context.Context, groupIDs []string) (map[string]string, map[string][]string, error) {
	parents, closure, err := s.ancestry(ctx, "groups", groupIDs)
	if err != nil {
		return nil, nil, err
	}
	roles := make(map[string][]string)
	if len(closure) == 0 {
		return parents, roles, nil
	}

	placeholders, args := inParams("g", closure)
	q := `SELECT group_id, role_id, expires_at FROM group_roles WHERE group_id IN (` + placeholders + `)`
	rows, err := s.db.NamedQueryContext(ctx, q, args)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	now := time.Now()
	for rows.Next() {
		var groupID, roleID string
		var expRaw interface{}
		if err := rows.Scan(&groupID, &roleID, &expRaw); err != nil {
			return nil, nil, err
		}
		if exp := scanTime(expRaw); !exp.IsZero() && now.After(exp) {
			continue
		}
		roles[groupID] = append(roles[groupID], roleID)
	}
	return parents, roles, nil
}

func (s *SQLDirectory) TenantCeiling(ctx context.Context, tenantID string) (*accesskit.Tenant, error) {
	q := `SELECT id, name, parent_id, ceiling_json, created_at, updated_at FROM tenants WHERE id = :id`
	rows, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": tenantID})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("tenant not found: %s", tenantID)
	}
	t := &accesskit.Tenant{}
	var ceilingJSON string
	var createdRaw, updatedRaw interface{}
	if err := rows.Scan(&t.ID, &t.Name, &t.ParentID, &ceilingJSON, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(ceilingJSON), &t.Ceiling)
	t.CreatedAt = scanTime(createdRaw)
	t.UpdatedAt = scanTime(updatedRaw)
	return t, nil
}

// ancestry collects parent links for the transitive closure of the seed ids,
// one batched query per hierarchy level. Stored cycles terminate because
// visited ids are never re-queried.
func (s *SQLDirectory) ancestry(ctx context.Context, table string, seeds []string) (map[string]string, []string, error) {
	parents := make(map[string]string)
	visited := make(map[string]struct{})
	var closure []string

	frontier := make([]string, 0, len(seeds))
	for _, id := range seeds {
		if id == "" {
			continue
		}
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		frontier = append(frontier, id)
		closure = append(closure, id)
	}

	for len(frontier) > 0 {
		placeholders, args := inParams("n", frontier)
		q := fmt.Sprintf(`SELECT id, parent_id FROM %s WHERE id IN (%s)`, table, placeholders)
		rows, err := s.db.NamedQueryContext(ctx, q, args)
		if err != nil {
			return nil, nil, err
		}
		var next []string
		for rows.Next() {
			var id, parent string
			if err := rows.Scan(&id, &parent); err != nil {
				rows.Close()
				return nil, nil, err
			}
			if parent == "" {
				continue
			}
			parents[id] = parent
			if _, seen := visited[parent]; seen {
				continue
			}
			visited[parent] = struct{}{}
			next = append(next, parent)
			closure = append(closure, parent)
		}
		rows.Close()
		frontier = next
	}
	return parents, closure, nil
}
