package accesskit

// Builders provide a fluent API for creating Tenants, Roles, Groups and
// Permissions

// TenantBuilder builds a Tenant
type TenantBuilder struct {
	t *Tenant
}

func NewTenantBuilder() *TenantBuilder {
	return &TenantBuilder{t: &Tenant{Ceiling: Ceiling{}}}
}

func (b *TenantBuilder) ID(id string) *TenantBuilder        { b.t.ID = id; return b }
func (b *TenantBuilder) Name(n string) *TenantBuilder       { b.t.Name = n; return b }
func (b *TenantBuilder) Parent(id string) *TenantBuilder    { b.t.ParentID = id; return b }
func (b *TenantBuilder) Allow(capability string, actions ...Action) *TenantBuilder {
	b.t.Ceiling[capability] = append(b.t.Ceiling[capability], actions...)
	return b
}
func (b *TenantBuilder) Build() *Tenant { return b.t }

// RoleBuilder builds a Role
type RoleBuilder struct {
	r *Role
}

func NewRoleBuilder() *RoleBuilder {
	return &RoleBuilder{r: &Role{Assignable: true}}
}

func (b *RoleBuilder) ID(id string) *RoleBuilder              { b.r.ID = id; return b }
func (b *RoleBuilder) Tenant(t string) *RoleBuilder           { b.r.TenantID = t; return b }
func (b *RoleBuilder) Name(n string) *RoleBuilder             { b.r.Name = n; return b }
func (b *RoleBuilder) Parent(id string) *RoleBuilder          { b.r.ParentID = id; return b }
func (b *RoleBuilder) Assignable(v bool) *RoleBuilder         { b.r.Assignable = v; return b }
func (b *RoleBuilder) Priority(p int) *RoleBuilder            { b.r.Priority = p; return b }
func (b *RoleBuilder) Build() *Role                           { return b.r }

// GroupBuilder builds a Group
type GroupBuilder struct {
	g *Group
}

func NewGroupBuilder() *GroupBuilder                 { return &GroupBuilder{g: &Group{}} }
func (b *GroupBuilder) ID(id string) *GroupBuilder   { b.g.ID = id; return b }
func (b *GroupBuilder) Tenant(t string) *GroupBuilder { b.g.TenantID = t; return b }
func (b *GroupBuilder) Name(n string) *GroupBuilder  { b.g.Name = n; return b }
func (b *GroupBuilder) Parent(id string) *GroupBuilder { b.g.ParentID = id; return b }
func (b *GroupBuilder) Build() *Group                { return b.g }

// PermissionBuilder builds a Permission
type PermissionBuilder struct {
	p *Permission
}

func NewPermissionBuilder() *PermissionBuilder {
	return &PermissionBuilder{p: &Permission{Actions: []Action{}}}
}

func (b *PermissionBuilder) ID(id string) *PermissionBuilder       { b.p.ID = id; return b }
func (b *PermissionBuilder) Tenant(t string) *PermissionBuilder    { b.p.TenantID = t; return b }
func (b *PermissionBuilder) ResourceType(t string) *PermissionBuilder {
	b.p.ResourceType = t
	return b
}
func (b *PermissionBuilder) ResourceID(id string) *PermissionBuilder {
	b.p.ResourceID = id
	return b
}
func (b *PermissionBuilder) ResourcePath(path string) *PermissionBuilder {
	b.p.ResourcePath = path
	return b
}
func (b *PermissionBuilder) Actions(a ...Action) *PermissionBuilder {
	b.p.Actions = append(b.p.Actions, a...)
	return b
}
func (b *PermissionBuilder) Condition(field string, value any) *PermissionBuilder {
	if b.p.Conditions == nil {
		b.p.Conditions = map[string]any{}
	}
	b.p.Conditions[field] = value
	return b
}
func (b *PermissionBuilder) Field(name string, level FieldLevel) *PermissionBuilder {
	if b.p.Fields == nil {
		b.p.Fields = map[string]FieldLevel{}
	}
	b.p.Fields[name] = level
	return b
}
func (b *PermissionBuilder) Build() *Permission { return b.p }
