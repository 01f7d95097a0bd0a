package accesskit

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config is the declarative form of a complete access-control universe:
// tenant layers with ceilings, role and group hierarchies, permissions,
// grants and assignments. Deployments load it from YAML or JSON; the binary
// form exists for distributing validated snapshots between instances.
type Config struct {
	Version     uint16        `json:"version" yaml:"version"`
	Tenants     []*Tenant     `json:"tenants,omitempty" yaml:"tenants,omitempty"`
	Roles       []*Role       `json:"roles,omitempty" yaml:"roles,omitempty"`
	Groups      []*Group      `json:"groups,omitempty" yaml:"groups,omitempty"`
	Permissions []*Permission `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Grants      []Grant       `json:"grants,omitempty" yaml:"grants,omitempty"`
	Assignments []Assignment  `json:"assignments,omitempty" yaml:"assignments,omitempty"`
	Engine      EngineConfig  `json:"engine" yaml:"engine"`
}

// Grant attaches a permission to a role.
type Grant struct {
	RoleID       string `json:"role_id" yaml:"role_id"`
	PermissionID string `json:"permission_id" yaml:"permission_id"`
}

// AssignmentKind selects what an assignment binds.
type AssignmentKind string

const (
	AssignRoleKind  AssignmentKind = "role"       // principal -> role
	AssignGroupKind AssignmentKind = "group"      // principal -> group
	GroupRoleKind   AssignmentKind = "group_role" // group -> role
)

// Assignment is one edge in the assignment layer, optionally expiring.
type Assignment struct {
	Kind      AssignmentKind `json:"kind" yaml:"kind"`
	From      string         `json:"from" yaml:"from"`
	To        string         `json:"to" yaml:"to"`
	ExpiresAt time.Time      `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// EngineConfig carries the runtime knobs. Environment variables override
// file values through EngineConfigFromEnv (ACCESSKIT_ prefix).
type EngineConfig struct {
	DecisionCacheTTL    int64  `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms" envconfig:"DECISION_CACHE_TTL_MS"`
	CacheBackend        string `json:"cache_backend,omitempty" yaml:"cache_backend,omitempty" envconfig:"CACHE_BACKEND"` // sharded | ristretto | redis
	CeilingRecheck      bool   `json:"ceiling_recheck" yaml:"ceiling_recheck" envconfig:"CEILING_RECHECK"`
	AuditBufferSize     int    `json:"audit_buffer_size,omitempty" yaml:"audit_buffer_size,omitempty" envconfig:"AUDIT_BUFFER_SIZE"`
	RistrettoNumCounter int64  `json:"ristretto_num_counter,omitempty" yaml:"ristretto_num_counter,omitempty" envconfig:"RISTRETTO_NUM_COUNTER"`
	RistrettoMaxCost    int64  `json:"ristretto_max_cost,omitempty" yaml:"ristretto_max_cost,omitempty" envconfig:"RISTRETTO_MAX_COST"`
	RistrettoBuffer     int64  `json:"ristretto_buffer,omitempty" yaml:"ristretto_buffer,omitempty" envconfig:"RISTRETTO_BUFFER"`
	RedisAddr           string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty" envconfig:"REDIS_ADDR"`
}

// EngineConfigFromEnv reads engine knobs from ACCESSKIT_* variables.
func EngineConfigFromEnv() (EngineConfig, error) {
	var cfg EngineConfig
	if err := envconfig.Process("accesskit", &cfg); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

// ConfigLoader decodes configuration from the supported formats.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader { return &ConfigLoader{} }

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadBinary(data []byte) (*Config, error) {
	return decodeBinaryConfig(bytes.NewReader(data))
}

// ToYAML exports config to YAML.
func (c *Config) ToYAML() ([]byte, error) { return yaml.Marshal(c) }

// ToJSON exports config to indented JSON.
func (c *Config) ToJSON() ([]byte, error) { return json.MarshalIndent(c, "", "  ") }

// Validate checks structural soundness without touching a directory:
// permission invariants, compilable conditions, known assignment kinds.
func (c *Config) Validate() error {
	for _, p := range c.Permissions {
		if err := p.Validate(); err != nil {
			return err
		}
		if err := p.Compile(); err != nil {
			return err
		}
	}
	for _, a := range c.Assignments {
		switch a.Kind {
		case AssignRoleKind, AssignGroupKind, GroupRoleKind:
		default:
			return fmt.Errorf("assignment %s -> %s: unknown kind %q", a.From, a.To, a.Kind)
		}
		if a.From == "" || a.To == "" {
			return fmt.Errorf("assignment of kind %s: from and to are required", a.Kind)
		}
	}
	return nil
}

// ApplyConfig seeds a memory directory from the declarative config. Records
// are inserted parents-first so ceiling and cycle validation see complete
// ancestry; an unresolvable parent reference fails the load.
func ApplyConfig(cfg *Config, dir *MemoryDirectory) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := applyOrdered(len(cfg.Tenants),
		func(i int) (string, string) { return cfg.Tenants[i].ID, cfg.Tenants[i].ParentID },
		func(i int) error { return dir.AddTenant(cfg.Tenants[i]) },
	); err != nil {
		return fmt.Errorf("tenants: %w", err)
	}
	if err := applyOrdered(len(cfg.Roles),
		func(i int) (string, string) { return cfg.Roles[i].ID, cfg.Roles[i].ParentID },
		func(i int) error { return dir.AddRole(cfg.Roles[i]) },
	); err != nil {
		return fmt.Errorf("roles: %w", err)
	}
	if err := applyOrdered(len(cfg.Groups),
		func(i int) (string, string) { return cfg.Groups[i].ID, cfg.Groups[i].ParentID },
		func(i int) error { return dir.AddGroup(cfg.Groups[i]) },
	); err != nil {
		return fmt.Errorf("groups: %w", err)
	}

	for _, p := range cfg.Permissions {
		if err := dir.AddPermission(p); err != nil {
			return err
		}
	}
	for _, g := range cfg.Grants {
		if err := dir.GrantPermission(g.RoleID, g.PermissionID); err != nil {
			return err
		}
	}
	for _, a := range cfg.Assignments {
		var err error
		switch a.Kind {
		case AssignRoleKind:
			err = dir.AssignRole(a.From, a.To, a.ExpiresAt)
		case AssignGroupKind:
			err = dir.AssignGroup(a.From, a.To, a.ExpiresAt)
		case GroupRoleKind:
			err = dir.AttachGroupRole(a.From, a.To, a.ExpiresAt)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// applyOrdered inserts records parents-first: repeated passes insert every
// record whose parent is already present (or empty). A pass with no progress
// means a dangling or cyclic parent reference.
func applyOrdered(n int, key func(int) (id, parent string), insert func(int) error) error {
	inserted := make(map[string]bool, n)
	pending := make([]int, 0, n)
	for i := 0; i < n; i++ {
		pending = append(pending, i)
	}
	for len(pending) > 0 {
		var next []int
		progress := false
		for _, i := range pending {
			id, parent := key(i)
			if parent != "" && !inserted[parent] {
				next = append(next, i)
				continue
			}
			if err := insert(i); err != nil {
				return err
			}
			inserted[id] = true
			progress = true
		}
		if !progress {
			id, parent := key(next[0])
			return fmt.Errorf("record %s references unknown or cyclic parent %s", id, parent)
		}
		pending = next
	}
	return nil
}

// EngineOptionsFromConfig maps the runtime knobs to engine options.
func EngineOptionsFromConfig(cfg EngineConfig) ([]EngineOption, error) {
	var opts []EngineOption
	if cfg.DecisionCacheTTL > 0 {
		opts = append(opts, WithDecisionCacheTTL(time.Duration(cfg.DecisionCacheTTL)*time.Millisecond))
	}
	if cfg.CeilingRecheck {
		opts = append(opts, WithCeilingRecheck(true))
	}
	if cfg.CacheBackend == "ristretto" {
		rc, err := NewRistrettoCache(RistrettoCacheConfig{
			NumCounters: cfg.RistrettoNumCounter,
			MaxCost:     cfg.RistrettoMaxCost,
			BufferItems: cfg.RistrettoBuffer,
		})
		if err != nil {
			return nil, fmt.Errorf("ristretto cache: %w", err)
		}
		opts = append(opts, WithDecisionCache(rc))
	}
	return opts, nil
}

// ============================================================================
// BINARY SNAPSHOT CODEC
// ============================================================================

const (
	binaryMagic   = 0x414B // "AK"
	binaryVersion = 1
)

// EncodeBinaryConfig encodes a config snapshot: fixed header, then tagged
// length-prefixed sections, all little-endian.
func EncodeBinaryConfig(cfg *Config) ([]byte, error) {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, uint16(binaryMagic))
	binary.Write(buf, binary.LittleEndian, uint16(binaryVersion))
	binary.Write(buf, binary.LittleEndian, cfg.Version)

	writeSection(buf, 0x01, func(b *bytes.Buffer) { encodeTenants(b, cfg.Tenants) })
	writeSection(buf, 0x02, func(b *bytes.Buffer) { encodeRoles(b, cfg.Roles) })
	writeSection(buf, 0x03, func(b *bytes.Buffer) { encodeGroups(b, cfg.Groups) })
	writeSection(buf, 0x04, func(b *bytes.Buffer) { encodePermissions(b, cfg.Permissions) })
	writeSection(buf, 0x05, func(b *bytes.Buffer) { encodeGrants(b, cfg.Grants) })
	writeSection(buf, 0x06, func(b *bytes.Buffer) { encodeAssignments(b, cfg.Assignments) })
	writeSection(buf, 0x07, func(b *bytes.Buffer) { encodeEngineConfig(b, &cfg.Engine) })
	return buf.Bytes(), nil
}

func decodeBinaryConfig(r io.Reader) (*Config, error) {
	cfg := &Config{}
	var magic, ver, cfgVer uint16
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	binary.Read(r, binary.LittleEndian, &ver)
	binary.Read(r, binary.LittleEndian, &cfgVer)
	if magic != binaryMagic {
		return nil, fmt.Errorf("invalid magic: %x", magic)
	}
	if ver != binaryVersion {
		return nil, fmt.Errorf("unsupported snapshot version: %d", ver)
	}
	cfg.Version = cfgVer

	for {
		var tag uint8
		if err := binary.Read(r, binary.LittleEndian, &tag); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, err
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		switch tag {
		case 0x01:
			cfg.Tenants = decodeTenants(data)
		case 0x02:
			cfg.Roles = decodeRolesSection(data)
		case 0x03:
			cfg.Groups = decodeGroups(data)
		case 0x04:
			cfg.Permissions = decodePermissions(data)
		case 0x05:
			cfg.Grants = decodeGrants(data)
		case 0x06:
			cfg.Assignments = decodeAssignments(data)
		case 0x07:
			cfg.Engine = decodeEngineConfig(data)
		}
	}
	return cfg, nil
}

func writeSection(buf *bytes.Buffer, tag uint8, fn func(*bytes.Buffer)) {
	tmp := &bytes.Buffer{}
	fn(tmp)
	binary.Write(buf, binary.LittleEndian, tag)
	binary.Write(buf, binary.LittleEndian, uint32(tmp.Len()))
	buf.Write(tmp.Bytes())
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) string {
	var l uint16
	binary.Read(r, binary.LittleEndian, &l)
	b := make([]byte, l)
	io.ReadFull(r, b)
	return string(b)
}

// writeJSON stores a value as a JSON string; used for the open-shaped maps
// (ceilings, conditions, fields) where a hand-rolled layout buys nothing.
func writeJSON(buf *bytes.Buffer, v any) {
	b, _ := json.Marshal(v)
	writeString(buf, string(b))
}

func encodeTenants(buf *bytes.Buffer, tenants []*Tenant) {
	binary.Write(buf, binary.LittleEndian, uint16(len(tenants)))
	for _, t := range tenants {
		writeString(buf, t.ID)
		writeString(buf, t.Name)
		writeString(buf, t.ParentID)
		writeJSON(buf, t.Ceiling)
	}
}

func decodeTenants(data []byte) []*Tenant {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	tenants := make([]*Tenant, count)
	for i := range tenants {
		t := &Tenant{}
		t.ID = readString(r)
		t.Name = readString(r)
		t.ParentID = readString(r)
		json.Unmarshal([]byte(readString(r)), &t.Ceiling)
		tenants[i] = t
	}
	return tenants
}

func encodeRoles(buf *bytes.Buffer, roles []*Role) {
	binary.Write(buf, binary.LittleEndian, uint16(len(roles)))
	for _, role := range roles {
		writeString(buf, role.ID)
		writeString(buf, role.TenantID)
		writeString(buf, role.Name)
		writeString(buf, role.ParentID)
		buf.WriteByte(map[bool]byte{true: 1, false: 0}[role.Assignable])
		binary.Write(buf, binary.LittleEndian, int32(role.Priority))
	}
}

func decodeRolesSection(data []byte) []*Role {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	roles := make([]*Role, count)
	for i := range roles {
		role := &Role{}
		role.ID = readString(r)
		role.TenantID = readString(r)
		role.Name = readString(r)
		role.ParentID = readString(r)
		b, _ := r.ReadByte()
		role.Assignable = b == 1
		var pri int32
		binary.Read(r, binary.LittleEndian, &pri)
		role.Priority = int(pri)
		roles[i] = role
	}
	return roles
}

func encodeGroups(buf *bytes.Buffer, groups []*Group) {
	binary.Write(buf, binary.LittleEndian, uint16(len(groups)))
	for _, g := range groups {
		writeString(buf, g.ID)
		writeString(buf, g.TenantID)
		writeString(buf, g.Name)
		writeString(buf, g.ParentID)
	}
}

func decodeGroups(data []byte) []*Group {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	groups := make([]*Group, count)
	for i := range groups {
		g := &Group{}
		g.ID = readString(r)
		g.TenantID = readString(r)
		g.Name = readString(r)
		g.ParentID = readString(r)
		groups[i] = g
	}
	return groups
}

func encodePermissions(buf *bytes.Buffer, perms []*Permission) {
	binary.Write(buf, binary.LittleEndian, uint16(len(perms)))
	for _, p := range perms {
		writeString(buf, p.ID)
		writeString(buf, p.TenantID)
		writeString(buf, p.ResourceType)
		writeString(buf, p.ResourceID)
		writeString(buf, p.ResourcePath)
		binary.Write(buf, binary.LittleEndian, uint16(len(p.Actions)))
		for _, a := range p.Actions {
			writeString(buf, string(a))
		}
		writeJSON(buf, p.Conditions)
		writeJSON(buf, p.Fields)
	}
}

func decodePermissions(data []byte) []*Permission {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	perms := make([]*Permission, count)
	for i := range perms {
		p := &Permission{}
		p.ID = readString(r)
		p.TenantID = readString(r)
		p.ResourceType = readString(r)
		p.ResourceID = readString(r)
		p.ResourcePath = readString(r)
		var actCount uint16
		binary.Read(r, binary.LittleEndian, &actCount)
		p.Actions = make([]Action, actCount)
		for j := range p.Actions {
			p.Actions[j] = Action(readString(r))
		}
		json.Unmarshal([]byte(readString(r)), &p.Conditions)
		json.Unmarshal([]byte(readString(r)), &p.Fields)
		perms[i] = p
	}
	return perms
}

func encodeGrants(buf *bytes.Buffer, grants []Grant) {
	binary.Write(buf, binary.LittleEndian, uint16(len(grants)))
	for _, g := range grants {
		writeString(buf, g.RoleID)
		writeString(buf, g.PermissionID)
	}
}

func decodeGrants(data []byte) []Grant {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	grants := make([]Grant, count)
	for i := range grants {
		grants[i].RoleID = readString(r)
		grants[i].PermissionID = readString(r)
	}
	return grants
}

func encodeAssignments(buf *bytes.Buffer, assigns []Assignment) {
	binary.Write(buf, binary.LittleEndian, uint16(len(assigns)))
	for _, a := range assigns {
		writeString(buf, string(a.Kind))
		writeString(buf, a.From)
		writeString(buf, a.To)
		var exp int64
		if !a.ExpiresAt.IsZero() {
			exp = a.ExpiresAt.Unix()
		}
		binary.Write(buf, binary.LittleEndian, exp)
	}
}

func decodeAssignments(data []byte) []Assignment {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	assigns := make([]Assignment, count)
	for i := range assigns {
		assigns[i].Kind = AssignmentKind(readString(r))
		assigns[i].From = readString(r)
		assigns[i].To = readString(r)
		var exp int64
		binary.Read(r, binary.LittleEndian, &exp)
		if exp > 0 {
			assigns[i].ExpiresAt = time.Unix(exp, 0).UTC()
		}
	}
	return assigns
}

func encodeEngineConfig(buf *bytes.Buffer, cfg *EngineConfig) {
	binary.Write(buf, binary.LittleEndian, cfg.DecisionCacheTTL)
	writeString(buf, cfg.CacheBackend)
	buf.WriteByte(map[bool]byte{true: 1, false: 0}[cfg.CeilingRecheck])
	binary.Write(buf, binary.LittleEndian, int32(cfg.AuditBufferSize))
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoNumCounter)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoMaxCost)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoBuffer)
	writeString(buf, cfg.RedisAddr)
}

func decodeEngineConfig(data []byte) EngineConfig {
	r := bytes.NewReader(data)
	cfg := EngineConfig{}
	binary.Read(r, binary.LittleEndian, &cfg.DecisionCacheTTL)
	cfg.CacheBackend = readString(r)
	b, _ := r.ReadByte()
	cfg.CeilingRecheck = b == 1
	var abs int32
	binary.Read(r, binary.LittleEndian, &abs)
	cfg.AuditBufferSize = int(abs)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoNumCounter)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoMaxCost)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoBuffer)
	cfg.RedisAddr = readString(r)
	return cfg
}
