package accesskit

import (
	"context"
	"sort"
)

// roleSet is the aggregation result for one principal: every applicable role
// id plus the permission grants fetched alongside them, so the matcher never
// goes back to the directory.
type roleSet struct {
	roles  map[string]struct{}
	grants map[string][]*Permission
}

func (s *roleSet) ids() []string {
	out := make([]string, 0, len(s.roles))
	for id := range s.roles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// activeRoles computes the full applicable role set for a principal:
// direct role assignments, roles attached to the principal's direct groups
// and their ancestor groups, and the ancestor chain of every role collected
// so far. Each hierarchy is walked cycle-safely; a cycle drops only the
// offending branch's ancestor contribution, is logged, and aggregation
// continues with what was safely collected. Three batched directory reads,
// independent of role/group fan-out.
func (e *Engine) activeRoles(ctx context.Context, principal *Principal) (*roleSet, error) {
	set := &roleSet{roles: make(map[string]struct{}), grants: make(map[string][]*Permission)}

	directRoles, directGroups, err := e.dir.DirectRolesAndGroups(ctx, principal.ID)
	if err != nil {
		return nil, err
	}

	seed := make([]string, 0, len(directRoles))
	seed = append(seed, directRoles...)

	if len(directGroups) > 0 {
		groupParents, groupRoles, err := e.dir.GroupAncestryAndRoles(ctx, directGroups)
		if err != nil {
			return nil, err
		}
		parentOf := mapParents(groupParents)
		for _, gid := range directGroups {
			chain, werr := Ancestors(gid, parentOf)
			if werr != nil {
				e.logger.Error("group hierarchy cycle, dropping branch remainder", "group", gid, "error", werr.Error())
			}
			for _, g := range append([]string{gid}, chain...) {
				seed = append(seed, groupRoles[g]...)
			}
		}
	}

	if len(seed) == 0 {
		return set, nil
	}

	roleParents, grants, err := e.dir.RoleAncestryAndPermissions(ctx, dedupe(seed))
	if err != nil {
		return nil, err
	}
	parentOf := mapParents(roleParents)
	for _, rid := range dedupe(seed) {
		set.roles[rid] = struct{}{}
		chain, werr := Ancestors(rid, parentOf)
		if werr != nil {
			e.logger.Error("role hierarchy cycle, dropping branch remainder", "role", rid, "error", werr.Error())
		}
		for _, ancestor := range chain {
			set.roles[ancestor] = struct{}{}
		}
	}
	for rid := range set.roles {
		if perms, ok := grants[rid]; ok {
			set.grants[rid] = perms
		}
	}
	return set, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
