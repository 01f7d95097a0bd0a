package accesskit

import (
	"sort"

	"github.com/portmesh/accesskit/utils"
)

// candidates selects, from the aggregated role set's grants, the permissions
// whose resource selector matches the requested resource. Matching is
// resource-type equality plus either id equality or wildcard path matching
// against the resource path (falling back to the id when no path is given).
// Order is deterministic: sorted by permission id.
func candidates(set *roleSet, resource *Resource) []*Permission {
	var out []*Permission
	seen := make(map[string]struct{})
	for _, roleID := range set.ids() {
		for _, perm := range set.grants[roleID] {
			if perm == nil {
				continue
			}
			if _, dup := seen[perm.ID]; dup {
				continue
			}
			if !matchesResource(perm, resource) {
				continue
			}
			seen[perm.ID] = struct{}{}
			out = append(out, perm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func matchesResource(perm *Permission, resource *Resource) bool {
	if perm.ResourceType != resource.Type {
		return false
	}
	if perm.ResourceID != "" {
		return perm.ResourceID == resource.ID || perm.ResourceID == resource.Ref()
	}
	return utils.MatchPath(resource.Ref(), perm.ResourcePath)
}
