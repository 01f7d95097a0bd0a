package accesskit

// MergeFields combines the field-permission maps of all matched-and-satisfied
// permissions into one decision-scoped map. Overlapping grants resolve to the
// most permissive level (write > read > hidden). Fields declared by no
// contributor are omitted; whether omission means default-visible or
// default-hidden is the caller's policy, not the engine's.
func MergeFields(satisfied []*Permission) map[string]FieldLevel {
	var merged map[string]FieldLevel
	for _, perm := range satisfied {
		for field, level := range perm.Fields {
			if !level.Valid() {
				continue
			}
			if merged == nil {
				merged = make(map[string]FieldLevel)
			}
			if cur, ok := merged[field]; !ok || level.rank() > cur.rank() {
				merged[field] = level
			}
		}
	}
	return merged
}
