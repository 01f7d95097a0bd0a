package stores

import (
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/date"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sqlNullTimeOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// scanTime normalizes a driver timestamp value: drivers hand back time.Time,
// string or []byte depending on backend.
func scanTime(raw interface{}) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}

// inParams expands an id list into named placeholders (:p_id0, :p_id1, ...)
// plus the matching argument map, for batched IN queries.
func inParams(prefix string, ids []string) (string, map[string]any) {
	names := make([]string, len(ids))
	args := make(map[string]any, len(ids))
	for i, id := range ids {
		name := fmt.Sprintf("%s%d", prefix, i)
		names[i] = ":" + name
		args[name] = id
	}
	return strings.Join(names, ", "), args
}
