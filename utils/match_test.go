package utils

import "testing"

func TestMatchPath(t *testing.T) {
	cases := []struct {
		value   string
		pattern string
		want    bool
	}{
		{"fleet/vehicles/123", "*", true},
		{"fleet/vehicles/123", "fleet/vehicles/*", true},
		{"fleet/vehicles/123/status", "fleet/vehicles/*", true},
		{"fleet/vessels/123", "fleet/vehicles/*", false},
		{"fleet/vehicles", "fleet/vehicles", true},
		{"fleet/vehicles", "fleet/vessels", false},
		{"fleet/vehicles/123", "fleet/:type/123", true},
		{"fleet/vehicles/999", "fleet/:type/123", false},
		{"fleet/vehicles/123", "fleet/:type/:id", true},
		{"fleet/vehicles", "fleet/:type/:id", false},
		{"fleet/vehicles/123/x", "fleet/:type/:id", false},
		{"fleet/vehicles/123/x", "fleet/:type/*", true},
		{"ops/vehicles/123", "fleet/:type/*", false},
		{"", "*", true},
	}
	for _, c := range cases {
		if got := MatchPath(c.value, c.pattern); got != c.want {
			t.Fatalf("MatchPath(%q, %q) = %v, want %v", c.value, c.pattern, got, c.want)
		}
	}
}
