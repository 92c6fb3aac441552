package router

import "testing"

func TestResolveByTags(t *testing.T) {
	table := DefaultAssignTable()

	cases := []struct {
		name string
		tags []string
		want string
	}{
		{"backend keyword", []string{"backend"}, "backend-agent"},
		{"frontend keyword", []string{"ui"}, "frontend-agent"},
		{"first match wins", []string{"design", "api"}, "frontend-agent"},
		{"case insensitive", []string{"Backend"}, "backend-agent"},
		{"whitespace trimmed", []string{"  server  "}, "backend-agent"},
		{"unknown tags", []string{"docs", "planning"}, ""},
		{"no tags", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveByTags(tc.tags, table); got != tc.want {
				t.Errorf("ResolveByTags(%v) = %q, want %q", tc.tags, got, tc.want)
			}
		})
	}
}

func TestResolveByTagsDeterministic(t *testing.T) {
	table := AssignTable{"api": "a1", "ui": "a2"}
	tags := []string{"ui", "api"}
	first := ResolveByTags(tags, table)
	for i := 0; i < 50; i++ {
		if got := ResolveByTags(tags, table); got != first {
			t.Fatalf("resolution changed between calls: %q then %q", first, got)
		}
	}
	if first != "a2" {
		t.Errorf("want tag order to decide, got %q", first)
	}
}
