package domain

import "testing"

func TestScopeOverlaps(t *testing.T) {
	cases := []struct {
		name string
		a, b Scope
		want bool
	}{
		{"different trees", Scope{Tree: "a"}, Scope{Tree: "b"}, false},
		{"whole tree vs subset", Scope{Tree: "a"}, Scope{Tree: "a", VersionLinkIDs: []int64{3}}, true},
		{"disjoint subsets", Scope{Tree: "a", VersionLinkIDs: []int64{1, 2}}, Scope{Tree: "a", VersionLinkIDs: []int64{3}}, false},
		{"shared link", Scope{Tree: "a", VersionLinkIDs: []int64{1, 2}}, Scope{Tree: "a", VersionLinkIDs: []int64{2, 9}}, true},
	}
	for _, tc := range cases {
		if got := tc.a.Overlaps(tc.b); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
		if got := tc.b.Overlaps(tc.a); got != tc.want {
			t.Fatalf("%s (swapped): got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestParseRef(t *testing.T) {
	r, err := ParseRef("Version:710")
	if err != nil {
		t.Fatal(err)
	}
	if r.Type != "Version" || r.ID != 710 || r.Key() != "Version:710" {
		t.Fatalf("unexpected ref %+v", r)
	}
	for _, bad := range []string{"Version", ":1", "Version:x"} {
		if _, err := ParseRef(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestStatusAllowed(t *testing.T) {
	ts := ToolState{ValidStatuses: map[string][]string{"Version": {"rev", "apr"}}}
	if !ts.StatusAllowed("Version", "apr") || ts.StatusAllowed("Version", "wip") {
		t.Fatal("version vocabulary not enforced")
	}
	if !ts.StatusAllowed("Shot", "anything") {
		t.Fatal("missing vocabulary should allow")
	}
}
