package resolve

import (
	"reflect"
	"testing"
)

// TestResolve_LocalNewer tests that a strictly newer local version wins
func TestResolve_LocalNewer(t *testing.T) {
	local := map[string]any{"land_use": "residential"}
	remote := map[string]any{"land_use": "commercial"}

	d := Resolve(5, local, 4, remote)
	if d.Kind != KeepLocal {
		t.Errorf("Kind = %s, want %s", d.Kind, KeepLocal)
	}
	if d.Followup {
		t.Error("Followup should not be set for KeepLocal")
	}
}

// TestResolve_DisjointFields tests the field-level merge path
func TestResolve_DisjointFields(t *testing.T) {
	tests := []struct {
		name         string
		localVersion int64
		local        map[string]any
		remoteVer    int64
		remote       map[string]any
		wantFields   map[string]any
	}{
		{
			name:         "equal versions different fields",
			localVersion: 3,
			local:        map[string]any{"land_use": "residential"},
			remoteVer:    3,
			remote:       map[string]any{"occupancy": "vacant"},
			wantFields:   map[string]any{"land_use": "residential", "occupancy": "vacant"},
		},
		{
			name:         "remote ahead different fields",
			localVersion: 3,
			local:        map[string]any{"notes": "roof damaged"},
			remoteVer:    4,
			remote:       map[string]any{"area_sqm": float64(420)},
			wantFields:   map[string]any{"notes": "roof damaged", "area_sqm": float64(420)},
		},
		{
			name:         "shared key equal values counts as disjoint",
			localVersion: 2,
			local:        map[string]any{"land_use": "mixed", "notes": "corner lot"},
			remoteVer:    2,
			remote:       map[string]any{"land_use": "mixed", "occupancy": "occupied"},
			wantFields:   map[string]any{"land_use": "mixed", "notes": "corner lot", "occupancy": "occupied"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Resolve(tt.localVersion, tt.local, tt.remoteVer, tt.remote)
			if d.Kind != Merged {
				t.Fatalf("Kind = %s, want %s", d.Kind, Merged)
			}
			if !reflect.DeepEqual(d.Fields, tt.wantFields) {
				t.Errorf("Fields = %v, want %v", d.Fields, tt.wantFields)
			}
		})
	}
}

// TestResolve_EqualVersionOverlap tests that concurrent edits to the
// same field keep remote and requeue the local edit
func TestResolve_EqualVersionOverlap(t *testing.T) {
	local := map[string]any{"land_use": "residential"}
	remote := map[string]any{"land_use": "commercial"}

	d := Resolve(3, local, 3, remote)
	if d.Kind != KeepRemote {
		t.Errorf("Kind = %s, want %s", d.Kind, KeepRemote)
	}
	if !d.Followup {
		t.Error("equal-version overlap must set Followup")
	}
}

// TestResolve_RemoteNewerOverlap tests that a stale local edit to a
// contested field loses outright
func TestResolve_RemoteNewerOverlap(t *testing.T) {
	local := map[string]any{"occupancy": "vacant"}
	remote := map[string]any{"occupancy": "occupied"}

	d := Resolve(2, local, 6, remote)
	if d.Kind != KeepRemote {
		t.Errorf("Kind = %s, want %s", d.Kind, KeepRemote)
	}
	if d.Followup {
		t.Error("stale overlapping edit must not be requeued")
	}
}

// TestResolve_MergeUnion tests that a merge carries both field sets
func TestResolve_MergeUnion(t *testing.T) {
	local := map[string]any{"a": 1, "b": 2}
	remote := map[string]any{"c": 3}

	d := Resolve(1, local, 1, remote)
	if d.Kind != Merged {
		t.Fatalf("Kind = %s, want %s", d.Kind, Merged)
	}
	want := map[string]any{"a": 1, "b": 2, "c": 3}
	if !reflect.DeepEqual(d.Fields, want) {
		t.Errorf("Fields = %v, want %v", d.Fields, want)
	}
}

// TestDecisionKind_String tests the string representations
func TestDecisionKind_String(t *testing.T) {
	tests := []struct {
		kind DecisionKind
		want string
	}{
		{KeepLocal, "keep-local"},
		{KeepRemote, "keep-remote"},
		{Merged, "merged"},
		{DecisionKind(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
