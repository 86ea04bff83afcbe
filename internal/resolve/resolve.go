// Package resolve decides the surviving state when the remote authority
// reports a version mismatch on a property collection.
//
// The policy is last-writer-wins by version, not by wall-clock: clocks
// on offline field devices are untrusted, while the integer version is
// bumped on every locally committed edit and so orders edits reliably.
package resolve

import (
	"reflect"
)

// DecisionKind names the three terminal outcomes of conflict resolution.
type DecisionKind int

const (
	// KeepLocal means the local edit supersedes; remote stored state is
	// overwritten with the local payload at localVersion+1.
	KeepLocal DecisionKind = iota
	// KeepRemote means the remote state wins; the local entity is
	// overwritten with remote state and marked synced.
	KeepRemote
	// Merged means both sides edited disjoint fields; the union payload
	// survives at remoteVersion+1.
	Merged
)

// String returns a human-readable representation of the decision kind.
func (k DecisionKind) String() string {
	switch k {
	case KeepLocal:
		return "keep-local"
	case KeepRemote:
		return "keep-remote"
	case Merged:
		return "merged"
	default:
		return "unknown"
	}
}

// Decision is the resolver's verdict. Every conflict resolves to
// exactly one terminal decision; conflicts are never left ambiguous.
type Decision struct {
	Kind DecisionKind

	// Fields is the merged field map (Merged only).
	Fields map[string]any

	// Followup is set on KeepRemote when the local edit must be
	// preserved as a separate, newly-versioned mutation rather than
	// silently dropped. Only equal-version conflicts set this: both
	// sides edited from the same base, so the local edit is a real
	// change the agent made and still wants.
	Followup bool
}

// Resolve arbitrates between a local edit and the authority's current
// state of the same entity.
//
// Policy:
//   - localVersion > remoteVersion: the local edit is strictly newer,
//     KeepLocal.
//   - localVersion <= remoteVersion with disjointly modified fields:
//     Merged, containing both sets of edits.
//   - equal versions with overlapping fields: KeepRemote with the local
//     edit re-queued as a follow-up mutation.
//   - localVersion < remoteVersion with overlapping fields: KeepRemote.
func Resolve(localVersion int64, local map[string]any, remoteVersion int64, remote map[string]any) Decision {
	if localVersion > remoteVersion {
		return Decision{Kind: KeepLocal}
	}

	if disjoint(local, remote) {
		return Decision{Kind: Merged, Fields: merge(local, remote)}
	}

	if localVersion == remoteVersion {
		return Decision{Kind: KeepRemote, Followup: true}
	}

	return Decision{Kind: KeepRemote}
}

// disjoint reports whether the two field maps modify disjoint field
// sets: no key present in both carries differing values.
func disjoint(local, remote map[string]any) bool {
	for key, lv := range local {
		rv, ok := remote[key]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(lv, rv) {
			return false
		}
	}
	return true
}

// merge unions two disjoint field maps. Remote values are laid down
// first; local values fill the remaining keys. Shared keys are equal
// by the disjointness check, so the order doesn't matter for them.
func merge(local, remote map[string]any) map[string]any {
	out := make(map[string]any, len(local)+len(remote))
	for key, value := range remote {
		out[key] = value
	}
	for key, value := range local {
		out[key] = value
	}
	return out
}
