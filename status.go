/*
 * Copyright 2018 De-labtory
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package swim

// StatusKind tags the variant of a Status, per §3 of the spec.
type StatusKind int

const (
	// Alive means the member is believed healthy at Incarnation.
	Alive StatusKind = iota
	// Suspect means some set of peers believe the member may have
	// failed, but the suspicion timeout has not yet elapsed.
	Suspect
	// Unreachable means a suspicion timeout elapsed without
	// refutation.
	Unreachable
	// Dead is terminal: the member is a tombstone and will never be
	// resurrected.
	Dead
)

// String renders the StatusKind for logging.
func (k StatusKind) String() string {
	switch k {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Unreachable:
		return "unreachable"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// statusRank orders the kinds at equal incarnation: alive < suspect <
// unreachable < dead, per §3's Status ordering rule 2.
func (k StatusKind) rank() int {
	return int(k)
}

// Status is a tagged variant over a member's believed health, per §3.
type Status struct {
	Kind        StatusKind
	Incarnation uint64
	// SuspectedBy holds the set of Nodes that have raised suspicion.
	// Non-empty iff Kind == Suspect, per the spec's membership table
	// invariant.
	SuspectedBy map[Node]struct{}
}

// NewAliveStatus returns an alive(incarnation) Status.
func NewAliveStatus(incarnation uint64) Status {
	return Status{Kind: Alive, Incarnation: incarnation}
}

// NewDeadStatus returns the terminal dead Status. Incarnation is
// retained for diagnostics only; dead has no meaningful ordering use
// for it beyond "some incarnation saw this".
func NewDeadStatus(incarnation uint64) Status {
	return Status{Kind: Dead, Incarnation: incarnation}
}

// NewUnreachableStatus returns an unreachable(incarnation) Status.
func NewUnreachableStatus(incarnation uint64) Status {
	return Status{Kind: Unreachable, Incarnation: incarnation}
}

// NewSuspectStatus returns a suspect(incarnation, suspectedBy) Status.
// suspectedBy is copied defensively.
func NewSuspectStatus(incarnation uint64, suspectedBy ...Node) Status {
	set := make(map[Node]struct{}, len(suspectedBy))
	for _, n := range suspectedBy {
		set[n] = struct{}{}
	}
	return Status{Kind: Suspect, Incarnation: incarnation, SuspectedBy: set}
}

// unionSuspectedBy returns the union of two SuspectedBy sets.
func unionSuspectedBy(a, b map[Node]struct{}) map[Node]struct{} {
	out := make(map[Node]struct{}, len(a)+len(b))
	for n := range a {
		out[n] = struct{}{}
	}
	for n := range b {
		out[n] = struct{}{}
	}
	return out
}

// equalSuspectedBy reports whether two SuspectedBy sets contain
// exactly the same Nodes.
func equalSuspectedBy(a, b map[Node]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for n := range a {
		if _, ok := b[n]; !ok {
			return false
		}
	}
	return true
}

// Merge applies the status-ordering merge of §3: an incoming status
// (other) observed against the current status (s), returning the
// status that should be stored afterward. Merge is idempotent and
// commutative across facts observed at equal incarnation, as required
// by §8's testable properties.
//
// Rules, in order:
//  1. Higher incarnation wins outright.
//  2. At equal incarnation: alive < suspect < unreachable < dead.
//  3. At equal incarnation, both suspect: the larger SuspectedBy set
//     wins; equal sets are a no-op merge but the union is retained.
//  4. dead is terminal: never overwritten.
func (s Status) Merge(other Status) Status {
	if s.Kind == Dead {
		// dead is terminal regardless of incoming incarnation.
		return s
	}

	if other.Incarnation > s.Incarnation {
		return other
	}
	if other.Incarnation < s.Incarnation {
		return s
	}

	// Equal incarnation.
	if other.Kind == Dead {
		return other
	}

	if s.Kind == Suspect && other.Kind == Suspect {
		union := unionSuspectedBy(s.SuspectedBy, other.SuspectedBy)
		if equalSuspectedBy(s.SuspectedBy, other.SuspectedBy) {
			// No-op merge, but retain the (identical) union.
			return Status{Kind: Suspect, Incarnation: s.Incarnation, SuspectedBy: union}
		}
		if len(other.SuspectedBy) > len(s.SuspectedBy) {
			return Status{Kind: Suspect, Incarnation: s.Incarnation, SuspectedBy: union}
		}
		// Current set is larger or equal in size but not identical:
		// still take the union so no suspecter is forgotten, keeping
		// the current rank (both are suspect, so rank is unaffected).
		return Status{Kind: Suspect, Incarnation: s.Incarnation, SuspectedBy: union}
	}

	if other.Kind.rank() > s.Kind.rank() {
		return other
	}
	return s
}

// statusEqual reports whether two statuses are identical in kind,
// incarnation, and SuspectedBy membership.
func statusEqual(a, b Status) bool {
	return a.Kind == b.Kind && a.Incarnation == b.Incarnation && equalSuspectedBy(a.SuspectedBy, b.SuspectedBy)
}

// IsReachable maps a Status to the coarse reachability class used by
// tryAnnounceMemberReachability (§4.7): alive/suspect are reachable,
// unreachable/dead are not.
func (s Status) IsReachable() bool {
	return s.Kind == Alive || s.Kind == Suspect
}
