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

import (
	"time"
)

// Member is a peer plus its current status, the protocol period in
// which that status was last updated, and, if suspect, the monotonic
// timestamp the suspicion started at, per §3.
type Member struct {
	Peer               Peer
	Node               Node
	Status             Status
	LastStatusChangeAt int64 // protocol period
	SuspicionStartedAt time.Time
}

// MembershipTable is the mapping from Node to Member described in §3.
// Keys are unique (Node.Equal); iteration is deterministic given a
// seed, to keep tests reproducible. The table is owned exclusively by
// the instance and touched only on the shell's single goroutine, so no
// internal locking is used (§5).
type MembershipTable struct {
	members map[Node]*Member
	// order tracks insertion order so deterministic iteration (for
	// tests) does not depend on Go's randomized map iteration.
	order []Node
	local Node
}

// NewMembershipTable creates a table whose local node is always
// present with status alive(0), per the §3 invariant.
func NewMembershipTable(local Node, localPeer Peer) *MembershipTable {
	t := &MembershipTable{
		members: make(map[Node]*Member),
		local:   local,
	}
	t.upsert(&Member{
		Peer:   localPeer,
		Node:   local,
		Status: NewAliveStatus(0),
	})
	return t
}

func (t *MembershipTable) upsert(m *Member) {
	if _, exists := t.members[m.Node]; !exists {
		t.order = append(t.order, m.Node)
	}
	t.members[m.Node] = m
}

// Get returns the Member for node, if present.
func (t *MembershipTable) Get(node Node) (*Member, bool) {
	m, ok := t.members[node]
	return m, ok
}

// Contains reports whether node is a known Member.
func (t *MembershipTable) Contains(node Node) bool {
	_, ok := t.members[node]
	return ok
}

// Local returns the Member representing the local node.
func (t *MembershipTable) Local() *Member {
	m := t.members[t.local]
	return m
}

// LocalNode returns the local Node identity.
func (t *MembershipTable) LocalNode() Node {
	return t.local
}

// MergeResultKind classifies the outcome of a mark/addMember/gossip
// merge, per §4.1's applied/ignored result kinds.
type MergeResultKind int

const (
	// Applied means the merge changed the stored status.
	Applied MergeResultKind = iota
	// IgnoredDueToOlderStatus means the incoming status did not
	// supersede the stored one.
	IgnoredDueToOlderStatus
)

// MergeResult is returned by Mark/AddMember/applyStatus. Created
// distinguishes "this Member didn't exist before" from "Previous
// happens to equal the zero Status", so callers like
// tryAnnounceMemberReachability don't mistake first contact for a
// reachability crossing.
type MergeResult struct {
	Kind     MergeResultKind
	Previous Status
	Current  Status
	Created  bool
}

// Mark applies the status-ordering merge for peer, creating the
// Member if absent. Returns Applied with the pre/post statuses, or
// IgnoredDueToOlderStatus if the incoming status did not supersede the
// stored one. Marking dead on an already-dead member is always
// IgnoredDueToOlderStatus, per §3's terminal rule.
func (t *MembershipTable) Mark(peer Peer, node Node, period int64, now time.Time, status Status) MergeResult {
	existing, ok := t.members[node]
	if !ok {
		m := &Member{Peer: peer, Node: node, Status: status, LastStatusChangeAt: period}
		if status.Kind == Suspect {
			m.SuspicionStartedAt = now
		}
		t.upsert(m)
		return MergeResult{Kind: Applied, Previous: Status{}, Current: status, Created: true}
	}

	previous := existing.Status
	merged := previous.Merge(status)

	if previous.Kind == Dead {
		return MergeResult{Kind: IgnoredDueToOlderStatus, Previous: previous, Current: previous}
	}
	if statusEqual(merged, previous) {
		return MergeResult{Kind: IgnoredDueToOlderStatus, Previous: previous, Current: previous}
	}

	existing.Status = merged
	existing.LastStatusChangeAt = period
	if merged.Kind == Suspect && previous.Kind != Suspect {
		existing.SuspicionStartedAt = now
	}
	if merged.Kind != Suspect {
		existing.SuspicionStartedAt = time.Time{}
	}
	if peer != nil {
		existing.Peer = peer
	}

	return MergeResult{Kind: Applied, Previous: previous, Current: merged}
}

// AddMember is Mark's sibling for the addMember(peer, status)
// operation of §4.1: behaviorally identical, exposed separately to
// mirror the spec's operation list.
func (t *MembershipTable) AddMember(peer Peer, node Node, period int64, now time.Time, status Status) MergeResult {
	return t.Mark(peer, node, period, now, status)
}

// Suspects returns every Member currently in Suspect status, in
// deterministic insertion order.
func (t *MembershipTable) Suspects() []*Member {
	var out []*Member
	for _, n := range t.order {
		m := t.members[n]
		if m.Status.Kind == Suspect {
			out = append(out, m)
		}
	}
	return out
}

// All returns every known Member, in deterministic insertion order.
func (t *MembershipTable) All() []*Member {
	out := make([]*Member, 0, len(t.order))
	for _, n := range t.order {
		out = append(out, t.members[n])
	}
	return out
}

// NonLocalNonDead returns every Member excluding the local node and
// any already-Dead member, the eligible population for probing and
// indirect-probe helper selection (§4.4).
func (t *MembershipTable) NonLocalNonDead() []*Member {
	out := make([]*Member, 0, len(t.order))
	for _, n := range t.order {
		if n.Equal(t.local) {
			continue
		}
		m := t.members[n]
		if m.Status.Kind == Dead {
			continue
		}
		out = append(out, m)
	}
	return out
}

// GCTombstones removes Dead members whose terminal status has been
// held for longer than ttl, per §3's "implementations may GC
// tombstones after a configured grace" lifecycle note. now is the
// instance's injected clock value.
func (t *MembershipTable) GCTombstones(ttl time.Duration, currentPeriod int64, periodDuration time.Duration, now time.Time) {
	kept := t.order[:0:0]
	for _, n := range t.order {
		m := t.members[n]
		if m.Status.Kind == Dead {
			age := time.Duration(currentPeriod-m.LastStatusChangeAt) * periodDuration
			if age >= ttl {
				delete(t.members, n)
				continue
			}
		}
		kept = append(kept, n)
	}
	t.order = kept
}
