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
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// ProbeOutcomeKind classifies the result of a direct probe delivered
// to onPingRequestResponse, per §4.1.
type ProbeOutcomeKind int

const (
	// ProbeSuccess carries an Ack.
	ProbeSuccess ProbeOutcomeKind = iota
	// ProbeFailed covers both ErrTimeout and ErrTransport, per §7's
	// "treated identically... for status-machine purposes".
	ProbeFailed
	// ProbeNack means a nack was received in lieu of an ack.
	ProbeNack
)

// ProbeOutcome is the direct-probe result fed into
// OnPingRequestResponse.
type ProbeOutcome struct {
	Kind ProbeOutcomeKind
	Ack  Ack
}

// PingRequestResultKind is one of {alive, newlySuspect, nackReceived,
// ignored}, per §4.1.
type PingRequestResultKind int

const (
	// PRAlive carries the pinged member's payload; the member has been
	// marked alive.
	PRAlive PingRequestResultKind = iota
	// PRNewlySuspect means the target was moved to suspect by this
	// result.
	PRNewlySuspect
	// PRNackReceived means a nack arrived; no state change.
	PRNackReceived
	// PRIgnored means the outcome did not change anything (e.g. the
	// target is no longer a member, or was already dead-bound).
	PRIgnored
)

// PingRequestResult is returned by OnPingRequestResponse. Change is
// populated on PRAlive so the shell can detect a reachability crossing
// (e.g. a member recovering from Unreachable straight to Alive via a
// successful indirect probe).
type PingRequestResult struct {
	Kind    PingRequestResultKind
	Payload GossipPayload
	Change  *MergeResult
}

// GossipDirectiveKind is one of {connect, applied, ignored}, per §4.1.
type GossipDirectiveKind int

const (
	// DirectiveConnect signals the shell to ensure a transport
	// association before the fact is applied.
	DirectiveConnect GossipDirectiveKind = iota
	// DirectiveApplied reports a merged change.
	DirectiveApplied
	// DirectiveIgnored carries a suggested log level for diagnostics.
	DirectiveIgnored
)

// GossipDirective is returned by OnGossipPayload.
type GossipDirective struct {
	Kind         GossipDirectiveKind
	Node         Node
	Continuation func(resolved Node, err error) MergeResult
	Change       *MergeResult
	Level        logrus.Level
	Message      string
}

// Instance is the pure SWIM state machine of §4.1: deterministic given
// its inputs and internal state, no I/O, no timers, no side-effecting
// logging. It is driven exclusively by the Shell.
type Instance struct {
	cfg    *Config
	clock  Clock
	logger logrus.FieldLogger

	table     *MembershipTable
	gossip    *GossipSelector
	scheduler *ProbeScheduler
	health    *Awareness

	protocolPeriod   int64
	localIncarnation uint64
}

// NewInstance constructs an Instance for localNode, with localPeer
// representing how the shell addresses itself (used so remote peers
// can route replies back through the same abstraction as everyone
// else).
func NewInstance(cfg *Config, clock Clock, logger logrus.FieldLogger, localNode Node, localPeer Peer, health *Awareness) *Instance {
	table := NewMembershipTable(localNode, localPeer)
	inst := &Instance{
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		table:     table,
		gossip:    NewGossipSelector(cfg),
		scheduler: NewProbeScheduler(),
		health:    health,
	}
	inst.resyncScheduler()
	return inst
}

func (inst *Instance) resyncScheduler() {
	members := inst.table.NonLocalNonDead()
	nodes := make([]Node, 0, len(members))
	for _, m := range members {
		nodes = append(nodes, m.Node)
	}
	inst.scheduler.Reset(nodes)
}

// liveishCount returns the population used in the λ·log(N+1)
// dissemination-expulsion formula: every known non-dead member,
// including the local node.
func (inst *Instance) liveishCount() int {
	return len(inst.table.NonLocalNonDead()) + 1
}

// OnPing answers a direct probe: an ack carrying the local incarnation
// and a fresh gossip payload targeted at the caller, per §4.1.
func (inst *Instance) OnPing(from Node) Ack {
	return Ack{
		Target:      inst.table.LocalNode(),
		Incarnation: inst.localIncarnation,
		Payload:     inst.MakeGossipPayload(from),
	}
}

// OnPingRequestResponse processes the outcome of an indirect probe of
// pingedNode, per §4.1 and the transition table in §4.3.
func (inst *Instance) OnPingRequestResponse(outcome ProbeOutcome, pingedNode Node) PingRequestResult {
	member, ok := inst.table.Get(pingedNode)
	if !ok {
		return PingRequestResult{Kind: PRIgnored}
	}

	switch outcome.Kind {
	case ProbeNack:
		return PingRequestResult{Kind: PRNackReceived}

	case ProbeSuccess:
		result := inst.table.Mark(member.Peer, pingedNode, inst.protocolPeriod, inst.clock.Now(), NewAliveStatus(outcome.Ack.Incarnation))
		if result.Kind == Applied {
			inst.gossip.Upsert(pingedNode, result.Current, false)
		}
		return PingRequestResult{Kind: PRAlive, Payload: outcome.Ack.Payload, Change: &result}

	case ProbeFailed:
		if member.Status.Kind == Dead {
			return PingRequestResult{Kind: PRIgnored}
		}
		suspectStatus := inst.MakeSuspicion(member.Status.Incarnation)
		result := inst.table.Mark(member.Peer, pingedNode, inst.protocolPeriod, inst.clock.Now(), suspectStatus)
		if result.Kind == Applied {
			inst.gossip.Upsert(pingedNode, result.Current, false)
			if result.Previous.Kind != Suspect {
				return PingRequestResult{Kind: PRNewlySuspect}
			}
		}
		return PingRequestResult{Kind: PRIgnored}
	}

	return PingRequestResult{Kind: PRIgnored}
}

// Mark applies the status-ordering merge for node, per §4.1. peer may
// be nil when node is already known.
func (inst *Instance) Mark(peer Peer, node Node, status Status) MergeResult {
	return inst.applyStatus(peer, node, status)
}

// AddMember creates node if absent and applies status, per §4.1.
func (inst *Instance) AddMember(peer Peer, node Node, status Status) MergeResult {
	return inst.applyStatus(peer, node, status)
}

// applyStatus is the shared merge path for Mark, AddMember, and
// gossip-driven facts. It detects the §4.2 refutation case (an
// incoming suspect/unreachable fact about the local node) before
// delegating to the membership table.
func (inst *Instance) applyStatus(peer Peer, node Node, status Status) MergeResult {
	if node.Equal(inst.table.LocalNode()) && (status.Kind == Suspect || status.Kind == Unreachable) {
		return inst.refuteSelf(status.Incarnation)
	}

	wasMember := inst.table.Contains(node)
	result := inst.table.Mark(peer, node, inst.protocolPeriod, inst.clock.Now(), status)
	if result.Kind == Applied {
		inst.gossip.Upsert(node, result.Current, false)
		if !wasMember {
			inst.scheduler.Insert(node)
		}
		if result.Current.Kind == Dead {
			inst.scheduler.Remove(node)
		}
	}
	return result
}

// refuteSelf implements §4.2: on seeing suspicion/unreachability about
// the local node at incarnation I, bump the local incarnation to
// max(local, I)+1, mark the local Member alive at the new incarnation,
// and queue the refutation as the highest-priority outgoing gossip
// fact.
func (inst *Instance) refuteSelf(seenIncarnation uint64) MergeResult {
	previous := inst.table.Local().Status
	if seenIncarnation > inst.localIncarnation {
		inst.localIncarnation = seenIncarnation
	}
	inst.localIncarnation++

	newStatus := NewAliveStatus(inst.localIncarnation)
	local := inst.table.Local()
	local.Status = newStatus
	local.LastStatusChangeAt = inst.protocolPeriod

	inst.gossip.Upsert(inst.table.LocalNode(), newStatus, true)
	inst.health.Adjust(RefutingSuspectMessageAboutSelf)

	return MergeResult{Kind: Applied, Previous: previous, Current: newStatus}
}

// Status returns the current status of peer, if known.
func (inst *Instance) Status(of Node) (Status, bool) {
	m, ok := inst.table.Get(of)
	if !ok {
		return Status{}, false
	}
	return m.Status, true
}

// IsMember reports whether peer is a known Node.
func (inst *Instance) IsMember(peer Node) bool {
	return inst.table.Contains(peer)
}

// MemberFor returns the Member for node, if any.
func (inst *Instance) MemberFor(node Node) (*Member, bool) {
	return inst.table.Get(node)
}

// NextMemberToPing returns the next non-local, non-dead peer per
// §4.4's shuffled round robin, or false if no eligible member exists.
func (inst *Instance) NextMemberToPing() (Node, bool) {
	return inst.scheduler.Next(func(n Node) bool {
		m, ok := inst.table.Get(n)
		return !ok || m.Status.Kind == Dead
	})
}

// MembersToPingRequest returns up to k random members excluding target
// and the local node, drawn from alive/suspect members, per §4.1/§4.4.
func (inst *Instance) MembersToPingRequest(target Node) []Node {
	candidates := make([]Node, 0)
	for _, m := range inst.table.NonLocalNonDead() {
		if m.Node.Equal(target) {
			continue
		}
		if m.Status.Kind == Alive || m.Status.Kind == Suspect {
			candidates = append(candidates, m.Node)
		}
	}
	shuffleNodes(candidates)
	k := inst.cfg.IndirectChecks
	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k]
}

// MakeGossipPayload builds a payload sized to the configured budget,
// per §4.5.
func (inst *Instance) MakeGossipPayload(to Node) GossipPayload {
	return inst.gossip.Build(to, inst.liveishCount())
}

// OnGossipPayload processes a single incoming (peer, status) fact, per
// §4.1. The connect directive signals the shell to ensure a transport
// association before the fact actually lands in the membership table.
func (inst *Instance) OnGossipPayload(fact GossipFact) GossipDirective {
	if fact.Node.Equal(inst.table.LocalNode()) {
		if fact.Status.Kind == Suspect || fact.Status.Kind == Unreachable {
			change := inst.refuteSelf(fact.Status.Incarnation)
			return GossipDirective{Kind: DirectiveApplied, Node: fact.Node, Change: &change}
		}
		if fact.Status.Kind == Dead {
			// The cluster believes we're gone; accept it per §4.2 --
			// logically gone from the cluster's perspective, though
			// this process may keep running.
			change := inst.table.Mark(nil, fact.Node, inst.protocolPeriod, inst.clock.Now(), fact.Status)
			return GossipDirective{Kind: DirectiveApplied, Node: fact.Node, Change: &change}
		}
		// alive-about-self with incarnation <= ours: no-op, already
		// covered by the table merge's incarnation ordering.
	}

	if !inst.table.Contains(fact.Node) {
		return GossipDirective{
			Kind: DirectiveConnect,
			Node: fact.Node,
			Continuation: func(resolved Node, err error) MergeResult {
				if err != nil {
					return MergeResult{Kind: IgnoredDueToOlderStatus}
				}
				return inst.applyStatus(nil, resolved, fact.Status)
			},
		}
	}

	result := inst.applyStatus(nil, fact.Node, fact.Status)
	if result.Kind == IgnoredDueToOlderStatus {
		return GossipDirective{
			Kind:    DirectiveIgnored,
			Node:    fact.Node,
			Level:   logrus.DebugLevel,
			Message: "gossip fact did not supersede local status",
		}
	}
	return GossipDirective{Kind: DirectiveApplied, Node: fact.Node, Change: &result}
}

// MakeSuspicion returns a suspect status with SuspectedBy seeded with
// the local node, per §4.1.
func (inst *Instance) MakeSuspicion(incarnation uint64) Status {
	return NewSuspectStatus(incarnation, inst.table.LocalNode())
}

// IncrementProtocolPeriod advances the protocol period counter.
func (inst *Instance) IncrementProtocolPeriod() {
	inst.protocolPeriod++
}

// ProtocolPeriod returns the current protocol period.
func (inst *Instance) ProtocolPeriod() int64 {
	return inst.protocolPeriod
}

// AdjustLHMultiplier forwards a HealthEvent to the Awareness tracker.
func (inst *Instance) AdjustLHMultiplier(event HealthEvent) {
	inst.health.Adjust(event)
}

// SuspicionTimeout implements the lifeguard formula of §4.3:
//
//	timeout = max(min, max * (1 - log(k)/log(maxSuspectedBy)))
//
// k is the suspecter count (suspectedByCount), floored at 1 so a lone
// suspecter (the common case: the local node's own probe timeout,
// SuspectedBy == {local}) yields log(1) == 0 and therefore the full
// maxSuspicionTimeout, per §4.3's "one suspecter → maxSuspicionTimeout"
// and §8 scenario 2. The log(k+1)/log(capK+1) form used by some
// lifeguard ports already starts the window shrinking at k=1; this one
// doesn't, matching the spec's worked example exactly.
func (inst *Instance) SuspicionTimeout(suspectedByCount int) time.Duration {
	min := inst.cfg.MinSuspicionTimeout
	max := inst.cfg.MaxSuspicionTimeout
	capK := inst.cfg.SuspicionMaxIndependentSuspicions

	k := suspectedByCount
	if k < 1 {
		k = 1
	}
	if k > capK {
		k = capK
	}

	frac := 1.0
	if capK > 1 {
		frac = 1 - math.Log(float64(k))/math.Log(float64(capK))
	} else if k > 1 {
		frac = 0
	}

	timeout := time.Duration(float64(max) * frac)
	if timeout < min {
		return min
	}
	if timeout > max {
		return max
	}
	return timeout
}

// IsExpired reports whether the instance's clock has reached deadline.
func (inst *Instance) IsExpired(deadline time.Time) bool {
	return !inst.clock.Now().Before(deadline)
}

// Suspects returns every Member currently in Suspect status.
func (inst *Instance) Suspects() []*Member {
	return inst.table.Suspects()
}

// AllMembers returns every known Member.
func (inst *Instance) AllMembers() []*Member {
	return inst.table.All()
}

// LocalNode returns the local Node identity.
func (inst *Instance) LocalNode() Node {
	return inst.table.LocalNode()
}

// LocalIncarnation returns the local node's current incarnation.
func (inst *Instance) LocalIncarnation() uint64 {
	return inst.localIncarnation
}

// DynamicLHMProtocolInterval returns baseProtocolInterval*(1+LHM), per
// §4.6.
func (inst *Instance) DynamicLHMProtocolInterval() time.Duration {
	return inst.health.ScaleDuration(inst.cfg.ProbeInterval)
}

// DynamicLHMPingTimeout returns basePingTimeout*(1+LHM), per §4.6.
func (inst *Instance) DynamicLHMPingTimeout() time.Duration {
	return inst.health.ScaleDuration(inst.cfg.PingTimeout)
}

// ProbeInterval returns the configured base probe interval.
func (inst *Instance) ProbeInterval() time.Duration {
	return inst.cfg.ProbeInterval
}

// GCTombstones removes long-dead members from both the membership
// table and the gossip selector, per §3's Lifecycle note.
func (inst *Instance) GCTombstones() {
	before := inst.table.All()
	inst.table.GCTombstones(inst.cfg.TombstoneTTL, inst.protocolPeriod, inst.cfg.ProbeInterval, inst.clock.Now())
	after := inst.table.All()
	if len(after) == len(before) {
		return
	}
	survivors := make(map[Node]struct{}, len(after))
	for _, m := range after {
		survivors[m.Node] = struct{}{}
	}
	for _, m := range before {
		if _, ok := survivors[m.Node]; !ok {
			inst.gossip.Remove(m.Node)
		}
	}
}
