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
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Reachability is the coarse health class emitted to the external
// cluster shell, per §6.
type Reachability int

const (
	// Reachable covers Alive and Suspect statuses.
	Reachable Reachability = iota
	// Unreachable covers Unreachable and Dead statuses.
	Unreachable
)

// String renders the Reachability for logging.
func (r Reachability) String() string {
	if r == Reachable {
		return "reachable"
	}
	return "unreachable"
}

// pendingPingRequest tracks one outstanding aggregated indirect-probe
// wait, keyed by sequence number, grounded on hashicorp/memberlist's
// seqNo-keyed ack-channel bookkeeping (state.go's setAckChannel /
// invokeAckHandler).
type pendingPingRequest struct {
	target   Node
	expected int
	nacks    int
	resolved bool
}

// relay carries the originating prober's identity and sequence number
// through a helper's own direct probe of the indirect-probe target, so
// the helper's handlePingResponse knows to forward an Ack or Nack
// rather than adjust its own suspicion state.
type relay struct {
	Origin Node
	SeqNo  uint64
}

// Shell is the driver described in §4.7: it owns time, I/O, and the
// event loop, translating timer ticks and wire messages into calls on
// the Instance and performing direct/indirect probes. All Instance
// mutation happens on the single goroutine started by Start, so no
// mutex guards Instance state, per §5.
type Shell struct {
	cfg        *Config
	logger     logrus.FieldLogger
	metrics    *Metrics
	associator Associator

	instance *Instance
	peers    *PeerTable
	timers   *TimerWheel

	localNode Node

	commands chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	nextSeq uint64
	pending map[uint64]*pendingPingRequest

	onReachability func(Node, Reachability)
	onUserFact     func(from Node, fact []byte)
	userFacts      [][]byte
}

// ShellOption configures optional Shell behavior at construction.
type ShellOption func(*Shell)

// WithReachabilityHandler registers the callback invoked for every
// failureDetectorReachabilityChanged event (§6).
func WithReachabilityHandler(fn func(Node, Reachability)) ShellOption {
	return func(s *Shell) { s.onReachability = fn }
}

// WithUserFactHandler registers the callback invoked for every
// application-level fact received via a peer's Shell.Gossip injection.
// fact is delivered exactly as the sender passed it to Gossip; the
// core never inspects its contents.
func WithUserFactHandler(fn func(from Node, fact []byte)) ShellOption {
	return func(s *Shell) { s.onUserFact = fn }
}

// NewShell constructs a Shell for localNode, talking to peers through
// transport. associator may be nil, in which case TrivialAssociator is
// used per Open Question 2 of §9.
func NewShell(cfg *Config, clock Clock, logger logrus.FieldLogger, metrics *Metrics, transport Transport, localNode Node, associator Associator, opts ...ShellOption) *Shell {
	if associator == nil {
		associator = TrivialAssociator{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var gauge awarenessGauge
	if metrics != nil {
		gauge = metrics.LocalHealthMultiplier
	}
	health := NewAwareness(cfg.LHMMax, gauge)
	instance := NewInstance(cfg, clock, logger, localNode, nil, health)

	s := &Shell{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		associator: associator,
		instance:   instance,
		peers:      NewPeerTable(transport),
		timers:     NewTimerWheel(),
		localNode:  localNode,
		commands:   make(chan func(), 256),
		done:       make(chan struct{}),
		pending:    make(map[uint64]*pendingPingRequest),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the event loop and schedules the first periodic-ping
// timer, per §4.7's lifecycle step 1.
func (s *Shell) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.loop()
	s.timers.Schedule("periodic-ping", s.cfg.ProbeInterval, func() {
		s.post(s.onPeriodicTick)
	})
}

// Stop cancels the event loop and waits for it to drain.
func (s *Shell) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// loop is the single goroutine on which every Instance mutation
// happens, processing posted commands in FIFO order per §5.
func (s *Shell) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.timers.StopAll()
			return
		case fn := <-s.commands:
			fn()
		}
	}
}

// post enqueues fn to run on the event loop, asynchronously.
func (s *Shell) post(fn func()) {
	select {
	case s.commands <- fn:
	case <-s.ctx.Done():
	}
}

// runSyncResult enqueues fn to run on the event loop and blocks the
// calling goroutine (a transport callback, never the loop itself)
// until fn's result is available. Used for inbound Ping handling,
// which must return a synchronous Ack to the caller.
func (s *Shell) runSyncResult(fn func() interface{}) (interface{}, error) {
	resultCh := make(chan interface{}, 1)
	select {
	case s.commands <- func() { resultCh <- fn() }:
	case <-s.ctx.Done():
		return nil, ErrTransport
	}
	select {
	case v := <-resultCh:
		return v, nil
	case <-s.ctx.Done():
		return nil, ErrTransport
	}
}

// Receive is the single inbound entry point a Transport/Peer
// implementation calls with a decoded wire message, whether it
// arrived as a Request (Ping) or a fire-and-forget Send (PingReq, the
// forwarded Ack/Nack of an indirect probe). A Ping from a node that is
// not yet a member adds it as alive(0), which is how a seed learns of a
// node that joins through it.
func (s *Shell) Receive(from Node, msg interface{}) (interface{}, error) {
	switch m := msg.(type) {
	case Ping:
		return s.runSyncResult(func() interface{} {
			s.processGossipPayload(from, m.Payload)
			if !from.Equal(s.localNode) && !s.instance.IsMember(from) {
				if peer, err := s.peers.Resolve(from); err == nil {
					s.instance.AddMember(peer, from, NewAliveStatus(0))
				}
			}
			ack := s.instance.OnPing(from)
			ack.Payload = s.attachUserFacts(ack.Payload)
			return ack
		})
	case PingReq:
		s.post(func() { s.handleInboundPingReq(m) })
		return nil, nil
	case Ack:
		s.post(func() { s.handleForwardedAck(m) })
		return nil, nil
	case Nack:
		s.post(func() { s.handleForwardedNack(m) })
		return nil, nil
	default:
		return nil, fmt.Errorf("swim: unrecognized message type %T", msg)
	}
}

// Monitor requests that node be added to the membership and probed,
// per the inbound control message of §6.
func (s *Shell) Monitor(node Node) {
	s.post(func() { s.handleMonitor(node) })
}

// ConfirmDead forces node to dead, per the inbound control message of
// §6.
func (s *Shell) ConfirmDead(node Node) {
	s.post(func() { s.handleConfirmDead(node) })
}

// Gossip queues an application-level fact to ride the next outgoing
// payload. The core never interprets this payload.
func (s *Shell) Gossip(payload []byte) {
	s.post(func() { s.userFacts = append(s.userFacts, payload) })
}

// attachUserFacts rides any pending application-level facts on payload
// and clears the queue, since each injected fact rides only the next
// outgoing payload built after it was queued.
func (s *Shell) attachUserFacts(payload GossipPayload) GossipPayload {
	if len(s.userFacts) == 0 {
		return payload
	}
	payload.UserFacts = s.userFacts
	s.userFacts = nil
	return payload
}

// Join dials each seed address. A bare host:port is not yet a full
// Node identity (it carries no restart tag), so Join first sends a
// direct bootstrap ping to learn the seed's live Node from the Ack
// before handing it to Monitor -- otherwise the membership table would
// key the seed under a tag-less Node that never matches the identity
// other members later gossip about it.
func (s *Shell) Join(seeds []string) error {
	for _, addr := range seeds {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("swim: join %s: %w", addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("swim: join %s: invalid port: %w", addr, err)
		}
		seedNode := Node{Host: host, Port: port}
		peer, err := s.peers.Resolve(seedNode)
		if err != nil {
			return fmt.Errorf("swim: join %s: %w", addr, err)
		}

		reqCtx, cancel := context.WithTimeout(s.ctx, s.cfg.PingTimeout)
		reply, err := peer.Request(reqCtx, Ping{ReplyTo: s.localNode, Payload: EmptyGossipPayload})
		cancel()
		if err != nil {
			return fmt.Errorf("swim: join %s: bootstrap ping failed: %w", addr, err)
		}
		ack, ok := reply.(Ack)
		if !ok {
			return fmt.Errorf("swim: join %s: unexpected bootstrap reply %T", addr, reply)
		}
		s.Monitor(ack.Target)
	}
	return nil
}

// GetMembershipState is the testing interface of §6, safe to call
// from any goroutine.
func (s *Shell) GetMembershipState() MembershipSnapshot {
	v, _ := s.runSyncResult(func() interface{} { return s.instance.GetMembershipState() })
	if v == nil {
		return MembershipSnapshot{}
	}
	return v.(MembershipSnapshot)
}

// --- event-loop-only handlers below; never call these directly from
// another goroutine. ---

// onPeriodicTick implements §4.7's periodic-ping lifecycle: check
// suspicion timeouts, probe the next member, advance the protocol
// period, then reschedule at the (possibly LHM-stretched) interval.
func (s *Shell) onPeriodicTick() {
	s.checkSuspicionTimeouts()

	if target, ok := s.instance.NextMemberToPing(); ok {
		if s.metrics != nil {
			s.metrics.ProbesSent.Inc()
		}
		s.sendPing(target, nil)
	}

	s.instance.IncrementProtocolPeriod()
	s.instance.GCTombstones()
	if s.metrics != nil {
		s.metrics.MembershipSize.Set(float64(len(s.instance.AllMembers())))
	}

	s.timers.Schedule("periodic-ping", s.instance.DynamicLHMProtocolInterval(), func() {
		s.post(s.onPeriodicTick)
	})
}

// checkSuspicionTimeouts promotes timed-out suspects to unreachable
// and announces the resulting reachability change, per §4.7 step 2a.
func (s *Shell) checkSuspicionTimeouts() {
	for _, m := range s.instance.Suspects() {
		deadline := m.SuspicionStartedAt.Add(s.instance.SuspicionTimeout(len(m.Status.SuspectedBy)))
		if !s.instance.IsExpired(deadline) {
			continue
		}
		result := s.instance.Mark(m.Peer, m.Node, NewUnreachableStatus(m.Status.Incarnation))
		if result.Kind != Applied {
			continue
		}
		if s.metrics != nil {
			s.metrics.SuspicionExpired.Inc()
		}
		s.logger.WithFields(logrus.Fields{
			"swim/member":           m.Node,
			"swim/suspicionTimeout": s.instance.SuspicionTimeout(len(m.Status.SuspectedBy)),
		}).Info("suspicion timeout elapsed, marking unreachable")
		s.tryAnnounceMemberReachability(m.Node, &result)
	}
}

// sendPing implements §4.7's sendPing: build a payload, dispatch the
// ping as a Request with the LHM-scaled timeout, and hand the result
// to handlePingResponse once it resolves. When r is non-nil, this ping
// is being performed on behalf of an indirect-probe origin.
func (s *Shell) sendPing(target Node, r *relay) {
	payload := s.attachUserFacts(s.instance.MakeGossipPayload(target))
	peer, err := s.peers.Resolve(target)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"swim/target": target}).WithError(err).Warn("failed to resolve peer for probe")
		s.handlePingResponse(ProbeOutcome{Kind: ProbeFailed}, target, r)
		return
	}

	timeout := s.instance.DynamicLHMPingTimeout()
	ctx := s.ctx
	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		reply, reqErr := peer.Request(reqCtx, Ping{ReplyTo: s.localNode, Payload: payload})
		outcome := classifyPingResult(reply, reqErr)
		s.post(func() { s.handlePingResponse(outcome, target, r) })
	}()
}

func classifyPingResult(reply interface{}, err error) ProbeOutcome {
	if err != nil {
		return ProbeOutcome{Kind: ProbeFailed}
	}
	if ack, ok := reply.(Ack); ok {
		return ProbeOutcome{Kind: ProbeSuccess, Ack: ack}
	}
	return ProbeOutcome{Kind: ProbeFailed}
}

// handlePingResponse implements §4.7's handlePingResponse.
func (s *Shell) handlePingResponse(outcome ProbeOutcome, pingedNode Node, r *relay) {
	switch outcome.Kind {
	case ProbeFailed:
		if r != nil {
			s.instance.AdjustLHMultiplier(ProbeWithMissedNack)
			s.sendNack(r.Origin, pingedNode, r.SeqNo)
			return
		}
		if s.metrics != nil {
			s.metrics.ProbeTimeouts.Inc()
		}
		s.instance.AdjustLHMultiplier(FailedProbe)
		s.sendPingRequests(pingedNode)

	case ProbeSuccess:
		if s.metrics != nil {
			s.metrics.ProbeAcksReceived.Inc()
		}
		s.processGossipPayload(pingedNode, outcome.Ack.Payload)

		member, _ := s.instance.MemberFor(pingedNode)
		var peer Peer
		wasSuspect := false
		if member != nil {
			peer = member.Peer
			wasSuspect = member.Status.Kind == Suspect
		}
		result := s.instance.Mark(peer, pingedNode, NewAliveStatus(outcome.Ack.Incarnation))
		if result.Kind == Applied && wasSuspect && s.metrics != nil {
			s.metrics.SuspicionResolved.Inc()
		}
		s.tryAnnounceMemberReachability(pingedNode, &result)

		if r != nil {
			s.forwardAck(r.Origin, pingedNode, outcome.Ack, r.SeqNo)
		} else {
			s.instance.AdjustLHMultiplier(SuccessfulProbe)
		}

	case ProbeNack:
		// Outer request semantics already account for this; nothing
		// further to do, per §4.7.
	}
}

// sendNack implements the nack leg of handlePingResponse's failure
// branch: tell the origin this helper's relay probe failed, so it does
// not wait out the full aggregate timeout believing the helper is
// still trying.
func (s *Shell) sendNack(origin Node, target Node, seq uint64) {
	peer, err := s.peers.Resolve(origin)
	if err != nil {
		return
	}
	ctx := s.ctx
	go func() { _ = peer.Send(ctx, Nack{Target: target, SeqNo: seq}) }()
}

// forwardAck implements the ack-forwarding leg of handlePingResponse's
// success branch.
func (s *Shell) forwardAck(origin Node, target Node, ack Ack, seq uint64) {
	peer, err := s.peers.Resolve(origin)
	if err != nil {
		return
	}
	ctx := s.ctx
	go func() {
		_ = peer.Send(ctx, Ack{Target: target, Incarnation: ack.Incarnation, Payload: ack.Payload, SeqNo: seq})
	}()
}

// sendPingRequests implements §4.7's sendPingRequests.
func (s *Shell) sendPingRequests(target Node) {
	if !s.instance.IsMember(target) {
		return
	}

	helpers := s.instance.MembersToPingRequest(target)
	if len(helpers) == 0 {
		member, ok := s.instance.MemberFor(target)
		if !ok {
			return
		}
		suspectStatus := s.instance.MakeSuspicion(member.Status.Incarnation)
		result := s.instance.Mark(member.Peer, target, suspectStatus)
		if result.Kind == Applied {
			if s.metrics != nil {
				s.metrics.SuspicionStarted.Inc()
			}
			s.tryAnnounceMemberReachability(target, &result)
		}
		return
	}

	s.nextSeq++
	seq := s.nextSeq
	s.pending[seq] = &pendingPingRequest{target: target, expected: len(helpers)}

	payload := s.attachUserFacts(s.instance.MakeGossipPayload(target))
	helperPeers := make([]Peer, 0, len(helpers))
	for _, h := range helpers {
		peer, err := s.peers.Resolve(h)
		if err != nil {
			s.logger.WithFields(logrus.Fields{"swim/helper": h}).WithError(err).Warn("failed to resolve indirect-probe helper")
			continue
		}
		helperPeers = append(helperPeers, peer)
	}

	// Fan out the pingReq dispatch under a shared cancellation scope, per
	// the golang.org/x/sync/errgroup fan-out-with-shared-context idiom;
	// only the *send* is bounded here, since the eventual Ack/Nack
	// arrives later as an independent message correlated by seq, not as
	// this call's return value.
	group, gctx := errgroup.WithContext(s.ctx)
	for _, p := range helperPeers {
		p := p
		if s.metrics != nil {
			s.metrics.IndirectProbesSent.Inc()
		}
		group.Go(func() error {
			return p.Send(gctx, PingReq{Target: target, ReplyTo: s.localNode, Payload: payload, SeqNo: seq})
		})
	}
	go func() {
		if err := group.Wait(); err != nil {
			s.logger.WithFields(logrus.Fields{"swim/target": target}).WithError(err).Debug("one or more pingReq dispatches failed to send")
		}
	}()

	timeout := s.instance.DynamicLHMPingTimeout()
	timerKey := fmt.Sprintf("pingreq-%d", seq)
	s.timers.Schedule(timerKey, timeout, func() {
		s.post(func() { s.resolvePendingTimeout(seq) })
	})
}

func (s *Shell) resolvePendingTimeout(seq uint64) {
	pr, ok := s.pending[seq]
	if !ok || pr.resolved {
		return
	}
	pr.resolved = true
	delete(s.pending, seq)
	s.handlePingRequestResult(ProbeOutcome{Kind: ProbeFailed}, pr.target)
}

// handleInboundPingReq is the helper-side leg described in §4.7: probe
// target on the origin's behalf by reusing sendPing with a relay.
func (s *Shell) handleInboundPingReq(m PingReq) {
	s.processGossipPayload(m.ReplyTo, m.Payload)
	s.sendPing(m.Target, &relay{Origin: m.ReplyTo, SeqNo: m.SeqNo})
}

// handleForwardedAck resolves a pending aggregated wait on the first
// successful relay response, per §4.7 step 5's "resolves on first
// success among all responses".
func (s *Shell) handleForwardedAck(m Ack) {
	pr, ok := s.pending[m.SeqNo]
	if !ok || pr.resolved {
		return
	}
	pr.resolved = true
	delete(s.pending, m.SeqNo)
	s.timers.Cancel(fmt.Sprintf("pingreq-%d", m.SeqNo))
	s.handlePingRequestResult(ProbeOutcome{Kind: ProbeSuccess, Ack: m}, pr.target)
}

// handleForwardedNack swallows an individual nack per §4.7 step 5,
// resolving only once every expected helper has nacked (a fail-fast
// refinement over waiting out the full timeout when the answer is
// already unanimous).
func (s *Shell) handleForwardedNack(m Nack) {
	pr, ok := s.pending[m.SeqNo]
	if !ok || pr.resolved {
		return
	}
	pr.nacks++
	if pr.nacks < pr.expected {
		return
	}
	pr.resolved = true
	delete(s.pending, m.SeqNo)
	s.timers.Cancel(fmt.Sprintf("pingreq-%d", m.SeqNo))
	s.handlePingRequestResult(ProbeOutcome{Kind: ProbeFailed}, pr.target)
}

// handlePingRequestResult implements §4.7's handlePingRequestResult.
func (s *Shell) handlePingRequestResult(outcome ProbeOutcome, pingedMember Node) {
	result := s.instance.OnPingRequestResponse(outcome, pingedMember)
	switch result.Kind {
	case PRAlive:
		s.processGossipPayload(pingedMember, result.Payload)
		s.tryAnnounceMemberReachability(pingedMember, result.Change)
	case PRNewlySuspect:
		if s.metrics != nil {
			s.metrics.SuspicionStarted.Inc()
		}
		s.logger.WithFields(logrus.Fields{"swim/member": pingedMember}).Trace("member newly suspect via indirect probe")
	case PRNackReceived:
		s.logger.WithFields(logrus.Fields{"swim/member": pingedMember}).Trace("nack received for indirect probe")
	case PRIgnored:
	}
}

// handleMonitor implements §4.7's handleMonitor.
func (s *Shell) handleMonitor(node Node) {
	if node.SameAddress(s.instance.LocalNode()) {
		return
	}
	peer, err := s.peers.Resolve(node)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"swim/member": node}).WithError(err).Warn("failed to resolve peer to monitor")
		return
	}
	result := s.instance.AddMember(peer, node, NewAliveStatus(0))
	s.tryAnnounceMemberReachability(node, &result)
	s.sendPing(node, nil)
}

// handleConfirmDead implements §4.7's handleConfirmDead.
func (s *Shell) handleConfirmDead(node Node) {
	member, ok := s.instance.MemberFor(node)
	if !ok {
		s.logger.WithFields(logrus.Fields{"swim/member": node}).Warn("confirmDead for unknown member")
		return
	}
	if member.Status.Kind == Dead {
		return
	}
	result := s.instance.Mark(member.Peer, node, NewDeadStatus(member.Status.Incarnation))
	if result.Kind == IgnoredDueToOlderStatus {
		invariantViolation(s.logger, logrus.Fields{"swim/member": node}, "confirmDead produced ignoredDueToOlderStatus: dead must be terminal")
		return
	}
	if s.metrics != nil {
		s.metrics.MembersDeclaredDead.Inc()
	}
	s.tryAnnounceMemberReachability(node, &result)
}

// processGossipPayload implements §4.7's processGossipPayload, and
// additionally surfaces any piggybacked application-level facts to
// onUserFact. from is the peer the payload rode in from, for
// attribution only -- the core's membership facts carry their own Node
// per entry.
func (s *Shell) processGossipPayload(from Node, payload GossipPayload) {
	if payload.IsEmpty() {
		return
	}
	for _, fact := range payload.Entries {
		directive := s.instance.OnGossipPayload(fact)
		switch directive.Kind {
		case DirectiveConnect:
			s.withEnsuredAssociation(directive)
		case DirectiveApplied:
			s.tryAnnounceMemberReachability(directive.Node, directive.Change)
		case DirectiveIgnored:
			s.logger.WithFields(logrus.Fields{"swim/member": directive.Node}).Log(directive.Level, directive.Message)
		}
	}
	if s.onUserFact != nil {
		for _, fact := range payload.UserFacts {
			s.onUserFact(from, fact)
		}
	}
}

// withEnsuredAssociation resolves Open Question 2 of §9: ensure a
// transport association with the gossiped Node before applying its
// fact, via the pluggable Associator.
func (s *Shell) withEnsuredAssociation(directive GossipDirective) {
	ctx := s.ctx
	go func() {
		err := s.associator.EnsureAssociation(ctx, directive.Node)
		s.post(func() {
			result := directive.Continuation(directive.Node, err)
			if err != nil {
				s.logger.WithFields(logrus.Fields{"swim/member": directive.Node}).WithError(err).Warn("association failed")
				return
			}
			s.tryAnnounceMemberReachability(directive.Node, &result)
		})
	}()
}

// tryAnnounceMemberReachability implements §4.7's
// tryAnnounceMemberReachability: emit exactly one
// failureDetectorReachabilityChanged event per reachable/unreachable
// crossing.
func (s *Shell) tryAnnounceMemberReachability(node Node, change *MergeResult) {
	if change == nil || change.Kind != Applied || change.Created {
		return
	}
	prevReachable := change.Previous.IsReachable()
	currReachable := change.Current.IsReachable()
	if prevReachable == currReachable {
		return
	}

	reachability := Unreachable
	if currReachable {
		reachability = Reachable
	}
	if s.onReachability != nil {
		s.onReachability(node, reachability)
	}
}
