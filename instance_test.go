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
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInstanceConfig() *Config {
	cfg := DefaultConfig()
	cfg.ProbeInterval = time.Second
	cfg.PingTimeout = 100 * time.Millisecond
	cfg.MinSuspicionTimeout = 2 * time.Second
	cfg.MaxSuspicionTimeout = 10 * time.Second
	cfg.SuspicionMaxIndependentSuspicions = 3
	return cfg
}

func newTestInstance(local Node) (*Instance, *FakeClock) {
	clock := NewFakeClock(time.Unix(0, 0))
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	health := NewAwareness(testInstanceConfig().LHMMax, nil)
	return NewInstance(testInstanceConfig(), clock, logger, local, nil, health), clock
}

func TestInstanceOnPingRespondsWithLocalIncarnationAndPayload(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	inst, _ := newTestInstance(local)

	ack := inst.OnPing(Node{Host: "caller", Port: 2})
	assert.Equal(t, uint64(0), ack.Incarnation)
	assert.Equal(t, local, ack.Target)
}

func TestInstanceRefutesSuspicionAboutSelf(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	inst, _ := newTestInstance(local)

	fact := GossipFact{Node: local, Status: NewSuspectStatus(0, Node{Host: "accuser", Port: 9})}
	directive := inst.OnGossipPayload(fact)

	require.Equal(t, DirectiveApplied, directive.Kind)
	assert.Equal(t, uint64(1), inst.LocalIncarnation())
	status, ok := inst.Status(local)
	require.True(t, ok)
	assert.Equal(t, Alive, status.Kind)
	assert.Equal(t, uint64(1), status.Incarnation)
}

func TestInstanceRefutationOutrunsHigherSeenIncarnation(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	inst, _ := newTestInstance(local)

	fact := GossipFact{Node: local, Status: NewSuspectStatus(41, Node{Host: "accuser", Port: 9})}
	inst.OnGossipPayload(fact)

	assert.Equal(t, uint64(42), inst.LocalIncarnation())
}

func TestInstanceOnPingRequestResponseSuccessMarksAlive(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	peer := Node{Host: "peer", Port: 2}
	inst, _ := newTestInstance(local)
	inst.AddMember(nil, peer, NewAliveStatus(0))

	result := inst.OnPingRequestResponse(ProbeOutcome{Kind: ProbeSuccess, Ack: Ack{Incarnation: 1}}, peer)
	require.Equal(t, PRAlive, result.Kind)
	require.NotNil(t, result.Change)
	assert.Equal(t, Applied, result.Change.Kind)

	status, _ := inst.Status(peer)
	assert.Equal(t, uint64(1), status.Incarnation)
}

func TestInstanceOnPingRequestResponseFailureMarksSuspect(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	peer := Node{Host: "peer", Port: 2}
	inst, _ := newTestInstance(local)
	inst.AddMember(nil, peer, NewAliveStatus(0))

	result := inst.OnPingRequestResponse(ProbeOutcome{Kind: ProbeFailed}, peer)
	assert.Equal(t, PRNewlySuspect, result.Kind)

	status, _ := inst.Status(peer)
	assert.Equal(t, Suspect, status.Kind)
}

func TestInstanceOnPingRequestResponseIgnoresDeadTarget(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	peer := Node{Host: "peer", Port: 2}
	inst, _ := newTestInstance(local)
	inst.AddMember(nil, peer, NewDeadStatus(0))

	result := inst.OnPingRequestResponse(ProbeOutcome{Kind: ProbeFailed}, peer)
	assert.Equal(t, PRIgnored, result.Kind)
}

func TestInstanceOnPingRequestResponseUnknownTargetIsIgnored(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	inst, _ := newTestInstance(local)

	result := inst.OnPingRequestResponse(ProbeOutcome{Kind: ProbeFailed}, Node{Host: "ghost", Port: 99})
	assert.Equal(t, PRIgnored, result.Kind)
}

func TestInstanceMembersToPingRequestExcludesTargetAndDead(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	target := Node{Host: "target", Port: 2}
	helper := Node{Host: "helper", Port: 3}
	dead := Node{Host: "dead", Port: 4}
	inst, _ := newTestInstance(local)

	inst.AddMember(nil, target, NewAliveStatus(0))
	inst.AddMember(nil, helper, NewAliveStatus(0))
	inst.AddMember(nil, dead, NewDeadStatus(0))

	helpers := inst.MembersToPingRequest(target)
	require.Len(t, helpers, 1)
	assert.Equal(t, helper, helpers[0])
}

func TestInstanceMembersToPingRequestBoundaryNoHelpersAvailable(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	target := Node{Host: "target", Port: 2}
	inst, _ := newTestInstance(local)
	inst.AddMember(nil, target, NewAliveStatus(0))

	helpers := inst.MembersToPingRequest(target)
	assert.Empty(t, helpers)
}

func TestInstanceNextMemberToPingBoundaryNoEligiblePeer(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	inst, _ := newTestInstance(local)

	_, ok := inst.NextMemberToPing()
	assert.False(t, ok)
}

func TestInstanceSuspicionTimeoutClampsAtMinAndMax(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	inst, _ := newTestInstance(local)
	cfg := testInstanceConfig()

	assert.Equal(t, cfg.MaxSuspicionTimeout, inst.SuspicionTimeout(0))
	atCap := inst.SuspicionTimeout(cfg.SuspicionMaxIndependentSuspicions)
	assert.GreaterOrEqual(t, atCap, cfg.MinSuspicionTimeout)
	beyondCap := inst.SuspicionTimeout(cfg.SuspicionMaxIndependentSuspicions + 10)
	assert.Equal(t, atCap, beyondCap)
}

func TestInstanceSuspicionTimeoutOneSuspecterEqualsMax(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	peer := Node{Host: "peer", Port: 2}
	inst, _ := newTestInstance(local)
	cfg := testInstanceConfig()
	inst.AddMember(nil, peer, NewAliveStatus(0))

	result := inst.OnPingRequestResponse(ProbeOutcome{Kind: ProbeFailed}, peer)
	require.Equal(t, PRNewlySuspect, result.Kind)

	status, ok := inst.Status(peer)
	require.True(t, ok)
	require.Equal(t, Suspect, status.Kind)
	require.Len(t, status.SuspectedBy, 1)

	assert.Equal(t, cfg.MaxSuspicionTimeout, inst.SuspicionTimeout(len(status.SuspectedBy)))
}

func TestInstanceSuspicionTimeoutDecreasesWithMoreSuspecters(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	inst, _ := newTestInstance(local)

	withZero := inst.SuspicionTimeout(0)
	withMore := inst.SuspicionTimeout(2)
	assert.Greater(t, withZero, withMore)
}

func TestInstanceApplyStatusInsertsNewMemberIntoScheduler(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	peer := Node{Host: "peer", Port: 2}
	inst, _ := newTestInstance(local)

	inst.AddMember(nil, peer, NewAliveStatus(0))
	next, ok := inst.NextMemberToPing()
	require.True(t, ok)
	assert.Equal(t, peer, next)
}

func TestInstanceApplyStatusRemovesDeadFromScheduler(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	peer := Node{Host: "peer", Port: 2}
	inst, _ := newTestInstance(local)

	inst.AddMember(nil, peer, NewAliveStatus(0))
	inst.Mark(nil, peer, NewDeadStatus(0))

	_, ok := inst.NextMemberToPing()
	assert.False(t, ok)
}

func TestInstanceGCTombstonesRemovesGossipFact(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	peer := Node{Host: "peer", Port: 2}
	cfg := testInstanceConfig()
	cfg.TombstoneTTL = 10 * time.Second
	clock := NewFakeClock(time.Unix(0, 0))
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	health := NewAwareness(cfg.LHMMax, nil)
	inst := NewInstance(cfg, clock, logger, local, nil, health)

	inst.AddMember(nil, peer, NewDeadStatus(0))
	for i := 0; i < 20; i++ {
		inst.IncrementProtocolPeriod()
	}
	inst.GCTombstones()

	assert.Equal(t, 0, inst.gossip.Len())
}
