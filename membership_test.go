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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembershipTableStartsWithLocalAlive(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	table := NewMembershipTable(local, nil)

	m, ok := table.Get(local)
	require.True(t, ok)
	assert.Equal(t, NewAliveStatus(0), m.Status)
}

func TestMembershipTableMarkCreatesNewMember(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	peer := Node{Host: "peer", Port: 2}
	table := NewMembershipTable(local, nil)

	result := table.Mark(nil, peer, 0, time.Time{}, NewAliveStatus(1))
	assert.Equal(t, Applied, result.Kind)
	assert.True(t, result.Created)
	assert.True(t, table.Contains(peer))
}

func TestMembershipTableMarkIgnoresOlderIncarnation(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	peer := Node{Host: "peer", Port: 2}
	table := NewMembershipTable(local, nil)

	table.Mark(nil, peer, 0, time.Time{}, NewAliveStatus(5))
	result := table.Mark(nil, peer, 1, time.Time{}, NewAliveStatus(3))

	assert.Equal(t, IgnoredDueToOlderStatus, result.Kind)
	m, _ := table.Get(peer)
	assert.Equal(t, uint64(5), m.Status.Incarnation)
}

func TestMembershipTableMarkDeadIsTerminal(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	peer := Node{Host: "peer", Port: 2}
	table := NewMembershipTable(local, nil)

	table.Mark(nil, peer, 0, time.Time{}, NewDeadStatus(1))
	result := table.Mark(nil, peer, 1, time.Time{}, NewAliveStatus(99))

	assert.Equal(t, IgnoredDueToOlderStatus, result.Kind)
	m, _ := table.Get(peer)
	assert.Equal(t, Dead, m.Status.Kind)
}

func TestMembershipTableMarkSetsSuspicionStartedAt(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	peer := Node{Host: "peer", Port: 2}
	table := NewMembershipTable(local, nil)
	now := time.Now()

	table.Mark(nil, peer, 0, now, NewAliveStatus(1))
	result := table.Mark(nil, peer, 1, now, NewSuspectStatus(1, local))
	require.Equal(t, Applied, result.Kind)

	m, _ := table.Get(peer)
	assert.Equal(t, now, m.SuspicionStartedAt)

	table.Mark(nil, peer, 2, now.Add(time.Second), NewAliveStatus(2))
	m, _ = table.Get(peer)
	assert.True(t, m.SuspicionStartedAt.IsZero())
}

func TestMembershipTableNonLocalNonDeadExcludesLocalAndDead(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	alive := Node{Host: "alive", Port: 2}
	dead := Node{Host: "dead", Port: 3}
	table := NewMembershipTable(local, nil)

	table.Mark(nil, alive, 0, time.Time{}, NewAliveStatus(0))
	table.Mark(nil, dead, 0, time.Time{}, NewDeadStatus(0))

	eligible := table.NonLocalNonDead()
	require.Len(t, eligible, 1)
	assert.Equal(t, alive, eligible[0].Node)
}

func TestMembershipTableGCTombstonesRemovesOldDead(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	dead := Node{Host: "dead", Port: 2}
	table := NewMembershipTable(local, nil)

	table.Mark(nil, dead, 0, time.Time{}, NewDeadStatus(0))
	table.GCTombstones(time.Minute, 100, time.Second, time.Time{})

	assert.False(t, table.Contains(dead))
}

func TestMembershipTableGCTombstonesKeepsRecentDead(t *testing.T) {
	local := Node{Host: "local", Port: 1}
	dead := Node{Host: "dead", Port: 2}
	table := NewMembershipTable(local, nil)

	table.Mark(nil, dead, 10, time.Time{}, NewDeadStatus(0))
	table.GCTombstones(time.Hour, 11, time.Second, time.Time{})

	assert.True(t, table.Contains(dead))
}
