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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGossipConfig() *Config {
	cfg := DefaultConfig()
	cfg.GossipLambda = 3
	cfg.MaxGossipFacts = 64
	cfg.MaxGossipBytes = 1400
	return cfg
}

func TestGossipSelectorEmptyBuildsEmptyPayload(t *testing.T) {
	g := NewGossipSelector(testGossipConfig())
	payload := g.Build(Node{Host: "x", Port: 1}, 3)
	assert.True(t, payload.IsEmpty())
}

func TestGossipSelectorRefutationsFirst(t *testing.T) {
	g := NewGossipSelector(testGossipConfig())
	a := Node{Host: "a", Port: 1}
	self := Node{Host: "self", Port: 2}

	g.Upsert(a, NewAliveStatus(1), false)
	g.Upsert(self, NewAliveStatus(2), true)

	payload := g.Build(Node{Host: "recipient", Port: 9}, 3)
	require.NotEmpty(t, payload.Entries)
	assert.Equal(t, self, payload.Entries[0].Node)
}

func TestGossipSelectorNeverTellsRecipientAboutItself(t *testing.T) {
	g := NewGossipSelector(testGossipConfig())
	recipient := Node{Host: "r", Port: 1}

	g.Upsert(recipient, NewAliveStatus(1), false)
	payload := g.Build(recipient, 3)

	assert.True(t, payload.IsEmpty())
}

func TestGossipSelectorExpelsAfterDisseminationLimit(t *testing.T) {
	cfg := testGossipConfig()
	cfg.GossipLambda = 1
	g := NewGossipSelector(cfg)
	a := Node{Host: "a", Port: 1}
	g.Upsert(a, NewAliveStatus(1), false)

	limit := expulsionLimit(cfg.GossipLambda, 1)
	for i := 0; i < limit; i++ {
		payload := g.Build(Node{Host: "r", Port: 9}, 1)
		require.False(t, payload.IsEmpty(), "expected fact still present on round %d", i)
	}

	assert.Equal(t, 0, g.Len())
}

func TestGossipSelectorFreshFactsBeforeStaleOnes(t *testing.T) {
	g := NewGossipSelector(testGossipConfig())
	stale := Node{Host: "stale", Port: 1}
	fresh := Node{Host: "fresh", Port: 2}

	g.Upsert(stale, NewAliveStatus(1), false)
	// Disseminate stale once so its count is non-zero.
	g.Build(Node{Host: "other", Port: 9}, 5)

	g.Upsert(fresh, NewAliveStatus(1), false)

	payload := g.Build(Node{Host: "recipient", Port: 9}, 5)
	require.Len(t, payload.Entries, 2)
	assert.Equal(t, fresh, payload.Entries[0].Node)
}

func TestGossipSelectorTruncatesByByteBudget(t *testing.T) {
	cfg := testGossipConfig()
	cfg.MaxGossipBytes = 1
	g := NewGossipSelector(cfg)

	a := Node{Host: "aaaaaaaaaaaaaaaaaaaa", Port: 1}
	b := Node{Host: "bbbbbbbbbbbbbbbbbbbb", Port: 2}
	g.Upsert(a, NewAliveStatus(1), false)
	g.Upsert(b, NewAliveStatus(1), false)

	payload := g.Build(Node{Host: "r", Port: 9}, 5)
	// Budget is too small for anything, but the first fact is always
	// included so the payload is never silently empty when facts exist.
	assert.Len(t, payload.Entries, 1)
}

func TestGossipSelectorRemove(t *testing.T) {
	g := NewGossipSelector(testGossipConfig())
	a := Node{Host: "a", Port: 1}
	g.Upsert(a, NewAliveStatus(1), false)
	g.Remove(a)
	assert.Equal(t, 0, g.Len())
}
