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
	"sort"
)

// gossipFactRecord tracks one known (Node, Status) fact and how many
// times it has ridden an outgoing payload, per §4.5.
type gossipFactRecord struct {
	fact        GossipFact
	count       int
	isRefutation bool
}

// GossipSelector builds the payload piggybacked onto outgoing
// probes/responses, bounding payload size and expelling facts once
// they've been disseminated enough times to have saturated the
// cluster with high probability, using the λ·log(N+1) expulsion
// formula below.
type GossipSelector struct {
	cfg    *Config
	facts  map[Node]*gossipFactRecord
	order  []Node
	seeded func(n int) []int // not read by Build, whose ordering is deterministic and never shuffled
}

// NewGossipSelector returns an empty selector for the given config.
func NewGossipSelector(cfg *Config) *GossipSelector {
	return &GossipSelector{cfg: cfg, facts: make(map[Node]*gossipFactRecord)}
}

// Upsert records a new or changed fact about node, resetting its
// dissemination count so the cluster gets a fresh chance to learn it.
// isRefutation flags a fact about the local node produced by §4.2's
// refutation path, which the selection order always places first.
func (g *GossipSelector) Upsert(node Node, status Status, isRefutation bool) {
	rec, ok := g.facts[node]
	if !ok {
		rec = &gossipFactRecord{}
		g.facts[node] = rec
		g.order = append(g.order, node)
	}
	rec.fact = GossipFact{Node: node, Status: status}
	rec.count = 0
	rec.isRefutation = isRefutation
}

// expulsionLimit returns ceil(λ·log(N+1)), the dissemination count at
// which a fact is expelled from the gossip set, per §4.5.
func expulsionLimit(lambda float64, n int) int {
	v := lambda * math.Log(float64(n+1))
	return int(math.Ceil(v))
}

// Build assembles a payload for the given recipient, sized to the
// configured byte/fact budget, in the priority order specified by
// §4.5:
//  1. refutations about the local node
//  2. facts not yet disseminated at all (count == 0), approximating
//     "members the recipient likely disagrees with" since the
//     selector does not track per-recipient acknowledgement state
//  3. remaining facts ordered by ascending dissemination count, ties
//     broken by a stable Node string ordering
//
// liveishCount is the population N used in the λ·log(N+1) expulsion
// formula (§4.5); callers pass the current non-dead membership size.
func (g *GossipSelector) Build(recipient Node, liveishCount int) GossipPayload {
	if len(g.facts) == 0 {
		return EmptyGossipPayload
	}

	nodes := make([]Node, 0, len(g.facts))
	for _, n := range g.order {
		if _, ok := g.facts[n]; ok {
			nodes = append(nodes, n)
		}
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		ri, rj := g.facts[nodes[i]], g.facts[nodes[j]]
		if ri.isRefutation != rj.isRefutation {
			return ri.isRefutation
		}
		freshI := ri.count == 0
		freshJ := rj.count == 0
		if freshI != freshJ {
			return freshI
		}
		if ri.count != rj.count {
			return ri.count < rj.count
		}
		return nodes[i].String() < nodes[j].String()
	})

	limit := expulsionLimit(g.cfg.GossipLambda, liveishCount)
	maxFacts := g.cfg.MaxGossipFacts
	fanout := g.cfg.GossipFanout
	if fanout <= 0 {
		fanout = limit
	}
	if fanout < maxFacts {
		maxFacts = fanout
	}

	entries := make([]GossipFact, 0, maxFacts)
	size := 0
	for _, n := range nodes {
		if len(entries) >= maxFacts {
			break
		}
		rec := g.facts[n]
		if n.Equal(recipient) {
			// Never tell a peer a fact about itself sourced from
			// stale local knowledge ahead of its own ack; skip so the
			// Ack handling path (which sets it alive) is authoritative.
			continue
		}
		factSize := estimateFactSize(rec.fact)
		if size+factSize > g.cfg.MaxGossipBytes && len(entries) > 0 {
			break
		}
		entries = append(entries, rec.fact)
		size += factSize

		rec.count++
		if rec.count >= limit {
			delete(g.facts, n)
		}
	}

	if len(entries) == 0 {
		return EmptyGossipPayload
	}
	return GossipPayload{Kind: GossipMembership, Entries: entries}
}

// estimateFactSize approximates the wire size of a fact for the byte
// budget in §4.5, without depending on the (out-of-scope) wire codec.
func estimateFactSize(f GossipFact) int {
	const baseOverhead = 24 // incarnation + kind + node header, approximate
	size := baseOverhead + len(f.Node.Host)
	size += len(f.Status.SuspectedBy) * 16
	return size
}

// Remove drops any tracked fact about node, e.g. once it is GC'd as a
// tombstone.
func (g *GossipSelector) Remove(node Node) {
	delete(g.facts, node)
	for i, n := range g.order {
		if n.Equal(node) {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// Len reports how many facts are currently tracked, for tests and
// metrics.
func (g *GossipSelector) Len() int {
	return len(g.facts)
}
