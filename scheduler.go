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

import "math/rand"

// ProbeScheduler maintains a shuffled permutation of non-local,
// non-dead peers and hands them out one at a time, reshuffling on
// wraparound. Grounded on hashicorp/memberlist's state.go probe()/
// resetNodes()/shuffleNodes cursor-based round robin, extended with
// random-position insertion for newly added members per §4.4 (which
// memberlist does not do -- it appends to the end and reshuffles the
// whole list instead).
type ProbeScheduler struct {
	nodes []Node
	cursor int
}

// NewProbeScheduler returns an empty scheduler; call Reset once the
// membership table is populated.
func NewProbeScheduler() *ProbeScheduler {
	return &ProbeScheduler{}
}

// Reset rebuilds the scheduler's permutation from the given eligible
// nodes (non-local, non-dead), shuffling it fresh. The instance calls
// it once, on construction; later changes go through Insert and Remove.
func (s *ProbeScheduler) Reset(eligible []Node) {
	s.nodes = append([]Node(nil), eligible...)
	shuffleNodes(s.nodes)
	s.cursor = 0
}

// Insert adds node at a uniformly random position in the remaining
// (not-yet-probed-this-round) slice, so a newly discovered member is
// neither starved nor probed immediately out of turn, per §4.4.
func (s *ProbeScheduler) Insert(node Node) {
	for _, n := range s.nodes {
		if n.Equal(node) {
			return
		}
	}
	if s.cursor >= len(s.nodes) {
		s.nodes = append(s.nodes, node)
		return
	}
	remaining := len(s.nodes) - s.cursor
	offset := s.cursor
	if remaining > 0 {
		offset += rand.Intn(remaining + 1)
	}
	s.nodes = append(s.nodes, Node{})
	copy(s.nodes[offset+1:], s.nodes[offset:len(s.nodes)-1])
	s.nodes[offset] = node
}

// Remove drops node from the scheduler immediately, e.g. once it is
// marked dead, per §4.4 ("dead members are skipped").
func (s *ProbeScheduler) Remove(node Node) {
	for i, n := range s.nodes {
		if n.Equal(node) {
			s.nodes = append(s.nodes[:i], s.nodes[i+1:]...)
			if s.cursor > i {
				s.cursor--
			}
			return
		}
	}
}

// Next returns the next member to ping and advances the cursor,
// reshuffling and wrapping when the cursor reaches the end. isDead
// reports, for a given Node, whether it should be skipped; the
// scheduler itself does not track liveness and always defers to the
// caller so it never drifts from the membership table's view.
func (s *ProbeScheduler) Next(isDead func(Node) bool) (Node, bool) {
	if len(s.nodes) == 0 {
		return Node{}, false
	}

	attempts := len(s.nodes)
	for i := 0; i < attempts; i++ {
		if s.cursor >= len(s.nodes) {
			shuffleNodes(s.nodes)
			s.cursor = 0
		}
		n := s.nodes[s.cursor]
		s.cursor++
		if isDead == nil || !isDead(n) {
			return n, true
		}
	}
	// Every eligible node is dead-per-caller; no probe this period.
	return Node{}, false
}

// shuffleNodes performs an in-place Fisher-Yates shuffle.
func shuffleNodes(nodes []Node) {
	for i := len(nodes) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
}
