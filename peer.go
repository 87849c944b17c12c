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

import "context"

// Peer is an addressable handle bound to a Node. Peers are obtained
// from the transport; the core never constructs one itself (§3). The
// core only ever calls Send or Request on a Peer -- it never inspects
// transport internals.
type Peer interface {
	// Node returns the identity this peer is bound to.
	Node() Node

	// Send delivers msg fire-and-forget. Used for pingReq, nack, and
	// the forwarded ack of an indirect probe, none of which has a reply.
	Send(ctx context.Context, msg interface{}) error

	// Request delivers msg and waits up to timeout for a reply. Used
	// for ping. Returns ErrTimeout on expiry and
	// ErrTransport on any other delivery failure.
	Request(ctx context.Context, msg interface{}) (interface{}, error)
}

// Transport is the external collaborator referenced only by interface
// in §6: it resolves a Node into a Peer and performs the actual
// socket/framing work. The transport layer's implementation is
// deliberately out of scope for this module (§1); the core and shell
// depend only on this seam.
type Transport interface {
	// PeerFor returns a Peer bound to node, establishing whatever
	// connection state the transport needs.
	PeerFor(node Node) (Peer, error)
}

// Associator resolves Open Question 2 of §9: withEnsuredAssociation is
// kept as a pluggable hook so a real handshake can be substituted
// later without touching the instance or shell.
type Associator interface {
	// EnsureAssociation confirms (or establishes) a usable connection
	// to node before a gossip-driven addMember proceeds.
	EnsureAssociation(ctx context.Context, node Node) error
}

// TrivialAssociator is the default Associator: it short-circuits to
// success for any non-zero Node, leaving real handshake/association
// logic as a later pluggable addition.
type TrivialAssociator struct{}

// EnsureAssociation always succeeds for a non-zero Node.
func (TrivialAssociator) EnsureAssociation(ctx context.Context, node Node) error {
	if node.Zero() {
		return ErrAssociation
	}
	return nil
}

// PeerTable is the shell-owned map from Node to Peer, populated as
// peers are resolved through the Transport. The instance never reads
// this table directly; it only ever operates on Peer handles already
// attached to Members (§5: "the peer-connection map is shell-owned").
type PeerTable struct {
	peers     map[Node]Peer
	transport Transport
}

// NewPeerTable returns a PeerTable backed by the given Transport.
func NewPeerTable(transport Transport) *PeerTable {
	return &PeerTable{peers: make(map[Node]Peer), transport: transport}
}

// Resolve returns a cached Peer for node, resolving a new one through
// the Transport if necessary.
func (t *PeerTable) Resolve(node Node) (Peer, error) {
	if p, ok := t.peers[node]; ok {
		return p, nil
	}
	p, err := t.transport.PeerFor(node)
	if err != nil {
		return nil, err
	}
	t.peers[node] = p
	return p, nil
}

// Forget drops a cached Peer, e.g. once its Node is marked dead.
func (t *PeerTable) Forget(node Node) {
	delete(t.peers, node)
}
