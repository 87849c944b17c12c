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

// Wire message schema per §6 of the spec. Encoding onto bytes is the
// transport's concern (deliberately out of scope, §1); these are the
// plain Go values the transport marshals and unmarshals.

// GossipPayloadKind tags the GossipPayload variant.
type GossipPayloadKind int

const (
	// GossipNone is the empty payload variant.
	GossipNone GossipPayloadKind = iota
	// GossipMembership carries a bounded list of membership facts.
	GossipMembership
)

// GossipFact is a single (peer, status) fact as carried on the wire.
type GossipFact struct {
	Node   Node
	Status Status
}

// GossipPayload is either empty or a bounded list of membership facts,
// per §3/§6. UserFacts carries opaque application-level bytes injected
// through Shell.Gossip; the core builds and reads Entries but never
// looks inside UserFacts.
type GossipPayload struct {
	Kind      GossipPayloadKind
	Entries   []GossipFact
	UserFacts [][]byte
}

// EmptyGossipPayload is the canonical "none" payload value.
var EmptyGossipPayload = GossipPayload{Kind: GossipNone}

// IsEmpty reports whether the payload carries no membership facts and
// no application-level facts.
func (p GossipPayload) IsEmpty() bool {
	return len(p.Entries) == 0 && len(p.UserFacts) == 0
}

// Ping is sent directly to a target member, carrying a piggybacked
// gossip payload.
type Ping struct {
	ReplyTo Node
	Payload GossipPayload
}

// PingReq asks a helper member to probe Target on the sender's behalf.
// SeqNo correlates the helper's eventual forwarded Ack or Nack back to
// the prober's aggregated wait, since that response travels back as an
// independent fire-and-forget message rather than a direct RPC reply.
type PingReq struct {
	Target  Node
	ReplyTo Node
	Payload GossipPayload
	SeqNo   uint64
}

// Ack is the reply to a successful Ping. When forwarded by a pingReq
// helper back to the original prober, SeqNo matches the PingReq that
// triggered it; on a direct ping's synchronous reply SeqNo is unused
// (the request/response pairing is already handled by the Peer
// abstraction itself).
type Ack struct {
	Target      Node
	Incarnation uint64
	Payload     GossipPayload
	SeqNo       uint64
}

// Nack is sent by a pingReq helper back to the original prober when
// its own probe of Target timed out, so the prober does not wait the
// full aggregate timeout believing the helper is still working.
type Nack struct {
	Target Node
	SeqNo  uint64
}
