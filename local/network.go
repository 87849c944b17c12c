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

// Package local is an in-process stand-in for a real socket transport,
// shaped like a PacketTransport/messageEndpointFactory pair. It exists
// for tests and the single-process demo in cmd/swim-agent; a
// production transport is out of scope for this module.
package local

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	swim "github.com/de-labtory/swimfd"
)

// Network is a shared in-memory rendezvous point that a set of
// Endpoints register on. Looking up a peer by address is the local
// equivalent of a DNS/socket dial.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	dropRate  float64
}

// NewNetwork returns an empty Network.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Endpoint)}
}

// SetDropRate makes every delivery across the network fail with
// probability r, for exercising probe-failure and indirect-probe paths
// in tests without a real flaky socket.
func (n *Network) SetDropRate(r float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = r
}

func (n *Network) register(e *Endpoint) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.endpoints[e.addr]; exists {
		return fmt.Errorf("local: address %s already in use", e.addr)
	}
	n.endpoints[e.addr] = e
	return nil
}

func (n *Network) unregister(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

func (n *Network) lookup(addr string) (*Endpoint, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	e, ok := n.endpoints[addr]
	return e, ok
}

func (n *Network) shouldDrop() bool {
	n.mu.RLock()
	rate := n.dropRate
	n.mu.RUnlock()
	if rate <= 0 {
		return false
	}
	return rand.Float64() < rate
}

func addrKey(node swim.Node) string {
	return fmt.Sprintf("%s:%d", node.Host, node.Port)
}

// Receiver matches Shell.Receive's signature. An Endpoint is decoupled
// from the concrete Shell type so this package never imports anything
// but swim's public surface.
type Receiver func(from swim.Node, msg interface{}) (interface{}, error)

// Endpoint is a swim.Transport bound to one local address. Listen
// registers it with a Network; SetReceiver wires it to a Shell once
// one exists, since a Shell needs a Transport before it can be built.
type Endpoint struct {
	network *Network
	addr    string
	node    swim.Node

	mu       sync.RWMutex
	receiver Receiver
}

// Listen registers a new Endpoint for node on network. It fails if the
// address is already bound, mirroring a real listener's EADDRINUSE.
func Listen(network *Network, node swim.Node) (*Endpoint, error) {
	e := &Endpoint{network: network, addr: addrKey(node), node: node}
	if err := network.register(e); err != nil {
		return nil, err
	}
	return e, nil
}

// SetReceiver wires this endpoint's inbound dispatch to fn, typically
// (*swim.Shell).Receive.
func (e *Endpoint) SetReceiver(fn Receiver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.receiver = fn
}

func (e *Endpoint) dispatch(from swim.Node, msg interface{}) (interface{}, error) {
	e.mu.RLock()
	fn := e.receiver
	e.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("local: endpoint %s has no receiver wired", e.addr)
	}
	return fn(from, msg)
}

// Close unregisters the endpoint so its address may be reused.
func (e *Endpoint) Close() {
	e.network.unregister(e.addr)
}

// PeerFor implements swim.Transport.
func (e *Endpoint) PeerFor(node swim.Node) (swim.Peer, error) {
	if _, ok := e.network.lookup(addrKey(node)); !ok {
		return nil, fmt.Errorf("local: no endpoint listening at %s", addrKey(node))
	}
	return &peer{network: e.network, from: e.node, target: node}, nil
}

// peer implements swim.Peer by dispatching directly into the target
// Endpoint's receiver on a fresh goroutine, respecting the caller's
// context deadline the way a real round trip would.
type peer struct {
	network *Network
	from    swim.Node
	target  swim.Node
}

func (p *peer) Node() swim.Node { return p.target }

// Send delivers msg and discards any reply value, used for PingReq,
// Nack and the forwarded Ack of an indirect probe.
func (p *peer) Send(ctx context.Context, msg interface{}) error {
	_, err := p.deliver(ctx, msg)
	return err
}

// Request delivers msg and waits for a reply, used for Ping.
func (p *peer) Request(ctx context.Context, msg interface{}) (interface{}, error) {
	return p.deliver(ctx, msg)
}

type deliveryResult struct {
	reply interface{}
	err   error
}

func (p *peer) deliver(ctx context.Context, msg interface{}) (interface{}, error) {
	if p.network.shouldDrop() {
		return nil, swim.ErrTransport
	}
	ep, ok := p.network.lookup(addrKey(p.target))
	if !ok {
		return nil, swim.ErrTransport
	}

	done := make(chan deliveryResult, 1)
	go func() {
		reply, err := ep.dispatch(p.from, msg)
		done <- deliveryResult{reply: reply, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, swim.ErrTransport
		}
		return r.reply, nil
	case <-ctx.Done():
		return nil, swim.ErrTimeout
	}
}
