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

package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	swim "github.com/de-labtory/swimfd"
)

func TestEndpointRequestRoundTrip(t *testing.T) {
	network := NewNetwork()
	nodeA := swim.NewNode("a", 1)
	nodeB := swim.NewNode("b", 2)

	epA, err := Listen(network, nodeA)
	require.NoError(t, err)
	defer epA.Close()
	epB, err := Listen(network, nodeB)
	require.NoError(t, err)
	defer epB.Close()

	epB.SetReceiver(func(from swim.Node, msg interface{}) (interface{}, error) {
		return "pong", nil
	})

	peer, err := epA.PeerFor(nodeB)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := peer.Request(ctx, "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)
}

func TestEndpointSendDoesNotRequireReceiverReply(t *testing.T) {
	network := NewNetwork()
	nodeA := swim.NewNode("a", 1)
	nodeB := swim.NewNode("b", 2)

	epA, err := Listen(network, nodeA)
	require.NoError(t, err)
	defer epA.Close()
	epB, err := Listen(network, nodeB)
	require.NoError(t, err)
	defer epB.Close()

	received := make(chan interface{}, 1)
	epB.SetReceiver(func(from swim.Node, msg interface{}) (interface{}, error) {
		received <- msg
		return nil, nil
	})

	peer, err := epA.PeerFor(nodeB)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, peer.Send(ctx, "fire-and-forget"))

	select {
	case msg := <-received:
		assert.Equal(t, "fire-and-forget", msg)
	case <-time.After(time.Second):
		t.Fatal("receiver never saw the message")
	}
}

func TestPeerForUnknownAddressFails(t *testing.T) {
	network := NewNetwork()
	nodeA := swim.NewNode("a", 1)
	epA, err := Listen(network, nodeA)
	require.NoError(t, err)
	defer epA.Close()

	_, err = epA.PeerFor(swim.NewNode("ghost", 99))
	assert.Error(t, err)
}

func TestListenRejectsDuplicateAddress(t *testing.T) {
	network := NewNetwork()
	node := swim.NewNode("a", 1)
	ep, err := Listen(network, node)
	require.NoError(t, err)
	defer ep.Close()

	_, err = Listen(network, swim.NewNode("a", 1))
	assert.Error(t, err)
}

func TestNetworkDropRateFailsDelivery(t *testing.T) {
	network := NewNetwork()
	network.SetDropRate(1.0)
	nodeA := swim.NewNode("a", 1)
	nodeB := swim.NewNode("b", 2)

	epA, err := Listen(network, nodeA)
	require.NoError(t, err)
	defer epA.Close()
	epB, err := Listen(network, nodeB)
	require.NoError(t, err)
	defer epB.Close()
	epB.SetReceiver(func(from swim.Node, msg interface{}) (interface{}, error) { return "pong", nil })

	peer, err := epA.PeerFor(nodeB)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = peer.Request(ctx, "ping")
	assert.ErrorIs(t, err, swim.ErrTransport)
}
