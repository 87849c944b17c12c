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
	"fmt"

	"github.com/rs/xid"
)

// Node is a stable logical identity for a cluster participant: a
// host/port pair paired with an incarnation-tagged unique identifier,
// so that a process restart at the same address produces a new Node
// distinguishable from the prior one.
type Node struct {
	Host string
	Port int
	Tag  xid.ID
}

// NewNode mints a fresh Node for the given address, tagging it with a
// new xid so a restart at the same address is never confused with the
// previous incarnation of the process.
func NewNode(host string, port int) Node {
	return Node{Host: host, Port: port, Tag: xid.New()}
}

// String renders the Node as "host:port#tag" for logging.
func (n Node) String() string {
	return fmt.Sprintf("%s:%d#%s", n.Host, n.Port, n.Tag.String())
}

// Equal reports full identity equality: same address AND same restart
// tag. This is the relation the membership table keys on, per §3 of
// the spec ("restarts produce a new Node distinguishable from the
// prior one").
func (n Node) Equal(other Node) bool {
	return n.Host == other.Host && n.Port == other.Port && n.Tag == other.Tag
}

// SameAddress reports address-only equality, ignoring the restart tag.
// This is the relation handleMonitor uses to decide whether a monitor
// request names the local node, per the Open Question in §9 of the
// spec: "node-equality should ignore the incarnation-tag UUID in
// handleMonitor".
func (n Node) SameAddress(other Node) bool {
	return n.Host == other.Host && n.Port == other.Port
}

// Zero reports whether this Node is the zero value (no identity yet).
func (n Node) Zero() bool {
	return n.Host == "" && n.Port == 0 && n.Tag.IsZero()
}
