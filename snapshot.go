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

// MembershipSnapshot is the Node→Status view returned by
// GetMembershipState, the testing interface named in §6.
type MembershipSnapshot map[Node]Status

// GetMembershipState returns a point-in-time snapshot of the
// membership table, per §6's testing interface
// ("getMembershipState(replyTo) → returns a snapshot of the
// Node→Status mapping"). Since the instance is single-threaded, no
// locking is needed to take the snapshot.
func (inst *Instance) GetMembershipState() MembershipSnapshot {
	snap := make(MembershipSnapshot, len(inst.table.order))
	for _, m := range inst.table.All() {
		snap[m.Node] = m.Status
	}
	return snap
}
