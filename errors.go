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
	"errors"

	"github.com/sirupsen/logrus"
)

// Error taxonomy per §7 of the spec.
var (
	// ErrTransport is a transient send/receive failure, treated
	// identically to a probe timeout for status-machine purposes.
	ErrTransport = errors.New("swim: transport error")

	// ErrTimeout is the only outcome that drives suspicion escalation.
	ErrTimeout = errors.New("swim: timeout")

	// ErrAssociation is an ensure-association failure: logged at
	// warning, the caller's continuation is invoked with failure, and
	// the member is not added at this time (it may be retried via the
	// next gossip round).
	ErrAssociation = errors.New("swim: association failed")
)

// Debug, when true, makes invariant violations panic instead of
// log-and-continue, per §7/§9 ("implementations should make these
// abort the process under debug configuration and log-and-continue
// under release, configurable"). A runtime switch rather than a
// hardwired panic, so production can run with log-and-continue.
var Debug = false

// invariantViolation reports a programmer-error condition (e.g. mark
// dead returning IgnoredDueToOlderStatus) via the given logger, and
// panics if Debug is set.
func invariantViolation(logger logrus.FieldLogger, fields logrus.Fields, message string) {
	entry := logger.WithFields(fields)
	if Debug {
		entry.Panic(message)
		return
	}
	entry.Error(message)
}
