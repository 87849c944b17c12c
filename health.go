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

import "time"

// HealthEvent is the kind of event that adjusts the local health
// multiplier, per §4.6.
type HealthEvent int

const (
	// SuccessfulProbe is a direct probe that received an ack.
	SuccessfulProbe HealthEvent = iota
	// FailedProbe is a direct probe of our own target that timed out.
	FailedProbe
	// ProbeWithMissedNack is a direct-probed node that timed out while
	// the probe was itself performed on behalf of another prober
	// (i.e. this was a pingReq relay).
	ProbeWithMissedNack
	// RefutingSuspectMessageAboutSelf is incurred when the local node
	// has to refute a suspicion/unreachable claim about itself.
	RefutingSuspectMessageAboutSelf
)

// Awareness is the lifeguard-style local health multiplier tracker
// (§4.6). LHM in [0, Max]; effective timeouts are baseTimeout*(1+LHM).
type Awareness struct {
	value int
	max   int
	gauge awarenessGauge
}

// awarenessGauge is the minimal surface metrics.go needs to publish
// the live LHM value; kept as an interface here so health.go has no
// hard dependency on the Prometheus client.
type awarenessGauge interface {
	Set(v float64)
}

// NewAwareness returns an Awareness tracker starting at zero,
// optionally reporting to gauge (nil is fine -- no-op).
func NewAwareness(max int, gauge awarenessGauge) *Awareness {
	a := &Awareness{max: max, gauge: gauge}
	a.publish()
	return a
}

// Adjust applies a HealthEvent per the table in §4.6, clamping at 0
// and Max.
func (a *Awareness) Adjust(event HealthEvent) {
	switch event {
	case SuccessfulProbe:
		a.set(a.value - 1)
	case FailedProbe, ProbeWithMissedNack, RefutingSuspectMessageAboutSelf:
		a.set(a.value + 1)
	}
}

func (a *Awareness) set(v int) {
	if v < 0 {
		v = 0
	}
	if v > a.max {
		v = a.max
	}
	a.value = v
	a.publish()
}

func (a *Awareness) publish() {
	if a.gauge != nil {
		a.gauge.Set(float64(a.value))
	}
}

// Value returns the current LHM.
func (a *Awareness) Value() int {
	return a.value
}

// ScaleDuration returns base*(1+LHM), the formula used for both
// dynamicLHMProtocolInterval and dynamicLHMPingTimeout in §4.6.
func (a *Awareness) ScaleDuration(base time.Duration) time.Duration {
	return base * time.Duration(1+a.value)
}
