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
	"time"
)

// Config holds every tunable named in the SWIM failure-detector
// specification. DefaultConfig returns a Config with every field set
// to its default; Validate reports the same class of sanity error the original
// constructor used to panic on.
type Config struct {
	// ProbeInterval is the base interval between periodic probes.
	ProbeInterval time.Duration

	// PingTimeout is the base direct-probe timeout.
	PingTimeout time.Duration

	// IndirectChecks is k, the number of helper members used for
	// indirect probing.
	IndirectChecks int

	// GossipFanout bounds how many facts ride a single outgoing
	// payload when non-zero; zero means derive it from GossipLambda
	// and the current membership size.
	GossipFanout int

	// GossipLambda is the λ constant in the λ·log(N+1) dissemination
	// limit.
	GossipLambda float64

	// MaxGossipBytes bounds the estimated size of a gossip payload. The
	// first fact is always included, even when it alone exceeds the
	// budget.
	MaxGossipBytes int

	// MaxGossipFacts bounds the number of facts in a gossip payload,
	// independent of MaxGossipBytes.
	MaxGossipFacts int

	// LHMMax is the ceiling of the local health multiplier.
	LHMMax int

	// MinSuspicionTimeout and MaxSuspicionTimeout bound the lifeguard
	// suspicion timeout formula.
	MinSuspicionTimeout time.Duration
	MaxSuspicionTimeout time.Duration

	// SuspicionMaxIndependentSuspicions is the cap on suspecter count
	// used when shortening the suspicion timeout.
	SuspicionMaxIndependentSuspicions int

	// TombstoneTTL is how long a dead Member is retained before it may
	// be garbage collected.
	TombstoneTTL time.Duration

	// BindHost and BindPort identify the local Node's address.
	BindHost string
	BindPort int
}

// DefaultConfig returns the configuration defaults named in the
// specification's Configuration section.
func DefaultConfig() *Config {
	probeInterval := time.Second
	return &Config{
		ProbeInterval:                     probeInterval,
		PingTimeout:                       300 * time.Millisecond,
		IndirectChecks:                    3,
		GossipFanout:                      0,
		GossipLambda:                      3,
		MaxGossipBytes:                    1400,
		MaxGossipFacts:                    64,
		LHMMax:                            8,
		MinSuspicionTimeout:               3 * probeInterval,
		MaxSuspicionTimeout:               10 * probeInterval,
		SuspicionMaxIndependentSuspicions: 3,
		TombstoneTTL:                      24 * time.Hour,
	}
}

// Validate checks every field that would otherwise make the protocol
// ill-defined, such as the probe interval needing to exceed the ping
// timeout it contains.
func (c *Config) Validate() error {
	if c.ProbeInterval <= c.PingTimeout {
		return fmt.Errorf("swim: ProbeInterval (%s) must be longer than PingTimeout (%s)", c.ProbeInterval, c.PingTimeout)
	}
	if c.IndirectChecks < 0 {
		return fmt.Errorf("swim: IndirectChecks must be non-negative, got %d", c.IndirectChecks)
	}
	if c.LHMMax < 0 {
		return fmt.Errorf("swim: LHMMax must be non-negative, got %d", c.LHMMax)
	}
	if c.MinSuspicionTimeout <= 0 || c.MaxSuspicionTimeout <= 0 {
		return fmt.Errorf("swim: suspicion timeouts must be positive")
	}
	if c.MinSuspicionTimeout > c.MaxSuspicionTimeout {
		return fmt.Errorf("swim: MinSuspicionTimeout (%s) must not exceed MaxSuspicionTimeout (%s)", c.MinSuspicionTimeout, c.MaxSuspicionTimeout)
	}
	if c.SuspicionMaxIndependentSuspicions <= 0 {
		return fmt.Errorf("swim: SuspicionMaxIndependentSuspicions must be positive, got %d", c.SuspicionMaxIndependentSuspicions)
	}
	if c.GossipLambda <= 0 {
		return fmt.Errorf("swim: GossipLambda must be positive, got %f", c.GossipLambda)
	}
	if c.TombstoneTTL <= 0 {
		return fmt.Errorf("swim: TombstoneTTL must be positive")
	}
	return nil
}
