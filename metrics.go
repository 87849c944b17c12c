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

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus collectors exposed by a running
// Shell.
type Metrics struct {
	ProbesSent         prometheus.Counter
	ProbeAcksReceived  prometheus.Counter
	ProbeTimeouts      prometheus.Counter
	IndirectProbesSent prometheus.Counter
	SuspicionStarted   prometheus.Counter
	SuspicionResolved  prometheus.Counter
	SuspicionExpired   prometheus.Counter
	MembersDeclaredDead prometheus.Counter
	LocalHealthMultiplier prometheus.Gauge
	MembershipSize     prometheus.Gauge
}

// NewMetrics constructs a fresh Metrics bundle and registers it with
// reg. Passing a dedicated *prometheus.Registry (rather than the
// global default) keeps multiple Shell instances in a test process
// from colliding on collector names.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		ProbesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "probes_sent_total",
			Help: "Direct probes initiated.",
		}),
		ProbeAcksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "probe_acks_total",
			Help: "Acks received for direct or indirect probes.",
		}),
		ProbeTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "probe_timeouts_total",
			Help: "Direct probes that timed out.",
		}),
		IndirectProbesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "indirect_probes_sent_total",
			Help: "pingReq messages sent to helper members.",
		}),
		SuspicionStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "suspicion_started_total",
			Help: "Members transitioned into suspect status.",
		}),
		SuspicionResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "suspicion_resolved_total",
			Help: "Suspicions resolved by refutation (back to alive).",
		}),
		SuspicionExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "suspicion_expired_total",
			Help: "Suspicions that timed out into unreachable.",
		}),
		MembersDeclaredDead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "members_declared_dead_total",
			Help: "Members transitioned to dead.",
		}),
		LocalHealthMultiplier: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "local_health_multiplier",
			Help: "Current lifeguard local health multiplier.",
		}),
		MembershipSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "membership_size",
			Help: "Number of known members, including dead tombstones not yet garbage collected.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ProbesSent,
			m.ProbeAcksReceived,
			m.ProbeTimeouts,
			m.IndirectProbesSent,
			m.SuspicionStarted,
			m.SuspicionResolved,
			m.SuspicionExpired,
			m.MembersDeclaredDead,
			m.LocalHealthMultiplier,
			m.MembershipSize,
		)
	}

	return m
}
