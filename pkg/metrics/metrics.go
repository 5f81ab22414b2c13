/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package metrics

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace = "realtime_client"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	// Metric variables default to noop so components can record before Init
	ReachabilityOnline           Gauge      = noopGauge{}
	ReachabilityTransitionsTotal CounterVec = noopCounterVec{}
	ProbesTotal                  CounterVec = noopCounterVec{}
	ProbeDurationSeconds         Histogram  = noopHistogram{}
	ExternalHintsTotal           CounterVec = noopCounterVec{}
	ConnectionState              GaugeVec   = noopGaugeVec{}
	ReconnectAttemptsTotal       Counter    = noopCounter{}
	ValidationsTotal             CounterVec = noopCounterVec{}
	SessionResetsTotal           Counter    = noopCounter{}
	SequenceAnomaliesTotal       Counter    = noopCounter{}
	RecoverySequencesTotal       CounterVec = noopCounterVec{}
	PingFailuresTotal            Counter    = noopCounter{}
	QueueDepth                   Gauge      = noopGauge{}
	QueueOutcomesTotal           CounterVec = noopCounterVec{}
	QueueRetriesTotal            CounterVec = noopCounterVec{}
	QueueWaitingOffline          Gauge      = noopGauge{}
	ReauthenticationsTotal       CounterVec = noopCounterVec{}
	AdminRequestsTotal           CounterVec = noopCounterVec{}
	Up                           Gauge      = noopGauge{}
	BuildInfo                    GaugeVec   = noopGaugeVec{}
)

// initMetrics creates all metric variables and returns their collectors.
// Must run after SetEnabled so disabled metrics stay noop.
func initMetrics() []prometheus.Collector {
	var cs []prometheus.Collector
	add := func(c prometheus.Collector) {
		if c != nil {
			cs = append(cs, c)
		}
	}

	var c prometheus.Collector

	ReachabilityOnline, c = newGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reachability_online",
		Help:      "Current reachability belief (1=online, 0=offline)",
	})
	add(c)

	ReachabilityTransitionsTotal, c = newCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reachability_transitions_total",
		Help:      "Total number of reachability status flips",
	}, []string{"to"})
	add(c)

	ProbesTotal, c = newCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probes_total",
		Help:      "Total number of reachability probes by result",
	}, []string{"result", "trigger"})
	add(c)

	ProbeDurationSeconds, c = newHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "probe_duration_seconds",
		Help:      "Reachability probe latency",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})
	add(c)

	ExternalHintsTotal, c = newCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "external_hints_total",
		Help:      "Total number of platform connectivity hints received",
	}, []string{"online"})
	add(c)

	ConnectionState, c = newGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connection_state",
		Help:      "Current stream connection state (1 for the active state)",
	}, []string{"state"})
	add(c)

	ReconnectAttemptsTotal, c = newCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnect_attempts_total",
		Help:      "Total number of stream reconnect attempts",
	})
	add(c)

	ValidationsTotal, c = newCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "validations_total",
		Help:      "Total number of preflight credential validations by outcome",
	}, []string{"outcome"})
	add(c)

	SessionResetsTotal, c = newCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_resets_total",
		Help:      "Total number of server-side session resets detected",
	})
	add(c)

	SequenceAnomaliesTotal, c = newCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sequence_anomalies_total",
		Help:      "Total number of stream counter discontinuities",
	})
	add(c)

	RecoverySequencesTotal, c = newCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovery_sequences_total",
		Help:      "Total number of recovery sequences issued",
	}, []string{"kind"})
	add(c)

	PingFailuresTotal, c = newCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ping_failures_total",
		Help:      "Total number of stream ping failures",
	})
	add(c)

	QueueDepth, c = newGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of requests held by the retry queue",
	})
	add(c)

	QueueOutcomesTotal, c = newCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_outcomes_total",
		Help:      "Total number of terminal request outcomes",
	}, []string{"outcome", "class"})
	add(c)

	QueueRetriesTotal, c = newCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_retries_total",
		Help:      "Total number of scheduled request retries by error class",
	}, []string{"class"})
	add(c)

	QueueWaitingOffline, c = newGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_waiting_offline",
		Help:      "1 while the queue is paused waiting for reachability",
	})
	add(c)

	ReauthenticationsTotal, c = newCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reauthentications_total",
		Help:      "Total number of re-authentication attempts by result",
	}, []string{"result"})
	add(c)

	AdminRequestsTotal, c = newCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admin_requests_total",
		Help:      "Total number of admin API requests",
	}, []string{"method", "route", "status"})
	add(c)

	Up, c = newGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "up",
		Help:      "Client liveness indicator (1=up, 0=down)",
	})
	add(c)

	BuildInfo, c = newGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information of the running client, always 1",
	}, []string{"version", "build_time", "go_version"})
	add(c)

	return cs
}

// Init initializes the metrics registry and all metric variables
func Init() *prometheus.Registry {
	once.Do(func() {
		collectorsList := initMetrics()

		registry = prometheus.NewRegistry()
		if !Enabled {
			return
		}
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		for _, c := range collectorsList {
			if err := registry.Register(c); err != nil {
				// Already registered - ignore
				continue
			}
		}
	})

	return registry
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return Init()
	}
	return registry
}

// SetConnectionState marks state as the only active connection state
func SetConnectionState(state string) {
	ConnectionState.Reset()
	ConnectionState.WithLabelValues(state).Set(1)
}

// SetBuildInfo publishes the binary's version labels
func SetBuildInfo(version, buildTime string) {
	BuildInfo.Reset()
	BuildInfo.WithLabelValues(version, buildTime, runtime.Version()).Set(1)
}

// BoolToFloat converts a boolean to a gauge value
func BoolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
