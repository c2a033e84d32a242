/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics defines the Prometheus metrics of the fan-out engine and the helpers that record them.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	compbasemetrics "k8s.io/component-base/metrics"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	metricsutil "github.com/firequery/fanout/pkg/fanout/util/metrics"
)

const (
	// FanoutComponent is the subsystem of every metric in this package.
	FanoutComponent = "fanout"

	// Request outcomes.
	OutcomeFinished  = "finished"
	OutcomePartial   = "partial"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

var (
	// --- Common Label Sets ---
	TeamLabels = []string{"team"}

	// RequestDurationBuckets span from 5ms to 10 minutes.
	RequestDurationBuckets = []float64{
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
	}

	// FairnessBuckets cover Jain's index for two or more teams.
	FairnessBuckets = []float64{0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 0.99, 1}

	// RunBuckets cover same-team run lengths.
	RunBuckets = []float64{1, 2, 3, 4, 5, 8, 13, 21}
)

// --- Request Metrics ---
var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: FanoutComponent,
			Name:      "requests_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of admitted requests broken out by terminal outcome.", compbasemetrics.ALPHA),
		},
		[]string{"outcome"},
	)

	requestLatencies = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: FanoutComponent,
			Name:      "request_duration_seconds",
			Help:      metricsutil.HelpMsgWithStability("Distribution of request durations from admission to terminal state.", compbasemetrics.ALPHA),
			Buckets:   RequestDurationBuckets,
		},
		[]string{"outcome"},
	)

	timeToFirstChunk = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: FanoutComponent,
			Name:      "time_to_first_chunk_seconds",
			Help:      metricsutil.HelpMsgWithStability("Distribution of the delay between delegation and the first relayed chunk of each team.", compbasemetrics.ALPHA),
			Buckets:   RequestDurationBuckets,
		},
		TeamLabels,
	)

	fairnessIndex = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: FanoutComponent,
			Name:      "request_fairness_index",
			Help:      metricsutil.HelpMsgWithStability("Distribution of Jain's fairness index over the volume each team delivered, per co-active request.", compbasemetrics.ALPHA),
			Buckets:   FairnessBuckets,
		},
	)

	maxCoActiveRun = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: FanoutComponent,
			Name:      "request_max_coactive_run",
			Help:      metricsutil.HelpMsgWithStability("Distribution of the longest same-team run of relayed chunks, per co-active request.", compbasemetrics.ALPHA),
			Buckets:   RunBuckets,
		},
	)
)

// --- Admission Metrics ---
var (
	admissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: FanoutComponent,
			Name:      "admission_rejections_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of requests refused before admission, by reason.", compbasemetrics.ALPHA),
		},
		[]string{"reason"},
	)

	activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: FanoutComponent,
			Name:      "active_requests",
			Help:      metricsutil.HelpMsgWithStability("Number of requests currently admitted.", compbasemetrics.ALPHA),
		},
	)

	activeSources = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: FanoutComponent,
			Name:      "active_sources",
			Help:      metricsutil.HelpMsgWithStability("Number of upstream chunk sources opened by admitted requests.", compbasemetrics.ALPHA),
		},
	)

	waitingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: FanoutComponent,
			Name:      "admission_waiting_requests",
			Help:      metricsutil.HelpMsgWithStability("Number of requests waiting for an admission slot.", compbasemetrics.ALPHA),
		},
	)
)

// --- Info Metrics ---
var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: FanoutComponent,
			Name:      "info",
			Help:      metricsutil.HelpMsgWithStability("General information of the running fan-out leader.", compbasemetrics.ALPHA),
		},
		[]string{"commit", "build_ref"},
	)
)

// --- Relay Metrics ---
var (
	relayedChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: FanoutComponent,
			Name:      "relayed_chunks_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of chunks relayed to clients, by team.", compbasemetrics.ALPHA),
		},
		TeamLabels,
	)

	relayedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: FanoutComponent,
			Name:      "relayed_records_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of records relayed to clients, by team.", compbasemetrics.ALPHA),
		},
		TeamLabels,
	)

	backpressureEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: FanoutComponent,
			Name:      "backpressure_events_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of pushes refused because a team queue was at capacity.", compbasemetrics.ALPHA),
		},
		TeamLabels,
	)

	malformedChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: FanoutComponent,
			Name:      "malformed_chunks_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of chunks discarded for a duplicate or out-of-order sequence number.", compbasemetrics.ALPHA),
		},
		TeamLabels,
	)

	upstreamFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: FanoutComponent,
			Name:      "upstream_failures_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of upstream source failures, by team and reason.", compbasemetrics.ALPHA),
		},
		[]string{"team", "reason"},
	)

	cancellationUnacknowledged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: FanoutComponent,
			Name:      "cancellation_unacknowledged_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of upstream cancellations not acknowledged within the grace period.", compbasemetrics.ALPHA),
		},
		[]string{"upstream"},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register(customCollectors ...prometheus.Collector) {
	registerMetrics.Do(func() {
		metrics.Registry.MustRegister(requestCounter)
		metrics.Registry.MustRegister(requestLatencies)
		metrics.Registry.MustRegister(timeToFirstChunk)
		metrics.Registry.MustRegister(fairnessIndex)
		metrics.Registry.MustRegister(maxCoActiveRun)

		metrics.Registry.MustRegister(admissionRejections)
		metrics.Registry.MustRegister(activeRequests)
		metrics.Registry.MustRegister(activeSources)
		metrics.Registry.MustRegister(waitingRequests)

		metrics.Registry.MustRegister(relayedChunks)
		metrics.Registry.MustRegister(relayedRecords)
		metrics.Registry.MustRegister(backpressureEvents)
		metrics.Registry.MustRegister(malformedChunks)
		metrics.Registry.MustRegister(upstreamFailures)
		metrics.Registry.MustRegister(cancellationUnacknowledged)

		metrics.Registry.MustRegister(buildInfo)

		for _, collector := range customCollectors {
			metrics.Registry.MustRegister(collector)
		}
	})
}

// Reset resets all vector metrics. Intended for tests.
func Reset() {
	requestCounter.Reset()
	requestLatencies.Reset()
	timeToFirstChunk.Reset()
	admissionRejections.Reset()
	relayedChunks.Reset()
	relayedRecords.Reset()
	backpressureEvents.Reset()
	malformedChunks.Reset()
	upstreamFailures.Reset()
	cancellationUnacknowledged.Reset()
	buildInfo.Reset()
	activeRequests.Set(0)
	activeSources.Set(0)
	waitingRequests.Set(0)
}

// RecordRequestOutcome records a request reaching a terminal state.
func RecordRequestOutcome(outcome string, duration time.Duration) {
	requestCounter.WithLabelValues(outcome).Inc()
	requestLatencies.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordTimeToFirstChunk records the delay between delegation and a team's first relayed chunk.
func RecordTimeToFirstChunk(team string, d time.Duration) {
	timeToFirstChunk.WithLabelValues(team).Observe(d.Seconds())
}

// RecordFairness records the fairness summary of a request that became co-active.
func RecordFairness(index float64, maxRun int) {
	fairnessIndex.Observe(index)
	maxCoActiveRun.Observe(float64(maxRun))
}

// RecordAdmissionRejection records a request refused before admission.
func RecordAdmissionRejection(reason string) {
	admissionRejections.WithLabelValues(reason).Inc()
}

// SetAdmissionGauges publishes the admission controller's counters.
func SetAdmissionGauges(active, sources, waiting int) {
	activeRequests.Set(float64(active))
	activeSources.Set(float64(sources))
	waitingRequests.Set(float64(waiting))
}

// RecordRelayedChunk records a chunk relayed to a client.
func RecordRelayedChunk(team string, records int) {
	relayedChunks.WithLabelValues(team).Inc()
	relayedRecords.WithLabelValues(team).Add(float64(records))
}

// RecordBackpressure records a push refused for lack of headroom.
func RecordBackpressure(team string) {
	backpressureEvents.WithLabelValues(team).Inc()
}

// RecordMalformedChunk records a chunk discarded as malformed.
func RecordMalformedChunk(team string) {
	malformedChunks.WithLabelValues(team).Inc()
}

// RecordUpstreamFailure records an upstream source failure.
func RecordUpstreamFailure(team, reason string) {
	upstreamFailures.WithLabelValues(team, reason).Inc()
}

// RecordCancellationUnacknowledged records an upstream that did not acknowledge cancellation in time.
func RecordCancellationUnacknowledged(upstream string) {
	cancellationUnacknowledged.WithLabelValues(upstream).Inc()
}

// RecordBuildInfo publishes the build of the running binary.
func RecordBuildInfo(commitSha, buildRef string) {
	buildInfo.WithLabelValues(commitSha, buildRef).Set(1)
}
