// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/petsync/pkg/logger"
	"github.com/united-manufacturing-hub/petsync/pkg/sentry"
)

const (
	// Component labels.
	ComponentPushProcessor = "push_processor"
	ComponentPullProcessor = "pull_processor"
	ComponentMutate        = "mutate"
	ComponentStore         = "store"
	ComponentOpCache       = "op_cache"
	ComponentAPI           = "api"

	// Outcome labels.
	OutcomeAccepted  = "accepted"
	OutcomeReplayed  = "replayed"
	OutcomeRejected  = "rejected"
	OutcomeCacheHit  = "hit"
	OutcomeCacheMiss = "miss"
)

var (
	namespace = "petsync"
	subsystem = "sync"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	opsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "push_ops_total",
			Help:      "Pushed operations by entity type, outcome and rejection reason",
		},
		[]string{"entity_type", "outcome", "reason"},
	)

	conflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "conflicts_total",
			Help:      "Version conflicts detected, by entity type and conflict policy",
		},
		[]string{"entity_type", "policy"},
	)

	commitRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commit_retries_total",
			Help:      "Transactional commit attempts that were retried",
		},
		[]string{"entity_type"},
	)

	pullChanges = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pull_page_changes",
			Help:      "Number of change records returned per pull page",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 250, 500},
		},
	)

	opCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "op_cache_lookups_total",
			Help:      "Accepted-op cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	requestDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_milliseconds",
			Help:      "Time taken to process a push or pull request (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.9:  0.01,
				0.95: 0.01,
				0.99: 0.01,
			},
		},
		[]string{"component"},
	)
)

// SetupMetricsEndpoint starts an HTTP server exposing /metrics on addr.
func SetupMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeFatal, logger.For(logger.ComponentMetrics))
		}
	}()

	return server
}

// IncErrorCountAndLog increments the error counter for a component and logs a debug message if a logger is provided.
func IncErrorCountAndLog(component, instance string, err error, log *zap.SugaredLogger) {
	IncErrorCount(component, instance)

	if log != nil {
		log.Debugf("Component %s instance %s failed: %v", component, instance, err)
	}
}

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// RecordOp counts one processed operation. reason is empty unless outcome is OutcomeRejected.
func RecordOp(entityType, outcome, reason string) {
	opsTotal.WithLabelValues(entityType, outcome, reason).Inc()
}

// RecordConflict counts a detected version conflict under the given policy.
func RecordConflict(entityType, policy string) {
	conflictsTotal.WithLabelValues(entityType, policy).Inc()
}

// RecordCommitRetry counts one retried commit attempt.
func RecordCommitRetry(entityType string) {
	commitRetries.WithLabelValues(entityType).Inc()
}

// ObservePullPage records the size of one pull page.
func ObservePullPage(changes int) {
	pullChanges.Observe(float64(changes))
}

// RecordOpCacheLookup counts an accepted-op cache lookup.
func RecordOpCacheLookup(hit bool) {
	if hit {
		opCacheLookups.WithLabelValues(OutcomeCacheHit).Inc()

		return
	}

	opCacheLookups.WithLabelValues(OutcomeCacheMiss).Inc()
}

// ObserveRequestTime records how long a push or pull took.
func ObserveRequestTime(component string, duration time.Duration) {
	requestDuration.WithLabelValues(component).Observe(float64(duration.Milliseconds()))
}
