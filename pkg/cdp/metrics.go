package cdp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marionette",
		Name:      "evaluations_total",
		Help:      "Remote evaluation calls by wire method.",
	}, []string{"method"})
	metricEvaluationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marionette",
		Name:      "evaluation_failures_total",
		Help:      "Evaluations that surfaced a structured evaluation failure.",
	})
	metricDegenerateResults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marionette",
		Name:      "degenerate_results_total",
		Help:      "Evaluations whose value could not be returned by value and yielded a default.",
	})
	metricHandlesReleased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marionette",
		Name:      "handles_released_total",
		Help:      "Remote object handles released.",
	})
	metricActiveContexts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "marionette",
		Name:      "execution_contexts_active",
		Help:      "Execution contexts currently known to the registry.",
	})
	metricInterceptedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marionette",
		Name:      "intercepted_requests_total",
		Help:      "Requests observed with an interception id.",
	})
	metricResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marionette",
		Name:      "interception_resolutions_total",
		Help:      "Interception resolutions by outcome (continue, fulfill, abort).",
	}, []string{"outcome"})
	metricSwallowedRaces = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marionette",
		Name:      "interception_races_swallowed_total",
		Help:      "Resolution wire calls that failed against an already-gone request.",
	})
)

// RecordEvaluation counts one evaluation wire call.
func RecordEvaluation(method string) {
	metricEvaluations.WithLabelValues(method).Inc()
}

// RecordEvaluationFailure counts one structured evaluation failure.
func RecordEvaluationFailure() {
	metricEvaluationFailures.Inc()
}

// RecordDegenerateResult counts one default-valued evaluation result.
func RecordDegenerateResult() {
	metricDegenerateResults.Inc()
}

// RecordHandleReleased counts one released remote handle.
func RecordHandleReleased() {
	metricHandlesReleased.Inc()
}

// RecordContextCreated tracks registry growth.
func RecordContextCreated() {
	metricActiveContexts.Inc()
}

// RecordContextDestroyed tracks registry shrinkage.
func RecordContextDestroyed() {
	metricActiveContexts.Dec()
}

// RecordInterceptedRequest counts one intercepted request.
func RecordInterceptedRequest() {
	metricInterceptedRequests.Inc()
}

// RecordResolution counts one interception resolution by outcome.
func RecordResolution(outcome string) {
	metricResolutions.WithLabelValues(outcome).Inc()
}

// RecordSwallowedRace counts one tolerated resolution race.
func RecordSwallowedRace() {
	metricSwallowedRaces.Inc()
}
