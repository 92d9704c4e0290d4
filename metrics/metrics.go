package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "syncstorage"

	metricLabelOperation = "op"
	metricLabelStatus    = "status"
	metricLabelOutcome   = "outcome"

	StatusSuccess = "success"
	StatusError   = "error"

	OutcomeCommit          = "commit"
	OutcomeCommitFailed    = "commit_failed"
	OutcomeRollback        = "rollback"
	OutcomeDiscardedWrites = "discarded_writes"
)

var (
	// TxnBeginCounter counts attempts to begin a transaction
	TxnBeginCounter = newCounterVec(
		"txn_begin_count",
		"Number of transactions begun",
		metricLabelStatus,
	)
	// TxnFinishCounter counts how transactions were finalized
	TxnFinishCounter = newCounterVec(
		"txn_finish_count",
		"Number of finalized transactions by outcome",
		metricLabelOutcome,
	)
	// TxnDuration observes how long transactions stay open
	TxnDuration = newSummaryVec(
		"txn_duration_seconds",
		"Seconds between beginning and finalizing a transaction",
		metricLabelOutcome,
	)
	// OperationCounter counts storage operations
	OperationCounter = newCounterVec(
		"operation_count",
		"Count of storage operations",
		metricLabelOperation, metricLabelStatus,
	)
	// OperationDuration observes the duration of storage operations
	OperationDuration = newSummaryVec(
		"operation_duration_seconds",
		"Seconds spent in each storage operation",
		metricLabelOperation, metricLabelStatus,
	)
	// NotificationsDroppedCounter counts events not delivered to a slow subscriber
	NotificationsDroppedCounter = newCounterVec(
		"notifications_dropped_count",
		"Number of version notifications dropped because a subscriber was not reading",
	)
)

func newSummaryVec(name, help string, labels ...string) *prometheus.SummaryVec {
	vec := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	prometheus.MustRegister(vec)
	return vec
}

func newCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	prometheus.MustRegister(vec)
	return vec
}
