// Package metrics holds the Prometheus collectors shared by the consistency
// mechanisms. Collectors are package level so libraries can record without
// plumbing a registry; processes register them once with Register.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OutboxPublished counts records acknowledged by the broker.
	OutboxPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Outbox records delivered to the broker",
	}, []string{"topic"})
	// OutboxFailed counts failed delivery attempts.
	OutboxFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_failed_total",
		Help: "Outbox delivery attempts that failed",
	}, []string{"topic"})
	// OutboxDeadLetters reports records that exhausted their retries.
	OutboxDeadLetters = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_dead_letters",
		Help: "Outbox records parked after reaching the retry cap",
	})
	// OutboxSwept counts completed records removed by retention.
	OutboxSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_swept_total",
		Help: "Completed outbox records deleted by the retention sweep",
	})
	IdempotencyDuplicates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idempotency_duplicates_total",
		Help: "Requests rejected as duplicates",
	}, []string{"namespace", "state"})
	LockAcquired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_acquired_total",
		Help: "Distributed lock acquisitions",
	}, []string{"namespace"})
	LockTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_timeouts_total",
		Help: "Distributed lock acquisitions that timed out",
	}, []string{"namespace"})
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_rejected_total",
		Help: "Commands rejected by the rate limiter",
	}, []string{"prefix"})
	// StockCommands counts inventory commands by name and outcome.
	StockCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_commands_total",
		Help: "Inventory commands by outcome",
	}, []string{"command", "outcome"})
	InboxDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inbox_duplicates_total",
		Help: "Consumed events skipped because they were already applied",
	})
	// ConsumedEvents counts broker messages by topic and how they were settled.
	ConsumedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_events_total",
		Help: "Consumed broker messages by outcome",
	}, []string{"topic", "outcome"})
)

func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Register adds every collector plus the Go runtime collectors to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		OutboxPublished,
		OutboxFailed,
		OutboxDeadLetters,
		OutboxSwept,
		IdempotencyDuplicates,
		LockAcquired,
		LockTimeouts,
		RateLimited,
		StockCommands,
		InboxDuplicates,
		ConsumedEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
