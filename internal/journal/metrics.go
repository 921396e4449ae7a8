package journal

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the journaling engine.
type Metrics struct {
	EntriesAppended    *prometheus.CounterVec
	EntriesAmended     *prometheus.CounterVec
	MutationsSkipped   *prometheus.CounterVec
	Suppressed         *prometheus.CounterVec
	Conflicts          *prometheus.CounterVec
	RetriesExhausted   *prometheus.CounterVec
	Reversions         *prometheus.CounterVec
	CommitDuration     prometheus.Histogram
	NotificationErrors prometheus.Counter
}

// NewMetrics registers the engine metrics on reg. A nil registerer leaves
// the collectors unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EntriesAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "journal_entries_appended_total",
			Help: "Journal entries created, by entity kind",
		}, []string{"kind"}),
		EntriesAmended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "journal_entries_amended_total",
			Help: "Journal entries amended from append windows, by entity kind",
		}, []string{"kind"}),
		MutationsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "journal_mutations_skipped_total",
			Help: "Mutations persisted inside skip windows, by entity kind",
		}, []string{"kind"}),
		Suppressed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "journal_mutations_suppressed_total",
			Help: "Mutations that produced no journal entry, by reason",
		}, []string{"kind", "reason"}),
		Conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "journal_version_conflicts_total",
			Help: "Version number races detected by the journal store",
		}, []string{"kind"}),
		RetriesExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "journal_retries_exhausted_total",
			Help: "Mutations abandoned after repeated version conflicts",
		}, []string{"kind"}),
		Reversions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "journal_reversions_total",
			Help: "Reversions planned, by direction",
		}, []string{"kind", "direction"}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "journal_commit_duration_seconds",
			Help:    "Duration of journaled commits including retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		NotificationErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "journal_activity_notification_errors_total",
			Help: "Activity notifications that failed after commit",
		}),
	}
}

// ObserveCommit records the duration of a commit.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveCommit(start time.Time) {
	if m == nil {
		return
	}
	m.CommitDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) appended(kind string) {
	if m != nil {
		m.EntriesAppended.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) amended(kind string) {
	if m != nil {
		m.EntriesAmended.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) skipped(kind string) {
	if m != nil {
		m.MutationsSkipped.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) suppressed(kind, reason string) {
	if m != nil {
		m.Suppressed.WithLabelValues(kind, reason).Inc()
	}
}

func (m *Metrics) conflict(kind string) {
	if m != nil {
		m.Conflicts.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) exhausted(kind string) {
	if m != nil {
		m.RetriesExhausted.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) reverted(kind, direction string) {
	if m != nil {
		m.Reversions.WithLabelValues(kind, direction).Inc()
	}
}

func (m *Metrics) notificationFailed() {
	if m != nil {
		m.NotificationErrors.Inc()
	}
}
