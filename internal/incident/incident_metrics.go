package incident

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the incident correlation subsystem.
type Metrics struct {
	AlertsIngestedTotal   prometheus.Counter
	AlertsLinkedTotal     *prometheus.CounterVec
	IncidentsOpenedTotal  prometheus.Counter
	IncidentsClosedTotal  prometheus.Counter
	NotificationsTotal    *prometheus.CounterVec
	SweepDuration         prometheus.Histogram
	SweepErrorsTotal      *prometheus.CounterVec
	SweepBacklog          prometheus.Gauge
	OpenIncidentAgeOnClose prometheus.Histogram
}

// NewMetrics registers and returns incident metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsIngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firewatch_alerts_ingested_total",
			Help: "Total site alerts accepted by the ingest endpoint.",
		}),
		AlertsLinkedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewatch_alerts_linked_total",
			Help: "Total alerts linked to an incident, by outcome.",
		}, []string{"outcome"}), // attached | opened | retried
		IncidentsOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firewatch_incidents_opened_total",
			Help: "Total incidents opened.",
		}),
		IncidentsClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "firewatch_incidents_closed_total",
			Help: "Total incidents auto-closed by the resolver.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewatch_notifications_total",
			Help: "Total opening/closing notifications dispatched, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "firewatch_sweep_duration_seconds",
			Help:    "Duration of sweep invocations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~200s
		}),
		SweepErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewatch_sweep_errors_total",
			Help: "Per-item errors recorded during sweeps, by phase.",
		}, []string{"phase"}), // backfill | resolve
		SweepBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "firewatch_sweep_unlinked_alerts",
			Help: "Unlinked alerts found by the most recent sweep.",
		}),
		OpenIncidentAgeOnClose: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "firewatch_incident_open_duration_seconds",
			Help:    "Time from incident open to auto-close in seconds.",
			Buckets: prometheus.ExponentialBuckets(3600, 2, 10), // 1h .. ~21d
		}),
	}

	reg.MustRegister(
		m.AlertsIngestedTotal,
		m.AlertsLinkedTotal,
		m.IncidentsOpenedTotal,
		m.IncidentsClosedTotal,
		m.NotificationsTotal,
		m.SweepDuration,
		m.SweepErrorsTotal,
		m.SweepBacklog,
		m.OpenIncidentAgeOnClose,
	)
	return m
}
