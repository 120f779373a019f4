package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the kneader controller metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ProcessState     *prometheus.GaugeVec
	ScansTotal       *prometheus.CounterVec
	StageMixSeconds  prometheus.Histogram
	HardwareCommands *prometheus.CounterVec
	EmergencyStops   prometheus.Counter
	RunsTotal        *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		ProcessState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kneader",
			Name:      "process_state",
			Help:      "1 for the currently active process state, 0 otherwise",
		}, []string{"state"}),

		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kneader",
			Name:      "scans_total",
			Help:      "Barcode scans by phase and result",
		}, []string{"phase", "result"}),

		StageMixSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kneader",
			Name:      "stage_mix_seconds",
			Help:      "Wall clock duration of completed mixing stages including pauses",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),

		HardwareCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kneader",
			Name:      "hardware_commands_total",
			Help:      "Hardware interface commands by action and outcome",
		}, []string{"action", "result"}),

		EmergencyStops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kneader",
			Name:      "emergency_stops_total",
			Help:      "Mixing cycles aborted because the lid opened",
		}),

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kneader",
			Name:      "runs_total",
			Help:      "Finished workorder runs by result",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.ProcessState,
		m.ScansTotal,
		m.StageMixSeconds,
		m.HardwareCommands,
		m.EmergencyStops,
		m.RunsTotal,
	)

	return m
}

// SetState marks state as the only active one among states.
func (m *Metrics) SetState(state string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ProcessState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ObserveScan(phase, result string) {
	m.ScansTotal.WithLabelValues(phase, result).Inc()
}

func (m *Metrics) ObserveHardwareCommand(action, result string) {
	m.HardwareCommands.WithLabelValues(action, result).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
