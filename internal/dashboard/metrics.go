package dashboard

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cdodd/optcom/internal/engine"
	"github.com/cdodd/optcom/internal/resolver"
)

// Metrics collects cycle-level counters for the Prometheus endpoint. The
// engine stays unaware of metrics; the trader loop feeds cycle reports in
// after each pass.
type Metrics struct {
	registry *prometheus.Registry

	scanCycles       prometheus.Counter
	evalCycles       prometheus.Counter
	triggered        prometheus.Counter
	decisions        *prometheus.CounterVec
	validations      *prometheus.CounterVec
	gatewayRestarts  prometheus.Counter
	twoFARetries     prometheus.Counter
	candidatesGauge  prometheus.Gauge
	lastCycleErrored prometheus.Gauge
}

// NewMetrics registers the counters on a fresh registry so tests can run
// several instances in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		scanCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optcom_scan_cycles_total",
			Help: "Trigger scan cycles completed.",
		}),
		evalCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optcom_eval_cycles_total",
			Help: "Evaluation cycles completed.",
		}),
		triggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optcom_candidates_triggered_total",
			Help: "Candidates whose trigger price condition fired.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optcom_decisions_total",
			Help: "Committed candidate decisions by outcome.",
		}, []string{"outcome"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optcom_contract_validations_total",
			Help: "Contract validation results by disposition.",
		}, []string{"result"}),
		gatewayRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optcom_gateway_restarts_total",
			Help: "Gateway session restarts issued.",
		}),
		twoFARetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optcom_gateway_2fa_retries_total",
			Help: "Live session restarts issued to refresh a lapsed 2FA challenge.",
		}),
		candidatesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optcom_candidates_pending",
			Help: "Candidates seen in the most recent scan cycle.",
		}),
		lastCycleErrored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optcom_last_cycle_errors",
			Help: "Errors in the most recent cycle.",
		}),
	}
	reg.MustRegister(
		m.scanCycles, m.evalCycles, m.triggered, m.decisions,
		m.validations, m.gatewayRestarts, m.twoFARetries,
		m.candidatesGauge, m.lastCycleErrored,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveScan folds one trigger scan report into the counters.
func (m *Metrics) ObserveScan(r engine.ScanReport) {
	m.scanCycles.Inc()
	m.triggered.Add(float64(r.Triggered))
	m.candidatesGauge.Set(float64(r.Candidates))
	m.lastCycleErrored.Set(float64(r.Errors))
	m.decisions.WithLabelValues("no data").Add(float64(r.NoData))
}

// ObserveEval folds one evaluation report into the counters.
func (m *Metrics) ObserveEval(r engine.EvalReport) {
	m.evalCycles.Inc()
	m.decisions.WithLabelValues("order placed").Add(float64(r.OrdersPlaced))
	m.decisions.WithLabelValues("premium too low").Add(float64(r.PremiumTooLow))
	m.decisions.WithLabelValues("missing contract").Add(float64(r.MissingContract))
	m.decisions.WithLabelValues("insufficient data").Add(float64(r.InsufficientData))
	m.lastCycleErrored.Set(float64(r.Errors))
}

// ObserveValidation folds one contract validation run into the counters.
func (m *Metrics) ObserveValidation(s resolver.Stats) {
	m.validations.WithLabelValues("valid").Add(float64(s.ValidOriginal))
	m.validations.WithLabelValues("corrected").Add(float64(s.Corrected))
	m.validations.WithLabelValues("failed").Add(float64(s.Failed))
}

// ObserveGatewayRestart counts one issued session restart.
func (m *Metrics) ObserveGatewayRestart() { m.gatewayRestarts.Inc() }

// ObserveTwoFARetries counts challenge refreshes issued during one gateway
// startup.
func (m *Metrics) ObserveTwoFARetries(n int) {
	if n > 0 {
		m.twoFARetries.Add(float64(n))
	}
}
