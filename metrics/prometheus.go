package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus implements Observer with Prometheus collectors.
type Prometheus struct {
	eigenSolves   *prometheus.CounterVec
	eigenLatency  prometheus.Histogram
	eigenRetries  prometheus.Counter
	qnCorrections *prometheus.CounterVec
	qnLatency     prometheus.Histogram
	evaluations   *prometheus.CounterVec
	evalLatency   prometheus.Histogram
	step          prometheus.Gauge
	elements      prometheus.Gauge
	objective     prometheus.Gauge
	infeasibility prometheus.Gauge
}

// NewPrometheus creates the collectors under namespace and registers them
// with reg.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	p := &Prometheus{
		eigenSolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eigen_solves_total",
			Help:      "Eigensolve attempts by outcome",
		}, []string{"status"}),
		eigenLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "eigen_solve_seconds",
			Help:      "Wall time of one eigensolve",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		eigenRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eigen_retries_total",
			Help:      "Constraint evaluations that retried the eigensolve",
		}),
		qnCorrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qn_corrections_total",
			Help:      "Quasi-Newton curvature corrections by outcome",
		}, []string{"result"}),
		qnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "qn_correction_seconds",
			Help:      "Wall time of one curvature correction",
			Buckets:   prometheus.DefBuckets,
		}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Objective and constraint evaluations",
		}, []string{"status"}),
		evalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_seconds",
			Help:      "Wall time of one objective and constraint evaluation",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		step: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "refinement_step",
			Help:      "Last completed refinement step",
		}),
		elements: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "elements",
			Help:      "Elements of the finest forest",
		}),
		objective: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "objective",
			Help:      "Objective at the end of the last step",
		}),
		infeasibility: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "infeasibility",
			Help:      "Constraint violation at the end of the last step",
		}),
	}
	for _, c := range []prometheus.Collector{
		p.eigenSolves, p.eigenLatency, p.eigenRetries,
		p.qnCorrections, p.qnLatency,
		p.evaluations, p.evalLatency,
		p.step, p.elements, p.objective, p.infeasibility,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return p, nil
}

func (p *Prometheus) OnEigenSolve(status string, _ int, d time.Duration) {
	p.eigenSolves.WithLabelValues(status).Inc()
	p.eigenLatency.Observe(d.Seconds())
}

func (p *Prometheus) OnEigenRetry() { p.eigenRetries.Inc() }

func (p *Prometheus) OnQNCorrection(applied bool, _ float64, d time.Duration) {
	result := "applied"
	if !applied {
		result = "skipped"
	}
	p.qnCorrections.WithLabelValues(result).Inc()
	p.qnLatency.Observe(d.Seconds())
}

func (p *Prometheus) OnEvaluation(d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.evaluations.WithLabelValues(status).Inc()
	p.evalLatency.Observe(d.Seconds())
}

func (p *Prometheus) OnStep(step, elements int, obj, infeas float64) {
	p.step.Set(float64(step))
	p.elements.Set(float64(elements))
	p.objective.Set(obj)
	p.infeasibility.Set(infeas)
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
