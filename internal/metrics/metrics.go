// Package metrics exposes governance counters on a private prometheus
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "colony"

type Metrics struct {
	reg *prometheus.Registry

	Votes           *prometheus.CounterVec
	Resolutions     *prometheus.CounterVec
	Judgments       *prometheus.CounterVec
	AssetJobs       *prometheus.CounterVec
	AssetDuration   prometheus.Histogram
	AssetsRunning   prometheus.Gauge
	Referenda       *prometheus.CounterVec
	ReferendumVotes prometheus.Counter
	Observers       prometheus.Gauge
	HTTPRequests    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		Votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "votes_total",
			Help: "Votes recorded on institution proposals.",
		}, []string{"kind"}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "resolutions_total",
			Help: "Proposals that left the pending state, by kind and final status.",
		}, []string{"kind", "status"}),
		Judgments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "judgments_total",
			Help: "Feasibility verdicts by outcome.",
		}, []string{"outcome"}),
		AssetJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "asset_jobs_total",
			Help: "Finished asset generation jobs by result.",
		}, []string{"result"}),
		AssetDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "asset_job_seconds",
			Help:    "Wall time of asset generation jobs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		AssetsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "asset_jobs_running",
			Help: "Asset generation jobs in flight.",
		}),
		Referenda: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "referenda_total",
			Help: "Finished referenda by outcome.",
		}, []string{"status"}),
		ReferendumVotes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "referendum_votes_total",
			Help: "Stakeholder votes collected in referenda.",
		}),
		Observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "observers_connected",
			Help: "Connected websocket observers.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route pattern and status code class.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		m.Votes, m.Resolutions, m.Judgments, m.AssetJobs, m.AssetDuration, m.AssetsRunning,
		m.Referenda, m.ReferendumVotes, m.Observers, m.HTTPRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveAsset records one finished asset job.
func (m *Metrics) ObserveAsset(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.AssetJobs.WithLabelValues(result).Inc()
	m.AssetDuration.Observe(elapsed.Seconds())
}
