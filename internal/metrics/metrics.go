package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the counters shared by the client and the storage service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	storeOps    *prometheus.CounterVec
	generations *prometheus.CounterVec
	turns       *prometheus.CounterVec
	apiRequests *prometheus.CounterVec
}

// New creates a Metrics instance registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canvas_store_operations_total",
			Help: "Persistent store operations by backend, operation and result.",
		}, []string{"backend", "op", "result"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canvas_generation_results_total",
			Help: "Generation results by parse outcome.",
		}, []string{"kind"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canvas_turns_total",
			Help: "Conversation turns by outcome.",
		}, []string{"outcome"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canvas_storage_api_requests_total",
			Help: "Storage API requests by route and status class.",
		}, []string{"route", "status"}),
	}
	m.Registry.MustRegister(m.storeOps, m.generations, m.turns, m.apiRequests)
	return m
}

func (m *Metrics) StoreOp(backend, op string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "fail"
	}
	m.storeOps.WithLabelValues(backend, op, result).Inc()
}

func (m *Metrics) Generation(kind string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(kind).Inc()
}

func (m *Metrics) Turn(outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) APIRequest(route, status string) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(route, status).Inc()
}

// Generations exposes the generation counter for inspection.
func (m *Metrics) Generations() *prometheus.CounterVec { return m.generations }

// Turns exposes the turn counter for inspection.
func (m *Metrics) Turns() *prometheus.CounterVec { return m.turns }
