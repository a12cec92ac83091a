// Package metrics exposes Prometheus collectors for the chat client.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector groups the client's counters on a private registry.
type Collector struct {
	registry *prometheus.Registry

	dials      *prometheus.CounterVec
	exhausted  prometheus.Counter
	connState  *prometheus.GaugeVec
	snapshots  *prometheus.CounterVec
	reconciles *prometheus.CounterVec
	turns      *prometheus.CounterVec
	roomJoins  prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lunark",
			Subsystem: "socket",
			Name:      "dial_total",
			Help:      "Socket dial attempts by result.",
		}, []string{"result"}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lunark",
			Subsystem: "socket",
			Name:      "reconnect_exhausted_total",
			Help:      "Times the bounded reconnect budget ran out.",
		}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lunark",
			Subsystem: "socket",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lunark",
			Subsystem: "stream",
			Name:      "snapshots_total",
			Help:      "Streamed content snapshots by outcome.",
		}, []string{"result"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lunark",
			Subsystem: "reconcile",
			Name:      "events_total",
			Help:      "Pending transaction reconciliation outcomes.",
		}, []string{"result"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lunark",
			Subsystem: "turn",
			Name:      "total",
			Help:      "Turn lifecycle outcomes.",
		}, []string{"result"}),
		roomJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lunark",
			Subsystem: "room",
			Name:      "join_requests_total",
			Help:      "joinChat requests emitted.",
		}),
	}

	c.registry.MustRegister(c.dials, c.exhausted, c.connState, c.snapshots, c.reconciles, c.turns, c.roomJoins)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Dial(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.dials.WithLabelValues("ok").Inc()
		return
	}
	c.dials.WithLabelValues("error").Inc()
}

func (c *Collector) ReconnectExhausted() {
	if c == nil {
		return
	}
	c.exhausted.Inc()
}

// ConnState marks state as the only active connection state.
func (c *Collector) ConnState(state string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		c.connState.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) Snapshot(result string) {
	if c == nil {
		return
	}
	c.snapshots.WithLabelValues(result).Inc()
}

func (c *Collector) Reconcile(result string) {
	if c == nil {
		return
	}
	c.reconciles.WithLabelValues(result).Inc()
}

func (c *Collector) Turn(result string) {
	if c == nil {
		return
	}
	c.turns.WithLabelValues(result).Inc()
}

func (c *Collector) RoomJoin() {
	if c == nil {
		return
	}
	c.roomJoins.Inc()
}
