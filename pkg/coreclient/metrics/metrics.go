// Package metrics exposes the core's prometheus instrumentation. The
// teacher's go.mod already names github.com/prometheus/common; this
// package gives the sibling client_golang package a real importer,
// covering the Sync Tracker's sync level and the Request Router's
// quorum outcomes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the set of collectors the core updates. Callers that
// already run a prometheus.Registry can pass it to NewRegistry, which
// registers every collector against it; NewRegistry registers against
// prometheus.DefaultRegisterer when reg is nil.
type Registry struct {
	SyncLevel          prometheus.Gauge
	ReconnectsTotal    *prometheus.CounterVec
	QuorumFailuresTotal prometheus.Counter
	InclusionsTotal    prometheus.Counter
	RejectionsTotal    prometheus.Counter
}

// NewRegistry builds and registers the collectors. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Registry{
		SyncLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coreclient",
			Name:      "sync_level",
			Help:      "Current agreed (epoch, tick) sync level, 0..N.",
		}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coreclient",
			Name:      "peer_reconnects_total",
			Help:      "Peer session reconnect attempts, by endpoint.",
		}, []string{"endpoint"}),
		QuorumFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coreclient",
			Name:      "quorum_failures_total",
			Help:      "Pending requests rejected after all N replies disagreed.",
		}),
		InclusionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coreclient",
			Name:      "outbox_inclusions_total",
			Help:      "Outbox entries observed included.",
		}),
		RejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coreclient",
			Name:      "outbox_rejections_total",
			Help:      "Outbox entries observed rejected.",
		}),
	}
	for _, c := range []prometheus.Collector{m.SyncLevel, m.ReconnectsTotal, m.QuorumFailuresTotal, m.InclusionsTotal, m.RejectionsTotal} {
		_ = reg.Register(c)
	}
	return m
}
