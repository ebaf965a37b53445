package telemetry

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livefeed-project/livefeed/internal/connector"
	"github.com/livefeed-project/livefeed/internal/events"
)

const namespace = "livefeed"

// degradedFlags are the label values of the degraded gauge.
var degradedFlags = []string{"device_id", "wbi_keys"}

// Metrics holds the Prometheus collectors fed from the event bus.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal      *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	live             prometheus.Gauge
	popularity       prometheus.Gauge
	reconnects       prometheus.Counter
	connectionLosses prometheus.Counter
	diagnostics      prometheus.Counter
	degraded         *prometheus.GaugeVec
}

// NewMetrics creates the collectors on a private registry together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Decoded feed events by kind",
		}, []string{"kind"}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Relay client state transitions by target state",
		}, []string{"state"}),
		live: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live",
			Help:      "1 while the relay connection is authenticated and receiving",
		}),
		popularity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "popularity",
			Help:      "Last popularity value carried by a heartbeat reply",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Connection attempts after the first one of a run",
		}),
		connectionLosses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_losses_total",
			Help:      "Transitions from live to not live",
		}),
		diagnostics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostics_total",
			Help:      "Diagnostic messages published by the relay client",
		}),
		degraded: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded",
			Help:      "1 when the current credentials rely on a bootstrap fallback",
		}, []string{"flag"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Attach subscribes the collectors to bus.
func (m *Metrics) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventFeedEvents, "metrics", func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.FeedEventsPayload); ok {
			for _, ev := range p.Events {
				m.eventsTotal.WithLabelValues(string(ev.Kind())).Inc()
			}
		}
		return nil
	})

	bus.Subscribe(events.EventFeedLiveness, "metrics", func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.LivenessPayload); ok {
			if p.Live {
				m.live.Set(1)
			} else {
				m.live.Set(0)
				m.connectionLosses.Inc()
			}
		}
		return nil
	})

	bus.Subscribe(events.EventFeedPopularity, "metrics", func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.PopularityPayload); ok {
			m.popularity.Set(float64(p.Popularity))
		}
		return nil
	})

	bus.Subscribe(events.EventFeedDiagnostic, "metrics", func(ctx context.Context, e events.Event) error {
		m.diagnostics.Inc()
		return nil
	})

	bus.Subscribe(events.EventFeedState, "metrics", func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.StatePayload); ok {
			m.onState(p)
		}
		return nil
	})
}

func (m *Metrics) onState(p events.StatePayload) {
	m.stateTransitions.WithLabelValues(p.State).Inc()

	if p.State == connector.StateBootstrapping.String() && p.Attempt > 1 {
		m.reconnects.Inc()
	}

	// Credentials are known from Connecting on.
	if p.Degraded == "" {
		return
	}
	set := strings.Split(p.Degraded, ",")
	for _, flag := range degradedFlags {
		v := 0.0
		for _, s := range set {
			if s == flag {
				v = 1
			}
		}
		m.degraded.WithLabelValues(flag).Set(v)
	}
}
