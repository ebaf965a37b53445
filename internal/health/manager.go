// Package health publishes a periodic status heartbeat: the watched room's
// session state plus host resource usage.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/livefeed-project/livefeed/internal/config"
	"github.com/livefeed-project/livefeed/internal/events"
	"github.com/livefeed-project/livefeed/internal/session"
	"github.com/livefeed-project/livefeed/internal/util"
)

// StatusSource is what the heartbeat reports on.
type StatusSource interface {
	Status() session.Status
}

// StatusReport is the payload of EventStatusReport.
type StatusReport struct {
	Type      string              `json:"type"`
	Version   string              `json:"version"`
	Session   session.Status      `json:"session"`
	Resources *util.ResourceUsage `json:"resources,omitempty"`
	UptimeSec int64               `json:"uptime_sec"`
	Timestamp int64               `json:"timestamp"`
}

// Manager emits status reports on a fixed interval.
type Manager struct {
	cfg     *config.Config
	bus     *events.EventBus
	source  StatusSource
	started time.Time
	logger  zerolog.Logger
}

// NewManager creates a health manager reporting on source.
func NewManager(cfg *config.Config, bus *events.EventBus, source StatusSource) *Manager {
	return &Manager{
		cfg:     cfg,
		bus:     bus,
		source:  source,
		started: time.Now(),
		logger:  util.ComponentLogger("health"),
	}
}

// Start reports immediately and then every status interval until ctx is
// done. A non-positive interval disables reporting.
func (m *Manager) Start(ctx context.Context) {
	interval := time.Duration(m.cfg.GetTimers().StatusInterval) * time.Second
	if interval <= 0 {
		m.logger.Info().Msg("status heartbeat disabled")
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Msg("status heartbeat started")
	m.publish(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("status heartbeat stopped")
			return
		case <-ticker.C:
			m.publish(ctx)
		}
	}
}

// Report builds one status report.
func (m *Manager) Report() StatusReport {
	report := StatusReport{
		Type:      "heartbeat",
		Version:   util.Version,
		Session:   m.source.Status(),
		UptimeSec: int64(time.Since(m.started).Seconds()),
		Timestamp: time.Now().Unix(),
	}

	usage, err := util.GetResourceUsage()
	if err != nil {
		m.logger.Debug().Err(err).Msg("resource usage unavailable")
	} else {
		report.Resources = usage
	}
	return report
}

func (m *Manager) publish(ctx context.Context) {
	report := m.Report()
	m.bus.Emit(ctx, events.Event{Type: events.EventStatusReport, Source: "health", Payload: report})

	m.logger.Debug().
		Int64("room_id", report.Session.RoomID).
		Str("state", report.Session.State).
		Bool("live", report.Session.Live).
		Msg("status heartbeat")
}
