// Package health runs the periodic checks that keep the bridge alive:
// reconnecting failed servers, polling status, watching disk space and
// publishing a heartbeat.
package health

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonrelay/xonrelay/internal/config"
	"github.com/xonrelay/xonrelay/internal/events"
	"github.com/xonrelay/xonrelay/internal/network"
	"github.com/xonrelay/xonrelay/internal/protocol"
	"github.com/xonrelay/xonrelay/internal/util"
)

// Servers is the part of the bridge manager the checks drive.
type Servers interface {
	ServersInState(state network.State) []string
	Reconnect(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (*protocol.StatusSnapshot, error)
	GetTotalServers() int
	GetReadyCount() int
}

// Manager runs periodic health checks.
type Manager struct {
	cfg      *config.Config
	eventBus *events.EventBus
	servers  Servers
	logger   zerolog.Logger

	// diskUsage is swapped out in tests.
	diskUsage func(path string) (*util.DiskUsage, error)

	mu        sync.Mutex
	failing   map[string]time.Time
	diskLevel string
}

// NewManager creates a new health check manager.
func NewManager(cfg *config.Config, eventBus *events.EventBus, servers Servers) *Manager {
	return &Manager{
		cfg:       cfg,
		eventBus:  eventBus,
		servers:   servers,
		logger:    log.With().Str("component", "health").Logger(),
		diskUsage: util.GetDiskUsage,
		failing:   make(map[string]time.Time),
	}
}

// Start launches every check with its own ticker and blocks until ctx is
// done. Checks with a non-positive interval are skipped.
func (m *Manager) Start(ctx context.Context) {
	timers := m.cfg.GetApplicationData().Timers

	m.eventBus.Subscribe(events.EventConnectionFailed, "health.failed", m.onConnectionFailed)
	defer m.eventBus.Unsubscribe(events.EventConnectionFailed, "health.failed")

	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"reconnect", timers.ReconnectInterval, m.reconnectFailed},
		{"general_health", timers.GeneralHealthInterval, m.checkGeneralHealth},
		{"status_polling", timers.StatsPollingInterval, m.pollStatus},
		{"disk_utilization", timers.DiskCheckInterval, m.checkDiskUtilization},
		{"heartbeat", timers.HeartbeatInterval, m.heartbeat},
	}

	var wg sync.WaitGroup
	started := 0
	for _, check := range checks {
		check := check
		if check.interval <= 0 {
			continue
		}
		started++

		wg.Add(1)
		go func() {
			defer wg.Done()

			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", started).Msg("health check manager started")

	<-ctx.Done()
	wg.Wait()
	m.logger.Info().Msg("health check manager stopped")
}

func (m *Manager) notifyAdmin(ctx context.Context, title, message, level string) {
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventNotifyAdmin,
		Source: "health_check",
		Payload: events.NotifyAdminPayload{
			Title:   title,
			Message: message,
			Level:   level,
		},
	})
}

func (m *Manager) onConnectionFailed(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.ConnectionFailedPayload)
	if !ok {
		return nil
	}

	m.mu.Lock()
	_, known := m.failing[p.Server]
	if !known {
		m.failing[p.Server] = p.At
	}
	m.mu.Unlock()

	// Only the first failure of an outage is reported.
	if !known && m.cfg.GetApplicationData().Discord.NotifyOnFailure {
		m.notifyAdmin(ctx, "Server Unreachable", fmt.Sprintf("%s: %s", p.Server, p.Reason), "error")
	}
	return nil
}

// reconnectFailed replaces the connection of every Failed server.
func (m *Manager) reconnectFailed(ctx context.Context) {
	for _, name := range m.servers.ServersInState(network.StateFailed) {
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		if _, ok := m.failing[name]; !ok {
			m.failing[name] = time.Now()
		}
		m.mu.Unlock()

		err := m.servers.Reconnect(ctx, name)
		if err != nil {
			// A timeout leaves the new connection retrying on its own.
			m.logger.Warn().Err(err).Str("server", name).Msg("reconnect did not complete")
			continue
		}
		m.recovered(ctx, name)
	}

	// Servers that came back through keepalive after a timed out reconnect.
	ready := make(map[string]bool)
	for _, name := range m.servers.ServersInState(network.StateReady) {
		ready[name] = true
	}
	m.mu.Lock()
	var back []string
	for name := range m.failing {
		if ready[name] {
			back = append(back, name)
		}
	}
	m.mu.Unlock()
	for _, name := range back {
		m.recovered(ctx, name)
	}
}

func (m *Manager) recovered(ctx context.Context, name string) {
	m.mu.Lock()
	since, ok := m.failing[name]
	delete(m.failing, name)
	m.mu.Unlock()
	if !ok {
		return
	}

	down := time.Since(since).Round(time.Second)
	m.logger.Info().Str("server", name).Dur("down", down).Msg("server recovered")

	if m.cfg.GetApplicationData().Discord.NotifyOnRecovery {
		m.notifyAdmin(ctx, "Server Recovered", fmt.Sprintf("%s is reachable again after %s", name, down), "info")
	}
}

// checkGeneralHealth logs a state summary and warns when nothing is usable.
func (m *Manager) checkGeneralHealth(ctx context.Context) {
	total := m.servers.GetTotalServers()
	ready := m.servers.GetReadyCount()
	failed := len(m.servers.ServersInState(network.StateFailed))
	pending := len(m.servers.ServersInState(network.StateConnecting)) +
		len(m.servers.ServersInState(network.StateChallenged))

	ev := m.logger.Debug()
	if total > 0 && ready == 0 {
		ev = m.logger.Warn()
	}
	ev.Int("total", total).
		Int("ready", ready).
		Int("pending", pending).
		Int("failed", failed).
		Msg("general health")
}

// pollStatus queries every Ready server and publishes the snapshots.
func (m *Manager) pollStatus(ctx context.Context) {
	for _, name := range m.servers.ServersInState(network.StateReady) {
		if ctx.Err() != nil {
			return
		}

		status, err := m.servers.Status(ctx, name)
		if err != nil {
			m.logger.Debug().Err(err).Str("server", name).Msg("status poll failed")
			continue
		}

		m.eventBus.Emit(ctx, events.Event{
			Type:   events.EventStatusPolled,
			Source: "health_check",
			Payload: events.StatusPolledPayload{
				Server: name,
				Status: status,
				At:     time.Now(),
			},
		})
	}
}

// diskAlertLevel maps a usage percentage to an alert level, or "" below
// the first threshold.
func diskAlertLevel(usedPercent float64) string {
	switch {
	case usedPercent >= 100:
		return "critical"
	case usedPercent >= 95:
		return "error"
	case usedPercent >= 90:
		return "warning"
	case usedPercent >= 80:
		return "info"
	default:
		return ""
	}
}

// checkDiskUtilization watches the volume holding the history database.
func (m *Manager) checkDiskUtilization(ctx context.Context) {
	app := m.cfg.GetApplicationData()
	path := filepath.Dir(app.History.Path)
	if path == "" {
		path = "."
	}

	usage, err := m.diskUsage(path)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("disk utilization check failed")
		return
	}

	m.logger.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_gb", usage.Free).
		Msg("disk utilization")

	level := diskAlertLevel(usage.UsedPercent)

	m.mu.Lock()
	changed := level != m.diskLevel
	m.diskLevel = level
	m.mu.Unlock()

	if level == "" || !changed {
		return
	}

	message := fmt.Sprintf("Disk usage at %.1f%% (%d GB free of %d GB total)",
		usage.UsedPercent, usage.Free, usage.Total)
	m.logger.Warn().Str("level", level).Msg(message)

	if app.Discord.NotifyOnDisk {
		m.notifyAdmin(ctx, "Disk Space Alert", message, level)
	}
}

// heartbeat publishes bridge and host figures over MQTT.
func (m *Manager) heartbeat(ctx context.Context) {
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventNotifyMQTT,
		Source: "heartbeat",
		Payload: events.NotifyMQTTPayload{
			Topic: "heartbeat",
			Data: map[string]interface{}{
				"total_servers": m.servers.GetTotalServers(),
				"ready":         m.servers.GetReadyCount(),
				"failed":        len(m.servers.ServersInState(network.StateFailed)),
				"host":          util.GetHostUsage(),
			},
		},
	})
}
