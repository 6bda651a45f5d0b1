// Package bridge orchestrates the game server connections: it builds them
// from configuration, keeps them alive, and relays chat and commands
// between the game and the rest of the application.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonrelay/xonrelay/internal/config"
	"github.com/xonrelay/xonrelay/internal/events"
	"github.com/xonrelay/xonrelay/internal/network"
	"github.com/xonrelay/xonrelay/internal/protocol"
)

// ErrUnknownServer is returned for a server name that is not configured.
var ErrUnknownServer = errors.New("unknown server")

// maxConcurrentOpens limits simultaneous handshakes at startup.
const maxConcurrentOpens = 4

// Manager owns one Dispatcher and a relay per configured server.
type Manager struct {
	mu sync.RWMutex

	cfg        *config.Config
	eventBus   *events.EventBus
	dispatcher *network.Dispatcher
	logger     zerolog.Logger

	relays map[string]*Relay
	order  []string

	openSemaphore chan struct{}
}

// NewManager creates the dispatcher and one relay per enabled server.
// Connections are created but not opened until StartAll.
func NewManager(cfg *config.Config, eventBus *events.EventBus) (*Manager, error) {
	dispatcher, err := network.NewDispatcher(networkOptions(cfg.GetProtocol()))
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	m := &Manager{
		cfg:           cfg,
		eventBus:      eventBus,
		dispatcher:    dispatcher,
		logger:        log.With().Str("component", "bridge").Logger(),
		relays:        make(map[string]*Relay),
		openSemaphore: make(chan struct{}, maxConcurrentOpens),
	}

	for _, sc := range cfg.GetServers() {
		if !sc.Enabled {
			m.logger.Info().Str("server", sc.Name).Msg("server disabled, skipping")
			continue
		}
		if _, dup := m.relays[sc.Name]; dup {
			dispatcher.Shutdown()
			return nil, fmt.Errorf("duplicate server name %q", sc.Name)
		}

		relay := newRelay(sc, m.logger)
		conn, err := m.connect(relay)
		if err != nil {
			dispatcher.Shutdown()
			return nil, fmt.Errorf("server %s: %w", sc.Name, err)
		}
		relay.setConnection(conn, false)

		m.relays[sc.Name] = relay
		m.order = append(m.order, sc.Name)
	}

	eventBus.Subscribe(events.EventConfigChanged, "bridge.configChanged", m.onConfigChanged)

	m.logger.Info().Int("servers", len(m.relays)).Msg("bridge initialised")
	return m, nil
}

func networkOptions(p config.ProtocolConfig) network.Options {
	keepalive := p.KeepaliveInterval()
	if keepalive == 0 {
		keepalive = -1
	}
	return network.Options{
		RequestTimeout:       p.RequestTimeout(),
		KeepaliveInterval:    keepalive,
		MaxHandshakeTimeouts: p.MaxHandshakeTimeouts,
		ChallengeTTL:         p.ChallengeTTL(),
		SingleUseChallenge:   p.SingleUseChallenge,
		ChatQueueSize:        p.ChatQueueSize,
		WriteTimeout:         p.WriteTimeout(),
		BindAddress:          p.BindAddress,
	}
}

// connect creates a connection for relay and wires its callbacks to the
// event bus.
func (m *Manager) connect(relay *Relay) (*network.Connection, error) {
	sc := relay.cfg
	conn, err := m.dispatcher.NewConnection(sc.Name, sc.Address, sc.RconPassword)
	if err != nil {
		return nil, err
	}

	strip := m.cfg.GetBridge().StripColors
	conn.OnChat(func(b protocol.Broadcast) {
		now := time.Now()
		plain := b.Text
		if strip {
			plain = protocol.StripColors(b.Text)
		}
		relay.recordChat(ChatLine{Kind: b.Kind, Text: b.Text, Plain: plain, ReceivedAt: now})
		m.emit(events.EventChatMessage, sc.Name, events.ChatMessagePayload{
			Server:     sc.Name,
			Kind:       b.Kind,
			Text:       b.Text,
			Plain:      plain,
			ReceivedAt: now,
		})
	})

	conn.OnStateChange(func(from, to network.State) {
		m.emit(events.EventConnectionState, sc.Name, events.ConnectionStatePayload{
			Server: sc.Name,
			From:   from,
			To:     to,
			At:     time.Now(),
		})
	})

	conn.OnFailed(func(err error) {
		m.emit(events.EventConnectionFailed, sc.Name, events.ConnectionFailedPayload{
			Server: sc.Name,
			Reason: err.Error(),
			At:     time.Now(),
		})
	})

	return conn, nil
}

func (m *Manager) emit(t events.EventType, source string, payload interface{}) {
	m.eventBus.Emit(context.Background(), events.Event{Type: t, Source: source, Payload: payload})
}

// StartAll opens every connection with bounded concurrency. A server that
// does not answer the first challenge, or whose first challenge was
// superseded by another caller, is not an error: keepalive keeps retrying
// until the handshake limit fails it.
func (m *Manager) StartAll(ctx context.Context) error {
	relays := m.relaysInOrder()

	m.logger.Info().Int("count", len(relays)).Msg("opening all server connections")

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		readyCount   int
		pendingCount int
		failCount    int
	)

	for _, relay := range relays {
		relay := relay
		m.openSemaphore <- struct{}{}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-m.openSemaphore }()

			err := relay.Connection().Open(ctx)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				readyCount++
			case errors.Is(err, network.ErrTimeout):
				pendingCount++
				relay.logger.Warn().Msg("server did not answer the first challenge, will keep retrying")
			case errors.Is(err, network.ErrCancelled) && relay.Connection().State() == network.StateReady:
				readyCount++
			case errors.Is(err, network.ErrCancelled):
				pendingCount++
				relay.logger.Info().Msg("first challenge superseded by a newer request, handshake continues")
			default:
				failCount++
				relay.logger.Error().Err(err).Msg("failed to open connection")
			}
		}()
	}

	wg.Wait()

	m.logger.Info().
		Int("ready", readyCount).
		Int("pending", pendingCount).
		Int("failed", failCount).
		Int("total", len(relays)).
		Msg("server connections opened")

	if failCount > 0 && failCount == len(relays) {
		return fmt.Errorf("all %d connections failed to open", failCount)
	}
	return nil
}

// StopAll closes every connection and waits for their goroutines.
func (m *Manager) StopAll() {
	m.logger.Info().Msg("closing all server connections")
	m.dispatcher.Shutdown()
}

func (m *Manager) relaysInOrder() []*Relay {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Relay, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.relays[name])
	}
	return out
}

func (m *Manager) relay(name string) (*Relay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.relays[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return r, nil
}

// Names returns the configured server names in configuration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Status queries a live status snapshot and remembers it.
func (m *Manager) Status(ctx context.Context, name string) (*protocol.StatusSnapshot, error) {
	r, err := m.relay(name)
	if err != nil {
		return nil, err
	}

	status, err := r.Connection().Status(ctx)
	if err != nil {
		return nil, err
	}
	r.recordStatus(status)
	return status, nil
}

// RefreshChallenge fetches a fresh challenge on demand.
func (m *Manager) RefreshChallenge(ctx context.Context, name string) (network.Challenge, error) {
	r, err := m.relay(name)
	if err != nil {
		return network.Challenge{}, err
	}
	return r.Connection().Challenge(ctx)
}

// Rcon sends an authenticated console command. origin names who asked for
// it and is only used in events.
func (m *Manager) Rcon(name, command, origin string) error {
	r, err := m.relay(name)
	if err != nil {
		return err
	}

	if err := r.Connection().Rcon(command); err != nil {
		return err
	}

	m.emit(events.EventRconSent, name, events.RconSentPayload{
		Server:  name,
		Command: command,
		Origin:  origin,
		At:      time.Now(),
	})
	return nil
}

// Say relays a message from outside the game into the server chat.
func (m *Manager) Say(name string, author Author, text string) error {
	bc := m.cfg.GetBridge()
	cmd, err := FormatSay(bc.SayCommand, author, text, bc.MaxMessageLength)
	if err != nil {
		return err
	}
	return m.Rcon(name, cmd, "say:"+author.Name)
}

// Reconnect replaces the connection of name with a fresh one and opens it.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	r, err := m.relay(name)
	if err != nil {
		return err
	}

	r.reconnectMu.Lock()
	defer r.reconnectMu.Unlock()

	if old := r.Connection(); old != nil {
		old.Close()
	}

	conn, err := m.connect(r)
	if err != nil {
		return err
	}
	r.setConnection(conn, true)

	r.logger.Info().Msg("reconnecting")
	return conn.Open(ctx)
}

// RecentChat returns up to n recent broadcasts of name.
func (m *Manager) RecentChat(name string, n int) ([]ChatLine, error) {
	r, err := m.relay(name)
	if err != nil {
		return nil, err
	}
	return r.RecentChat(n), nil
}

// GetInfo returns the summary of one relay.
func (m *Manager) GetInfo(name string) (RelayInfo, error) {
	r, err := m.relay(name)
	if err != nil {
		return RelayInfo{}, err
	}
	return r.Info(), nil
}

// GetAllInfo returns summaries of every relay, sorted by name.
func (m *Manager) GetAllInfo() []RelayInfo {
	relays := m.relaysInOrder()

	info := make([]RelayInfo, 0, len(relays))
	for _, r := range relays {
		info = append(info, r.Info())
	}
	sort.Slice(info, func(i, j int) bool {
		return info[i].Name < info[j].Name
	})
	return info
}

// ServersInState returns the names of relays whose connection is in state.
func (m *Manager) ServersInState(state network.State) []string {
	var names []string
	for _, r := range m.relaysInOrder() {
		if r.Connection().State() == state {
			names = append(names, r.Name())
		}
	}
	return names
}

// GetTotalServers returns the number of relays.
func (m *Manager) GetTotalServers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}

// GetReadyCount returns the number of relays that can send rcon.
func (m *Manager) GetReadyCount() int {
	return len(m.ServersInState(network.StateReady))
}

func (m *Manager) onConfigChanged(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ConfigChangedPayload)
	if !ok {
		return nil
	}
	// Protocol and server changes only apply to new connections.
	m.logger.Info().Str("section", payload.Section).Str("key", payload.Key).Msg("configuration changed")
	return nil
}
