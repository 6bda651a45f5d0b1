package bridge

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xonrelay/xonrelay/internal/config"
	"github.com/xonrelay/xonrelay/internal/network"
	"github.com/xonrelay/xonrelay/internal/protocol"
)

// chatBacklog is how many broadcasts each relay keeps in memory.
const chatBacklog = 200

// ChatLine is one broadcast kept in the in-memory backlog.
type ChatLine struct {
	Kind       protocol.BroadcastKind `json:"kind"`
	Text       string                 `json:"text"`
	Plain      string                 `json:"plain"`
	ReceivedAt time.Time              `json:"received_at"`
}

// Relay binds one configured server to its current connection. The
// connection is replaced on Reconnect; everything else survives.
type Relay struct {
	// reconnectMu serialises connection replacement.
	reconnectMu sync.Mutex

	mu     sync.RWMutex
	cfg    config.ServerConfig
	conn   *network.Connection
	logger zerolog.Logger

	lastStatus   *protocol.StatusSnapshot
	lastStatusAt time.Time
	reconnects   int
	createdAt    time.Time

	chat     []ChatLine
	chatNext int
	chatFull bool
}

func newRelay(cfg config.ServerConfig, logger zerolog.Logger) *Relay {
	return &Relay{
		cfg:       cfg,
		logger:    logger.With().Str("server", cfg.Name).Logger(),
		createdAt: time.Now(),
		chat:      make([]ChatLine, chatBacklog),
	}
}

// Name returns the configured server name.
func (r *Relay) Name() string {
	return r.cfg.Name
}

// Connection returns the current connection.
func (r *Relay) Connection() *network.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn
}

func (r *Relay) setConnection(c *network.Connection, reconnect bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = c
	if reconnect {
		r.reconnects++
	}
}

func (r *Relay) recordStatus(s *protocol.StatusSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastStatus = s
	r.lastStatusAt = time.Now()
}

func (r *Relay) recordChat(line ChatLine) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.chat[r.chatNext] = line
	r.chatNext = (r.chatNext + 1) % len(r.chat)
	if r.chatNext == 0 {
		r.chatFull = true
	}
}

// RecentChat returns up to n broadcasts, oldest first.
func (r *Relay) RecentChat(n int) []ChatLine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.chatNext
	start := 0
	if r.chatFull {
		size = len(r.chat)
		start = r.chatNext
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]ChatLine, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, r.chat[(start+i)%len(r.chat)])
	}
	return out
}

// RelayInfo is a JSON-serializable summary of a relay.
type RelayInfo struct {
	Name         string                   `json:"name"`
	Address      string                   `json:"address"`
	Enabled      bool                     `json:"enabled"`
	State        network.State            `json:"state"`
	Reconnects   int                      `json:"reconnects"`
	LastStatus   *protocol.StatusSnapshot `json:"last_status,omitempty"`
	LastStatusAt time.Time                `json:"last_status_at,omitempty"`
	Stats        *network.Stats           `json:"stats,omitempty"`
}

// Info returns a summary of the relay.
func (r *Relay) Info() RelayInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := RelayInfo{
		Name:         r.cfg.Name,
		Address:      r.cfg.Address,
		Enabled:      r.cfg.Enabled,
		State:        network.StateDisconnected,
		Reconnects:   r.reconnects,
		LastStatus:   r.lastStatus,
		LastStatusAt: r.lastStatusAt,
	}
	if r.conn != nil {
		stats := r.conn.Stats()
		info.State = stats.State
		info.Stats = &stats
	}
	return info
}
