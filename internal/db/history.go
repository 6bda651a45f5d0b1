package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xonrelay/xonrelay/internal/protocol"
)

// historySchema is applied in order by Database.Migrate.
var historySchema = []string{
	`CREATE TABLE chat_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		server TEXT NOT NULL,
		kind TEXT NOT NULL,
		text TEXT NOT NULL,
		plain TEXT NOT NULL,
		received_at INTEGER NOT NULL
	);
	CREATE INDEX idx_chat_log_server_time ON chat_log (server, received_at);`,

	`CREATE TABLE status_snapshots (
		server TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		polled_at INTEGER NOT NULL
	);`,

	`CREATE TABLE rcon_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		server TEXT NOT NULL,
		command TEXT NOT NULL,
		origin TEXT NOT NULL DEFAULT '',
		sent_at INTEGER NOT NULL
	);`,

	`CREATE TABLE alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);`,
}

// HistoryDatabase stores what crossed the bridge. Timestamps are kept as
// unix milliseconds.
type HistoryDatabase struct {
	db *Database
}

// ChatEntry is one stored broadcast.
type ChatEntry struct {
	ID         int64                  `json:"id"`
	Server     string                 `json:"server"`
	Kind       protocol.BroadcastKind `json:"kind"`
	Text       string                 `json:"text"`
	Plain      string                 `json:"plain"`
	ReceivedAt time.Time              `json:"received_at"`
}

// StatusRecord is the latest snapshot polled from a server.
type StatusRecord struct {
	Server   string                   `json:"server"`
	Status   *protocol.StatusSnapshot `json:"status"`
	PolledAt time.Time                `json:"polled_at"`
}

// RconEntry is one audited rcon command.
type RconEntry struct {
	ID      int64     `json:"id"`
	Server  string    `json:"server"`
	Command string    `json:"command"`
	Origin  string    `json:"origin"`
	SentAt  time.Time `json:"sent_at"`
}

// Alert represents an alert record.
type Alert struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NewHistoryDatabase opens the history database and migrates its schema.
func NewHistoryDatabase(dbPath string) (*HistoryDatabase, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	if err := database.Migrate(context.Background(), historySchema); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}

	return &HistoryDatabase{db: database}, nil
}

// RecordChat stores one broadcast.
func (h *HistoryDatabase) RecordChat(ctx context.Context, e ChatEntry) error {
	_, err := h.db.Exec(ctx,
		"INSERT INTO chat_log (server, kind, text, plain, received_at) VALUES (?, ?, ?, ?, ?)",
		e.Server, string(e.Kind), e.Text, e.Plain, toMillis(e.ReceivedAt))
	return err
}

// RecentChat returns up to limit broadcasts, newest first. An empty server
// matches every server.
func (h *HistoryDatabase) RecentChat(ctx context.Context, server string, limit int) ([]ChatEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT id, server, kind, text, plain, received_at FROM chat_log"
	args := []interface{}{}
	if server != "" {
		query += " WHERE server = ?"
		args = append(args, server)
	}
	query += " ORDER BY received_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := h.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []ChatEntry{}
	for rows.Next() {
		var (
			e    ChatEntry
			kind string
			at   int64
		)
		if err := rows.Scan(&e.ID, &e.Server, &kind, &e.Text, &e.Plain, &at); err != nil {
			return nil, err
		}
		e.Kind = protocol.BroadcastKind(kind)
		e.ReceivedAt = fromMillis(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordStatus replaces the stored snapshot of server.
func (h *HistoryDatabase) RecordStatus(ctx context.Context, server string, s *protocol.StatusSnapshot, at time.Time) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}

	_, err = h.db.Exec(ctx,
		`INSERT INTO status_snapshots (server, data, polled_at) VALUES (?, ?, ?)
		 ON CONFLICT(server) DO UPDATE SET data = excluded.data, polled_at = excluded.polled_at`,
		server, string(data), toMillis(at))
	return err
}

// LatestStatus returns the stored snapshot of server or ErrNotFound.
func (h *HistoryDatabase) LatestStatus(ctx context.Context, server string) (*StatusRecord, error) {
	var (
		data string
		at   int64
	)
	err := h.db.QueryRow(ctx, "SELECT data, polled_at FROM status_snapshots WHERE server = ?", server).Scan(&data, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("status of %s: %w", server, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rec := &StatusRecord{Server: server, PolledAt: fromMillis(at), Status: &protocol.StatusSnapshot{}}
	if err := json.Unmarshal([]byte(data), rec.Status); err != nil {
		return nil, fmt.Errorf("failed to decode status of %s: %w", server, err)
	}
	return rec, nil
}

// RecordRcon audits an rcon command.
func (h *HistoryDatabase) RecordRcon(ctx context.Context, e RconEntry) error {
	_, err := h.db.Exec(ctx,
		"INSERT INTO rcon_audit (server, command, origin, sent_at) VALUES (?, ?, ?, ?)",
		e.Server, e.Command, e.Origin, toMillis(e.SentAt))
	return err
}

// RecentRcon returns up to limit audited commands, newest first.
func (h *HistoryDatabase) RecentRcon(ctx context.Context, limit int) ([]RconEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := h.db.Query(ctx,
		"SELECT id, server, command, origin, sent_at FROM rcon_audit ORDER BY sent_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []RconEntry{}
	for rows.Next() {
		var (
			e  RconEntry
			at int64
		)
		if err := rows.Scan(&e.ID, &e.Server, &e.Command, &e.Origin, &at); err != nil {
			return nil, err
		}
		e.SentAt = fromMillis(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreateAlert creates a new alert record.
func (h *HistoryDatabase) CreateAlert(ctx context.Context, alertType, level, message string) error {
	_, err := h.db.Exec(ctx,
		"INSERT INTO alerts (type, level, message, created_at) VALUES (?, ?, ?, ?)",
		alertType, level, message, toMillis(time.Now()))
	return err
}

// GetUnacknowledgedAlerts returns all unacknowledged alerts, newest first.
func (h *HistoryDatabase) GetUnacknowledgedAlerts(ctx context.Context) ([]Alert, error) {
	rows, err := h.db.Query(ctx,
		"SELECT id, type, level, message, created_at FROM alerts WHERE acknowledged = 0 ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := []Alert{}
	for rows.Next() {
		var (
			a  Alert
			at int64
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.Level, &a.Message, &at); err != nil {
			return nil, err
		}
		a.CreatedAt = fromMillis(at)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// AcknowledgeAlert marks an alert as acknowledged.
func (h *HistoryDatabase) AcknowledgeAlert(ctx context.Context, alertID int64) error {
	res, err := h.db.Exec(ctx, "UPDATE alerts SET acknowledged = 1 WHERE id = ?", alertID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %d: %w", alertID, ErrNotFound)
	}
	return nil
}

// PruneResult counts rows removed by Prune.
type PruneResult struct {
	Chat   int64 `json:"chat"`
	Rcon   int64 `json:"rcon"`
	Alerts int64 `json:"alerts"`
}

// Prune deletes chat, rcon audit and acknowledged alerts older than
// retention. Status snapshots are only ever replaced, never pruned.
func (h *HistoryDatabase) Prune(ctx context.Context, retention time.Duration, now time.Time) (PruneResult, error) {
	cutoff := toMillis(now.Add(-retention))
	var result PruneResult

	err := h.db.Transaction(ctx, func(tx *sql.Tx) error {
		counts := []struct {
			query string
			n     *int64
		}{
			{"DELETE FROM chat_log WHERE received_at < ?", &result.Chat},
			{"DELETE FROM rcon_audit WHERE sent_at < ?", &result.Rcon},
			{"DELETE FROM alerts WHERE acknowledged = 1 AND created_at < ?", &result.Alerts},
		}
		for _, c := range counts {
			res, err := tx.ExecContext(ctx, c.query, cutoff)
			if err != nil {
				return err
			}
			*c.n, _ = res.RowsAffected()
		}
		return nil
	})
	return result, err
}

// Close closes the database.
func (h *HistoryDatabase) Close() error {
	return h.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
