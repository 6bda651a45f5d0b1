package db_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/xonrelay/xonrelay/internal/db"
	"github.com/xonrelay/xonrelay/internal/events"
	"github.com/xonrelay/xonrelay/internal/protocol"
)

func openHistory(t *testing.T) *db.HistoryDatabase {
	t.Helper()

	h, err := db.NewHistoryDatabase(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Failed to open history database, got: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestChatHistory(t *testing.T) {
	ctx := context.Background()
	h := openHistory(t)
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

	for i, line := range []struct{ server, text string }{
		{"duel", "first"},
		{"ctf", "other"},
		{"duel", "second"},
	} {
		err := h.RecordChat(ctx, db.ChatEntry{
			Server:     line.server,
			Kind:       protocol.BroadcastLog,
			Text:       line.text,
			Plain:      line.text,
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Failed to record chat, got: %v", err)
		}
	}

	t.Run(
		"filtered by server newest first",
		func(t *testing.T) {
			got, err := h.RecentChat(ctx, "duel", 10)
			if err != nil {
				t.Fatalf("Failed to read chat, got: %v", err)
			}
			if len(got) != 2 || got[0].Text != "second" || got[1].Text != "first" {
				t.Fatalf("Chat mismatch, got: %+v", got)
			}
			if !got[1].ReceivedAt.Equal(base) {
				t.Fatalf("Timestamp mismatch, got: %s, want: %s", got[1].ReceivedAt, base)
			}
			if got[0].Kind != protocol.BroadcastLog {
				t.Fatalf("Kind mismatch, got: %q, want: %q", got[0].Kind, protocol.BroadcastLog)
			}
		},
	)

	t.Run(
		"all servers with limit",
		func(t *testing.T) {
			got, err := h.RecentChat(ctx, "", 2)
			if err != nil {
				t.Fatalf("Failed to read chat, got: %v", err)
			}
			if len(got) != 2 || got[0].Text != "second" || got[1].Text != "other" {
				t.Fatalf("Chat mismatch, got: %+v", got)
			}
		},
	)
}

func TestStatusHistory(t *testing.T) {
	ctx := context.Background()
	h := openHistory(t)

	if _, err := h.LatestStatus(ctx, "duel"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("Error mismatch, got: %v, want: %v", err, db.ErrNotFound)
	}

	first := &protocol.StatusSnapshot{MapName: "dance", Players: []protocol.PlayerRow{}}
	second := &protocol.StatusSnapshot{MapName: "stormkeep", Players: []protocol.PlayerRow{{Score: 3, Ping: 50, Name: "bob"}}}
	now := time.Now()

	if err := h.RecordStatus(ctx, "duel", first, now); err != nil {
		t.Fatalf("Failed to record status, got: %v", err)
	}
	if err := h.RecordStatus(ctx, "duel", second, now.Add(time.Minute)); err != nil {
		t.Fatalf("Failed to replace status, got: %v", err)
	}

	rec, err := h.LatestStatus(ctx, "duel")
	if err != nil {
		t.Fatalf("Failed to read status, got: %v", err)
	}
	if rec.Status.MapName != "stormkeep" || len(rec.Status.Players) != 1 || rec.Status.Players[0].Name != "bob" {
		t.Fatalf("Status mismatch, got: %+v", rec.Status)
	}
}

func TestAlerts(t *testing.T) {
	ctx := context.Background()
	h := openHistory(t)

	if err := h.CreateAlert(ctx, "connection_failed", "error", "duel: timeout"); err != nil {
		t.Fatalf("Failed to create alert, got: %v", err)
	}

	alerts, err := h.GetUnacknowledgedAlerts(ctx)
	if err != nil || len(alerts) != 1 {
		t.Fatalf("Alerts mismatch, got: (%+v, %v)", alerts, err)
	}
	if err := h.AcknowledgeAlert(ctx, alerts[0].ID); err != nil {
		t.Fatalf("Failed to acknowledge, got: %v", err)
	}
	if err := h.AcknowledgeAlert(ctx, 9999); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("Error mismatch, got: %v, want: %v", err, db.ErrNotFound)
	}

	alerts, _ = h.GetUnacknowledgedAlerts(ctx)
	if len(alerts) != 0 {
		t.Fatalf("Acknowledged alert still listed, got: %+v", alerts)
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	h := openHistory(t)
	now := time.Now()

	h.RecordChat(ctx, db.ChatEntry{Server: "duel", Kind: protocol.BroadcastLog, Text: "old", ReceivedAt: now.Add(-48 * time.Hour)})
	h.RecordChat(ctx, db.ChatEntry{Server: "duel", Kind: protocol.BroadcastLog, Text: "new", ReceivedAt: now})
	h.RecordRcon(ctx, db.RconEntry{Server: "duel", Command: "status", SentAt: now.Add(-48 * time.Hour)})

	res, err := h.Prune(ctx, 24*time.Hour, now)
	if err != nil {
		t.Fatalf("Failed to prune, got: %v", err)
	}
	if res.Chat != 1 || res.Rcon != 1 {
		t.Fatalf("Prune counts mismatch, got: %+v, want chat 1 rcon 1", res)
	}

	left, _ := h.RecentChat(ctx, "", 10)
	if len(left) != 1 || left[0].Text != "new" {
		t.Fatalf("Remaining chat mismatch, got: %+v", left)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	h, err := db.NewHistoryDatabase(path)
	if err != nil {
		t.Fatalf("Failed to open history database, got: %v", err)
	}
	h.Close()

	h, err = db.NewHistoryDatabase(path)
	if err != nil {
		t.Fatalf("Failed to reopen history database, got: %v", err)
	}
	h.Close()
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	h := openHistory(t)
	bus := events.NewEventBus()
	h.Subscribe(bus)

	now := time.Now()
	bus.EmitSync(ctx, events.Event{Type: events.EventChatMessage, Payload: events.ChatMessagePayload{
		Server: "duel", Kind: protocol.BroadcastPrint, Text: "hi", Plain: "hi", ReceivedAt: now,
	}})
	bus.EmitSync(ctx, events.Event{Type: events.EventRconSent, Payload: events.RconSentPayload{
		Server: "duel", Command: "status", Origin: "api", At: now,
	}})
	bus.EmitSync(ctx, events.Event{Type: events.EventConnectionFailed, Payload: events.ConnectionFailedPayload{
		Server: "duel", Reason: "timeout", At: now,
	}})
	bus.Stop()

	chat, _ := h.RecentChat(ctx, "duel", 10)
	if len(chat) != 1 || chat[0].Text != "hi" {
		t.Fatalf("Recorded chat mismatch, got: %+v", chat)
	}
	rcon, _ := h.RecentRcon(ctx, 10)
	if len(rcon) != 1 || rcon[0].Origin != "api" {
		t.Fatalf("Recorded rcon mismatch, got: %+v", rcon)
	}
	alerts, _ := h.GetUnacknowledgedAlerts(ctx)
	if len(alerts) != 1 || alerts[0].Message != "duel: timeout" {
		t.Fatalf("Recorded alert mismatch, got: %+v", alerts)
	}
}
