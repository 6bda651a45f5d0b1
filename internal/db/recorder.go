package db

import (
	"context"
	"fmt"

	"github.com/xonrelay/xonrelay/internal/events"
)

// Subscribe records chat, rcon, status and failure events into h.
func (h *HistoryDatabase) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventChatMessage, "history.chat", h.onChat)
	bus.Subscribe(events.EventRconSent, "history.rcon", h.onRcon)
	bus.Subscribe(events.EventStatusPolled, "history.status", h.onStatus)
	bus.Subscribe(events.EventConnectionFailed, "history.alert", h.onFailed)
}

func (h *HistoryDatabase) onChat(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.ChatMessagePayload)
	if !ok {
		return nil
	}
	return h.RecordChat(ctx, ChatEntry{
		Server:     p.Server,
		Kind:       p.Kind,
		Text:       p.Text,
		Plain:      p.Plain,
		ReceivedAt: p.ReceivedAt,
	})
}

func (h *HistoryDatabase) onRcon(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.RconSentPayload)
	if !ok {
		return nil
	}
	return h.RecordRcon(ctx, RconEntry{
		Server:  p.Server,
		Command: p.Command,
		Origin:  p.Origin,
		SentAt:  p.At,
	})
}

func (h *HistoryDatabase) onStatus(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.StatusPolledPayload)
	if !ok || p.Status == nil {
		return nil
	}
	return h.RecordStatus(ctx, p.Server, p.Status, p.At)
}

func (h *HistoryDatabase) onFailed(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.ConnectionFailedPayload)
	if !ok {
		return nil
	}
	return h.CreateAlert(ctx, "connection_failed", "error", fmt.Sprintf("%s: %s", p.Server, p.Reason))
}
