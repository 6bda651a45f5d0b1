package connector_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xonrelay/xonrelay/internal/config"
	"github.com/xonrelay/xonrelay/internal/connector"
	"github.com/xonrelay/xonrelay/internal/events"
	"github.com/xonrelay/xonrelay/internal/protocol"
)

func newWebhook(t *testing.T, status int) (string, <-chan map[string]interface{}) {
	t.Helper()

	got := make(chan map[string]interface{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Invalid webhook body, got: %v", err)
		}
		got <- body
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv.URL, got
}

func newConnector(t *testing.T, url string, relayChat bool) (*connector.DiscordConnector, *events.EventBus) {
	t.Helper()

	cfg := config.DefaultConfig()
	app := cfg.GetApplicationData()
	app.Discord.WebhookURL = url
	app.Discord.RelayChat = relayChat
	cfg.SetApplicationData(app)

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)
	return connector.NewDiscordConnector(cfg, bus), bus
}

func TestAdminNotification(t *testing.T) {
	url, got := newWebhook(t, http.StatusNoContent)
	_, bus := newConnector(t, url, false)

	err := bus.EmitSync(context.Background(), events.Event{Type: events.EventNotifyAdmin, Payload: events.NotifyAdminPayload{
		Title: "Server Unreachable", Message: "duel: timeout", Level: "error",
	}})
	if err != nil {
		t.Fatalf("Failed to notify, got: %v", err)
	}

	body := <-got
	embed := body["embeds"].([]interface{})[0].(map[string]interface{})
	if embed["title"] != "Server Unreachable" || embed["description"] != "duel: timeout" {
		t.Fatalf("Embed mismatch, got: %v", embed)
	}
	if embed["color"].(float64) != 0xFF0000 {
		t.Fatalf("Color mismatch, got: %v", embed["color"])
	}
}

func TestWebhookError(t *testing.T) {
	url, _ := newWebhook(t, http.StatusTooManyRequests)
	dc, _ := newConnector(t, url, false)

	if err := dc.SendAdminNotification(context.Background(), "t", "m", "info"); err == nil {
		t.Fatalf("Expected an error for status 429")
	}
}

func TestRelayChat(t *testing.T) {
	url, got := newWebhook(t, http.StatusNoContent)
	_, bus := newConnector(t, url, true)

	bus.EmitSync(context.Background(), events.Event{Type: events.EventChatMessage, Payload: events.ChatMessagePayload{
		Server: "duel", Kind: protocol.BroadcastLog, Text: "^1bob^7: `hi`", Plain: "bob: `hi`", ReceivedAt: time.Now(),
	}})

	body := <-got
	if body["content"] != "`bob: 'hi'`" || body["username"] != "duel" {
		t.Fatalf("Relayed chat mismatch, got: %v", body)
	}
}

func TestRelayChatDisabled(t *testing.T) {
	url, got := newWebhook(t, http.StatusNoContent)
	_, bus := newConnector(t, url, false)

	bus.EmitSync(context.Background(), events.Event{Type: events.EventChatMessage, Payload: events.ChatMessagePayload{
		Server: "duel", Kind: protocol.BroadcastLog, Plain: "bob: hi",
	}})

	select {
	case body := <-got:
		t.Fatalf("Chat relayed while disabled, got: %v", body)
	default:
	}
}
