// Package connector posts xonrelay notifications and relayed chat to a
// Discord webhook.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonrelay/xonrelay/internal/bridge"
	"github.com/xonrelay/xonrelay/internal/config"
	"github.com/xonrelay/xonrelay/internal/events"
	"github.com/xonrelay/xonrelay/internal/protocol"
)

const footerText = "xonrelay"

// DiscordConnector sends administrator notifications as webhook embeds
// and, when enabled, relays game chat as plain webhook messages.
type DiscordConnector struct {
	cfg      *config.Config
	eventBus *events.EventBus
	client   *http.Client
	logger   zerolog.Logger
}

// NewDiscordConnector creates a new Discord connector and subscribes it to
// the event bus.
func NewDiscordConnector(cfg *config.Config, eventBus *events.EventBus) *DiscordConnector {
	dc := &DiscordConnector{
		cfg:      cfg,
		eventBus: eventBus,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   log.With().Str("component", "discord").Logger(),
	}

	eventBus.Subscribe(events.EventNotifyAdmin, "discord.notify", dc.onNotifyAdmin)
	eventBus.Subscribe(events.EventChatMessage, "discord.chat", dc.onChat)

	return dc
}

// levelColor returns the embed colour of an alert level.
func levelColor(level string) int {
	switch level {
	case "critical", "error":
		return 0xFF0000 // Red
	case "warning":
		return 0xFFAA00 // Orange
	default:
		return 0x00FF00 // Green
	}
}

// SendAdminNotification posts an embed to the configured webhook. Without
// a webhook it only logs.
func (dc *DiscordConnector) SendAdminNotification(ctx context.Context, title, message, level string) error {
	webhookURL := dc.cfg.GetApplicationData().Discord.WebhookURL
	if webhookURL == "" {
		dc.logger.Debug().Str("title", title).Msg("no webhook configured, notification dropped")
		return nil
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": message,
				"color":       levelColor(level),
				"timestamp":   time.Now().Format(time.RFC3339),
				"footer": map[string]string{
					"text": footerText,
				},
			},
		},
	}

	if err := dc.post(ctx, webhookURL, payload); err != nil {
		return err
	}
	dc.logger.Debug().Str("title", title).Msg("Discord webhook notification sent")
	return nil
}

// RelayChat posts one game broadcast. Log-stream lines are rendered as
// inline code so player names cannot ping or format.
func (dc *DiscordConnector) RelayChat(ctx context.Context, server string, kind protocol.BroadcastKind, plain string) error {
	webhookURL := dc.cfg.GetApplicationData().Discord.WebhookURL
	if webhookURL == "" || plain == "" {
		return nil
	}

	content := bridge.FormatInbound(plain)
	if kind == protocol.BroadcastPrint {
		content = fmt.Sprintf("**%s**: %s", server, content)
	}

	return dc.post(ctx, webhookURL, map[string]interface{}{
		"username": server,
		"content":  content,
		"allowed_mentions": map[string]interface{}{
			"parse": []string{},
		},
	})
}

func (dc *DiscordConnector) post(ctx context.Context, webhookURL string, payload interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := dc.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// onNotifyAdmin handles EventNotifyAdmin events.
func (dc *DiscordConnector) onNotifyAdmin(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.NotifyAdminPayload)
	if !ok {
		return nil
	}
	return dc.SendAdminNotification(ctx, payload.Title, payload.Message, payload.Level)
}

func (dc *DiscordConnector) onChat(ctx context.Context, event events.Event) error {
	if !dc.cfg.GetApplicationData().Discord.RelayChat {
		return nil
	}
	payload, ok := event.Payload.(events.ChatMessagePayload)
	if !ok {
		return nil
	}
	return dc.RelayChat(ctx, payload.Server, payload.Kind, payload.Plain)
}
