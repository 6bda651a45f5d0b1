// Package telemetry publishes bridge events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonrelay/xonrelay/internal/config"
	"github.com/xonrelay/xonrelay/internal/events"
	"github.com/xonrelay/xonrelay/internal/util"
)

// ErrDisabled is returned by NewMQTTHandler when MQTT is turned off.
var ErrDisabled = errors.New("mqtt is disabled")

// Topic layout. Per-server topics are TopicRoot/<server>/<leaf>.
const (
	TopicRoot       = "xonrelay"
	TopicChat       = "chat"
	TopicStatus     = "status"
	TopicConnection = "connection"
	TopicManager    = TopicRoot + "/manager"
	TopicAdmin      = TopicManager + "/admin"
)

// AppVersion is reported in every message.
const AppVersion = "1.0.0"

// MQTTHandler subscribes to the event bus and republishes bridge traffic as
// JSON messages.
type MQTTHandler struct {
	mu sync.Mutex

	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	logger   zerolog.Logger

	// send is swapped out in tests.
	send func(topic string, data []byte)

	// Metadata included in every message
	metadata map[string]interface{}

	published uint64
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus) (*MQTTHandler, error) {
	mqttCfg := cfg.GetApplicationData().MQTT
	if !mqttCfg.Enabled {
		return nil, ErrDisabled
	}

	sysInfo := util.GetSystemInfo()
	handler := newHandler(mqttCfg, eventBus, sysInfo)

	opts, err := clientOptions(mqttCfg, sysInfo.Hostname)
	if err != nil {
		return nil, err
	}
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		handler.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		handler.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	handler.send = handler.publishToBroker
	return handler, nil
}

func newHandler(cfg config.MQTTConfig, eventBus *events.EventBus, sysInfo util.SystemInfo) *MQTTHandler {
	return &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		logger:   log.With().Str("component", "mqtt").Logger(),
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"os":          sysInfo.OS,
			"cpu_model":   sysInfo.CPUModel,
			"cpu_cores":   sysInfo.CPUCores,
			"memory_mb":   sysInfo.TotalMemory,
			"app_version": AppVersion,
		},
	}
}

// BrokerURL returns the broker address in the form paho expects. A URL that
// already carries a scheme is used as is.
func BrokerURL(cfg config.MQTTConfig) string {
	if strings.Contains(cfg.BrokerURL, "://") {
		return cfg.BrokerURL
	}
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port)
}

func clientOptions(cfg config.MQTTConfig, hostname string) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(cfg))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("xonrelay-%s", hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)
	opts.SetWill(TopicAdmin, `{"event":"offline"}`, 1, false)

	if cfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		if cfg.CAFile != "" {
			pem, err := os.ReadFile(cfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
			}
			tlsConfig.RootCAs = pool
		}

		// mTLS
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		opts.SetTLSConfig(tlsConfig)
	}

	return opts, nil
}

// Start connects to the MQTT broker, subscribes to events and blocks until
// ctx is done.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().Str("broker", BrokerURL(h.cfg)).Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	h.publish(TopicAdmin, map[string]interface{}{"event": "online"})

	<-ctx.Done()

	h.unsubscribeEvents()
	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventChatMessage, "mqtt.chat", h.onChat)
	h.eventBus.Subscribe(events.EventStatusPolled, "mqtt.status", h.onStatus)
	h.eventBus.Subscribe(events.EventConnectionState, "mqtt.state", h.onState)
	h.eventBus.Subscribe(events.EventConnectionFailed, "mqtt.failed", h.onFailed)
	h.eventBus.Subscribe(events.EventNotifyMQTT, "mqtt.notify", h.onNotify)
}

func (h *MQTTHandler) unsubscribeEvents() {
	h.eventBus.Unsubscribe(events.EventChatMessage, "mqtt.chat")
	h.eventBus.Unsubscribe(events.EventStatusPolled, "mqtt.status")
	h.eventBus.Unsubscribe(events.EventConnectionState, "mqtt.state")
	h.eventBus.Unsubscribe(events.EventConnectionFailed, "mqtt.failed")
	h.eventBus.Unsubscribe(events.EventNotifyMQTT, "mqtt.notify")
}

// ServerTopic returns the topic for leaf under server.
func ServerTopic(server, leaf string) string {
	return fmt.Sprintf("%s/%s/%s", TopicRoot, sanitizeTopicLevel(server), leaf)
}

// sanitizeTopicLevel keeps a server name from introducing extra levels or
// wildcards.
func sanitizeTopicLevel(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	h.mu.Lock()
	h.published++
	h.mu.Unlock()

	h.send(topic, data)
}

func (h *MQTTHandler) publishToBroker(topic string, data []byte) {
	if !h.client.IsConnected() {
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// Published returns how many messages were handed to the broker client.
func (h *MQTTHandler) Published() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.published
}

// Event handlers

func (h *MQTTHandler) onChat(ctx context.Context, event events.Event) error {
	if p, ok := event.Payload.(events.ChatMessagePayload); ok {
		h.publish(ServerTopic(p.Server, TopicChat), p)
	}
	return nil
}

func (h *MQTTHandler) onStatus(ctx context.Context, event events.Event) error {
	if p, ok := event.Payload.(events.StatusPolledPayload); ok {
		h.publish(ServerTopic(p.Server, TopicStatus), p)
	}
	return nil
}

func (h *MQTTHandler) onState(ctx context.Context, event events.Event) error {
	if p, ok := event.Payload.(events.ConnectionStatePayload); ok {
		h.publish(ServerTopic(p.Server, TopicConnection), map[string]interface{}{
			"event":   "state",
			"payload": p,
		})
	}
	return nil
}

func (h *MQTTHandler) onFailed(ctx context.Context, event events.Event) error {
	if p, ok := event.Payload.(events.ConnectionFailedPayload); ok {
		h.publish(ServerTopic(p.Server, TopicConnection), map[string]interface{}{
			"event":   "failed",
			"payload": p,
		})
	}
	return nil
}

// onNotify publishes free-form data. Relative topics are placed under
// TopicManager.
func (h *MQTTHandler) onNotify(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.NotifyMQTTPayload)
	if !ok {
		return nil
	}
	topic := p.Topic
	if !strings.HasPrefix(topic, TopicRoot+"/") {
		topic = TopicManager + "/" + strings.TrimPrefix(topic, "/")
	}
	h.publish(topic, p.Data)
	return nil
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicAdmin, map[string]interface{}{
		"event": "shutdown",
	})
}
