package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/xonrelay/xonrelay/internal/api"
	"github.com/xonrelay/xonrelay/internal/bridge"
	"github.com/xonrelay/xonrelay/internal/config"
	"github.com/xonrelay/xonrelay/internal/db"
	"github.com/xonrelay/xonrelay/internal/events"
	"github.com/xonrelay/xonrelay/internal/network"
	"github.com/xonrelay/xonrelay/internal/protocol"
)

const testKey = "secret-key-1"

type fakeBridge struct {
	mu      sync.Mutex
	rcon    []string
	origins []string
	rconErr error
}

func (f *fakeBridge) lookup(name string) error {
	if name != "duel" {
		return fmt.Errorf("%w: %s", bridge.ErrUnknownServer, name)
	}
	return nil
}

func (f *fakeBridge) GetAllInfo() []bridge.RelayInfo {
	return []bridge.RelayInfo{{Name: "duel", Address: "127.0.0.1:26000", Enabled: true, State: network.StateReady}}
}

func (f *fakeBridge) GetInfo(name string) (bridge.RelayInfo, error) {
	if err := f.lookup(name); err != nil {
		return bridge.RelayInfo{}, err
	}
	return f.GetAllInfo()[0], nil
}

func (f *fakeBridge) Status(ctx context.Context, name string) (*protocol.StatusSnapshot, error) {
	if err := f.lookup(name); err != nil {
		return nil, err
	}
	return &protocol.StatusSnapshot{GameName: "Xonotic", MapName: "dance", MaxClients: 8, Players: []protocol.PlayerRow{}}, nil
}

func (f *fakeBridge) RefreshChallenge(ctx context.Context, name string) (network.Challenge, error) {
	if err := f.lookup(name); err != nil {
		return network.Challenge{}, err
	}
	return network.Challenge{}, network.ErrTimeout
}

func (f *fakeBridge) Rcon(name, command, origin string) error {
	if err := f.lookup(name); err != nil {
		return err
	}
	if f.rconErr != nil {
		return f.rconErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rcon = append(f.rcon, command)
	f.origins = append(f.origins, origin)
	return nil
}

func (f *fakeBridge) Say(name string, author bridge.Author, text string) error {
	cmd, err := bridge.FormatSay("discordsay", author, text, 127)
	if err != nil {
		return err
	}
	return f.Rcon(name, cmd, "say")
}

func (f *fakeBridge) Reconnect(ctx context.Context, name string) error {
	return f.lookup(name)
}

func (f *fakeBridge) RecentChat(name string, n int) ([]bridge.ChatLine, error) {
	if err := f.lookup(name); err != nil {
		return nil, err
	}
	return []bridge.ChatLine{{Kind: protocol.BroadcastLog, Text: "^1bob^7: hi", Plain: "bob: hi"}}, nil
}

func (f *fakeBridge) GetTotalServers() int { return 1 }
func (f *fakeBridge) GetReadyCount() int   { return 1 }

type fakeHistory struct{}

func (fakeHistory) RecentChat(ctx context.Context, server string, limit int) ([]db.ChatEntry, error) {
	return []db.ChatEntry{{Server: server, Text: "stored"}}, nil
}

func (fakeHistory) RecentRcon(ctx context.Context, limit int) ([]db.RconEntry, error) {
	return []db.RconEntry{}, nil
}

func (fakeHistory) GetUnacknowledgedAlerts(ctx context.Context) ([]db.Alert, error) {
	return []db.Alert{{ID: 1, Type: "connection_failed"}}, nil
}

func (fakeHistory) AcknowledgeAlert(ctx context.Context, id int64) error {
	if id != 1 {
		return fmt.Errorf("alert %d: %w", id, db.ErrNotFound)
	}
	return nil
}

func newTestServer(t *testing.T) (*api.Server, *fakeBridge, *config.Config) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to load config, got: %v", err)
	}
	cfg.Servers = []config.ServerConfig{{Name: "duel", Address: "127.0.0.1:26000", RconPassword: "hunter2", Enabled: true}}
	app := cfg.GetApplicationData()
	app.Security.APIKeys = []string{testKey}
	app.Security.RateLimitRPS = 0
	app.Logging.Directory = t.TempDir()
	cfg.SetApplicationData(app)

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	b := &fakeBridge{}
	return api.NewServer(cfg, bus, b, fakeHistory{}), b, cfg
}

func do(t *testing.T, s *api.Server, method, path string, body interface{}, key string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	out := map[string]interface{}{}
	json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestAuth(t *testing.T) {
	s, _, cfg := newTestServer(t)

	tests := []struct {
		name string
		path string
		key  string
		want int
	}{
		{"public needs no key", "/api/public/ping", "", http.StatusOK},
		{"missing key", "/api/monitor/servers", "", http.StatusUnauthorized},
		{"wrong key", "/api/monitor/servers", "nope", http.StatusUnauthorized},
		{"valid key", "/api/monitor/servers", testKey, http.StatusOK},
		{"unknown endpoint", "/api/monitor/nothing", testKey, http.StatusNotFound},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(
			tt.name,
			func(t *testing.T) {
				w, _ := do(t, s, http.MethodGet, tt.path, nil, tt.key)
				if w.Code != tt.want {
					t.Fatalf("Status mismatch, got: %d, want: %d", w.Code, tt.want)
				}
			},
		)
	}

	t.Run(
		"auth disabled",
		func(t *testing.T) {
			app := cfg.GetApplicationData()
			app.Security.AuthDisabled = true
			cfg.SetApplicationData(app)
			defer func() {
				app.Security.AuthDisabled = false
				cfg.SetApplicationData(app)
			}()

			w, _ := do(t, s, http.MethodGet, "/api/monitor/servers", nil, "")
			if w.Code != http.StatusOK {
				t.Fatalf("Status mismatch, got: %d, want: %d", w.Code, http.StatusOK)
			}
		},
	)
}

func TestMonitor(t *testing.T) {
	s, _, _ := newTestServer(t)

	t.Run(
		"live status is formatted",
		func(t *testing.T) {
			w, body := do(t, s, http.MethodGet, "/api/monitor/servers/duel/status", nil, testKey)
			if w.Code != http.StatusOK {
				t.Fatalf("Status mismatch, got: %d, body: %s", w.Code, w.Body)
			}
			if !strings.Contains(body["formatted"].(string), "dance") {
				t.Fatalf("Formatted status mismatch, got: %q", body["formatted"])
			}
		},
	)

	t.Run(
		"unknown server",
		func(t *testing.T) {
			w, _ := do(t, s, http.MethodGet, "/api/monitor/servers/ctf/status", nil, testKey)
			if w.Code != http.StatusNotFound {
				t.Fatalf("Status mismatch, got: %d, want: %d", w.Code, http.StatusNotFound)
			}
		},
	)

	t.Run(
		"cached status not polled yet",
		func(t *testing.T) {
			w, _ := do(t, s, http.MethodGet, "/api/monitor/servers/duel/status?cached=true", nil, testKey)
			if w.Code != http.StatusNotFound {
				t.Fatalf("Status mismatch, got: %d, want: %d", w.Code, http.StatusNotFound)
			}
		},
	)

	t.Run(
		"chat from backlog and history",
		func(t *testing.T) {
			_, body := do(t, s, http.MethodGet, "/api/monitor/servers/duel/chat", nil, testKey)
			if body["count"].(float64) != 1 {
				t.Fatalf("Backlog count mismatch, got: %v", body)
			}
			_, body = do(t, s, http.MethodGet, "/api/monitor/servers/duel/chat?source=history", nil, testKey)
			entries := body["entries"].([]interface{})
			if entries[0].(map[string]interface{})["text"] != "stored" {
				t.Fatalf("History entries mismatch, got: %v", entries)
			}
		},
	)

	t.Run(
		"empty log directory",
		func(t *testing.T) {
			w, body := do(t, s, http.MethodGet, "/api/monitor/log_entries", nil, testKey)
			if w.Code != http.StatusOK || body["count"].(float64) != 0 {
				t.Fatalf("Log entries mismatch, got: %d %v", w.Code, body)
			}
		},
	)
}

func TestControl(t *testing.T) {
	s, b, _ := newTestServer(t)

	t.Run(
		"rcon is sent with origin",
		func(t *testing.T) {
			w, _ := do(t, s, http.MethodPost, "/api/control/servers/duel/rcon", map[string]string{"command": "status"}, testKey)
			if w.Code != http.StatusAccepted {
				t.Fatalf("Status mismatch, got: %d, body: %s", w.Code, w.Body)
			}
			if len(b.rcon) != 1 || b.rcon[0] != "status" || b.origins[0] != "api:key:secr****" {
				t.Fatalf("Rcon mismatch, got: %v from %v", b.rcon, b.origins)
			}
		},
	)

	t.Run(
		"rcon rejects embedded newlines",
		func(t *testing.T) {
			w, _ := do(t, s, http.MethodPost, "/api/control/servers/duel/rcon", map[string]string{"command": "a\nb"}, testKey)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Status mismatch, got: %d, want: %d", w.Code, http.StatusBadRequest)
			}
		},
	)

	t.Run(
		"rcon without challenge",
		func(t *testing.T) {
			b.rconErr = network.ErrAuthRequired
			defer func() { b.rconErr = nil }()

			w, _ := do(t, s, http.MethodPost, "/api/control/servers/duel/rcon", map[string]string{"command": "status"}, testKey)
			if w.Code != http.StatusPreconditionRequired {
				t.Fatalf("Status mismatch, got: %d, want: %d", w.Code, http.StatusPreconditionRequired)
			}
		},
	)

	t.Run(
		"say too long",
		func(t *testing.T) {
			req := map[string]string{"author_id": "1", "author_name": "alice", "text": strings.Repeat("x", 200)}
			w, _ := do(t, s, http.MethodPost, "/api/control/servers/duel/say", req, testKey)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Status mismatch, got: %d, want: %d", w.Code, http.StatusBadRequest)
			}
		},
	)

	t.Run(
		"challenge timeout",
		func(t *testing.T) {
			w, _ := do(t, s, http.MethodPost, "/api/control/servers/duel/challenge", nil, testKey)
			if w.Code != http.StatusGatewayTimeout {
				t.Fatalf("Status mismatch, got: %d, want: %d", w.Code, http.StatusGatewayTimeout)
			}
		},
	)

	t.Run(
		"acknowledge alerts",
		func(t *testing.T) {
			w, _ := do(t, s, http.MethodPost, "/api/control/alerts/1/ack", nil, testKey)
			if w.Code != http.StatusOK {
				t.Fatalf("Status mismatch, got: %d, want: %d", w.Code, http.StatusOK)
			}
			w, _ = do(t, s, http.MethodPost, "/api/control/alerts/7/ack", nil, testKey)
			if w.Code != http.StatusNotFound {
				t.Fatalf("Status mismatch, got: %d, want: %d", w.Code, http.StatusNotFound)
			}
		},
	)
}

func TestConfigure(t *testing.T) {
	s, _, cfg := newTestServer(t)

	t.Run(
		"config is redacted",
		func(t *testing.T) {
			w, _ := do(t, s, http.MethodGet, "/api/configure/config", nil, testKey)
			if strings.Contains(w.Body.String(), "hunter2") || strings.Contains(w.Body.String(), testKey) {
				t.Fatalf("Secrets leaked, got: %s", w.Body)
			}
		},
	)

	t.Run(
		"invalid update is reverted",
		func(t *testing.T) {
			update := map[string]interface{}{
				"key":   "api",
				"value": map[string]interface{}{"enabled": true, "host": "127.0.0.1", "port": 70000},
			}
			w, _ := do(t, s, http.MethodPost, "/api/configure/app_field", update, testKey)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Status mismatch, got: %d, want: %d", w.Code, http.StatusBadRequest)
			}
			if port := cfg.GetApplicationData().API.Port; port != 5000 {
				t.Fatalf("Port not reverted, got: %d", port)
			}
		},
	)

	t.Run(
		"valid update is saved",
		func(t *testing.T) {
			update := map[string]interface{}{
				"key":   "api",
				"value": map[string]interface{}{"enabled": true, "host": "127.0.0.1", "port": 5050},
			}
			w, _ := do(t, s, http.MethodPost, "/api/configure/app_field", update, testKey)
			if w.Code != http.StatusOK {
				t.Fatalf("Status mismatch, got: %d, body: %s", w.Code, w.Body)
			}
			reloaded, err := config.Load(filepath.Dir(cfg.Path()))
			if err != nil {
				t.Fatalf("Failed to reload, got: %v", err)
			}
			if reloaded.GetApplicationData().API.Port != 5050 {
				t.Fatalf("Saved port mismatch, got: %d", reloaded.GetApplicationData().API.Port)
			}
		},
	)
}
