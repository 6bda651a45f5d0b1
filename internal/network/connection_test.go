package network_test

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xonrelay/xonrelay/internal/network"
	"github.com/xonrelay/xonrelay/internal/protocol"
)

const testPassword = "mypass"

// fakeServer is a loopback game server answering out-of-band requests.
type fakeServer struct {
	conn     *net.UDPConn
	received chan string

	mu    sync.Mutex
	peer  *net.UDPAddr
	reply func(payload string) []string
}

func newFakeServer(t *testing.T, reply func(string) []string) *fakeServer {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to listen, got: %v", err)
	}

	s := &fakeServer{
		conn:     conn,
		received: make(chan string, 128),
		reply:    reply,
	}
	go s.serve()
	t.Cleanup(func() { conn.Close() })
	return s
}

func (s *fakeServer) serve() {
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, peer, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		payload := strings.TrimPrefix(string(buf[:n]), string(protocol.Marker[:]))

		s.mu.Lock()
		s.peer = peer
		reply := s.reply
		s.mu.Unlock()

		select {
		case s.received <- payload:
		default:
		}

		if reply != nil {
			for _, r := range reply(payload) {
				s.conn.WriteToUDP(oob(r), peer)
			}
		}
	}
}

func (s *fakeServer) addr() string {
	return s.conn.LocalAddr().String()
}

func (s *fakeServer) setReply(fn func(string) []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = fn
}

// push sends an unsolicited datagram to the last client seen.
func (s *fakeServer) push(t *testing.T, payload string) {
	t.Helper()

	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()

	if peer == nil {
		t.Fatalf("No client has contacted the fake server yet")
	}
	if _, err := s.conn.WriteToUDP(oob(payload), peer); err != nil {
		t.Fatalf("Failed to push datagram, got: %v", err)
	}
}

// expect waits for a received payload starting with prefix.
func (s *fakeServer) expect(t *testing.T, prefix string) string {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case p := <-s.received:
			if strings.HasPrefix(p, prefix) {
				return p
			}
		case <-deadline:
			t.Fatalf("Server never received %q", prefix)
			return ""
		}
	}
}

func oob(payload string) []byte {
	return append(protocol.Marker[:], payload...)
}

func answerChallenge(token string) func(string) []string {
	return func(p string) []string {
		if p == protocol.CmdGetChallenge {
			return []string{"challenge " + token}
		}
		return nil
	}
}

func testOptions() network.Options {
	return network.Options{
		RequestTimeout:       150 * time.Millisecond,
		KeepaliveInterval:    -1,
		MaxHandshakeTimeouts: 3,
		ChallengeTTL:         time.Minute,
		ChatQueueSize:        8,
	}
}

func newTestConnection(t *testing.T, opts network.Options, address string) (*network.Dispatcher, *network.Connection) {
	t.Helper()

	d, err := network.NewDispatcher(opts)
	if err != nil {
		t.Fatalf("Failed to create dispatcher, got: %v", err)
	}
	t.Cleanup(d.Shutdown)

	c, err := d.NewConnection("test", address, testPassword)
	if err != nil {
		t.Fatalf("Failed to create connection, got: %v", err)
	}
	return d, c
}

func openReady(t *testing.T, c *network.Connection) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Open(ctx); err != nil {
		t.Fatalf("Failed to open connection, got: %v", err)
	}
	if c.State() != network.StateReady {
		t.Fatalf("State mismatch after open, got: %s, want: %s", c.State(), network.StateReady)
	}
}

func waitState(t *testing.T, c *network.Connection, want network.State) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("State mismatch, got: %s, want: %s", c.State(), want)
}

func TestConnectionOpen(t *testing.T) {
	t.Run(
		"handshake reaches ready",
		func(t *testing.T) {
			srv := newFakeServer(t, answerChallenge("abc123"))
			_, c := newTestConnection(t, testOptions(), srv.addr())

			changes := make(chan [2]network.State, 8)
			c.OnStateChange(func(from, to network.State) {
				changes <- [2]network.State{from, to}
			})

			openReady(t, c)

			want := [][2]network.State{
				{network.StateDisconnected, network.StateConnecting},
				{network.StateConnecting, network.StateChallenged},
				{network.StateChallenged, network.StateReady},
			}
			for i, w := range want {
				select {
				case got := <-changes:
					if got != w {
						t.Fatalf("Transition %d mismatch, got: %v, want: %v", i, got, w)
					}
				case <-time.After(time.Second):
					t.Fatalf("Transition %d never observed", i)
				}
			}
		},
	)

	t.Run(
		"rcon uses cached challenge",
		func(t *testing.T) {
			srv := newFakeServer(t, answerChallenge("abc123"))
			_, c := newTestConnection(t, testOptions(), srv.addr())
			openReady(t, c)

			if err := c.Rcon("quit"); err != nil {
				t.Fatalf("Failed to send rcon, got: %v", err)
			}

			got := srv.expect(t, "rcon ")
			if want := "rcon mypass abc123 quit"; got != want {
				t.Fatalf("Rcon datagram mismatch, got: %q, want: %q", got, want)
			}
		},
	)

	t.Run(
		"silent server times out and keeps connecting",
		func(t *testing.T) {
			srv := newFakeServer(t, nil)
			_, c := newTestConnection(t, testOptions(), srv.addr())

			err := c.Open(context.Background())
			if !errors.Is(err, network.ErrTimeout) {
				t.Fatalf("Open error mismatch, got: %v, want: %v", err, network.ErrTimeout)
			}
			if c.State() != network.StateConnecting {
				t.Fatalf("State mismatch, got: %s, want: %s", c.State(), network.StateConnecting)
			}
		},
	)

	t.Run(
		"closed connection cannot reopen",
		func(t *testing.T) {
			srv := newFakeServer(t, answerChallenge("abc123"))
			_, c := newTestConnection(t, testOptions(), srv.addr())
			openReady(t, c)

			if err := c.Close(); err != nil {
				t.Fatalf("Failed to close, got: %v", err)
			}
			if c.State() != network.StateDisconnected {
				t.Fatalf("State mismatch after close, got: %s, want: %s", c.State(), network.StateDisconnected)
			}
			if err := c.Open(context.Background()); !errors.Is(err, network.ErrClosed) {
				t.Fatalf("Reopen error mismatch, got: %v, want: %v", err, network.ErrClosed)
			}
		},
	)
}

func TestConnectionStatus(t *testing.T) {
	srv := newFakeServer(t, func(p string) []string {
		switch p {
		case protocol.CmdGetChallenge:
			return []string{"challenge abc123"}
		case protocol.CmdGetStatus:
			return []string{"statusResponse\n\\gamename\\Xonotic\\mapname\\stormkeep\\clients\\1\n10 5 \"Player1\""}
		}
		return nil
	})
	_, c := newTestConnection(t, testOptions(), srv.addr())
	openReady(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Failed to get status, got: %v", err)
	}
	if status.GameName != "Xonotic" {
		t.Fatalf("Game name mismatch, got: %q, want: %q", status.GameName, "Xonotic")
	}
	if status.MapName != "stormkeep" {
		t.Fatalf("Map name mismatch, got: %q, want: %q", status.MapName, "stormkeep")
	}
	want := protocol.PlayerRow{Score: 10, Ping: 5, Name: "Player1"}
	if len(status.Players) != 1 || status.Players[0] != want {
		t.Fatalf("Players mismatch, got: %+v, want: [%+v]", status.Players, want)
	}
}

func TestConnectionCorrelation(t *testing.T) {
	t.Run(
		"reissue cancels earlier request",
		func(t *testing.T) {
			srv := newFakeServer(t, answerChallenge("abc123"))
			_, c := newTestConnection(t, testOptions(), srv.addr())
			openReady(t, c)

			// Status requests go unanswered until we push a reply.
			first := c.RequestStatus()
			second := c.RequestStatus()

			select {
			case <-first.Done():
			case <-time.After(time.Second):
				t.Fatalf("First request never resolved")
			}
			if _, _, err := first.Poll(); !errors.Is(err, network.ErrCancelled) {
				t.Fatalf("First request error mismatch, got: %v, want: %v", err, network.ErrCancelled)
			}

			srv.expect(t, protocol.CmdGetStatus)
			srv.push(t, "statusResponse\n\\gamename\\Xonotic\n")

			status, err := second.Wait(context.Background())
			if err != nil {
				t.Fatalf("Second request failed, got: %v", err)
			}
			if status.GameName != "Xonotic" {
				t.Fatalf("Game name mismatch, got: %q, want: %q", status.GameName, "Xonotic")
			}
		},
	)

	t.Run(
		"status timeout leaves connection ready",
		func(t *testing.T) {
			srv := newFakeServer(t, answerChallenge("abc123"))
			_, c := newTestConnection(t, testOptions(), srv.addr())
			openReady(t, c)

			_, err := c.Status(context.Background())
			if !errors.Is(err, network.ErrTimeout) {
				t.Fatalf("Status error mismatch, got: %v, want: %v", err, network.ErrTimeout)
			}
			if c.State() != network.StateReady {
				t.Fatalf("State mismatch, got: %s, want: %s", c.State(), network.StateReady)
			}
		},
	)

	t.Run(
		"late reply is discarded",
		func(t *testing.T) {
			srv := newFakeServer(t, answerChallenge("abc123"))
			_, c := newTestConnection(t, testOptions(), srv.addr())
			openReady(t, c)

			chats := make(chan protocol.Broadcast, 4)
			c.OnChat(func(b protocol.Broadcast) { chats <- b })

			if _, err := c.Status(context.Background()); !errors.Is(err, network.ErrTimeout) {
				t.Fatalf("Status error mismatch, got: %v, want: %v", err, network.ErrTimeout)
			}

			srv.push(t, "statusResponse\n\\gamename\\Xonotic\n")
			srv.push(t, "print\nmarker\n")

			select {
			case b := <-chats:
				if b.Text != "marker" {
					t.Fatalf("Late reply leaked to chat, got: %q", b.Text)
				}
			case <-time.After(time.Second):
				t.Fatalf("Marker broadcast never delivered")
			}

			if late := c.Stats().LateReplies; late != 1 {
				t.Fatalf("Late reply count mismatch, got: %d, want: %d", late, 1)
			}
		},
	)

	t.Run(
		"close cancels pending requests",
		func(t *testing.T) {
			srv := newFakeServer(t, answerChallenge("abc123"))
			_, c := newTestConnection(t, testOptions(), srv.addr())
			openReady(t, c)

			res := c.RequestStatus()
			c.Close()

			_, err := res.Wait(context.Background())
			if !errors.Is(err, network.ErrCancelled) {
				t.Fatalf("Pending request error mismatch, got: %v, want: %v", err, network.ErrCancelled)
			}
		},
	)
}

func TestConnectionHandshakeTimeouts(t *testing.T) {
	srv := newFakeServer(t, nil)
	_, c := newTestConnection(t, testOptions(), srv.addr())

	failed := make(chan error, 1)
	c.OnFailed(func(err error) { failed <- err })

	if err := c.Open(context.Background()); !errors.Is(err, network.ErrTimeout) {
		t.Fatalf("Open error mismatch, got: %v, want: %v", err, network.ErrTimeout)
	}
	for i := 0; i < 2; i++ {
		if _, err := c.Challenge(context.Background()); err == nil {
			t.Fatalf("Challenge %d unexpectedly succeeded", i)
		}
	}

	select {
	case err := <-failed:
		if !errors.Is(err, network.ErrHandshakeTimeout) {
			t.Fatalf("Failure cause mismatch, got: %v, want: %v", err, network.ErrHandshakeTimeout)
		}
	case <-time.After(time.Second):
		t.Fatalf("Failure callback never ran")
	}

	if c.State() != network.StateFailed {
		t.Fatalf("State mismatch, got: %s, want: %s", c.State(), network.StateFailed)
	}
	if _, err := c.Status(context.Background()); !errors.Is(err, network.ErrFailed) {
		t.Fatalf("Status error mismatch after failure, got: %v, want: %v", err, network.ErrFailed)
	}
}

func TestConnectionSilentPeerFails(t *testing.T) {
	t.Run(
		"keepalive shorter than request timeout",
		func(t *testing.T) {
			srv := newFakeServer(t, nil)
			opts := testOptions()
			opts.RequestTimeout = 300 * time.Millisecond
			opts.KeepaliveInterval = 100 * time.Millisecond
			_, c := newTestConnection(t, opts, srv.addr())

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			if err := c.Open(ctx); !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("Open error mismatch, got: %v, want: %v", err, context.DeadlineExceeded)
			}

			waitState(t, c, network.StateFailed)
			if !errors.Is(c.Err(), network.ErrHandshakeTimeout) {
				t.Fatalf("Failure cause mismatch, got: %v, want: %v", c.Err(), network.ErrHandshakeTimeout)
			}
		},
	)

	t.Run(
		"frequent challenge reissues",
		func(t *testing.T) {
			srv := newFakeServer(t, nil)
			_, c := newTestConnection(t, testOptions(), srv.addr())

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			c.Open(ctx)

			deadline := time.Now().Add(3 * time.Second)
			for c.State() != network.StateFailed && time.Now().Before(deadline) {
				c.RequestChallenge()
				time.Sleep(50 * time.Millisecond)
			}
			if c.State() != network.StateFailed {
				t.Fatalf("State mismatch, got: %s, want: %s", c.State(), network.StateFailed)
			}
		},
	)
}

func TestConnectionHandshakeCounterResets(t *testing.T) {
	srv := newFakeServer(t, nil)
	_, c := newTestConnection(t, testOptions(), srv.addr())

	if err := c.Open(context.Background()); !errors.Is(err, network.ErrTimeout) {
		t.Fatalf("Open error mismatch, got: %v, want: %v", err, network.ErrTimeout)
	}
	if _, err := c.Challenge(context.Background()); !errors.Is(err, network.ErrTimeout) {
		t.Fatalf("Challenge error mismatch, got: %v, want: %v", err, network.ErrTimeout)
	}

	srv.setReply(answerChallenge("abc123"))
	if _, err := c.Challenge(context.Background()); err != nil {
		t.Fatalf("Challenge failed, got: %v", err)
	}
	waitState(t, c, network.StateReady)

	if got := c.Stats().HandshakeTimeouts; got != 0 {
		t.Fatalf("Handshake timeout count mismatch, got: %d, want: %d", got, 0)
	}
}

func TestConnectionRconAuth(t *testing.T) {
	t.Run(
		"no challenge yet",
		func(t *testing.T) {
			srv := newFakeServer(t, nil)
			_, c := newTestConnection(t, testOptions(), srv.addr())

			if err := c.Open(context.Background()); !errors.Is(err, network.ErrTimeout) {
				t.Fatalf("Open error mismatch, got: %v, want: %v", err, network.ErrTimeout)
			}
			if err := c.Rcon("status"); !errors.Is(err, network.ErrAuthRequired) {
				t.Fatalf("Rcon error mismatch, got: %v, want: %v", err, network.ErrAuthRequired)
			}
		},
	)

	t.Run(
		"expired challenge",
		func(t *testing.T) {
			srv := newFakeServer(t, answerChallenge("abc123"))
			opts := testOptions()
			opts.ChallengeTTL = 50 * time.Millisecond
			_, c := newTestConnection(t, opts, srv.addr())
			openReady(t, c)

			time.Sleep(100 * time.Millisecond)
			if err := c.Rcon("status"); !errors.Is(err, network.ErrAuthRequired) {
				t.Fatalf("Rcon error mismatch, got: %v, want: %v", err, network.ErrAuthRequired)
			}
		},
	)

	t.Run(
		"single use challenge",
		func(t *testing.T) {
			srv := newFakeServer(t, answerChallenge("abc123"))
			opts := testOptions()
			opts.SingleUseChallenge = true
			_, c := newTestConnection(t, opts, srv.addr())
			openReady(t, c)

			if err := c.Rcon("status"); err != nil {
				t.Fatalf("First rcon failed, got: %v", err)
			}
			if err := c.Rcon("status"); !errors.Is(err, network.ErrAuthRequired) {
				t.Fatalf("Second rcon error mismatch, got: %v, want: %v", err, network.ErrAuthRequired)
			}
		},
	)

	t.Run(
		"never opened",
		func(t *testing.T) {
			_, c := newTestConnection(t, testOptions(), "127.0.0.1:26000")
			if err := c.Rcon("status"); !errors.Is(err, network.ErrNotOpen) {
				t.Fatalf("Rcon error mismatch, got: %v, want: %v", err, network.ErrNotOpen)
			}
		},
	)
}

func TestConnectionChat(t *testing.T) {
	t.Run(
		"broadcasts reach the sink",
		func(t *testing.T) {
			srv := newFakeServer(t, answerChallenge("abc123"))
			_, c := newTestConnection(t, testOptions(), srv.addr())

			chats := make(chan protocol.Broadcast, 4)
			c.OnChat(func(b protocol.Broadcast) { chats <- b })
			openReady(t, c)

			srv.push(t, "print\n^1Player^7: hello\n")
			srv.push(t, "n^2Server^7: log line\n")

			want := []protocol.Broadcast{
				{Kind: protocol.BroadcastPrint, Text: "^1Player^7: hello"},
				{Kind: protocol.BroadcastLog, Text: "^2Server^7: log line"},
			}
			for i, w := range want {
				select {
				case got := <-chats:
					if got != w {
						t.Fatalf("Broadcast %d mismatch, got: %+v, want: %+v", i, got, w)
					}
				case <-time.After(time.Second):
					t.Fatalf("Broadcast %d never delivered", i)
				}
			}
		},
	)

	t.Run(
		"slow sink does not block replies",
		func(t *testing.T) {
			srv := newFakeServer(t, func(p string) []string {
				switch p {
				case protocol.CmdGetChallenge:
					return []string{"challenge abc123"}
				case protocol.CmdGetStatus:
					return []string{"statusResponse\n\\gamename\\Xonotic\n"}
				}
				return nil
			})
			_, c := newTestConnection(t, testOptions(), srv.addr())

			release := make(chan struct{})
			c.OnChat(func(protocol.Broadcast) { <-release })
			defer close(release)
			openReady(t, c)

			for i := 0; i < 20; i++ {
				srv.push(t, "print\nspam\n")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := c.Status(ctx); err != nil {
				t.Fatalf("Status blocked by slow sink, got: %v", err)
			}
		},
	)

	t.Run(
		"malformed datagrams are counted",
		func(t *testing.T) {
			srv := newFakeServer(t, answerChallenge("abc123"))
			_, c := newTestConnection(t, testOptions(), srv.addr())
			openReady(t, c)

			srv.mu.Lock()
			peer := srv.peer
			srv.mu.Unlock()
			srv.conn.WriteToUDP([]byte("no marker"), peer)
			srv.push(t, "print\nafter\n")

			deadline := time.Now().Add(2 * time.Second)
			for c.Stats().DecodeErrors == 0 && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			if got := c.Stats().DecodeErrors; got != 1 {
				t.Fatalf("Decode error count mismatch, got: %d, want: %d", got, 1)
			}
		},
	)
}

func TestConnectionKeepalive(t *testing.T) {
	srv := newFakeServer(t, answerChallenge("abc123"))
	opts := testOptions()
	opts.KeepaliveInterval = 50 * time.Millisecond
	_, c := newTestConnection(t, opts, srv.addr())
	openReady(t, c)

	srv.expect(t, protocol.CmdGetChallenge)
	srv.expect(t, protocol.CmdGetChallenge)

	deadline := time.Now().Add(2 * time.Second)
	for c.Stats().Keepalive.Successes == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Stats().Keepalive.Successes == 0 {
		t.Fatalf("Keepalive never succeeded")
	}
}

func TestDispatcherShutdownDuringOpen(t *testing.T) {
	srv := newFakeServer(t, nil)
	opts := testOptions()
	opts.KeepaliveInterval = 20 * time.Millisecond

	d, err := network.NewDispatcher(opts)
	if err != nil {
		t.Fatalf("Failed to create dispatcher, got: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		c, err := d.NewConnection("test", srv.addr(), testPassword)
		if err != nil {
			t.Fatalf("Failed to create connection, got: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			c.Open(ctx)
		}()
	}

	d.Shutdown()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Open calls never returned after shutdown")
	}
	if d.Connections() != 0 {
		t.Fatalf("Connection count mismatch, got: %d, want: 0", d.Connections())
	}
}

func TestDispatcher(t *testing.T) {
	t.Run(
		"rejects bad address",
		func(t *testing.T) {
			d, err := network.NewDispatcher(testOptions())
			if err != nil {
				t.Fatalf("Failed to create dispatcher, got: %v", err)
			}
			defer d.Shutdown()

			if _, err := d.NewConnection("bad", "no-port", testPassword); err == nil {
				t.Fatalf("Expected error for address without port")
			}
		},
	)

	t.Run(
		"shutdown closes connections",
		func(t *testing.T) {
			srv := newFakeServer(t, answerChallenge("abc123"))
			d, c := newTestConnection(t, testOptions(), srv.addr())
			openReady(t, c)

			d.Shutdown()

			if c.State() != network.StateDisconnected {
				t.Fatalf("State mismatch after shutdown, got: %s, want: %s", c.State(), network.StateDisconnected)
			}
			if d.Connections() != 0 {
				t.Fatalf("Connection count mismatch, got: %d, want: %d", d.Connections(), 0)
			}
			if _, err := d.NewConnection("late", srv.addr(), testPassword); !errors.Is(err, network.ErrDispatcherClosed) {
				t.Fatalf("NewConnection error mismatch, got: %v, want: %v", err, network.ErrDispatcherClosed)
			}
		},
	)
}
