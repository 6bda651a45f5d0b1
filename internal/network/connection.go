// Package network implements the out-of-band UDP client side of the
// Xonotic/Quake3 protocol: one Connection per game server, multiplexed by a
// Dispatcher.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonrelay/xonrelay/internal/protocol"
)

// Connection is the client side of one game server's out-of-band channel.
//
// Lifecycle: Disconnected → Connecting (Open) → Challenged → Ready on the
// first challenge reply. Any state may fall into Failed on a transport
// error or after too many consecutive challenge timeouts.
type Connection struct {
	name     string
	address  string
	password string
	opts     Options
	logger   zerolog.Logger

	dispatcher *Dispatcher

	mu                sync.Mutex
	state             State
	conn              *net.UDPConn
	closed            bool
	failErr           error
	handshakeTimeouts int
	openedAt          time.Time

	onChat   func(protocol.Broadcast)
	onState  func(from, to State)
	onFailed func(error)

	challenges *ChallengeCache
	requests   *correlator
	mailbox    *mailbox
	keepalive  *keepalive

	lastActivity  atomic.Int64
	datagramsIn   atomic.Uint64
	datagramsOut  atomic.Uint64
	decodeErrors  atomic.Uint64
	lateReplies   atomic.Uint64
	chatDelivered atomic.Uint64
	unreachable   atomic.Uint64
}

func newConnection(d *Dispatcher, name, address, password string) *Connection {
	logger := log.With().
		Str("component", "connection").
		Str("server", name).
		Str("remote", address).
		Logger()

	c := &Connection{
		name:       name,
		address:    address,
		password:   password,
		opts:       d.opts,
		logger:     logger,
		dispatcher: d,
		state:      StateDisconnected,
		challenges: NewChallengeCache(d.opts.ChallengeTTL),
		mailbox:    newMailbox(d.opts.ChatQueueSize, logger),
	}
	c.requests = newCorrelator(d.opts.RequestTimeout, logger, c.onRequestTimeout)
	c.keepalive = newKeepalive(d.opts.KeepaliveInterval, c.RequestChallenge, logger)
	return c
}

// Name returns the configured server name.
func (c *Connection) Name() string {
	return c.name
}

// Address returns the remote host:port.
func (c *Connection) Address() string {
	return c.address
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the cause of the Failed state, or nil.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failErr
}

// OnChat registers the chat sink. It runs on the connection's callback
// goroutine; broadcasts arriving while the queue is full are dropped.
func (c *Connection) OnChat(fn func(protocol.Broadcast)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChat = fn
}

// OnStateChange registers an observer for state transitions.
func (c *Connection) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// OnFailed registers an observer called once when the connection fails.
func (c *Connection) OnFailed(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailed = fn
}

// Open binds the socket, starts reception and keepalive, and waits for the
// first challenge. On ErrTimeout the connection stays Connecting and
// keepalive keeps retrying until the handshake limit fails it.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("open: connection is %s", state)
	}
	tr := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.notify(tr)

	conn, err := c.dispatcher.dial(ctx, c.address)
	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		c.fail(terr)
		return terr
	}

	c.mu.Lock()
	if c.closed || c.state == StateFailed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.openedAt = time.Now()
	c.mu.Unlock()

	c.touch()
	if !c.dispatcher.serve(c, conn) {
		c.Close()
		return ErrDispatcherClosed
	}

	c.logger.Info().Str("local", conn.LocalAddr().String()).Msg("connection opened")

	_, err = c.RequestChallenge().Wait(ctx)
	return err
}

// Close cancels outstanding requests, stops keepalive and releases the
// socket. A closed connection cannot be reopened.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var tr transition
	if c.state != StateFailed && c.state != StateDisconnected {
		tr = c.setStateLocked(StateDisconnected)
	}
	conn := c.conn
	c.mu.Unlock()

	c.keepalive.stop()
	c.requests.cancelAll(ErrCancelled)
	c.challenges.Invalidate()
	c.notify(tr)
	c.mailbox.close()
	c.dispatcher.forget(c)

	var err error
	if conn != nil {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}

	c.logger.Info().Msg("connection closed")
	return err
}

// RequestChallenge sends getchallenge and returns a slot resolved with the
// token, ErrTimeout, or ErrCancelled if superseded.
func (c *Connection) RequestChallenge() *Result[Challenge] {
	res := newResult[Challenge]()
	if err := c.usable(); err != nil {
		res.resolve(Challenge{}, err)
		return res
	}

	p := c.requests.begin(RequestChallenge,
		func(msg *protocol.Message) bool {
			ch, err := c.acceptChallenge(msg.Challenge)
			return res.resolve(ch, err)
		},
		func(err error) bool {
			return res.resolve(Challenge{}, err)
		},
	)

	if err := c.send(protocol.BuildGetChallenge()); err != nil {
		c.requests.abandon(p, err)
	}
	return res
}

// Challenge requests a fresh challenge and waits for it.
func (c *Connection) Challenge(ctx context.Context) (Challenge, error) {
	return c.RequestChallenge().Wait(ctx)
}

// RequestStatus sends getstatus and returns a slot resolved with the parsed
// snapshot, ErrTimeout, or ErrCancelled if superseded.
func (c *Connection) RequestStatus() *Result[*protocol.StatusSnapshot] {
	res := newResult[*protocol.StatusSnapshot]()
	if err := c.usable(); err != nil {
		res.resolve(nil, err)
		return res
	}

	p := c.requests.begin(RequestStatus,
		func(msg *protocol.Message) bool {
			return res.resolve(msg.Status, nil)
		},
		func(err error) bool {
			return res.resolve(nil, err)
		},
	)

	if err := c.send(protocol.BuildGetStatus()); err != nil {
		c.requests.abandon(p, err)
	}
	return res
}

// Status requests a status snapshot and waits for it.
func (c *Connection) Status(ctx context.Context) (*protocol.StatusSnapshot, error) {
	return c.RequestStatus().Wait(ctx)
}

// Rcon sends command authenticated with the cached challenge. No reply is
// awaited; output comes back as broadcasts. Rcon never fetches a challenge
// itself and returns ErrAuthRequired when none is valid.
func (c *Connection) Rcon(command string) error {
	c.mu.Lock()
	err := c.usableLocked()
	ready := c.state == StateReady
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if !ready {
		return ErrAuthRequired
	}

	now := time.Now()
	var (
		ch Challenge
		ok bool
	)
	if c.opts.SingleUseChallenge {
		ch, ok = c.challenges.Take(now)
	} else {
		ch, ok = c.challenges.Valid(now)
	}
	if !ok {
		return ErrAuthRequired
	}

	pkt := protocol.BuildRcon(c.password, ch.Token, command)
	if err := c.send(pkt); err != nil {
		return err
	}

	c.logger.Debug().Str("datagram", protocol.RedactRcon(pkt)).Msg("rcon sent")
	return nil
}

// Stats is a point-in-time view of a connection.
type Stats struct {
	Name              string        `json:"name"`
	Address           string        `json:"address"`
	State             State         `json:"state"`
	FailReason        string        `json:"fail_reason,omitempty"`
	ChallengeValid    bool          `json:"challenge_valid"`
	ChallengeAge      time.Duration `json:"challenge_age_ns"`
	HandshakeTimeouts int           `json:"handshake_timeouts"`
	Outstanding       int           `json:"outstanding"`
	OpenedAt          time.Time     `json:"opened_at"`
	LastActivity      time.Time     `json:"last_activity"`
	DatagramsIn       uint64        `json:"datagrams_in"`
	DatagramsOut      uint64        `json:"datagrams_out"`
	DecodeErrors      uint64        `json:"decode_errors"`
	LateReplies       uint64        `json:"late_replies"`
	ChatDelivered     uint64        `json:"chat_delivered"`
	ChatDropped       uint64        `json:"chat_dropped"`
	Unreachable       uint64        `json:"unreachable"`
	Keepalive         ProbeStats    `json:"keepalive"`
}

// Stats returns current counters.
func (c *Connection) Stats() Stats {
	now := time.Now()

	c.mu.Lock()
	s := Stats{
		Name:              c.name,
		Address:           c.address,
		State:             c.state,
		HandshakeTimeouts: c.handshakeTimeouts,
		OpenedAt:          c.openedAt,
	}
	if c.failErr != nil {
		s.FailReason = c.failErr.Error()
	}
	c.mu.Unlock()

	_, s.ChallengeValid = c.challenges.Valid(now)
	s.ChallengeAge = c.challenges.Age(now)
	s.Outstanding = c.requests.outstanding()
	if ts := c.lastActivity.Load(); ts > 0 {
		s.LastActivity = time.Unix(0, ts)
	}
	s.DatagramsIn = c.datagramsIn.Load()
	s.DatagramsOut = c.datagramsOut.Load()
	s.DecodeErrors = c.decodeErrors.Load()
	s.LateReplies = c.lateReplies.Load()
	s.ChatDelivered = c.chatDelivered.Load()
	s.ChatDropped = c.mailbox.dropped.Load()
	s.Unreachable = c.unreachable.Load()
	s.Keepalive = c.keepalive.snapshot()
	return s
}

// handleDatagram decodes one inbound datagram and routes it: replies to the
// waiting request, broadcasts to the chat sink. Unmatched replies are late
// and dropped.
func (c *Connection) handleDatagram(raw []byte) {
	c.datagramsIn.Add(1)
	c.touch()

	msg, err := protocol.Decode(raw)
	if err != nil {
		c.decodeErrors.Add(1)
		c.logger.Debug().Err(err).Msg("discarding datagram")
		return
	}

	if c.requests.match(msg) {
		return
	}

	if msg.Kind != protocol.KindBroadcast {
		c.lateReplies.Add(1)
		c.logger.Debug().Str("kind", msg.Kind.String()).Msg("discarding unmatched reply")
		return
	}

	c.deliverChat(msg.Broadcast)
}

func (c *Connection) deliverChat(b protocol.Broadcast) {
	c.mu.Lock()
	fn := c.onChat
	c.mu.Unlock()

	if fn == nil {
		return
	}
	if c.mailbox.post(func() { fn(b) }) {
		c.chatDelivered.Add(1)
		return
	}
	c.logger.Warn().Uint64("dropped", c.mailbox.dropped.Load()).Msg("chat queue full, dropping broadcast")
}

// acceptChallenge caches token and completes the handshake if one is in
// progress. Replies racing a Close or failure are refused.
func (c *Connection) acceptChallenge(token string) (Challenge, error) {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return Challenge{}, err
	}
	ch := c.challenges.Store(token, time.Now())
	c.handshakeTimeouts = 0

	var trs []transition
	if c.state == StateConnecting {
		trs = append(trs, c.setStateLocked(StateChallenged))
		trs = append(trs, c.setStateLocked(StateReady))
	}
	c.mu.Unlock()

	for _, tr := range trs {
		c.notify(tr)
	}
	return ch, nil
}

// onRequestTimeout counts consecutive challenge timeouts and fails the
// connection at the configured limit. Status timeouts do not count.
func (c *Connection) onRequestTimeout(kind RequestKind) {
	if kind != RequestChallenge {
		return
	}

	c.mu.Lock()
	if c.closed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.handshakeTimeouts++
	n := c.handshakeTimeouts
	c.mu.Unlock()

	c.logger.Warn().Int("consecutive", n).Int("limit", c.opts.MaxHandshakeTimeouts).Msg("challenge request timed out")

	if n >= c.opts.MaxHandshakeTimeouts {
		c.fail(fmt.Errorf("%w (%d)", ErrHandshakeTimeout, n))
	}
}

// noteUnreachable records an ICMP port-unreachable from the peer.
func (c *Connection) noteUnreachable() {
	n := c.unreachable.Add(1)
	c.logger.Debug().Uint64("count", n).Msg("server port unreachable")
}

// send writes one datagram. A refused port is treated like a lost datagram,
// any other write error fails the connection.
func (c *Connection) send(pkt []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotOpen
	}

	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if _, err := conn.Write(pkt); err != nil {
		switch {
		case errors.Is(err, net.ErrClosed):
			return c.usable()
		case isUnreachable(err):
			c.noteUnreachable()
			return nil
		}
		terr := &TransportError{Op: "write", Err: err}
		c.fail(terr)
		return terr
	}

	c.datagramsOut.Add(1)
	c.touch()
	return nil
}

// fail moves the connection to Failed. Pending requests resolve with an
// error wrapping both ErrFailed and cause.
func (c *Connection) fail(cause error) {
	c.mu.Lock()
	if c.closed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	tr := c.setStateLocked(StateFailed)
	c.failErr = cause
	conn := c.conn
	onFailed := c.onFailed
	c.mu.Unlock()

	c.logger.Error().Err(cause).Msg("connection failed")

	c.keepalive.stop()
	c.requests.cancelAll(fmt.Errorf("%w: %w", ErrFailed, cause))
	c.challenges.Invalidate()
	if conn != nil {
		conn.Close()
	}

	c.notify(tr)
	if onFailed != nil {
		if !c.mailbox.post(func() { onFailed(cause) }) {
			go onFailed(cause)
		}
	}
	c.mailbox.close()
}

func (c *Connection) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usableLocked()
}

func (c *Connection) usableLocked() error {
	switch {
	case c.closed:
		return ErrClosed
	case c.state == StateFailed:
		return fmt.Errorf("%w: %w", ErrFailed, c.failErr)
	case c.state == StateDisconnected:
		return ErrNotOpen
	}
	return nil
}

// setStateLocked applies a legal transition. Callers hold c.mu and pass the
// result to notify after unlocking.
func (c *Connection) setStateLocked(to State) transition {
	from := c.state
	if !CanTransition(from, to) {
		c.logger.Error().Str("from", from.String()).Str("to", to.String()).Msg("illegal state transition")
		return transition{}
	}
	c.state = to
	if from == to {
		return transition{}
	}
	c.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("state changed")
	return transition{from: from, to: to, changed: true}
}

func (c *Connection) notify(tr transition) {
	if !tr.changed {
		return
	}

	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()

	if fn == nil {
		return
	}
	if !c.mailbox.post(func() { fn(tr.from, tr.to) }) {
		go fn(tr.from, tr.to)
	}
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}
