package network

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xonrelay/xonrelay/internal/protocol"
)

// RequestKind identifies the reply shape a request waits for.
type RequestKind int

const (
	RequestChallenge RequestKind = iota
	RequestStatus
)

var requestKindStrings = map[RequestKind]string{
	RequestChallenge: "challenge",
	RequestStatus:    "status",
}

// String returns the string representation of RequestKind.
func (k RequestKind) String() string {
	if s, ok := requestKindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// replyKinds maps a reply shape to the request kind it answers.
var replyKinds = map[protocol.Kind]RequestKind{
	protocol.KindChallenge: RequestChallenge,
	protocol.KindStatus:    RequestStatus,
}

// pendingRequest is one outstanding logical request. The id is only used to
// follow a request through the logs; it never goes on the wire.
type pendingRequest struct {
	id        string
	kind      RequestKind
	createdAt time.Time
	timer     *time.Timer

	// unansweredSince is when the chain of requests this one superseded
	// started waiting without any reply.
	unansweredSince time.Time

	complete func(msg *protocol.Message) bool
	fail     func(err error) bool
}

// correlator matches replies to requests by shape. The protocol carries no
// request ids, so it keeps at most one live request per kind.
type correlator struct {
	mu      sync.Mutex
	pending map[RequestKind]*pendingRequest
	timeout time.Duration
	logger  zerolog.Logger

	// onTimeout runs after a request of kind expired, outside the lock. A
	// chain of reissues that went unanswered for a whole timeout window
	// counts as one expiry too, so reissuing cannot hide a silent peer.
	onTimeout func(kind RequestKind)
}

func newCorrelator(timeout time.Duration, logger zerolog.Logger, onTimeout func(RequestKind)) *correlator {
	return &correlator{
		pending:   make(map[RequestKind]*pendingRequest),
		timeout:   timeout,
		logger:    logger,
		onTimeout: onTimeout,
	}
}

// begin registers a request of kind, cancelling any earlier one of the same
// kind, and arms its timeout.
func (c *correlator) begin(kind RequestKind, complete func(*protocol.Message) bool, fail func(error) bool) *pendingRequest {
	now := time.Now()
	p := &pendingRequest{
		id:              uuid.NewString(),
		kind:            kind,
		createdAt:       now,
		unansweredSince: now,
		complete:        complete,
		fail:            fail,
	}

	c.mu.Lock()
	prev := c.pending[kind]
	starved := false
	if prev != nil {
		p.unansweredSince = prev.unansweredSince
		if now.Sub(p.unansweredSince) >= c.timeout {
			starved = true
			p.unansweredSince = now
		}
	}
	c.pending[kind] = p
	p.timer = time.AfterFunc(c.timeout, func() { c.expire(p) })
	c.mu.Unlock()

	if prev != nil {
		prev.timer.Stop()
		if prev.fail(ErrCancelled) {
			c.logger.Debug().
				Str("request", prev.id).
				Str("kind", kind.String()).
				Str("superseded_by", p.id).
				Msg("request superseded")
		}
	}

	if starved {
		c.logger.Debug().
			Str("request", p.id).
			Str("kind", kind.String()).
			Dur("unanswered", now.Sub(prev.unansweredSince)).
			Msg("reissued requests went unanswered for a full window")
		if c.onTimeout != nil {
			c.onTimeout(kind)
		}
	}

	c.logger.Trace().Str("request", p.id).Str("kind", kind.String()).Msg("request registered")
	return p
}

// expire fails p with ErrTimeout if it is still the live request of its kind.
func (c *correlator) expire(p *pendingRequest) {
	c.mu.Lock()
	if c.pending[p.kind] != p {
		c.mu.Unlock()
		return
	}
	delete(c.pending, p.kind)
	c.mu.Unlock()

	if p.fail(ErrTimeout) {
		c.logger.Debug().
			Str("request", p.id).
			Str("kind", p.kind.String()).
			Dur("after", time.Since(p.createdAt)).
			Msg("request timed out")
		if c.onTimeout != nil {
			c.onTimeout(p.kind)
		}
	}
}

// abandon fails p with err if it is still live. Used when the request
// datagram could not be sent.
func (c *correlator) abandon(p *pendingRequest, err error) {
	c.mu.Lock()
	if c.pending[p.kind] == p {
		delete(c.pending, p.kind)
	}
	c.mu.Unlock()

	p.timer.Stop()
	p.fail(err)
}

// match hands msg to the live request of the matching kind. It returns
// false when msg is not a reply shape or nothing is waiting for it, in which
// case the caller discards (late reply) or forwards (broadcast) it.
func (c *correlator) match(msg *protocol.Message) bool {
	kind, ok := replyKinds[msg.Kind]
	if !ok {
		return false
	}

	c.mu.Lock()
	p := c.pending[kind]
	if p == nil {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, kind)
	c.mu.Unlock()

	p.timer.Stop()
	if !p.complete(msg) {
		return false
	}

	c.logger.Trace().
		Str("request", p.id).
		Str("kind", kind.String()).
		Dur("rtt", time.Since(p.createdAt)).
		Msg("request completed")
	return true
}

// cancelAll fails every live request with err.
func (c *correlator) cancelAll(err error) {
	c.mu.Lock()
	live := make([]*pendingRequest, 0, len(c.pending))
	for kind, p := range c.pending {
		live = append(live, p)
		delete(c.pending, kind)
	}
	c.mu.Unlock()

	for _, p := range live {
		p.timer.Stop()
		p.fail(err)
	}
}

// outstanding returns the number of live requests.
func (c *correlator) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
