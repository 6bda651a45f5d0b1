package network

import "time"

// Default protocol timings.
const (
	DefaultRequestTimeout       = 2 * time.Second
	DefaultKeepaliveInterval    = 20 * time.Second
	DefaultMaxHandshakeTimeouts = 3
	DefaultChallengeTTL         = 60 * time.Second
	DefaultChatQueueSize        = 256
	DefaultWriteTimeout         = 5 * time.Second
)

// Options tunes every connection created by a Dispatcher.
type Options struct {
	// RequestTimeout bounds how long a status or challenge request waits.
	RequestTimeout time.Duration

	// KeepaliveInterval is the challenge refresh period. Zero or negative
	// disables keepalive.
	KeepaliveInterval time.Duration

	// MaxHandshakeTimeouts is the number of consecutive challenge timeouts
	// after which the connection fails.
	MaxHandshakeTimeouts int

	// ChallengeTTL is how long a received challenge is trusted.
	ChallengeTTL time.Duration

	// SingleUseChallenge drops the cached challenge once rcon used it, for
	// servers running rcon_secure 2.
	SingleUseChallenge bool

	// ChatQueueSize bounds the per-connection callback queue.
	ChatQueueSize int

	// WriteTimeout bounds a single datagram write.
	WriteTimeout time.Duration

	// BindAddress optionally fixes the local address of every socket.
	BindAddress string
}

// DefaultOptions returns the standard timings.
func DefaultOptions() Options {
	return Options{
		RequestTimeout:       DefaultRequestTimeout,
		KeepaliveInterval:    DefaultKeepaliveInterval,
		MaxHandshakeTimeouts: DefaultMaxHandshakeTimeouts,
		ChallengeTTL:         DefaultChallengeTTL,
		ChatQueueSize:        DefaultChatQueueSize,
		WriteTimeout:         DefaultWriteTimeout,
	}
}

// withDefaults fills unset fields. KeepaliveInterval is left alone so a
// negative value can disable it.
func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.KeepaliveInterval == 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.MaxHandshakeTimeouts <= 0 {
		o.MaxHandshakeTimeouts = DefaultMaxHandshakeTimeouts
	}
	if o.ChallengeTTL <= 0 {
		o.ChallengeTTL = DefaultChallengeTTL
	}
	if o.ChatQueueSize <= 0 {
		o.ChatQueueSize = DefaultChatQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}
