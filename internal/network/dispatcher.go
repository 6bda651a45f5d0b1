package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonrelay/xonrelay/internal/protocol"
)

// ErrDispatcherClosed is returned after Shutdown.
var ErrDispatcherClosed = errors.New("dispatcher shut down")

// Dispatcher owns the sockets of many connections. Each open connection gets
// a connected UDP socket and one reader goroutine; the kernel drops
// datagrams from any other source, so replies can only come from the
// configured server.
type Dispatcher struct {
	opts   Options
	dialer net.Dialer
	logger zerolog.Logger

	mu     sync.Mutex
	conns  map[*Connection]struct{}
	closed bool

	readers sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Zero option fields take defaults.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	opts = opts.withDefaults()

	d := &Dispatcher{
		opts:   opts,
		conns:  make(map[*Connection]struct{}),
		logger: log.With().Str("component", "dispatcher").Logger(),
	}

	if opts.BindAddress != "" {
		local, err := net.ResolveUDPAddr("udp", opts.BindAddress)
		if err != nil {
			return nil, fmt.Errorf("invalid bind address %q: %w", opts.BindAddress, err)
		}
		d.dialer.LocalAddr = local
		d.dialer.Control = reuseAddrControl
	}

	return d, nil
}

// Options returns the effective options.
func (d *Dispatcher) Options() Options {
	return d.opts
}

// NewConnection creates a Disconnected connection to address (host:port).
func (d *Dispatcher) NewConnection(name, address, password string) (*Connection, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", address, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDispatcherClosed
	}

	c := newConnection(d, name, address, password)
	d.conns[c] = struct{}{}
	return c, nil
}

// Connections returns the number of connections not yet closed.
func (d *Dispatcher) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Shutdown closes every connection and waits for readers, keepalives and
// callback queues to drain.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	conns := make([]*Connection, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	d.readers.Wait()
	for _, c := range conns {
		c.keepalive.wait()
		c.mailbox.wait()
	}

	d.logger.Info().Int("connections", len(conns)).Msg("dispatcher stopped")
}

func (d *Dispatcher) dial(ctx context.Context, address string) (*net.UDPConn, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrDispatcherClosed
	}

	conn, err := d.dialer.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, err
	}
	return conn.(*net.UDPConn), nil
}

// serve starts the reader goroutine and keepalive of c. It refuses once
// Shutdown has begun, so no reader is added while Shutdown waits.
func (d *Dispatcher) serve(c *Connection, conn *net.UDPConn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.readers.Add(1)
	c.keepalive.start()
	go d.readLoop(c, conn)
	return true
}

func (d *Dispatcher) readLoop(c *Connection, conn *net.UDPConn) {
	defer d.readers.Done()

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			switch {
			case errors.Is(err, net.ErrClosed):
				return
			case isUnreachable(err):
				c.noteUnreachable()
				continue
			}
			c.fail(&TransportError{Op: "read", Err: err})
			return
		}
		c.handleDatagram(buf[:n])
	}
}

func (d *Dispatcher) forget(c *Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, c)
}

// ReuseAddrListenConfig returns a ListenConfig that sets SO_REUSEADDR, so a
// restarted process can rebind its port at once.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: reuseAddrControl}
}
