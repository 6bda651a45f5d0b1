package network

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// mailbox runs callbacks for one connection on its own goroutine so a slow
// consumer never stalls datagram reception. Posting never blocks: when the
// queue is full the task is dropped and counted.
type mailbox struct {
	mu     sync.Mutex
	queue  chan func()
	closed bool

	logger  zerolog.Logger
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

func newMailbox(size int, logger zerolog.Logger) *mailbox {
	if size < 1 {
		size = 1
	}
	m := &mailbox{
		queue:  make(chan func(), size),
		logger: logger,
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *mailbox) run() {
	defer m.wg.Done()
	for task := range m.queue {
		m.invoke(task)
	}
}

func (m *mailbox) invoke(task func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("callback panicked")
		}
	}()
	task()
}

// post queues task and reports whether it was accepted.
func (m *mailbox) post(task func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	select {
	case m.queue <- task:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// close stops accepting tasks. Already queued tasks still run. It does not
// wait, so it is safe to call from inside a callback.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.queue)
	}
}

// wait blocks until the queue is drained after close.
func (m *mailbox) wait() {
	m.wg.Wait()
}
