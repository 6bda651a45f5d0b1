package network

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ProbeStats summarises keepalive outcomes.
type ProbeStats struct {
	Successes uint64    `json:"successes"`
	Failures  uint64    `json:"failures"`
	LastProbe time.Time `json:"last_probe"`
	LastError string    `json:"last_error,omitempty"`
}

// keepalive periodically refreshes the challenge of one connection. The
// ticker loop only fires probes; outcomes are observed on separate
// goroutines so a slow reply never delays the next tick or any caller.
// A tick is skipped while the previous probe is still waiting, so the
// keepalive never supersedes its own probe before it can time out.
type keepalive struct {
	interval time.Duration
	probe    func() *Result[Challenge]
	logger   zerolog.Logger

	mu    sync.Mutex
	stats ProbeStats

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newKeepalive(interval time.Duration, probe func() *Result[Challenge], logger zerolog.Logger) *keepalive {
	return &keepalive{
		interval: interval,
		probe:    probe,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (k *keepalive) start() {
	if k.interval <= 0 {
		return
	}
	k.wg.Add(1)
	go k.run()
}

func (k *keepalive) run() {
	defer k.wg.Done()

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	var last *Result[Challenge]
	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
			if last != nil {
				if _, done, _ := last.Poll(); !done {
					k.logger.Trace().Msg("keepalive probe still waiting, tick skipped")
					continue
				}
			}
			res := k.probe()
			last = res
			k.mu.Lock()
			k.stats.LastProbe = time.Now()
			k.mu.Unlock()
			k.logger.Trace().Msg("keepalive probe sent")
			go k.observe(res)
		}
	}
}

func (k *keepalive) observe(res *Result[Challenge]) {
	select {
	case <-res.Done():
	case <-k.stopCh:
		return
	}

	_, _, err := res.Poll()

	k.mu.Lock()
	defer k.mu.Unlock()

	if err == nil {
		k.stats.Successes++
		k.stats.LastError = ""
		return
	}
	// A probe superseded by another challenge request is not a failure.
	if errors.Is(err, ErrCancelled) {
		return
	}
	k.stats.Failures++
	k.stats.LastError = err.Error()
	k.logger.Debug().Err(err).Uint64("failures", k.stats.Failures).Msg("keepalive probe failed")
}

func (k *keepalive) snapshot() ProbeStats {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stats
}

// stop ends the ticker loop. It does not wait, so it is safe to call with
// the connection lock held.
func (k *keepalive) stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
}

// wait blocks until the ticker loop has exited.
func (k *keepalive) wait() {
	k.wg.Wait()
}
