// Package connectivity classifies the client as online or offline by
// periodically probing the sync server.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/objectql/sync/internal/logging"
)

// Pinger is the probe used to decide reachability, typically the sync
// transport's Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor tracks online/offline state. A transition from offline to online
// emits exactly one event on Transitions; consumers use it to trigger an
// immediate sync attempt.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	logger   logging.Logger

	mu     sync.RWMutex
	online bool

	transitions chan struct{}
}

// NewMonitor builds a monitor probing at the given interval. The monitor
// starts in the offline state until the first successful probe.
func NewMonitor(pinger Pinger, interval time.Duration, logger logging.Logger) *Monitor {
	return &Monitor{
		pinger:      pinger,
		interval:    interval,
		logger:      logger,
		transitions: make(chan struct{}, 1),
	}
}

// Online reports the current classification.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Transitions delivers one event per offline-to-online transition. The
// channel is buffered; an undelivered event is coalesced with the next.
func (m *Monitor) Transitions() <-chan struct{} {
	return m.transitions
}

// Run probes until ctx is cancelled. The first probe happens immediately.
func (m *Monitor) Run(ctx context.Context) {
	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	err := m.pinger.Ping(probeCtx)
	cancel()

	m.setOnline(ctx, err == nil)
}

func (m *Monitor) setOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}

	if online {
		m.logger.Info(ctx, "connectivity restored")
		select {
		case m.transitions <- struct{}{}:
		default:
		}
	} else {
		m.logger.Warn(ctx, "connectivity lost")
	}
}
