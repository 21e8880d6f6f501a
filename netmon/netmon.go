// Package netmon tracks network connectivity and notifies subscribers of
// online/offline transitions. It performs no retries or queuing itself;
// the sync coordinator reacts to the transitions it reports.
package netmon

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Callbacks are invoked on connectivity transitions. Either field may be
// nil. Callbacks run synchronously on the goroutine applying the
// transition and should be quick; unsubscribing from inside a callback
// is allowed.
type Callbacks struct {
	OnOnline  func()
	OnOffline func()
}

// Probe reports whether the network is currently reachable.
type Probe func(ctx context.Context) bool

// Monitor tracks online/offline state. Zero value is not usable; construct
// with New. Safe for concurrent use.
type Monitor struct {
	log *zap.Logger

	mutex       sync.Mutex
	online      bool
	subscribers map[int]Callbacks
	nextID      int

	closeOnce sync.Once
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
}

// New returns a Monitor that starts in the online state. If a probe loop is
// wanted, call Run.
func New(log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		log:         log,
		online:      true,
		subscribers: make(map[int]Callbacks),
	}
}

// IsOnline reports the last observed connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.online
}

// Subscribe registers callbacks for transitions and returns an unsubscribe
// function. Unsubscribing twice is harmless.
func (m *Monitor) Subscribe(cb Callbacks) func() {
	m.mutex.Lock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = cb
	m.mutex.Unlock()
	return func() {
		m.mutex.Lock()
		delete(m.subscribers, id)
		m.mutex.Unlock()
	}
}

// SetOnline applies a connectivity observation. Subscribers are notified
// once per transition; repeated observations of the same state are no-ops.
func (m *Monitor) SetOnline(online bool) {
	m.mutex.Lock()
	if m.online == online {
		m.mutex.Unlock()
		return
	}
	m.online = online
	// Copy so a callback unsubscribing cannot deadlock on the mutex.
	subs := make([]Callbacks, 0, len(m.subscribers))
	for _, cb := range m.subscribers {
		subs = append(subs, cb)
	}
	m.mutex.Unlock()

	if online {
		m.log.Info("network transition", zap.String("state", "online"))
	} else {
		m.log.Info("network transition", zap.String("state", "offline"))
	}
	for _, cb := range subs {
		if online && cb.OnOnline != nil {
			cb.OnOnline()
		}
		if !online && cb.OnOffline != nil {
			cb.OnOffline()
		}
	}
}

// Run starts a background loop that applies the probe's observation every
// interval until ctx is cancelled or Close is called.
func (m *Monitor) Run(ctx context.Context, probe Probe, interval time.Duration) {
	if probe == nil {
		probe = DialProbe("1.1.1.1:443", 3*time.Second)
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	m.mutex.Lock()
	m.cancel = cancel
	m.mutex.Unlock()

	m.waitGroup.Add(1)
	go func() {
		defer m.waitGroup.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SetOnline(probe(ctx))
			}
		}
	}()
}

// Close stops the probe loop if one is running.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.mutex.Lock()
		cancel := m.cancel
		m.mutex.Unlock()
		if cancel != nil {
			cancel()
		}
		m.waitGroup.Wait()
	})
	return nil
}

// DialProbe returns a Probe that considers the network online when a TCP
// dial to addr succeeds within timeout.
func DialProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) bool {
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}
