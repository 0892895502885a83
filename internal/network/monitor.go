// Package network tracks connectivity to the remote store and starts a
// sync pass once a reconnect has held for the stabilization delay.
package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/shelfcheck/internal/logging"
)

// State is the connectivity state of a Monitor.
type State int

const (
	StateOffline State = iota
	StateStabilizing
	StateOnline
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateStabilizing:
		return "stabilizing"
	case StateOnline:
		return "online"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type eventKind int

const (
	eventOnline eventKind = iota
	eventOffline
	eventTick
	eventStabilized
)

type event struct {
	kind eventKind
	gen  uint64 // stabilization generation, eventStabilized only
}

// TriggerFunc starts a sync pass. It is called once per stabilized reconnect.
type TriggerFunc func(ctx context.Context) error

// Config holds monitor timing.
type Config struct {
	PollInterval   time.Duration // How often to probe (default: 30 seconds)
	StabilizeDelay time.Duration // How long a reconnect must hold (default: 1.5 seconds)
}

// DefaultConfig returns the default monitor timing.
func DefaultConfig() Config {
	return Config{
		PollInterval:   30 * time.Second,
		StabilizeDelay: 1500 * time.Millisecond,
	}
}

// Monitor is a connectivity state machine. Every input (push notification,
// poll tick, stabilization timer) is an event handled one at a time by the
// goroutine running Run.
type Monitor struct {
	prober  Prober
	trigger TriggerFunc
	cfg     Config

	events  chan event
	stopped chan struct{}
	running atomic.Bool
	probing atomic.Bool

	// Owned by the Run goroutine.
	gen   uint64
	timer *time.Timer

	mu        sync.RWMutex
	state     State
	listeners map[int]func(online bool)
	nextID    int
}

// NewMonitor creates a Monitor. trigger may be nil.
func NewMonitor(prober Prober, trigger TriggerFunc, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StabilizeDelay <= 0 {
		cfg.StabilizeDelay = def.StabilizeDelay
	}
	return &Monitor{
		prober:    prober,
		trigger:   trigger,
		cfg:       cfg,
		events:    make(chan event, 16),
		stopped:   make(chan struct{}),
		listeners: make(map[int]func(bool)),
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsOnline reports whether the monitor has reached StateOnline.
func (m *Monitor) IsOnline() bool {
	return m.State() == StateOnline
}

// OnStatusChange registers cb for every online/offline flip and returns a
// function that removes it. Callbacks run on the monitor goroutine.
func (m *Monitor) OnStatusChange(cb func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = cb
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Notify feeds a platform connectivity notification into the monitor.
// It returns without effect once the monitor has stopped.
func (m *Monitor) Notify(online bool) {
	if online {
		m.send(event{kind: eventOnline})
	} else {
		m.send(event{kind: eventOffline})
	}
}

func (m *Monitor) send(e event) {
	select {
	case m.events <- e:
	case <-m.stopped:
	}
}

// Run probes the initial state and processes events until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("network monitor already running")
	}
	defer close(m.stopped)
	defer m.stopTimer()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	if m.prober != nil && m.prober.Probe(ctx) {
		m.setState(StateOnline)
		m.emit(true)
		m.fireTrigger(ctx)
	}
	logging.Info("network monitor started", map[string]interface{}{
		"state":           m.State().String(),
		"poll_interval":   m.cfg.PollInterval.String(),
		"stabilize_delay": m.cfg.StabilizeDelay.String(),
	})

	for {
		select {
		case <-ctx.Done():
			logging.Info("network monitor stopped", nil)
			return nil
		case <-ticker.C:
			m.handle(ctx, event{kind: eventTick})
		case e := <-m.events:
			m.handle(ctx, e)
		}
	}
}

func (m *Monitor) handle(ctx context.Context, e event) {
	state := m.State()

	switch e.kind {
	case eventOnline:
		if state != StateOffline {
			return
		}
		m.gen++
		gen := m.gen
		m.setState(StateStabilizing)
		m.timer = time.AfterFunc(m.cfg.StabilizeDelay, func() {
			m.send(event{kind: eventStabilized, gen: gen})
		})
		logging.Debug("connectivity restored, stabilizing", map[string]interface{}{"generation": gen})

	case eventOffline:
		if state == StateOffline {
			return
		}
		m.gen++
		m.stopTimer()
		m.setState(StateOffline)
		if state == StateOnline {
			m.emit(false)
		} else {
			logging.Debug("reconnect did not stabilize", nil)
		}

	case eventStabilized:
		if state != StateStabilizing || e.gen != m.gen {
			return
		}
		m.timer = nil
		m.setState(StateOnline)
		m.emit(true)
		m.fireTrigger(ctx)

	case eventTick:
		m.probe(ctx)
	}
}

// probe runs the prober off the event goroutine and feeds the result back.
func (m *Monitor) probe(ctx context.Context) {
	if m.prober == nil || !m.probing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.probing.Store(false)
		m.Notify(m.prober.Probe(ctx))
	}()
}

func (m *Monitor) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Monitor) emit(online bool) {
	logging.Info("connectivity changed", map[string]interface{}{"is_online": online})

	m.mu.RLock()
	cbs := make([]func(bool), 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if cb, ok := m.listeners[id]; ok {
			cbs = append(cbs, cb)
		}
	}
	m.mu.RUnlock()

	for _, cb := range cbs {
		m.safeCall(func() { cb(online) })
	}
}

func (m *Monitor) fireTrigger(ctx context.Context) {
	if m.trigger == nil {
		return
	}
	go m.safeCall(func() {
		if err := m.trigger(ctx); err != nil {
			logging.Warn("sync trigger after reconnect failed", map[string]interface{}{"error": err.Error()})
		}
	})
}

func (m *Monitor) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("network monitor callback panicked", fmt.Errorf("%v", r), nil)
		}
	}()
	fn()
}
