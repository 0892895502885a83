package network

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/shelfcheck/internal/remote"
)

type recorder struct {
	mu    sync.Mutex
	flips []bool
}

func (r *recorder) add(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flips = append(r.flips, online)
}

func (r *recorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.flips...)
}

func startMonitor(t *testing.T, prober Prober, cfg Config) (*Monitor, *atomic.Int32) {
	t.Helper()
	var triggers atomic.Int32
	m := NewMonitor(prober, func(context.Context) error {
		triggers.Add(1)
		return nil
	}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, &triggers
}

func fastConfig() Config {
	return Config{PollInterval: time.Hour, StabilizeDelay: 30 * time.Millisecond}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.StabilizeDelay)

	m := NewMonitor(nil, nil, Config{})
	assert.Equal(t, cfg, m.cfg)
	assert.Equal(t, StateOffline, m.State())
}

func TestMonitor_startsOnlineAndTriggers(t *testing.T) {
	m, triggers := startMonitor(t, NewStaticProber(true), fastConfig())

	require.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return triggers.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMonitor_reconnectTriggersOnceAfterStabilizing(t *testing.T) {
	m, triggers := startMonitor(t, NewStaticProber(false), fastConfig())
	rec := &recorder{}
	m.OnStatusChange(rec.add)

	m.Notify(true)
	m.Notify(true) // duplicate push while stabilizing is ignored
	require.Eventually(t, func() bool { return m.State() == StateStabilizing }, time.Second, time.Millisecond)
	assert.Zero(t, triggers.Load(), "trigger must wait for the stabilization delay")

	require.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return triggers.Load() == 1 }, time.Second, 5*time.Millisecond)

	m.Notify(true)
	time.Sleep(60 * time.Millisecond)
	assert.EqualValues(t, 1, triggers.Load())
	assert.Equal(t, []bool{true}, rec.get())
}

func TestMonitor_flappingCancelsStabilization(t *testing.T) {
	m, triggers := startMonitor(t, NewStaticProber(false), Config{PollInterval: time.Hour, StabilizeDelay: 80 * time.Millisecond})
	rec := &recorder{}
	m.OnStatusChange(rec.add)

	m.Notify(true)
	m.Notify(false)
	m.Notify(true)
	m.Notify(false)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StateOffline, m.State())
	assert.Zero(t, triggers.Load())
	assert.Empty(t, rec.get(), "no flip is reported for a reconnect that never stabilized")
}

func TestMonitor_goingOfflineNotifiesListeners(t *testing.T) {
	m, _ := startMonitor(t, NewStaticProber(false), fastConfig())
	rec := &recorder{}
	unsubscribe := m.OnStatusChange(rec.add)
	other := &recorder{}
	m.OnStatusChange(other.add)

	m.Notify(true)
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)
	m.Notify(false)
	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, rec.get())

	unsubscribe()
	unsubscribe()
	m.Notify(true)
	require.Eventually(t, func() bool { return len(other.get()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, rec.get())
	assert.Equal(t, []bool{true, false, true}, other.get())
}

func TestMonitor_pollFallbackDetectsReconnect(t *testing.T) {
	prober := NewStaticProber(false)
	m, triggers := startMonitor(t, prober, Config{PollInterval: 10 * time.Millisecond, StabilizeDelay: 10 * time.Millisecond})

	time.Sleep(30 * time.Millisecond)
	assert.False(t, m.IsOnline())

	prober.Set(true)
	require.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return triggers.Load() == 1 }, time.Second, 5*time.Millisecond)

	prober.Set(false)
	require.Eventually(t, func() bool { return m.State() == StateOffline }, time.Second, 5*time.Millisecond)
}

func TestMonitor_callbackAndTriggerPanicsAreContained(t *testing.T) {
	m := NewMonitor(NewStaticProber(false), func(context.Context) error {
		panic("trigger exploded")
	}, fastConfig())
	m.OnStatusChange(func(bool) { panic("listener exploded") })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Notify(true)
	require.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)
	m.Notify(false)
	require.Eventually(t, func() bool { return m.State() == StateOffline }, time.Second, 5*time.Millisecond)
}

func TestMonitor_runTwiceFails(t *testing.T) {
	m, _ := startMonitor(t, NewStaticProber(false), fastConfig())
	require.Eventually(t, func() bool { return m.running.Load() }, time.Second, time.Millisecond)
	assert.Error(t, m.Run(context.Background()))
}

func TestMonitor_notifyAfterStopReturns(t *testing.T) {
	m := NewMonitor(NewStaticProber(false), nil, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	for i := 0; i < 32; i++ {
		m.Notify(i%2 == 0)
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestPingProber(t *testing.T) {
	ctx := context.Background()
	assert.True(t, NewPingProber(fakePinger{}, 0).Probe(ctx))
	assert.False(t, NewPingProber(fakePinger{err: errors.New("down")}, time.Second).Probe(ctx))
	assert.True(t, NewPingProber(remote.NewMemoryStore(), time.Second).Probe(ctx))

	assert.True(t, ProberFunc(func(context.Context) bool { return true }).Probe(ctx))
	assert.Equal(t, "stabilizing", StateStabilizing.String())
}
