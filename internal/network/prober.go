package network

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/shelfcheck/internal/remote"
)

// Prober reports whether the remote store is currently reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

// Probe calls f(ctx).
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// StaticProber returns whatever it was last set to.
type StaticProber struct {
	online atomic.Bool
}

// NewStaticProber creates a StaticProber starting at online.
func NewStaticProber(online bool) *StaticProber {
	p := &StaticProber{}
	p.online.Store(online)
	return p
}

// Set changes the reported connectivity.
func (p *StaticProber) Set(online bool) { p.online.Store(online) }

// Probe returns the last value passed to Set.
func (p *StaticProber) Probe(context.Context) bool { return p.online.Load() }

// PingProber treats a successful remote health check as online.
type PingProber struct {
	pinger  remote.Pinger
	timeout time.Duration
}

// NewPingProber creates a prober over pinger. Each probe is bounded by timeout.
func NewPingProber(pinger remote.Pinger, timeout time.Duration) *PingProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PingProber{pinger: pinger, timeout: timeout}
}

// Probe pings the remote store.
func (p *PingProber) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.pinger.Ping(ctx) == nil
}
