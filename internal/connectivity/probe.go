// Package connectivity implements the periodic real-internet probe.
// Connectivity is confirmed only by an HTTP request to a known
// "204 No Content" endpoint over the external interface; DNS lookups of
// IP literals and mere interface presence are not accepted as evidence.
package connectivity

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Srikantmodi/rescuenet/internal/adapters"
)

const (
	DefaultCacheWindow     = 10 * time.Second
	DefaultOnlineInterval  = 30 * time.Second
	DefaultOfflineInterval = 10 * time.Second
	ProbeTimeout           = 4 * time.Second

	perEndpointRetries = 2
)

// DefaultEndpoints mirrors well-known 204 endpoints used by mobile OSes'
// own captive-portal detectors; first success wins.
var DefaultEndpoints = []string{
	"https://connectivitycheck.gstatic.com/generate_204",
	"https://clients3.google.com/generate_204",
	"https://cp.cloudflare.com/generate_204",
}

// Prober maintains the cached has_internet value and schedules periodic
// re-probing.
type Prober struct {
	mu          sync.Mutex
	endpoints   []string
	httpClient  *http.Client
	clock       adapters.Clock
	cacheWindow time.Duration

	cachedOnline bool
	cachedAt     time.Time
	haveCached   bool

	listeners []chan bool
	reprobe   chan struct{}
	stop      chan struct{}
	running   bool
	wg        sync.WaitGroup
}

// New builds a Prober over endpoints (falls back to DefaultEndpoints when
// nil/empty) using clock as the time source.
func New(endpoints []string, clock adapters.Clock) *Prober {
	if len(endpoints) == 0 {
		endpoints = DefaultEndpoints
	}
	return &Prober{
		endpoints:   endpoints,
		httpClient:  &http.Client{Timeout: ProbeTimeout},
		clock:       clock,
		cacheWindow: DefaultCacheWindow,
		reprobe:     make(chan struct{}, 1),
	}
}

// Changes returns a bounded channel emitting transitions only (not every
// probe result).
func (p *Prober) Changes() <-chan bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan bool, 8)
	p.listeners = append(p.listeners, ch)
	return ch
}

func (p *Prober) notify(online bool) {
	p.mu.Lock()
	listeners := append([]chan bool(nil), p.listeners...)
	p.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- online:
		default:
		}
	}
}

// Check returns cached has_internet, reprobing when the cache is stale or
// force is set.
func (p *Prober) Check(ctx context.Context, force bool) bool {
	p.mu.Lock()
	fresh := p.haveCached && p.clock.Now().Sub(p.cachedAt) < p.cacheWindow
	if fresh && !force {
		v := p.cachedOnline
		p.mu.Unlock()
		return v
	}
	p.mu.Unlock()

	online := p.probeOnce(ctx)
	p.setCached(online)
	return online
}

func (p *Prober) setCached(online bool) {
	p.mu.Lock()
	prev := p.cachedOnline
	hadPrev := p.haveCached
	p.cachedOnline = online
	p.cachedAt = p.clock.Now()
	p.haveCached = true
	p.mu.Unlock()

	if !hadPrev || prev != online {
		p.notify(online)
	}
}

// MarkOffline forces the cached value to false and schedules an
// immediate re-probe; used by the gateway uploader after an upload
// outcome proves the cached value was stale.
func (p *Prober) MarkOffline() {
	p.setCached(false)
	select {
	case p.reprobe <- struct{}{}:
	default:
	}
}

// probeOnce tries each endpoint in order; the first 204 confirms online.
func (p *Prober) probeOnce(ctx context.Context) bool {
	for _, ep := range p.endpoints {
		if p.probeEndpoint(ctx, ep) {
			return true
		}
	}
	return false
}

// probeEndpoint retries a single endpoint a small number of times with
// backoff before moving on, to absorb transient DNS/TCP hiccups without
// mistaking them for "truly offline".
func (p *Prober) probeEndpoint(ctx context.Context, endpoint string) bool {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(perEndpointRetries))
	bo = backoff.WithContext(bo, ctx)

	var ok bool
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNoContent {
			ok = true
			return nil
		}
		return fmt.Errorf("connectivity probe %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	if err := backoff.Retry(op, bo); err != nil {
		return false
	}
	return ok
}

// Start schedules periodic probing: 30s while online, 10s while offline.
// It returns a cancel function.
func (p *Prober) Start(ctx context.Context) func() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return func() {}
	}
	p.running = true
	p.stop = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)

	return func() {
		p.mu.Lock()
		if !p.running {
			p.mu.Unlock()
			return
		}
		p.running = false
		close(p.stop)
		p.mu.Unlock()
		p.wg.Wait()
	}
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()
	online := p.Check(ctx, true)
	for {
		interval := DefaultOfflineInterval
		if online {
			interval = DefaultOnlineInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-p.reprobe:
			online = p.Check(ctx, true)
		case <-time.After(interval):
			online = p.Check(ctx, true)
		}
	}
}

// OnNetworkChange should be invoked by the platform's network-change
// notifier; it forces an immediate re-probe.
func (p *Prober) OnNetworkChange(ctx context.Context) {
	online := p.Check(ctx, true)
	log.Printf("connectivity: network change notification, reprobe result=%v", online)
}
