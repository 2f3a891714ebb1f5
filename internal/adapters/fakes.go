package adapters

import (
	"context"
	"sync"
	"time"
)

// FakeClock is a manually-advanced deterministic clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleep advances the fake clock immediately rather than blocking, so
// tests exercising backoff paths run instantly.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.Advance(d)
	return nil
}

// FakeLinkLayer is an in-memory LinkLayer stub: ConnectAndSend records
// each call (see Sent) and does not deliver the bytes anywhere; a test
// injects incoming frames itself with DeliverFrame.
type FakeLinkLayer struct {
	mu        sync.Mutex
	neighbors []NodeInfo
	neighCh   chan []NodeInfo
	frameCh   chan ReceivedFrame
	sent      []FakeSend
	failNext  *LinkError
	selfAddr  string
	signalDbm int32
}

type FakeSend struct {
	Address string
	Bytes   []byte
}

func NewFakeLinkLayer(selfAddr string) *FakeLinkLayer {
	return &FakeLinkLayer{
		neighCh:   make(chan []NodeInfo, 4),
		frameCh:   make(chan ReceivedFrame, 16),
		selfAddr:  selfAddr,
		signalDbm: -50,
	}
}

func (f *FakeLinkLayer) Initialize(ctx context.Context) error       { return nil }
func (f *FakeLinkLayer) StartDiscovery(ctx context.Context) error   { return nil }
func (f *FakeLinkLayer) StopDiscovery(ctx context.Context) error    { return nil }
func (f *FakeLinkLayer) CleanupStale(ctx context.Context) error     { return nil }
func (f *FakeLinkLayer) Shutdown(ctx context.Context) error         { return nil }
func (f *FakeLinkLayer) GetSignalStrength() int32                   { return f.signalDbm }
func (f *FakeLinkLayer) NeighborsStream() <-chan []NodeInfo         { return f.neighCh }
func (f *FakeLinkLayer) ReceivedFramesStream() <-chan ReceivedFrame { return f.frameCh }

func (f *FakeLinkLayer) Advertise(ctx context.Context, metadata map[string]string) error {
	return nil
}

func (f *FakeLinkLayer) CurrentNeighbors() []NodeInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]NodeInfo, len(f.neighbors))
	copy(out, f.neighbors)
	return out
}

// SetNeighbors replaces the neighbor snapshot and publishes it on the
// stream, mirroring a real discovery adapter's refresh.
func (f *FakeLinkLayer) SetNeighbors(n []NodeInfo) {
	f.mu.Lock()
	f.neighbors = n
	f.mu.Unlock()
	select {
	case f.neighCh <- n:
	default:
	}
}

// FailNextSend arranges the next ConnectAndSend call to fail with err.
func (f *FakeLinkLayer) FailNextSend(err *LinkError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

func (f *FakeLinkLayer) ConnectAndSend(ctx context.Context, address string, data []byte) error {
	f.mu.Lock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, FakeSend{Address: address, Bytes: data})
	f.mu.Unlock()
	return nil
}

func (f *FakeLinkLayer) Sent() []FakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeSend, len(f.sent))
	copy(out, f.sent)
	return out
}

// DeliverFrame injects a received frame as if it arrived over the wire.
func (f *FakeLinkLayer) DeliverFrame(senderAddr string, data []byte) {
	f.frameCh <- ReceivedFrame{SenderAddress: senderAddr, Bytes: data}
}

// FakeCloudSink records POST bodies and returns a scripted response.
type FakeCloudSink struct {
	mu       sync.Mutex
	posts    [][]byte
	status   int
	respBody []byte
	err      error
}

func NewFakeCloudSink() *FakeCloudSink {
	return &FakeCloudSink{status: 200}
}

func (c *FakeCloudSink) SetResponse(status int, body []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status, c.respBody, c.err = status, body, err
}

func (c *FakeCloudSink) Post(ctx context.Context, body []byte) (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, body)
	return c.status, c.respBody, c.err
}

func (c *FakeCloudSink) Posts() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.posts))
	copy(out, c.posts)
	return out
}

// FakeBatteryProvider reports a fixed level, mutable by tests.
type FakeBatteryProvider struct {
	mu    sync.Mutex
	level int
}

func NewFakeBatteryProvider(level int) *FakeBatteryProvider {
	return &FakeBatteryProvider{level: level}
}

func (b *FakeBatteryProvider) Level() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}

func (b *FakeBatteryProvider) Set(level int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.level = level
}

// FakeLocationProvider reports a fixed location, mutable by tests.
type FakeLocationProvider struct {
	mu       sync.Mutex
	lat, lng float64
	ok       bool
}

func NewFakeLocationProvider(lat, lng float64) *FakeLocationProvider {
	return &FakeLocationProvider{lat: lat, lng: lng, ok: true}
}

func (l *FakeLocationProvider) Location() (float64, float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lat, l.lng, l.ok
}
