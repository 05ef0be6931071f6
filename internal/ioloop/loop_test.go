package ioloop

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/tun"
)

// fakeTransport is an in-memory Transport: WritePacket appends to written,
// ReadPacket drains a queue fed by the test, blocking until a value or a
// close is supplied.
type fakeTransport struct {
	mu      sync.Mutex
	toRead  chan []byte
	written [][]byte
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{toRead: make(chan []byte, 8)}
}

func (f *fakeTransport) ReadPacket() ([]byte, error) {
	b, ok := <-f.toRead
	if !ok {
		return nil, io.EOF
	}
	return b, nil
}

func (f *fakeTransport) WritePacket(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), b...))
	return nil
}

func (f *fakeTransport) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

// fakeTun implements tunif.Device with no real frames ever produced, enough
// to satisfy the interface for tests that only exercise endpoint I/O.
type fakeTun struct {
	events chan tun.Event
}

func newFakeTun() *fakeTun { return &fakeTun{events: make(chan tun.Event)} }

func (f *fakeTun) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	// Block forever; these tests don't exercise tun reads.
	select {}
}
func (f *fakeTun) Write(bufs [][]byte, offset int) (int, error) { return len(bufs), nil }
func (f *fakeTun) MTU() (int, error)                            { return 1500, nil }
func (f *fakeTun) Name() (string, error)                        { return "tun0", nil }
func (f *fakeTun) Events() <-chan tun.Event                     { return f.events }
func (f *fakeTun) Close() error                                 { return nil }

// fakeDriver implements Driver with test-controlled hooks.
type fakeDriver struct {
	decrypted chan []byte
}

func (d *fakeDriver) RunCoarseTimers(now time.Time) (time.Duration, bool) { return 0, false }
func (d *fakeDriver) RunTLS(now time.Time) ([]byte, bool)                 { return nil, false }
func (d *fakeDriver) PullControlMessages(now time.Time)                  {}
func (d *fakeDriver) RunFragmentHousekeeping(now time.Time) ([]byte, bool) { return nil, false }
func (d *fakeDriver) DecryptAndDeliver(wireFrame []byte, now time.Time) ([]byte, error) {
	if d.decrypted != nil {
		d.decrypted <- wireFrame
	}
	return nil, nil
}
func (d *fakeDriver) EncryptForSend(tunFrame []byte, now time.Time) ([]byte, error) {
	return tunFrame, nil
}

func TestLoopDecryptsInboundEndpointFrame(t *testing.T) {
	transport := newFakeTransport()
	driver := &fakeDriver{decrypted: make(chan []byte, 1)}
	signal := make(chan struct{})

	l := New(transport, newFakeTun(), driver, 0, signal, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	transport.toRead <- []byte("hello")

	select {
	case got := <-driver.decrypted:
		if !bytes.Equal(got, []byte("hello")) {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decrypt pipeline to run")
	}
}

func TestLoopStopsOnSignal(t *testing.T) {
	transport := newFakeTransport()
	driver := &fakeDriver{}
	signal := make(chan struct{})

	l := New(transport, newFakeTun(), driver, 0, signal, nil)

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	close(signal)

	select {
	case err := <-done:
		if !ErrSignaled(err) {
			t.Fatalf("expected signaled error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for loop to stop on signal")
	}
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	transport := newFakeTransport()
	driver := &fakeDriver{}
	signal := make(chan struct{})

	l := New(transport, newFakeTun(), driver, 0, signal, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for loop to stop on cancel")
	}
}
