package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/nova/pkg/audio"
	audiomock "github.com/MrWong99/nova/pkg/audio/mock"
)

// connPlatform hands out a fresh mock connection per Connect call.
func connPlatform() (*audiomock.Platform, func() []*audiomock.Connection) {
	var (
		mu    sync.Mutex
		conns []*audiomock.Connection
	)
	p := &audiomock.Platform{ConnectFunc: func(context.Context, string) (audio.Connection, error) {
		c := audiomock.NewConnection()
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
		return c, nil
	}}
	return p, func() []*audiomock.Connection {
		mu.Lock()
		defer mu.Unlock()
		return append([]*audiomock.Connection(nil), conns...)
	}
}

func newTestRegistry(t *testing.T, p audio.Platform) *Registry {
	t.Helper()
	r := NewRegistry(p, nil, fastConfig(), testMetrics(t))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegistry_JoinIsIdempotent(t *testing.T) {
	t.Parallel()
	p, _ := connPlatform()
	r := newTestRegistry(t, p)

	var ready atomic.Int32
	r.OnSessionReady(func(*Session) { ready.Add(1) })

	s1, err := r.Join(context.Background(), "chan-1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	s2, err := r.Join(context.Background(), "chan-1")
	if err != nil {
		t.Fatalf("second Join: %v", err)
	}
	if s1 != s2 {
		t.Fatal("second Join returned a different session")
	}
	if p.Calls() != 1 {
		t.Errorf("Connect calls = %d, want 1", p.Calls())
	}
	if ready.Load() != 1 {
		t.Errorf("OnSessionReady called %d times, want 1", ready.Load())
	}
	if got, ok := r.Get("chan-1"); !ok || got != s1 {
		t.Error("Get did not return the joined session")
	}
}

func TestRegistry_ConcurrentJoinsShareOneAttempt(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	p := &audiomock.Platform{ConnectFunc: func(context.Context, string) (audio.Connection, error) {
		<-release
		return audiomock.NewConnection(), nil
	}}
	r := newTestRegistry(t, p)

	const n = 8
	var wg sync.WaitGroup
	sessions := make([]*Session, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessions[i], errs[i] = r.Join(context.Background(), "chan-1")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("Join %d: %v", i, errs[i])
		}
		if sessions[i] != sessions[0] {
			t.Fatalf("Join %d returned a different session", i)
		}
	}
	if p.Calls() != 1 {
		t.Errorf("Connect calls = %d, want 1", p.Calls())
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_FailedJoinIsNotRegistered(t *testing.T) {
	t.Parallel()
	errDenied := errors.New("missing connect permission")
	r := newTestRegistry(t, &audiomock.Platform{ConnectError: errDenied})

	if _, err := r.Join(context.Background(), "chan-1"); !errors.Is(err, errDenied) {
		t.Fatalf("err = %v, want %v", err, errDenied)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
	if _, err := r.Join(context.Background(), ""); err == nil {
		t.Error("Join with empty channel ID succeeded")
	}
}

func TestRegistry_Leave(t *testing.T) {
	t.Parallel()
	p, conns := connPlatform()
	r := newTestRegistry(t, p)

	s, err := r.Join(context.Background(), "chan-1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := r.Leave("chan-1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if _, ok := r.Get("chan-1"); ok {
		t.Error("session still registered after Leave")
	}
	if s.Status() != StatusDestroyed {
		t.Errorf("Status() = %v, want destroyed", s.Status())
	}
	if conns()[0].Disconnects() != 1 {
		t.Error("connection not disconnected")
	}
	if err := r.Leave("chan-1"); !errors.Is(err, ErrNotJoined) {
		t.Errorf("second Leave err = %v, want ErrNotJoined", err)
	}
}

func TestRegistry_ReapsDisconnectedSession(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	conn := audiomock.NewConnection()
	attempts := 0
	p := &audiomock.Platform{ConnectFunc: func(context.Context, string) (audio.Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return conn, nil
		}
		return nil, errors.New("channel deleted")
	}}
	cfg := fastConfig()
	cfg.MaxReconnectAttempts = 2
	r := NewRegistry(p, nil, cfg, testMetrics(t))
	t.Cleanup(func() { _ = r.Close() })

	events := make(chan Event, 16)
	r.OnSessionEvent(func(_ *Session, ev Event) { events <- ev })

	s, err := r.Join(context.Background(), "chan-1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	conn.SimulateLoss()

	eventually(t, func() bool { return r.Len() == 0 }, "session reaped")
	eventually(t, func() bool { return s.Status() == StatusDestroyed }, "reaped session left")

	var sawDisconnect bool
	for len(events) > 0 {
		if ev := <-events; ev.To == StatusDisconnected && ev.Err != nil {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Error("OnSessionEvent never saw the disconnect")
	}
}

func TestRegistry_Close(t *testing.T) {
	t.Parallel()
	p, conns := connPlatform()
	r := NewRegistry(p, nil, fastConfig(), testMetrics(t))

	for _, id := range []string{"chan-1", "chan-2", "chan-3"} {
		if _, err := r.Join(context.Background(), id); err != nil {
			t.Fatalf("Join(%s): %v", id, err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after Close", r.Len())
	}
	for i, c := range conns() {
		if c.Disconnects() != 1 {
			t.Errorf("connection %d disconnected %d times, want 1", i, c.Disconnects())
		}
	}
	if _, err := r.Join(context.Background(), "chan-4"); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Join after Close err = %v, want ErrRegistryClosed", err)
	}
}

func TestRegistry_RunClosesOnCancel(t *testing.T) {
	t.Parallel()
	p, _ := connPlatform()
	r := NewRegistry(p, nil, fastConfig(), testMetrics(t))
	if _, err := r.Join(context.Background(), "chan-1"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after Run returned", r.Len())
	}
}
