package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/nova/internal/observe"
	"github.com/MrWong99/nova/pkg/audio"
)

// ErrRegistryClosed is returned by [Registry.Join] after [Registry.Close].
var ErrRegistryClosed = errors.New("channel: registry closed")

// Registry maps channel IDs to their sessions. A session is added only once
// it is ready, and removed before [Registry.Leave] returns or once it has
// given up reconnecting.
type Registry struct {
	platform audio.Platform
	synth    Synthesizer
	cfg      Config
	metrics  *observe.Metrics

	joins singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	onReady  func(*Session)
	onEvent  func(*Session, Event)
}

// NewRegistry creates a registry whose sessions connect through platform
// and speak through synth.
func NewRegistry(platform audio.Platform, synth Synthesizer, cfg Config, metrics *observe.Metrics) *Registry {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Registry{
		platform: platform,
		synth:    synth,
		cfg:      cfg,
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
}

// OnSessionReady sets the hook called once for every session that joined,
// before Join returns. Set it before the first Join.
func (r *Registry) OnSessionReady(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReady = fn
}

// OnSessionEvent sets the hook called for every status change of a
// registered session. Set it before the first Join.
func (r *Registry) OnSessionEvent(fn func(*Session, Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvent = fn
}

// Join returns the session for channelID, joining it first when needed.
// Concurrent joins of the same channel share one attempt.
func (r *Registry) Join(ctx context.Context, channelID string) (*Session, error) {
	if channelID == "" {
		return nil, errors.New("channel: channelID must not be empty")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if s, ok := r.sessions[channelID]; ok {
		r.mu.Unlock()
		if st := s.Status(); st != StatusDisconnected && st != StatusDestroyed {
			return s, nil
		}
		// A dead session that has not been reaped yet; start over.
		if stale, ok := r.remove(channelID, s); ok {
			_ = stale.Leave()
		}
	} else {
		r.mu.Unlock()
	}

	v, err, _ := r.joins.Do(channelID, func() (any, error) {
		r.mu.Lock()
		if s, ok := r.sessions[channelID]; ok {
			r.mu.Unlock()
			return s, nil
		}
		r.mu.Unlock()

		s := NewSession(channelID, r.platform, r.synth, r.cfg, WithMetrics(r.metrics))
		if err := s.Join(ctx); err != nil {
			_ = s.Leave()
			return nil, err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = s.Leave()
			return nil, ErrRegistryClosed
		}
		r.sessions[channelID] = s
		onReady := r.onReady
		r.mu.Unlock()

		r.metrics.ActiveChannels.Add(context.Background(), 1)
		go r.watch(s)
		if onReady != nil {
			onReady(s)
		}
		slog.Info("channel: joined", "channel_id", channelID)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Leave leaves channelID. The entry is gone when Leave returns.
func (r *Registry) Leave(channelID string) error {
	s, ok := r.remove(channelID, nil)
	if !ok {
		return fmt.Errorf("channel: leave %q: %w", channelID, ErrNotJoined)
	}
	return s.Leave()
}

// Get returns the session for channelID.
func (r *Registry) Get(channelID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[channelID]
	return s, ok
}

// Len returns the number of joined channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of all joined sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Run blocks until ctx is done and then closes the registry.
func (r *Registry) Run(ctx context.Context) error {
	<-ctx.Done()
	return r.Close()
}

// Close leaves every channel concurrently. Later joins fail with
// [ErrRegistryClosed].
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var g errgroup.Group
	for id, s := range sessions {
		g.Go(func() error {
			r.metrics.ActiveChannels.Add(context.Background(), -1)
			if err := s.Leave(); err != nil {
				return fmt.Errorf("channel: leave %q: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// remove deletes the entry for channelID when it is still want (or any
// session when want is nil).
func (r *Registry) remove(channelID string, want *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[channelID]
	if !ok || (want != nil && s != want) {
		return nil, false
	}
	delete(r.sessions, channelID)
	r.metrics.ActiveChannels.Add(context.Background(), -1)
	return s, true
}

// watch forwards the session's events to the hook and reaps the session
// once it has given up reconnecting.
func (r *Registry) watch(s *Session) {
	for ev := range s.Events() {
		r.mu.Lock()
		onEvent := r.onEvent
		r.mu.Unlock()
		if onEvent != nil {
			onEvent(s, ev)
		}
		if ev.To == StatusDisconnected {
			if _, ok := r.remove(s.ChannelID(), s); ok {
				slog.Warn("channel: session disconnected, removed", "channel_id", s.ChannelID(), "err", ev.Err)
				go func() { _ = s.Leave() }()
			}
		}
	}
}
