// Package ratelimit implements a fixed-window counter keyed by client, with
// its buckets persisted so a restart does not reset an attacker's budget.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ispadmin/internal/fsatomic"
)

const stateVersion = 1

type state struct {
	Version int               `json:"version"`
	Buckets map[string]bucket `json:"buckets"`
}

type bucket struct {
	Hits  int   `json:"hits"`
	Start int64 `json:"start"` // unix seconds
}

type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the whole number of seconds until the window resets.
func (d Decision) RetryAfter(now time.Time) int {
	s := int(d.ResetAt.Sub(now).Round(time.Second) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

type Limiter struct {
	path   string
	limit  int
	window time.Duration
	log    zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	buckets     map[string]bucket
	dirty       int
	lastPersist time.Time
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

func WithLogger(log zerolog.Logger) Option { return func(l *Limiter) { l.log = log } }

// New allows limit hits per window per key. An empty path keeps state in
// memory only.
func New(path string, limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		path:    path,
		limit:   limit,
		window:  window,
		log:     zerolog.Nop(),
		now:     time.Now,
		buckets: map[string]bucket{},
	}
	for _, o := range opts {
		o(l)
	}
	if path != "" {
		var st state
		if ok, err := fsatomic.LoadJSON(path, &st); err != nil {
			l.log.Warn().Err(err).Str("path", path).Msg("ratelimit state unreadable; starting empty")
		} else if ok && st.Version == stateVersion && st.Buckets != nil {
			l.buckets = st.Buckets
		}
	}
	l.lastPersist = l.now()
	return l
}

// Allow counts one hit for key. A limit of zero or less disables limiting.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()
	if l.limit <= 0 {
		return Decision{Allowed: true, Remaining: 1, ResetAt: now}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[key]
	start := time.Unix(b.Start, 0)
	if b.Start == 0 || now.Sub(start) >= l.window {
		b = bucket{Start: now.Unix()}
		start = time.Unix(b.Start, 0)
	}
	reset := start.Add(l.window)
	if b.Hits >= l.limit {
		return Decision{Allowed: false, ResetAt: reset}
	}
	b.Hits++
	l.buckets[key] = b
	l.dirty++
	l.maybePersistLocked(now)
	return Decision{Allowed: true, Remaining: l.limit - b.Hits, ResetAt: reset}
}

// Reset forgets key, e.g. after a successful login.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.buckets[key]; ok {
		delete(l.buckets, key)
		l.dirty++
	}
}

// Flush writes the current state regardless of the batching policy.
func (l *Limiter) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.persistLocked(ctx, l.now())
}

// maybePersistLocked batches writes: every 10 changes or every 2 seconds.
func (l *Limiter) maybePersistLocked(now time.Time) {
	if l.path == "" {
		return
	}
	if l.dirty < 10 && now.Sub(l.lastPersist) < 2*time.Second {
		return
	}
	if err := l.persistLocked(context.Background(), now); err != nil {
		l.log.Warn().Err(err).Msg("persist ratelimit state")
	}
}

func (l *Limiter) persistLocked(ctx context.Context, now time.Time) error {
	if l.path == "" {
		return nil
	}
	for k, b := range l.buckets {
		if now.Sub(time.Unix(b.Start, 0)) >= l.window {
			delete(l.buckets, k)
		}
	}
	snap := make(map[string]bucket, len(l.buckets))
	for k, b := range l.buckets {
		snap[k] = b
	}
	if err := fsatomic.SaveJSONLocked(ctx, l.path, state{Version: stateVersion, Buckets: snap}, 0o600); err != nil {
		return err
	}
	l.dirty = 0
	l.lastPersist = now
	return nil
}
