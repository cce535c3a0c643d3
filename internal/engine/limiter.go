package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

// LimiterStatus is a point-in-time snapshot of a limiter.
type LimiterStatus struct {
	Name      string `json:"name"`
	Current   int    `json:"current"`
	Max       int    `json:"max"`
	Available int    `json:"available"`
	Waiting   int    `json:"waiting"`
}

// Limiter is a counting admission gate. It never admits more than max
// concurrent holders.
type Limiter struct {
	name string
	sem  chan struct{}

	mu      sync.Mutex
	current int
	waiting int
}

// NewLimiter creates a limiter with the given max concurrency.
func NewLimiter(name string, max int) *Limiter {
	if max <= 0 {
		max = 1
	}
	return &Limiter{
		name: name,
		sem:  make(chan struct{}, max),
	}
}

// Name returns the limiter name.
func (l *Limiter) Name() string {
	return l.name
}

// Acquire blocks until a slot is free, the timeout elapses, or ctx is done.
// A timeout <= 0 waits indefinitely. On timeout it returns a LIMITER_TIMEOUT error.
func (l *Limiter) Acquire(ctx context.Context, timeout time.Duration) error {
	// Fast path.
	select {
	case l.sem <- struct{}{}:
		l.admitted()
		return nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	l.mu.Lock()
	l.waiting++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.waiting--
		l.mu.Unlock()
	}()

	select {
	case l.sem <- struct{}{}:
		l.admitted()
		return nil
	case <-expired:
		return schema.NewErrorf(schema.ErrCodeLimiterTimeout,
			"limiter %s: no slot available within %s", l.name, timeout).
			WithDetails(map[string]any{"limiter": l.name, "max": cap(l.sem)})
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) admitted() {
	l.mu.Lock()
	l.current++
	l.mu.Unlock()
}

// Release returns a slot. Releasing without a matching Acquire is a no-op.
func (l *Limiter) Release() {
	l.mu.Lock()
	if l.current == 0 {
		l.mu.Unlock()
		return
	}
	l.current--
	l.mu.Unlock()
	<-l.sem
}

// Do runs fn while holding a slot. The slot is released on every exit path,
// including panics.
func (l *Limiter) Do(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx, timeout); err != nil {
		return err
	}
	defer l.Release()
	return fn(ctx)
}

// Status returns a snapshot of the limiter.
func (l *Limiter) Status() LimiterStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	max := cap(l.sem)
	return LimiterStatus{
		Name:      l.name,
		Current:   l.current,
		Max:       max,
		Available: max - l.current,
		Waiting:   l.waiting,
	}
}

// Limiters is a named set of limiters exposed for monitoring.
type Limiters struct {
	mu  sync.RWMutex
	set map[string]*Limiter
}

// NewLimiters creates a set from the given limiters.
func NewLimiters(ls ...*Limiter) *Limiters {
	s := &Limiters{set: make(map[string]*Limiter, len(ls))}
	for _, l := range ls {
		s.set[l.Name()] = l
	}
	return s
}

// Get returns the limiter registered under name.
func (s *Limiters) Get(name string) (*Limiter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.set[name]
	return l, ok
}

// Statuses returns snapshots of all limiters, sorted by name.
func (s *Limiters) Statuses() []LimiterStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LimiterStatus, 0, len(s.set))
	for _, l := range s.set {
		out = append(out, l.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
