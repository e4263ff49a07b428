package permission

import (
	"context"
	"sync"
	"time"
)

// RateBucket is the persisted shape of a per-(session, scope) rate limit.
type RateBucket struct {
	Tokens      int           `json:"tokens"`
	WindowStart time.Time     `json:"window_start"`
	MaxCalls    int           `json:"max_calls"`
	Window      time.Duration `json:"window_ms"`
}

// BucketStore holds rate buckets. Take consumes one token and reports whether
// the call is within the window's budget.
type BucketStore interface {
	Install(ctx context.Context, sessionID, scope string, maxCalls int, window time.Duration) error
	// Take returns (allowed, installed): installed is false when no bucket
	// exists for the pair, in which case the call is not rate limited.
	Take(ctx context.Context, sessionID, scope string) (allowed, installed bool, err error)
	ClearSession(ctx context.Context, sessionID string) error
}

// MemoryBucketStore is the in-process BucketStore.
type MemoryBucketStore struct {
	mu      sync.Mutex
	buckets map[string]*RateBucket
	clock   func() time.Time
}

// NewMemoryBucketStore creates an empty store.
func NewMemoryBucketStore() *MemoryBucketStore {
	return &MemoryBucketStore{
		buckets: make(map[string]*RateBucket),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *MemoryBucketStore) WithClock(clock func() time.Time) *MemoryBucketStore {
	s.clock = clock
	return s
}

func bucketKey(sessionID, scope string) string {
	return sessionID + "\x00" + scope
}

func (s *MemoryBucketStore) Install(_ context.Context, sessionID, scope string, maxCalls int, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[bucketKey(sessionID, scope)] = &RateBucket{
		Tokens:      maxCalls,
		WindowStart: s.clock(),
		MaxCalls:    maxCalls,
		Window:      window,
	}
	return nil
}

func (s *MemoryBucketStore) Take(_ context.Context, sessionID, scope string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucketKey(sessionID, scope)]
	if !ok {
		return true, false, nil
	}
	now := s.clock()
	if now.Sub(b.WindowStart) >= b.Window {
		b.WindowStart = now
		b.Tokens = b.MaxCalls
	}
	if b.Tokens <= 0 {
		return false, true, nil
	}
	b.Tokens--
	return true, true, nil
}

func (s *MemoryBucketStore) ClearSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := sessionID + "\x00"
	for k := range s.buckets {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.buckets, k)
		}
	}
	return nil
}
