package flags

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	Leaderboard = "mock_exam_leaderboard"
	Report      = "mock_exam_report"
)

const loadTimeout = 5 * time.Second

// Source loads the full flag set in one call.
type Source interface {
	Load(ctx context.Context) (map[string]bool, error)
}

// Service caches a Source for ttl. Concurrent refreshes share one load.
// When a refresh fails the previous values stay in use until the next
// attempt; with nothing cached, callers get their default.
type Service struct {
	src Source
	ttl time.Duration
	now func() time.Time
	log *logrus.Entry

	mu       sync.RWMutex
	values   map[string]bool
	loadedAt time.Time
	loaded   bool

	group singleflight.Group
}

func NewService(src Source, ttl time.Duration, now func() time.Time, log *logrus.Entry) *Service {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{src: src, ttl: ttl, now: now, log: log}
}

// Enabled reports the flag value, or def when the flag is unknown.
func (s *Service) Enabled(ctx context.Context, name string, def bool) bool {
	vals := s.current(ctx)
	v, ok := vals[name]
	if !ok {
		return def
	}
	return v
}

// Invalidate forces the next read to reload.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
}

func (s *Service) current(ctx context.Context) map[string]bool {
	s.mu.RLock()
	vals, fresh := s.values, s.loaded && s.now().Sub(s.loadedAt) < s.ttl
	s.mu.RUnlock()
	if fresh {
		return vals
	}

	v, err, _ := s.group.Do("flags", func() (any, error) {
		// another caller may have refreshed between our check and Do
		s.mu.RLock()
		if s.loaded && s.now().Sub(s.loadedAt) < s.ttl {
			cached := s.values
			s.mu.RUnlock()
			return cached, nil
		}
		s.mu.RUnlock()

		// the load is shared, so one caller's cancellation must not fail the rest
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		loaded, err := s.src.Load(loadCtx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.values, s.loadedAt, s.loaded = loaded, s.now(), true
		s.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		s.log.WithError(err).Warn("feature flags: refresh failed")
		return vals
	}
	return v.(map[string]bool)
}
