package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/edirooss/cmdpool/pkg/supervisor"
	"github.com/edirooss/cmdpool/redis"
	"go.uber.org/zap"
)

type SummaryOptions struct {
	// TTL controls how long we serve the in-memory snapshot.
	// 150–400ms works well for ~1s polling dashboards; default 250ms.
	TTL time.Duration
	// RefreshTimeout bounds redis work for a single refresh.
	RefreshTimeout time.Duration
	// Allow serving stale on refresh error (graceful degrade).
	AllowStaleOnError bool
}

func (o *SummaryOptions) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = 250 * time.Millisecond
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = 300 * time.Millisecond
	}
}

// KidSummary is one child in the aggregate view.
type KidSummary struct {
	PID        int      `json:"pid"`
	ID         string   `json:"id,omitempty"`
	Cmdline    []string `json:"cmdline"`
	AgeSeconds float64  `json:"age_seconds"`
}

// PoolSummary is the aggregate snapshot served by /api/summary.
type PoolSummary struct {
	Count            int          `json:"count"`
	MaxKids          int          `json:"max_kids"`
	Full             bool         `json:"full"`
	OldestAgeSeconds float64      `json:"oldest_age_seconds"`
	Kids             []KidSummary `json:"kids"`
	// QueuedJobs is -1 when no job queue is attached.
	QueuedJobs int64 `json:"queued_jobs"`
}

// SummaryResult lets the handler set cache headers/telemetry.
type SummaryResult struct {
	Data        PoolSummary
	CacheHit    bool
	GeneratedAt time.Time
}

// SummaryService serves a cached aggregate of the pool. Concurrent cache
// misses collapse into one refresh via singleflight.
type SummaryService struct {
	log     *zap.Logger
	sup     *supervisor.Supervisor
	maxKids int
	jobs    *redis.JobRepository // optional

	mu      sync.RWMutex
	cache   PoolSummary
	expires time.Time
	genAt   time.Time

	opts SummaryOptions
	now  func() time.Time

	sg singleflight.Group
}

// NewSummaryService wires the supervisor, an optional job queue, and the
// cache policy. Reuse a single instance per process (handlers call Get()).
func NewSummaryService(log *zap.Logger, sup *supervisor.Supervisor, maxKids int, jobs *redis.JobRepository, opts SummaryOptions) *SummaryService {
	opts.setDefaults()
	return &SummaryService{
		log:     log.Named("summary_service"),
		sup:     sup,
		maxKids: maxKids,
		jobs:    jobs,
		opts:    opts,
		now:     time.Now,
	}
}

// Get returns the cached summary, refreshing when expired.
func (s *SummaryService) Get(ctx context.Context) (SummaryResult, error) {
	s.mu.RLock()
	if s.now().Before(s.expires) {
		res := SummaryResult{Data: s.cache, CacheHit: true, GeneratedAt: s.genAt}
		s.mu.RUnlock()
		return res, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.sg.Do("summary", func() (any, error) {
		data, err := s.refresh(ctx)
		if err != nil {
			if s.opts.AllowStaleOnError {
				s.mu.RLock()
				defer s.mu.RUnlock()
				s.log.Warn("refresh failed; serving stale summary", zap.Error(err))
				return SummaryResult{Data: s.cache, CacheHit: true, GeneratedAt: s.genAt}, nil
			}
			return SummaryResult{}, err
		}

		now := s.now()
		s.mu.Lock()
		s.cache = data
		s.genAt = now
		s.expires = now.Add(s.opts.TTL)
		s.mu.Unlock()

		return SummaryResult{Data: data, CacheHit: false, GeneratedAt: now}, nil
	})
	if err != nil {
		return SummaryResult{}, err
	}
	return v.(SummaryResult), nil
}

// Invalidate expires the cache so the next Get refreshes.
func (s *SummaryService) Invalidate() {
	s.mu.Lock()
	s.expires = time.Time{}
	s.mu.Unlock()
}

func (s *SummaryService) refresh(ctx context.Context) (PoolSummary, error) {
	kids := s.sup.Kids()

	out := PoolSummary{
		Count:      len(kids),
		MaxKids:    s.maxKids,
		Full:       s.sup.Full(),
		Kids:       make([]KidSummary, 0, len(kids)),
		QueuedJobs: -1,
	}
	for _, c := range kids {
		age := c.Age().Seconds()
		if age > out.OldestAgeSeconds {
			out.OldestAgeSeconds = age
		}
		out.Kids = append(out.Kids, KidSummary{
			PID:        c.PID,
			ID:         c.ID,
			Cmdline:    c.Cmdline,
			AgeSeconds: age,
		})
	}

	if s.jobs != nil {
		rctx, cancel := context.WithTimeout(ctx, s.opts.RefreshTimeout)
		defer cancel()
		n, err := s.jobs.Len(rctx)
		if err != nil {
			return PoolSummary{}, err
		}
		out.QueuedJobs = n
	}
	return out, nil
}
