package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/cmdpool/pkg/supervisor"
	"github.com/edirooss/cmdpool/pkg/supervisor/backend/backendtest"
)

func newPool(t *testing.T) *supervisor.Supervisor {
	t.Helper()
	fake := backendtest.New()
	name := "fake-" + t.Name()
	fake.Register(name)

	sup, err := supervisor.New(supervisor.Options{MaxKids: 3, Backend: name})
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	t.Cleanup(sup.Close)
	return sup
}

func TestSummaryCaching(t *testing.T) {
	sup := newPool(t)
	svc := NewSummaryService(zap.NewNop(), sup, 3, nil, SummaryOptions{TTL: time.Hour})

	if _, err := sup.Spawn(supervisor.SpawnSpec{Cmdline: []string{"a"}, ID: "a"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	res, err := svc.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.CacheHit {
		t.Error("first Get reported a cache hit")
	}
	if res.Data.Count != 1 || res.Data.MaxKids != 3 {
		t.Errorf("summary = %+v", res.Data)
	}
	if res.Data.QueuedJobs != -1 {
		t.Errorf("queued_jobs = %d, want -1 without a queue", res.Data.QueuedJobs)
	}

	// Within TTL the snapshot is served as-is, even after pool changes.
	if _, err := sup.Spawn(supervisor.SpawnSpec{Cmdline: []string{"b"}, ID: "b"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	res, err = svc.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !res.CacheHit || res.Data.Count != 1 {
		t.Errorf("cached Get = hit %v count %d, want hit with stale count 1", res.CacheHit, res.Data.Count)
	}

	// Invalidate forces a refresh.
	svc.Invalidate()
	res, err = svc.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.CacheHit || res.Data.Count != 2 {
		t.Errorf("refreshed Get = hit %v count %d, want miss with count 2", res.CacheHit, res.Data.Count)
	}
}
