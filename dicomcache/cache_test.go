package dicomcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clarinet-dicom/clarinet/config"
	"github.com/clarinet-dicom/clarinet/dimse"
)

// countingRetriever serves canned instances and counts retrievals.
type countingRetriever struct {
	calls int32
	err   error
}

func (r *countingRetriever) GetSeriesToMemory(_ context.Context, studyUID, seriesUID string) (map[string]*dimse.Instance, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.err != nil {
		return nil, r.err
	}
	return map[string]*dimse.Instance{
		"1.1.1": {SOPInstanceUID: "1.1.1"},
	}, nil
}

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		TTLHours:         24,
		MaxSizeGB:        1,
		MemoryTTLSeconds: 60,
		MemoryMaxEntries: 4,
	}
}

func TestEnsureCachesAndCoalesces(t *testing.T) {
	retriever := &countingRetriever{}
	cache := New(testCacheConfig(), t.TempDir(), retriever)
	defer cache.Shutdown()
	ctx := context.Background()

	entry, err := cache.Ensure(ctx, "1.2.3", "4.5.6")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if entry.StudyUID != "1.2.3" || entry.SeriesUID != "4.5.6" {
		t.Fatalf("entry keyed %s/%s", entry.StudyUID, entry.SeriesUID)
	}
	if len(entry.Instances) != 1 {
		t.Fatalf("got %d instances, want 1", len(entry.Instances))
	}
	if inst := entry.Instances["1.1.1"]; inst.SOPInstanceUID != "1.1.1" {
		t.Fatal("instance map key does not match its SOP Instance UID")
	}

	again, err := cache.Ensure(ctx, "1.2.3", "4.5.6")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if again != entry {
		t.Fatal("second ensure returned a different entry")
	}
	if got := atomic.LoadInt32(&retriever.calls); got != 1 {
		t.Fatalf("retriever called %d times, want 1", got)
	}
}

func TestEnsureConcurrentMissSingleRetrieval(t *testing.T) {
	retriever := &countingRetriever{}
	cache := New(testCacheConfig(), t.TempDir(), retriever)
	defer cache.Shutdown()

	var wg sync.WaitGroup
	entries := make([]*Entry, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := cache.Ensure(context.Background(), "1.2.3", "4.5.6")
			if err != nil {
				t.Errorf("ensure %d: %v", i, err)
				return
			}
			entries[i] = entry
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&retriever.calls); got != 1 {
		t.Fatalf("retriever called %d times, want 1", got)
	}
	for i := 1; i < 5; i++ {
		if entries[i] != entries[0] {
			t.Fatal("concurrent callers received different entries")
		}
	}
}

func TestEnsureDistinctKeysIndependent(t *testing.T) {
	retriever := &countingRetriever{}
	cache := New(testCacheConfig(), t.TempDir(), retriever)
	defer cache.Shutdown()
	ctx := context.Background()

	if _, err := cache.Ensure(ctx, "1.2.3", "4.5.6"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := cache.Ensure(ctx, "1.2.3", "4.5.7"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got := atomic.LoadInt32(&retriever.calls); got != 2 {
		t.Fatalf("retriever called %d times, want 2", got)
	}
}

func TestMemoryCacheLRUBoundary(t *testing.T) {
	mc := newMemoryCache(time.Hour, 3)
	now := time.Now()
	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("s/%d", i)
		mc.put(key, &Entry{SeriesUID: key}, now)
	}
	if mc.len() != 3 {
		t.Fatalf("len = %d, want 3", mc.len())
	}
	if _, ok := mc.get("s/0", now); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := mc.get("s/3", now); !ok {
		t.Fatal("newest entry missing")
	}
}

func writeFakeSeries(t *testing.T, base, study, series string, cachedAt time.Time, payload int) {
	t.Helper()
	dir := filepath.Join(base, "dicomweb_cache", study, series)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "inst.dcm"), make([]byte, payload), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := writeMarker(dir, cachedAt); err != nil {
		t.Fatal(err)
	}
}

func TestEvictExpiredIdempotent(t *testing.T) {
	base := t.TempDir()
	now := time.Now()
	writeFakeSeries(t, base, "1.2.3", "old", now.Add(-48*time.Hour), 10)
	writeFakeSeries(t, base, "1.2.3", "fresh", now, 10)

	cache := New(testCacheConfig(), base, &countingRetriever{})
	defer cache.Shutdown()

	removed, err := cache.EvictExpired()
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(filepath.Join(base, "dicomweb_cache", "1.2.3", "fresh")); err != nil {
		t.Fatal("fresh series was removed")
	}

	removed, err = cache.EvictExpired()
	if err != nil {
		t.Fatalf("second evict: %v", err)
	}
	if removed != 0 {
		t.Fatalf("second pass removed %d, want 0", removed)
	}
}

func TestEvictBySizeOldestFirst(t *testing.T) {
	base := t.TempDir()
	now := time.Now()
	writeFakeSeries(t, base, "1.2.3", "oldest", now.Add(-2*time.Hour), 100)
	writeFakeSeries(t, base, "1.2.3", "newer", now, 100)

	cfg := testCacheConfig()
	cfg.MaxSizeGB = 150.0 / float64(1<<30)
	cache := New(cfg, base, &countingRetriever{})
	defer cache.Shutdown()

	removed, err := cache.EvictBySize()
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(filepath.Join(base, "dicomweb_cache", "1.2.3", "oldest")); !os.IsNotExist(err) {
		t.Fatal("oldest series should have been removed first")
	}
	if _, err := os.Stat(filepath.Join(base, "dicomweb_cache", "1.2.3", "newer")); err != nil {
		t.Fatal("newer series should have survived")
	}
}

func TestMarkerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cachedAt := time.Now()
	if err := writeMarker(dir, cachedAt); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := readMarker(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := got.Sub(cachedAt); diff > time.Millisecond || diff < -time.Millisecond {
		t.Fatalf("marker drifted by %v", diff)
	}
}
