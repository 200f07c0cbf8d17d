// Package dicomcache keeps retrieved DICOM series in a two-tier cache:
// a bounded in-memory TTL+LRU map in front of a disk tree under
// <storage>/dicomweb_cache. Concurrent misses for the same series are
// coalesced into a single PACS retrieval.
package dicomcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/go-dicom"
	"github.com/sirupsen/logrus"

	"github.com/clarinet-dicom/clarinet/common"
	"github.com/clarinet-dicom/clarinet/config"
	"github.com/clarinet-dicom/clarinet/dimse"
)

const markerFile = ".cached_at"

// Retriever is the slice of the DICOM client the cache needs.
// *dimse.Client satisfies it.
type Retriever interface {
	GetSeriesToMemory(ctx context.Context, studyUID, seriesUID string) (map[string]*dimse.Instance, error)
}

// Entry is one cached series resident in memory.
type Entry struct {
	StudyUID  string
	SeriesUID string
	// Instances maps SOP Instance UID to the retrieved object. The map is
	// never mutated after the entry is published; the disk persister holds
	// the same map and must see a stable view.
	Instances map[string]*dimse.Instance
	CachedAt  time.Time
	// DiskPersisted is set by the background persister once the series is
	// safely on disk. Guarded by the cache mutex.
	DiskPersisted bool
}

// SeriesCache coordinates the memory tier, the disk tier and the PACS
// retrievals that fill them.
type SeriesCache struct {
	cfg     config.CacheConfig
	baseDir string
	client  Retriever

	mu     sync.Mutex
	memory *memoryCache
	locks  map[string]*sync.Mutex

	persistCtx    context.Context
	persistCancel context.CancelFunc
	persistWG     sync.WaitGroup
}

// New builds the cache rooted at <storagePath>/dicomweb_cache.
func New(cfg config.CacheConfig, storagePath string, client Retriever) *SeriesCache {
	ctx, cancel := context.WithCancel(context.Background())
	return &SeriesCache{
		cfg:     cfg,
		baseDir: filepath.Join(storagePath, "dicomweb_cache"),
		client:  client,
		memory: newMemoryCache(
			time.Duration(cfg.MemoryTTLSeconds)*time.Second,
			cfg.MemoryMaxEntries,
		),
		locks:         make(map[string]*sync.Mutex),
		persistCtx:    ctx,
		persistCancel: cancel,
	}
}

func cacheKey(studyUID, seriesUID string) string {
	return studyUID + "/" + seriesUID
}

func (c *SeriesCache) seriesDir(studyUID, seriesUID string) string {
	return filepath.Join(c.baseDir, studyUID, seriesUID)
}

// keyLock returns the per-series mutex, creating it on first use. The
// lock table only grows; entries are reclaimed on Shutdown.
func (c *SeriesCache) keyLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	return lock
}

// Ensure returns the cached series, filling the cache from disk or from
// the PACS on a miss. Concurrent callers for the same series are
// serialized so the PACS is asked at most once.
func (c *SeriesCache) Ensure(ctx context.Context, studyUID, seriesUID string) (*Entry, error) {
	key := cacheKey(studyUID, seriesUID)
	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	c.mu.Lock()
	entry, ok := c.memory.get(key, now)
	c.mu.Unlock()
	if ok {
		return entry, nil
	}

	if entry, err := c.loadFromDisk(studyUID, seriesUID, now); err == nil {
		c.mu.Lock()
		c.memory.put(key, entry, now)
		c.mu.Unlock()
		return entry, nil
	}

	instances, err := c.client.GetSeriesToMemory(ctx, studyUID, seriesUID)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("series %s has no instances: %w", seriesUID, common.ErrNotFound)
	}

	entry = &Entry{
		StudyUID:  studyUID,
		SeriesUID: seriesUID,
		Instances: instances,
		CachedAt:  now,
	}
	c.mu.Lock()
	c.memory.put(key, entry, now)
	c.mu.Unlock()

	c.persistWG.Add(1)
	go c.persist(key, studyUID, seriesUID, instances, now)

	return entry, nil
}

// loadFromDisk restores a series whose marker is still within the disk
// TTL. A missing or unreadable marker is a miss; a stale one removes the
// directory.
func (c *SeriesCache) loadFromDisk(studyUID, seriesUID string, now time.Time) (*Entry, error) {
	dir := c.seriesDir(studyUID, seriesUID)
	cachedAt, err := readMarker(dir)
	if err != nil {
		return nil, err
	}
	if now.Sub(cachedAt) > time.Duration(c.cfg.TTLHours)*time.Hour {
		if err := os.RemoveAll(dir); err != nil {
			common.Logger.WithError(err).Warn("failed to remove stale cache directory")
		}
		return nil, fmt.Errorf("series %s cache is stale: %w", seriesUID, common.ErrNotFound)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v: %w", dir, err, common.ErrStorage)
	}
	instances := make(map[string]*dimse.Instance)
	for _, file := range files {
		if !strings.HasSuffix(file.Name(), ".dcm") {
			continue
		}
		ds, err := dicom.ReadDataSetFromFile(filepath.Join(dir, file.Name()), dicom.ReadOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %v: %w", file.Name(), err, common.ErrStorage)
		}
		sop := strings.TrimSuffix(file.Name(), ".dcm")
		instances[sop] = &dimse.Instance{SOPInstanceUID: sop, DataSet: ds}
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("series %s has no cached instances: %w", seriesUID, common.ErrNotFound)
	}

	return &Entry{
		StudyUID:      studyUID,
		SeriesUID:     seriesUID,
		Instances:     instances,
		CachedAt:      cachedAt,
		DiskPersisted: true,
	}, nil
}

// persist writes the series to disk in the background. It holds its own
// reference to the instance map, so eviction of the memory entry while
// the write runs is harmless. On success the entry is flagged persisted
// if it is still resident.
func (c *SeriesCache) persist(key, studyUID, seriesUID string, instances map[string]*dimse.Instance, cachedAt time.Time) {
	defer c.persistWG.Done()
	if c.persistCtx.Err() != nil {
		return
	}

	dir := c.seriesDir(studyUID, seriesUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		common.Logger.WithError(err).Error("failed to create cache directory")
		return
	}
	for sop, inst := range instances {
		if c.persistCtx.Err() != nil {
			return
		}
		if inst.Data == nil {
			continue
		}
		if err := dimse.WriteInstanceFile(filepath.Join(dir, sop+".dcm"), inst); err != nil {
			common.Logger.WithFields(logrus.Fields{
				"series": seriesUID,
				"sop":    sop,
				"error":  err,
			}).Error("failed to persist cached instance")
			return
		}
	}
	if err := writeMarker(dir, cachedAt); err != nil {
		common.Logger.WithError(err).Error("failed to write cache marker")
		return
	}

	c.mu.Lock()
	if entry, ok := c.memory.peek(key); ok {
		entry.DiskPersisted = true
	}
	c.mu.Unlock()
}

// ReadInstanceFromDisk loads a single instance without pulling the whole
// series into memory.
func (c *SeriesCache) ReadInstanceFromDisk(studyUID, seriesUID, sopInstanceUID string) (*dicom.DataSet, error) {
	path := filepath.Join(c.seriesDir(studyUID, seriesUID), sopInstanceUID+".dcm")
	ds, err := dicom.ReadDataSetFromFile(path, dicom.ReadOptions{})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("instance %s not on disk: %w", sopInstanceUID, common.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read instance %s: %v: %w", sopInstanceUID, err, common.ErrStorage)
	}
	return ds, nil
}

// Shutdown cancels pending disk writes, awaits them and clears both
// tiers and the lock table.
func (c *SeriesCache) Shutdown() {
	c.persistCancel()
	c.persistWG.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory.clear()
	c.locks = make(map[string]*sync.Mutex)
}

func readMarker(dir string) (time.Time, error) {
	raw, err := os.ReadFile(filepath.Join(dir, markerFile))
	if err != nil {
		return time.Time{}, fmt.Errorf("cache marker missing: %w", common.ErrNotFound)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad cache marker in %s: %w", dir, common.ErrStorage)
	}
	return time.Unix(0, int64(seconds*float64(time.Second))), nil
}

func writeMarker(dir string, cachedAt time.Time) error {
	body := strconv.FormatFloat(float64(cachedAt.UnixNano())/float64(time.Second), 'f', 6, 64)
	if err := os.WriteFile(filepath.Join(dir, markerFile), []byte(body), 0o644); err != nil {
		return fmt.Errorf("failed to write marker: %v: %w", err, common.ErrStorage)
	}
	return nil
}
