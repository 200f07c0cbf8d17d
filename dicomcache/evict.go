package dicomcache

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clarinet-dicom/clarinet/common"
)

// diskSeries is one series directory found on disk during a sweep.
type diskSeries struct {
	dir      string
	studyDir string
	cachedAt time.Time
	size     int64
}

// scanDisk enumerates every series directory under the cache root with
// its marker time and total size. Directories without a readable marker
// get a zero time so they sort first for eviction.
func (c *SeriesCache) scanDisk() ([]diskSeries, error) {
	studies, err := os.ReadDir(c.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var all []diskSeries
	for _, study := range studies {
		if !study.IsDir() {
			continue
		}
		studyDir := filepath.Join(c.baseDir, study.Name())
		series, err := os.ReadDir(studyDir)
		if err != nil {
			continue
		}
		for _, ser := range series {
			if !ser.IsDir() {
				continue
			}
			dir := filepath.Join(studyDir, ser.Name())
			entry := diskSeries{dir: dir, studyDir: studyDir}
			if cachedAt, err := readMarker(dir); err == nil {
				entry.cachedAt = cachedAt
			}
			filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
				if err != nil || d.IsDir() {
					return nil
				}
				if info, err := d.Info(); err == nil {
					entry.size += info.Size()
				}
				return nil
			})
			all = append(all, entry)
		}
	}
	return all, nil
}

// removeSeries deletes one series directory and its parent study
// directory when that became empty.
func (c *SeriesCache) removeSeries(s diskSeries) {
	if err := os.RemoveAll(s.dir); err != nil {
		common.Logger.WithError(err).Warn("failed to remove cache series directory")
		return
	}
	if remaining, err := os.ReadDir(s.studyDir); err == nil && len(remaining) == 0 {
		if err := os.Remove(s.studyDir); err != nil {
			common.Logger.WithError(err).Warn("failed to remove empty cache study directory")
		}
	}
}

// EvictExpired removes every series whose marker is older than the disk
// TTL, then empty study directories. Running it twice in a row removes
// nothing the second time.
func (c *SeriesCache) EvictExpired() (int, error) {
	all, err := c.scanDisk()
	if err != nil {
		return 0, err
	}
	ttl := time.Duration(c.cfg.TTLHours) * time.Hour
	now := time.Now()

	removed := 0
	for _, s := range all {
		if now.Sub(s.cachedAt) > ttl {
			c.removeSeries(s)
			removed++
		}
	}
	if removed > 0 {
		common.Logger.WithFields(logrus.Fields{"removed": removed}).Info("evicted expired cache series")
	}
	return removed, nil
}

// EvictBySize removes series in ascending marker order until the tree is
// under the configured size cap.
func (c *SeriesCache) EvictBySize() (int, error) {
	all, err := c.scanDisk()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, s := range all {
		total += s.size
	}
	limit := int64(c.cfg.MaxSizeGB * float64(1<<30))
	if limit <= 0 || total <= limit {
		return 0, nil
	}

	sort.Slice(all, func(i, j int) bool { return all[i].cachedAt.Before(all[j].cachedAt) })

	removed := 0
	for _, s := range all {
		if total <= limit {
			break
		}
		c.removeSeries(s)
		total -= s.size
		removed++
	}
	common.Logger.WithFields(logrus.Fields{
		"removed":         removed,
		"remaining_bytes": total,
	}).Info("evicted cache series over the size cap")
	return removed, nil
}

// CleanupPass is the sweeper body: expiry first, then the size cap.
func (c *SeriesCache) CleanupPass(ctx context.Context) error {
	if _, err := c.EvictExpired(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	_, err := c.EvictBySize()
	return err
}
