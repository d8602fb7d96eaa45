package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Usage is the on-disk footprint of the caption history.
type Usage struct {
	Database     int64 `json:"database_bytes"`
	KeywordIndex int64 `json:"keyword_index_bytes"`
	VectorIndex  int64 `json:"vector_index_bytes"`
	Total        int64 `json:"total_bytes"`
}

// HistoryUsage measures the database (including its WAL and shared-memory files), the keyword
// index directory, and the vector index file. Missing paths count as zero.
func HistoryUsage(dbPath, keywordPath, vectorPath string) (Usage, error) {
	var u Usage
	var err error
	if u.Database, err = DiskUsageBytes(dbPath, dbPath+"-wal", dbPath+"-shm"); err != nil {
		return u, err
	}
	if u.KeywordIndex, err = DiskUsageBytes(keywordPath); err != nil {
		return u, err
	}
	if u.VectorIndex, err = DiskUsageBytes(vectorPath); err != nil {
		return u, err
	}
	u.Total = u.Database + u.KeywordIndex + u.VectorIndex
	return u, nil
}

// DiskUsageBytes returns the total size in bytes of the given paths.
// Directories are summed recursively; empty and missing paths contribute 0.
func DiskUsageBytes(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if !info.IsDir() {
			total += info.Size()
			continue
		}
		err = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}
