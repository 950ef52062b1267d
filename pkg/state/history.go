// Package state persists the history of finished configure and generate
// operations in a BoltDB file inside the build tree.
package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/poltergeist/cmakectl/pkg/interfaces"
	"github.com/poltergeist/cmakectl/pkg/utils"
)

// bucketName is the BoltDB bucket holding operation records
const bucketName = "operations"

// History stores operation records keyed by start time
type History struct {
	db   *bbolt.DB
	path string
}

var _ interfaces.HistoryRecorder = (*History)(nil)

// Open opens or creates the history database at path
func Open(path string) (*History, error) {
	if err := utils.EnsureDirectory(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history bucket: %w", err)
	}

	return &History{db: db, path: path}, nil
}

// Path returns the database file location
func (h *History) Path() string {
	return h.path
}

// Close closes the history database
func (h *History) Close() error {
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

// Record stores a finished operation
func (h *History) Record(rec interfaces.OperationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	return h.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put(recordKey(rec), data)
	})
}

// List returns up to limit records, newest first. A limit of zero or less
// returns every record.
func (h *History) List(limit int) ([]interfaces.OperationRecord, error) {
	var records []interfaces.OperationRecord
	err := h.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketName)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec interfaces.OperationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt history record %s: %w", k, err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Count returns the number of stored records
func (h *History) Count() (int, error) {
	var count int
	err := h.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket([]byte(bucketName)).Stats().KeyN
		return nil
	})
	return count, err
}

// Clear removes every record
func (h *History) Clear() error {
	return h.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketName)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(bucketName))
		return err
	})
}

// recordKey sorts lexically by start time; the ID breaks ties
func recordKey(rec interfaces.OperationRecord) []byte {
	return []byte(fmt.Sprintf("%020d-%s", rec.Start.UnixNano(), rec.ID))
}
