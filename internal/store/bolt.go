package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketIndex   = []byte("records_by_type")
	bucketKeys    = []byte("record_keys")
)

// BoltStore implements Records and KeyedCreator using BoltDB
type BoltStore struct {
	db *bolt.DB
}

var (
	_ Records      = (*BoltStore)(nil)
	_ KeyedCreator = (*BoltStore)(nil)
)

// Open opens (or creates) a BoltDB file
func Open(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketIndex, bucketKeys} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Create stores a new record
func (s *BoltStore) Create(ctx context.Context, recType string, props map[string]any) (*Record, error) {
	var rec *Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		rec, err = s.create(tx, recType, "", props)
		return err
	})
	return rec, err
}

// CreateWithKey returns the record holding key or creates a new one in the
// same transaction, so concurrent callers converge on one record
func (s *BoltStore) CreateWithKey(ctx context.Context, recType, key string, props map[string]any) (*Record, bool, error) {
	var rec *Record
	created := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		if id := tx.Bucket(bucketKeys).Get([]byte(key)); id != nil {
			existing, err := getRecord(tx, string(id))
			if err != nil {
				return err
			}
			if existing != nil {
				rec = existing
				return nil
			}
			// Dangling key, fall through and recreate
		}

		var err error
		rec, err = s.create(tx, recType, key, props)
		if err != nil {
			return err
		}
		created = true
		return tx.Bucket(bucketKeys).Put([]byte(key), []byte(rec.ID))
	})

	return rec, created, err
}

// GetByKey returns the record holding key
func (s *BoltStore) GetByKey(ctx context.Context, key string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketKeys).Get([]byte(key))
		if id == nil {
			return nil
		}
		var err error
		rec, err = getRecord(tx, string(id))
		return err
	})
	return rec, err
}

// Get retrieves a record by ID
func (s *BoltStore) Get(ctx context.Context, id string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, id)
		return err
	})
	return rec, err
}

// UpdateProps merges props into an existing record
func (s *BoltStore) UpdateProps(ctx context.Context, id string, props map[string]any) (*Record, error) {
	var rec *Record

	err := s.db.Update(func(tx *bolt.Tx) error {
		existing, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("record not found: %s", id)
		}

		if existing.Props == nil {
			existing.Props = make(map[string]json.RawMessage)
		}
		for k, v := range props {
			if v == nil {
				delete(existing.Props, k)
				continue
			}
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("failed to encode property %s: %w", k, err)
			}
			existing.Props[k] = data
		}
		existing.UpdatedAt = time.Now()

		if err := putRecord(tx, existing); err != nil {
			return err
		}
		rec = existing
		return nil
	})

	return rec, err
}

// Delete removes a record and its index entries
func (s *BoltStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}

		if seq, err := strconv.ParseUint(rec.ID, 10, 64); err == nil {
			if err := tx.Bucket(bucketIndex).Delete(makeIndexKey(rec.Type, seq)); err != nil {
				return fmt.Errorf("failed to delete index entry: %w", err)
			}
		}
		if rec.Key != "" {
			if err := tx.Bucket(bucketKeys).Delete([]byte(rec.Key)); err != nil {
				return fmt.Errorf("failed to delete key %s: %w", rec.Key, err)
			}
		}

		return tx.Bucket(bucketRecords).Delete([]byte(id))
	})
}

// QueryByType returns records of the given type in creation order
func (s *BoltStore) QueryByType(ctx context.Context, recType string, q Query) ([]*Record, error) {
	var records []*Record

	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(recType + ":")
		c := tx.Bucket(bucketIndex).Cursor()

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rec, err := getRecord(tx, string(v))
			if err != nil {
				continue
			}
			if rec == nil {
				continue
			}

			records = append(records, rec)

			if q.Limit > 0 && len(records) >= q.Limit {
				break
			}
		}
		return nil
	})

	return records, err
}

// Count returns the number of records of a type
func (s *BoltStore) Count(ctx context.Context, recType string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(recType + ":")
		c := tx.Bucket(bucketIndex).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

func (s *BoltStore) create(tx *bolt.Tx, recType, key string, props map[string]any) (*Record, error) {
	encoded, err := encodeProps(props)
	if err != nil {
		return nil, err
	}

	recBucket := tx.Bucket(bucketRecords)
	seq, err := recBucket.NextSequence()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate id: %w", err)
	}

	now := time.Now()
	rec := &Record{
		ID:        strconv.FormatUint(seq, 10),
		Type:      recType,
		Key:       key,
		Props:     encoded,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := putRecord(tx, rec); err != nil {
		return nil, err
	}

	if err := tx.Bucket(bucketIndex).Put(makeIndexKey(recType, seq), []byte(rec.ID)); err != nil {
		return nil, fmt.Errorf("failed to add to type index: %w", err)
	}

	return rec, nil
}

func getRecord(tx *bolt.Tx, id string) (*Record, error) {
	data := tx.Bucket(bucketRecords).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	rec := &Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s: %w", id, err)
	}
	return rec, nil
}

func putRecord(tx *bolt.Tx, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := tx.Bucket(bucketRecords).Put([]byte(rec.ID), data); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

// makeIndexKey creates a key sortable by creation order within a type
func makeIndexKey(recType string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s:%020d", recType, seq))
}
