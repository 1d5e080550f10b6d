// Package ledger persists the supervisor's crash/recovery history in
// a bbolt database, the same embedded-storage library the teacher
// codebase uses for its cluster state store, repurposed here to a
// single append-mostly bucket of crash records that survives restarts
// (a record is rewritten once, when its recovery time is stamped).
//
// The supervisor reads the ledger at boot (to log how many prior
// crash cycles this data directory has seen) and appends to it every
// time the reaper (pkg/supervisor's C8) enters CrashRecovery.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCrashes = []byte("crash_recovery")

const fileName = "warden.ledger"

// CrashRecord describes one crash-recovery cycle: the worker or
// auxiliary whose death triggered it, why, when it began, and — once
// known — when the supervisor returned to Running.
type CrashRecord struct {
	ID          uint64     `json:"id"`
	OccurredAt  time.Time  `json:"occurred_at"`
	Cause       string     `json:"cause"`
	WorkerID    uint32     `json:"worker_id"`
	RecoveredAt *time.Time `json:"recovered_at,omitempty"`
}

// Ledger is a bbolt-backed, append-mostly log of CrashRecord entries.
type Ledger struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the ledger database rooted at
// dataDir.
func Open(dataDir string) (*Ledger, error) {
	db, err := bolt.Open(filepath.Join(dataDir, fileName), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCrashes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init bucket: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordCrash appends a new, not-yet-recovered crash record and
// returns its id.
func (l *Ledger) RecordCrash(cause string, workerID uint32) (uint64, error) {
	var id uint64

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCrashes)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq

		rec := CrashRecord{
			ID:         id,
			OccurredAt: time.Now(),
			Cause:      cause,
			WorkerID:   workerID,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(keyFor(id), data)
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: record crash: %w", err)
	}
	return id, nil
}

// RecordRecovered stamps the crash record identified by id with the
// current time as its recovery time.
func (l *Ledger) RecordRecovered(id uint64) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCrashes)

		data := b.Get(keyFor(id))
		if data == nil {
			return fmt.Errorf("ledger: no crash record %d", id)
		}

		var rec CrashRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		now := time.Now()
		rec.RecoveredAt = &now

		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(keyFor(id), out)
	})
}

// Count returns the total number of crash-recovery cycles ever
// recorded in this ledger.
func (l *Ledger) Count() (int, error) {
	var n int
	err := l.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketCrashes).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	return n, nil
}

// Recent returns up to n of the most recently recorded crash records,
// newest first.
func (l *Ledger) Recent(n int) ([]CrashRecord, error) {
	var out []CrashRecord

	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCrashes).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var rec CrashRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: recent: %w", err)
	}
	return out, nil
}

func keyFor(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}
