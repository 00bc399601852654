package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/sequoia/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketEvents       = []byte("events")
	bucketEventsByTime = []byte("events_by_time")
	bucketSnapshots    = []byte("snapshots")
	bucketGuildColors  = []byte("guild_colors")
)

// BoltStore implements Log on a single BoltDB file
type BoltStore struct {
	db *bolt.DB
	mu sync.Mutex // serializes Append and Import
}

// NewBoltStore opens (or creates) <dataDir>/sequoia.db
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return OpenBolt(filepath.Join(dataDir, "sequoia.db"))
}

// OpenBolt opens the database at path
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEvents, bucketEventsByTime, bucketSnapshots, bucketGuildColors} {
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

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is still open
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEvents) == nil {
			return fmt.Errorf("bucket %s missing", bucketEvents)
		}
		return nil
	})
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func timeKey(t time.Time, seq uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(t.UnixNano()))
	binary.BigEndian.PutUint64(k[8:], seq)
	return k
}

func lastEvent(b *bolt.Bucket) (types.OwnershipEvent, bool, error) {
	k, v := b.Cursor().Last()
	if k == nil {
		return types.OwnershipEvent{}, false, nil
	}
	var ev types.OwnershipEvent
	if err := json.Unmarshal(v, &ev); err != nil {
		return ev, false, fmt.Errorf("decode event %d: %w", binary.BigEndian.Uint64(k), err)
	}
	return ev, true, nil
}

func putEvent(tx *bolt.Tx, ev types.OwnershipEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketEvents).Put(seqKey(ev.Sequence), data); err != nil {
		return err
	}
	return tx.Bucket(bucketEventsByTime).Put(timeKey(ev.RecordedAt, ev.Sequence), nil)
}

// Append implements Log
func (s *BoltStore) Append(ctx context.Context, events []types.OwnershipEvent, recordedAt time.Time) ([]types.OwnershipEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.OwnershipEvent
	err := s.db.Update(func(tx *bolt.Tx) error {
		last, ok, err := lastEvent(tx.Bucket(bucketEvents))
		if err != nil {
			return err
		}
		var lastSeq uint64
		var lastRecorded time.Time
		if ok {
			lastSeq, lastRecorded = last.Sequence, last.RecordedAt
		}

		out, err = assign(events, lastSeq, lastRecorded, recordedAt)
		if err != nil {
			return err
		}
		for _, ev := range out {
			if err := putEvent(tx, ev); err != nil {
				return fmt.Errorf("put event %d: %w", ev.Sequence, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EventsAfter implements Log
func (s *BoltStore) EventsAfter(ctx context.Context, after uint64, limit int) ([]types.OwnershipEvent, error) {
	var events []types.OwnershipEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(seqKey(after + 1)); k != nil && len(events) < limit; k, v = c.Next() {
			var ev types.OwnershipEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.Sequence <= after {
				continue
			}
			events = append(events, ev)
		}
		return nil
	})
	return events, err
}

// Scan implements Log
func (s *BoltStore) Scan(ctx context.Context, after, upTo uint64, fn func(types.OwnershipEvent) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(seqKey(after + 1)); k != nil; k, v = c.Next() {
			if binary.BigEndian.Uint64(k) > upTo {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			var ev types.OwnershipEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// Bounds implements Log
func (s *BoltStore) Bounds(ctx context.Context) (types.Bounds, error) {
	var bounds types.Bounds
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		k, v := c.First()
		if k == nil {
			bounds.Empty = true
			return nil
		}
		var first, last types.OwnershipEvent
		if err := json.Unmarshal(v, &first); err != nil {
			return err
		}
		_, v = c.Last()
		if err := json.Unmarshal(v, &last); err != nil {
			return err
		}
		bounds.MinSeq, bounds.MinTime = first.Sequence, first.RecordedAt
		bounds.MaxSeq, bounds.MaxTime = last.Sequence, last.RecordedAt
		bounds.EventCount = uint64(b.Stats().KeyN)
		return nil
	})
	return bounds, err
}

// SequenceAt implements Log
func (s *BoltStore) SequenceAt(ctx context.Context, t time.Time) (uint64, bool, error) {
	var seq uint64
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEventsByTime).Cursor()
		// first key strictly after t, then step back one
		k, _ := c.Seek(timeKey(t.Add(time.Nanosecond), 0))
		if k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}
		if k == nil {
			return nil
		}
		if int64(binary.BigEndian.Uint64(k[:8])) > t.UnixNano() {
			return nil
		}
		seq, found = binary.BigEndian.Uint64(k[8:]), true
		return nil
	})
	return seq, found, err
}

// Import implements Log
func (s *BoltStore) Import(ctx context.Context, events []types.OwnershipEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		last, _, err := lastEvent(b)
		if err != nil {
			return err
		}
		lastSeq := last.Sequence

		for _, ev := range events {
			var existing *types.OwnershipEvent
			if data := b.Get(seqKey(ev.Sequence)); data != nil {
				var cur types.OwnershipEvent
				if err := json.Unmarshal(data, &cur); err != nil {
					return err
				}
				existing = &cur
			}
			insert, err := checkImport(ev, existing, lastSeq)
			if err != nil {
				return err
			}
			if !insert {
				continue
			}
			if err := putEvent(tx, ev); err != nil {
				return err
			}
			lastSeq = ev.Sequence
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// SaveSnapshot implements SnapshotStore. Saving the same watermark twice
// keeps the first copy.
func (s *BoltStore) SaveSnapshot(ctx context.Context, snap types.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		key := seqKey(snap.Watermark)
		if b.Get(key) != nil {
			return nil
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// LatestSnapshot implements SnapshotStore
func (s *BoltStore) LatestSnapshot(ctx context.Context, atOrBefore uint64) (types.Snapshot, bool, error) {
	var snap types.Snapshot
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		target := seqKey(atOrBefore)
		k, v := c.Seek(target)
		if k == nil || !bytes.Equal(k, target) {
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}
		if k == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &snap)
	})
	return snap, found, err
}

// SaveGuildColors implements ColorStore
func (s *BoltStore) SaveGuildColors(ctx context.Context, colors map[string]types.RGB) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGuildColors)
		for name, color := range colors {
			data, err := json.Marshal(color)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(name), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadGuildColors implements ColorStore
func (s *BoltStore) LoadGuildColors(ctx context.Context) (map[string]types.RGB, error) {
	colors := make(map[string]types.RGB)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGuildColors).ForEach(func(k, v []byte) error {
			var c types.RGB
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			colors[string(k)] = c
			return nil
		})
	})
	return colors, err
}
