package slashtags

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

// Store is the replicated persistence collaborator underlying drives.
// Values are organized per drive key; Snapshot and Merge carry the
// replication exchange with last-writer-wins resolution per path.
type Store interface {
	Ensure(ctx context.Context) error
	Get(ctx context.Context, driveKey []byte, path string) ([]byte, bool, error)
	Put(ctx context.Context, driveKey []byte, path string, value []byte, now time.Time) error
	Snapshot(ctx context.Context) (StoreSnapshot, error)
	Merge(ctx context.Context, snap StoreSnapshot) (int, error)
	Close() error
}

type StoreSnapshot struct {
	Version int            `json:"version"`
	Drives  []DriveRecords `json:"drives"`
}

type DriveRecords struct {
	DriveKey string   `json:"drive_key"`
	Records  []Record `json:"records"`
}

type Record struct {
	Path      string    `json:"path"`
	ValueB64  string    `json:"value_base64"`
	UpdatedAt time.Time `json:"updated_at"`
}

func encodeRecordValue(value []byte) string {
	return base64.RawURLEncoding.EncodeToString(value)
}

func decodeRecordValue(encoded string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(encoded)
}

// MemoryStore keeps drive records in process memory. It backs tests
// and identities constructed without a storage directory.
type MemoryStore struct {
	mu     sync.Mutex
	drives map[string]map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drives: map[string]map[string]Record{}}
}

func (s *MemoryStore) Ensure(ctx context.Context) error {
	return ctxErr(ctx)
}

func (s *MemoryStore) Get(ctx context.Context, driveKey []byte, path string) ([]byte, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.drives[hex.EncodeToString(driveKey)][path]
	if !ok {
		return nil, false, nil
	}
	value, err := decodeRecordValue(record.ValueB64)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *MemoryStore) Put(ctx context.Context, driveKey []byte, path string, value []byte, now time.Time) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := hex.EncodeToString(driveKey)
	if s.drives[key] == nil {
		s.drives[key] = map[string]Record{}
	}
	s.drives[key][path] = Record{Path: path, ValueB64: encodeRecordValue(value), UpdatedAt: normalizedNow(now)}
	return nil
}

func (s *MemoryStore) Snapshot(ctx context.Context) (StoreSnapshot, error) {
	if err := ctxErr(ctx); err != nil {
		return StoreSnapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshotOf(s.drives), nil
}

func (s *MemoryStore) Merge(ctx context.Context, snap StoreSnapshot) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return mergeInto(s.drives, snap), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func snapshotOf(drives map[string]map[string]Record) StoreSnapshot {
	snap := StoreSnapshot{Version: storeFileVersion, Drives: make([]DriveRecords, 0, len(drives))}
	driveKeys := make([]string, 0, len(drives))
	for key := range drives {
		driveKeys = append(driveKeys, key)
	}
	sort.Strings(driveKeys)
	for _, key := range driveKeys {
		records := make([]Record, 0, len(drives[key]))
		for _, record := range drives[key] {
			records = append(records, record)
		}
		sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
		snap.Drives = append(snap.Drives, DriveRecords{DriveKey: key, Records: records})
	}
	return snap
}

// mergeInto applies snap with last-writer-wins per (drive, path) and
// reports how many records changed.
func mergeInto(drives map[string]map[string]Record, snap StoreSnapshot) int {
	applied := 0
	for _, dr := range snap.Drives {
		if dr.DriveKey == "" {
			continue
		}
		for _, record := range dr.Records {
			if record.Path == "" {
				continue
			}
			existing, ok := drives[dr.DriveKey][record.Path]
			if ok && !record.UpdatedAt.After(existing.UpdatedAt) {
				continue
			}
			if drives[dr.DriveKey] == nil {
				drives[dr.DriveKey] = map[string]Record{}
			}
			drives[dr.DriveKey][record.Path] = record
			applied++
		}
	}
	return applied
}

func normalizedNow(now time.Time) time.Time {
	if now.IsZero() {
		now = time.Now()
	}
	return now.UTC()
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
