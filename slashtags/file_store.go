package slashtags

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dzdidi/slashtags/internal/fsstore"
)

// FileStore persists drive records as a versioned JSON document under
// a state directory, written atomically on every mutation.
type FileStore struct {
	root string

	mu     sync.Mutex
	loaded bool
	drives map[string]map[string]Record
}

type drivesFile struct {
	Version int            `json:"version"`
	Drives  []DriveRecords `json:"drives"`
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: strings.TrimSpace(root)}
}

func (s *FileStore) Ensure(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fsstore.EnsureDir(s.root); err != nil {
		return err
	}
	return s.loadLocked()
}

func (s *FileStore) Get(ctx context.Context, driveKey []byte, path string) ([]byte, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, false, err
	}
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

func (s *FileStore) Put(ctx context.Context, driveKey []byte, path string, value []byte, now time.Time) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	key := hex.EncodeToString(driveKey)
	if s.drives[key] == nil {
		s.drives[key] = map[string]Record{}
	}
	s.drives[key][path] = Record{Path: path, ValueB64: encodeRecordValue(value), UpdatedAt: normalizedNow(now)}
	return s.saveLocked()
}

func (s *FileStore) Snapshot(ctx context.Context) (StoreSnapshot, error) {
	if err := ctxErr(ctx); err != nil {
		return StoreSnapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return StoreSnapshot{}, err
	}
	return snapshotOf(s.drives), nil
}

func (s *FileStore) Merge(ctx context.Context, snap StoreSnapshot) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return 0, err
	}
	applied := mergeInto(s.drives, snap)
	if applied == 0 {
		return 0, nil
	}
	if err := s.saveLocked(); err != nil {
		return applied, err
	}
	return applied, nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) drivesPath() string {
	return filepath.Join(s.root, "drives.json")
}

func (s *FileStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	var file drivesFile
	ok, err := fsstore.ReadJSON(s.drivesPath(), &file)
	if err != nil {
		return err
	}
	s.drives = map[string]map[string]Record{}
	if ok {
		mergeInto(s.drives, StoreSnapshot{Version: file.Version, Drives: file.Drives})
	}
	s.loaded = true
	return nil
}

func (s *FileStore) saveLocked() error {
	snap := snapshotOf(s.drives)
	file := drivesFile{Version: storeFileVersion, Drives: snap.Drives}
	return fsstore.WriteJSONAtomic(s.drivesPath(), file)
}
