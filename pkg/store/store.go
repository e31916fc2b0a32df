// Package store persists engine snapshots in a luxfi/database key-value
// store, one snapshot per committed height.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/log"

	"github.com/luxfi/perp/pkg/lx"
)

// ErrNoState is returned when nothing has been committed yet.
var ErrNoState = errors.New("no committed state")

var (
	snapshotPrefix = []byte("snapshot")
	rootPrefix     = []byte("root")
	noncePrefix    = []byte("nonce")
	headKey        = []byte("head")
)

// Store implements lx.Committer.
type Store struct {
	db        database.Database
	snapshots database.Database
	roots     database.Database
	nonces    database.Database
	retain    uint64
	log       log.Logger
}

var _ lx.Committer = (*Store)(nil)

// New wraps db. Only the latest retain snapshots are kept; zero keeps all.
// State roots are kept for every height.
func New(db database.Database, retain uint64, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Root().New("module", "store")
	}
	return &Store{
		db:        db,
		snapshots: prefixdb.New(snapshotPrefix, db),
		roots:     prefixdb.New(rootPrefix, db),
		nonces:    prefixdb.New(noncePrefix, db),
		retain:    retain,
		log:       logger,
	}
}

// Open creates the backing database under dataDir, falling back to memory
// if the on-disk backend cannot be opened.
func Open(dataDir, backend, namespace string, logger log.Logger) (database.Database, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbManager := manager.NewManager(dataDir, nil)

	if backend == "memory" {
		return dbManager.New(manager.DefaultMemoryConfig())
	}
	dbConfig := manager.DefaultBadgerDBConfig(backend)
	dbConfig.Namespace = namespace
	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("failed to open database, using memory", "path", filepath.Join(dataDir, backend), "error", err)
		return dbManager.New(manager.DefaultMemoryConfig())
	}
	logger.Info("database opened", "path", filepath.Join(dataDir, backend))
	return db, nil
}

// Commit stores snap as the state at height and advances the head.
func (s *Store) Commit(height uint64, snap *lx.Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return err
	}
	root, err := snap.Root()
	if err != nil {
		return err
	}
	key := encodeUint64(height)

	// prefixdb batches are independent, so write the snapshot and root
	// first and only then move the head.
	batch := s.snapshots.NewBatch()
	defer batch.Reset()
	if err := batch.Put(key, data); err != nil {
		return err
	}
	if s.retain > 0 && height > s.retain {
		if err := batch.Delete(encodeUint64(height - s.retain)); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("write snapshot %d: %w", height, err)
	}
	if err := s.roots.Put(key, root.Bytes()); err != nil {
		return fmt.Errorf("write root %d: %w", height, err)
	}
	if err := s.db.Put(headKey, key); err != nil {
		return fmt.Errorf("write head %d: %w", height, err)
	}

	s.log.Debug("state committed", "height", height, "root", root.Hex(), "bytes", len(data))
	return nil
}

// Head returns the latest committed height.
func (s *Store) Head() (uint64, error) {
	val, err := s.db.Get(headKey)
	if err == database.ErrNotFound {
		return 0, ErrNoState
	}
	if err != nil {
		return 0, err
	}
	return decodeUint64(val)
}

// Latest loads the snapshot at the head.
func (s *Store) Latest() (*lx.Snapshot, error) {
	height, err := s.Head()
	if err != nil {
		return nil, err
	}
	return s.At(height)
}

// At loads the snapshot committed at height.
func (s *Store) At(height uint64) (*lx.Snapshot, error) {
	data, err := s.snapshots.Get(encodeUint64(height))
	if err == database.ErrNotFound {
		return nil, fmt.Errorf("snapshot %d: %w", height, ErrNoState)
	}
	if err != nil {
		return nil, err
	}
	return lx.DecodeSnapshot(data)
}

// RootAt returns the state root committed at height.
func (s *Store) RootAt(height uint64) (common.Hash, error) {
	val, err := s.roots.Get(encodeUint64(height))
	if err == database.ErrNotFound {
		return common.Hash{}, fmt.Errorf("root %d: %w", height, ErrNoState)
	}
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(val), nil
}

// LastNonce returns the last request nonce accepted from account.
func (s *Store) LastNonce(account common.Address) (uint64, bool, error) {
	val, err := s.nonces.Get(account.Bytes())
	if err == database.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	nonce, err := decodeUint64(val)
	if err != nil {
		return 0, false, err
	}
	return nonce, true, nil
}

// SetNonce records nonce as the last one accepted from account.
func (s *Store) SetNonce(account common.Address, nonce uint64) error {
	return s.nonces.Put(account.Bytes(), encodeUint64(nonce))
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeUint64(h uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, h)
	return b
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid uint64 encoding of %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
