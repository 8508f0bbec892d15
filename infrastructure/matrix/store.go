package matrix

import (
	goerrors "errors"
	"fmt"
	"log/slog"
	"matrix-client/domain"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

const syncStatePrefix = "sync:"

// SyncState is what a process needs to resume incremental sync.
type SyncState struct {
	NextBatch string               `cbor:"1,keyasint"`
	Rooms     []domain.RoomSummary `cbor:"2,keyasint,omitempty"`
}

// Store keeps the client's local state in badger, one entry per user.
type Store struct {
	db      *badger.DB
	encMode cbor.EncMode
}

// OpenStore opens the store at path. An empty path keeps everything in memory.
func OpenStore(path string, log *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(newBadgerLogger(log))
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening store at %q: %w", path, err)
	}

	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, encMode: encMode}, nil
}

// LoadSyncState returns the zero SyncState when nothing was saved for userID.
func (s *Store) LoadSyncState(userID string) (SyncState, error) {
	var state SyncState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(syncStatePrefix + userID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &state)
		})
	})
	if goerrors.Is(err, badger.ErrKeyNotFound) {
		return SyncState{}, nil
	}
	if err != nil {
		return SyncState{}, fmt.Errorf("loading sync state of %s: %w", userID, err)
	}
	return state, nil
}

func (s *Store) SaveSyncState(userID string, state SyncState) error {
	data, err := s.encMode.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(syncStatePrefix+userID), data)
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}
