// Package metadata persists client-side sync metadata: file actions
// scheduled by error recovery (delete, back-up-then-delete) and the
// per-file sync progress cursor used to resume an interrupted session.
package metadata

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Acidburn0zzz/realm-core/internal/protocol"
)

const (
	// storeDirPerm is the permission mode for the metadata directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the metadata database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	fileActionsBucket = []byte("file_actions")
	progressBucket    = []byte("progress")
)

// Action tells the host application what to do with a local database
// file once every session on it has terminated.
type Action int

const (
	// ActionDeleteRealm deletes the file outright.
	ActionDeleteRealm Action = iota

	// ActionBackUpThenDeleteRealm copies the file to RecoveryPath
	// before deleting it, preserving unsynced changes for manual
	// recovery.
	ActionBackUpThenDeleteRealm
)

// FileAction is one scheduled disposition of a local database file.
type FileAction struct {
	OriginalPath   string `json:"original_path"`
	RecoveryPath   string `json:"recovery_path,omitempty"`
	PartitionValue string `json:"partition_value"`
	UserIdentity   string `json:"user_identity,omitempty"`
	Action         Action `json:"action"`
}

// Store wraps a bbolt database holding all persistent sync metadata.
type Store struct {
	db *bolt.DB
}

// LoadAt opens a metadata database at the given path, creating it and
// its parent directory if they do not exist.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening metadata db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(fileActionsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(progressBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing metadata db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put persists a file action, keyed by the original file path. A
// second action for the same path replaces the first.
func (s *Store) Put(action FileAction) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(action)
		if err != nil {
			return err
		}

		return tx.Bucket(fileActionsBucket).Put([]byte(action.OriginalPath), data)
	})
}

// Get returns the pending file action for a path, or nil if none is
// scheduled.
func (s *Store) Get(originalPath string) (*FileAction, error) {
	var action *FileAction

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(fileActionsBucket).Get([]byte(originalPath))
		if v == nil {
			return nil
		}

		action = &FileAction{}

		return json.Unmarshal(v, action)
	})

	return action, err
}

// Delete removes the pending file action for a path. Removing an
// absent action is not an error.
func (s *Store) Delete(originalPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(fileActionsBucket).Delete([]byte(originalPath))
	})
}

// All returns every pending file action, keyed by original path.
func (s *Store) All() (map[string]FileAction, error) {
	result := make(map[string]FileAction)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(fileActionsBucket).ForEach(func(k, v []byte) error {
			var action FileAction
			if err := json.Unmarshal(v, &action); err != nil {
				return err
			}

			result[string(k)] = action

			return nil
		})
	})

	return result, err
}

// SetProgress persists the sync progress cursor for a local file, so a
// later session can resume from it instead of re-identifying from
// scratch.
func (s *Store) SetProgress(path string, progress protocol.SyncProgress) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(progress)
		if err != nil {
			return err
		}

		return tx.Bucket(progressBucket).Put([]byte(path), data)
	})
}

// GetProgress returns the stored sync progress cursor for a local
// file, or a zero cursor when none was persisted.
func (s *Store) GetProgress(path string) (protocol.SyncProgress, error) {
	var progress protocol.SyncProgress

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(progressBucket).Get([]byte(path))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &progress)
	})

	return progress, err
}

// DeleteProgress removes the stored cursor for a local file.
func (s *Store) DeleteProgress(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(progressBucket).Delete([]byte(path))
	})
}
