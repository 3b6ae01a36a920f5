package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	sandwich "github.com/WelcomerTeam/Sandwich-Gateway"
	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
	bolt "go.etcd.io/bbolt"
)

const BoltOpenTimeout = time.Second

var boltSessionsBucket = []byte("sessions")

var ErrMissingPath = errors.New("session store path is required")

// BoltStore keeps sessions in a bolt database file, so a restarted process
// can resume its shards.
type BoltStore struct {
	db *bolt.DB
}

var _ sandwich.SessionStore = (*BoltStore)(nil)

func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, ErrMissingPath
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: BoltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltSessionsBucket)

		return err
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create sessions bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (store *BoltStore) Load(_ context.Context, shardID, shardCount int32) (sandwich.SessionState, bool, error) {
	var state sandwich.SessionState

	var found bool

	err := store.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(boltSessionsBucket).Get(sessionKey(shardID, shardCount))
		if value == nil {
			return nil
		}

		found = true

		return sandwichjson.Unmarshal(value, &state)
	})
	if err != nil {
		return sandwich.SessionState{}, false, fmt.Errorf("failed to load session: %w", err)
	}

	return state, found, nil
}

func (store *BoltStore) Save(_ context.Context, state sandwich.SessionState) error {
	value, err := sandwichjson.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	err = store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltSessionsBucket).Put(sessionKey(state.ShardID, state.ShardCount), value)
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

func (store *BoltStore) Delete(_ context.Context, shardID, shardCount int32) error {
	err := store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltSessionsBucket).Delete(sessionKey(shardID, shardCount))
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return nil
}

func (store *BoltStore) Close() error {
	return store.db.Close()
}

func sessionKey(shardID, shardCount int32) []byte {
	return []byte(fmt.Sprintf("%d:%d", shardCount, shardID))
}
