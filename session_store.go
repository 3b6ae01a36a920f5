package sandwich

import (
	"context"
	"time"

	csmap "github.com/mhmtszr/concurrent-swiss-map"
)

const (
	SessionStoreMemory = "memory"
	SessionStoreBolt   = "bolt"
	SessionStoreRedis  = "redis"
)

// SessionState is what a shard needs to resume after a restart.
type SessionState struct {
	UpdatedAt        time.Time `json:"updated_at"`
	SessionID        string    `json:"session_id"`
	ResumeGatewayURL string    `json:"resume_gateway_url"`
	Sequence         int64     `json:"sequence"`
	ShardID          int32     `json:"shard_id"`
	ShardCount       int32     `json:"shard_count"`
}

// Resumable reports whether the state holds enough to send a resume.
func (state SessionState) Resumable() bool {
	return state.SessionID != "" && state.Sequence > 0
}

// SessionStore persists shard sessions between process restarts. Load
// returns false when nothing is stored for the shard.
type SessionStore interface {
	Load(ctx context.Context, shardID, shardCount int32) (SessionState, bool, error)
	Save(ctx context.Context, state SessionState) error
	Delete(ctx context.Context, shardID, shardCount int32) error
}

type sessionKey struct {
	shardID    int32
	shardCount int32
}

// MemorySessionStore keeps sessions for the lifetime of the process. It lets
// a supervisor restarting a shard resume instead of identifying.
type MemorySessionStore struct {
	sessions *csmap.CsMap[sessionKey, SessionState]
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: csmap.Create(
			csmap.WithSize[sessionKey, SessionState](64),
		),
	}
}

func (store *MemorySessionStore) Load(_ context.Context, shardID, shardCount int32) (SessionState, bool, error) {
	state, ok := store.sessions.Load(sessionKey{shardID, shardCount})

	return state, ok, nil
}

func (store *MemorySessionStore) Save(_ context.Context, state SessionState) error {
	store.sessions.Store(sessionKey{state.ShardID, state.ShardCount}, state)

	return nil
}

func (store *MemorySessionStore) Delete(_ context.Context, shardID, shardCount int32) error {
	store.sessions.Delete(sessionKey{shardID, shardCount})

	return nil
}
