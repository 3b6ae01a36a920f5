package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	sandwich "github.com/WelcomerTeam/Sandwich-Gateway"
	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
	"github.com/go-redis/redis/v8"
)

// RedisSessionTTL bounds how long a session is kept. Discord drops sessions
// long before this.
const RedisSessionTTL = 15 * time.Minute

// RedisStore keeps sessions in redis so shards can be resumed by another
// process.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ sandwich.SessionStore = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, identifier string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "sandwich:" + identifier + ":session:",
	}
}

func (store *RedisStore) key(shardID, shardCount int32) string {
	return store.prefix + string(sessionKey(shardID, shardCount))
}

func (store *RedisStore) Load(ctx context.Context, shardID, shardCount int32) (sandwich.SessionState, bool, error) {
	value, err := store.client.Get(ctx, store.key(shardID, shardCount)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return sandwich.SessionState{}, false, nil
		}

		return sandwich.SessionState{}, false, fmt.Errorf("failed to load session: %w", err)
	}

	var state sandwich.SessionState

	err = sandwichjson.Unmarshal(value, &state)
	if err != nil {
		return sandwich.SessionState{}, false, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return state, true, nil
}

func (store *RedisStore) Save(ctx context.Context, state sandwich.SessionState) error {
	value, err := sandwichjson.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	err = store.client.Set(ctx, store.key(state.ShardID, state.ShardCount), value, RedisSessionTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

func (store *RedisStore) Delete(ctx context.Context, shardID, shardCount int32) error {
	err := store.client.Del(ctx, store.key(shardID, shardCount)).Err()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return nil
}
