package sandwich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

var (
	StandardIdentifyLimit = 5 * time.Second
	IdentifyRetry         = 5 * time.Second
	IdentifyRateLimit     = StandardIdentifyLimit + (time.Millisecond * 500)
)

// IdentifyRequest describes the shard waiting to identify.
type IdentifyRequest struct {
	Token          string
	ShardID        int32
	ShardCount     int32
	MaxConcurrency int32
}

// IdentifyProvider gates identifies so that no two shards sharing an identify
// bucket identify within the same window.
type IdentifyProvider interface {
	Identify(ctx context.Context, request IdentifyRequest) error
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))

	return hex.EncodeToString(sum[:])
}

// identifyBucket returns which of the max concurrency buckets a shard identifies in.
func identifyBucket(shardID, maxConcurrency int32) int32 {
	if maxConcurrency <= 1 {
		return 0
	}

	return shardID % maxConcurrency
}
