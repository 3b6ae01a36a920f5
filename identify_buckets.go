package sandwich

import (
	"context"
	"fmt"
	"time"

	"github.com/WelcomerTeam/RealRock/bucketstore"
)

// IdentifyViaBuckets is a bare minimum identify provider that uses buckets to identify shards.
// This will work for most use cases, but it's not the most efficient way to identify shards when dealing with multiple processes.
type IdentifyViaBuckets struct {
	bucketStore *bucketstore.BucketStore
	window      time.Duration
}

// NewIdentifyViaBuckets creates a provider allowing one identify per bucket
// per window. A zero window uses IdentifyRateLimit.
func NewIdentifyViaBuckets(window time.Duration) *IdentifyViaBuckets {
	if window <= 0 {
		window = IdentifyRateLimit
	}

	return &IdentifyViaBuckets{
		bucketStore: bucketstore.NewBucketStore(),
		window:      window,
	}
}

func (i *IdentifyViaBuckets) Identify(ctx context.Context, request IdentifyRequest) error {
	bucketName := fmt.Sprintf(
		"identify:%s:%d",
		tokenHash(request.Token),
		identifyBucket(request.ShardID, request.MaxConcurrency),
	)

	waited := make(chan error, 1)

	// The bucket store cannot be cancelled, so the wait runs on its own
	// goroutine. A slot taken after ctx is done is left to expire.
	go func() {
		waited <- i.bucketStore.CreateWaitForBucket(bucketName, 1, i.window)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-waited:
		if err != nil {
			return fmt.Errorf("failed to wait for bucket: %w", err)
		}

		return nil
	}
}
