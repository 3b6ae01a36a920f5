package sandwich

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DispatchEvent is a dispatch received by a shard.
type DispatchEvent struct {
	ReceivedAt time.Time       `json:"received_at"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data"`
	Sequence   int64           `json:"sequence"`
	ShardID    int32           `json:"shard_id"`
	ShardCount int32           `json:"shard_count"`
}

// EventHandler consumes events from shards. Both methods are called from the
// shard's own goroutine, so implementations should hand off long work.
type EventHandler interface {
	OnDispatch(ctx context.Context, event *DispatchEvent) error
	OnShardStateChanged(shardID int32, oldStatus, newStatus ShardStatus)
}

// HandlerFuncs adapts plain functions to an EventHandler. Nil functions are ignored.
type HandlerFuncs struct {
	Dispatch     func(ctx context.Context, event *DispatchEvent) error
	StateChanged func(shardID int32, oldStatus, newStatus ShardStatus)
}

func (h HandlerFuncs) OnDispatch(ctx context.Context, event *DispatchEvent) error {
	if h.Dispatch == nil {
		return nil
	}

	return h.Dispatch(ctx, event)
}

func (h HandlerFuncs) OnShardStateChanged(shardID int32, oldStatus, newStatus ShardStatus) {
	if h.StateChanged != nil {
		h.StateChanged(shardID, oldStatus, newStatus)
	}
}

// MultiHandler calls each non nil handler in order. Every handler receives
// each dispatch even if an earlier one fails.
type MultiHandler []EventHandler

func (handlers MultiHandler) OnDispatch(ctx context.Context, event *DispatchEvent) error {
	var errs []error

	for _, handler := range handlers {
		if handler == nil {
			continue
		}

		if err := handler.OnDispatch(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (handlers MultiHandler) OnShardStateChanged(shardID int32, oldStatus, newStatus ShardStatus) {
	for _, handler := range handlers {
		if handler != nil {
			handler.OnShardStateChanged(shardID, oldStatus, newStatus)
		}
	}
}
