package sandwich

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	mqclients "github.com/WelcomerTeam/Sandwich-Gateway/messaging"
	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
	"github.com/rs/zerolog"
)

// SandwichEventShardStatusUpdate is produced whenever a shard changes state.
const SandwichEventShardStatusUpdate = "SHARD_STATUS_UPDATE"

const (
	ProducerPublishTimeout   = 5 * time.Second
	DefaultProducerQueueSize = 4096
)

// ProducedMetadata identifies where a produced payload came from.
type ProducedMetadata struct {
	Version    string `json:"v"`
	Identifier string `json:"i"`
	// Shard ID, Shard Count
	Shard [2]int32 `json:"s"`
}

// ProducedPayload is what consumers receive from the message queue.
type ProducedPayload struct {
	Type     string            `json:"t"`
	Data     json.RawMessage   `json:"d"`
	Trace    map[string]int64  `json:"__sandwich_trace,omitempty"`
	Metadata ProducedMetadata  `json:"__sandwich"`
	Sequence int64             `json:"s"`
	Op       discord.GatewayOp `json:"op"`
}

// ShardStatusUpdate is the data of a SHARD_STATUS_UPDATE payload.
type ShardStatusUpdate struct {
	ShardID   int32       `json:"shard_id"`
	OldStatus ShardStatus `json:"old_status"`
	Status    ShardStatus `json:"status"`
}

// ProducerHandler publishes dispatches to a message queue.
//
// Events in the blacklist are dropped entirely. Events in the produce
// blacklist are still passed to Next but are not published.
//
// Payloads are queued and published by a single worker so a slow broker
// never stalls the shard calling OnDispatch. When the queue is full the
// payload is dropped and ErrProducerQueueFull is returned.
type ProducerHandler struct {
	Logger zerolog.Logger

	// Next receives every event that is not blacklisted.
	Next EventHandler

	client     mqclients.MQClient
	identifier string
	channel    string

	blacklist        map[string]struct{}
	produceBlacklist map[string]struct{}

	producedPayloadPool *sync.Pool

	publishTimeout time.Duration

	queueMu sync.RWMutex
	queue   chan []byte
	closed  bool
	done    chan struct{}
}

// ProducerOptions configures a ProducerHandler.
type ProducerOptions struct {
	Next             EventHandler
	Identifier       string
	Channel          string
	Blacklist        []string
	ProduceBlacklist []string

	// QueueSize is how many payloads may wait for the broker.
	QueueSize int
	// PublishTimeout bounds every publish to the broker.
	PublishTimeout time.Duration
}

func NewProducerHandler(logger zerolog.Logger, client mqclients.MQClient, options ProducerOptions) *ProducerHandler {
	channel := options.Channel
	if channel == "" && client != nil {
		channel = client.Channel()
	}

	queueSize := options.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultProducerQueueSize
	}

	publishTimeout := options.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = ProducerPublishTimeout
	}

	p := &ProducerHandler{
		Logger: logger.With().Str("component", "producer").Logger(),
		Next:   options.Next,

		client:     client,
		identifier: options.Identifier,
		channel:    channel,

		blacklist:        toSet(options.Blacklist),
		produceBlacklist: toSet(options.ProduceBlacklist),

		producedPayloadPool: &sync.Pool{
			New: func() any {
				return &ProducedPayload{}
			},
		},

		publishTimeout: publishTimeout,

		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}

	if client != nil {
		go p.run()
	} else {
		close(p.done)
	}

	return p
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))

	for _, value := range values {
		set[value] = struct{}{}
	}

	return set
}

func (p *ProducerHandler) OnDispatch(ctx context.Context, event *DispatchEvent) error {
	if _, ok := p.blacklist[event.Name]; ok {
		return nil
	}

	var nextErr error

	if p.Next != nil {
		nextErr = p.Next.OnDispatch(ctx, event)
	}

	if _, ok := p.produceBlacklist[event.Name]; ok {
		return nextErr
	}

	packet := p.producedPayloadPool.Get().(*ProducedPayload)
	defer p.producedPayloadPool.Put(packet)

	packet.Op = discord.GatewayOpDispatch
	packet.Type = event.Name
	packet.Data = event.Data
	packet.Sequence = event.Sequence
	packet.Metadata = p.metadata(event.ShardID, event.ShardCount)
	packet.Trace = map[string]int64{
		"receive": event.ReceivedAt.UnixNano(),
		"publish": time.Now().UnixNano(),
	}

	err := p.publish(packet)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nextErr
}

func (p *ProducerHandler) OnShardStateChanged(shardID int32, oldStatus, newStatus ShardStatus) {
	if p.Next != nil {
		p.Next.OnShardStateChanged(shardID, oldStatus, newStatus)
	}

	if _, ok := p.produceBlacklist[SandwichEventShardStatusUpdate]; ok {
		return
	}

	data, err := sandwichjson.Marshal(ShardStatusUpdate{
		ShardID:   shardID,
		OldStatus: oldStatus,
		Status:    newStatus,
	})
	if err != nil {
		p.Logger.Error().Err(err).Msg("Failed to marshal shard status update")

		return
	}

	err = p.publish(&ProducedPayload{
		Type:     SandwichEventShardStatusUpdate,
		Data:     data,
		Metadata: p.metadata(shardID, 0),
		Op:       discord.GatewayOpDispatch,
	})
	if err != nil {
		p.Logger.Warn().Err(err).Int32("shardId", shardID).Msg("Failed to publish shard status update")
	}
}

func (p *ProducerHandler) metadata(shardID, shardCount int32) ProducedMetadata {
	return ProducedMetadata{
		Version:    VERSION,
		Identifier: p.identifier,
		Shard:      [2]int32{shardID, shardCount},
	}
}

// publish marshals the packet and queues it for the worker.
func (p *ProducerHandler) publish(packet *ProducedPayload) error {
	if p.client == nil {
		return ErrProducerMissing
	}

	payload, err := sandwichjson.Marshal(packet)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	p.queueMu.RLock()
	defer p.queueMu.RUnlock()

	if p.closed {
		return ErrProducerClosed
	}

	select {
	case p.queue <- payload:
		return nil
	default:
		RecordProducerFailure(p.identifier, ProducerFailureQueueFull)

		return ErrProducerQueueFull
	}
}

func (p *ProducerHandler) run() {
	defer close(p.done)

	for payload := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
		err := p.client.Publish(ctx, p.channel, payload)
		cancel()

		if err != nil {
			RecordProducerFailure(p.identifier, ProducerFailurePublish)
			p.Logger.Warn().Err(err).Str("channel", p.channel).Msg("Failed to publish payload")
		}
	}
}

// Close stops accepting payloads and waits for the queued ones to be
// published, or for ctx to end.
func (p *ProducerHandler) Close(ctx context.Context) error {
	p.queueMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.queueMu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
