package mqclients

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const JetStreamMaxAge = 5 * time.Minute

func init() {
	MQClients = append(MQClients, "jetstream")
}

type JetStreamMQClient struct {
	NatsClient      *nats.Conn          `json:"-"`
	JetStreamClient jetstream.JetStream `json:"-"`
	JetStreamStream jetstream.Stream    `json:"-"`

	channel string
}

func (jetstreamMQ *JetStreamMQClient) String() string {
	return "jetstream"
}

func (jetstreamMQ *JetStreamMQClient) Channel() string {
	return jetstreamMQ.channel
}

// streamConfig is the stream payloads are published to. Each event is its
// own subject under the channel.
func streamConfig(channel string, interest bool) jetstream.StreamConfig {
	retention := jetstream.WorkQueuePolicy
	if interest {
		retention = jetstream.InterestPolicy
	}

	return jetstream.StreamConfig{
		Name:              channel,
		Subjects:          []string{channel + ".*"},
		Retention:         retention,
		Discard:           jetstream.DiscardOld,
		MaxAge:            JetStreamMaxAge,
		Storage:           jetstream.MemoryStorage,
		MaxMsgsPerSubject: 1_000_000,
		MaxMsgSize:        math.MaxInt32,
		NoAck:             false,
	}
}

func (jetstreamMQ *JetStreamMQClient) Connect(ctx context.Context, clientName string, args map[string]any) error {
	address, err := getString(args, "jetstreamMQ", "Address")
	if err != nil {
		return err
	}

	jetstreamMQ.channel, err = getString(args, "jetstreamMQ", "Channel")
	if err != nil {
		return err
	}

	jetstreamMQ.NatsClient, err = nats.Connect(address, nats.Name(clientName))
	if err != nil {
		return fmt.Errorf("jetstreamMQ connect nats: %w", err)
	}

	jetstreamMQ.JetStreamClient, err = jetstream.New(jetstreamMQ.NatsClient)
	if err != nil {
		return fmt.Errorf("jetstreamMQ new: %w", err)
	}

	jetstreamMQ.JetStreamStream, err = jetstreamMQ.JetStreamClient.CreateOrUpdateStream(
		ctx,
		streamConfig(jetstreamMQ.channel, getBool(args, "InterestPolicy", false)),
	)
	if err != nil {
		return fmt.Errorf("jetstreamMQ create stream: %w", err)
	}

	return nil
}

func (jetstreamMQ *JetStreamMQClient) Publish(ctx context.Context, channelName string, data []byte) error {
	_, err := jetstreamMQ.JetStreamClient.Publish(
		ctx,
		jetstreamMQ.channel+"."+channelName,
		data,
	)

	return err
}

func (jetstreamMQ *JetStreamMQClient) Close() error {
	if jetstreamMQ.NatsClient != nil {
		return jetstreamMQ.NatsClient.Drain()
	}

	return nil
}
