package mqclients

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMQClient(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"redis", "kafka", "stan", "jetstream", "mqtt", "Redis"} {
		client, err := NewMQClient(name)
		require.NoError(t, err, name)
		assert.NotNil(t, client)
	}

	_, err := NewMQClient("carrier-pigeon")
	assert.ErrorIs(t, err, ErrUnknownMQClient)

	assert.ElementsMatch(t, []string{"redis", "kafka", "stan", "jetstream", "mqtt"}, MQClients)
}

func TestGetEntry(t *testing.T) {
	t.Parallel()

	args := map[string]any{"address": "localhost:6379", "DB": 2}

	assert.Equal(t, "localhost:6379", GetEntry(args, "Address"))
	assert.Equal(t, 2, GetEntry(args, "db"))
	assert.Nil(t, GetEntry(args, "Password"))
}

func TestGetters(t *testing.T) {
	t.Parallel()

	args := map[string]any{
		"async":    "true",
		"retained": true,
		"broken":   "maybe",
		"db":       "3",
		"qos":      1,
		"bad":      "three",
	}

	assert.True(t, getBool(args, "Async", false))
	assert.True(t, getBool(args, "Retained", false))
	assert.True(t, getBool(args, "Broken", true))
	assert.False(t, getBool(args, "Missing", false))

	db, err := getInt(args, "DB", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, db)

	qos, err := getInt(args, "QoS", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, qos)

	_, err = getInt(args, "Bad", 0)
	assert.Error(t, err)

	_, err = getString(args, "test", "Address")
	assert.EqualError(t, err, "test connect: string type assertion failed for Address")
}

func TestConnectRequiresAddress(t *testing.T) {
	t.Parallel()

	for _, name := range MQClients {
		client, err := NewMQClient(name)
		require.NoError(t, err)

		err = client.Connect(context.Background(), "sandwich", map[string]any{})
		assert.Error(t, err, name)

		// Closing an unconnected client is a no-op.
		assert.NoError(t, client.Close(), name)
	}
}

func TestKafkaConnect(t *testing.T) {
	t.Parallel()

	client := &KafkaMQClient{}

	err := client.Connect(context.Background(), "sandwich", map[string]any{
		"Address":  "localhost:9092",
		"Balancer": "roundrobin",
		"Channel":  "sandwich",
		"Async":    true,
	})
	require.NoError(t, err)

	assert.Equal(t, "sandwich", client.Channel())
	assert.IsType(t, &kafka.RoundRobin{}, client.KafkaClient.Balancer)
	assert.True(t, client.KafkaClient.Async)
	assert.NoError(t, client.Close())
}

func TestParseKafkaBalancer(t *testing.T) {
	t.Parallel()

	assert.IsType(t, &kafka.CRC32Balancer{}, parseKafkaBalancer("crc32"))
	assert.IsType(t, &kafka.Murmur2Balancer{}, parseKafkaBalancer("murmur2"))
	assert.Nil(t, parseKafkaBalancer(""))
}

func TestStreamConfig(t *testing.T) {
	t.Parallel()

	config := streamConfig("sandwich", false)
	assert.Equal(t, []string{"sandwich.*"}, config.Subjects)
	assert.Equal(t, jetstream.WorkQueuePolicy, config.Retention)

	assert.Equal(t, jetstream.InterestPolicy, streamConfig("sandwich", true).Retention)
}
