package mqclients

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrUnknownMQClient = errors.New("no mq client with this name")

// MQClient publishes produced payloads to a message queue.
type MQClient interface {
	String() string
	Channel() string

	Connect(ctx context.Context, clientName string, args map[string]any) error
	Publish(ctx context.Context, channel string, data []byte) error
	Close() error
}

// MQClients lists all current mqclients we have available.
var MQClients = []string{}

// NewMQClient returns an unconnected client by name.
func NewMQClient(mqType string) (MQClient, error) {
	switch strings.ToLower(mqType) {
	case "redis":
		return &RedisMQClient{}, nil
	case "kafka":
		return &KafkaMQClient{}, nil
	case "stan":
		return &StanMQClient{}, nil
	case "jetstream":
		return &JetStreamMQClient{}, nil
	case "mqtt":
		return &MQTTClient{}, nil
	default:
		return nil, fmt.Errorf("%q: %w", mqType, ErrUnknownMQClient)
	}
}

// GetEntry returns first match from a map and handles keys as non case sensitive.
func GetEntry(m map[string]any, key string) any {
	key = strings.ToLower(key)
	for i, k := range m {
		if strings.ToLower(i) == key {
			return k
		}
	}

	return nil
}

func getString(args map[string]any, client, key string) (string, error) {
	value, ok := GetEntry(args, key).(string)
	if !ok {
		return "", fmt.Errorf("%s connect: string type assertion failed for %s", client, key)
	}

	return value, nil
}

// getBool accepts booleans or their string form, as yaml leaves quoted
// values as strings.
func getBool(args map[string]any, key string, fallback bool) bool {
	switch value := GetEntry(args, key).(type) {
	case bool:
		return value
	case string:
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fallback
		}

		return parsed
	default:
		return fallback
	}
}

func getInt(args map[string]any, key string, fallback int) (int, error) {
	switch value := GetEntry(args, key).(type) {
	case int:
		return value, nil
	case string:
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}

		return parsed, nil
	default:
		return fallback, nil
	}
}
