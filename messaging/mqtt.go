package mqclients

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	MQTTConnectTimeout = 10 * time.Second
	// Milliseconds given to in flight work when disconnecting.
	MQTTQuiesce = 250
)

func init() {
	MQClients = append(MQClients, "mqtt")
}

type MQTTClient struct {
	Client mqtt.Client `json:"-"`

	channel  string
	qos      byte
	retained bool
}

func (mqttMQ *MQTTClient) String() string {
	return "mqtt"
}

func (mqttMQ *MQTTClient) Channel() string {
	return mqttMQ.channel
}

// waitToken waits for an mqtt token to complete or ctx to be done.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mqttMQ *MQTTClient) Connect(ctx context.Context, clientName string, args map[string]any) error {
	address, err := getString(args, "mqttMQ", "Address")
	if err != nil {
		return err
	}

	mqttMQ.channel, _ = GetEntry(args, "Channel").(string)
	mqttMQ.retained = getBool(args, "Retained", false)

	qos, err := getInt(args, "QoS", 0)
	if err != nil {
		return fmt.Errorf("mqttMQ connect: %w", err)
	}

	if qos < 0 || qos > 2 {
		return fmt.Errorf("mqttMQ connect: qos %d must be 0, 1 or 2", qos)
	}

	mqttMQ.qos = byte(qos)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(address)
	opts.SetClientID(clientName)
	opts.SetConnectTimeout(MQTTConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	opts.Username, _ = GetEntry(args, "Username").(string)
	opts.Password, _ = GetEntry(args, "Password").(string)

	mqttMQ.Client = mqtt.NewClient(opts)

	err = waitToken(ctx, mqttMQ.Client.Connect())
	if err != nil {
		return fmt.Errorf("mqttMQ connect: %w", err)
	}

	return nil
}

// Publish publishes to <channel>/<event> when a channel is configured.
func (mqttMQ *MQTTClient) Publish(ctx context.Context, channelName string, data []byte) error {
	topic := channelName
	if mqttMQ.channel != "" && mqttMQ.channel != channelName {
		topic = mqttMQ.channel + "/" + channelName
	}

	return waitToken(ctx, mqttMQ.Client.Publish(topic, mqttMQ.qos, mqttMQ.retained, data))
}

func (mqttMQ *MQTTClient) Close() error {
	if mqttMQ.Client != nil {
		mqttMQ.Client.Disconnect(MQTTQuiesce)
	}

	return nil
}
