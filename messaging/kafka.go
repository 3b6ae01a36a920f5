package mqclients

import (
	"context"

	"github.com/segmentio/kafka-go"
)

func init() {
	MQClients = append(MQClients, "kafka")
}

type KafkaMQClient struct {
	KafkaClient *kafka.Writer

	channel string
}

func parseKafkaBalancer(balancer string) kafka.Balancer {
	switch balancer {
	case "crc32":
		return &kafka.CRC32Balancer{}
	case "hash":
		return &kafka.Hash{}
	case "murmur2":
		return &kafka.Murmur2Balancer{}
	case "roundrobin":
		return &kafka.RoundRobin{}
	case "leastbytes":
		return &kafka.LeastBytes{}
	default:
		return nil
	}
}

func (kafkaMQ *KafkaMQClient) String() string {
	return "kafka"
}

func (kafkaMQ *KafkaMQClient) Channel() string {
	return kafkaMQ.channel
}

func (kafkaMQ *KafkaMQClient) Connect(_ context.Context, _ string, args map[string]any) error {
	address, err := getString(args, "kafkaMQ", "Address")
	if err != nil {
		return err
	}

	balancer, _ := GetEntry(args, "Balancer").(string)
	kafkaMQ.channel, _ = GetEntry(args, "Channel").(string)

	kafkaMQ.KafkaClient = &kafka.Writer{
		Addr:     kafka.TCP(address),
		Balancer: parseKafkaBalancer(balancer),
		Async:    getBool(args, "Async", false),
	}

	return nil
}

func (kafkaMQ *KafkaMQClient) Publish(ctx context.Context, channelName string, data []byte) error {
	return kafkaMQ.KafkaClient.WriteMessages(
		ctx,
		kafka.Message{
			Topic: channelName,
			Value: data,
		},
	)
}

func (kafkaMQ *KafkaMQClient) Close() error {
	if kafkaMQ.KafkaClient == nil {
		return nil
	}

	return kafkaMQ.KafkaClient.Close()
}
