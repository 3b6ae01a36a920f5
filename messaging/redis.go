package mqclients

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

func init() {
	MQClients = append(MQClients, "redis")
}

type RedisMQClient struct {
	redisClient *redis.Client

	channel string
}

func (redisMQ *RedisMQClient) String() string {
	return "redis"
}

func (redisMQ *RedisMQClient) Channel() string {
	return redisMQ.channel
}

func (redisMQ *RedisMQClient) Connect(ctx context.Context, _ string, args map[string]any) error {
	address, err := getString(args, "redisMQ", "Address")
	if err != nil {
		return err
	}

	// Password and channel are optional.
	password, _ := GetEntry(args, "Password").(string)
	redisMQ.channel, _ = GetEntry(args, "Channel").(string)

	db, err := getInt(args, "DB", 0)
	if err != nil {
		return fmt.Errorf("redisMQ connect: %w", err)
	}

	redisMQ.redisClient = redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	err = redisMQ.redisClient.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("redisMQ connect ping: %w", err)
	}

	return nil
}

func (redisMQ *RedisMQClient) Publish(ctx context.Context, channelName string, data []byte) error {
	return redisMQ.redisClient.Publish(
		ctx,
		channelName,
		data,
	).Err()
}

func (redisMQ *RedisMQClient) Close() error {
	if redisMQ.redisClient == nil {
		return nil
	}

	return redisMQ.redisClient.Close()
}
