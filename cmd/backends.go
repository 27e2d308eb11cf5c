package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/jeeves-cluster-organization/handoffcore/commbus"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/store"
)

// Store backends accepted by --store.
const (
	backendMemory   = "memory"
	backendRedis    = "redis"
	backendNATS     = "nats"
	backendPostgres = "postgres"
)

// openStore connects the durable store named by backend. The returned
// close function releases the connection.
func openStore(ctx context.Context, backend, url string, logger observability.Logger) (store.Store, func(), error) {
	switch backend {
	case backendMemory, "":
		logger.Warn("memory_store_selected", "detail", "workflows do not survive a restart")
		return store.NewMemoryStore(), func() {}, nil

	case backendRedis:
		opts, err := redisOptions(url)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return store.NewRedisStore(client, "handoff"), func() { _ = client.Close() }, nil

	case backendNATS:
		if url == "" {
			url = nats.DefaultURL
		}
		nc, err := nats.Connect(url, nats.Name(appName))
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("jetstream: %w", err)
		}
		s, err := store.NewNATSStore(ctx, js, "handoff")
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return s, func() { _ = nc.Drain() }, nil

	case backendPostgres:
		pool, err := store.OpenPostgres(ctx, url)
		if err != nil {
			return nil, nil, err
		}
		s := store.NewPostgresStore(pool, "")
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q (want memory, redis, nats or postgres)", backend)
	}
}

// redisOptions accepts either a redis:// URL or a bare host:port.
func redisOptions(url string) (*redis.Options, error) {
	if url == "" {
		return &redis.Options{Addr: "localhost:6379"}, nil
	}
	if strings.Contains(url, "://") {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: url}, nil
}

// newKafkaPublisher builds the watermill publisher workflow events are
// exported through.
func newKafkaPublisher(brokers []string, logger observability.Logger) (message.Publisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.ClientID = appName
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaConfig,
		},
		commbus.NewWatermillLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	return publisher, nil
}
