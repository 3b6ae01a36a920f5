package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sandwich "github.com/WelcomerTeam/Sandwich-Gateway"
	mqclients "github.com/WelcomerTeam/Sandwich-Gateway/messaging"
	"github.com/WelcomerTeam/Sandwich-Gateway/rest"
	"github.com/WelcomerTeam/Sandwich-Gateway/sessionstore"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configurationPath := flag.String("config", getEnv("SANDWICH_CONFIG", "sandwich.yaml"), "Path of the yaml configuration file")
	envPath := flag.String("env", "", "Optional .env file loaded before the configuration")
	shardCount := flag.Int("shards", 0, "Overrides the shard count. 0 uses the configuration or gateway recommendation")

	flag.Parse()

	os.Exit(run(*configurationPath, *envPath, int32(*shardCount)))
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}

	return fallback
}

func run(configurationPath, envPath string, shardCount int32) int {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			println("Failed to load env file:", err.Error())

			return 1
		}
	}

	configuration, err := sandwich.LoadConfiguration(configurationPath)
	if err != nil {
		println("Failed to load configuration:", err.Error())

		return 1
	}

	logger, closeLogger := newLogger(configuration.Logging)
	defer closeLogger()

	logger = logger.With().Str("identifier", configuration.Identifier).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	restClient, err := newRESTClient(logger, configuration)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create rest client")

		return 1
	}

	sessions, closeSessions, err := newSessionStore(ctx, configuration)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create session store")

		return 1
	}
	defer closeSessions()

	var handler sandwich.EventHandler

	var producer *sandwich.ProducerHandler

	if configuration.Producer.Type != "" {
		client, err := mqclients.NewMQClient(configuration.Producer.Type)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create producer")

			return 1
		}

		err = client.Connect(ctx, configuration.Identifier, configuration.Producer.Configuration)
		if err != nil {
			logger.Error().Err(err).Str("type", client.String()).Msg("Failed to connect producer")

			return 1
		}

		defer client.Close()

		producer = sandwich.NewProducerHandler(logger, client, sandwich.ProducerOptions{
			Identifier:       configuration.Identifier,
			Channel:          configuration.Producer.Channel,
			Blacklist:        configuration.Events.Blacklist,
			ProduceBlacklist: configuration.Events.ProduceBlacklist,
		})

		handler = producer
	}

	fatal := make(chan error, 1)

	manager := sandwich.NewManager(sandwich.ManagerOptions{
		Configuration: configuration,
		Logger:        logger,
		REST:          restClient,
		Handler:       handler,
		Sessions:      sessions,
		OnShardFatal: func(shardID int32, err error) {
			if !sandwich.IsFatal(err) {
				return
			}

			logger.Error().Err(err).Int32("shardId", shardID).Msg("Shard cannot be restarted")

			select {
			case fatal <- err:
			default:
			}
		},
	})

	group, groupCtx := errgroup.WithContext(ctx)

	if configuration.HTTP.Enabled {
		server := sandwich.NewStatusServer(logger, manager, prometheus.DefaultGatherer)

		group.Go(func() error {
			return server.ListenAndServe(groupCtx, configuration.HTTP.Host)
		})
	}

	exitCode := 0

	err = manager.Start(ctx, shardCount)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start manager")

		exitCode = 1
	} else {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Received signal, shutting down")
		case err := <-fatal:
			logger.Error().Err(err).Msg("Shutting down after fatal shard error")

			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Manager did not shut down cleanly")
	}

	if producer != nil {
		if err := producer.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Producer did not flush queued payloads")
		}
	}

	stop()

	if err := group.Wait(); err != nil {
		logger.Warn().Err(err).Msg("HTTP server stopped with an error")
	}

	return exitCode
}

func newLogger(configuration sandwich.LoggingConfiguration) (zerolog.Logger, func()) {
	level, err := zerolog.ParseLevel(configuration.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var console io.Writer = os.Stdout
	if !configuration.ConsoleJSON {
		console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Stamp}
	}

	writers := []io.Writer{console}

	var rotator *lumberjack.Logger

	if configuration.FileLoggingEnabled {
		rotator = &lumberjack.Logger{
			Filename:   configuration.Filename,
			MaxBackups: configuration.MaxBackups,
			MaxSize:    configuration.MaxSize,
			MaxAge:     configuration.MaxAge,
			Compress:   configuration.Compress,
		}

		writers = append(writers, rotator)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()

	return logger, func() {
		if rotator != nil {
			_ = rotator.Close()
		}
	}
}

func newRESTClient(logger zerolog.Logger, configuration *sandwich.Configuration) (*rest.Client, error) {
	channel, err := rest.ParseAPIChannel(configuration.APIChannel)
	if err != nil {
		return nil, err
	}

	tokenType := rest.TokenTypeBot
	if strings.EqualFold(configuration.TokenType, string(rest.TokenTypeBearer)) {
		tokenType = rest.TokenTypeBearer
	}

	var httpClient *http.Client

	if configuration.REST.ProxyURL != "" {
		proxyURL, err := url.Parse(configuration.REST.ProxyURL)
		if err != nil {
			return nil, err
		}

		httpClient = rest.NewProxyClient(http.Client{Timeout: configuration.REST.Timeout}, *proxyURL, configuration.APIVersion)
	}

	return rest.NewClient(logger, rest.ClientOptions{
		HTTP:               httpClient,
		Channel:            channel,
		APIVersion:         configuration.APIVersion,
		Token:              configuration.Token,
		TokenType:          tokenType,
		MaxRetries:         configuration.REST.MaxRetries,
		MaxThrottleRetries: configuration.REST.MaxThrottleRetries,
		GlobalLimit:        configuration.REST.GlobalLimit,
		Timeout:            configuration.REST.Timeout,
	}), nil
}

func newSessionStore(ctx context.Context, configuration *sandwich.Configuration) (sandwich.SessionStore, func(), error) {
	switch configuration.Sessions.Store {
	case "":
		return nil, func() {}, nil
	case sandwich.SessionStoreMemory:
		return sandwich.NewMemorySessionStore(), func() {}, nil
	case sandwich.SessionStoreBolt:
		store, err := sessionstore.NewBoltStore(configuration.Sessions.Path)
		if err != nil {
			return nil, nil, err
		}

		return store, func() { _ = store.Close() }, nil
	case sandwich.SessionStoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     configuration.Sessions.Redis.Address,
			Password: configuration.Sessions.Redis.Password,
			DB:       configuration.Sessions.Redis.DB,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()

			return nil, nil, err
		}

		return sessionstore.NewRedisStore(client, configuration.Identifier), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("%q: %w", configuration.Sessions.Store, sandwich.ErrUnknownSessionStore)
	}
}
