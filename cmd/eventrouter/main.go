package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-eventrouter/pkg/archive"
	"github.com/illmade-knight/go-eventrouter/pkg/config"
	"github.com/illmade-knight/go-eventrouter/pkg/deadletter"
	"github.com/illmade-knight/go-eventrouter/pkg/engine"
	"github.com/illmade-knight/go-eventrouter/pkg/liveness"
	"github.com/illmade-knight/go-eventrouter/pkg/metrics"
	"github.com/illmade-knight/go-eventrouter/pkg/microservice"
	"github.com/illmade-knight/go-eventrouter/pkg/notify"
	"github.com/illmade-knight/go-eventrouter/pkg/partition"
	"github.com/illmade-knight/go-eventrouter/pkg/review"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

const (
	shutdownTimeout = 30 * time.Second
	// /healthz fails after this many monitor intervals without a tick.
	healthStaleTicks = 3
)

func main() {
	configPath := flag.String("config", "configs/eventrouter.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.Service.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", cfg.Service.ServiceName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Event router exited with error.")
	}
	logger.Info().Msg("Event router exited cleanly.")
}

// closer is a shutdown step, run in reverse order of construction.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) (err error) {
	var closers []closer
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].fn(shutdownCtx); cerr != nil {
				logger.Error().Err(cerr).Str("step", closers[i].name).Msg("Shutdown step failed.")
			}
		}
	}()

	var clientOpts []option.ClientOption
	if cfg.Service.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.Service.CredentialsFile))
	}
	clock := clockwork.NewRealClock()
	recorder := metrics.NewPrometheusRecorder("")

	// Pub/Sub is shared by the notification and review backends.
	var psClient *pubsub.Client
	if cfg.Notification.Backend == config.BackendPubsub || cfg.Review.Backend == config.BackendPubsub {
		psClient, err = pubsub.NewClient(ctx, cfg.Service.ProjectID, clientOpts...)
		if err != nil {
			return fmt.Errorf("failed to create pubsub client: %w", err)
		}
		closers = append(closers, closer{"pubsub client", func(context.Context) error { return psClient.Close() }})
	}

	store, storeClosers, err := buildLiveness(ctx, cfg, clientOpts, logger)
	closers = append(closers, storeClosers...)
	if err != nil {
		return err
	}
	closers = append(closers, closer{"heartbeat store", func(context.Context) error { return store.Close() }})

	var sender notify.Sender
	switch cfg.Notification.Backend {
	case config.BackendPubsub:
		ps, err := notify.NewPubsubSender(ctx, psClient, cfg.Notification.TopicID, logger)
		if err != nil {
			return err
		}
		closers = append(closers, closer{"notification sender", ps.Stop})
		sender = ps
	default:
		sender = notify.NewLogSender(logger)
	}
	if cfg.Notification.RatePerSecond > 0 {
		limited, err := notify.NewRateLimitedSender(sender, cfg.Notification.RatePerSecond, cfg.Notification.Burst, logger)
		if err != nil {
			return err
		}
		sender = limited
	}

	var sink deadletter.ReviewSink
	switch cfg.Review.Backend {
	case config.BackendPubsub:
		ps, err := review.NewPubsubSink(ctx, psClient, cfg.Review.TopicID, logger)
		if err != nil {
			return err
		}
		closers = append(closers, closer{"review sink", ps.Stop})
		sink = ps
	case config.BackendBigQuery:
		bq, err := review.NewBigQueryClient(ctx, cfg.Service.ProjectID, cfg.Service.CredentialsFile, logger)
		if err != nil {
			return err
		}
		closers = append(closers, closer{"bigquery client", func(context.Context) error { return bq.Close() }})
		bqSink, err := review.NewBigQuerySink(ctx, bq, review.TableConfig{DatasetID: cfg.Review.DatasetID, TableID: cfg.Review.TableID}, logger)
		if err != nil {
			return err
		}
		sink = bqSink
	}

	var archiver partition.Archiver
	if cfg.Archive.Bucket != "" {
		gcs, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			return fmt.Errorf("failed to create storage client: %w", err)
		}
		closers = append(closers, closer{"storage client", func(context.Context) error { return gcs.Close() }})
		a, err := archive.NewGCSArchiver(cfg.ToArchive(), archive.NewGCSBucket(gcs, cfg.Archive.Bucket), clock, logger)
		if err != nil {
			return err
		}
		a.Start(ctx)
		closers = append(closers, closer{"archiver", a.Stop})
		archiver = a
	}

	eng, err := engine.New(cfg.ToEngine(), engine.Dependencies{
		Clock:      clock,
		Sender:     sender,
		Liveness:   store,
		ReviewSink: sink,
		Archiver:   archiver,
		Recorder:   recorder,
	}, logger)
	if err != nil {
		return err
	}

	specs, err := cfg.ConsumerSpecs(eng, sender)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		id, err := eng.RegisterConsumer(ctx, spec)
		if err != nil {
			return fmt.Errorf("failed to register consumer %s: %w", spec.Name, err)
		}
		logger.Info().Str("consumer", spec.Name).Str("consumer_id", id).Msg("Registered consumer.")
	}

	eng.Start(ctx)
	closers = append(closers, closer{"engine", eng.Stop})

	server := microservice.NewRouterServer(microservice.ServerConfig{
		HTTPPort:   cfg.Service.HTTPPort,
		StaleAfter: healthStaleTicks * cfg.Engine.MonitorInterval,
	}, eng, recorder.Handler(), clock, logger)
	if err := server.Start(); err != nil {
		return err
	}
	closers = append(closers, closer{"http server", server.Shutdown})

	logger.Info().Str("port", server.Port()).Msg("Event router running.")
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")
	return nil
}

// buildLiveness returns the heartbeat store and the closers for any client it
// created, which run after the store's own Close.
func buildLiveness(ctx context.Context, cfg config.Config, opts []option.ClientOption, logger zerolog.Logger) (liveness.Store, []closer, error) {
	switch cfg.Heartbeat.Backend {
	case config.BackendRedis:
		store, err := liveness.NewRedisStore(ctx, cfg.ToRedis(), logger)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.Service.ProjectID, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		closers := []closer{{"firestore client", func(context.Context) error { return client.Close() }}}
		store, err := liveness.NewFirestoreStore(client, cfg.Heartbeat.Firestore.Collection)
		if err != nil {
			return nil, closers, err
		}
		return store, closers, nil
	default:
		return liveness.NewMemoryStore(), nil, nil
	}
}
