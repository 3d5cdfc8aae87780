package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hemlock-io/relay/admin"
	"github.com/hemlock-io/relay/cache"
	"github.com/hemlock-io/relay/cfg"
	"github.com/hemlock-io/relay/dispatcher"
	"github.com/hemlock-io/relay/event"
	"github.com/hemlock-io/relay/legacy"
	"github.com/hemlock-io/relay/proxy"
	"github.com/hemlock-io/relay/router"
	"github.com/hemlock-io/relay/source"
	"github.com/hemlock-io/relay/store"
	"github.com/hemlock-io/relay/telemetry"
	"github.com/hemlock-io/relay/token"
	"github.com/hemlock-io/relay/transform"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("consumer_id", cfg.Config.ConsumerID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Relay - engine/legacy synchronization bridge")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge store: dead letters and sync cursors
	st, err := store.NewPebbleStore(filepath.Join(cfg.Config.DataDir, "meta"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open bridge store")
		return
	}
	defer st.Close()

	// Bearer tokens for the bridge's own legacy calls
	tokens, err := token.FromConfig(cfg.Config.Token)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure token provider")
		return
	}

	legacyClient := legacy.NewClient(legacy.Options{
		BaseURL:        cfg.Config.Legacy.BaseURL,
		ConnectTimeout: time.Duration(cfg.Config.Legacy.ConnectTimeoutMS) * time.Millisecond,
		RequestTimeout: time.Duration(cfg.Config.Legacy.RequestTimeoutMS) * time.Millisecond,
		MaxIdleConns:   cfg.Config.Legacy.MaxIdleConns,
		Tokens:         tokens,
	})

	// One dispatcher and one source per entity-kind partition
	dispatchers := make(map[event.Kind]*dispatcher.Dispatcher, len(cfg.Config.Broker.Kinds))
	sources := make([]source.Source, 0, len(cfg.Config.Broker.Kinds))

	for _, kindName := range cfg.Config.Broker.Kinds {
		kind, err := event.ParseKind(kindName)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid entity kind in broker configuration")
			return
		}

		disp, err := dispatcher.New(dispatcher.Config{
			Partition:   kindName,
			Legacy:      legacyClient,
			Store:       st,
			BaseDelay:   time.Duration(cfg.Config.Retry.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Config.Retry.MaxDelayMS) * time.Millisecond,
			MaxAttempts: cfg.Config.Retry.MaxAttempts,
			MaxElapsed:  time.Duration(cfg.Config.Retry.MaxElapsedMS) * time.Millisecond,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create dispatcher")
			return
		}
		dispatchers[kind] = disp

		src, err := newSource(kindName, st)
		if err != nil {
			log.Fatal().Err(err).Str("kind", kindName).Msg("Failed to create event source")
			return
		}
		sources = append(sources, src)
	}

	var wg sync.WaitGroup
	for i, src := range sources {
		kind, _ := event.ParseKind(cfg.Config.Broker.Kinds[i])
		disp := dispatchers[kind]

		wg.Add(1)
		go func(src source.Source, disp *dispatcher.Dispatcher) {
			defer wg.Done()
			if err := src.Run(ctx, disp.Handle); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("partition", src.Partition()).Msg("Event source stopped")
			}
		}(src, disp)
	}
	log.Info().Strs("kinds", cfg.Config.Broker.Kinds).Str("broker", string(cfg.Config.Broker.Type)).Msg("Sync engine started")

	// Request routing path
	rt, err := router.New(cfg.Config.Routes)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to compile routing rules")
		return
	}

	tf, err := transform.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create transformer")
		return
	}

	readCache := cache.New(
		time.Duration(cfg.Config.Cache.TTLSeconds)*time.Second,
		time.Duration(cfg.Config.Cache.SweepIntervalSeconds)*time.Second,
	)
	readCache.Start()
	defer readCache.Stop()

	px := proxy.New(proxy.Options{
		Router:      rt,
		Transformer: tf,
		Cache:       readCache,
		Engine: proxy.NewEngineClient(proxy.EngineOptions{
			BaseURL:  cfg.Config.Engine.BaseURL,
			Package:  cfg.Config.Engine.Package,
			Protocol: cfg.Config.Engine.Protocol,
			Timeout:  time.Duration(cfg.Config.Engine.TimeoutMS) * time.Millisecond,
		}),
		Query: proxy.NewQueryClient(proxy.QueryOptions{
			BaseURL: cfg.Config.Query.BaseURL,
			Timeout: time.Duration(cfg.Config.Query.TimeoutMS) * time.Millisecond,
		}),
		Legacy: legacyClient,
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.Config.Proxy.BindAddress, cfg.Config.Proxy.Port)
		if err := proxy.Serve(ctx, addr, px); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Proxy server stopped")
		}
	}()

	// Operational API
	handlers := admin.NewAdminHandlers(st, readCache, &replayCoordinator{store: st, dispatchers: dispatchers}, cfg.Config.Broker.Kinds)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := admin.Serve(ctx, cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port, handlers); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Admin server stopped")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	wg.Wait()

	for _, src := range sources {
		if err := src.Close(); err != nil {
			log.Warn().Err(err).Str("partition", src.Partition()).Msg("Failed to close event source")
		}
	}

	log.Info().Msg("Shutdown complete")
}

// newSource builds the configured broker source for one entity kind
func newSource(kind string, cursors source.CursorStore) (source.Source, error) {
	switch cfg.Config.Broker.Type {
	case cfg.BrokerKafka:
		return source.NewKafkaSource(source.KafkaOptions{
			Brokers:     cfg.Config.Broker.Kafka.Brokers,
			GroupID:     cfg.Config.Broker.Kafka.GroupID,
			TopicPrefix: cfg.Config.Broker.Kafka.TopicPrefix,
			Kind:        kind,
			Cursors:     cursors,
		})
	default:
		return source.NewNatsSource(source.NatsOptions{
			URL:           cfg.Config.Broker.NATS.URL,
			SubjectPrefix: cfg.Config.Broker.NATS.SubjectPrefix,
			DurablePrefix: cfg.Config.Broker.NATS.DurablePrefix,
			Kind:          kind,
			AckWait:       time.Duration(cfg.Config.Broker.NATS.AckWaitSeconds) * time.Second,
			FetchBatch:    cfg.Config.Broker.NATS.FetchBatch,
			Cursors:       cursors,
		})
	}
}

// replayCoordinator re-injects dead-lettered events into the dispatcher that
// owns their partition. The record is removed first; if the replay fails
// terminally again, the dispatcher writes a fresh record.
type replayCoordinator struct {
	store       store.Store
	dispatchers map[event.Kind]*dispatcher.Dispatcher
}

func (rc *replayCoordinator) Replay(ctx context.Context, eventID string) error {
	rec, err := rc.store.GetDeadLetter(eventID)
	if err != nil {
		return err
	}

	disp, ok := rc.dispatchers[rec.Event.Kind]
	if !ok {
		return fmt.Errorf("no dispatcher for kind %q", rec.Event.Kind)
	}

	if err := rc.store.RemoveDeadLetter(eventID); err != nil {
		return err
	}

	ev := rec.Event
	ev.DeliveryAttempt = 0

	if err := disp.Handle(ctx, ev); err != nil {
		telemetry.DeadLetterReplaysTotal.With("failed").Inc()
		return err
	}

	telemetry.DeadLetterReplaysTotal.With("success").Inc()
	return nil
}
