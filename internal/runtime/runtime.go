package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bestZwei/AIBC/internal/api"
	"github.com/bestZwei/AIBC/internal/bus"
	"github.com/bestZwei/AIBC/internal/channel"
	"github.com/bestZwei/AIBC/internal/config"
	"github.com/bestZwei/AIBC/internal/eventstore"
	"github.com/bestZwei/AIBC/internal/generator"
	"github.com/bestZwei/AIBC/internal/natsserver"
	"github.com/bestZwei/AIBC/internal/netmon"
	"github.com/bestZwei/AIBC/internal/playback"
	"github.com/bestZwei/AIBC/internal/station"
	"github.com/bestZwei/AIBC/internal/transport"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	tracerClose   func(context.Context) error
	metrics       http.Handler
	embeddedNATS  *natsserver.EmbeddedServer
	busClient     *bus.Client
	bridge        *bus.Bridge
	store         *eventstore.Store
	catalog       *channel.Catalog
	debug         *transport.DebugLog
	client        *transport.Client
	generator     *generator.Generator
	queue         *playback.Queue
	station       *station.Station
	monitor       *netmon.Monitor
	api           *api.Server
	unsubscribers []func()
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, runs until ctx is cancelled and then shuts
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	if err := r.build(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	if r.monitor != nil {
		r.monitor.Start(ctx)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("channel", r.generator.Channel().ID),
	)

	if r.cfg.Station.Autostart {
		if err := r.station.Start(); err != nil {
			r.logger.Warn("broadcast not started", slog.String("error", err.Error()))
		}
	}

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) build(ctx context.Context) error {
	channels := channel.Default()
	if path := r.cfg.Channels.Path; path != "" {
		loaded, err := channel.Load(path)
		if err != nil {
			return fmt.Errorf("load channels: %w", err)
		}
		channels = loaded
	}
	catalog, err := channel.NewCatalog(channels)
	if err != nil {
		return fmt.Errorf("build channel catalog: %w", err)
	}
	r.catalog = catalog

	r.debug = transport.NewDebugLog(r.cfg.Telemetry.DebugLogCapacity, r.logger.With(slog.String("component", "debug")))

	creds := transport.NewCredentialStore(transport.Credentials{
		Endpoint: r.cfg.Chat.Endpoint,
		APIKey:   r.cfg.Chat.APIKey,
		Model:    r.cfg.Chat.Model,
	})
	clientOpts := []transport.Option{transport.WithDebugLog(r.debug)}
	if command := r.cfg.Speech.LocalCommand; command != "" {
		local, err := transport.NewExecSynth(command)
		if err != nil {
			return fmt.Errorf("local speech backend: %w", err)
		}
		clientOpts = append(clientOpts, transport.WithLocalSynthesizer(local))
	}
	r.client = transport.NewClient(creds, transportOptions(r.cfg), r.logger, clientOpts...)

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	r.generator = generator.New(catalog, r.client, r.client, generatorOptions(r.cfg), r.logger,
		generator.WithRecorder(store),
		generator.WithDebugLog(r.debug),
	)
	if id := r.cfg.Channels.Default; id != "" && !r.generator.SetChannel(id) {
		return fmt.Errorf("default channel %q not in catalog", id)
	}

	player, err := playback.NewExecPlayer(r.cfg.Playback.Command, r.cfg.Playback.TempDir, r.logger)
	if err != nil {
		return fmt.Errorf("audio player: %w", err)
	}
	r.queue = playback.NewQueue(player, playback.Options{
		Gap:    time.Duration(r.cfg.Playback.GapMS) * time.Millisecond,
		Volume: r.cfg.Playback.Volume,
	}, r.logger)

	r.station = station.New(r.generator, r.queue, r.client, creds, r.logger, station.WithDebugLog(r.debug))

	if r.cfg.Monitor.Enabled {
		r.monitor = netmon.New(netmon.Config{
			URL:      r.cfg.Monitor.URL,
			Interval: time.Duration(r.cfg.Monitor.IntervalMS) * time.Millisecond,
			Timeout:  time.Duration(r.cfg.Monitor.TimeoutMS) * time.Millisecond,
		}, nil, r.logger)
		r.unsubscribers = append(r.unsubscribers, r.monitor.Subscribe(r.station))
	}

	if err := r.connectBus(ctx); err != nil {
		return err
	}

	var timeline api.Timeline
	if r.cfg.EventStore.RetentionMode == "persistent" {
		timeline = store
	}
	r.api = api.New(api.Deps{
		Station:        r.station,
		Generator:      r.generator,
		Catalog:        catalog,
		Timeline:       timeline,
		Voices:         r.client,
		Debug:          r.debug,
		Events:         r.queue,
		Metrics:        r.metrics,
		Ready:          r.ready.Load,
		AllowedOrigins: r.cfg.HTTP.AllowedOrigins,
		Logger:         r.logger,
	})
	return nil
}

// connectBus starts the embedded NATS server when configured and bridges
// playback events and listener questions onto it.
func (r *Runtime) connectBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded NATS: %w", err)
	}
	r.embeddedNATS = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.busClient = client

	r.bridge = bus.NewBridge(client, func() string { return r.generator.Channel().ID })
	r.unsubscribers = append(r.unsubscribers, r.queue.Subscribe(r.bridge))
	if err := r.bridge.HandleQuestions(func(text string) error {
		return r.station.AddQuestion(ctx, text)
	}); err != nil {
		return err
	}
	return nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.api != nil {
		r.api.Close()
	}
	if r.monitor != nil {
		r.monitor.Close()
	}
	for _, unsubscribe := range r.unsubscribers {
		unsubscribe()
	}
	r.unsubscribers = nil
	if r.station != nil {
		r.station.Close()
	}
	if r.queue != nil {
		r.queue.Clear()
	}
	r.wg.Wait()

	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.embeddedNATS != nil {
		r.embeddedNATS.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func transportOptions(cfg config.Config) transport.Options {
	return transport.Options{
		Temperature:       cfg.Chat.Temperature,
		MaxTokens:         cfg.Chat.MaxTokens,
		ChatTimeout:       time.Duration(cfg.Chat.TimeoutMS) * time.Millisecond,
		DegradedTimeout:   time.Duration(cfg.Chat.DegradedTimeoutMS) * time.Millisecond,
		SecondaryTimeout:  time.Duration(cfg.Chat.SecondaryTimeoutMS) * time.Millisecond,
		SpeechTimeout:     time.Duration(cfg.Speech.TimeoutMS) * time.Millisecond,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		BaseDelay:         time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		SpeechURL:         cfg.Speech.URL,
		VoicesURL:         cfg.Speech.VoicesURL,
		LongTextThreshold: cfg.Speech.LongTextThreshold,
		MaxChunkSize:      cfg.Speech.MaxChunkSize,
		DebugCapacity:     cfg.Telemetry.DebugLogCapacity,
	}
}

func generatorOptions(cfg config.Config) generator.Options {
	return generator.Options{
		PreemptProbability: cfg.Generator.PreemptProbability,
		TopicAttempts:      cfg.Generator.TopicAttempts,
		TopicRetryDelay:    time.Duration(cfg.Generator.TopicRetryDelayMS) * time.Millisecond,
		HistoryLimit:       cfg.Generator.HistoryLimit,
		Rate:               cfg.Speech.Rate,
		Pitch:              cfg.Speech.Pitch,
	}
}
