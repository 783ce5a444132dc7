package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	_ "go.uber.org/automaxprocs"

	"github.com/Aximande/phospho/internal/config"
	"github.com/Aximande/phospho/pkg/api"
	"github.com/Aximande/phospho/pkg/auth"
	"github.com/Aximande/phospho/pkg/evaluator"
	"github.com/Aximande/phospho/pkg/lab"
	"github.com/Aximande/phospho/pkg/logging"
	"github.com/Aximande/phospho/pkg/metrics"
	"github.com/Aximande/phospho/pkg/pipeline"
	"github.com/Aximande/phospho/pkg/queue"
	"github.com/Aximande/phospho/pkg/ratelimit"
	"github.com/Aximande/phospho/pkg/shutdown"
	"github.com/Aximande/phospho/pkg/store"
	"github.com/Aximande/phospho/pkg/tracing"
	"github.com/Aximande/phospho/pkg/webhook"
)

var version = "dev"

func main() {
	cfgFile := flag.String("config", "", "config file (default: ./extractor.yaml or $HOME/.extractor/extractor.yaml)")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal("extractor stopped", logging.Fields{"error": err})
	}
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.Dir != "" {
		return logging.NewFileLogger(cfg.Dir, "extractor", level, cfg.JSON)
	}
	return logging.NewLogger(level, cfg.JSON), nil
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("starting extractor", logging.Fields{
		"version": version,
		"port":    cfg.Server.Port,
		"store":   cfg.Database.Type,
		"queue":   cfg.Queue.Backend,
	})
	sm := shutdown.New(cfg.Server.ShutdownTimeout, logger)
	sm.Register("logger", shutdown.CloseResource(logger))

	provider, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "extractor",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	sm.Register("tracing", provider.Shutdown)

	dataStore, err := store.NewStore(store.Config{
		Type:         cfg.Database.Type,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	sm.Register("store", shutdown.CloseResource(dataStore))
	if cfg.Database.Type == "memory" {
		logger.Warn("using in-memory store, data will not persist")
	}

	m := metrics.New(nil)

	p := pipeline.New(pipeline.Deps{
		Store:    dataStore,
		Registry: newRegistry(cfg.Evaluator, logger),
		Webhooks: webhook.NewHTTPDispatcher(
			webhook.WithHTTPClient(&http.Client{Timeout: cfg.Webhook.Timeout}),
			webhook.WithRateLimit(cfg.Webhook.RPS, cfg.Webhook.Burst),
			webhook.WithRecorder(m),
		),
		Logger:  logger.WithField("component", "pipeline"),
		Metrics: m,
		Config: pipeline.Config{
			FewShotMaxExamples: cfg.Pipeline.FewShotMaxExamples,
			EvaluationSource:   cfg.Pipeline.EvaluationSource,
			AutomatedSources:   cfg.Pipeline.AutomatedSources,
			MaxJobConcurrency:  cfg.Pipeline.MaxJobConcurrency,
		},
	})

	q, err := queue.New(ctx, queue.Config{
		Backend:       cfg.Queue.Backend,
		Workers:       cfg.Queue.Workers,
		RedisAddr:     cfg.Queue.RedisAddr,
		RedisPassword: cfg.Queue.RedisPassword,
		RedisDB:       cfg.Queue.RedisDB,
		RedisKey:      cfg.Queue.RedisKey,
		SQSQueueURL:   cfg.Queue.SQSQueueURL,
		SQSRegion:     cfg.Queue.SQSRegion,
	}, logger.WithField("component", "queue"))
	if err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}
	q.SetRecorder(m)
	p.RegisterQueueHandlers(q)
	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue consumers: %w", err)
	}
	sm.Register("queue", shutdown.CloseResource(q))

	keys := auth.NewKeySet(cfg.Auth.APIKeys...)
	for desc, hash := range cfg.Auth.HashedKeys {
		if err := keys.AddHash(desc, hash); err != nil {
			return err
		}
	}
	if keys.Empty() {
		logger.Warn("no API key configured, authentication disabled")
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := limiter.CleanupOldLimiters(30 * time.Minute); n > 0 {
					logger.Debug("removed idle rate limiters", logging.Fields{"count": n})
				}
			case <-sm.Done():
				return
			}
		}
	}()

	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(provider))
	router.Use(m.Middleware)
	router.Use(keys.Middleware("/health", "/metrics"))
	router.Use(limiter.Middleware(ratelimit.APIKeyFunc))

	handler := api.NewPipelineHandler(p, dataStore, q, logger.WithField("component", "api"))
	handler.RegisterRoutes(router)
	router.Handle("/metrics", m.Handler()).Methods("GET")

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	sm.Register("http server", shutdown.StopHTTPServer(srv))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", logging.Fields{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	waitCtx, stop := context.WithCancel(ctx)
	go func() {
		if err := <-errCh; err != nil {
			logger.Error("http server failed", logging.Fields{"error": err})
			stop()
		}
	}()
	sm.Wait(waitCtx)
	stop()
	return nil
}

// newRegistry registers the rule evaluators for every job kind, then the
// remote evaluator for the kinds configured to use it.
func newRegistry(cfg config.EvaluatorConfig, logger *logging.Logger) *lab.Registry {
	registry := lab.NewRegistry()
	evaluator.RegisterRules(registry, cfg.Keywords)
	if cfg.URL == "" {
		logger.Info("no evaluator endpoint configured, using rule evaluators")
		return registry
	}

	remote := evaluator.NewRemote(cfg.URL, cfg.APIKey, cfg.Timeout, logger.WithField("component", "evaluator"))
	for _, kind := range cfg.Remote {
		registry.Register(lab.JobKind(kind), remote)
	}
	logger.Info("remote evaluator configured", logging.Fields{"url": cfg.URL, "kinds": cfg.Remote})
	return registry
}
