package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/pearlhq/pearl/internal/backend"
	"github.com/pearlhq/pearl/internal/config"
	"github.com/pearlhq/pearl/internal/embedding"
	"github.com/pearlhq/pearl/internal/logger"
	"github.com/pearlhq/pearl/internal/memory"
	"github.com/pearlhq/pearl/internal/metrics"
	"github.com/pearlhq/pearl/internal/orchestrator"
	"github.com/pearlhq/pearl/internal/reqlog"
	"github.com/pearlhq/pearl/internal/routing"
	"github.com/pearlhq/pearl/internal/server"
	"github.com/pearlhq/pearl/internal/store"
	"github.com/pearlhq/pearl/internal/sunrise"
	"github.com/pearlhq/pearl/internal/transcript"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(logger.FromConfig(cfg.Logging.Level, cfg.Logging.Format))
	log.Info("starting pearl", "version", server.Version, "config", *configPath)

	gin.SetMode(cfg.Server.GinMode)

	st, err := store.New(cfg.Memory.Path, log)
	if err != nil {
		log.Error("failed to open memory store", "path", cfg.Memory.Path, "error", err)
		os.Exit(1)
	}

	transcripts, err := transcript.NewLog(cfg.Sunrise.TranscriptDir, log)
	if err != nil {
		log.Error("failed to open transcript log", "dir", cfg.Sunrise.TranscriptDir, "error", err)
		os.Exit(1)
	}

	provider := newEmbeddingProvider(cfg)
	registry := newBackendRegistry(cfg, log)
	completer := backend.NewCompleter(registry)

	retriever := memory.NewRetriever(memory.RetrieverParams{
		Store:        st,
		Provider:     provider,
		Limit:        cfg.Memory.Retrieval.Limit,
		MinScore:     cfg.Memory.Retrieval.MinScore,
		TokenBudget:  cfg.Memory.Retrieval.TokenBudget,
		RecencyBoost: cfg.Memory.Retrieval.RecencyBoost,
		HalfLife:     time.Duration(cfg.Memory.Retrieval.HalfLifeHours * float64(time.Hour)),
		Logger:       log,
	})
	augmenter := memory.NewAugmenter(retriever, memory.NewSessionTracker(), cfg.Memory.Retrieval.QueryContextMessages, log)
	extractor := memory.NewExtractor(completer, cfg.Memory.Extraction.Model, cfg.Memory.Extraction.MinConfidence, log)

	var validator *memory.Validator
	if mode := cfg.Memory.Validator.Mode; mode != "" && mode != "off" {
		validator = memory.NewValidator(st, memory.ValidatorMode(mode), log)
	}

	var sunriseService *sunrise.Service
	if cfg.Sunrise.Enabled {
		detector := sunrise.NewDetector(transcripts, time.Duration(cfg.Sunrise.GapThresholdMs)*time.Millisecond, log)
		summarizer := sunrise.NewSummarizer(sunrise.SummarizerParams{
			Log:         transcripts,
			Completer:   completer,
			Model:       cfg.Sunrise.Model,
			Lookback:    time.Duration(cfg.Sunrise.LookbackMs) * time.Millisecond,
			MaxMessages: cfg.Sunrise.MaxMessages,
			MinMessages: cfg.Sunrise.MinMessages,
			Logger:      log,
		})
		sunriseService = sunrise.NewService(detector, summarizer, log)
	}

	router, err := routing.NewRouter(cfg.Routing, log)
	if err != nil {
		log.Error("invalid routing configuration", "error", err)
		os.Exit(1)
	}

	orch := orchestrator.New(orchestrator.Params{
		Router:               router,
		Registry:             registry,
		Augmenter:            augmenter,
		Extractor:            extractor,
		Validator:            validator,
		Sunrise:              sunriseService,
		Log:                  transcripts,
		Store:                st,
		Provider:             provider,
		ExtractionEnabled:    cfg.Memory.Extraction.Enabled,
		ExtractFromAssistant: cfg.Memory.Extraction.ExtractFromAssistant,
		QueueSize:            cfg.Memory.Extraction.QueueSize,
		Logger:               log,
	})

	var requestLog *reqlog.Service
	if cfg.RequestLog.Path != "" {
		requestLog, err = reqlog.NewService(cfg.RequestLog.Path, cfg.RequestLog.BufferSize, cfg.RequestLog.Workers, log)
		if err != nil {
			log.Error("failed to open request log", "path", cfg.RequestLog.Path, "error", err)
			os.Exit(1)
		}
	}

	scheduler := cron.New()
	scheduler.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		pruned, err := st.PruneExpired(ctx)
		if err != nil {
			log.Warn("expiry pruning failed", "error", err)
			return
		}
		metrics.MemoriesPrunedTotal.Add(float64(pruned))
	})
	scheduler.Start()

	srv := server.New(server.Params{
		Config:       cfg,
		Orchestrator: orch,
		Registry:     registry,
		Store:        st,
		Provider:     provider,
		RequestLog:   requestLog,
		Logger:       log,
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: srv.Router(),
	}

	go func() {
		log.Info("listening", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", "error", err)
	}

	// The extraction queue drains into the store, so the orchestrator goes
	// down before anything else that still writes.
	if err := orch.Shutdown(); err != nil {
		log.Warn("orchestrator shutdown", "error", err)
	}
	if requestLog != nil {
		requestLog.Close()
	}

	log.Info("stopped")
}

func newEmbeddingProvider(cfg *config.Config) embedding.Provider {
	e := cfg.Embedding
	if e.Provider == "openai" {
		return embedding.NewOpenAIProvider(e.BaseURL, e.APIKey, e.Model, e.Dimensions)
	}
	return embedding.NewLocalProvider(e.BaseURL, e.Model, e.Dimensions)
}

// newBackendRegistry registers one adapter per prefix. The anthropic-max
// prefix shares the anthropic wire shape but authenticates through the OAuth
// credentials file instead of an API key.
func newBackendRegistry(cfg *config.Config, log *logger.Logger) *backend.Registry {
	b := cfg.Backends
	timeout := time.Duration(b.TimeoutSeconds) * time.Second
	retry := backend.RetryPolicy{
		Retries:   b.Retry.Retries,
		BaseDelay: time.Duration(b.Retry.BaseDelayMs) * time.Millisecond,
		Factor:    b.Retry.Factor,
		MaxDelay:  time.Duration(b.Retry.MaxDelayMs) * time.Millisecond,
	}

	registry := backend.NewRegistry("openai")
	registry.Register("openai", backend.NewOpenAIAdapter(b.OpenAI.BaseURL, b.OpenAI.APIKey, timeout, retry, log))
	registry.Register("local", backend.NewLocalAdapter(b.Local.BaseURL, timeout, retry, log))
	registry.Register("mock", backend.NewMockAdapter())

	oauth := backend.NewOAuthManager(b.Anthropic.CredentialsPath, b.Anthropic.OAuthClientID, b.Anthropic.OAuthClientSecret, b.Anthropic.OAuthTokenURL, log)
	if backend.IsOAuthToken(b.Anthropic.APIKey) {
		// An OAuth token in the api_key slot means both prefixes run through
		// the credentials file.
		registry.Register("anthropic", backend.NewAnthropicAdapter(b.Anthropic.BaseURL, "", oauth, timeout, retry, log))
	} else {
		registry.Register("anthropic", backend.NewAnthropicAdapter(b.Anthropic.BaseURL, b.Anthropic.APIKey, nil, timeout, retry, log))
	}
	registry.Register("anthropic-max", backend.NewAnthropicAdapter(b.Anthropic.BaseURL, "", oauth, timeout, retry, log))

	return registry
}
