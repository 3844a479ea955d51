package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/career-interview/internal/agent"
	"github.com/chadiek/career-interview/internal/config"
	"github.com/chadiek/career-interview/internal/httpserver"
	"github.com/chadiek/career-interview/internal/interview"
	"github.com/chadiek/career-interview/internal/llm"
	"github.com/chadiek/career-interview/internal/logging"
	"github.com/chadiek/career-interview/internal/metrics"
	"github.com/chadiek/career-interview/internal/middleware"
	"github.com/chadiek/career-interview/internal/rtc"
	"github.com/chadiek/career-interview/internal/store"
	"github.com/chadiek/career-interview/internal/telephony"
	"github.com/chadiek/career-interview/internal/tts"
)

func main() {
	cfg := config.Load()
	logger := logging.Init(cfg.LogLevel, cfg.LogFormat)
	for _, w := range cfg.Warnings {
		logger.Warn().Msg(w)
	}

	steps, err := loadSteps(cfg.StepsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("load step table")
	}
	synth, err := tts.NewSynthesizer(tts.ProviderConfig{
		Provider:          cfg.TTSProvider,
		DeepgramAPIKey:    cfg.DeepgramKey,
		DeepgramModel:     cfg.DeepgramModel,
		ElevenLabsAPIKey:  cfg.ElevenLabsKey,
		ElevenLabsVoiceID: cfg.ElevenLabsVoiceID,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tts provider")
	}
	generator := llm.NewGenerator(
		llm.Config{APIKey: cfg.OpenAIKey, BaseURL: cfg.OpenAIBaseURL},
		llm.WithModel(cfg.OpenAIModel),
		llm.WithLogger(logger.With().Str("component", "llm").Logger()),
	)

	persist := store.NewFanout(logger)
	var snapshots *store.RedisStore
	if cfg.RedisURL != "" {
		snapshots = openRedis(cfg, logger)
		if snapshots != nil {
			persist.Add("redis", snapshots)
		}
	}
	if cfg.SupabaseEnabled() {
		sb, err := store.NewSupabase(store.SupabaseConfig{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			Table:          cfg.SupabaseTable,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("supabase disabled")
		} else {
			persist.Add("supabase", sb)
		}
	}

	agentCfg := agent.DefaultConfig()
	agentCfg.AutoSubmitDelay = cfg.AutoSubmitDelay
	agentCfg.MaxRetries = cfg.MaxRetries
	registry := agent.NewRegistry()
	factory := &agent.Factory{
		Config:    agentCfg,
		Generator: generator,
		Steps:     steps,
		Registry:  registry,
		Logger:    logger,
	}
	if persist.Len() > 0 {
		factory.Persister = persist
		factory.Archiver = persist
	}

	rtcHandler := rtc.NewHandler(factory, cfg.AssemblyAIKey, synth, logger).
		WithICEServers(rtc.ParseICEServers(cfg.ICEServersJSON))

	deps := httpserver.Deps{
		Logger:     logger,
		CORSOrigin: cfg.CORSOrigin,
		Steps:      steps,
		Registry:   registry,
		Metrics:    metrics.NewRegistry(),
		RTC:        rtcHandler,
	}
	if snapshots != nil {
		factory.Snapshots = snapshots
		deps.Snapshots = snapshots
	}
	var phone *telephony.Service
	if cfg.TwilioEnabled() {
		phone = telephony.New(telephony.Config{AccountSID: cfg.TwilioAccountSID, AuthToken: cfg.TwilioAuthToken}, factory, logger)
		deps.Phone = phone
		deps.PhoneAuth = middleware.TwilioAuth(func() string { return cfg.TwilioAuthToken }, cfg.PublicBaseURL)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           httpserver.New(deps),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddress).Int("steps", len(steps.Active())).Bool("phone", phone != nil).Msg("server listening")
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = server.Close()
	}
	if phone != nil {
		phone.Close()
	}
	rtcHandler.Close()
	registry.CloseAll(logger)
	if snapshots != nil {
		_ = snapshots.Close()
	}
}

func loadSteps(path string) (*interview.Table, error) {
	if path == "" {
		return interview.DefaultTable()
	}
	return interview.LoadTableFile(path)
}

func openRedis(cfg config.Config, logger zerolog.Logger) *store.RedisStore {
	rs, err := store.NewRedisStoreFromURL(cfg.RedisURL, store.WithTTL(cfg.SessionTTL))
	if err != nil {
		logger.Warn().Err(err).Msg("redis disabled")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable, continuing; saves will be retried per write")
	}
	return rs
}
