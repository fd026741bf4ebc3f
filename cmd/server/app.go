package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ideanote/ideabot/internal/api"
	"github.com/ideanote/ideabot/internal/auth"
	"github.com/ideanote/ideabot/internal/config"
	"github.com/ideanote/ideabot/internal/core"
	"github.com/ideanote/ideabot/internal/logger"
	"github.com/ideanote/ideabot/internal/store"
	"github.com/ideanote/ideabot/internal/telegram"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// app holds the components shared by the subcommands.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	store     store.Store
	client    *telegram.Client
	reminders *core.ReminderScheduler
	digest    *core.DigestScheduler
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireTelegram(); err != nil {
		return nil, err
	}
	log := logger.New("ideabot", cfg.LogLevel)

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	client := telegram.NewClient(cfg.TelegramAPIURL, cfg.TelegramToken, cfg.SendTimeout, log)
	dispatcher := core.NewDispatcher(client, cfg.SendTimeout)

	reminders := core.NewReminderScheduler(st, dispatcher, core.ReminderSchedulerConfig{
		Interval:    cfg.ReminderInterval,
		BatchSize:   cfg.ReminderBatchSize,
		CallTimeout: cfg.ReminderCallTimeout,
		Lease:       cfg.ReminderLease,
		MaxAttempts: cfg.ReminderMaxAttempts,
	}, log)

	digest, err := core.NewDigestScheduler(st, dispatcher, core.DigestSchedulerConfig{
		Schedule:    cfg.DigestSchedule,
		StaleAfter:  cfg.DigestStaleAfter,
		TopN:        cfg.DigestTopN,
		CallTimeout: cfg.ReminderCallTimeout,
	}, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		log:       log,
		store:     st,
		client:    client,
		reminders: reminders,
		digest:    digest,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Info().Str("driver", cfg.DatabaseDriver).Msg("database ready")
	return st, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error().Err(err).Msg("closing store")
	}
}

func (a *app) pendingStore(ctx context.Context) (core.PendingStore, func(), error) {
	if a.cfg.RedisURL == "" {
		return core.NewMemoryPendingStore(a.cfg.PendingTTL, nil), func() {}, nil
	}
	rs, err := core.NewRedisPendingStore(ctx, a.cfg.RedisURL, a.cfg.PendingTTL, nil)
	if err != nil {
		return nil, nil, err
	}
	a.log.Info().Msg("pending interactions stored in redis")
	return rs, func() { _ = rs.Close() }, nil
}

func (a *app) generator(ctx context.Context) (core.Generator, func()) {
	if a.cfg.GeminiAPIKey == "" {
		a.log.Info().Msg("no Gemini API key, /article disabled")
		return nil, func() {}
	}
	llm, err := core.NewLLMService(ctx, a.cfg.GeminiAPIKey, a.cfg.GeminiModel, a.log)
	if err != nil {
		a.log.Error().Err(err).Msg("article generation unavailable")
		return nil, func() {}
	}
	return llm, llm.Close
}

func runServe(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	pending, closePending, err := a.pendingStore(ctx)
	if err != nil {
		return err
	}
	defer closePending()

	gen, closeGen := a.generator(ctx)
	defer closeGen()

	conversations := core.NewConversationService(a.store, pending, a.client, gen, core.NewTokenIssuer(nil),
		core.ConversationServiceConfig{
			ListLimit:      a.cfg.ListLimit,
			MaxDelay:       a.cfg.ReminderMaxDelay,
			ArticleTimeout: a.cfg.ArticleTimeout,
		}, a.log)
	intake := telegram.NewIntake(conversations, a.client, a.log)

	deps := api.Deps{
		Store:         a.store,
		Reminders:     a.reminders,
		Digest:        a.digest,
		WebhookSecret: a.cfg.WebhookSecret,
		JWTSecret:     a.cfg.JWTSecret,
	}
	if a.cfg.UpdateMode == "webhook" {
		deps.Updates = intake
	}
	srv := &http.Server{
		Addr:         a.cfg.HTTPAddr(),
		Handler:      api.NewRouter(api.NewAPIHandler(deps, a.log), a.log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // article generation runs inside webhook requests
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(a.reminders.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(a.digest.Run(gctx)) })
	if a.cfg.UpdateMode == "polling" {
		poller := telegram.NewPoller(a.client, intake, a.cfg.PollTimeout, a.log)
		g.Go(func() error { return ignoreCanceled(poller.Run(gctx)) })
	}
	g.Go(func() error {
		a.log.Info().Str("addr", srv.Addr).Str("mode", a.cfg.UpdateMode).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	conversations.Wait()
	a.log.Info().Msg("server exited")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runMigrate(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	log := logger.New("ideabot", cfg.LogLevel)
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	return st.Close()
}

func runTick(ctx context.Context, out io.Writer) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.reminders.Tick(ctx)
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(res)
}

func runDigest(ctx context.Context, out io.Writer) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.digest.RunOnce(ctx)
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(res)
}

func runToken(out io.Writer, subject string, ttl time.Duration) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	token, err := auth.GenerateJWT(cfg.JWTSecret, subject, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
