package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/mentorbot/internal/admission"
	"github.com/nextlevelbuilder/mentorbot/internal/bus"
	"github.com/nextlevelbuilder/mentorbot/internal/channels"
	"github.com/nextlevelbuilder/mentorbot/internal/channels/telegram"
	"github.com/nextlevelbuilder/mentorbot/internal/clock"
	"github.com/nextlevelbuilder/mentorbot/internal/config"
	"github.com/nextlevelbuilder/mentorbot/internal/dispatch"
	"github.com/nextlevelbuilder/mentorbot/internal/docs"
	"github.com/nextlevelbuilder/mentorbot/internal/payments"
	"github.com/nextlevelbuilder/mentorbot/internal/router"
	"github.com/nextlevelbuilder/mentorbot/internal/sessions"
	"github.com/nextlevelbuilder/mentorbot/internal/store"
	"github.com/nextlevelbuilder/mentorbot/internal/store/memory"
	"github.com/nextlevelbuilder/mentorbot/internal/store/pg"
	"github.com/nextlevelbuilder/mentorbot/internal/store/sqlite"
	"github.com/nextlevelbuilder/mentorbot/internal/tracing"
	"github.com/nextlevelbuilder/mentorbot/internal/upgrade"
)

func runGateway() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Telegram.Token == "" {
		slog.Error("telegram token missing", "env", config.EnvPrefix+"TELEGRAM_TOKEN")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	stores, err := openStores(ctx, cfg)
	if err != nil {
		slog.Error("failed to open storage", "error", err)
		os.Exit(1)
	}

	be, err := buildBackends(cfg)
	if err != nil {
		slog.Error("failed to configure conversation backend", "error", err)
		stores.Close()
		os.Exit(1)
	}

	clk := clock.New()
	loc := cfg.Dispatcher.Location()
	msgBus := bus.New()

	// Payments: ledger, lesson catalog, schedule book and the transport they
	// notify through.
	ledger := payments.NewLedger(stores.Payments)
	catalog := payments.NewCatalog(cfg.Packages)
	book := payments.NewScheduleBook(stores.Schedule, catalog)

	tg, err := telegram.New(cfg.Telegram, msgBus)
	if err != nil {
		slog.Error("failed to initialize telegram channel", "error", err)
		stores.Close()
		os.Exit(1)
	}
	pipeline := payments.NewPipeline(ledger, book, stores.Users, tg, clk, payments.PipelineConfig{
		AdminChatID: cfg.Telegram.AdminChatID,
		Location:    loc,
	})
	tg.SetPayments(ledger, pipeline)
	if cfg.Telegram.ProviderToken == "" {
		slog.Warn("payments provider token missing, package offers will be sent without invoices",
			"env", config.EnvPrefix+"PROVIDER_TOKEN")
	}

	sess := sessions.NewManager(config.ExpandHome(cfg.Sessions.Storage), cfg.Dispatcher.ConversationHistoryCap, systemPrompt(cfg))
	docsIndex := loadDocs(cfg.Docs.Path)

	// Admission: dedupe, gate, turn aggregation, per-user dispatch lanes.
	gate := admission.NewGate(gateConfig(cfg.Admission))
	dedupe := bus.NewDedupeCache(cfg.Admission.DedupeTTL(), dedupeMaxEntries)
	consumer := newInboundConsumer(clk, gate, dedupe, cfg.Admission.BatchTimeout(), cfg.Admission.GateEnabled)

	commands := dispatch.NewCommands(dispatch.CommandDeps{
		Ledger:   ledger,
		Book:     book,
		Docs:     docsIndex,
		Sessions: sess,
		History:  stores.History,
		Clock:    clk,
		Location: loc,
		OnReset:  consumer.resetUser,
	})
	consumer.processor = dispatch.New(dispatch.Deps{
		Provider:    be.chat,
		Transcriber: be.transcriber,
		Files:       tg,
		Typing:      tg,
		Sessions:    sess,
		History:     stores.History,
		Commands:    commands,
		Clock:       clk,
	}, dispatch.Config{
		Model:         be.chat.DefaultModel(),
		MaxTokens:     cfg.Dispatcher.MaxTokens,
		Temperature:   cfg.Dispatcher.Temperature,
		Retry:         retryConfig(cfg.Dispatcher),
		Location:      loc,
		MediaMaxBytes: cfg.Telegram.MediaMaxBytes,
	})
	consumer.router = router.New(tg, be.synthesizer, ledger, router.Config{
		Currency:           cfg.Telegram.Currency,
		VoiceReplyMinChars: cfg.Dispatcher.VoiceReplyMinChars,
	})

	channelMgr := channels.NewManager()
	channelMgr.RegisterChannel(tg.Name(), tg)

	// Hot reload: admission windows, packages, history cap, prompt,
	// allowlist and admin chat. Secrets and storage need a restart.
	var current atomic.Pointer[config.Config]
	current.Store(cfg)
	onReload := func(next *config.Config) {
		current.Store(next)
		consumer.applyConfig(next.Admission.GateEnabled, gateConfig(next.Admission), next.Admission.BatchTimeout())
		catalog.SetRules(next.Packages)
		sess.SetCap(next.Dispatcher.ConversationHistoryCap)
		sess.SetPreamble(systemPrompt(next))
		tg.SetAllowList(next.Telegram.AllowFrom)
		pipeline.SetAdminChat(next.Telegram.AdminChatID)
		slog.Info("config reloaded",
			"gate_enabled", next.Admission.GateEnabled,
			"debounce", next.Admission.DebounceWindow(),
			"batch_timeout", next.Admission.BatchTimeout(),
			"packages", len(catalog.Rules()))
	}

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
		stores.Close()
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.run(gctx, msgBus)
	})
	g.Go(func() error {
		m := &maintenance{
			clock:    clk,
			gate:     gate,
			dedupe:   dedupe,
			settings: func() config.AdmissionConfig { return current.Load().Admission },
		}
		return m.run(gctx)
	})
	g.Go(func() error {
		if err := config.Watch(gctx, cfgPath, onReload); err != nil {
			slog.Warn("config watcher unavailable, hot reload disabled", "error", err)
		}
		return nil
	})

	slog.Info("mentorbot gateway starting",
		"version", Version,
		"mode", cfg.Database.Mode,
		"backend", be.chat.Name(),
		"model", be.chat.DefaultModel(),
		"gate_enabled", cfg.Admission.GateEnabled,
		"channels", channelMgr.GetEnabledChannels(),
	)

	<-gctx.Done()
	slog.Info("graceful shutdown initiated")

	channelMgr.StopAll(context.Background())
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("gateway task failed", "error", err)
	}
	consumer.shutdown(shutdownGrace)
	if err := stores.Close(); err != nil {
		slog.Warn("failed to close storage", "error", err)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}
	slog.Info("mentorbot gateway stopped")
}

// openStores picks the persistence backend. Managed mode refuses to start
// on an incompatible schema.
func openStores(ctx context.Context, cfg *config.Config) (*store.Stores, error) {
	if cfg.IsManagedMode() {
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		status, err := upgrade.CheckSchema(ctx, db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("check schema: %w", err)
		}
		if err := status.Err(); err != nil {
			fmt.Fprintln(os.Stderr, upgrade.FormatError(status))
			db.Close()
			return nil, err
		}
		if pending, err := upgrade.PendingHooks(ctx, db); err == nil && len(pending) > 0 {
			slog.Warn("data hooks pending, run: mentorbot migrate up", "hooks", pending)
		}
		slog.Info("storage: postgres", "schema", status.CurrentVersion)
		return pg.NewStoresFromDB(db), nil
	}

	if cfg.Database.Mode == "managed" {
		slog.Warn("managed mode without postgres dsn, falling back to standalone",
			"env", config.EnvPrefix+"POSTGRES_DSN")
	}
	if cfg.Database.SQLitePath == "" {
		slog.Warn("storage: memory, payments and schedule are lost on restart")
		return memory.NewStores(), nil
	}
	stores, err := sqlite.NewSQLiteStores(store.StoreConfig{SQLitePath: config.ExpandHome(cfg.Database.SQLitePath)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	slog.Info("storage: sqlite", "path", cfg.Database.SQLitePath)
	return stores, nil
}

func gateConfig(a config.AdmissionConfig) admission.GateConfig {
	return admission.GateConfig{
		DebounceWindow: a.DebounceWindow(),
		MaxWaitWindow:  a.MaxWaitWindow(),
	}
}

func systemPrompt(cfg *config.Config) string {
	if cfg.Dispatcher.SystemPrompt != "" {
		return cfg.Dispatcher.SystemPrompt
	}
	return dispatch.DefaultSystemPrompt
}

func loadDocs(path string) *docs.Index {
	if path == "" {
		return docs.NewIndex(nil)
	}
	idx, err := docs.LoadFile(config.ExpandHome(path))
	if err != nil {
		slog.Warn("docs file not loaded, using built-in articles", "path", path, "error", err)
		return docs.NewIndex(nil)
	}
	slog.Info("docs loaded", "path", path, "entries", idx.Len())
	return idx
}
