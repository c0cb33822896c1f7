package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/relay-tender/config"
	"github.com/onnwee/relay-tender/db"
	"github.com/onnwee/relay-tender/devices"
	"github.com/onnwee/relay-tender/monitor"
	"github.com/onnwee/relay-tender/otp"
	"github.com/onnwee/relay-tender/relay"
	"github.com/onnwee/relay-tender/schedule"
	"github.com/onnwee/relay-tender/server"
	"github.com/onnwee/relay-tender/session"
	"github.com/onnwee/relay-tender/store"
)

const (
	// settleDelay gives the player time to load before and after fullscreen.
	settleDelay = 10 * time.Second
	skipDelay   = time.Second
	stopTimeout = 15 * time.Second
)

// backends are the shared collaborators every subcommand opens.
type backends struct {
	store   store.Store
	db      *sql.DB
	archive *db.Archive
	closers []func() error
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			slog.Warn("close backend", slog.Any("err", err))
		}
	}
}

// monitorArchive returns the archive as the monitor's interface, or nil.
func (b *backends) monitorArchive() monitor.Archive {
	if b.archive == nil {
		return nil
	}
	return b.archive
}

func (b *backends) serverDeps(cfg *config.Config) server.Deps {
	return server.Deps{
		Store:    b.store,
		DB:       b.db,
		Archive:  b.archive,
		RelayKey: cfg.RelayServerKey,
		ChatPoll: cfg.ChatPollInterval,
	}
}

// openBackends connects the coordination store and, when DB_DSN is set, the
// relay archive with its migrations applied.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}
	switch cfg.StoreBackend {
	case "memory":
		b.store = store.NewMemoryStore()
	default:
		rs, err := store.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		b.store = rs
		b.closers = append(b.closers, rs.Close)
	}

	if cfg.DBDsn == "" {
		return b, nil
	}
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("open archive: %w", err)
	}
	b.closers = append(b.closers, database.Close)
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		b.Close()
		return nil, err
	}
	b.db = database
	b.archive = &db.Archive{DB: database}
	return b, nil
}

func newSiteLogin(cfg *config.Config) *monitor.SiteLogin {
	return &monitor.SiteLogin{
		Factory: session.NewChromeFactory(session.ChromeOptions{ExecPath: cfg.ChromePath, Debug: cfg.HeadlessDebug}),
		Host:    &devices.Host{Skip: cfg.HeadlessDebug},
		OTP: &otp.IMAPFetcher{
			Addr:     cfg.OTPIMAPAddr,
			Username: cfg.OTPEmail,
			Password: cfg.OTPEmailPassword,
			Timeout:  30 * time.Second,
		},
		LoginURL:         cfg.LoginURL,
		LogoutURL:        cfg.LogoutURL,
		Email:            cfg.Email,
		Password:         cfg.Password,
		OTPPollInterval:  cfg.OTPPollInterval,
		OTPMaxAttempts:   cfg.OTPMaxAttempts,
		FormTimeout:      30 * time.Second,
		ChallengeTimeout: 10 * time.Second,
		WelcomeTimeout:   10 * time.Second,
		SubmitDelay:      3 * time.Second,
		HTTPClient:       &http.Client{Timeout: 10 * time.Second},
	}
}

func workerConfig(cfg *config.Config) monitor.WorkerConfig {
	return monitor.WorkerConfig{
		LiveWaitTimeout:  cfg.LiveWaitTimeout,
		VideoWaitTimeout: cfg.VideoWaitTimeout,
		ChatPollInterval: cfg.ChatPollInterval,
		RestartBackoff:   cfg.WorkerRestartBackoff,
		SettleDelay:      settleDelay,
		ClaimTTL:         cfg.ClaimTTL,
		SurfaceMissLimit: cfg.SurfaceMissLimit,
		RelayServer:      cfg.RelayServer,
		RelayKey:         cfg.RelayServerKey,
	}
}

func newWorker(cfg *config.Config, b *backends, auth monitor.Authenticator, pool *devices.Pool, spec monitor.WorkerSpec) *monitor.Worker {
	return &monitor.Worker{
		Spec:    spec,
		Cfg:     workerConfig(cfg),
		Auth:    auth,
		Relayer: &relay.FFmpeg{},
		Store:   b.store,
		Devices: pool,
		Archive: b.monitorArchive(),
	}
}

// runMonitor resets the store, then supervises the rotation scanner and the
// HTTP API until ctx ends, and resets the store again on the way out.
func runMonitor(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := b.store.DeleteAll(cctx); err != nil {
			slog.Warn("reset store on shutdown", slog.Any("err", err))
		}
	}()

	auth := newSiteLogin(cfg)
	pool := devices.NewPool(cfg.DisplayBase)

	var spawner monitor.Spawner
	mode := cfg.WorkerMode
	if mode == "process" && cfg.StoreBackend == "memory" {
		slog.Warn("memory store is not shared across processes, running workers in-process")
		mode = "inprocess"
	}
	switch mode {
	case "inprocess":
		gs := &monitor.GoroutineSpawner{New: func(spec monitor.WorkerSpec) *monitor.Worker {
			return newWorker(cfg, b, auth, pool, spec)
		}}
		defer gs.Wait()
		spawner = gs
	default:
		ps := monitor.NewProcessSpawner(cfg.SpawnRatePerMin)
		defer ps.Stop(stopTimeout)
		spawner = ps
	}

	upcoming := &monitor.UpcomingExtractor{Store: b.store, Window: cfg.UpcomingWindow, Now: time.Now, NewID: uuid.NewString}
	if cfg.OpenAIAPIKey != "" {
		upcoming.Extractor = schedule.NewOpenAIExtractor(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	} else {
		slog.Info("upcoming stream extraction disabled (OPENAI_API_KEY not set)")
	}

	scanner := &monitor.Scanner{
		Channels:        cfg.Channels,
		Store:           b.store,
		Auth:            auth,
		Device:          pool.Device(devices.ScannerSlot),
		Upcoming:        upcoming,
		Spawner:         spawner,
		Archive:         b.monitorArchive(),
		LiveWaitTimeout: cfg.LiveWaitTimeout,
		RestartDelay:    cfg.ScannerRestartDelay,
		SkipDelay:       skipDelay,
		ClaimTTL:        cfg.ClaimTTL,
		NewID:           uuid.NewString,
	}

	slog.Info("starting monitor",
		slog.Int("channel_count", len(cfg.Channels)),
		slog.String("worker_mode", mode),
		slog.String("store", cfg.StoreBackend),
		slog.Bool("archive", b.archive != nil))

	err = monitor.Supervise(ctx, cfg.ScannerRestartDelay,
		scanner,
		server.Source{Deps: b.serverDeps(cfg), Addr: cfg.HTTPAddr},
	)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// runWorker relays one broadcast described by flags. The process exits when
// the broadcast ends or on SIGTERM from the monitor.
func runWorker(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	channelID := fs.String("channel", "", "channel id")
	group := fs.String("group", "", "channel group")
	url := fs.String("url", "", "channel url")
	streamID := fs.String("stream-id", "", "stream id assigned by the scanner")
	slot := fs.Int("slot", 0, "device slot")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *streamID == "" || (*channelID == "" && *url == "") {
		return errors.New("worker: --stream-id and --channel or --url are required")
	}

	ch, ok := cfg.ChannelByID(*channelID)
	if !ok {
		if *url == "" {
			return fmt.Errorf("worker: unknown channel %q", *channelID)
		}
		ch = config.Channel{ID: *channelID, Group: *group, URL: *url}
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	w := newWorker(cfg, b, newSiteLogin(cfg), devices.NewPool(cfg.DisplayBase), monitor.WorkerSpec{Channel: ch, StreamID: *streamID, Slot: *slot})
	return w.Run(ctx)
}

// runServe exposes the HTTP API without scanning.
func runServe(ctx context.Context, cfg *config.Config) error {
	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	return server.Start(ctx, b.serverDeps(cfg), cfg.HTTPAddr)
}
