package app

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/valyala/fasthttp"

	"roomlog/internal/redelivery"
	"roomlog/pkg/api"
	"roomlog/pkg/chat"
	"roomlog/pkg/config"
	"roomlog/pkg/config/banner"
	"roomlog/pkg/dispatch"
	"roomlog/pkg/eventlog"
	"roomlog/pkg/logger"
	"roomlog/pkg/messages"
	"roomlog/pkg/progressor"
	"roomlog/pkg/rooms"
	"roomlog/pkg/sensor"
	"roomlog/pkg/state"
	"roomlog/pkg/telemetry"
)

// App groups server state and components.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string
	paths     state.Paths

	store    *eventlog.PebbleStore
	log      *eventlog.Log
	pipeline *dispatch.Pipeline
	coll     *messages.Collection
	chat     *chat.Messages
	hwSensor *sensor.Sensor
	sweeper  *redelivery.Sweeper
	api      *api.Server

	srvFast *fasthttp.Server
	state   string
}

// New sets up everything that does not need a running context: directory
// layout, sinks, the event store and the components over it. Call Run to
// start the background loops and the HTTP server.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	if err := config.ValidateConfig(eff); err != nil {
		return nil, err
	}
	cfg := eff.Config

	paths := state.PathsFor(eff.DBPath)
	if err := paths.Ensure(); err != nil {
		return nil, fmt.Errorf("state dirs: %w", err)
	}

	auditDir := cfg.Logging.AuditDir
	if auditDir == "" {
		auditDir = paths.Audit
	}
	if err := logger.AttachAuditFileSink(auditDir); err != nil {
		logger.Warn("audit_sink_unavailable", "dir", auditDir, "error", err)
	}

	telDir := cfg.Telemetry.Dir
	if telDir == "" {
		telDir = paths.Telemetry
	}
	if err := telemetry.Init(telemetry.Options{
		Dir:           telDir,
		BufferSize:    int(cfg.Telemetry.BufferSize.Int64()),
		QueueCapacity: cfg.Telemetry.QueueCapacity,
		FlushInterval: cfg.Telemetry.FlushInterval.Duration(),
		MaxFileSize:   cfg.Telemetry.FileMaxSize.Int64(),
		SampleRate:    cfg.Telemetry.SampleRate,
		SlowThreshold: cfg.Telemetry.SlowThreshold.Duration(),
	}); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := eventlog.OpenPebble(paths.Store, eventlog.PebbleOptions{
		SyncWrites: cfg.Store.SyncWrites,
		CacheSize:  cfg.Store.CacheSize.Int64(),
	})
	if err != nil {
		telemetry.Close()
		return nil, fmt.Errorf("failed to open pebble at %s: %w", paths.Store, err)
	}
	if migrated, err := progressor.Run(context.Background(), store); err != nil {
		_ = store.Close()
		telemetry.Close()
		return nil, fmt.Errorf("store format upgrade: %w", err)
	} else if migrated {
		logger.Info("store_format_current", "format", progressor.CurrentFormat)
	}
	log, err := eventlog.New(store)
	if err != nil {
		_ = store.Close()
		telemetry.Close()
		return nil, err
	}

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		paths:     paths,
		store:     store,
		log:       log,
		state:     "initialized",
	}

	a.pipeline = dispatch.NewPipeline(log, dispatch.PipelineOptions{
		Options: dispatch.Options{
			Workers:       cfg.Dispatch.Workers,
			MaxBatch:      cfg.Dispatch.MaxBatch,
			FlushInterval: cfg.Dispatch.FlushInterval.Duration(),
		},
		QueueCapacity: cfg.Dispatch.QueueCapacity,
		Block:         cfg.Dispatch.Block,
	})
	a.coll = messages.New(log, a.pipeline, messages.Options{
		Source:      cfg.Messages.Source,
		WaitTimeout: cfg.Dispatch.WaitTimeout.Duration(),
	})
	a.chat = chat.New(a.coll, rooms.NewPebbleCounters(store.DB(), cfg.Store.SyncWrites), chat.Options{})

	a.hwSensor = sensor.NewSensor(sensor.MonitorConfig{
		Path:           paths.Store,
		PollInterval:   cfg.Sensor.PollInterval.Duration(),
		DiskHighPct:    cfg.Sensor.DiskHighPct,
		DiskLowPct:     cfg.Sensor.DiskLowPct,
		RecoveryWindow: cfg.Sensor.RecoveryWindow.Duration(),
	})

	if cfg.Redelivery.Enabled {
		a.sweeper, err = redelivery.New(redelivery.Config{
			Cron:        cfg.Redelivery.Cron,
			MinAge:      cfg.Redelivery.MinAge.Duration(),
			BatchSize:   cfg.Redelivery.BatchSize,
			WaitTimeout: cfg.Dispatch.WaitTimeout.Duration(),
		}, log, a.pipeline)
		if err != nil {
			_ = a.Shutdown(context.Background())
			return nil, err
		}
	}

	a.api = api.New(api.Deps{
		Messages: a.coll,
		Chat:     a.chat,
		Log:      log,
		Sensor:   a.hwSensor,
		Version:  version,
		RPS:      cfg.RateLimit.RPS,
		Burst:    cfg.RateLimit.Burst,
	})

	a.logDurabilitySummary()
	return a, nil
}

// logDurabilitySummary prints how many accepted-but-undispatched events can
// be pending at once.
func (a *App) logDurabilitySummary() {
	d := a.eff.Config.Dispatch
	pending := d.QueueCapacity + d.Workers*d.MaxBatch
	items := []string{
		fmt.Sprintf("queue_capacity: %s", humanize.Comma(int64(d.QueueCapacity))),
		fmt.Sprintf("workers: %d", d.Workers),
		fmt.Sprintf("max_batch: %s", humanize.Comma(int64(d.MaxBatch))),
		fmt.Sprintf("events_pending_max: %s", humanize.Comma(int64(pending))),
		fmt.Sprintf("wait_timeout: %s", d.WaitTimeout.Duration()),
		fmt.Sprintf("store_cache: %s", humanize.IBytes(uint64(a.eff.Config.Store.CacheSize.Int64()))),
		fmt.Sprintf("sync_writes: %t", a.eff.Config.Store.SyncWrites),
	}
	logger.LogConfigSummary("config_dispatch_summary", items)
}

// Run starts the sensor, the redelivery sweeper and the HTTP server, then
// blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	a.hwSensor.Start()
	if a.sweeper != nil {
		a.sweeper.Start(ctx)
	}

	errCh := a.startHTTP(ctx)
	a.state = "running"
	logger.Info("server_started", "addr", a.eff.Addr, "db_path", a.paths.DB)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) printBanner() {
	ver := a.version
	if a.commit != "" && a.commit != "none" {
		ver += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		ver += " @ " + a.buildDate
	}
	banner.PrintWithEff(os.Stdout, a.eff, ver)
}
