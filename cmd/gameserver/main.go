package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aethercore/tickengine/internal/authstore"
	"github.com/aethercore/tickengine/internal/charstore"
	"github.com/aethercore/tickengine/internal/config"
	"github.com/aethercore/tickengine/internal/loginsm"
	"github.com/aethercore/tickengine/internal/netmgr"
	"github.com/aethercore/tickengine/internal/supervisor"
	"github.com/aethercore/tickengine/internal/ticksched"
	"github.com/aethercore/tickengine/internal/worldtick"
)

const ConfigPath = "config/tickengine.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := ConfigPath
	if p := os.Getenv("TICKENGINE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		return supervisor.ExitConfigError
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("tickengine starting", "bind", cfg.BindAddress, "port", cfg.Port, "ticks_per_second", cfg.TicksPerSecond)

	ctx := context.Background()

	store, err := charstore.New(ctx, cfg.Database.DSN())
	if err != nil {
		slog.Error("connecting to character store", "error", err)
		return supervisor.ExitConfigError
	}
	defer store.Close()

	if err := charstore.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
		slog.Error("running character store migrations", "error", err)
		return supervisor.ExitConfigError
	}
	slog.Info("character store migrations applied")

	tickets := authstore.NewMemStore()

	loginMachine, err := loginsm.New(tickets, store)
	if err != nil {
		slog.Error("building login state machine", "error", err)
		return supervisor.ExitConfigError
	}
	loginMachine.SetTicksPerSecond(cfg.TicksPerSecond)

	mgr := netmgr.New(netmgr.Config{
		MaxClients:           cfg.MaxClients,
		OutRingCapacity:      cfg.OutRingCapacity,
		TickBufCapacity:      cfg.TickBufCapacity,
		RecvBurstBytes:       cfg.RecvBurstBytes,
		CompressThreshold:    cfg.CompressThreshold,
		HandshakeIdleTimeout: cfg.HandshakeIdleTimeout,
		NormalIdleTimeout:    cfg.NormalIdleTimeout,
	}, nil, loginMachine)
	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	if err := mgr.Listen(addr); err != nil {
		slog.Error("binding listener", "addr", addr, "error", err)
		return supervisor.ExitConfigError
	}
	defer mgr.Close()
	slog.Info("listening", "addr", mgr.Addr())

	orchestrator := worldtick.New(mgr.Table(), nil, nil, nil, nil, nil)
	orchestrator.SetTickEmitter(loginMachine.TickEmitter())
	orchestrator.SetLagStoneThreshold(cfg.LagStoneThreshold)

	sched := ticksched.New(cfg.TickPeriod(), cfg.CatchUpSlipMax, cfg.IOSlice,
		func(slip time.Duration) {
			orchestrator.Tick(slip)
			mgr.CompressTicks()
		},
		mgr.HandleIO,
	)

	sup := supervisor.New()
	sup.SetDrainTimeout(time.Duration(cfg.ShutdownGraceTicks) * cfg.TickPeriod())
	sup.AddDrainer(mgr)
	sup.Add("scheduler", sched.Run)
	sup.Add("ticket-janitor", func(ctx context.Context) error {
		return runJanitor(ctx, tickets, cfg)
	})

	return sup.Run(ctx)
}

// runJanitor periodically sweeps expired login tickets so an abandoned
// handshake flood can't grow the ticket store without bound (§4.7).
func runJanitor(ctx context.Context, tickets *authstore.MemStore, cfg config.Engine) error {
	interval := cfg.LoginTicketTTL
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := tickets.CleanExpired(now); n > 0 {
				slog.Debug("expired login tickets swept", "count", n)
			}
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
