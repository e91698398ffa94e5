// Command revenantd is the drive-revenant background daemon: it owns
// the SchedulerLoop and exposes it over a Unix socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"drive-revenant/clock"
	"drive-revenant/config"
	"drive-revenant/daemon"
	"drive-revenant/enumerator"
	"drive-revenant/eventlog"
	"drive-revenant/inputs"
	"drive-revenant/ioengine"
	"drive-revenant/logging"
	"drive-revenant/model"
	"drive-revenant/policy"
	"drive-revenant/scheduler"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("revenantd interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("revenantd exited with error", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	var (
		configPath string
		jsonLogs   bool
		logLevel   string
	)

	root := &cobra.Command{
		Use:           "revenantd",
		Short:         "Background scheduler that keeps configured drives from spinning down",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(logLevel)
			if err != nil {
				return err
			}
			levelVar.Set(level)
			if jsonLogs {
				logger = logging.NewJSON(os.Stderr, levelVar)
				slog.SetDefault(logger)
			}
			return run(cmd.Context(), configPath, logger)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: $XDG_CONFIG_HOME/drive-revenant/config.yaml)")
	root.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit structured JSON logs instead of terse text")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log verbosity: debug, info, warn, error")

	return root
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func run(ctx context.Context, configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	eventsPath := filepath.Join(filepath.Dir(config.Path()), "events.jsonl")
	if configPath != "" {
		eventsPath = filepath.Join(filepath.Dir(configPath), "events.jsonl")
	}
	sink := eventlog.NewWriter(eventsPath)

	planner := scheduler.NewPlanner(scheduler.PlannerConfig{
		JitterSec:         float64(cfg.JitterSec),
		HDDMaxGapSec:      float64(cfg.HDDMaxGapSec),
		DeadlineMarginSec: cfg.DeadlineMarginSec,
		IntervalMinSec:    float64(cfg.IntervalMinSec),
		InstallID:         cfg.InstallID,
	})
	arbiter := policy.NewArbiter(
		model.ParsePrecedence(cfg.PolicyPrecedence),
		float64(cfg.IdlePauseMin),
		cfg.ErrorQuarantineAfter,
		float64(cfg.ErrorQuarantineSec),
	)
	engine := ioengine.New(cfg.MaxFlushDuration(), cfg.LockRetryDuration(), cfg.Fsync)
	source := inputs.New()

	loop := scheduler.NewLoop(scheduler.LoopConfig{
		IntervalMinSec: float64(cfg.IntervalMinSec),
		InstallID:      cfg.InstallID,
	}, clock.Real{}, planner, arbiter, engine, sink, source, logger)

	if err := seedDrives(loop, cfg); err != nil {
		return fmt.Errorf("seed drives: %w", err)
	}

	srv := daemon.NewServer(cfg.SocketPath, loop, logger)
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer srv.Close()

	logger.Info("revenantd started", "socket", cfg.SocketPath, "install_id", cfg.InstallID)

	go func() {
		if err := srv.Serve(); err != nil {
			logger.Error("daemon server stopped", "error", err)
		}
	}()

	return loop.Run(ctx)
}

// seedDrives enumerates currently mounted drives and queues each as a
// default-configured, disabled drive; the commands apply on the
// scheduler's first tick once Run starts — an operator then enables
// and tunes individual drives via revenantctl set-drive-config.
func seedDrives(loop *scheduler.Loop, cfg config.Config) error {
	enum := enumerator.New()
	drives, err := enum.List()
	if err != nil {
		return err
	}
	for _, d := range drives {
		err := loop.Enqueue(scheduler.Command{
			Kind: scheduler.CmdSetDriveConfig,
			Config: model.DriveConfig{
				Letter:      d.Letter,
				IntervalSec: cfg.DefaultIntervalSec,
				Type:        d.Type,
				Enabled:     false,
				PingDir:     model.DefaultPingDir(d.Letter),
			},
		})
		if err != nil {
			return fmt.Errorf("queue seed config for drive %s: %w", d.Letter, err)
		}
	}
	return nil
}
