// Waved is the supervisory control plane for a multi-agent delivery
// pipeline: approval enforcement, gate lifecycle, emergency escalation,
// budget and heartbeat monitoring, all coordinated through a file-based
// Signal Store.
//
// Configuration is loaded from a YAML file and WAVED_* environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	waved
//
//	# Start with a config file
//	waved --config /etc/waved/config.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/waved/internal/alert"
	"github.com/fyrsmithlabs/waved/internal/approval"
	"github.com/fyrsmithlabs/waved/internal/budget"
	"github.com/fyrsmithlabs/waved/internal/config"
	"github.com/fyrsmithlabs/waved/internal/emergency"
	"github.com/fyrsmithlabs/waved/internal/gate"
	"github.com/fyrsmithlabs/waved/internal/heartbeat"
	"github.com/fyrsmithlabs/waved/internal/logging"
	"github.com/fyrsmithlabs/waved/internal/retry"
	"github.com/fyrsmithlabs/waved/internal/signalstore"
	"github.com/fyrsmithlabs/waved/internal/supervisor"
	"github.com/fyrsmithlabs/waved/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// spendKey is where workers report cumulative spend for budget checks.
const spendKey = "budget:spent"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "waved",
		Short:        "Supervisory control plane for the delivery pipeline",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("waved by Fyrsmith Labs\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", gitCommit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// run initializes every service and blocks until the context is cancelled:
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Opens the primary and backup Signal Stores
//  4. Wires the enforcers (gate, approval, retry, emergency, budget, heartbeat)
//  5. Connects the NATS alert publisher (if configured)
//  6. Starts the store watcher and the supervisory loop
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zlog := logger.Underlying()

	logger.Info(ctx, "starting waved",
		zap.String("version", version),
		zap.String("store_dir", cfg.Store.Dir),
		zap.Duration("tick_interval", cfg.Supervisor.TickInterval.Duration()))

	tel, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn(ctx, "telemetry shutdown", zap.Error(err))
		}
	}()
	if tel.Degraded() {
		logger.Warn(ctx, "telemetry degraded, continuing without full export")
	}

	primary, err := signalstore.NewFileStore(cfg.Store.Dir, zlog)
	if err != nil {
		return fmt.Errorf("opening signal store: %w", err)
	}
	backup, err := signalstore.NewFileStore(cfg.Store.BackupDir, zlog)
	if err != nil {
		return fmt.Errorf("opening backup store: %w", err)
	}

	var alerts *alert.Publisher
	if cfg.Alerts.NATSURL != "" {
		alerts, err = alert.Connect(cfg.Alerts.NATSURL, cfg.Alerts.SubjectPrefix, zlog)
		if err != nil {
			return fmt.Errorf("connecting alert publisher: %w", err)
		}
		defer alerts.Close()
	} else {
		logger.Warn(ctx, "no NATS URL configured, alerts disabled")
	}

	gates, err := gate.NewManager(primary, zlog)
	if err != nil {
		return fmt.Errorf("initializing gate manager: %w", err)
	}

	approvals, err := approval.NewEnforcer(&approval.Config{
		Timeout: cfg.Approval.Timeout.Duration(),
		Strict:  cfg.Approval.Strict,
	}, primary, zlog)
	if err != nil {
		return fmt.Errorf("initializing approval enforcer: %w", err)
	}

	retries, err := retry.NewTracker(primary, backup, zlog)
	if err != nil {
		return fmt.Errorf("initializing retry tracker: %w", err)
	}

	beats, err := heartbeat.NewManager(&heartbeat.Config{
		Timeout:         cfg.Heartbeat.Timeout.Duration(),
		Warning:         cfg.Heartbeat.Warning.Duration(),
		CheckInterval:   cfg.Heartbeat.CheckInterval.Duration(),
		MaxRestarts:     cfg.Heartbeat.MaxRestarts,
		RestartCooldown: cfg.Heartbeat.RestartCooldown.Duration(),
	}, primary, heartbeatNotifier(alerts, zlog), nil, zlog)
	if err != nil {
		return fmt.Errorf("initializing heartbeat manager: %w", err)
	}

	em, err := emergency.NewHandler(&emergency.Config{
		Domains:      cfg.Fleet.Domains,
		Waves:        cfg.Fleet.Waves,
		KnownWorkers: beats.KnownWorkers,
	}, primary, zlog)
	if err != nil {
		return fmt.Errorf("initializing emergency handler: %w", err)
	}

	var budgets *budget.Enforcer
	if cfg.Budget.Limit > 0 {
		budgets, err = budget.NewEnforcer(&budget.Config{
			Limit:             cfg.Budget.Limit,
			WarningThreshold:  cfg.Budget.WarningThreshold,
			CriticalThreshold: cfg.Budget.CriticalThreshold,
		}, primary, budgetNotifier(alerts, zlog), zlog)
		if err != nil {
			return fmt.Errorf("initializing budget enforcer: %w", err)
		}
	} else {
		logger.Warn(ctx, "no budget limit configured, spend enforcement disabled")
	}

	sup, err := supervisor.New(&supervisor.Config{
		TickInterval: cfg.Supervisor.TickInterval.Duration(),
		MaxRetries:   cfg.Retry.MaxRetries,
	}, gates, retries, em, beats, approvals, supervisorAlerter(alerts), zlog)
	if err != nil {
		return fmt.Errorf("initializing supervisor: %w", err)
	}

	watcher, err := signalstore.NewWatcher(primary, zlog)
	if err != nil {
		return fmt.Errorf("initializing store watcher: %w", err)
	}
	defer watcher.Close()

	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(ctx, "store watcher stopped", zap.Error(err))
		}
	}()
	go watchSpend(ctx, watcher, primary, budgets, logger)

	logger.Info(ctx, "waved started",
		zap.Bool("alerts_enabled", alerts != nil),
		zap.Bool("budget_enabled", budgets != nil),
		zap.Bool("telemetry_enabled", tel.IsEnabled()))

	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info(context.Background(), "waved shutdown complete")
	return nil
}

// initLogger builds the context-aware logger from the loaded config.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	var level zapcore.Level
	if err := level.Set(strings.ToLower(cfg.Logging.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	lcfg := logging.NewDefaultConfig()
	lcfg.Level = level
	lcfg.Format = cfg.Logging.Format
	return logging.NewLogger(lcfg)
}

// telemetryConfig maps the daemon config onto the telemetry package config.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Observability.EnableTelemetry
	tcfg.Endpoint = cfg.Observability.Endpoint
	tcfg.ServiceName = cfg.Observability.ServiceName
	tcfg.ServiceVersion = cfg.Observability.ServiceVersion
	tcfg.Insecure = cfg.Observability.Insecure
	tcfg.Metrics.ExportInterval = cfg.Observability.MetricsInterval
	return tcfg
}

// heartbeatNotifier maps heartbeat notifications onto published alerts.
func heartbeatNotifier(alerts *alert.Publisher, logger *zap.Logger) heartbeat.Notifier {
	if alerts == nil {
		return nil
	}
	return func(ctx context.Context, n heartbeat.Notification) {
		severity := alert.SeverityWarning
		if n.Health == heartbeat.HealthStale {
			severity = alert.SeverityCritical
		}
		err := alerts.Publish(ctx, alert.Event{
			Source:   "heartbeat",
			Kind:     string(n.Health),
			Severity: severity,
			Message:  fmt.Sprintf("worker %s is %s", n.WorkerID, n.Health),
			Fields: map[string]any{
				"worker":    n.WorkerID,
				"last_beat": n.LastBeat,
			},
		})
		if err != nil {
			logger.Warn("heartbeat alert publish failed", zap.Error(err))
		}
	}
}

// budgetNotifier maps budget alerts onto published alerts.
func budgetNotifier(alerts *alert.Publisher, logger *zap.Logger) budget.Notifier {
	if alerts == nil {
		return nil
	}
	return func(ctx context.Context, a budget.Alert) {
		severity := alert.SeverityWarning
		if a.Zone != budget.ZoneWarning {
			severity = alert.SeverityCritical
		}
		err := alerts.Publish(ctx, alert.Event{
			Source:   "budget",
			Kind:     string(a.Zone),
			Severity: severity,
			Message:  fmt.Sprintf("spend $%.2f of $%.2f (%.0f%%)", a.Spent, a.Limit, a.Percentage*100),
			Fields: map[string]any{
				"spent":   a.Spent,
				"limit":   a.Limit,
				"context": a.Context,
			},
		})
		if err != nil {
			logger.Warn("budget alert publish failed", zap.Error(err))
		}
	}
}

// supervisorAlerter adapts the optional publisher to the supervisor's
// Alerter interface; a typed-nil *Publisher must read as no alerter.
func supervisorAlerter(alerts *alert.Publisher) supervisor.Alerter {
	if alerts == nil {
		return nil
	}
	return alerts
}

// spendReport is the record workers write under budget:spent.
type spendReport struct {
	Spent   float64 `json:"spent"`
	Context string  `json:"context,omitempty"`
}

// watchSpend reacts to spend reports in the store and runs a budget check
// on each update.
func watchSpend(ctx context.Context, watcher *signalstore.Watcher, store signalstore.Store, budgets *budget.Enforcer, logger *logging.Logger) {
	if budgets == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			if ev.Key != spendKey || ev.Op != signalstore.OpPut {
				continue
			}

			data, err := store.Get(ctx, spendKey)
			if err != nil {
				logger.Warn(ctx, "reading spend report", zap.Error(err))
				continue
			}
			var report spendReport
			if err := json.Unmarshal(data, &report); err != nil {
				logger.Warn(ctx, "malformed spend report", zap.Error(err))
				continue
			}

			zone, err := budgets.CheckBudget(ctx, report.Spent, report.Context)
			if err != nil {
				logger.Error(ctx, "budget check failed", zap.Error(err))
				continue
			}
			logger.Debug(ctx, "budget checked",
				zap.Float64("spent", report.Spent),
				zap.String("zone", string(zone)))
		}
	}
}
