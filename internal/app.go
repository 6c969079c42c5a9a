// Package internal provides the App struct that wires all components of the
// agent army together and initializes the CLI layer.
package internal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/valter-silva-au/agent-army/internal/cli"
	"github.com/valter-silva-au/agent-army/internal/core"
	"github.com/valter-silva-au/agent-army/internal/logging"
	"github.com/valter-silva-au/agent-army/internal/observability"
	"github.com/valter-silva-au/agent-army/internal/storage"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

// EventLogFile is the audit log written under the base directory.
const EventLogFile = ".army_events.jsonl"

// App holds all service dependencies of the agent army.
type App struct {
	BasePath string

	// Configuration
	ConfigMgr core.ConfigurationManager
	Config    *models.ArmyConfig
	Logger    *logging.Logger

	// Storage layer
	MessageLog    storage.MessageLog
	RegistryStore storage.RegistryStore

	// Core services
	Bus      core.MessageBus
	Queue    core.TaskQueue
	Registry core.ProjectRegistry

	// Observability
	EventLog    observability.EventLog
	Recorder    *observability.Recorder
	AlertEngine observability.AlertEngine
	MetricsCalc observability.MetricsCalculator
	Notifier    observability.Notifier
}

// NewApp creates and wires all components. basePath is the directory that
// holds .armyconfig, the bus log, the registry database and the audit log.
func NewApp(basePath string) (*App, error) {
	ctx := context.Background()
	app := &App{BasePath: basePath}

	// --- Configuration ---
	app.ConfigMgr = core.NewConfigurationManager(basePath)
	cfg, err := app.ConfigMgr.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := app.ConfigMgr.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	app.Config = cfg

	logPath := ""
	if cfg.LogFile != "" {
		logPath = app.resolve(cfg.LogFile)
	}
	app.Logger, err = logging.NewLogger(logPath, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	// --- Observability ---
	app.EventLog, err = observability.NewJSONLEventLog(filepath.Join(basePath, EventLogFile))
	if err != nil {
		// Non-fatal: run without audit, metrics and alerts.
		app.Logger.Warn("event log unavailable, observability disabled", "error", err)
		app.EventLog = nil
	}
	app.Recorder = observability.NewRecorder(app.EventLog)

	// --- Storage layer ---
	lock := storage.LockOptions{Timeout: cfg.LockTimeout, PollInterval: cfg.LockPollInterval}
	app.MessageLog = storage.NewMessageLog(app.resolve(cfg.BusLog), lock, app.Logger)
	app.RegistryStore, err = storage.OpenRegistryStore(ctx, app.resolve(cfg.RegistryDB))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("opening project registry: %w", err)
	}

	// --- Core services ---
	app.Bus = core.NewMessageBus(app.MessageLog, core.BusOptions{Logger: app.Logger, Events: app.Recorder})
	app.Queue = core.NewTaskQueue(app.Bus, core.QueueOptions{
		MaxScanAttempts:       cfg.MaxScanAttempts,
		RemediateOnExhaustion: cfg.RemediateOnExhaustion,
		Logger:                app.Logger,
	})
	app.Registry = core.NewProjectRegistry(app.RegistryStore, app.openChecklist(lock), app.Bus, core.RegistryOptions{
		Weights: cfg.WorkloadWeights,
		Logger:  app.Logger,
		Events:  app.Recorder,
	})
	if err := app.Registry.SyncQueue(ctx, app.Queue); err != nil {
		app.Close()
		return nil, fmt.Errorf("loading active projects: %w", err)
	}

	if app.EventLog != nil {
		app.AlertEngine = observability.NewAlertEngine(app.EventLog, observability.ThresholdsFromConfig(cfg.Alerts), app.stalledProjects)
		app.MetricsCalc = observability.NewMetricsCalculator(app.EventLog)
	}
	if cfg.SlackWebhookURL != "" {
		app.Notifier = observability.NewSlackNotifier(cfg.SlackWebhookURL)
	}

	// --- Wire CLI package-level variables ---
	cli.BasePath = basePath
	cli.Config = cfg
	cli.Logger = app.Logger
	cli.Queue = app.Queue
	cli.Bus = app.Bus
	cli.Registry = app.Registry

	cli.EventLog = app.EventLog
	cli.AlertEngine = app.AlertEngine
	cli.MetricsCalc = app.MetricsCalc
	cli.Notifier = app.Notifier

	return app, nil
}

// openChecklist builds the per-project checklist opener. Audit events from a
// project's checklist are tagged with its id.
func (a *App) openChecklist(lock storage.LockOptions) core.ChecklistOpener {
	return func(p *models.Project) core.ChecklistManager {
		logger := a.Logger.WithProject(p.ID)
		file := storage.NewChecklistStore(filepath.Join(p.Path, a.Config.ChecklistFile), lock, logger)
		opts := core.ChecklistOptionsFromConfig(a.Config, p.Path, logger, a.Recorder.ForProject(p.ID))
		return core.NewChecklistManager(file, opts)
	}
}

func (a *App) stalledProjects(ctx context.Context) ([]string, error) {
	summary, err := a.Registry.Summary(ctx)
	if err != nil {
		return nil, err
	}
	return summary.StalledProjects, nil
}

func (a *App) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(a.BasePath, path)
}

// Close releases the registry database and the event log file handle. It is
// safe to call on a partially constructed App.
func (a *App) Close() error {
	var firstErr error
	if a.RegistryStore != nil {
		if err := a.RegistryStore.Close(); err != nil {
			firstErr = err
		}
	}
	if a.EventLog != nil {
		if err := a.EventLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.Logger != nil {
		if err := a.Logger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ResolveBasePath determines the army's base directory. It checks the
// ARMY_HOME env var, then walks up from the current directory looking for
// .armyconfig, then falls back to the current directory.
func ResolveBasePath() string {
	if home := os.Getenv("ARMY_HOME"); home != "" {
		return home
	}
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, core.ConfigFileName)); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	cwd, _ := os.Getwd()
	return cwd
}
