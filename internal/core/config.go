// Package core contains the coordination logic: the task state machine,
// checklist management, the priority task queue, the message bus, the
// project registry and the worker-facing facade built on top of them.
package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/valter-silva-au/agent-army/internal/logging"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

// ConfigFileName is the name of the YAML config file in the base directory.
const ConfigFileName = ".armyconfig"

// validPrefixPattern matches uppercase alphanumeric prefixes between 1 and 10 characters.
var validPrefixPattern = regexp.MustCompile(`^[A-Z0-9]{1,10}$`)

// ConfigurationManager loads and validates .armyconfig.
type ConfigurationManager interface {
	LoadConfig() (*models.ArmyConfig, error)
	ValidateConfig(cfg *models.ArmyConfig) error
}

type viperConfigManager struct {
	basePath string
}

// NewConfigurationManager creates a ConfigurationManager that reads
// .armyconfig from basePath. ARMY_* environment variables override it.
func NewConfigurationManager(basePath string) ConfigurationManager {
	return &viperConfigManager{basePath: basePath}
}

// DefaultConfig returns an ArmyConfig populated with defaults.
func DefaultConfig() *models.ArmyConfig {
	return &models.ArmyConfig{
		MaxRetries:       3,
		LockTimeout:      5 * time.Second,
		LockPollInterval: 25 * time.Millisecond,
		TaskIDPrefix:     "T",
		TaskIDPadWidth:   4,
		MaxScanAttempts:  3,
		WorkloadWeights: models.WorkloadWeights{
			models.PriorityCritical: 8,
			models.PriorityHigh:     4,
			models.PriorityMedium:   2,
			models.PriorityLow:      1,
		},
		BusLog:             "messages.jsonl",
		RegistryDB:         "registry.db",
		ChecklistFile:      ".project_checklist.yaml",
		ProjectionFile:     "CHECKLIST.md",
		LogLevel:           logging.LevelInfo,
		WorkerPollInterval: 5 * time.Second,
		Alerts: models.AlertConfig{
			StuckClaimHours:  4,
			StalledProjects:  1,
			RetryExhaustions: 1,
		},
	}
}

func (cm *viperConfigManager) LoadConfig() (*models.ArmyConfig, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName(ConfigFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)
	v.SetEnvPrefix("ARMY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("max_retries", cfg.MaxRetries)
	v.SetDefault("lock.timeout", cfg.LockTimeout)
	v.SetDefault("lock.poll_interval", cfg.LockPollInterval)
	v.SetDefault("task_id.prefix", cfg.TaskIDPrefix)
	v.SetDefault("task_id.pad_width", cfg.TaskIDPadWidth)
	v.SetDefault("queue.max_scan_attempts", cfg.MaxScanAttempts)
	v.SetDefault("queue.remediate_on_exhaustion", cfg.RemediateOnExhaustion)
	v.SetDefault("bus.log", cfg.BusLog)
	v.SetDefault("registry.db", cfg.RegistryDB)
	v.SetDefault("checklist.file", cfg.ChecklistFile)
	v.SetDefault("checklist.projection", cfg.ProjectionFile)
	v.SetDefault("log.level", cfg.LogLevel)
	v.SetDefault("log.file", "")
	v.SetDefault("worker.poll_interval", cfg.WorkerPollInterval)
	v.SetDefault("alerts.stuck_claim_hours", cfg.Alerts.StuckClaimHours)
	v.SetDefault("alerts.stalled_projects", cfg.Alerts.StalledProjects)
	v.SetDefault("alerts.retry_exhaustions", cfg.Alerts.RetryExhaustions)
	v.SetDefault("notifications.slack.webhook_url", "")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading %s: %w", ConfigFileName, err)
		}
	}

	// Use IsSet so an explicit 0 is kept rather than replaced by the default.
	if v.IsSet("max_retries") {
		cfg.MaxRetries = v.GetInt("max_retries")
	}
	cfg.LockTimeout = v.GetDuration("lock.timeout")
	cfg.LockPollInterval = v.GetDuration("lock.poll_interval")
	cfg.TaskIDPrefix = v.GetString("task_id.prefix")
	if v.IsSet("task_id.pad_width") {
		cfg.TaskIDPadWidth = v.GetInt("task_id.pad_width")
	}
	cfg.MaxScanAttempts = v.GetInt("queue.max_scan_attempts")
	cfg.RemediateOnExhaustion = v.GetBool("queue.remediate_on_exhaustion")
	cfg.BusLog = v.GetString("bus.log")
	cfg.RegistryDB = v.GetString("registry.db")
	cfg.ChecklistFile = v.GetString("checklist.file")
	cfg.ProjectionFile = v.GetString("checklist.projection")
	cfg.LogLevel = strings.ToUpper(v.GetString("log.level"))
	cfg.LogFile = v.GetString("log.file")
	cfg.WorkerPollInterval = v.GetDuration("worker.poll_interval")
	cfg.Alerts.StuckClaimHours = v.GetInt("alerts.stuck_claim_hours")
	cfg.Alerts.StalledProjects = v.GetInt("alerts.stalled_projects")
	cfg.Alerts.RetryExhaustions = v.GetInt("alerts.retry_exhaustions")
	cfg.SlackWebhookURL = v.GetString("notifications.slack.webhook_url")

	// Weights merge over the defaults so a partial map keeps the rest.
	for name, raw := range v.GetStringMap("workload.weights") {
		p, err := models.ParsePriority(name)
		if err != nil {
			return nil, fmt.Errorf("workload.weights: %w", err)
		}
		w, err := toFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("workload.weights.%s: %w", name, err)
		}
		cfg.WorkloadWeights[p] = w
	}

	return cfg, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

// ValidateConfig reports every invalid value at once.
func (cm *viperConfigManager) ValidateConfig(cfg *models.ArmyConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	var errs []string

	if cfg.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("max_retries must be non-negative, got %d", cfg.MaxRetries))
	}
	if cfg.LockTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("lock.timeout must be positive, got %s", cfg.LockTimeout))
	}
	if cfg.LockPollInterval <= 0 || cfg.LockPollInterval > cfg.LockTimeout {
		errs = append(errs, fmt.Sprintf("lock.poll_interval %s must be positive and at most lock.timeout", cfg.LockPollInterval))
	}
	if !validPrefixPattern.MatchString(cfg.TaskIDPrefix) {
		errs = append(errs, fmt.Sprintf("task_id.prefix %q is invalid, must match [A-Z0-9]{1,10}", cfg.TaskIDPrefix))
	}
	if cfg.TaskIDPadWidth < 0 || cfg.TaskIDPadWidth > 10 {
		errs = append(errs, fmt.Sprintf("task_id.pad_width %d is invalid, must be between 0 and 10", cfg.TaskIDPadWidth))
	}
	if cfg.MaxScanAttempts < 1 {
		errs = append(errs, fmt.Sprintf("queue.max_scan_attempts must be at least 1, got %d", cfg.MaxScanAttempts))
	}
	for p, w := range cfg.WorkloadWeights {
		if w < 0 {
			errs = append(errs, fmt.Sprintf("workload.weights.%s must be non-negative, got %g", p, w))
		}
	}
	if cfg.BusLog == "" {
		errs = append(errs, "bus.log must not be empty")
	}
	if cfg.RegistryDB == "" {
		errs = append(errs, "registry.db must not be empty")
	}
	if cfg.ChecklistFile == "" {
		errs = append(errs, "checklist.file must not be empty")
	}
	if !logging.ValidLevel(cfg.LogLevel) {
		errs = append(errs, fmt.Sprintf("log.level %q is invalid, must be one of: DEBUG, INFO, WARN, ERROR", cfg.LogLevel))
	}
	if cfg.WorkerPollInterval <= 0 {
		errs = append(errs, fmt.Sprintf("worker.poll_interval must be positive, got %s", cfg.WorkerPollInterval))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
