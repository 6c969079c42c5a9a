package models

import "time"

// WorkloadWeights maps task priority to its contribution to a project's
// load score.
type WorkloadWeights map[Priority]float64

// AlertConfig holds thresholds for the alert engine.
type AlertConfig struct {
	StuckClaimHours  int `yaml:"stuck_claim_hours" mapstructure:"stuck_claim_hours"`
	StalledProjects  int `yaml:"stalled_projects" mapstructure:"stalled_projects"`
	RetryExhaustions int `yaml:"retry_exhaustions" mapstructure:"retry_exhaustions"`
}

// ArmyConfig holds system-wide settings read from .armyconfig via Viper.
type ArmyConfig struct {
	MaxRetries            int             `yaml:"max_retries" mapstructure:"max_retries"`
	LockTimeout           time.Duration   `yaml:"lock_timeout" mapstructure:"lock_timeout"`
	LockPollInterval      time.Duration   `yaml:"lock_poll_interval" mapstructure:"lock_poll_interval"`
	TaskIDPrefix          string          `yaml:"task_id_prefix" mapstructure:"task_id_prefix"`
	TaskIDPadWidth        int             `yaml:"task_id_pad_width" mapstructure:"task_id_pad_width"`
	MaxScanAttempts       int             `yaml:"max_scan_attempts" mapstructure:"max_scan_attempts"`
	RemediateOnExhaustion bool            `yaml:"remediate_on_exhaustion" mapstructure:"remediate_on_exhaustion"`
	WorkloadWeights       WorkloadWeights `yaml:"workload_weights" mapstructure:"workload_weights"`
	BusLog                string          `yaml:"bus_log" mapstructure:"bus_log"`
	RegistryDB            string          `yaml:"registry_db" mapstructure:"registry_db"`
	ChecklistFile         string          `yaml:"checklist_file" mapstructure:"checklist_file"`
	ProjectionFile        string          `yaml:"projection_file" mapstructure:"projection_file"`
	LogLevel              string          `yaml:"log_level" mapstructure:"log_level"`
	LogFile               string          `yaml:"log_file" mapstructure:"log_file"`
	WorkerPollInterval    time.Duration   `yaml:"worker_poll_interval" mapstructure:"worker_poll_interval"`
	Alerts                AlertConfig     `yaml:"alerts" mapstructure:"alerts"`
	SlackWebhookURL       string          `yaml:"slack_webhook_url" mapstructure:"slack_webhook_url"`
}
