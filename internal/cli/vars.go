package cli

import (
	"github.com/valter-silva-au/agent-army/internal/core"
	"github.com/valter-silva-au/agent-army/internal/logging"
	"github.com/valter-silva-au/agent-army/internal/observability"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

// Service instances, set during app initialization in app.go.
var (
	BasePath string
	Config   *models.ArmyConfig
	Logger   *logging.Logger

	Queue    core.TaskQueue
	Bus      core.MessageBus
	Registry core.ProjectRegistry
)

// Observability service instances, set during app initialization in app.go.
var (
	EventLog    observability.EventLog
	AlertEngine observability.AlertEngine
	MetricsCalc observability.MetricsCalculator
	Notifier    observability.Notifier
)
