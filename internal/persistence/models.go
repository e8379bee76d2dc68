package persistence

import "time"

// DeploymentType enumerates the kinds of work a queue item represents.
type DeploymentType string

const (
	DeploymentTypeDeploy   DeploymentType = "deploy"
	DeploymentTypeRedeploy DeploymentType = "redeploy"
	DeploymentTypeRestart  DeploymentType = "restart"
	DeploymentTypeScale    DeploymentType = "scale"
	DeploymentTypeRollback DeploymentType = "rollback"
)

// destructiveDeploymentTypes must pause running tasks before they run.
var destructiveDeploymentTypes = map[DeploymentType]bool{
	DeploymentTypeRedeploy: true,
	DeploymentTypeRestart:  true,
}

// IsDestructive reports whether a deployment type requires active tasks to
// be paused before it proceeds.
func (d DeploymentType) IsDestructive() bool {
	return destructiveDeploymentTypes[d]
}

func (d DeploymentType) Valid() bool {
	switch d {
	case DeploymentTypeDeploy, DeploymentTypeRedeploy, DeploymentTypeRestart, DeploymentTypeScale, DeploymentTypeRollback:
		return true
	}
	return false
}

// QueuePriority orders pending deployments; higher values run first.
type QueuePriority int

const (
	PriorityLow      QueuePriority = 1
	PriorityNormal   QueuePriority = 2
	PriorityHigh     QueuePriority = 3
	PriorityCritical QueuePriority = 4
)

// ParsePriority accepts the case-insensitive names used in config and
// notification text ("low", "normal", "high", "critical") and falls back
// to PriorityNormal with ok=false on anything else.
func ParsePriority(s string) (QueuePriority, bool) {
	switch s {
	case "low", "LOW", "Low":
		return PriorityLow, true
	case "normal", "NORMAL", "Normal":
		return PriorityNormal, true
	case "high", "HIGH", "High":
		return PriorityHigh, true
	case "critical", "CRITICAL", "Critical":
		return PriorityCritical, true
	default:
		return PriorityNormal, false
	}
}

// QueueStatus is the state machine for a DeploymentQueue row.
type QueueStatus string

const (
	QueueStatusPending            QueueStatus = "pending"
	QueueStatusWaitingForWorkers  QueueStatus = "waiting_for_workers"
	QueueStatusProcessing         QueueStatus = "processing"
	QueueStatusCompleted          QueueStatus = "completed"
	QueueStatusFailed             QueueStatus = "failed"
	QueueStatusCancelled          QueueStatus = "cancelled"
)

// DeploymentQueueItem is a row in the deployment_queue table.
type DeploymentQueueItem struct {
	ID                  int64
	DeploymentType       DeploymentType
	TargetService        string
	Priority             QueuePriority
	Status               QueueStatus
	RequestedBy          string
	Reason               string
	CreatedAt            time.Time
	ScheduledAt          *time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	RequiresStatePause   bool
	ErrorMessage         string
	RetryCount           int
	MaxRetries           int
}

// TaskStatus is the state machine for an ActiveTask row.
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// ActiveTask is a row in the active_tasks table: one entry per piece of
// work currently tracked by the orchestrator.
type ActiveTask struct {
	ID                 int64
	TaskID             string
	TaskType           string
	SubagentName       string
	Status             TaskStatus
	StartedAt          time.Time
	LastHeartbeat      time.Time
	CurrentState       string // opaque JSON, caller-defined shape
	ProgressPercentage int
	ProjectID          *int64
	Description        string
}

// TaskCheckpoint is a row in the task_checkpoints table.
type TaskCheckpoint struct {
	ID                int64
	TaskID            string
	DeploymentQueueID *int64
	SerializedState   string
	CheckpointType    string
	CreatedAt         time.Time
	IsActive          bool
}

// ScheduledJob is a row in the scheduled_jobs table.
type ScheduledJob struct {
	ID               int64
	JobID            string
	JobName          string
	CronExpression   string
	IsEnabled        bool
	IsRunning        bool
	LastRun          *time.Time
	NextRun          *time.Time
	LastStatus       string
	LastCheckpointID *int64
	AutoResume       bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NotificationLog is a row in the notification_log table: an append-only
// record of every notification attempted, sent or not.
type NotificationLog struct {
	ID          int64
	UserID      string
	ChatID      string
	MessageType string
	Message     string
	IsSent      bool
	SentAt      *time.Time
	CreatedAt   time.Time
}

// ProjectContext is a row in the project_contexts table.
type ProjectContext struct {
	ID           int64
	Name         string
	AbsolutePath string
	GitRemote    string
	IsActive     bool
	MetadataJSON string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
