package models

import (
	"time"

	"gorm.io/gorm"
)

// Task status values. "in_progress" is the processing state: a task moves
// there when someone claims it (take-up) and back to pending on a retryable
// failure.
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusBlocked    = "blocked"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
	TaskStatusCancelled  = "cancelled"
)

// Priority bands, highest urgency first.
const (
	PriorityP0 = "P0"
	PriorityP1 = "P1"
	PriorityP2 = "P2"
	PriorityP3 = "P3"
)

// Severity levels for detected grey areas.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Personnel is the canonical person record; ID is the canonical personnel id.
type Personnel struct {
	ID            string         `gorm:"primaryKey" json:"id"`
	OrgID         string         `gorm:"index" json:"org_id"`
	Name          string         `json:"name"`
	Email         string         `gorm:"index" json:"email"`
	ExternalID    string         `gorm:"index" json:"external_id"` // linked auth identity, may be empty
	Role          string         `json:"role"`
	Status        string         `gorm:"default:'active'" json:"status"` // active, inactive
	MaxConcurrent int            `gorm:"default:8" json:"max_concurrent"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`

	Tasks []Task `gorm:"foreignKey:AssigneeID" json:"tasks,omitempty"`
}

// Task is the unit of work produced by the rule engine.
type Task struct {
	ID           uint    `gorm:"primaryKey" json:"id"`
	OrgID        string  `gorm:"index" json:"org_id"`
	Title        string  `gorm:"not null" json:"title"`
	Description  string  `gorm:"type:text" json:"description"`
	Priority     string  `gorm:"default:'P2';index" json:"priority"` // P0..P3
	Status       string  `gorm:"default:'pending';index" json:"status"`
	AssigneeID   *string `gorm:"index" json:"assignee_id"` // canonical personnel id; historical rows may hold a raw external id
	AssignorID   string  `json:"assignor_id"`
	GreyAreaType string  `json:"grey_area_type"`
	Severity     string  `json:"severity"`

	// Source linkage back to the originating module/entity.
	RuleID       string `gorm:"index" json:"rule_id"`
	SourceModule string `json:"source_module"`
	EntityType   string `json:"entity_type"`
	EntityID     string `gorm:"index" json:"entity_id"`

	// Retry bookkeeping. RetryCount never exceeds MaxRetries.
	RetryCount int    `gorm:"default:0" json:"retry_count"`
	MaxRetries int    `gorm:"default:3" json:"max_retries"`
	LastError  string `gorm:"type:text" json:"last_error"`

	SLAHours    int            `json:"sla_hours"`
	DueAt       *time.Time     `json:"due_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	CreatedAt   time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`

	Checklist     []TaskChecklistItem `gorm:"foreignKey:TaskID" json:"checklist,omitempty"`
	StatusHistory []TaskStatusHistory `gorm:"foreignKey:TaskID" json:"status_history,omitempty"`
	Assignments   []TaskAssignment    `gorm:"foreignKey:TaskID" json:"assignments,omitempty"`
}

// Terminal reports whether the task status admits no further transitions.
func (t *Task) Terminal() bool {
	return TerminalStatus(t.Status)
}

// TerminalStatus reports whether status is one of the terminal states.
func TerminalStatus(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskChecklistItem is an ordered checklist entry on a task.
type TaskChecklistItem struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	TaskID      uint       `gorm:"index" json:"task_id"`
	Position    int        `json:"position"`
	Title       string     `gorm:"not null" json:"title"`
	Required    bool       `gorm:"default:false" json:"required"`
	Completed   bool       `gorm:"default:false" json:"completed"`
	CompletedBy string     `json:"completed_by"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TaskStatusHistory records every status transition.
type TaskStatusHistory struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TaskID     uint      `gorm:"index" json:"task_id"`
	ActorID    string    `json:"actor_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// TaskAssignment is the audit trail for assign/reassign/take-up operations.
type TaskAssignment struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	TaskID       uint      `gorm:"index" json:"task_id"`
	Action       string    `json:"action"` // assign, reassign, take_up
	FromAssignee string    `json:"from_assignee"`
	ToAssignee   string    `json:"to_assignee"`
	ActorID      string    `json:"actor_id"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// DetectionRule is a declarative detection rule. Conditions holds a JSON
// array of services.Condition; EntityTypes/EventTypes/Roles are
// comma-separated lists.
type DetectionRule struct {
	ID                  string    `gorm:"primaryKey" json:"id"` // stable id, e.g. fin_large_transaction
	Name                string    `json:"name"`
	Enabled             bool      `gorm:"default:true" json:"enabled"`
	EntityTypes         string    `json:"entity_types"`
	EventTypes          string    `json:"event_types"`                // empty = any event
	Logic               string    `gorm:"default:'and'" json:"logic"` // and, or
	Conditions          string    `gorm:"type:text" json:"conditions"`
	GreyAreaType        string    `json:"grey_area_type"`
	Severity            string    `gorm:"default:'medium'" json:"severity"`
	TitleTemplate       string    `json:"title_template"`
	DescriptionTemplate string    `gorm:"type:text" json:"description_template"`
	Roles               string    `json:"roles"` // empty = resolve assignee dynamically
	SLAHours            int       `json:"sla_hours"`
	Priority            int       `gorm:"default:0" json:"priority"` // higher = more urgent
	Version             int       `gorm:"default:1" json:"version"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DetectionRun records one matched rule per submitted event, for audit and
// duplicate reconciliation.
type DetectionRun struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RuleID     string    `gorm:"index" json:"rule_id"`
	OrgID      string    `gorm:"index" json:"org_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	EventType  string    `json:"event_type"`
	TaskID     *uint     `json:"task_id"`
	Outcome    string    `json:"outcome"` // task_created, duplicate_suppressed
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}
