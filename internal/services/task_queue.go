package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"opsboard/internal/metrics"
	"opsboard/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// queueNotifier receives a signal after every queue mutation so subscribers
// can be pushed a fresh snapshot.
type queueNotifier interface {
	NotifyOrg(orgID string)
}

// TaskQueue is the persisted, priority-ordered work queue. It owns the task
// status state machine and the retry bookkeeping.
type TaskQueue struct {
	db                *gorm.DB
	logger            *logrus.Logger
	defaultMaxRetries int
	defaultBatch      int
	notifier          queueNotifier
}

// NewTaskQueue creates the queue. defaultMaxRetries applies when a draft
// does not carry its own budget; zero falls back to 3.
func NewTaskQueue(db *gorm.DB, logger *logrus.Logger, defaultMaxRetries int) *TaskQueue {
	if logger == nil {
		logger = logrus.New()
	}
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = 3
	}
	return &TaskQueue{db: db, logger: logger, defaultMaxRetries: defaultMaxRetries, defaultBatch: 50}
}

// SetNotifier injects the subscription hub (optional).
func (q *TaskQueue) SetNotifier(n queueNotifier) {
	q.notifier = n
}

// SetDequeueBatch overrides the batch size used when a caller passes no
// limit.
func (q *TaskQueue) SetDequeueBatch(n int) {
	if n > 0 {
		q.defaultBatch = n
	}
}

// ChecklistItemDraft seeds one checklist entry on a new task.
type ChecklistItemDraft struct {
	Title    string `json:"title" binding:"required"`
	Required bool   `json:"required"`
}

// TaskDraft is the queue input produced by the rule engine (or submitted
// directly by a module).
type TaskDraft struct {
	OrgID        string               `json:"org_id" binding:"required"`
	Title        string               `json:"title" binding:"required"`
	Description  string               `json:"description"`
	Priority     string               `json:"priority"` // P0..P3, defaults P2
	Severity     string               `json:"severity"`
	GreyAreaType string               `json:"grey_area_type"`
	RuleID       string               `json:"rule_id"`
	SourceModule string               `json:"source_module"`
	EntityType   string               `json:"entity_type"`
	EntityID     string               `json:"entity_id"`
	AssigneeID   *string              `json:"assignee_id"`
	AssignorID   string               `json:"assignor_id"`
	SLAHours     int                  `json:"sla_hours"`
	MaxRetries   *int                 `json:"max_retries"`
	Checklist    []ChecklistItemDraft `json:"checklist"`
}

// Enqueue persists a new pending task. While a non-terminal task exists for
// the same (rule_id, entity_id) pair the draft is suppressed and the
// existing task returned; the bool reports whether a task was created.
// The check-then-create runs inside one transaction; a duplicate that slips
// through a weaker isolation level stays observable via the source linkage
// columns and the suppression counter.
func (q *TaskQueue) Enqueue(ctx context.Context, draft *TaskDraft) (*models.Task, bool, error) {
	if draft == nil {
		return nil, false, fmt.Errorf("nil draft")
	}
	if draft.OrgID == "" || draft.Title == "" {
		return nil, false, fmt.Errorf("org_id and title are required")
	}

	maxRetries := q.defaultMaxRetries
	if draft.MaxRetries != nil && *draft.MaxRetries >= 0 {
		maxRetries = *draft.MaxRetries
	}
	priority := draft.Priority
	if !validPriorityBand(priority) {
		priority = models.PriorityP2
	}

	var task *models.Task
	created := false
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if draft.RuleID != "" && draft.EntityID != "" {
			var existing models.Task
			err := tx.Where("rule_id = ? AND entity_id = ? AND status NOT IN ?",
				draft.RuleID, draft.EntityID, terminalStatuses()).
				First(&existing).Error
			if err == nil {
				task = &existing
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("dedup lookup: %w", err)
			}
		}

		now := time.Now()
		t := &models.Task{
			OrgID:        draft.OrgID,
			Title:        draft.Title,
			Description:  draft.Description,
			Priority:     priority,
			Status:       models.TaskStatusPending,
			AssigneeID:   draft.AssigneeID,
			AssignorID:   draft.AssignorID,
			GreyAreaType: draft.GreyAreaType,
			Severity:     draft.Severity,
			RuleID:       draft.RuleID,
			SourceModule: draft.SourceModule,
			EntityType:   draft.EntityType,
			EntityID:     draft.EntityID,
			RetryCount:   0,
			MaxRetries:   maxRetries,
			SLAHours:     draft.SLAHours,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if draft.SLAHours > 0 {
			due := now.Add(time.Duration(draft.SLAHours) * time.Hour)
			t.DueAt = &due
		}
		if err := tx.Create(t).Error; err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		for i, item := range draft.Checklist {
			entry := &models.TaskChecklistItem{
				TaskID:   t.ID,
				Position: i,
				Title:    item.Title,
				Required: item.Required,
			}
			if err := tx.Create(entry).Error; err != nil {
				return fmt.Errorf("create checklist item: %w", err)
			}
		}
		q.recordStatusChange(tx, t.ID, draft.AssignorID, "", models.TaskStatusPending, "task created")
		task = t
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		metrics.IncTaskCreated()
		q.logger.Infof("queue: created task %d (%s) for org %s", task.ID, task.Priority, task.OrgID)
		q.notify(task.OrgID)
	} else {
		metrics.IncDuplicateSuppressed()
		q.logger.Infof("queue: duplicate suppressed for rule %s entity %s (existing task %d)",
			draft.RuleID, draft.EntityID, task.ID)
	}
	return task, created, nil
}

// GetTask loads a task with its children.
func (q *TaskQueue) GetTask(ctx context.Context, taskID uint) (*models.Task, error) {
	var task models.Task
	err := q.db.WithContext(ctx).
		Preload("Checklist", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Preload("StatusHistory", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC")
		}).
		Preload("Assignments", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC")
		}).
		First(&task, taskID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
		}
		return nil, err
	}
	return &task, nil
}

// DequeueBatch returns up to limit open (pending or in-progress) tasks for
// an org, most urgent band first and strictly oldest-first within a band so
// starvation stays bounded. Band strings sort ascending from P0, so the
// ascending ORDER BY is priority-descending.
func (q *TaskQueue) DequeueBatch(ctx context.Context, orgID string, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = q.defaultBatch
	}
	var tasks []models.Task
	err := q.db.WithContext(ctx).
		Where("org_id = ? AND status IN ?", orgID,
			[]string{models.TaskStatusPending, models.TaskStatusInProgress}).
		Order("priority ASC, created_at ASC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("dequeue batch: %w", err)
	}
	return tasks, nil
}

// Transition moves a task through the state machine. A requested transition
// to failed applies the retry policy: below the budget the task returns to
// pending with an atomic retry_count increment, at the budget it fails
// terminally with the error preserved for triage. Every transition bumps
// updated_at and appends a history row.
func (q *TaskQueue) Transition(ctx context.Context, taskID uint, newStatus, actorID, errMsg string) error {
	var orgID string
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task models.Task
		if err := tx.First(&task, taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
			}
			return err
		}
		orgID = task.OrgID

		if !allowedTransition(task.Status, newStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, task.Status, newStatus)
		}

		now := time.Now()
		updates := map[string]interface{}{
			"status":     newStatus,
			"updated_at": now,
		}
		toStatus := newStatus
		reason := statusReason(newStatus)

		switch newStatus {
		case models.TaskStatusCompleted:
			updates["completed_at"] = &now
		case models.TaskStatusFailed:
			nextCount := task.RetryCount + 1
			if nextCount < task.MaxRetries {
				// Retryable failure: back to pending with the error recorded.
				toStatus = models.TaskStatusPending
				updates["status"] = models.TaskStatusPending
				updates["retry_count"] = gorm.Expr("retry_count + 1")
				updates["last_error"] = errMsg
				reason = fmt.Sprintf("execution failed, retry %d/%d", nextCount, task.MaxRetries)
			} else {
				// Retry budget spent: terminal failure, error kept for audit.
				updates["retry_count"] = gorm.Expr("retry_count + 1")
				updates["last_error"] = errMsg
				updates["completed_at"] = &now
				reason = "retry budget exhausted"
				q.logger.Errorf("queue: task %d failed permanently after %d retries: %s",
					taskID, task.MaxRetries, errMsg)
			}
		}

		if err := tx.Model(&models.Task{}).Where("id = ?", taskID).Updates(updates).Error; err != nil {
			return fmt.Errorf("transition task: %w", err)
		}
		q.recordStatusChange(tx, taskID, actorID, task.Status, toStatus, reason)
		return nil
	})
	if err != nil {
		return err
	}
	q.notify(orgID)
	return nil
}

// Retry explicitly re-queues a failed task. It signals ErrRetryExhausted
// when the budget is spent; the task then stays failed and visible until a
// human raises the budget or recreates it.
func (q *TaskQueue) Retry(ctx context.Context, taskID uint, actorID string) error {
	var orgID string
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task models.Task
		if err := tx.First(&task, taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
			}
			return err
		}
		orgID = task.OrgID

		if task.Status != models.TaskStatusFailed {
			return fmt.Errorf("%w: retry from %s", ErrInvalidStateTransition, task.Status)
		}
		if task.RetryCount >= task.MaxRetries {
			return fmt.Errorf("%w: %d/%d", ErrRetryExhausted, task.RetryCount, task.MaxRetries)
		}

		updates := map[string]interface{}{
			"status":       models.TaskStatusPending,
			"last_error":   "",
			"completed_at": nil,
			"updated_at":   time.Now(),
		}
		if err := tx.Model(&models.Task{}).Where("id = ?", taskID).Updates(updates).Error; err != nil {
			return fmt.Errorf("retry task: %w", err)
		}
		q.recordStatusChange(tx, taskID, actorID, models.TaskStatusFailed, models.TaskStatusPending, "manual re-queue")
		return nil
	})
	if err != nil {
		return err
	}
	q.notify(orgID)
	return nil
}

// CompleteChecklistItem marks one checklist entry done.
func (q *TaskQueue) CompleteChecklistItem(ctx context.Context, taskID, itemID uint, actorID string) error {
	now := time.Now()
	result := q.db.WithContext(ctx).Model(&models.TaskChecklistItem{}).
		Where("id = ? AND task_id = ?", itemID, taskID).
		Updates(map[string]interface{}{
			"completed":    true,
			"completed_by": actorID,
			"completed_at": &now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("checklist item %d not found on task %d", itemID, taskID)
	}
	return nil
}

// StartEscalationMonitor flags open tasks past their due time until ctx is
// cancelled. It only signals (log + counter); routing decisions stay with
// humans.
func (q *TaskQueue) StartEscalationMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.scanOverdue(ctx)
		}
	}
}

func (q *TaskQueue) scanOverdue(ctx context.Context) {
	var tasks []models.Task
	err := q.db.WithContext(ctx).
		Where("due_at IS NOT NULL AND due_at < ? AND status IN ?", time.Now(),
			[]string{models.TaskStatusPending, models.TaskStatusInProgress, models.TaskStatusBlocked}).
		Find(&tasks).Error
	if err != nil {
		q.logger.Warnf("queue: escalation scan failed: %v", err)
		return
	}
	for _, t := range tasks {
		metrics.IncTaskOverdue()
		q.logger.Warnf("queue: task %d (%s, org %s) is past its SLA due time %s",
			t.ID, t.Priority, t.OrgID, t.DueAt.Format(time.RFC3339))
	}
}

func (q *TaskQueue) recordStatusChange(db *gorm.DB, taskID uint, actorID, fromStatus, toStatus, reason string) {
	change := &models.TaskStatusHistory{
		TaskID:     taskID,
		ActorID:    actorID,
		FromStatus: fromStatus,
		ToStatus:   toStatus,
		Reason:     reason,
		CreatedAt:  time.Now(),
	}
	if db == nil {
		db = q.db
	}
	if err := db.Create(change).Error; err != nil {
		q.logger.Errorf("queue: failed to record status change for task %d: %v", taskID, err)
	}
}

func (q *TaskQueue) notify(orgID string) {
	if q.notifier != nil && orgID != "" {
		q.notifier.NotifyOrg(orgID)
	}
}

// allowedTransition encodes the state machine:
//
//	pending     -> in_progress, blocked, cancelled
//	in_progress -> completed, failed, cancelled
//	blocked     -> pending, cancelled
//
// Terminal states admit nothing.
func allowedTransition(from, to string) bool {
	switch from {
	case models.TaskStatusPending:
		return to == models.TaskStatusInProgress || to == models.TaskStatusBlocked || to == models.TaskStatusCancelled
	case models.TaskStatusInProgress:
		return to == models.TaskStatusCompleted || to == models.TaskStatusFailed || to == models.TaskStatusCancelled
	case models.TaskStatusBlocked:
		return to == models.TaskStatusPending || to == models.TaskStatusCancelled
	}
	return false
}

func terminalStatuses() []string {
	return []string{models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled}
}

func validPriorityBand(p string) bool {
	switch p {
	case models.PriorityP0, models.PriorityP1, models.PriorityP2, models.PriorityP3:
		return true
	}
	return false
}

// PriorityBand maps a rule's numeric priority to a display band.
func PriorityBand(priority int) string {
	switch {
	case priority >= 90:
		return models.PriorityP0
	case priority >= 60:
		return models.PriorityP1
	case priority >= 30:
		return models.PriorityP2
	default:
		return models.PriorityP3
	}
}

func statusReason(status string) string {
	switch status {
	case models.TaskStatusInProgress:
		return "claimed"
	case models.TaskStatusBlocked:
		return "blocked"
	case models.TaskStatusPending:
		return "unblocked"
	case models.TaskStatusCompleted:
		return "completed"
	case models.TaskStatusCancelled:
		return "cancelled"
	}
	return "status update"
}
