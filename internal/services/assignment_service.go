package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"opsboard/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Assignment audit actions.
const (
	AssignActionAssign   = "assign"
	AssignActionReassign = "reassign"
	AssignActionTakeUp   = "take_up"
)

// AssignmentService implements assign / reassign / take-up on tasks,
// maintaining the audit trail. Capacity is advisory only: the workload
// snapshot informs the choice but is never re-validated atomically with the
// assignment.
type AssignmentService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	resolver *IdentityResolver
	workload *WorkloadService
	notifier queueNotifier
}

func NewAssignmentService(db *gorm.DB, logger *logrus.Logger, resolver *IdentityResolver, workload *WorkloadService) *AssignmentService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AssignmentService{db: db, logger: logger, resolver: resolver, workload: workload}
}

// SetNotifier injects the subscription hub (optional).
func (s *AssignmentService) SetNotifier(n queueNotifier) {
	s.notifier = n
}

// Assign sets the assignee without touching the task status.
func (s *AssignmentService) Assign(ctx context.Context, taskID uint, assigneeID, assignedBy, reason string) error {
	return s.apply(ctx, taskID, assigneeID, assignedBy, reason, AssignActionAssign)
}

// Reassign moves the task to a new assignee; the previous assignee is
// preserved in the audit row. Status is untouched.
func (s *AssignmentService) Reassign(ctx context.Context, taskID uint, newAssigneeID, reassignedBy, reason string) error {
	return s.apply(ctx, taskID, newAssigneeID, reassignedBy, reason, AssignActionReassign)
}

// TakeUp reassigns and additionally forces the task to in_progress:
// claiming implies starting work.
func (s *AssignmentService) TakeUp(ctx context.Context, taskID uint, newAssigneeID, takenBy, reason string) error {
	return s.apply(ctx, taskID, newAssigneeID, takenBy, reason, AssignActionTakeUp)
}

func (s *AssignmentService) apply(ctx context.Context, taskID uint, assigneeID, actorID, reason, action string) error {
	person, err := s.resolver.Lookup(ctx, assigneeID)
	if err != nil {
		return err
	}

	var orgID string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task models.Task
		if err := tx.First(&task, taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
			}
			return err
		}
		orgID = task.OrgID

		if task.Terminal() {
			return fmt.Errorf("%w: task %d is %s", ErrInvalidStateTransition, taskID, task.Status)
		}

		now := time.Now()
		updates := map[string]interface{}{
			"assignee_id": person.ID,
			"assignor_id": actorID,
			"updated_at":  now,
		}
		if action == AssignActionTakeUp && task.Status != models.TaskStatusInProgress {
			updates["status"] = models.TaskStatusInProgress
		}
		if err := tx.Model(&models.Task{}).Where("id = ?", taskID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update assignment: %w", err)
		}

		previous := ""
		if task.AssigneeID != nil {
			previous = *task.AssigneeID
		}
		audit := &models.TaskAssignment{
			TaskID:       taskID,
			Action:       action,
			FromAssignee: previous,
			ToAssignee:   person.ID,
			ActorID:      actorID,
			Reason:       reason,
			CreatedAt:    now,
		}
		if err := tx.Create(audit).Error; err != nil {
			return fmt.Errorf("record assignment: %w", err)
		}

		if action == AssignActionTakeUp && task.Status != models.TaskStatusInProgress {
			history := &models.TaskStatusHistory{
				TaskID:     taskID,
				ActorID:    actorID,
				FromStatus: task.Status,
				ToStatus:   models.TaskStatusInProgress,
				Reason:     "taken up",
				CreatedAt:  now,
			}
			if err := tx.Create(history).Error; err != nil {
				return fmt.Errorf("record status change: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Infof("assignment: %s task %d -> %s by %s", action, taskID, person.ID, actorID)
	if s.notifier != nil && orgID != "" {
		s.notifier.NotifyOrg(orgID)
	}
	return nil
}

type BulkAssignFailure struct {
	TaskID uint   `json:"task_id"`
	Error  string `json:"error"`
}

type BulkAssignResult struct {
	Assigned []uint              `json:"assigned"`
	Failed   []BulkAssignFailure `json:"failed"`
}

// BulkAssign applies Assign to each id. Failures are reported per id; one
// bad task never blocks the rest of the batch.
func (s *AssignmentService) BulkAssign(ctx context.Context, taskIDs []uint, assigneeID, assignedBy, reason string) (*BulkAssignResult, error) {
	if len(taskIDs) == 0 {
		return nil, fmt.Errorf("task_ids is required")
	}

	ids := make([]uint, 0, len(taskIDs))
	seen := make(map[uint]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no valid task ids")
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := &BulkAssignResult{}
	for _, taskID := range ids {
		if err := s.Assign(ctx, taskID, assigneeID, assignedBy, reason); err != nil {
			out.Failed = append(out.Failed, BulkAssignFailure{TaskID: taskID, Error: err.Error()})
			continue
		}
		out.Assigned = append(out.Assigned, taskID)
	}
	return out, nil
}

// SuggestAssignee picks the least-utilized candidate from a workload
// snapshot. Advisory only: the snapshot may be stale by the time the
// assignment lands, and overloaded candidates are still eligible (lowest
// overload wins) so work never sits unroutable.
func (s *AssignmentService) SuggestAssignee(ctx context.Context, candidateIDs []string) (string, *WorkloadSnapshot, error) {
	if len(candidateIDs) == 0 {
		return "", nil, fmt.Errorf("no candidates")
	}
	snapshots, err := s.workload.Snapshot(ctx, candidateIDs)
	if err != nil {
		return "", nil, err
	}

	var bestID string
	var best *WorkloadSnapshot
	for _, id := range candidateIDs {
		canonical, err := s.resolver.Resolve(ctx, id, "")
		if err != nil {
			return "", nil, err
		}
		snapshot, ok := snapshots[canonical]
		if !ok {
			continue
		}
		if best == nil || snapshot.Utilization < best.Utilization {
			best = snapshot
			bestID = canonical
		}
	}
	if best == nil {
		return "", nil, fmt.Errorf("no candidates")
	}
	return bestID, best, nil
}
