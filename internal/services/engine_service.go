package services

import (
	"context"
	"fmt"
	"time"

	"opsboard/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Detection run outcomes.
const (
	RunOutcomeTaskCreated         = "task_created"
	RunOutcomeDuplicateSuppressed = "duplicate_suppressed"
)

// EngineService is the façade modules submit business events to: it runs
// the rule engine over the event's entity snapshot and enqueues a task per
// matched rule.
type EngineService struct {
	db          *gorm.DB
	logger      *logrus.Logger
	rules       *RuleEngine
	queue       *TaskQueue
	resolver    *IdentityResolver
	assignments *AssignmentService
}

func NewEngineService(db *gorm.DB, logger *logrus.Logger, rules *RuleEngine, queue *TaskQueue, resolver *IdentityResolver, assignments *AssignmentService) *EngineService {
	if logger == nil {
		logger = logrus.New()
	}
	return &EngineService{
		db:          db,
		logger:      logger,
		rules:       rules,
		queue:       queue,
		resolver:    resolver,
		assignments: assignments,
	}
}

// SubmitEventRequest is the external event intake payload.
type SubmitEventRequest struct {
	OrgID        string                 `json:"org_id" binding:"required"`
	EntityType   string                 `json:"entity_type" binding:"required"`
	EventType    string                 `json:"event_type"`
	SourceModule string                 `json:"source_module"`
	Entity       map[string]interface{} `json:"entity" binding:"required"`
}

// SubmitEvent evaluates the catalog against the event and enqueues one task
// per matched rule. It returns the ids of tasks created; suppressed
// duplicates are informational, not errors. A store failure propagates to
// the caller with the ids created so far.
func (s *EngineService) SubmitEvent(ctx context.Context, req *SubmitEventRequest) ([]uint, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	entity := EntitySnapshot(req.Entity)
	matches := s.rules.MatchRules(entity, req.EntityType, req.EventType)
	if len(matches) == 0 {
		return nil, nil
	}

	entityID := snapshotEntityID(entity)
	var createdIDs []uint
	for _, match := range matches {
		rule := match.Rule
		draft := &TaskDraft{
			OrgID:        req.OrgID,
			Title:        match.Title,
			Description:  match.Description,
			Priority:     PriorityBand(rule.Priority),
			Severity:     rule.Severity,
			GreyAreaType: rule.GreyAreaType,
			RuleID:       rule.ID,
			SourceModule: req.SourceModule,
			EntityType:   req.EntityType,
			EntityID:     entityID,
			SLAHours:     rule.SLAHours,
		}
		task, created, err := s.queue.Enqueue(ctx, draft)
		if err != nil {
			return createdIDs, fmt.Errorf("enqueue for rule %s: %w", rule.ID, err)
		}

		outcome := RunOutcomeDuplicateSuppressed
		if created {
			outcome = RunOutcomeTaskCreated
			createdIDs = append(createdIDs, task.ID)
		}
		s.recordRun(ctx, &rule, req, entityID, task.ID, outcome)

		if created && rule.Roles != "" {
			s.routeByRoles(ctx, task, splitCSV(rule.Roles))
		}
	}
	return createdIDs, nil
}

// routeByRoles picks the least-utilized person holding one of the rule's
// candidate roles. Best effort: routing failures leave the task unassigned
// for manual pickup, they never fail the event.
func (s *EngineService) routeByRoles(ctx context.Context, task *models.Task, roles []string) {
	var candidates []models.Personnel
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND role IN ? AND status = ?", task.OrgID, roles, "active").
		Find(&candidates).Error
	if err != nil {
		s.logger.Warnf("engine: candidate lookup for task %d failed: %v", task.ID, err)
		return
	}
	if len(candidates) == 0 {
		s.logger.Debugf("engine: no candidates with roles %v for task %d, leaving unassigned", roles, task.ID)
		return
	}

	ids := make([]string, 0, len(candidates))
	for _, p := range candidates {
		ids = append(ids, p.ID)
	}
	assigneeID, snapshot, err := s.assignments.SuggestAssignee(ctx, ids)
	if err != nil {
		s.logger.Warnf("engine: assignee suggestion for task %d failed: %v", task.ID, err)
		return
	}
	if snapshot.Utilization > 100 {
		s.logger.Warnf("engine: routing task %d to %s at %d%% utilization (overloaded)",
			task.ID, assigneeID, snapshot.Utilization)
	}
	if err := s.assignments.Assign(ctx, task.ID, assigneeID, "system", "rule routing"); err != nil {
		s.logger.Warnf("engine: auto-assign task %d to %s failed: %v", task.ID, assigneeID, err)
	}
}

func (s *EngineService) recordRun(ctx context.Context, rule *models.DetectionRule, req *SubmitEventRequest, entityID string, taskID uint, outcome string) {
	run := &models.DetectionRun{
		RuleID:     rule.ID,
		OrgID:      req.OrgID,
		EntityType: req.EntityType,
		EntityID:   entityID,
		EventType:  req.EventType,
		TaskID:     &taskID,
		Outcome:    outcome,
		CreatedAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		s.logger.Warnf("engine: record detection run failed: %v", err)
	}
}

// QueueSliceRequest filters a queue read.
type QueueSliceRequest struct {
	Status     []string `form:"status"`
	Priority   []string `form:"priority"`
	AssigneeID string   `form:"assignee_id"`
	RuleID     string   `form:"rule_id"`
	Limit      int      `form:"limit,default=50"`
}

// GetQueueSlice returns org tasks in queue order (most urgent band first,
// oldest first within a band) with optional filters.
func (s *EngineService) GetQueueSlice(ctx context.Context, orgID string, req *QueueSliceRequest) ([]models.Task, error) {
	query := s.db.WithContext(ctx).Model(&models.Task{}).Where("org_id = ?", orgID)
	limit := 50
	if req != nil {
		if len(req.Status) > 0 {
			query = query.Where("status IN ?", req.Status)
		}
		if len(req.Priority) > 0 {
			query = query.Where("priority IN ?", req.Priority)
		}
		if req.AssigneeID != "" {
			canonical, err := s.resolver.Resolve(ctx, req.AssigneeID, "")
			if err != nil {
				return nil, err
			}
			query = query.Where("assignee_id = ?", canonical)
		}
		if req.RuleID != "" {
			query = query.Where("rule_id = ?", req.RuleID)
		}
		if req.Limit > 0 {
			limit = req.Limit
		}
	}

	var tasks []models.Task
	if err := query.Order("priority ASC, created_at ASC").Limit(limit).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("queue slice: %w", err)
	}
	return tasks, nil
}

// QueueStats summarizes an org's queue.
type QueueStats struct {
	Total        int64           `json:"total"`
	Open         int64           `json:"open"`
	TodayCreated int64           `json:"today_created"`
	ByStatus     []StatusCount   `json:"by_status"`
	ByPriority   []PriorityCount `json:"by_priority"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

type PriorityCount struct {
	Priority string `json:"priority"`
	Count    int64  `json:"count"`
}

// GetQueueStats aggregates queue counts for an org.
func (s *EngineService) GetQueueStats(ctx context.Context, orgID string) (*QueueStats, error) {
	stats := &QueueStats{}

	if err := s.db.WithContext(ctx).Model(&models.Task{}).
		Where("org_id = ?", orgID).
		Count(&stats.Total).Error; err != nil {
		return nil, err
	}

	s.db.WithContext(ctx).Model(&models.Task{}).
		Where("org_id = ? AND status IN ?", orgID,
			[]string{models.TaskStatusPending, models.TaskStatusInProgress, models.TaskStatusBlocked}).
		Count(&stats.Open)

	today := time.Now().Truncate(24 * time.Hour)
	s.db.WithContext(ctx).Model(&models.Task{}).
		Where("org_id = ? AND created_at >= ?", orgID, today).
		Count(&stats.TodayCreated)

	s.db.WithContext(ctx).Model(&models.Task{}).
		Where("org_id = ?", orgID).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&stats.ByStatus)

	s.db.WithContext(ctx).Model(&models.Task{}).
		Where("org_id = ?", orgID).
		Select("priority, COUNT(*) as count").
		Group("priority").
		Scan(&stats.ByPriority)

	return stats, nil
}

// snapshotEntityID pulls the source entity id out of a snapshot. Events
// without an id still produce tasks; they just cannot be de-duplicated.
func snapshotEntityID(entity EntitySnapshot) string {
	for _, key := range []string{"id", "entity_id", "entityId"} {
		if v, ok := entity.Resolve(key); ok && v != nil {
			return renderValue(v)
		}
	}
	return ""
}
