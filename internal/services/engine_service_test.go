package services

import (
	"context"
	"testing"

	"opsboard/internal/models"
)

func newEngineFixture(t *testing.T) (*EngineService, *TaskQueue, *RuleEngine) {
	t.Helper()
	db := newEngineTestDB(t)
	resolver := NewIdentityResolver(db, quietLogger())
	workload := NewWorkloadService(db, quietLogger(), resolver, 30, 8)
	queue := NewTaskQueue(db, quietLogger(), 3)
	assignments := NewAssignmentService(db, quietLogger(), resolver, workload)
	rules := NewRuleEngine(db, quietLogger(), nil)
	engine := NewEngineService(db, quietLogger(), rules, queue, resolver, assignments)

	rule := paymentRule("large-payment", 95)
	rule.GreyAreaType = "payment_review"
	rule.SLAHours = 24
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	if err := rules.ReloadCatalog(context.Background()); err != nil {
		t.Fatalf("ReloadCatalog() error = %v", err)
	}
	return engine, queue, rules
}

func paymentEvent(amount float64) *SubmitEventRequest {
	return &SubmitEventRequest{
		OrgID:        "org-1",
		EntityType:   "payment",
		EventType:    "payment.recorded",
		SourceModule: "finance",
		Entity: map[string]interface{}{
			"id":       "pay-9",
			"amount":   amount,
			"currency": "UGX",
		},
	}
}

func TestEngineService_SubmitEventCreatesTask(t *testing.T) {
	engine, queue, _ := newEngineFixture(t)
	ctx := context.Background()

	ids, err := engine.SubmitEvent(ctx, paymentEvent(12000000))
	if err != nil {
		t.Fatalf("SubmitEvent() error = %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("len(ids) = %d, want 1", len(ids))
	}

	task, err := queue.GetTask(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if task.Title != "Large payment requires review: 12000000 UGX" {
		t.Errorf("Title = %q", task.Title)
	}
	if task.Priority != models.PriorityP0 {
		t.Errorf("Priority = %s, want P0 for rule priority 95", task.Priority)
	}
	if task.RuleID != "large-payment" || task.EntityID != "pay-9" || task.SourceModule != "finance" {
		t.Errorf("source linkage = %s/%s/%s", task.RuleID, task.EntityID, task.SourceModule)
	}
	if task.DueAt == nil {
		t.Error("DueAt not derived from the rule's SLA")
	}

	var runs []models.DetectionRun
	engine.db.Find(&runs)
	if len(runs) != 1 || runs[0].Outcome != RunOutcomeTaskCreated {
		t.Errorf("detection runs = %+v, want one task_created", runs)
	}
}

func TestEngineService_SubmitEventSuppressesDuplicate(t *testing.T) {
	engine, _, _ := newEngineFixture(t)
	ctx := context.Background()

	first, err := engine.SubmitEvent(ctx, paymentEvent(12000000))
	if err != nil || len(first) != 1 {
		t.Fatalf("first SubmitEvent = (%v, %v)", first, err)
	}
	second, err := engine.SubmitEvent(ctx, paymentEvent(12000000))
	if err != nil {
		t.Fatalf("second SubmitEvent error = %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("duplicate event created tasks: %v", second)
	}

	var runs []models.DetectionRun
	engine.db.Order("id ASC").Find(&runs)
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	if runs[1].Outcome != RunOutcomeDuplicateSuppressed {
		t.Errorf("second run outcome = %s, want duplicate_suppressed", runs[1].Outcome)
	}
	if runs[1].TaskID == nil || *runs[1].TaskID != first[0] {
		t.Errorf("suppressed run TaskID = %v, want existing %d", runs[1].TaskID, first[0])
	}
}

func TestEngineService_SubmitEventNoMatch(t *testing.T) {
	engine, _, _ := newEngineFixture(t)

	ids, err := engine.SubmitEvent(context.Background(), paymentEvent(500))
	if err != nil {
		t.Fatalf("SubmitEvent() error = %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("below-threshold event created tasks: %v", ids)
	}
}

func TestEngineService_RoleRoutingAutoAssigns(t *testing.T) {
	engine, queue, rules := newEngineFixture(t)
	ctx := context.Background()

	engine.db.Create(&models.Personnel{ID: "busy", OrgID: "org-1", Role: "reviewer", Status: "active", MaxConcurrent: 4})
	engine.db.Create(&models.Personnel{ID: "free", OrgID: "org-1", Role: "reviewer", Status: "active", MaxConcurrent: 4})
	engine.db.Create(&models.Personnel{ID: "other-org", OrgID: "org-2", Role: "reviewer", Status: "active"})

	engine.db.Model(&models.DetectionRule{}).Where("id = ?", "large-payment").Update("roles", "reviewer")
	if err := rules.ReloadCatalog(ctx); err != nil {
		t.Fatalf("ReloadCatalog() error = %v", err)
	}

	busy := "busy"
	engine.db.Create(&models.Task{OrgID: "org-1", Title: "pre", Priority: models.PriorityP2,
		Status: models.TaskStatusInProgress, AssigneeID: &busy})

	ids, err := engine.SubmitEvent(ctx, paymentEvent(12000000))
	if err != nil || len(ids) != 1 {
		t.Fatalf("SubmitEvent = (%v, %v)", ids, err)
	}
	task, _ := queue.GetTask(ctx, ids[0])
	if task.AssigneeID == nil || *task.AssigneeID != "free" {
		t.Errorf("AssigneeID = %v, want least-utilized free", task.AssigneeID)
	}
}

func TestEngineService_GetQueueSliceFilters(t *testing.T) {
	engine, queue, _ := newEngineFixture(t)
	ctx := context.Background()

	a, _, _ := queue.Enqueue(ctx, &TaskDraft{OrgID: "org-1", Title: "a", Priority: models.PriorityP0})
	b, _, _ := queue.Enqueue(ctx, &TaskDraft{OrgID: "org-1", Title: "b", Priority: models.PriorityP2})
	queue.Enqueue(ctx, &TaskDraft{OrgID: "org-2", Title: "c", Priority: models.PriorityP0})
	queue.Transition(ctx, b.ID, models.TaskStatusInProgress, "tester", "")

	all, err := engine.GetQueueSlice(ctx, "org-1", nil)
	if err != nil {
		t.Fatalf("GetQueueSlice() error = %v", err)
	}
	if len(all) != 2 || all[0].ID != a.ID {
		t.Fatalf("slice = %+v, want a first", all)
	}

	inProgress, err := engine.GetQueueSlice(ctx, "org-1", &QueueSliceRequest{Status: []string{models.TaskStatusInProgress}})
	if err != nil {
		t.Fatalf("filtered GetQueueSlice() error = %v", err)
	}
	if len(inProgress) != 1 || inProgress[0].ID != b.ID {
		t.Fatalf("filtered slice = %+v, want only b", inProgress)
	}
}

func TestEngineService_GetQueueStats(t *testing.T) {
	engine, queue, _ := newEngineFixture(t)
	ctx := context.Background()

	queue.Enqueue(ctx, &TaskDraft{OrgID: "org-1", Title: "s1", Priority: models.PriorityP0})
	s2, _, _ := queue.Enqueue(ctx, &TaskDraft{OrgID: "org-1", Title: "s2"})
	queue.Transition(ctx, s2.ID, models.TaskStatusCancelled, "tester", "")

	stats, err := engine.GetQueueStats(ctx, "org-1")
	if err != nil {
		t.Fatalf("GetQueueStats() error = %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.Open != 1 {
		t.Errorf("Open = %d, want 1", stats.Open)
	}
	if stats.TodayCreated != 2 {
		t.Errorf("TodayCreated = %d, want 2", stats.TodayCreated)
	}
}
