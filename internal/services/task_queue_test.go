package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"opsboard/internal/models"
)

func newEngineTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:task_queue_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Personnel{},
		&models.Task{},
		&models.TaskChecklistItem{},
		&models.TaskStatusHistory{},
		&models.TaskAssignment{},
		&models.DetectionRule{},
		&models.DetectionRun{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestTaskQueue_EnqueueCreatesPendingTask(t *testing.T) {
	db := newEngineTestDB(t)
	queue := NewTaskQueue(db, quietLogger(), 3)

	task, created, err := queue.Enqueue(context.Background(), &TaskDraft{
		OrgID:    "org-1",
		Title:    "Review payment",
		Priority: models.PriorityP1,
		RuleID:   "rule-1",
		EntityID: "pay-1",
		SLAHours: 24,
		Checklist: []ChecklistItemDraft{
			{Title: "Verify amount", Required: true},
			{Title: "Confirm counterparty"},
		},
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !created {
		t.Fatal("created = false, want true")
	}
	if task.Status != models.TaskStatusPending {
		t.Errorf("Status = %s, want pending", task.Status)
	}
	if task.DueAt == nil {
		t.Error("DueAt not set despite SLAHours")
	}

	loaded, err := queue.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if len(loaded.Checklist) != 2 {
		t.Errorf("len(Checklist) = %d, want 2", len(loaded.Checklist))
	}
	if len(loaded.StatusHistory) != 1 || loaded.StatusHistory[0].ToStatus != models.TaskStatusPending {
		t.Errorf("StatusHistory = %+v, want single creation row", loaded.StatusHistory)
	}
}

func TestTaskQueue_EnqueueSuppressesDuplicates(t *testing.T) {
	db := newEngineTestDB(t)
	queue := NewTaskQueue(db, quietLogger(), 3)

	draft := &TaskDraft{OrgID: "org-1", Title: "Review", RuleID: "rule-1", EntityID: "pay-1"}
	first, created, err := queue.Enqueue(context.Background(), draft)
	if err != nil || !created {
		t.Fatalf("first Enqueue = (%v, %v)", created, err)
	}

	second, created, err := queue.Enqueue(context.Background(), draft)
	if err != nil {
		t.Fatalf("second Enqueue error = %v", err)
	}
	if created {
		t.Fatal("duplicate was not suppressed")
	}
	if second.ID != first.ID {
		t.Errorf("suppressed enqueue returned task %d, want existing %d", second.ID, first.ID)
	}

	// A terminal task stops suppressing.
	if err := queue.Transition(context.Background(), first.ID, models.TaskStatusCancelled, "tester", ""); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	third, created, err := queue.Enqueue(context.Background(), draft)
	if err != nil || !created {
		t.Fatalf("post-terminal Enqueue = (%v, %v)", created, err)
	}
	if third.ID == first.ID {
		t.Error("post-terminal enqueue reused the terminal task")
	}
}

func TestTaskQueue_EnqueueWithoutSourceLinkageNeverDedupes(t *testing.T) {
	db := newEngineTestDB(t)
	queue := NewTaskQueue(db, quietLogger(), 3)

	draft := &TaskDraft{OrgID: "org-1", Title: "Manual task"}
	_, created, err := queue.Enqueue(context.Background(), draft)
	if err != nil || !created {
		t.Fatalf("first Enqueue = (%v, %v)", created, err)
	}
	_, created, err = queue.Enqueue(context.Background(), draft)
	if err != nil || !created {
		t.Fatalf("second Enqueue = (%v, %v), want created", created, err)
	}
}

func TestTaskQueue_DequeueBatchOrder(t *testing.T) {
	db := newEngineTestDB(t)
	queue := NewTaskQueue(db, quietLogger(), 3)

	base := time.Now().Add(-time.Hour)
	seed := []struct {
		title    string
		priority string
		offset   time.Duration
	}{
		{"old-p2", models.PriorityP2, 0},
		{"new-p0", models.PriorityP0, 30 * time.Minute},
		{"old-p0", models.PriorityP0, 10 * time.Minute},
		{"p1", models.PriorityP1, 20 * time.Minute},
	}
	for _, s := range seed {
		task := &models.Task{
			OrgID:     "org-1",
			Title:     s.title,
			Priority:  s.priority,
			Status:    models.TaskStatusPending,
			CreatedAt: base.Add(s.offset),
			UpdatedAt: base.Add(s.offset),
		}
		if err := db.Create(task).Error; err != nil {
			t.Fatalf("seed task: %v", err)
		}
	}
	// Other orgs and terminal tasks stay out.
	db.Create(&models.Task{OrgID: "org-2", Title: "other-org", Priority: models.PriorityP0, Status: models.TaskStatusPending})
	db.Create(&models.Task{OrgID: "org-1", Title: "done", Priority: models.PriorityP0, Status: models.TaskStatusCompleted})

	tasks, err := queue.DequeueBatch(context.Background(), "org-1", 10)
	if err != nil {
		t.Fatalf("DequeueBatch() error = %v", err)
	}
	want := []string{"old-p0", "new-p0", "p1", "old-p2"}
	if len(tasks) != len(want) {
		t.Fatalf("len(tasks) = %d, want %d", len(tasks), len(want))
	}
	for i, w := range want {
		if tasks[i].Title != w {
			t.Fatalf("order[%d] = %s, want %s", i, tasks[i].Title, w)
		}
	}
}

func TestTaskQueue_TransitionLifecycle(t *testing.T) {
	db := newEngineTestDB(t)
	queue := NewTaskQueue(db, quietLogger(), 3)

	task, _, err := queue.Enqueue(context.Background(), &TaskDraft{OrgID: "org-1", Title: "Lifecycle"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// pending cannot complete directly.
	err = queue.Transition(context.Background(), task.ID, models.TaskStatusCompleted, "tester", "")
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("pending->completed error = %v, want ErrInvalidStateTransition", err)
	}

	if err := queue.Transition(context.Background(), task.ID, models.TaskStatusInProgress, "tester", ""); err != nil {
		t.Fatalf("pending->in_progress error = %v", err)
	}
	if err := queue.Transition(context.Background(), task.ID, models.TaskStatusCompleted, "tester", ""); err != nil {
		t.Fatalf("in_progress->completed error = %v", err)
	}

	done, _ := queue.GetTask(context.Background(), task.ID)
	if done.Status != models.TaskStatusCompleted {
		t.Errorf("Status = %s, want completed", done.Status)
	}
	if done.CompletedAt == nil {
		t.Error("CompletedAt not stamped on completion")
	}
	if err := queue.Transition(context.Background(), task.ID, models.TaskStatusInProgress, "tester", ""); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("terminal transition error = %v, want ErrInvalidStateTransition", err)
	}
}

func TestTaskQueue_BlockedRoundTrip(t *testing.T) {
	db := newEngineTestDB(t)
	queue := NewTaskQueue(db, quietLogger(), 3)

	task, _, _ := queue.Enqueue(context.Background(), &TaskDraft{OrgID: "org-1", Title: "Blockable"})
	if err := queue.Transition(context.Background(), task.ID, models.TaskStatusBlocked, "tester", ""); err != nil {
		t.Fatalf("pending->blocked error = %v", err)
	}
	if err := queue.Transition(context.Background(), task.ID, models.TaskStatusPending, "tester", ""); err != nil {
		t.Fatalf("blocked->pending error = %v", err)
	}
}

func TestTaskQueue_RetryPolicy(t *testing.T) {
	db := newEngineTestDB(t)
	queue := NewTaskQueue(db, quietLogger(), 3)
	ctx := context.Background()

	task, _, err := queue.Enqueue(ctx, &TaskDraft{OrgID: "org-1", Title: "Flaky"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Two retryable failures bounce back to pending.
	for round := 1; round <= 2; round++ {
		if err := queue.Transition(ctx, task.ID, models.TaskStatusInProgress, "worker", ""); err != nil {
			t.Fatalf("round %d claim error = %v", round, err)
		}
		if err := queue.Transition(ctx, task.ID, models.TaskStatusFailed, "worker", "boom"); err != nil {
			t.Fatalf("round %d fail error = %v", round, err)
		}
		got, _ := queue.GetTask(ctx, task.ID)
		if got.Status != models.TaskStatusPending {
			t.Fatalf("round %d Status = %s, want pending", round, got.Status)
		}
		if got.RetryCount != round {
			t.Fatalf("round %d RetryCount = %d, want %d", round, got.RetryCount, round)
		}
		if got.LastError != "boom" {
			t.Fatalf("round %d LastError = %q", round, got.LastError)
		}
	}

	// Third failure exhausts the budget.
	queue.Transition(ctx, task.ID, models.TaskStatusInProgress, "worker", "")
	if err := queue.Transition(ctx, task.ID, models.TaskStatusFailed, "worker", "boom 3"); err != nil {
		t.Fatalf("final fail error = %v", err)
	}
	got, _ := queue.GetTask(ctx, task.ID)
	if got.Status != models.TaskStatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if got.RetryCount != 3 {
		t.Fatalf("RetryCount = %d, want 3", got.RetryCount)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not stamped on terminal failure")
	}

	// Explicit retry of the exhausted task is refused.
	if err := queue.Retry(ctx, task.ID, "human"); !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Retry() error = %v, want ErrRetryExhausted", err)
	}
}

func TestTaskQueue_RetryRequeuesFailedTask(t *testing.T) {
	db := newEngineTestDB(t)
	queue := NewTaskQueue(db, quietLogger(), 3)
	ctx := context.Background()

	task, _, _ := queue.Enqueue(ctx, &TaskDraft{OrgID: "org-1", Title: "Recoverable"})
	now := time.Now()
	db.Model(&models.Task{}).Where("id = ?", task.ID).Updates(map[string]interface{}{
		"status":       models.TaskStatusFailed,
		"retry_count":  1,
		"last_error":   "transient",
		"completed_at": &now,
	})

	if err := queue.Retry(ctx, task.ID, "human"); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	got, _ := queue.GetTask(ctx, task.ID)
	if got.Status != models.TaskStatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if got.LastError != "" {
		t.Errorf("LastError = %q, want cleared", got.LastError)
	}
	if got.CompletedAt != nil {
		t.Error("CompletedAt not cleared on retry")
	}

	// Retry only applies to failed tasks.
	if err := queue.Retry(ctx, task.ID, "human"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("Retry(pending) error = %v, want ErrInvalidStateTransition", err)
	}
}

func TestTaskQueue_CompleteChecklistItem(t *testing.T) {
	db := newEngineTestDB(t)
	queue := NewTaskQueue(db, quietLogger(), 3)
	ctx := context.Background()

	task, _, _ := queue.Enqueue(ctx, &TaskDraft{
		OrgID:     "org-1",
		Title:     "With checklist",
		Checklist: []ChecklistItemDraft{{Title: "Step one", Required: true}},
	})
	loaded, _ := queue.GetTask(ctx, task.ID)
	itemID := loaded.Checklist[0].ID

	if err := queue.CompleteChecklistItem(ctx, task.ID, itemID, "worker"); err != nil {
		t.Fatalf("CompleteChecklistItem() error = %v", err)
	}
	loaded, _ = queue.GetTask(ctx, task.ID)
	item := loaded.Checklist[0]
	if !item.Completed || item.CompletedBy != "worker" || item.CompletedAt == nil {
		t.Errorf("item = %+v, want completed by worker", item)
	}

	if err := queue.CompleteChecklistItem(ctx, task.ID, itemID+99, "worker"); err == nil {
		t.Error("missing checklist item accepted")
	}
}

func TestPriorityBand(t *testing.T) {
	tests := []struct {
		priority int
		want     string
	}{
		{100, models.PriorityP0},
		{90, models.PriorityP0},
		{89, models.PriorityP1},
		{60, models.PriorityP1},
		{59, models.PriorityP2},
		{30, models.PriorityP2},
		{29, models.PriorityP3},
		{0, models.PriorityP3},
	}
	for _, tt := range tests {
		if got := PriorityBand(tt.priority); got != tt.want {
			t.Errorf("PriorityBand(%d) = %s, want %s", tt.priority, got, tt.want)
		}
	}
}

func TestTaskQueue_DequeueBatchConfiguredDefault(t *testing.T) {
	db := newEngineTestDB(t)
	queue := NewTaskQueue(db, quietLogger(), 3)
	queue.SetDequeueBatch(1)
	ctx := context.Background()

	queue.Enqueue(ctx, &TaskDraft{OrgID: "org-1", Title: "later", Priority: models.PriorityP2})
	queue.Enqueue(ctx, &TaskDraft{OrgID: "org-1", Title: "first", Priority: models.PriorityP0})

	tasks, err := queue.DequeueBatch(ctx, "org-1", 0)
	if err != nil {
		t.Fatalf("DequeueBatch() error = %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "first" {
		t.Fatalf("tasks = %+v, want just the most urgent one", tasks)
	}

	// An explicit limit overrides the configured default.
	tasks, err = queue.DequeueBatch(ctx, "org-1", 5)
	if err != nil {
		t.Fatalf("DequeueBatch(5) error = %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(tasks))
	}
}
