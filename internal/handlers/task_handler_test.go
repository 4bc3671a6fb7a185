package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"opsboard/internal/models"
	"opsboard/internal/services"
)

func newTestDBForHandlers(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:handlers_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
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

func newTaskTestRouter(t *testing.T) (*gin.Engine, *services.TaskQueue, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newTestDBForHandlers(t)
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	resolver := services.NewIdentityResolver(db, logger)
	workload := services.NewWorkloadService(db, logger, resolver, 30, 8)
	queue := services.NewTaskQueue(db, logger, 3)
	assignments := services.NewAssignmentService(db, logger, resolver, workload)
	feed := services.NewQueueFeedHub(db, logger)

	r := gin.New()
	api := r.Group("/api")
	RegisterTaskRoutes(api, NewTaskHandler(queue, assignments, feed, logger))
	return r, queue, db
}

func TestTaskHandler_GetTask(t *testing.T) {
	r, queue, _ := newTaskTestRouter(t)
	task, _, err := queue.Enqueue(context.Background(), &services.TaskDraft{OrgID: "org-1", Title: "Review"})
	assert.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/tasks/%d", task.ID), nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var got models.Task
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "Review", got.Title)
	assert.Equal(t, models.TaskStatusPending, got.Status)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/tasks/99999", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/tasks/not-a-number", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskHandler_TransitionAndRetryStatuses(t *testing.T) {
	r, queue, _ := newTaskTestRouter(t)
	task, _, err := queue.Enqueue(context.Background(), &services.TaskDraft{OrgID: "org-1", Title: "Transitions"})
	assert.NoError(t, err)

	post := func(path string, payload interface{}) *httptest.ResponseRecorder {
		body, _ := json.Marshal(payload)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	w := post(fmt.Sprintf("/api/tasks/%d/transition", task.ID),
		map[string]string{"status": models.TaskStatusInProgress, "actor_id": "tester"})
	assert.Equal(t, http.StatusOK, w.Code)

	// in_progress cannot go blocked: conflict, not 500.
	w = post(fmt.Sprintf("/api/tasks/%d/transition", task.ID),
		map[string]string{"status": models.TaskStatusBlocked, "actor_id": "tester"})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Retry of a non-failed task is a conflict too.
	w = post(fmt.Sprintf("/api/tasks/%d/retry", task.ID), map[string]string{"actor_id": "tester"})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Missing actor_id fails binding.
	w = post(fmt.Sprintf("/api/tasks/%d/transition", task.ID),
		map[string]string{"status": models.TaskStatusCompleted})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskHandler_AssignEndpoints(t *testing.T) {
	r, queue, db := newTaskTestRouter(t)
	db.Create(&models.Personnel{ID: "alice", OrgID: "org-1", Name: "Alice", MaxConcurrent: 4})

	task, _, err := queue.Enqueue(context.Background(), &services.TaskDraft{OrgID: "org-1", Title: "Assignable"})
	assert.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"assignee_id": "alice", "actor_id": "manager"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/tasks/%d/assign", task.ID), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var stored models.Task
	assert.NoError(t, db.First(&stored, task.ID).Error)
	if assert.NotNil(t, stored.AssigneeID) {
		assert.Equal(t, "alice", *stored.AssigneeID)
	}

	// Unknown assignee maps to 422.
	body, _ = json.Marshal(map[string]string{"assignee_id": "ghost", "actor_id": "manager"})
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/tasks/%d/assign", task.ID), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestTaskHandler_BulkAssign(t *testing.T) {
	r, queue, db := newTaskTestRouter(t)
	db.Create(&models.Personnel{ID: "alice", OrgID: "org-1", Name: "Alice", MaxConcurrent: 4})

	t1, _, _ := queue.Enqueue(context.Background(), &services.TaskDraft{OrgID: "org-1", Title: "b1"})
	t2, _, _ := queue.Enqueue(context.Background(), &services.TaskDraft{OrgID: "org-1", Title: "b2"})
	assert.NoError(t, queue.Transition(context.Background(), t2.ID, models.TaskStatusCancelled, "manager", ""))

	body, _ := json.Marshal(map[string]interface{}{
		"task_ids":    []uint{t1.ID, t2.ID},
		"assignee_id": "alice",
		"actor_id":    "manager",
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/bulk-assign", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var result services.BulkAssignResult
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, []uint{t1.ID}, result.Assigned)
	if assert.Len(t, result.Failed, 1) {
		assert.Equal(t, t2.ID, result.Failed[0].TaskID)
	}
}

func TestTaskHandler_DequeueBatch(t *testing.T) {
	r, queue, _ := newTaskTestRouter(t)
	queue.Enqueue(context.Background(), &services.TaskDraft{OrgID: "org-1", Title: "q1", Priority: models.PriorityP1})
	queue.Enqueue(context.Background(), &services.TaskDraft{OrgID: "org-1", Title: "q0", Priority: models.PriorityP0})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/dequeue?org_id=org-1", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var tasks []models.Task
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	if assert.Len(t, tasks, 2) {
		assert.Equal(t, "q0", tasks[0].Title)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/tasks/dequeue", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
