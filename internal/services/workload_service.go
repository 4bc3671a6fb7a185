package services

import (
	"context"
	"fmt"
	"math"

	"opsboard/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// WorkloadSnapshot is the derived per-person workload view. Utilization is
// deliberately uncapped: a value above 100 is a legitimate overload signal
// for routing; DisplayUtilization is the clamped variant for progress bars.
type WorkloadSnapshot struct {
	PersonnelID        string `json:"personnel_id"`
	Pending            int    `json:"pending"`
	InProgress         int    `json:"in_progress"`
	Blocked            int    `json:"blocked"`
	Completed          int    `json:"completed"`
	Capacity           int    `json:"capacity"`
	Utilization        int    `json:"utilization"`
	DisplayUtilization int    `json:"display_utilization"`
}

// Active returns the count that consumes capacity.
func (s *WorkloadSnapshot) Active() int {
	return s.Pending + s.InProgress
}

// WorkloadService computes per-person workload from the task table.
type WorkloadService struct {
	db              *gorm.DB
	logger          *logrus.Logger
	resolver        *IdentityResolver
	queryBatch      int // membership-clause limit of the backing store
	defaultCapacity int
}

func NewWorkloadService(db *gorm.DB, logger *logrus.Logger, resolver *IdentityResolver, queryBatch, defaultCapacity int) *WorkloadService {
	if logger == nil {
		logger = logrus.New()
	}
	if queryBatch <= 0 {
		queryBatch = 30
	}
	if defaultCapacity <= 0 {
		defaultCapacity = 8
	}
	return &WorkloadService{
		db:              db,
		logger:          logger,
		resolver:        resolver,
		queryBatch:      queryBatch,
		defaultCapacity: defaultCapacity,
	}
}

type assigneeStatusCount struct {
	AssigneeID string
	Status     string
	Count      int
}

// Snapshot computes workload for the given personnel ids (canonical or raw
// external). Task lookups are batched with grouped membership queries —
// one query per chunk of ids, not one per person — and every observed
// assignee value is mapped through the identity resolver before
// aggregation so historical raw-external-id assignments land in the same
// bucket as canonical ones.
func (w *WorkloadService) Snapshot(ctx context.Context, personnelIDs []string) (map[string]*WorkloadSnapshot, error) {
	out := make(map[string]*WorkloadSnapshot, len(personnelIDs))
	if len(personnelIDs) == 0 {
		return out, nil
	}

	// Canonicalize the request and collect every alias an old task row
	// might carry for each person.
	aliasToCanonical := make(map[string]string)
	var canonicalIDs []string
	for _, id := range personnelIDs {
		if id == "" {
			continue
		}
		canonical, err := w.resolver.Resolve(ctx, id, "")
		if err != nil {
			return nil, fmt.Errorf("workload resolve %s: %w", id, err)
		}
		if _, ok := out[canonical]; ok {
			aliasToCanonical[id] = canonical
			continue
		}
		out[canonical] = &WorkloadSnapshot{PersonnelID: canonical, Capacity: w.defaultCapacity}
		canonicalIDs = append(canonicalIDs, canonical)
		aliasToCanonical[id] = canonical
		aliasToCanonical[canonical] = canonical
	}

	for _, chunk := range chunkStrings(canonicalIDs, w.queryBatch) {
		var people []models.Personnel
		if err := w.db.WithContext(ctx).Where("id IN ?", chunk).Find(&people).Error; err != nil {
			return nil, fmt.Errorf("workload personnel lookup: %w", err)
		}
		for _, p := range people {
			if p.MaxConcurrent > 0 {
				out[p.ID].Capacity = p.MaxConcurrent
			}
			// Old task rows may carry any identity the resolver accepts,
			// so the alias list covers the stored external id and email too.
			if p.ExternalID != "" {
				aliasToCanonical[p.ExternalID] = p.ID
			}
			if p.Email != "" {
				aliasToCanonical[p.Email] = p.ID
			}
		}
	}

	aliases := make([]string, 0, len(aliasToCanonical))
	for alias := range aliasToCanonical {
		aliases = append(aliases, alias)
	}

	for _, chunk := range chunkStrings(aliases, w.queryBatch) {
		var rows []assigneeStatusCount
		err := w.db.WithContext(ctx).Model(&models.Task{}).
			Select("assignee_id, status, COUNT(*) as count").
			Where("assignee_id IN ?", chunk).
			Group("assignee_id").Group("status").
			Scan(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("workload task lookup: %w", err)
		}
		for _, row := range rows {
			canonical, ok := aliasToCanonical[row.AssigneeID]
			if !ok {
				continue
			}
			snapshot := out[canonical]
			switch row.Status {
			case models.TaskStatusPending:
				snapshot.Pending += row.Count
			case models.TaskStatusInProgress:
				snapshot.InProgress += row.Count
			case models.TaskStatusBlocked:
				snapshot.Blocked += row.Count
			case models.TaskStatusCompleted:
				snapshot.Completed += row.Count
			}
		}
	}

	for _, snapshot := range out {
		snapshot.Utilization = utilizationPercent(snapshot.Active(), snapshot.Capacity)
		snapshot.DisplayUtilization = snapshot.Utilization
		if snapshot.DisplayUtilization > 100 {
			snapshot.DisplayUtilization = 100
		}
	}
	return out, nil
}

func utilizationPercent(active, capacity int) int {
	if capacity <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(active) / float64(capacity)))
}

func chunkStrings(values []string, size int) [][]string {
	if size <= 0 {
		size = 30
	}
	var chunks [][]string
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end])
	}
	return chunks
}
