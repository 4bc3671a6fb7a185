package services

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"opsboard/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// compiledRule is a catalog entry with its declarative parts parsed once.
type compiledRule struct {
	rule        models.DetectionRule
	logic       string
	conditions  []Condition
	entityTypes map[string]struct{}
	eventTypes  map[string]struct{} // empty = any event
}

// RuleCatalog is an immutable snapshot of the enabled-rule configuration.
// The engine evaluates against whole snapshots, so a hot reload swaps the
// catalog atomically instead of mutating shared state.
type RuleCatalog struct {
	Version int
	rules   []compiledRule
}

// Len returns the number of evaluable rules in the snapshot.
func (c *RuleCatalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.rules)
}

// CompileCatalog parses raw rule rows into a catalog snapshot. Malformed
// rules (bad condition JSON, unknown logic or operator) are skipped with a
// warning and never abort compilation of the rest.
func CompileCatalog(version int, rules []models.DetectionRule, logger *logrus.Logger) *RuleCatalog {
	if logger == nil {
		logger = logrus.New()
	}
	catalog := &RuleCatalog{Version: version}
	for _, r := range rules {
		compiled, err := compileRule(r)
		if err != nil {
			logger.Warnf("rules: skipping malformed rule %s: %v", r.ID, err)
			continue
		}
		catalog.rules = append(catalog.rules, compiled)
	}
	return catalog
}

func compileRule(r models.DetectionRule) (compiledRule, error) {
	logic := strings.ToLower(r.Logic)
	if logic == "" {
		logic = "and"
	}
	if logic != "and" && logic != "or" {
		return compiledRule{}, fmt.Errorf("unknown logic %q", r.Logic)
	}

	var conditions []Condition
	if strings.TrimSpace(r.Conditions) != "" {
		if err := json.Unmarshal([]byte(r.Conditions), &conditions); err != nil {
			return compiledRule{}, fmt.Errorf("invalid conditions: %w", err)
		}
	}
	for _, c := range conditions {
		if !knownOperator(c.Op) {
			return compiledRule{}, fmt.Errorf("unknown operator %q", c.Op)
		}
		if strings.TrimSpace(c.Field) == "" {
			return compiledRule{}, fmt.Errorf("condition with empty field")
		}
	}

	return compiledRule{
		rule:        r,
		logic:       logic,
		conditions:  conditions,
		entityTypes: csvSet(r.EntityTypes),
		eventTypes:  csvSet(r.EventTypes),
	}, nil
}

// RuleMatch is a matched rule with its rendered output.
type RuleMatch struct {
	Rule        models.DetectionRule `json:"rule"`
	Title       string               `json:"title"`
	Description string               `json:"description"`
}

// RuleEngine evaluates the detection catalog against entity snapshots and
// owns the catalog CRUD. Evaluation is read-only and side-effect free.
type RuleEngine struct {
	db     *gorm.DB
	logger *logrus.Logger

	mu      sync.RWMutex
	catalog *RuleCatalog
}

// NewRuleEngine creates the engine with an injected catalog snapshot.
// A nil catalog starts empty; ReloadCatalog pulls the persisted rules.
func NewRuleEngine(db *gorm.DB, logger *logrus.Logger, catalog *RuleCatalog) *RuleEngine {
	if logger == nil {
		logger = logrus.New()
	}
	if catalog == nil {
		catalog = &RuleCatalog{}
	}
	return &RuleEngine{db: db, logger: logger, catalog: catalog}
}

// Catalog returns the current catalog snapshot.
func (e *RuleEngine) Catalog() *RuleCatalog {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.catalog
}

// SetCatalog swaps in a new catalog snapshot.
func (e *RuleEngine) SetCatalog(catalog *RuleCatalog) {
	if catalog == nil {
		return
	}
	e.mu.Lock()
	e.catalog = catalog
	e.mu.Unlock()
}

// ReloadCatalog recompiles the catalog from the persisted enabled rules and
// swaps it in with a bumped version.
func (e *RuleEngine) ReloadCatalog(ctx context.Context) error {
	var rules []models.DetectionRule
	if err := e.db.WithContext(ctx).Where("enabled = ?", true).Order("created_at ASC, id ASC").Find(&rules).Error; err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	e.mu.Lock()
	version := e.catalog.Version + 1
	e.catalog = CompileCatalog(version, rules, e.logger)
	e.mu.Unlock()
	e.logger.Infof("rules: catalog v%d loaded with %d rules", version, len(rules))
	return nil
}

// MatchRules runs the catalog against an entity snapshot and returns the
// matching rules, rendered and ordered by priority descending. Ties keep
// catalog declaration order (stable sort). A rule with zero conditions
// never matches.
func (e *RuleEngine) MatchRules(entity EntitySnapshot, entityType, eventType string) []RuleMatch {
	catalog := e.Catalog()

	var matches []RuleMatch
	for _, cr := range catalog.rules {
		if !cr.rule.Enabled {
			continue
		}
		if _, ok := cr.entityTypes[entityType]; !ok {
			continue
		}
		if len(cr.eventTypes) > 0 {
			if _, ok := cr.eventTypes[eventType]; !ok {
				continue
			}
		}
		if !matchConditions(entity, cr.logic, cr.conditions) {
			continue
		}
		matches = append(matches, RuleMatch{
			Rule:        cr.rule,
			Title:       renderTemplate(cr.rule.TitleTemplate, entity),
			Description: renderTemplate(cr.rule.DescriptionTemplate, entity),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Rule.Priority > matches[j].Rule.Priority
	})
	return matches
}

func matchConditions(entity EntitySnapshot, logic string, conditions []Condition) bool {
	if len(conditions) == 0 {
		// Fail closed: an unconstrained rule matching everything would be
		// a misconfiguration, not an intent.
		return false
	}
	if logic == "or" {
		for _, c := range conditions {
			if evaluateCondition(entity, c) {
				return true
			}
		}
		return false
	}
	for _, c := range conditions {
		if !evaluateCondition(entity, c) {
			return false
		}
	}
	return true
}

var templateToken = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// renderTemplate substitutes every {{field.path}} token with the resolved
// snapshot value. Unresolved tokens render as an empty string; rendering
// never fails on missing data.
func renderTemplate(tpl string, entity EntitySnapshot) string {
	if tpl == "" {
		return ""
	}
	return templateToken.ReplaceAllStringFunc(tpl, func(token string) string {
		path := strings.TrimSpace(strings.Trim(token, "{}"))
		value, ok := entity.Resolve(path)
		if !ok || value == nil {
			return ""
		}
		return renderValue(value)
	})
}

// renderValue formats numbers without the %v float exponent so a 12000000
// amount renders as "12000000", not "1.2e+07".
func renderValue(v interface{}) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	}
	return fmt.Sprintf("%v", v)
}

// DetectionRuleRequest carries the rule CRUD payload.
type DetectionRuleRequest struct {
	ID                  string      `json:"id" binding:"required"`
	Name                string      `json:"name" binding:"required"`
	EntityTypes         []string    `json:"entity_types" binding:"required,min=1"`
	EventTypes          []string    `json:"event_types"`
	Logic               string      `json:"logic"`
	Conditions          []Condition `json:"conditions"`
	GreyAreaType        string      `json:"grey_area_type"`
	Severity            string      `json:"severity"`
	TitleTemplate       string      `json:"title_template"`
	DescriptionTemplate string      `json:"description_template"`
	Roles               []string    `json:"roles"`
	SLAHours            int         `json:"sla_hours"`
	Priority            int         `json:"priority"`
	Enabled             *bool       `json:"enabled"`
}

// CreateRule validates and persists a detection rule, then reloads the
// catalog so the new rule takes effect without a restart.
func (e *RuleEngine) CreateRule(ctx context.Context, req *DetectionRuleRequest) (*models.DetectionRule, error) {
	if req == nil {
		return nil, fmt.Errorf("request required")
	}
	logic := strings.ToLower(req.Logic)
	if logic == "" {
		logic = "and"
	}
	if logic != "and" && logic != "or" {
		return nil, fmt.Errorf("unsupported logic: %s", req.Logic)
	}
	for _, c := range req.Conditions {
		if !knownOperator(c.Op) {
			return nil, fmt.Errorf("unsupported operator: %s", c.Op)
		}
	}
	if req.Severity != "" && !validSeverity(req.Severity) {
		return nil, fmt.Errorf("unsupported severity: %s", req.Severity)
	}

	condJSON, err := json.Marshal(req.Conditions)
	if err != nil {
		return nil, fmt.Errorf("invalid conditions: %w", err)
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	severity := req.Severity
	if severity == "" {
		severity = models.SeverityMedium
	}

	rule := &models.DetectionRule{
		ID:                  req.ID,
		Name:                req.Name,
		Enabled:             enabled,
		EntityTypes:         strings.Join(req.EntityTypes, ","),
		EventTypes:          strings.Join(req.EventTypes, ","),
		Logic:               logic,
		Conditions:          string(condJSON),
		GreyAreaType:        req.GreyAreaType,
		Severity:            severity,
		TitleTemplate:       req.TitleTemplate,
		DescriptionTemplate: req.DescriptionTemplate,
		Roles:               strings.Join(req.Roles, ","),
		SLAHours:            req.SLAHours,
		Priority:            req.Priority,
		Version:             1,
		CreatedAt:           time.Now(),
		UpdatedAt:           time.Now(),
	}

	if err := e.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, err
	}
	if err := e.ReloadCatalog(ctx); err != nil {
		e.logger.Warnf("rules: reload after create failed: %v", err)
	}
	return rule, nil
}

// ListRules returns all persisted rules, enabled or not.
func (e *RuleEngine) ListRules(ctx context.Context) ([]models.DetectionRule, error) {
	var rules []models.DetectionRule
	if err := e.db.WithContext(ctx).Order("priority DESC, id ASC").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// SetRuleEnabled flips the enabled flag and bumps the rule version.
func (e *RuleEngine) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	result := e.db.WithContext(ctx).Model(&models.DetectionRule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"enabled":    enabled,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err := e.ReloadCatalog(ctx); err != nil {
		e.logger.Warnf("rules: reload after toggle failed: %v", err)
	}
	return nil
}

// DeleteRule removes a rule from the persisted catalog.
func (e *RuleEngine) DeleteRule(ctx context.Context, id string) error {
	result := e.db.WithContext(ctx).Delete(&models.DetectionRule{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err := e.ReloadCatalog(ctx); err != nil {
		e.logger.Warnf("rules: reload after delete failed: %v", err)
	}
	return nil
}

func validSeverity(s string) bool {
	switch s {
	case models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical:
		return true
	}
	return false
}

func csvSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		set[part] = struct{}{}
	}
	return set
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
