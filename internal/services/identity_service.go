package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"opsboard/internal/metrics"
	"opsboard/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// IdentityResolver maps an external authentication identity to a canonical
// personnel id through an ordered fallback chain, memoized per external id
// for the lifetime of the process.
//
// Both identity forms coexist in historical data on purpose: older tasks
// recorded raw external ids as assignees, so the resolver is the one place
// that reconciles them.
type IdentityResolver struct {
	db     *gorm.DB
	logger *logrus.Logger
	cache  sync.Map // externalID -> canonical personnel id
}

func NewIdentityResolver(db *gorm.DB, logger *logrus.Logger) *IdentityResolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &IdentityResolver{db: db, logger: logger}
}

// Resolve returns the canonical personnel id for an external identity.
// Chain, first hit wins:
//
//	1. externalID is itself a canonical personnel id
//	2. a personnel record links externalID as its external identity
//	3. a personnel record matches the supplied email exactly
//	4. degraded fallback: the raw externalID, with a warning
//
// The chain is pure with respect to its inputs, so concurrent first-time
// resolutions for the same key may race on the cache without locking; any
// writer stores the same value.
func (r *IdentityResolver) Resolve(ctx context.Context, externalID, email string) (string, error) {
	if externalID == "" {
		return "", fmt.Errorf("external id required")
	}
	if cached, ok := r.cache.Load(externalID); ok {
		return cached.(string), nil
	}

	var person models.Personnel

	err := r.db.WithContext(ctx).First(&person, "id = ?", externalID).Error
	if err == nil {
		r.cache.Store(externalID, person.ID)
		return person.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("identity direct lookup: %w", err)
	}

	err = r.db.WithContext(ctx).First(&person, "external_id = ?", externalID).Error
	if err == nil {
		r.cache.Store(externalID, person.ID)
		return person.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("identity linked lookup: %w", err)
	}

	if email != "" {
		err = r.db.WithContext(ctx).First(&person, "email = ?", email).Error
		if err == nil {
			r.cache.Store(externalID, person.ID)
			return person.ID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("identity email lookup: %w", err)
		}
	}

	// Degraded mode: no record found. Callers must treat assignments made
	// under this id as provisional.
	metrics.IncDegradedResolution()
	r.logger.Warnf("identity: no personnel record for external id %s (email %q), using raw id", externalID, email)
	r.cache.Store(externalID, externalID)
	return externalID, nil
}

// Lookup finds the personnel record behind an id that may be canonical or
// external. It returns ErrUnknownAssignee when neither form matches.
func (r *IdentityResolver) Lookup(ctx context.Context, id string) (*models.Personnel, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrUnknownAssignee)
	}
	var person models.Personnel
	err := r.db.WithContext(ctx).First(&person, "id = ?", id).Error
	if err == nil {
		return &person, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	err = r.db.WithContext(ctx).First(&person, "external_id = ?", id).Error
	if err == nil {
		return &person, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAssignee, id)
}

// ClearCache drops every memoized mapping. Needed after personnel imports
// so degraded fallbacks can re-resolve.
func (r *IdentityResolver) ClearCache() {
	r.cache.Range(func(key, _ interface{}) bool {
		r.cache.Delete(key)
		return true
	})
}
