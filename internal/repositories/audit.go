package repositories

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/drover-io/drover/internal/db"
)

// gormAuditRepository is the GORM implementation of AuditRepository.
type gormAuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository returns an AuditRepository backed by the provided
// *gorm.DB.
func NewAuditRepository(database *gorm.DB) AuditRepository {
	return &gormAuditRepository{db: database}
}

func (r *gormAuditRepository) Create(ctx context.Context, event *db.AuditEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("audit: create: %w", err)
	}
	return nil
}

// ListByResource returns the audit trail for one resource serial, most
// recent first.
func (r *gormAuditRepository) ListByResource(ctx context.Context, resourceID string, opts ListOptions) ([]db.AuditEvent, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.AuditEvent{}).
		Where("resource_id = ?", resourceID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit: list by resource count: %w", err)
	}

	q := r.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Order("created_at DESC").
		Offset(opts.Offset)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var events []db.AuditEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, 0, fmt.Errorf("audit: list by resource: %w", err)
	}
	return events, total, nil
}

// List returns a paginated page of the full audit trail, most recent first.
func (r *gormAuditRepository) List(ctx context.Context, opts ListOptions) ([]db.AuditEvent, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.AuditEvent{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit: list count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at DESC").Offset(opts.Offset)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var events []db.AuditEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, 0, fmt.Errorf("audit: list: %w", err)
	}
	return events, total, nil
}
