package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/drover-io/drover/internal/db"
	"github.com/drover-io/drover/internal/serial"
)

// gormTargetRepository is the GORM implementation of TargetRepository.
type gormTargetRepository struct {
	db *gorm.DB
}

// NewTargetRepository returns a TargetRepository backed by the provided
// *gorm.DB.
func NewTargetRepository(database *gorm.DB) TargetRepository {
	return &gormTargetRepository{db: database}
}

// Create allocates the target serial and inserts the target in one
// transaction.
func (r *gormTargetRepository) Create(ctx context.Context, target *db.Target) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if target.Serial == "" {
			n, err := serial.Next(tx, serial.KindTarget, "")
			if err != nil {
				return err
			}
			target.Serial = serial.FormatTarget(n)
		}
		if err := tx.Create(target).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("targets: create: %w", ErrConflict)
			}
			return fmt.Errorf("targets: create: %w", err)
		}
		return nil
	})
}

func (r *gormTargetRepository) GetByID(ctx context.Context, id uint64) (*db.Target, error) {
	var target db.Target
	if err := r.db.WithContext(ctx).First(&target, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("targets: get by id: %w", err)
	}
	return &target, nil
}

// GetWithMethods loads the target with its communication methods in priority
// order and each method's credentials in stored order. This is the read the
// branch executor performs before connecting.
func (r *gormTargetRepository) GetWithMethods(ctx context.Context, id uint64) (*db.Target, error) {
	target, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := r.db.WithContext(ctx).
		Where("target_id = ?", id).
		Order("priority ASC, id ASC").
		Find(&target.CommunicationMethods).Error; err != nil {
		return nil, fmt.Errorf("targets: get methods for %s: %w", target.Serial, err)
	}

	if len(target.CommunicationMethods) == 0 {
		return target, nil
	}

	methodIDs := make([]uint64, len(target.CommunicationMethods))
	byID := make(map[uint64]*db.CommunicationMethod, len(target.CommunicationMethods))
	for i := range target.CommunicationMethods {
		m := &target.CommunicationMethods[i]
		methodIDs[i] = m.ID
		byID[m.ID] = m
	}

	var creds []db.Credential
	if err := r.db.WithContext(ctx).
		Where("communication_method_id IN ?", methodIDs).
		Order("id ASC").
		Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("targets: get credentials for %s: %w", target.Serial, err)
	}
	for _, cred := range creds {
		m := byID[cred.CommunicationMethodID]
		m.Credentials = append(m.Credentials, cred)
	}
	return target, nil
}

func (r *gormTargetRepository) ListByIDs(ctx context.Context, ids []uint64) ([]db.Target, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var targets []db.Target
	if err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&targets).Error; err != nil {
		return nil, fmt.Errorf("targets: list by ids: %w", err)
	}
	return targets, nil
}

// List returns a paginated list of targets and the total count.
func (r *gormTargetRepository) List(ctx context.Context, opts ListOptions) ([]db.Target, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.Target{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("targets: list count: %w", err)
	}

	q := r.db.WithContext(ctx).Order(sortExpr(opts.Sort)).Offset(opts.Offset)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var targets []db.Target
	if err := q.Find(&targets).Error; err != nil {
		return nil, 0, fmt.Errorf("targets: list: %w", err)
	}
	return targets, total, nil
}

func (r *gormTargetRepository) CreateMethod(ctx context.Context, method *db.CommunicationMethod) error {
	if err := r.db.WithContext(ctx).Create(method).Error; err != nil {
		return fmt.Errorf("targets: create method: %w", err)
	}
	return nil
}

func (r *gormTargetRepository) CreateCredential(ctx context.Context, credential *db.Credential) error {
	if err := r.db.WithContext(ctx).Create(credential).Error; err != nil {
		return fmt.Errorf("targets: create credential: %w", err)
	}
	return nil
}
