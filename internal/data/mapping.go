package data

import (
	"context"
	"fmt"
	"time"

	pkgerrors "github.com/YannisKiefer/control-center/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// Mapping is the GORM model for the account_proxy_mappings table.
// Mappings are the audit trail of account placement: at most one row per
// account is active, old rows are deactivated rather than deleted.
type Mapping struct {
	ID              int64      `gorm:"primaryKey;column:id"`
	AccountID       int64      `gorm:"column:account_id;not null;index"`
	ProxyID         int64      `gorm:"column:proxy_id;not null;index"`
	Active          bool       `gorm:"column:active;default:true;not null"`
	PreviousProxyID *int64     `gorm:"column:previous_proxy_id"`
	Reason          string     `gorm:"column:reason;size:255"`
	AssignedAt      time.Time  `gorm:"column:assigned_at;autoCreateTime"`
	DeactivatedAt   *time.Time `gorm:"column:deactivated_at"`
}

// TableName specifies the table name for GORM.
func (Mapping) TableName() string {
	return "account_proxy_mappings"
}

// MappingRepo defines assignment history persistence operations.
type MappingRepo interface {
	CreateMapping(ctx context.Context, m *Mapping) error
	// GetActiveMapping returns the active mapping for an account, or
	// (nil, nil) when the account has none.
	GetActiveMapping(ctx context.Context, accountID int64) (*Mapping, error)
	// DeactivateActive closes all active mappings for an account and
	// returns the number of rows closed.
	DeactivateActive(ctx context.Context, accountID int64) (int64, error)
	CountActiveByAccount(ctx context.Context, accountID int64) (int64, error)
	CountActiveByProxy(ctx context.Context, proxyID int64) (int64, error)
	// ListActiveByProxy returns active mappings on a proxy, newest first.
	ListActiveByProxy(ctx context.Context, proxyID int64) ([]*Mapping, error)
	ListMappings(ctx context.Context, activeOnly bool) ([]*Mapping, error)
}

type mappingRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewMappingRepo creates a new mapping repository.
func NewMappingRepo(data *Data, db *gorm.DB, logger log.Logger) MappingRepo {
	_ = data
	return &mappingRepo{
		db:     db,
		logger: log.NewHelper(logger),
	}
}

// CreateMapping records a new assignment.
func (r *mappingRepo) CreateMapping(ctx context.Context, m *Mapping) error {
	m.Active = true
	if m.AssignedAt.IsZero() {
		m.AssignedAt = time.Now()
	}

	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)
		r.logger.Errorw("msg", "failed to create mapping",
			"account_id", m.AccountID,
			"proxy_id", m.ProxyID,
			"error", dbErr.Error())
		return dbErr
	}

	r.logger.Infow("msg", "mapping created",
		"id", m.ID,
		"account_id", m.AccountID,
		"proxy_id", m.ProxyID,
		"reason", m.Reason)
	return nil
}

// GetActiveMapping returns the account's active mapping, newest first in
// case deactivation ever left more than one.
func (r *mappingRepo) GetActiveMapping(ctx context.Context, accountID int64) (*Mapping, error) {
	var m Mapping
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Where("active = ?", true).
		Order("assigned_at DESC, id DESC").
		First(&m).Error
	if err != nil {
		if pkgerrors.IsNotFoundError(err) {
			return nil, nil
		}
		r.logger.Errorf("failed to get active mapping: %v", err)
		return nil, fmt.Errorf("failed to get active mapping: %w", err)
	}

	return &m, nil
}

// DeactivateActive closes every active mapping for an account.
func (r *mappingRepo) DeactivateActive(ctx context.Context, accountID int64) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&Mapping{}).
		Where("account_id = ?", accountID).
		Where("active = ?", true).
		Updates(map[string]interface{}{
			"active":         false,
			"deactivated_at": time.Now(),
		})

	if result.Error != nil {
		r.logger.Errorf("failed to deactivate mappings: %v", result.Error)
		return 0, fmt.Errorf("failed to deactivate mappings: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// CountActiveByAccount counts active mappings for an account.
func (r *mappingRepo) CountActiveByAccount(ctx context.Context, accountID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Mapping{}).
		Where("account_id = ?", accountID).
		Where("active = ?", true).
		Count(&count).Error
	if err != nil {
		r.logger.Errorf("failed to count active mappings by account: %v", err)
		return 0, fmt.Errorf("failed to count active mappings by account: %w", err)
	}

	return count, nil
}

// CountActiveByProxy counts active mappings on a proxy.
func (r *mappingRepo) CountActiveByProxy(ctx context.Context, proxyID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Mapping{}).
		Where("proxy_id = ?", proxyID).
		Where("active = ?", true).
		Count(&count).Error
	if err != nil {
		r.logger.Errorf("failed to count active mappings by proxy: %v", err)
		return 0, fmt.Errorf("failed to count active mappings by proxy: %w", err)
	}

	return count, nil
}

// ListActiveByProxy returns active mappings on a proxy, newest assignment
// first. Rebalancing moves the most recently assigned accounts first.
func (r *mappingRepo) ListActiveByProxy(ctx context.Context, proxyID int64) ([]*Mapping, error) {
	var mappings []*Mapping
	err := r.db.WithContext(ctx).
		Where("proxy_id = ?", proxyID).
		Where("active = ?", true).
		Order("assigned_at DESC, id DESC").
		Find(&mappings).Error
	if err != nil {
		r.logger.Errorf("failed to list active mappings by proxy: %v", err)
		return nil, fmt.Errorf("failed to list active mappings by proxy: %w", err)
	}

	return mappings, nil
}

// ListMappings returns mappings, optionally restricted to active ones.
func (r *mappingRepo) ListMappings(ctx context.Context, activeOnly bool) ([]*Mapping, error) {
	query := r.db.WithContext(ctx).Model(&Mapping{})
	if activeOnly {
		query = query.Where("active = ?", true)
	}

	var mappings []*Mapping
	if err := query.Order("assigned_at DESC, id DESC").Find(&mappings).Error; err != nil {
		r.logger.Errorf("failed to list mappings: %v", err)
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}

	return mappings, nil
}
