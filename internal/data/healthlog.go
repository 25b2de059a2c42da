package data

import (
	"context"
	"fmt"
	"time"

	pkgerrors "github.com/YannisKiefer/control-center/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"gorm.io/gorm"
)

// Health check target types.
const (
	HealthTargetAccount = "account"
	HealthTargetProxy   = "proxy"
)

// HealthCheckLog is the GORM model for the health_check_logs table.
// One row per health evaluation or connectivity probe.
type HealthCheckLog struct {
	ID         int64     `gorm:"primaryKey;column:id"`
	TargetType string    `gorm:"column:target_type;size:16;not null;index:idx_target"`
	TargetID   int64     `gorm:"column:target_id;not null;index:idx_target"`
	Score      int       `gorm:"column:score;default:0;not null"`
	OK         bool      `gorm:"column:ok;default:true;not null"`
	Details    string    `gorm:"column:details;type:text"`
	LatencyMs  int64     `gorm:"column:latency_ms;default:0;not null"`
	CheckedAt  time.Time `gorm:"column:checked_at;autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (HealthCheckLog) TableName() string {
	return "health_check_logs"
}

// HealthLogRepo defines health check log persistence operations.
type HealthLogRepo interface {
	AppendLog(ctx context.Context, entry *HealthCheckLog) error
	// RecentForAccount returns the most recent checks for an account,
	// newest first, served from a bounded in-memory cache when possible.
	RecentForAccount(ctx context.Context, accountID int64, limit int) ([]*HealthCheckLog, error)
}

// recentLogsSize bounds the number of accounts whose recent checks are
// kept in memory between sweeps.
const recentLogsSize = 1024

type healthLogRepo struct {
	db     *gorm.DB
	recent *lru.Cache[int64, []*HealthCheckLog]
	logger *log.Helper
}

// NewHealthLogRepo creates a new health check log repository.
func NewHealthLogRepo(db *gorm.DB, logger log.Logger) (HealthLogRepo, error) {
	cache, err := lru.New[int64, []*HealthCheckLog](recentLogsSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create health log cache: %w", err)
	}

	return &healthLogRepo{
		db:     db,
		recent: cache,
		logger: log.NewHelper(logger),
	}, nil
}

// AppendLog records one health check outcome.
func (r *healthLogRepo) AppendLog(ctx context.Context, entry *HealthCheckLog) error {
	if entry.CheckedAt.IsZero() {
		entry.CheckedAt = time.Now()
	}

	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)
		r.logger.Errorw("msg", "failed to append health check log",
			"target_type", entry.TargetType,
			"target_id", entry.TargetID,
			"error", dbErr.Error())
		return dbErr
	}

	// The cached window for this account is stale now.
	if entry.TargetType == HealthTargetAccount {
		r.recent.Remove(entry.TargetID)
	}

	return nil
}

// RecentForAccount returns the newest health checks for an account.
func (r *healthLogRepo) RecentForAccount(ctx context.Context, accountID int64, limit int) ([]*HealthCheckLog, error) {
	if limit <= 0 {
		limit = 10
	}

	if cached, ok := r.recent.Get(accountID); ok && len(cached) >= limit {
		return cached[:limit], nil
	}

	var logs []*HealthCheckLog
	err := r.db.WithContext(ctx).
		Where("target_type = ?", HealthTargetAccount).
		Where("target_id = ?", accountID).
		Order("checked_at DESC, id DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		r.logger.Errorf("failed to list recent health checks: %v", err)
		return nil, fmt.Errorf("failed to list recent health checks: %w", err)
	}

	r.recent.Add(accountID, logs)
	return logs, nil
}
