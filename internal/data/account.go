package data

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strconv"
	"time"

	pkgerrors "github.com/YannisKiefer/control-center/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// AccountStatus represents the database ENUM type for account status.
type AccountStatus string

// Account status constants.
const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusBanned    AccountStatus = "banned"
	AccountStatusPaused    AccountStatus = "paused"
)

// AccountPhase represents the database ENUM type for the rollout phase.
// Accounts advance warmup -> soft -> growth -> full, each phase raising
// the daily action limit.
type AccountPhase string

// Account phase constants.
const (
	PhaseWarmup AccountPhase = "warmup"
	PhaseSoft   AccountPhase = "soft"
	PhaseGrowth AccountPhase = "growth"
	PhaseFull   AccountPhase = "full"
)

// Account is the GORM model for the fleet_accounts table.
type Account struct {
	ID               int64         `gorm:"primaryKey;column:id"`
	Handle           string        `gorm:"column:handle;size:100;not null"`
	ProxyID          *int64        `gorm:"column:proxy_id"`
	Status           AccountStatus `gorm:"column:status;type:enum('active','suspended','banned','paused');default:'active';not null"`
	Phase            AccountPhase  `gorm:"column:phase;type:enum('warmup','soft','growth','full');default:'warmup';not null"`
	DailyActionLimit int32         `gorm:"column:daily_action_limit;default:10;not null"`
	ActionsToday     int32         `gorm:"column:actions_today;default:0;not null"`
	SpamScore        int           `gorm:"column:spam_score;default:0;not null"`
	HealthScore      int           `gorm:"column:health_score;default:100;not null"`
	LastActivityAt   *time.Time    `gorm:"column:last_activity_at"`
	LastCheckedAt    *time.Time    `gorm:"column:last_checked_at"`
	CreatedAt        time.Time     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time     `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Account) TableName() string {
	return "fleet_accounts"
}

// Scan implements sql.Scanner interface for AccountStatus.
func (s *AccountStatus) Scan(value interface{}) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*s = AccountStatus(v)
	case string:
		*s = AccountStatus(v)
	default:
		return fmt.Errorf("cannot scan type %T into AccountStatus", value)
	}
	return nil
}

// Value implements driver.Valuer interface for AccountStatus.
func (s AccountStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner interface for AccountPhase.
func (p *AccountPhase) Scan(value interface{}) error {
	if value == nil {
		*p = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*p = AccountPhase(v)
	case string:
		*p = AccountPhase(v)
	default:
		return fmt.Errorf("cannot scan type %T into AccountPhase", value)
	}
	return nil
}

// Value implements driver.Valuer interface for AccountPhase.
func (p AccountPhase) Value() (driver.Value, error) {
	return string(p), nil
}

// AccountRepo defines account persistence operations.
type AccountRepo interface {
	CreateAccount(ctx context.Context, account *Account) error
	// DeleteAccount removes the row. Used to compensate a partially
	// completed creation, so it is a hard delete.
	DeleteAccount(ctx context.Context, id int64) error
	GetAccount(ctx context.Context, id int64) (*Account, error)
	ListActiveAccounts(ctx context.Context) ([]*Account, error)
	ListAccountsByProxy(ctx context.Context, proxyID int64) ([]*Account, error)
	// ListAccountsOnFailedProxies returns active accounts whose assigned
	// proxy is in failed status.
	ListAccountsOnFailedProxies(ctx context.Context) ([]*Account, error)
	UpdateAccountProxy(ctx context.Context, id int64, proxyID int64) error
	// UpdateHealthScore sets the score (clamped to [0, 100]) and stamps
	// last_checked_at.
	UpdateHealthScore(ctx context.Context, id int64, score int) error
	UpdateAccountStatus(ctx context.Context, id int64, status AccountStatus) error
	UpdatePhase(ctx context.Context, id int64, phase AccountPhase, dailyLimit int32) error
	// ResetDailyActions zeroes actions_today for every account and
	// returns the number of rows touched.
	ResetDailyActions(ctx context.Context) (int64, error)
	CountByProxy(ctx context.Context, proxyID int64) (int64, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
	AverageHealthScore(ctx context.Context) (float64, error)
}

type accountRepo struct {
	data   *Data
	db     *gorm.DB
	cache  CacheClient
	logger *log.Helper
}

// NewAccountRepo creates a new account repository.
func NewAccountRepo(data *Data, db *gorm.DB, logger log.Logger) AccountRepo {
	return &accountRepo{
		data:   data,
		db:     db,
		cache:  data.GetCache(),
		logger: log.NewHelper(logger),
	}
}

// CreateAccount creates a new account in the database.
// Returns classified database errors for better error handling in upper layers.
func (r *accountRepo) CreateAccount(ctx context.Context, account *Account) error {
	if account.Status == "" {
		account.Status = AccountStatusActive
	}
	if account.Phase == "" {
		account.Phase = PhaseWarmup
	}
	if account.HealthScore == 0 {
		account.HealthScore = 100
	}

	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)

		switch dbErr.Type {
		case pkgerrors.ErrorTypeDuplicateKey:
			r.logger.Warnw("msg", "duplicate account handle",
				"handle", account.Handle,
				"error", dbErr.Error())
		case pkgerrors.ErrorTypeConstraintViolation:
			r.logger.Errorw("msg", "account references missing proxy",
				"handle", account.Handle,
				"proxy_id", account.ProxyID,
				"error", dbErr.Error())
		case pkgerrors.ErrorTypeConnectionError:
			r.logger.Errorw("msg", "database connection error",
				"error", dbErr.Error())
		default:
			r.logger.Errorw("msg", "failed to create account",
				"handle", account.Handle,
				"error", dbErr.Error())
		}

		return dbErr
	}

	r.logger.Infow("msg", "account created", "id", account.ID, "handle", account.Handle)
	return nil
}

// DeleteAccount hard-deletes an account row and clears its cache.
func (r *accountRepo) DeleteAccount(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).Delete(&Account{}, id)

	if result.Error != nil {
		r.logger.Errorf("failed to delete account: %v", result.Error)
		return fmt.Errorf("failed to delete account: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return pkgerrors.ClassifyDBError(gorm.ErrRecordNotFound)
	}

	r.invalidate(ctx, id)
	r.logger.Infow("msg", "account deleted", "id", id)
	return nil
}

// GetAccount retrieves an account by ID with caching.
// Cache key: "account:{id}", TTL: 5 minutes
func (r *accountRepo) GetAccount(ctx context.Context, id int64) (*Account, error) {
	cacheKey := BuildCacheKey(CacheKeyAccount, strconv.FormatInt(id, 10))

	var cached Account
	if err := r.cache.Get(ctx, cacheKey, &cached); err == nil {
		r.logger.Debugw("msg", "account cache hit", "id", id)
		return &cached, nil
	}

	var account Account
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error; err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)
		if dbErr.Type == pkgerrors.ErrorTypeNotFound {
			return nil, dbErr
		}
		r.logger.Errorf("failed to get account: %v", err)
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	if err := r.cache.Set(ctx, cacheKey, &account, TTLAccount); err != nil {
		r.logger.Warnw("msg", "failed to cache account", "id", id, "error", err)
	}

	return &account, nil
}

// ListActiveAccounts retrieves all accounts in active status.
func (r *accountRepo) ListActiveAccounts(ctx context.Context) ([]*Account, error) {
	var accounts []*Account
	err := r.db.WithContext(ctx).
		Where("status = ?", AccountStatusActive).
		Order("id ASC").
		Find(&accounts).Error
	if err != nil {
		r.logger.Errorf("failed to list active accounts: %v", err)
		return nil, fmt.Errorf("failed to list active accounts: %w", err)
	}

	return accounts, nil
}

// ListAccountsByProxy retrieves active accounts assigned to a proxy.
func (r *accountRepo) ListAccountsByProxy(ctx context.Context, proxyID int64) ([]*Account, error) {
	var accounts []*Account
	err := r.db.WithContext(ctx).
		Where("proxy_id = ?", proxyID).
		Where("status = ?", AccountStatusActive).
		Order("id ASC").
		Find(&accounts).Error
	if err != nil {
		r.logger.Errorf("failed to list accounts by proxy: %v", err)
		return nil, fmt.Errorf("failed to list accounts by proxy: %w", err)
	}

	return accounts, nil
}

// ListAccountsOnFailedProxies joins against fleet_proxies to find active
// accounts stranded on failed proxies.
func (r *accountRepo) ListAccountsOnFailedProxies(ctx context.Context) ([]*Account, error) {
	var accounts []*Account
	err := r.db.WithContext(ctx).
		Joins("JOIN fleet_proxies ON fleet_proxies.id = fleet_accounts.proxy_id").
		Where("fleet_proxies.status = ?", ProxyStatusFailed).
		Where("fleet_accounts.status = ?", AccountStatusActive).
		Order("fleet_accounts.id ASC").
		Find(&accounts).Error
	if err != nil {
		r.logger.Errorf("failed to list accounts on failed proxies: %v", err)
		return nil, fmt.Errorf("failed to list accounts on failed proxies: %w", err)
	}

	return accounts, nil
}

// UpdateAccountProxy repoints an account to a new proxy.
func (r *accountRepo) UpdateAccountProxy(ctx context.Context, id int64, proxyID int64) error {
	result := r.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"proxy_id":   proxyID,
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		r.logger.Errorf("failed to update account proxy: %v", result.Error)
		return fmt.Errorf("failed to update account proxy: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return pkgerrors.ClassifyDBError(gorm.ErrRecordNotFound)
	}

	r.invalidate(ctx, id)
	r.logger.Infow("msg", "account proxy updated", "account_id", id, "proxy_id", proxyID)
	return nil
}

// UpdateHealthScore sets the account health score.
// GREATEST(0, LEAST(100, ?)) keeps the score in [0, 100].
func (r *accountRepo) UpdateHealthScore(ctx context.Context, id int64, score int) error {
	result := r.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"health_score":    gorm.Expr("GREATEST(0, LEAST(100, ?))", score),
			"last_checked_at": time.Now(),
			"updated_at":      time.Now(),
		})

	if result.Error != nil {
		r.logger.Errorf("failed to update account health score: %v", result.Error)
		return fmt.Errorf("failed to update account health score: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return pkgerrors.ClassifyDBError(gorm.ErrRecordNotFound)
	}

	r.invalidate(ctx, id)
	return nil
}

// UpdateAccountStatus updates the lifecycle status of an account.
func (r *accountRepo) UpdateAccountStatus(ctx context.Context, id int64, status AccountStatus) error {
	result := r.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		r.logger.Errorf("failed to update account status: %v", result.Error)
		return fmt.Errorf("failed to update account status: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return pkgerrors.ClassifyDBError(gorm.ErrRecordNotFound)
	}

	r.invalidate(ctx, id)
	r.logger.Infow("msg", "account status updated", "account_id", id, "status", status)
	return nil
}

// UpdatePhase advances an account to a new phase with its daily limit.
func (r *accountRepo) UpdatePhase(ctx context.Context, id int64, phase AccountPhase, dailyLimit int32) error {
	result := r.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"phase":              phase,
			"daily_action_limit": dailyLimit,
			"updated_at":         time.Now(),
		})

	if result.Error != nil {
		r.logger.Errorf("failed to update account phase: %v", result.Error)
		return fmt.Errorf("failed to update account phase: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return pkgerrors.ClassifyDBError(gorm.ErrRecordNotFound)
	}

	r.invalidate(ctx, id)
	r.logger.Infow("msg", "account phase updated", "account_id", id, "phase", phase, "daily_limit", dailyLimit)
	return nil
}

// ResetDailyActions zeroes the daily action counter for every account.
// Cached entries are left to expire; the counter is not read through cache.
func (r *accountRepo) ResetDailyActions(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&Account{}).
		Where("actions_today > 0").
		Updates(map[string]interface{}{
			"actions_today": 0,
			"updated_at":    time.Now(),
		})

	if result.Error != nil {
		r.logger.Errorf("failed to reset daily actions: %v", result.Error)
		return 0, fmt.Errorf("failed to reset daily actions: %w", result.Error)
	}

	r.logger.Infow("msg", "daily action counters reset", "accounts", result.RowsAffected)
	return result.RowsAffected, nil
}

// CountByProxy returns the number of active accounts on a proxy.
func (r *accountRepo) CountByProxy(ctx context.Context, proxyID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Account{}).
		Where("proxy_id = ?", proxyID).
		Where("status = ?", AccountStatusActive).
		Count(&count).Error
	if err != nil {
		r.logger.Errorf("failed to count accounts by proxy: %v", err)
		return 0, fmt.Errorf("failed to count accounts by proxy: %w", err)
	}

	return count, nil
}

// CountByStatus returns the number of accounts per status.
func (r *accountRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}

	var rows []row
	err := r.db.WithContext(ctx).
		Model(&Account{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		r.logger.Errorf("failed to count accounts by status: %v", err)
		return nil, fmt.Errorf("failed to count accounts by status: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, rw := range rows {
		counts[rw.Status] = rw.Count
	}
	return counts, nil
}

// AverageHealthScore returns the mean health score across active accounts.
func (r *accountRepo) AverageHealthScore(ctx context.Context) (float64, error) {
	var avg *float64
	err := r.db.WithContext(ctx).
		Model(&Account{}).
		Where("status = ?", AccountStatusActive).
		Select("AVG(health_score)").
		Scan(&avg).Error
	if err != nil {
		r.logger.Errorf("failed to compute average health score: %v", err)
		return 0, fmt.Errorf("failed to compute average health score: %w", err)
	}

	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}

// invalidate clears the cache entry for an account after a write.
func (r *accountRepo) invalidate(ctx context.Context, id int64) {
	cacheKey := BuildCacheKey(CacheKeyAccount, strconv.FormatInt(id, 10))
	if err := r.cache.Delete(ctx, cacheKey); err != nil {
		r.logger.Warnw("msg", "failed to delete account cache", "id", id, "error", err)
	}
}
