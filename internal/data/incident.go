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

// IncidentType represents the database ENUM type for incident type.
type IncidentType string

// Incident type constants.
const (
	IncidentProxyFailure       IncidentType = "proxy_failure"
	IncidentProxyDegraded      IncidentType = "proxy_degraded"
	IncidentAccountSuspicious  IncidentType = "account_suspicious"
	IncidentAccountSuspended   IncidentType = "account_suspended"
	IncidentRateLimitHit       IncidentType = "rate_limit_hit"
	IncidentHealthCheckFailed  IncidentType = "health_check_failed"
	IncidentFailoverTriggered  IncidentType = "failover_triggered"
	IncidentManualIntervention IncidentType = "manual_intervention"
)

// IncidentSeverity represents the database ENUM type for severity.
type IncidentSeverity string

// Incident severity constants.
const (
	SeverityWarning  IncidentSeverity = "warning"
	SeverityCritical IncidentSeverity = "critical"
)

// IncidentStatus represents the database ENUM type for incident status.
type IncidentStatus string

// Incident status constants. Transitions only move forward:
// open -> investigating -> resolved or ignored. Resolved and ignored
// are both terminal.
const (
	IncidentOpen          IncidentStatus = "open"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentResolved      IncidentStatus = "resolved"
	IncidentIgnored       IncidentStatus = "ignored"
)

// incidentClosedStatuses are the terminal statuses excluded from every
// "open incidents" query.
var incidentClosedStatuses = []IncidentStatus{IncidentResolved, IncidentIgnored}

// Incident is the GORM model for the fleet_incidents table.
type Incident struct {
	ID          int64            `gorm:"primaryKey;column:id"`
	Type        IncidentType     `gorm:"column:type;type:enum('proxy_failure','proxy_degraded','account_suspicious','account_suspended','rate_limit_hit','health_check_failed','failover_triggered','manual_intervention');not null"`
	Severity    IncidentSeverity `gorm:"column:severity;type:enum('warning','critical');default:'warning';not null"`
	Status      IncidentStatus   `gorm:"column:status;type:enum('open','investigating','resolved','ignored');default:'open';not null"`
	ProxyID     *int64           `gorm:"column:proxy_id;index"`
	AccountID   *int64           `gorm:"column:account_id;index"`
	Description string           `gorm:"column:description;type:text"`
	Resolution  string           `gorm:"column:resolution;type:text"`
	ResolvedBy  string           `gorm:"column:resolved_by;size:100"`
	CreatedAt   time.Time        `gorm:"column:created_at;autoCreateTime"`
	ResolvedAt  *time.Time       `gorm:"column:resolved_at"`
}

// TableName specifies the table name for GORM.
func (Incident) TableName() string {
	return "fleet_incidents"
}

// Scan implements sql.Scanner interface for IncidentStatus.
func (s *IncidentStatus) Scan(value interface{}) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*s = IncidentStatus(v)
	case string:
		*s = IncidentStatus(v)
	default:
		return fmt.Errorf("cannot scan type %T into IncidentStatus", value)
	}
	return nil
}

// Value implements driver.Valuer interface for IncidentStatus.
func (s IncidentStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// rank orders incident statuses for forward-only transition checks.
// Resolved and ignored share a rank, so neither can replace the other.
func (s IncidentStatus) rank() int {
	switch s {
	case IncidentOpen:
		return 0
	case IncidentInvestigating:
		return 1
	case IncidentResolved, IncidentIgnored:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving to the target status is a
// forward transition.
func (s IncidentStatus) CanTransitionTo(target IncidentStatus) bool {
	return target.rank() > s.rank()
}

// Closed reports whether the status is terminal.
func (s IncidentStatus) Closed() bool {
	return s == IncidentResolved || s == IncidentIgnored
}

// IncidentRepo defines incident persistence operations.
type IncidentRepo interface {
	CreateIncident(ctx context.Context, inc *Incident) error
	GetIncident(ctx context.Context, id int64) (*Incident, error)
	ListOpenIncidents(ctx context.Context) ([]*Incident, error)
	// ListOpenByProxy returns unresolved incidents of a type for a proxy.
	// An empty type matches all types.
	ListOpenByProxy(ctx context.Context, proxyID int64, incType IncidentType) ([]*Incident, error)
	// UpdateIncidentStatus applies a forward-only status transition.
	UpdateIncidentStatus(ctx context.Context, id int64, status IncidentStatus) error
	// ResolveIncident closes an incident, recording who resolved it
	// and the resolution text.
	ResolveIncident(ctx context.Context, id int64, resolvedBy, resolution string) error
	// ResolveByProxy resolves all open incidents for a proxy and
	// returns the number resolved.
	ResolveByProxy(ctx context.Context, proxyID int64, resolvedBy, resolution string) (int64, error)
	CountOpenBySeverity(ctx context.Context) (map[string]int64, error)
}

type incidentRepo struct {
	db     *gorm.DB
	cache  CacheClient
	logger *log.Helper
}

// NewIncidentRepo creates a new incident repository.
func NewIncidentRepo(data *Data, db *gorm.DB, logger log.Logger) IncidentRepo {
	return &incidentRepo{
		db:     db,
		cache:  data.GetCache(),
		logger: log.NewHelper(logger),
	}
}

// CreateIncident opens a new incident.
func (r *incidentRepo) CreateIncident(ctx context.Context, inc *Incident) error {
	if inc.Status == "" {
		inc.Status = IncidentOpen
	}
	if inc.Severity == "" {
		inc.Severity = SeverityWarning
	}

	if err := r.db.WithContext(ctx).Create(inc).Error; err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)
		r.logger.Errorw("msg", "failed to create incident",
			"type", inc.Type,
			"severity", inc.Severity,
			"error", dbErr.Error())
		return dbErr
	}

	r.logger.Warnw("msg", "incident opened",
		"id", inc.ID,
		"type", inc.Type,
		"severity", inc.Severity,
		"proxy_id", inc.ProxyID,
		"account_id", inc.AccountID)
	return nil
}

// GetIncident retrieves an incident by ID with caching.
// Cache key: "incident:{id}", TTL: 5 minutes
func (r *incidentRepo) GetIncident(ctx context.Context, id int64) (*Incident, error) {
	cacheKey := BuildCacheKey(CacheKeyIncident, strconv.FormatInt(id, 10))

	var cached Incident
	if err := r.cache.Get(ctx, cacheKey, &cached); err == nil {
		r.logger.Debugw("msg", "incident cache hit", "id", id)
		return &cached, nil
	}

	var inc Incident
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&inc).Error; err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)
		if dbErr.Type == pkgerrors.ErrorTypeNotFound {
			return nil, dbErr
		}
		r.logger.Errorf("failed to get incident: %v", err)
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}

	if err := r.cache.Set(ctx, cacheKey, &inc, TTLIncident); err != nil {
		r.logger.Warnw("msg", "failed to cache incident", "id", id, "error", err)
	}

	return &inc, nil
}

// ListOpenIncidents retrieves all non-terminal incidents, newest first.
func (r *incidentRepo) ListOpenIncidents(ctx context.Context) ([]*Incident, error) {
	var incidents []*Incident
	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", incidentClosedStatuses).
		Order("created_at DESC, id DESC").
		Find(&incidents).Error
	if err != nil {
		r.logger.Errorf("failed to list open incidents: %v", err)
		return nil, fmt.Errorf("failed to list open incidents: %w", err)
	}

	return incidents, nil
}

// ListOpenByProxy retrieves non-terminal incidents of a type for a proxy.
func (r *incidentRepo) ListOpenByProxy(ctx context.Context, proxyID int64, incType IncidentType) ([]*Incident, error) {
	query := r.db.WithContext(ctx).
		Where("proxy_id = ?", proxyID).
		Where("status NOT IN ?", incidentClosedStatuses)
	if incType != "" {
		query = query.Where("type = ?", incType)
	}

	var incidents []*Incident
	if err := query.Order("created_at DESC, id DESC").Find(&incidents).Error; err != nil {
		r.logger.Errorf("failed to list open incidents by proxy: %v", err)
		return nil, fmt.Errorf("failed to list open incidents by proxy: %w", err)
	}

	return incidents, nil
}

// UpdateIncidentStatus applies a forward-only status transition.
func (r *incidentRepo) UpdateIncidentStatus(ctx context.Context, id int64, status IncidentStatus) error {
	inc, err := r.GetIncident(ctx, id)
	if err != nil {
		return err
	}

	if !inc.Status.CanTransitionTo(status) {
		return fmt.Errorf("invalid incident transition: %s -> %s (id=%d)", inc.Status, status, id)
	}

	updates := map[string]interface{}{
		"status": status,
	}
	if status.Closed() {
		updates["resolved_at"] = time.Now()
	}

	result := r.db.WithContext(ctx).
		Model(&Incident{}).
		Where("id = ?", id).
		Updates(updates)

	if result.Error != nil {
		r.logger.Errorf("failed to update incident status: %v", result.Error)
		return fmt.Errorf("failed to update incident status: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return pkgerrors.ClassifyDBError(gorm.ErrRecordNotFound)
	}

	r.invalidate(ctx, id)
	r.logger.Infow("msg", "incident status updated", "id", id, "status", status)
	return nil
}

// ResolveIncident marks an incident as resolved, keeping the resolver
// and resolution text for the audit trail.
func (r *incidentRepo) ResolveIncident(ctx context.Context, id int64, resolvedBy, resolution string) error {
	inc, err := r.GetIncident(ctx, id)
	if err != nil {
		return err
	}
	if !inc.Status.CanTransitionTo(IncidentResolved) {
		return fmt.Errorf("invalid incident transition: %s -> %s (id=%d)", inc.Status, IncidentResolved, id)
	}

	result := r.db.WithContext(ctx).
		Model(&Incident{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      IncidentResolved,
			"resolved_by": resolvedBy,
			"resolution":  resolution,
			"resolved_at": time.Now(),
		})

	if result.Error != nil {
		r.logger.Errorf("failed to resolve incident: %v", result.Error)
		return fmt.Errorf("failed to resolve incident: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return pkgerrors.ClassifyDBError(gorm.ErrRecordNotFound)
	}

	r.invalidate(ctx, id)
	r.logger.Infow("msg", "incident resolved", "id", id, "resolved_by", resolvedBy)
	return nil
}

// ResolveByProxy resolves every open incident for a proxy.
func (r *incidentRepo) ResolveByProxy(ctx context.Context, proxyID int64, resolvedBy, resolution string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&Incident{}).
		Where("proxy_id = ?", proxyID).
		Where("status NOT IN ?", incidentClosedStatuses).
		Updates(map[string]interface{}{
			"status":      IncidentResolved,
			"resolved_by": resolvedBy,
			"resolution":  resolution,
			"resolved_at": time.Now(),
		})

	if result.Error != nil {
		r.logger.Errorf("failed to resolve incidents by proxy: %v", result.Error)
		return 0, fmt.Errorf("failed to resolve incidents by proxy: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		r.logger.Infow("msg", "incidents resolved", "proxy_id", proxyID, "count", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

// CountOpenBySeverity returns the number of open incidents per severity.
func (r *incidentRepo) CountOpenBySeverity(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Severity string
		Count    int64
	}

	var rows []row
	err := r.db.WithContext(ctx).
		Model(&Incident{}).
		Select("severity, COUNT(*) AS count").
		Where("status NOT IN ?", incidentClosedStatuses).
		Group("severity").
		Scan(&rows).Error
	if err != nil {
		r.logger.Errorf("failed to count open incidents by severity: %v", err)
		return nil, fmt.Errorf("failed to count open incidents by severity: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, rw := range rows {
		counts[rw.Severity] = rw.Count
	}
	return counts, nil
}

// invalidate clears the cache entry for an incident after a write.
func (r *incidentRepo) invalidate(ctx context.Context, id int64) {
	cacheKey := BuildCacheKey(CacheKeyIncident, strconv.FormatInt(id, 10))
	if err := r.cache.Delete(ctx, cacheKey); err != nil {
		r.logger.Warnw("msg", "failed to delete incident cache", "id", id, "error", err)
	}
}
