package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/YannisKiefer/control-center/internal/model"
	pkgerrors "github.com/YannisKiefer/control-center/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WorkflowRecord is the GORM model for the fleet_workflows table.
// Steps are stored as a JSON document; the typed view lives in
// model.Workflow.
type WorkflowRecord struct {
	ID          string     `gorm:"primaryKey;column:id;size:36"`
	Type        string     `gorm:"column:type;size:32;not null;index"`
	Status      string     `gorm:"column:status;size:16;not null"`
	StepsJSON   string     `gorm:"column:steps;type:json;not null"`
	StartedAt   time.Time  `gorm:"column:started_at;not null"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	Error       string     `gorm:"column:error;type:text"`
}

// TableName specifies the table name for GORM.
func (WorkflowRecord) TableName() string {
	return "fleet_workflows"
}

// WorkflowRepo persists workflow runs with their step audit trail.
type WorkflowRepo interface {
	// SaveWorkflow upserts the run. Called once when the run starts and
	// again after every step so a crash leaves a usable audit trail.
	SaveWorkflow(ctx context.Context, wf *model.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	ListRecentWorkflows(ctx context.Context, limit int) ([]*model.Workflow, error)
}

type workflowRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewWorkflowRepo creates a new workflow repository.
func NewWorkflowRepo(db *gorm.DB, logger log.Logger) WorkflowRepo {
	return &workflowRepo{
		db:     db,
		logger: log.NewHelper(logger),
	}
}

// SaveWorkflow upserts a workflow run.
func (r *workflowRepo) SaveWorkflow(ctx context.Context, wf *model.Workflow) error {
	record, err := toRecord(wf)
	if err != nil {
		return err
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(record).Error
	if err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)
		r.logger.Errorw("msg", "failed to save workflow",
			"id", wf.ID,
			"type", wf.Type,
			"error", dbErr.Error())
		return dbErr
	}

	return nil
}

// GetWorkflow retrieves a workflow run by ID.
func (r *workflowRepo) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	var record WorkflowRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)
		if dbErr.Type == pkgerrors.ErrorTypeNotFound {
			return nil, dbErr
		}
		r.logger.Errorf("failed to get workflow: %v", err)
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	return fromRecord(&record)
}

// ListRecentWorkflows retrieves the most recent runs, newest first.
func (r *workflowRepo) ListRecentWorkflows(ctx context.Context, limit int) ([]*model.Workflow, error) {
	if limit <= 0 {
		limit = 20
	}

	var records []*WorkflowRecord
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		r.logger.Errorf("failed to list recent workflows: %v", err)
		return nil, fmt.Errorf("failed to list recent workflows: %w", err)
	}

	workflows := make([]*model.Workflow, 0, len(records))
	for _, record := range records {
		wf, err := fromRecord(record)
		if err != nil {
			r.logger.Warnw("msg", "skipping workflow with corrupt steps", "id", record.ID, "error", err)
			continue
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

func toRecord(wf *model.Workflow) (*WorkflowRecord, error) {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow steps: %w", err)
	}

	return &WorkflowRecord{
		ID:          wf.ID,
		Type:        wf.Type,
		Status:      wf.Status,
		StepsJSON:   string(steps),
		StartedAt:   wf.StartedAt,
		CompletedAt: wf.CompletedAt,
		Error:       wf.Error,
	}, nil
}

func fromRecord(record *WorkflowRecord) (*model.Workflow, error) {
	var steps []model.WorkflowStep
	if record.StepsJSON != "" {
		if err := json.Unmarshal([]byte(record.StepsJSON), &steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow steps: %w", err)
		}
	}

	return &model.Workflow{
		ID:          record.ID,
		Type:        record.Type,
		Status:      record.Status,
		Steps:       steps,
		StartedAt:   record.StartedAt,
		CompletedAt: record.CompletedAt,
		Error:       record.Error,
	}, nil
}
