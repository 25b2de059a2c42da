package biz

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/YannisKiefer/control-center/internal/conf"
	"github.com/YannisKiefer/control-center/internal/data"
	"github.com/YannisKiefer/control-center/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// Weekly maintenance thresholds.
const (
	degradedHealthScore  = 70
	degradedSuccessRate  = 90.0
	phaseCandidateHealth = 80
)

// WorkflowUsecase orchestrates multi-step operations with a persisted
// step audit trail. Every step stamps its timing and outcome; a failed
// step stops the run, marks the workflow failed and opens a
// manual_intervention incident. Partial state created by earlier steps
// is kept for the operator.
type WorkflowUsecase struct {
	alloc     *AllocationUsecase
	health    *HealthUsecase
	failover  *FailoverUsecase
	proxies   data.ProxyRepo
	accounts  data.AccountRepo
	incidents data.IncidentRepo
	workflows data.WorkflowRepo
	events    EventPublisher
	cfg       *conf.Fleet
	logger    *log.Helper
}

// NewWorkflowUsecase creates a new workflow usecase.
func NewWorkflowUsecase(
	alloc *AllocationUsecase,
	health *HealthUsecase,
	failover *FailoverUsecase,
	proxies data.ProxyRepo,
	accounts data.AccountRepo,
	incidents data.IncidentRepo,
	workflows data.WorkflowRepo,
	events EventPublisher,
	cfg *conf.Fleet,
	logger log.Logger,
) *WorkflowUsecase {
	return &WorkflowUsecase{
		alloc:     alloc,
		health:    health,
		failover:  failover,
		proxies:   proxies,
		accounts:  accounts,
		incidents: incidents,
		workflows: workflows,
		events:    events,
		cfg:       cfg,
		logger:    log.NewHelper(logger),
	}
}

// newWorkflow starts and persists a new run.
func (uc *WorkflowUsecase) newWorkflow(ctx context.Context, wfType string) *model.Workflow {
	wf := &model.Workflow{
		ID:        uuid.NewString(),
		Type:      wfType,
		Status:    model.WorkflowRunning,
		StartedAt: time.Now(),
	}
	uc.save(ctx, wf)
	return wf
}

// runStep executes one audited step. The step record is persisted after
// completion, success or failure, so a crash leaves the trail intact.
func (uc *WorkflowUsecase) runStep(ctx context.Context, wf *model.Workflow, name string, fn func(ctx context.Context) (string, error)) error {
	started := time.Now()
	wf.Steps = append(wf.Steps, model.WorkflowStep{
		Name:      name,
		Status:    model.StepInProgress,
		StartedAt: &started,
	})
	idx := len(wf.Steps) - 1

	output, err := fn(ctx)

	completed := time.Now()
	wf.Steps[idx].CompletedAt = &completed
	if err != nil {
		wf.Steps[idx].Status = model.StepFailed
		wf.Steps[idx].Error = err.Error()
	} else {
		wf.Steps[idx].Status = model.StepCompleted
		wf.Steps[idx].Output = output
	}
	uc.save(ctx, wf)

	if err != nil {
		uc.logger.Errorw("msg", "workflow step failed",
			"workflow_id", wf.ID,
			"type", wf.Type,
			"step", name,
			"error", err)
		return err
	}
	return nil
}

// finish closes the run. A failed run opens a manual_intervention
// incident naming the run and its failed step.
func (uc *WorkflowUsecase) finish(ctx context.Context, wf *model.Workflow, runErr error) {
	completed := time.Now()
	wf.CompletedAt = &completed

	if runErr != nil {
		wf.Status = model.WorkflowFailed
		wf.Error = runErr.Error()
		uc.save(ctx, wf)

		inc := &data.Incident{
			Type:     data.IncidentManualIntervention,
			Severity: data.SeverityCritical,
			Description: fmt.Sprintf("workflow %s (%s) failed at step %q: %v",
				wf.ID, wf.Type, wf.FailedStep(), runErr),
		}
		if err := uc.incidents.CreateIncident(ctx, inc); err != nil {
			uc.logger.Errorw("msg", "failed to open workflow incident",
				"workflow_id", wf.ID,
				"error", err)
		}
		return
	}

	wf.Status = model.WorkflowCompleted
	uc.save(ctx, wf)

	if err := uc.events.Publish(ctx, model.WorkflowCompletedEvent{
		WorkflowID: wf.ID,
		Type:       wf.Type,
	}); err != nil {
		uc.logger.Warnw("msg", "failed to publish workflow completed event",
			"workflow_id", wf.ID,
			"error", err)
	}
}

func (uc *WorkflowUsecase) save(ctx context.Context, wf *model.Workflow) {
	if err := uc.workflows.SaveWorkflow(ctx, wf); err != nil {
		uc.logger.Errorw("msg", "failed to persist workflow", "workflow_id", wf.ID, "error", err)
	}
}

// GetWorkflow returns one run with its step trail.
func (uc *WorkflowUsecase) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	wf, err := uc.workflows.GetWorkflow(ctx, id)
	if err != nil {
		return nil, ErrNotFound("workflow %s not found", id)
	}
	return wf, nil
}

// ListRecentWorkflows returns the most recent runs, newest first.
func (uc *WorkflowUsecase) ListRecentWorkflows(ctx context.Context, limit int) ([]*model.Workflow, error) {
	return uc.workflows.ListRecentWorkflows(ctx, limit)
}

// RunOnboarding creates one account end to end: capacity check,
// creation, mapping verification, first health check. A failure after
// create_account keeps the account; the incident points the operator at
// the failed step.
func (uc *WorkflowUsecase) RunOnboarding(ctx context.Context, handle string) (*model.Workflow, error) {
	wf := uc.newWorkflow(ctx, model.WorkflowOnboarding)

	var account *data.Account

	err := uc.runStep(ctx, wf, "validate_config", func(ctx context.Context) (string, error) {
		if handle == "" {
			return "", ErrValidationFailure("account handle must not be empty")
		}
		if uc.cfg.MaxAccountsPerProxy < 1 {
			return "", ErrValidationFailure("max accounts per proxy must be at least 1")
		}
		return fmt.Sprintf("handle %q accepted", handle), nil
	})

	if err == nil {
		err = uc.runStep(ctx, wf, "check_capacity", func(ctx context.Context) (string, error) {
			proxy, err := uc.alloc.FindAvailableProxy(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("proxy %d has spare capacity", proxy.ID), nil
		})
	}

	if err == nil {
		err = uc.runStep(ctx, wf, "create_account", func(ctx context.Context) (string, error) {
			created, err := uc.alloc.CreateAccount(ctx, handle)
			if err != nil {
				return "", err
			}
			account = created
			return fmt.Sprintf("account %d on proxy %d", created.ID, *created.ProxyID), nil
		})
	}

	if err == nil {
		err = uc.runStep(ctx, wf, "verify_mapping", func(ctx context.Context) (string, error) {
			count, err := uc.alloc.mappings.CountActiveByAccount(ctx, account.ID)
			if err != nil {
				return "", err
			}
			if count != 1 {
				return "", ErrValidationFailure("account %d has %d active mappings, want 1", account.ID, count)
			}
			return "exactly one active mapping", nil
		})
	}

	if err == nil {
		err = uc.runStep(ctx, wf, "health_check", func(ctx context.Context) (string, error) {
			result, err := uc.health.CheckAccountHealth(ctx, account.ID)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("health score %d", result.HealthScore), nil
		})
	}

	if err == nil {
		err = uc.runStep(ctx, wf, "publish_completion", func(ctx context.Context) (string, error) {
			return "completion event queued", nil
		})
	}

	uc.finish(ctx, wf, err)
	return wf, err
}

// BulkOnboard creates several accounts, tolerating individual failures,
// then validates the resulting mappings.
func (uc *WorkflowUsecase) BulkOnboard(ctx context.Context, handles []string) (*model.Workflow, error) {
	wf := uc.newWorkflow(ctx, model.WorkflowBulkOnboard)

	var created *BulkCreateReport

	err := uc.runStep(ctx, wf, "validate_input", func(ctx context.Context) (string, error) {
		if len(handles) == 0 {
			return "", ErrValidationFailure("no account handles given")
		}
		for _, h := range handles {
			if h == "" {
				return "", ErrValidationFailure("empty account handle in batch")
			}
		}
		return fmt.Sprintf("%d handles accepted", len(handles)), nil
	})

	if err == nil {
		err = uc.runStep(ctx, wf, "create_accounts", func(ctx context.Context) (string, error) {
			report, err := uc.alloc.BulkCreateAccounts(ctx, handles)
			if err != nil {
				return "", err
			}
			created = report
			return fmt.Sprintf("created %d, failed %d", len(report.Created), len(report.Failed)), nil
		})
	}

	if err == nil {
		err = uc.runStep(ctx, wf, "verify_mappings", func(ctx context.Context) (string, error) {
			report, err := uc.alloc.ValidateMappings(ctx)
			if err != nil {
				return "", err
			}
			if len(report.Issues) > 0 {
				return "", ErrValidationFailure("mapping validation found %d issues: %s",
					len(report.Issues), strings.Join(report.Issues, "; "))
			}
			return fmt.Sprintf("%d mappings valid", report.Valid), nil
		})
	}

	if err == nil {
		err = uc.runStep(ctx, wf, "summarize", func(ctx context.Context) (string, error) {
			out, _ := json.Marshal(created)
			return string(out), nil
		})
	}

	uc.finish(ctx, wf, err)
	return wf, err
}

// RunDailyMaintenance resets action counters, sweeps account health,
// probes the proxy fleet and summarizes open incidents.
func (uc *WorkflowUsecase) RunDailyMaintenance(ctx context.Context) (*model.Workflow, error) {
	wf := uc.newWorkflow(ctx, model.WorkflowDailyMaintenance)

	err := uc.runStep(ctx, wf, "reset_action_counters", func(ctx context.Context) (string, error) {
		reset, err := uc.accounts.ResetDailyActions(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d accounts reset", reset), nil
	})

	if err == nil {
		err = uc.runStep(ctx, wf, "run_health_checks", func(ctx context.Context) (string, error) {
			report, err := uc.health.RunDailyHealthCheck(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("checked %d, warnings %d, critical %d",
				report.Checked, report.Warnings, report.Critical), nil
		})
	}

	if err == nil {
		err = uc.runStep(ctx, wf, "test_proxies", func(ctx context.Context) (string, error) {
			report, err := uc.health.CheckAllProxies(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("tested %d, passed %d, failed %d",
				report.Tested, report.Passed, report.Failed), nil
		})
	}

	if err == nil {
		err = uc.runStep(ctx, wf, "summarize_incidents", func(ctx context.Context) (string, error) {
			open, err := uc.incidents.ListOpenIncidents(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d incidents open", len(open)), nil
		})
	}

	uc.finish(ctx, wf, err)

	if err == nil {
		if pubErr := uc.events.Publish(ctx, model.DailyMaintenanceCompletedEvent{WorkflowID: wf.ID}); pubErr != nil {
			uc.logger.Warnw("msg", "failed to publish daily maintenance event", "workflow_id", wf.ID, "error", pubErr)
		}
	}
	return wf, err
}

// RunWeeklyMaintenance runs the deeper weekly pass: full health sweep,
// degraded proxy handling, phase promotion candidates and a stats
// snapshot. Candidates are identified, not promoted.
func (uc *WorkflowUsecase) RunWeeklyMaintenance(ctx context.Context) (*model.Workflow, error) {
	wf := uc.newWorkflow(ctx, model.WorkflowWeeklyMaintenance)

	err := uc.runStep(ctx, wf, "comprehensive_health_check", func(ctx context.Context) (string, error) {
		report, err := uc.health.RunDailyHealthCheck(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("checked %d, average score %.1f", report.Checked, report.AverageScore), nil
	})

	if err == nil {
		err = uc.runStep(ctx, wf, "flag_degraded_proxies", func(ctx context.Context) (string, error) {
			proxies, err := uc.proxies.ListProxies(ctx, data.ProxyStatusActive)
			if err != nil {
				return "", err
			}

			flagged := 0
			for _, proxy := range proxies {
				if proxy.HealthScore >= degradedHealthScore && proxy.SuccessRate >= degradedSuccessRate {
					continue
				}
				metrics := model.ProxyMetrics{
					AvgResponseTimeMs: proxy.AvgResponseTimeMs,
					SuccessRate:       proxy.SuccessRate,
				}
				if _, err := uc.failover.HandleProxyDegradation(ctx, proxy.ID, metrics); err != nil {
					uc.logger.Errorw("msg", "degradation handling failed",
						"proxy_id", proxy.ID,
						"error", err)
					continue
				}
				flagged++
			}
			return fmt.Sprintf("%d proxies flagged", flagged), nil
		})
	}

	if err == nil {
		err = uc.runStep(ctx, wf, "identify_phase_candidates", func(ctx context.Context) (string, error) {
			accounts, err := uc.accounts.ListActiveAccounts(ctx)
			if err != nil {
				return "", err
			}

			var candidates []string
			for _, account := range accounts {
				if account.Phase == data.PhaseFull {
					continue
				}
				if account.HealthScore < phaseCandidateHealth {
					continue
				}
				if account.DailyActionLimit > 0 && account.ActionsToday > account.DailyActionLimit/2 {
					candidates = append(candidates, account.Handle)
				}
			}
			return fmt.Sprintf("%d candidates: %s", len(candidates), strings.Join(candidates, ", ")), nil
		})
	}

	if err == nil {
		err = uc.runStep(ctx, wf, "snapshot_stats", func(ctx context.Context) (string, error) {
			stats, err := uc.health.Stats(ctx)
			if err != nil {
				return "", err
			}
			out, _ := json.Marshal(stats)
			return string(out), nil
		})
	}

	uc.finish(ctx, wf, err)

	if err == nil {
		if pubErr := uc.events.Publish(ctx, model.WeeklyMaintenanceCompletedEvent{WorkflowID: wf.ID}); pubErr != nil {
			uc.logger.Warnw("msg", "failed to publish weekly maintenance event", "workflow_id", wf.ID, "error", pubErr)
		}
	}
	return wf, err
}

// RunRecovery brings one proxy back into rotation through a verified,
// retried probe.
func (uc *WorkflowUsecase) RunRecovery(ctx context.Context, proxyID int64) (*model.Workflow, error) {
	wf := uc.newWorkflow(ctx, model.WorkflowRecovery)

	err := uc.runStep(ctx, wf, "verify_status", func(ctx context.Context) (string, error) {
		proxy, err := uc.proxies.GetProxy(ctx, proxyID)
		if err != nil {
			return "", ErrNotFound("proxy %d not found", proxyID)
		}
		if proxy.Status == data.ProxyStatusActive {
			return "", ErrValidationFailure("proxy %d is already active", proxyID)
		}
		return fmt.Sprintf("proxy %d is %s", proxyID, proxy.Status), nil
	})

	if err == nil {
		err = uc.runStep(ctx, wf, "probe_and_recover", func(ctx context.Context) (string, error) {
			if err := uc.failover.RecoverProxy(ctx, proxyID); err != nil {
				return "", err
			}
			return "probe passed, proxy reactivated", nil
		})
	}

	if err == nil {
		err = uc.runStep(ctx, wf, "confirm_active", func(ctx context.Context) (string, error) {
			proxy, err := uc.proxies.GetProxy(ctx, proxyID)
			if err != nil {
				return "", err
			}
			if proxy.Status != data.ProxyStatusActive {
				return "", ErrValidationFailure("proxy %d is %s after recovery", proxyID, proxy.Status)
			}
			return "proxy active", nil
		})
	}

	uc.finish(ctx, wf, err)
	return wf, err
}

// RunEmergencyFailover evacuates failed proxies. With proxyID > 0 only
// that proxy is handled; otherwise every failed proxy is. Individual
// account failures do not fail the run, empty spare capacity with
// stranded accounts does.
func (uc *WorkflowUsecase) RunEmergencyFailover(ctx context.Context, proxyID int64) (*model.Workflow, error) {
	wf := uc.newWorkflow(ctx, model.WorkflowEmergencyFailover)

	var targets []int64
	var stranded int64

	err := uc.runStep(ctx, wf, "enumerate_targets", func(ctx context.Context) (string, error) {
		if proxyID > 0 {
			if _, err := uc.proxies.GetProxy(ctx, proxyID); err != nil {
				return "", ErrNotFound("proxy %d not found", proxyID)
			}
			targets = []int64{proxyID}
			count, err := uc.accounts.CountByProxy(ctx, proxyID)
			if err != nil {
				return "", err
			}
			stranded = count
		} else {
			failed, err := uc.proxies.ListProxies(ctx, data.ProxyStatusFailed)
			if err != nil {
				return "", err
			}
			for _, p := range failed {
				targets = append(targets, p.ID)
			}
			onFailed, err := uc.accounts.ListAccountsOnFailedProxies(ctx)
			if err != nil {
				return "", err
			}
			stranded = int64(len(onFailed))
		}
		return fmt.Sprintf("%d proxies, %d stranded accounts", len(targets), stranded), nil
	})

	if err == nil {
		err = uc.runStep(ctx, wf, "check_capacity", func(ctx context.Context) (string, error) {
			spare, err := uc.proxies.SpareCapacity(ctx)
			if err != nil {
				return "", err
			}
			if spare == 0 && stranded > 0 {
				return "", ErrCapacityExhausted("%d accounts stranded with no spare capacity", stranded)
			}
			return fmt.Sprintf("%d spare slots for %d accounts", spare, stranded), nil
		})
	}

	if err == nil {
		err = uc.runStep(ctx, wf, "execute_failovers", func(ctx context.Context) (string, error) {
			successful, failed := 0, 0
			for _, id := range targets {
				report, err := uc.failover.BulkFailover(ctx, id)
				if err != nil {
					uc.logger.Errorw("msg", "bulk failover failed for proxy", "proxy_id", id, "error", err)
					continue
				}
				successful += report.Successful
				failed += report.Failed
			}
			return fmt.Sprintf("moved %d, failed %d", successful, failed), nil
		})
	}

	if err == nil {
		err = uc.runStep(ctx, wf, "recheck_incidents", func(ctx context.Context) (string, error) {
			open, err := uc.incidents.ListOpenIncidents(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d incidents open", len(open)), nil
		})
	}

	uc.finish(ctx, wf, err)
	return wf, err
}
