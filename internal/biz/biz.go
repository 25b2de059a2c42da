// Package biz contains the business logic of the fleet controller:
// capacity-constrained allocation, health scoring, failover handling and
// workflow orchestration. Persistence is delegated to the repositories
// defined in internal/data.
package biz

import (
	"context"
	"time"

	"github.com/YannisKiefer/control-center/internal/model"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewAllocationUsecase,
	NewHealthUsecase,
	NewFailoverUsecase,
	NewWorkflowUsecase,
	NewLogPublisher,
	wire.Bind(new(EventPublisher), new(*LogPublisher)),
)

// Prober tests connectivity through a proxy. Implemented by
// pkg/probe.HTTPProber; faked in tests.
type Prober interface {
	TestConnectivity(ctx context.Context, proxyURL, testURL string, timeout time.Duration) *model.ProbeResult
}
