package biz

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/YannisKiefer/control-center/internal/conf"
	"github.com/YannisKiefer/control-center/internal/data"
	"github.com/YannisKiefer/control-center/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"google.golang.org/protobuf/types/known/durationpb"
)

// In-memory fakes implementing the data repositories. All fakes guard
// their maps with a mutex so concurrency tests exercise real races.

type fakeProxyRepo struct {
	mu      sync.Mutex
	proxies map[int64]*data.Proxy
	nextID  int64
}

func newFakeProxyRepo() *fakeProxyRepo {
	return &fakeProxyRepo{proxies: make(map[int64]*data.Proxy)}
}

func (f *fakeProxyRepo) CreateProxy(_ context.Context, proxy *data.Proxy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	proxy.ID = f.nextID
	cp := *proxy
	f.proxies[proxy.ID] = &cp
	return nil
}

func (f *fakeProxyRepo) GetProxy(_ context.Context, id int64) (*data.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proxies[id]
	if !ok {
		return nil, fmt.Errorf("proxy not found: id=%d", id)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProxyRepo) ListProxies(_ context.Context, status data.ProxyStatus) ([]*data.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Proxy
	for _, p := range f.proxies {
		if status == "" || p.Status == status {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeProxyRepo) SelectAvailableProxy(_ context.Context, exclude []int64) (*data.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	excluded := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	// Fewest assigned accounts first, ties by health score, then id.
	var best *data.Proxy
	for _, p := range f.proxies {
		if excluded[p.ID] || p.Status != data.ProxyStatusActive || p.AssignedAccounts >= p.MaxAccounts {
			continue
		}
		if best == nil {
			best = p
			continue
		}
		switch {
		case p.AssignedAccounts < best.AssignedAccounts:
			best = p
		case p.AssignedAccounts == best.AssignedAccounts && p.HealthScore > best.HealthScore:
			best = p
		case p.AssignedAccounts == best.AssignedAccounts && p.HealthScore == best.HealthScore && p.ID < best.ID:
			best = p
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (f *fakeProxyRepo) ReserveSlot(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proxies[id]
	if !ok {
		return false, fmt.Errorf("proxy not found: id=%d", id)
	}
	if p.AssignedAccounts >= p.MaxAccounts {
		return false, nil
	}
	p.AssignedAccounts++
	return true, nil
}

func (f *fakeProxyRepo) ReleaseSlot(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proxies[id]
	if !ok {
		return fmt.Errorf("proxy not found: id=%d", id)
	}
	if p.AssignedAccounts > 0 {
		p.AssignedAccounts--
	}
	return nil
}

func (f *fakeProxyRepo) UpdateProxyStatus(_ context.Context, id int64, status data.ProxyStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proxies[id]
	if !ok {
		return fmt.Errorf("proxy not found: id=%d", id)
	}
	p.Status = status
	return nil
}

func (f *fakeProxyRepo) AdjustHealthScore(_ context.Context, id int64, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proxies[id]
	if !ok {
		return fmt.Errorf("proxy not found: id=%d", id)
	}
	p.HealthScore += delta
	if p.HealthScore < 0 {
		p.HealthScore = 0
	}
	if p.HealthScore > 100 {
		p.HealthScore = 100
	}
	return nil
}

func (f *fakeProxyRepo) UpdateProbeMetrics(_ context.Context, id int64, avgMs int64, successRate float64, testedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proxies[id]
	if !ok {
		return fmt.Errorf("proxy not found: id=%d", id)
	}
	p.AvgResponseTimeMs = avgMs
	p.SuccessRate = successRate
	p.LastTestedAt = &testedAt
	return nil
}

func (f *fakeProxyRepo) SpareCapacity(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var spare int64
	for _, p := range f.proxies {
		if p.Status == data.ProxyStatusActive {
			spare += int64(p.MaxAccounts - p.AssignedAccounts)
		}
	}
	return spare, nil
}

func (f *fakeProxyRepo) StatusCounts(_ context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int64)
	for _, p := range f.proxies {
		counts[string(p.Status)]++
	}
	return counts, nil
}

type fakeAccountRepo struct {
	mu       sync.Mutex
	accounts map[int64]*data.Account
	nextID   int64
	proxies  *fakeProxyRepo

	// failUpdateScore, when set, makes UpdateHealthScore fail. Used to
	// exercise workflow step failure after account creation.
	failUpdateScore error
}

func newFakeAccountRepo(proxies *fakeProxyRepo) *fakeAccountRepo {
	return &fakeAccountRepo{accounts: make(map[int64]*data.Account), proxies: proxies}
}

func (f *fakeAccountRepo) CreateAccount(_ context.Context, account *data.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	account.ID = f.nextID
	cp := *account
	f.accounts[account.ID] = &cp
	return nil
}

func (f *fakeAccountRepo) DeleteAccount(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[id]; !ok {
		return fmt.Errorf("account not found: id=%d", id)
	}
	delete(f.accounts, id)
	return nil
}

func (f *fakeAccountRepo) GetAccount(_ context.Context, id int64) (*data.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account not found: id=%d", id)
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAccountRepo) ListActiveAccounts(_ context.Context) ([]*data.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Account
	for _, a := range f.accounts {
		if a.Status == data.AccountStatusActive {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeAccountRepo) ListAccountsByProxy(_ context.Context, proxyID int64) ([]*data.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Account
	for _, a := range f.accounts {
		if a.ProxyID != nil && *a.ProxyID == proxyID && a.Status == data.AccountStatusActive {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeAccountRepo) ListAccountsOnFailedProxies(ctx context.Context) ([]*data.Account, error) {
	failed, err := f.proxies.ListProxies(ctx, data.ProxyStatusFailed)
	if err != nil {
		return nil, err
	}
	failedIDs := make(map[int64]bool, len(failed))
	for _, p := range failed {
		failedIDs[p.ID] = true
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Account
	for _, a := range f.accounts {
		if a.ProxyID != nil && failedIDs[*a.ProxyID] && a.Status == data.AccountStatusActive {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeAccountRepo) UpdateAccountProxy(_ context.Context, id int64, proxyID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return fmt.Errorf("account not found: id=%d", id)
	}
	a.ProxyID = &proxyID
	return nil
}

func (f *fakeAccountRepo) UpdateHealthScore(_ context.Context, id int64, score int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdateScore != nil {
		return f.failUpdateScore
	}
	a, ok := f.accounts[id]
	if !ok {
		return fmt.Errorf("account not found: id=%d", id)
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	a.HealthScore = score
	now := time.Now()
	a.LastCheckedAt = &now
	return nil
}

func (f *fakeAccountRepo) UpdateAccountStatus(_ context.Context, id int64, status data.AccountStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return fmt.Errorf("account not found: id=%d", id)
	}
	a.Status = status
	return nil
}

func (f *fakeAccountRepo) UpdatePhase(_ context.Context, id int64, phase data.AccountPhase, dailyLimit int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return fmt.Errorf("account not found: id=%d", id)
	}
	a.Phase = phase
	a.DailyActionLimit = dailyLimit
	return nil
}

func (f *fakeAccountRepo) ResetDailyActions(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var reset int64
	for _, a := range f.accounts {
		if a.ActionsToday > 0 {
			a.ActionsToday = 0
			reset++
		}
	}
	return reset, nil
}

func (f *fakeAccountRepo) CountByProxy(_ context.Context, proxyID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, a := range f.accounts {
		if a.ProxyID != nil && *a.ProxyID == proxyID && a.Status == data.AccountStatusActive {
			count++
		}
	}
	return count, nil
}

func (f *fakeAccountRepo) CountByStatus(_ context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int64)
	for _, a := range f.accounts {
		counts[string(a.Status)]++
	}
	return counts, nil
}

func (f *fakeAccountRepo) AverageHealthScore(_ context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum, n int
	for _, a := range f.accounts {
		if a.Status == data.AccountStatusActive {
			sum += a.HealthScore
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return float64(sum) / float64(n), nil
}

type fakeMappingRepo struct {
	mu       sync.Mutex
	mappings map[int64]*data.Mapping
	nextID   int64

	// failCreate, when set, makes CreateMapping fail. Used to exercise
	// compensation paths.
	failCreate error
}

func newFakeMappingRepo() *fakeMappingRepo {
	return &fakeMappingRepo{mappings: make(map[int64]*data.Mapping)}
}

func (f *fakeMappingRepo) CreateMapping(_ context.Context, m *data.Mapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return f.failCreate
	}
	f.nextID++
	m.ID = f.nextID
	m.Active = true
	if m.AssignedAt.IsZero() {
		m.AssignedAt = time.Now()
	}
	cp := *m
	f.mappings[m.ID] = &cp
	return nil
}

func (f *fakeMappingRepo) GetActiveMapping(_ context.Context, accountID int64) (*data.Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var newest *data.Mapping
	for _, m := range f.mappings {
		if m.AccountID == accountID && m.Active {
			if newest == nil || m.ID > newest.ID {
				newest = m
			}
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (f *fakeMappingRepo) DeactivateActive(_ context.Context, accountID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	now := time.Now()
	for _, m := range f.mappings {
		if m.AccountID == accountID && m.Active {
			m.Active = false
			m.DeactivatedAt = &now
			n++
		}
	}
	return n, nil
}

func (f *fakeMappingRepo) CountActiveByAccount(_ context.Context, accountID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, m := range f.mappings {
		if m.AccountID == accountID && m.Active {
			count++
		}
	}
	return count, nil
}

func (f *fakeMappingRepo) CountActiveByProxy(_ context.Context, proxyID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, m := range f.mappings {
		if m.ProxyID == proxyID && m.Active {
			count++
		}
	}
	return count, nil
}

func (f *fakeMappingRepo) ListActiveByProxy(_ context.Context, proxyID int64) ([]*data.Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Mapping
	for _, m := range f.mappings {
		if m.ProxyID == proxyID && m.Active {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakeMappingRepo) ListMappings(_ context.Context, activeOnly bool) ([]*data.Mapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Mapping
	for _, m := range f.mappings {
		if !activeOnly || m.Active {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

type fakeIncidentRepo struct {
	mu        sync.Mutex
	incidents map[int64]*data.Incident
	nextID    int64
}

func newFakeIncidentRepo() *fakeIncidentRepo {
	return &fakeIncidentRepo{incidents: make(map[int64]*data.Incident)}
}

func (f *fakeIncidentRepo) CreateIncident(_ context.Context, inc *data.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	inc.ID = f.nextID
	if inc.Status == "" {
		inc.Status = data.IncidentOpen
	}
	if inc.Severity == "" {
		inc.Severity = data.SeverityWarning
	}
	cp := *inc
	f.incidents[inc.ID] = &cp
	return nil
}

func (f *fakeIncidentRepo) GetIncident(_ context.Context, id int64) (*data.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inc, ok := f.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident not found: id=%d", id)
	}
	cp := *inc
	return &cp, nil
}

func (f *fakeIncidentRepo) ListOpenIncidents(_ context.Context) ([]*data.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Incident
	for _, inc := range f.incidents {
		if !inc.Status.Closed() {
			cp := *inc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakeIncidentRepo) ListOpenByProxy(_ context.Context, proxyID int64, incType data.IncidentType) ([]*data.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Incident
	for _, inc := range f.incidents {
		if inc.Status.Closed() {
			continue
		}
		if inc.ProxyID == nil || *inc.ProxyID != proxyID {
			continue
		}
		if incType != "" && inc.Type != incType {
			continue
		}
		cp := *inc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakeIncidentRepo) UpdateIncidentStatus(_ context.Context, id int64, status data.IncidentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inc, ok := f.incidents[id]
	if !ok {
		return fmt.Errorf("incident not found: id=%d", id)
	}
	if !inc.Status.CanTransitionTo(status) {
		return fmt.Errorf("invalid incident transition: %s -> %s", inc.Status, status)
	}
	inc.Status = status
	if status.Closed() {
		now := time.Now()
		inc.ResolvedAt = &now
	}
	return nil
}

func (f *fakeIncidentRepo) ResolveIncident(_ context.Context, id int64, resolvedBy, resolution string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inc, ok := f.incidents[id]
	if !ok {
		return fmt.Errorf("incident not found: id=%d", id)
	}
	if !inc.Status.CanTransitionTo(data.IncidentResolved) {
		return fmt.Errorf("invalid incident transition: %s -> %s", inc.Status, data.IncidentResolved)
	}
	now := time.Now()
	inc.Status = data.IncidentResolved
	inc.ResolvedBy = resolvedBy
	inc.Resolution = resolution
	inc.ResolvedAt = &now
	return nil
}

func (f *fakeIncidentRepo) ResolveByProxy(_ context.Context, proxyID int64, resolvedBy, resolution string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	now := time.Now()
	for _, inc := range f.incidents {
		if inc.ProxyID != nil && *inc.ProxyID == proxyID && !inc.Status.Closed() {
			inc.Status = data.IncidentResolved
			inc.ResolvedBy = resolvedBy
			inc.Resolution = resolution
			inc.ResolvedAt = &now
			n++
		}
	}
	return n, nil
}

func (f *fakeIncidentRepo) CountOpenBySeverity(_ context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int64)
	for _, inc := range f.incidents {
		if !inc.Status.Closed() {
			counts[string(inc.Severity)]++
		}
	}
	return counts, nil
}

// openByType counts open incidents of a type, for assertions.
func (f *fakeIncidentRepo) openByType(incType data.IncidentType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, inc := range f.incidents {
		if inc.Type == incType && !inc.Status.Closed() {
			n++
		}
	}
	return n
}

type fakeHealthLogRepo struct {
	mu      sync.Mutex
	entries []*data.HealthCheckLog
}

func (f *fakeHealthLogRepo) AppendLog(_ context.Context, entry *data.HealthCheckLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry.CheckedAt.IsZero() {
		entry.CheckedAt = time.Now()
	}
	cp := *entry
	f.entries = append(f.entries, &cp)
	return nil
}

func (f *fakeHealthLogRepo) RecentForAccount(_ context.Context, accountID int64, limit int) ([]*data.HealthCheckLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.HealthCheckLog
	for i := len(f.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := f.entries[i]
		if e.TargetType == data.HealthTargetAccount && e.TargetID == accountID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeWorkflowRepo struct {
	mu    sync.Mutex
	runs  map[string]*model.Workflow
	order []string
}

func newFakeWorkflowRepo() *fakeWorkflowRepo {
	return &fakeWorkflowRepo{runs: make(map[string]*model.Workflow)}
}

func (f *fakeWorkflowRepo) SaveWorkflow(_ context.Context, wf *model.Workflow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[wf.ID]; !ok {
		f.order = append(f.order, wf.ID)
	}
	cp := *wf
	cp.Steps = append([]model.WorkflowStep(nil), wf.Steps...)
	f.runs[wf.ID] = &cp
	return nil
}

func (f *fakeWorkflowRepo) GetWorkflow(_ context.Context, id string) (*model.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.runs[id]
	if !ok {
		return nil, fmt.Errorf("workflow not found: id=%s", id)
	}
	cp := *wf
	cp.Steps = append([]model.WorkflowStep(nil), wf.Steps...)
	return &cp, nil
}

func (f *fakeWorkflowRepo) ListRecentWorkflows(_ context.Context, limit int) ([]*model.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Workflow
	for i := len(f.order) - 1; i >= 0 && len(out) < limit; i-- {
		wf := f.runs[f.order[i]]
		cp := *wf
		out = append(out, &cp)
	}
	return out, nil
}

type fakeGuard struct {
	mu   sync.Mutex
	held map[int64]bool
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{held: make(map[int64]bool)}
}

func (g *fakeGuard) Acquire(_ context.Context, accountID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[accountID] {
		return false
	}
	g.held[accountID] = true
	return true
}

func (g *fakeGuard) Release(_ context.Context, accountID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, accountID)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *capturePublisher) Publish(_ context.Context, event model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) kinds() []model.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventKind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind())
	}
	return out
}

func (p *capturePublisher) count(kind model.EventKind) int {
	n := 0
	for _, k := range p.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// fakeProber scripts probe outcomes per proxy URL; unlisted URLs pass.
type fakeProber struct {
	mu        sync.Mutex
	fail      map[string]bool
	failTimes map[string]int
	latency   int64
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		fail:      make(map[string]bool),
		failTimes: make(map[string]int),
		latency:   50,
	}
}

func (p *fakeProber) setFail(proxyURL string, fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[proxyURL] = fail
}

// setFailTimes makes the next n probes of proxyURL fail, then pass.
func (p *fakeProber) setFailTimes(proxyURL string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failTimes[proxyURL] = n
}

func (p *fakeProber) TestConnectivity(_ context.Context, proxyURL, _ string, _ time.Duration) *model.ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failTimes[proxyURL] > 0 {
		p.failTimes[proxyURL]--
		return &model.ProbeResult{OK: false, LatencyMs: p.latency, Err: "connection refused"}
	}
	if p.fail[proxyURL] {
		return &model.ProbeResult{OK: false, LatencyMs: p.latency, Err: "connection refused"}
	}
	return &model.ProbeResult{OK: true, LatencyMs: p.latency, StatusCode: 200}
}

// missCache is a CacheClient that never holds anything.
type missCache struct{}

func (missCache) Get(context.Context, string, interface{}) error { return data.ErrCacheNotFound }
func (missCache) Set(context.Context, string, interface{}, time.Duration) error {
	return nil
}
func (missCache) Delete(context.Context, string) error         { return nil }
func (missCache) Exists(context.Context, string) (bool, error) { return false, nil }

type fixture struct {
	proxies   *fakeProxyRepo
	accounts  *fakeAccountRepo
	mappings  *fakeMappingRepo
	incidents *fakeIncidentRepo
	logs      *fakeHealthLogRepo
	workflows *fakeWorkflowRepo
	guard     *fakeGuard
	events    *capturePublisher
	prober    *fakeProber
	cfg       *conf.Fleet

	alloc    *AllocationUsecase
	health   *HealthUsecase
	failover *FailoverUsecase
	workflow *WorkflowUsecase
}

func newFixture() *fixture {
	logger := log.NewStdLogger(os.Stdout)
	cfg := conf.DefaultFleet()
	// Keep retry delays out of test runtime.
	cfg.RetryBaseDelay = durationpb.New(time.Millisecond)

	f := &fixture{
		proxies:   newFakeProxyRepo(),
		mappings:  newFakeMappingRepo(),
		incidents: newFakeIncidentRepo(),
		logs:      &fakeHealthLogRepo{},
		workflows: newFakeWorkflowRepo(),
		guard:     newFakeGuard(),
		events:    &capturePublisher{},
		prober:    newFakeProber(),
		cfg:       cfg,
	}
	f.accounts = newFakeAccountRepo(f.proxies)

	f.alloc = NewAllocationUsecase(f.proxies, f.accounts, f.mappings, f.events, cfg, logger)
	f.health = NewHealthUsecase(f.proxies, f.accounts, f.incidents, f.logs, f.prober, f.events, missCache{}, cfg, logger)
	f.failover = NewFailoverUsecase(f.proxies, f.accounts, f.incidents, f.guard, f.alloc, f.health, f.events, cfg, logger)
	f.workflow = NewWorkflowUsecase(f.alloc, f.health, f.failover, f.proxies, f.accounts, f.incidents, f.workflows, f.events, cfg, logger)
	return f
}

// addProxy registers an active proxy with the given capacity. Each
// proxy gets a distinct host so probe outcomes can be scripted per
// proxy URL.
func (f *fixture) addProxy(maxAccounts int32) *data.Proxy {
	f.proxies.mu.Lock()
	host := fmt.Sprintf("198.51.100.%d", 10+f.proxies.nextID)
	f.proxies.mu.Unlock()

	p := &data.Proxy{
		Host:        host,
		Port:        1080,
		Protocol:    "socks5",
		Status:      data.ProxyStatusActive,
		MaxAccounts: maxAccounts,
		HealthScore: 100,
		SuccessRate: 100,
	}
	_ = f.proxies.CreateProxy(context.Background(), p)
	return p
}
