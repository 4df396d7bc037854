package job

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ahmethakanbesel/social-resolver/internal/apperror"
	"github.com/ahmethakanbesel/social-resolver/internal/identity"
	"github.com/ahmethakanbesel/social-resolver/internal/provider"
	"github.com/ahmethakanbesel/social-resolver/internal/ratelimit"
)

type mockRepo struct {
	mu           sync.Mutex
	jobs         map[string]*Job
	order        []string
	history      []HistoryEntry
	commits      int
	releases     int
	commitErr    error
	beforeCommit func(j *Job)
	stages       []string
}

func newMockRepo() *mockRepo {
	return &mockRepo{jobs: make(map[string]*Job)}
}

func cloneJob(j *Job) *Job {
	cp := *j
	cp.Wallets = slices.Clone(j.Wallets)
	cp.PartialResults = slices.Clone(j.PartialResults)
	return &cp
}

func (m *mockRepo) Create(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = fmt.Sprintf("job-%d", len(m.order)+1)
	}
	m.jobs[j.ID] = cloneJob(j)
	m.order = append(m.order, j.ID)
	return nil
}

func (m *mockRepo) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	return cloneJob(j), nil
}

func (m *mockRepo) List(_ context.Context, f ListFilter) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, id := range m.order {
		j := m.jobs[id]
		if f.UserID != "" && j.UserID != f.UserID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.InputSource != "" && j.Options.InputSource != f.InputSource {
			continue
		}
		out = append(out, *cloneJob(j))
	}
	return out, nil
}

func (m *mockRepo) ClaimPending(_ context.Context, limit int, lease time.Duration, now time.Time) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []Job
	for _, id := range m.order {
		if len(claimed) == limit {
			break
		}
		j := m.jobs[id]
		claimable := j.Status == StatusPending ||
			(j.Status == StatusProcessing && (j.LeaseUntil == nil || j.LeaseUntil.Before(now)))
		if !claimable {
			continue
		}
		until := now.Add(lease)
		j.Status = StatusProcessing
		j.LeaseUntil = &until
		claimed = append(claimed, *cloneJob(j))
	}
	return claimed, nil
}

func (m *mockRepo) CommitChunk(_ context.Context, c Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[c.JobID]
	if !ok {
		return apperror.New(apperror.NotFound, "job not found")
	}
	if m.beforeCommit != nil {
		m.beforeCommit(j)
	}
	if m.commitErr != nil {
		return m.commitErr
	}
	if j.Status != StatusProcessing || j.ProcessedCount != c.ExpectedProcessed {
		return apperror.New(apperror.Conflict, "chunk already committed")
	}
	m.commits++
	j.ProcessedCount = c.ProcessedCount
	j.Counters = j.Counters.Add(c.Delta)
	j.PartialResults = append(j.PartialResults, c.Results...)
	j.CurrentStage = c.Stage
	j.LeaseUntil = nil
	j.UpdatedAt = c.At
	if c.Completed {
		j.Status = StatusCompleted
		at := c.At
		j.CompletedAt = &at
	}
	if c.History != nil {
		m.history = append(m.history, *c.History)
	}
	return nil
}

func (m *mockRepo) UpdateStage(_ context.Context, id, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.CurrentStage = stage
		m.stages = append(m.stages, stage)
	}
	return nil
}

func (m *mockRepo) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	if j, ok := m.jobs[id]; ok {
		j.LeaseUntil = nil
	}
	return nil
}

func (m *mockRepo) Fail(_ context.Context, id, message string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && !j.Status.Terminal() {
		j.Status = StatusFailed
		j.ErrorMessage = message
		j.CompletedAt = &at
		j.LeaseUntil = nil
	}
	return nil
}

func (m *mockRepo) CountExpiredLeases(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.Status == StatusProcessing && j.LeaseUntil != nil && j.LeaseUntil.Before(now) {
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) History(_ context.Context, userID string, limit int) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HistoryEntry
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		if m.history[i].UserID == userID {
			out = append(out, m.history[i])
		}
	}
	return out, nil
}

func (m *mockRepo) job(id string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneJob(m.jobs[id])
}

// mockCache is an in-memory identity.Repository.
type mockCache struct {
	mu       sync.Mutex
	entries  map[string]identity.Entry
	mergeErr error
	getErr   error
}

func newMockCache() *mockCache {
	return &mockCache{entries: make(map[string]identity.Entry)}
}

func (c *mockCache) GetEntries(_ context.Context, wallets []string) (map[string]identity.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	out := make(map[string]identity.Entry)
	for _, w := range wallets {
		if e, ok := c.entries[w]; ok {
			out[w] = e
		}
	}
	return out, nil
}

func (c *mockCache) MergeEntries(_ context.Context, updates []identity.Update, policy identity.Policy, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mergeErr != nil {
		return c.mergeErr
	}
	for _, u := range updates {
		var existing *identity.Entry
		if e, ok := c.entries[u.Wallet]; ok {
			existing = &e
		}
		c.entries[u.Wallet] = policy.Apply(existing, u, now)
	}
	return nil
}

func (c *mockCache) SelectStale(_ context.Context, now time.Time, maxCount, minLookupCount int) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for w, e := range c.entries {
		if e.StaleAt != nil && e.StaleAt.Before(now) && e.LookupCount >= minLookupCount {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	if len(out) > maxCount {
		out = out[:maxCount]
	}
	return out, nil
}

func (c *mockCache) entry(w string) (identity.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[w]
	return e, ok
}

// stubProvider answers from a fixed table.
type stubProvider struct {
	name  string
	data  map[string]provider.Result
	err   error
	block bool

	mu   sync.Mutex
	seen []string
}

func (p *stubProvider) Name() string      { return p.name }
func (p *stubProvider) MaxBatchSize() int { return 100 }

func (p *stubProvider) ResolveBatch(ctx context.Context, wallets []string) (map[string]provider.Result, error) {
	p.mu.Lock()
	p.seen = append(p.seen, wallets...)
	p.mu.Unlock()

	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[string]provider.Result)
	for _, w := range wallets {
		if r, ok := p.data[w]; ok {
			out[w] = r
		}
	}
	return out, nil
}

func (p *stubProvider) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.seen)
}

// mockLimiter records charges and denies once the budget is spent. A cost
// above ceiling (when set) is rejected outright.
type mockLimiter struct {
	mu      sync.Mutex
	budget  int
	ceiling int
	charged map[string]int
}

func (l *mockLimiter) CheckAndConsume(_ context.Context, apiKeyID string, _ ratelimit.Plan, cost int) (ratelimit.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.charged == nil {
		l.charged = make(map[string]int)
	}
	if l.ceiling > 0 && cost > l.ceiling {
		return ratelimit.Decision{}, apperror.New(apperror.InvalidInput, "request exceeds the window limit")
	}
	if l.charged[apiKeyID]+cost > l.budget {
		return ratelimit.Decision{Allowed: false, RetryAfter: 42 * time.Second}, nil
	}
	l.charged[apiKeyID] += cost
	return ratelimit.Decision{Allowed: true}, nil
}

func addr(n int) string { return fmt.Sprintf("0x%040x", n) }

func addrs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = addr(i + 1)
	}
	return out
}
