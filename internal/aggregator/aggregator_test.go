package aggregator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/social-resolver/internal/identity"
	"github.com/ahmethakanbesel/social-resolver/internal/provider"
)

type fakeProvider struct {
	name     string
	maxBatch int
	failOn   map[int]error // call index (1-based) → error
	resolve  func(w string) provider.Result

	mu    sync.Mutex
	calls [][]string
}

func (f *fakeProvider) Name() string      { return f.name }
func (f *fakeProvider) MaxBatchSize() int { return f.maxBatch }

func (f *fakeProvider) ResolveBatch(_ context.Context, wallets []string) (map[string]provider.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, wallets)
	n := len(f.calls)
	f.mu.Unlock()

	if err := f.failOn[n]; err != nil {
		return nil, err
	}
	out := make(map[string]provider.Result)
	for _, w := range wallets {
		if r := f.resolve(w); r != nil {
			out[w] = r
		}
	}
	return out, nil
}

// batchFailer fails whichever batch contains failWallet.
type batchFailer struct {
	fakeProvider
	failWallet string
}

func (b *batchFailer) ResolveBatch(ctx context.Context, wallets []string) (map[string]provider.Result, error) {
	for _, w := range wallets {
		if w == b.failWallet {
			b.mu.Lock()
			b.calls = append(b.calls, wallets)
			b.mu.Unlock()
			return nil, &provider.StatusError{Provider: b.name, Status: 503}
		}
	}
	return b.fakeProvider.ResolveBatch(ctx, wallets)
}

type memRecorder struct {
	mu    sync.Mutex
	calls []Call
}

func (m *memRecorder) RecordCall(_ context.Context, c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

func wallets(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("0x%040x", i+1)
	}
	return out
}

func ensFor(w string) provider.Result {
	return provider.ENSResult{Name: w[len(w)-4:] + ".eth"}
}

func TestResolve_FailedBatchIsSkipped(t *testing.T) {
	ws := wallets(450)
	p := &batchFailer{
		fakeProvider: fakeProvider{name: provider.NameENS, maxBatch: 500, resolve: ensFor},
		failWallet:   ws[200], // first wallet of the 2nd batch
	}
	rec := &memRecorder{}
	agg := New(Config{BatchSize: 200, ConcurrentBatches: 2}, rec)

	res, err := agg.Resolve(context.Background(), ws, []provider.Provider{p}, nil)
	require.NoError(t, err)

	assert.Len(t, p.calls, 3, "expected exactly 3 batch calls")
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 1, res.FailedBatches)
	assert.Len(t, res.Profiles, 250)

	for i, w := range ws {
		_, has := res.Profiles[w]
		if i >= 200 && i < 400 {
			assert.False(t, has, "wallet %d from failed batch must be absent", i)
			assert.Equal(t, identity.OutcomeFailed, res.Outcomes[w])
		} else {
			assert.True(t, has, "wallet %d should resolve", i)
			assert.Equal(t, identity.OutcomeFetched, res.Outcomes[w])
		}
	}

	require.Len(t, rec.calls, 3)
	statuses := map[string]int{}
	for _, c := range rec.calls {
		statuses[c.Status]++
	}
	assert.Equal(t, 2, statuses["ok"])
	assert.Equal(t, 1, statuses["http_503"])
}

func TestResolve_ProviderMaxBatchBoundsSize(t *testing.T) {
	p := &fakeProvider{name: provider.NameWeb3Bio, maxBatch: 30, resolve: func(string) provider.Result { return nil }}
	agg := New(Config{BatchSize: 200, ConcurrentBatches: 10}, nil)

	res, err := agg.Resolve(context.Background(), wallets(100), []provider.Provider{p}, nil)
	require.NoError(t, err)

	require.Len(t, p.calls, 4)
	for _, c := range p.calls {
		assert.LessOrEqual(t, len(c), 30)
	}
	assert.Empty(t, res.Profiles)
	assert.Equal(t, 0, res.Found())
}

func TestResolve_MergePriority(t *testing.T) {
	ws := wallets(2)
	neynar := &fakeProvider{name: provider.NameNeynar, maxBatch: 100, resolve: func(w string) provider.Result {
		if w != ws[0] {
			return nil
		}
		return provider.NeynarResult{FID: 1, Username: "fc", VerifiedTwitter: "verified_tw"}
	}}
	ens := &fakeProvider{name: provider.NameENS, maxBatch: 100, resolve: func(w string) provider.Result {
		return provider.ENSResult{Name: "x.eth", Twitter: "ens_tw"}
	}}
	bio := &fakeProvider{name: provider.NameWeb3Bio, maxBatch: 100, failOn: map[int]error{1: provider.ErrRateLimited}}

	agg := New(Config{}, nil)
	res, err := agg.Resolve(context.Background(), ws, []provider.Provider{ens, neynar, bio}, nil)
	require.NoError(t, err)

	first := res.Profiles[ws[0]]
	assert.Equal(t, "verified_tw", first.TwitterHandle, "verified claim must win over earlier unverified one")
	assert.True(t, first.TwitterVerified)
	assert.Equal(t, "x.eth", first.ENSName)
	assert.Equal(t, []string{provider.NameENS, provider.NameNeynar}, first.Sources)

	second := res.Profiles[ws[1]]
	assert.Equal(t, "ens_tw", second.TwitterHandle)

	// web3bio's only batch was rate limited
	assert.Equal(t, identity.OutcomePartial, res.Outcomes[ws[0]])
	assert.Equal(t, identity.OutcomePartial, res.Outcomes[ws[1]])
}

func TestResolve_DeterministicAcrossRuns(t *testing.T) {
	ws := wallets(50)
	mk := func() []provider.Provider {
		return []provider.Provider{
			&fakeProvider{name: "a", maxBatch: 7, resolve: func(string) provider.Result { return provider.ENSResult{Twitter: "from_a"} }},
			&fakeProvider{name: "b", maxBatch: 3, resolve: func(string) provider.Result { return provider.ENSResult{Twitter: "from_b"} }},
		}
	}
	agg := New(Config{ConcurrentBatches: 4}, nil)

	for range 5 {
		res, err := agg.Resolve(context.Background(), ws, mk(), nil)
		require.NoError(t, err)
		for _, w := range ws {
			require.Equal(t, "from_a", res.Profiles[w].TwitterHandle)
		}
	}
}

func TestResolve_ProgressPerRound(t *testing.T) {
	p := &fakeProvider{name: provider.NameENS, maxBatch: 10, resolve: ensFor}
	agg := New(Config{BatchSize: 10, ConcurrentBatches: 2}, nil)

	progress := make(chan Progress, 16)
	_, err := agg.Resolve(context.Background(), wallets(45), []provider.Provider{p}, progress)
	require.NoError(t, err)
	close(progress)

	var events []Progress
	for ev := range progress {
		events = append(events, ev)
	}
	require.Len(t, events, 3) // 5 batches in rounds of 2
	assert.Equal(t, 20, events[0].Processed)
	assert.Equal(t, 45, events[2].Processed)
	assert.Equal(t, 45, events[2].Found)
	assert.Equal(t, 3, events[2].Rounds)
}

func TestResolve_RoundDelay(t *testing.T) {
	p := &fakeProvider{name: provider.NameENS, maxBatch: 1, resolve: ensFor}
	agg := New(Config{BatchSize: 1, ConcurrentBatches: 1, RoundDelay: 20 * time.Millisecond}, nil)

	start := time.Now()
	_, err := agg.Resolve(context.Background(), wallets(3), []provider.Provider{p}, nil)
	require.NoError(t, err)
	assert.True(t, time.Since(start) >= 35*time.Millisecond, "rounds were not paced")
}

func TestResolve_ContextCancelled(t *testing.T) {
	p := &fakeProvider{name: provider.NameENS, maxBatch: 1, resolve: ensFor}
	agg := New(Config{BatchSize: 1, ConcurrentBatches: 1, RoundDelay: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := agg.Resolve(ctx, wallets(3), []provider.Provider{p}, nil)
	require.Error(t, err)
	assert.Len(t, p.calls, 1)
	assert.Len(t, res.Profiles, 1)
}

func TestResolve_NoProviders(t *testing.T) {
	ws := wallets(2)
	res, err := New(Config{}, nil).Resolve(context.Background(), ws, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, identity.OutcomeFailed, res.Outcomes[ws[0]])
}
