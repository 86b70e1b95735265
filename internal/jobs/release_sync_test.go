package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenk/backoff"
	"github.com/google/uuid"
	circuit "github.com/rubyist/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packaginator/pypackage/internal/config"
	"github.com/packaginator/pypackage/internal/db/models"
	"github.com/packaginator/pypackage/internal/pypi"
	"github.com/packaginator/pypackage/internal/services"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeStateStore struct {
	mu       sync.Mutex
	pkgs     map[uuid.UUID]*models.IndexPackage
	order    []uuid.UUID
	states   map[uuid.UUID][]models.SyncState
	started  []uuid.UUID
	listErr  error
	resets   int
	dueLimit int
	dueAt    time.Time
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{
		pkgs:   map[uuid.UUID]*models.IndexPackage{},
		states: map[uuid.UUID][]models.SyncState{},
	}
}

func (s *fakeStateStore) add(name, indexURL string, failures int) *models.IndexPackage {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &models.IndexPackage{
		ID:                  uuid.New(),
		Name:                name,
		IndexAPIURL:         indexURL,
		ConsecutiveFailures: failures,
	}
	s.pkgs[p.ID] = p
	s.order = append(s.order, p.ID)
	return p
}

func (s *fakeStateStore) GetByID(_ context.Context, id uuid.UUID) (*models.IndexPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pkgs[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStateStore) ListDue(_ context.Context, now time.Time, limit int) ([]models.IndexPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dueAt = now
	s.dueLimit = limit
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.IndexPackage
	for _, id := range s.order {
		if len(out) == limit {
			break
		}
		out = append(out, *s.pkgs[id])
	}
	return out, nil
}

func (s *fakeStateStore) MarkSyncStarted(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, id)
	return nil
}

func (s *fakeStateStore) UpdateSyncState(_ context.Context, id uuid.UUID, state models.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = append(s.states[id], state)
	return nil
}

func (s *fakeStateStore) ResetInterrupted(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return 0, nil
}

func (s *fakeStateStore) lastState(t *testing.T, id uuid.UUID) models.SyncState {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	states := s.states[id]
	require.NotEmpty(t, states, "no sync state recorded")
	return states[len(states)-1]
}

type fakeSyncer struct {
	mu     sync.Mutex
	errs   map[string]error
	calls  []string
	hidden []bool
	done   chan string
}

func (f *fakeSyncer) SyncReleases(_ context.Context, pkg *models.IndexPackage, includeHidden bool) (*services.SyncResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, pkg.Name)
	f.hidden = append(f.hidden, includeHidden)
	err := f.errs[pkg.Name]
	done := f.done
	f.mu.Unlock()

	if done != nil {
		defer func() { done <- pkg.Name }()
	}
	if err != nil {
		return &services.SyncResult{}, err
	}
	return &services.SyncResult{ReleasesCreated: 1, Created: []string{"1.0"}}, nil
}

func (f *fakeSyncer) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Enabled:          true,
		Interval:         time.Hour,
		BatchSize:        10,
		MinBackoff:       5 * time.Minute,
		MaxBackoff:       24 * time.Hour,
		BreakerThreshold: 3,
	}
}

func newTestJob(cfg config.SyncConfig) (*ReleaseSyncJob, *fakeStateStore, *fakeSyncer) {
	store := newFakeStateStore()
	syncer := &fakeSyncer{errs: map[string]error{}}
	job := NewReleaseSyncJob(store, syncer, cfg, true)
	job.now = func() time.Time { return fixedNow }
	return job, store, syncer
}

func transportErr(msg string) error {
	return fmt.Errorf("%w: %s", pypi.ErrTransport, msg)
}

// ---------------------------------------------------------------------------
// RetryDelay
// ---------------------------------------------------------------------------

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{4, 40 * time.Minute},
		{30, 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d failures", tt.failures), func(t *testing.T) {
			assert.Equal(t, tt.want, RetryDelay(5*time.Minute, 24*time.Hour, tt.failures))
		})
	}
}

func TestIndexHost(t *testing.T) {
	assert.Equal(t, "pypi.python.org", indexHost("https://pypi.python.org/pypi/"))
	assert.Equal(t, "mirror:8080", indexHost("http://mirror:8080/pypi"))
	assert.Equal(t, "not a url", indexHost("not a url"))
}

// ---------------------------------------------------------------------------
// RunOnce
// ---------------------------------------------------------------------------

func TestRunOnce_RecordsSuccess(t *testing.T) {
	job, store, syncer := newTestJob(testSyncConfig())
	a := store.add("flask", "https://pypi.python.org/pypi/", 2)
	b := store.add("django", "https://pypi.python.org/pypi/", 0)

	n := job.RunOnce(context.Background())
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"flask", "django"}, syncer.called())
	assert.Equal(t, []bool{true, true}, syncer.hidden)
	assert.Equal(t, fixedNow, store.dueAt)
	assert.Equal(t, 10, store.dueLimit)
	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, store.started)

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		st := store.lastState(t, id)
		assert.Equal(t, models.SyncStatusSuccess, st.Status)
		assert.Nil(t, st.Error)
		assert.Equal(t, 0, st.ConsecutiveFailures)
		assert.Equal(t, fixedNow, st.SyncedAt)
		assert.Equal(t, fixedNow.Add(time.Hour), st.NextSyncAt)
	}
	assert.False(t, job.IsSyncing(a.ID))
}

func TestRunOnce_FailureDoesNotAbortBatch(t *testing.T) {
	job, store, syncer := newTestJob(testSyncConfig())
	a := store.add("flask", "https://pypi.python.org/pypi/", 0)
	b := store.add("django", "https://pypi.python.org/pypi/", 0)
	syncer.errs["flask"] = transportErr("connection reset")

	job.RunOnce(context.Background())

	assert.Equal(t, []string{"flask", "django"}, syncer.called())

	failed := store.lastState(t, a.ID)
	assert.Equal(t, models.SyncStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "connection reset")
	assert.Equal(t, 1, failed.ConsecutiveFailures)
	assert.Equal(t, fixedNow.Add(5*time.Minute), failed.NextSyncAt)

	assert.Equal(t, models.SyncStatusSuccess, store.lastState(t, b.ID).Status)
}

func TestRunOnce_BackoffGrowsWithFailures(t *testing.T) {
	job, store, syncer := newTestJob(testSyncConfig())
	a := store.add("flask", "https://pypi.python.org/pypi/", 2)
	syncer.errs["flask"] = errors.New("database unavailable")

	job.RunOnce(context.Background())

	st := store.lastState(t, a.ID)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Equal(t, fixedNow.Add(20*time.Minute), st.NextSyncAt)
}

func TestRunOnce_BreakerOpensPerHost(t *testing.T) {
	cfg := testSyncConfig()
	cfg.BreakerThreshold = 2
	cfg.MinBackoff = time.Hour
	job, store, syncer := newTestJob(cfg)

	store.add("a1", "https://down.example.com/pypi/", 0)
	store.add("a2", "https://down.example.com/pypi/", 0)
	skipped := store.add("a3", "https://down.example.com/pypi/", 4)
	store.add("b1", "https://pypi.python.org/pypi/", 0)
	for _, name := range []string{"a1", "a2", "a3"} {
		syncer.errs[name] = transportErr("timeout")
	}

	job.RunOnce(context.Background())

	assert.Equal(t, []string{"a1", "a2", "b1"}, syncer.called())

	st := store.lastState(t, skipped.ID)
	assert.Equal(t, models.SyncStatusFailed, st.Status)
	require.NotNil(t, st.Error)
	assert.Contains(t, *st.Error, "circuit breaker")
	assert.Equal(t, 4, st.ConsecutiveFailures, "deferral is not counted as a failure")
	assert.Equal(t, fixedNow.Add(time.Hour), st.NextSyncAt)

	states := job.BreakerStates()
	assert.Equal(t, "open", states["down.example.com"])
	assert.Equal(t, "closed", states["pypi.python.org"])
}

// trippedBreaker returns a breaker that was tripped just now and turns
// half-open once retryAfter has passed.
func trippedBreaker(retryAfter time.Duration) *circuit.Breaker {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryAfter
	b.RandomizationFactor = 0
	b.Multiplier = 10
	b.MaxElapsedTime = 0
	b.Reset()

	breaker := circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    b,
		ShouldTrip: circuit.ConsecutiveTripFunc(1),
	})
	breaker.Trip()
	return breaker
}

func TestSyncPackage_HalfOpenBreakerRunsTrialSync(t *testing.T) {
	job, store, syncer := newTestJob(testSyncConfig())
	pkg := store.add("flask", "https://pypi.python.org/pypi/", 3)
	job.breakers["pypi.python.org"] = trippedBreaker(10 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	require.NotPanics(t, func() { job.syncPackage(context.Background(), pkg) })

	assert.Equal(t, []string{"flask"}, syncer.called())
	assert.Equal(t, []uuid.UUID{pkg.ID}, store.started)
	st := store.lastState(t, pkg.ID)
	assert.Equal(t, models.SyncStatusSuccess, st.Status)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, "closed", job.BreakerStates()["pypi.python.org"])
}

func TestSyncPackage_OpenBreakerDefers(t *testing.T) {
	job, store, syncer := newTestJob(testSyncConfig())
	pkg := store.add("flask", "https://pypi.python.org/pypi/", 3)
	job.breakers["pypi.python.org"] = trippedBreaker(time.Hour)

	require.NotPanics(t, func() { job.syncPackage(context.Background(), pkg) })

	assert.Empty(t, syncer.called())
	assert.Empty(t, store.started, "a deferred sync is never marked started")
	st := store.lastState(t, pkg.ID)
	assert.Equal(t, models.SyncStatusFailed, st.Status)
	require.NotNil(t, st.Error)
	assert.Contains(t, *st.Error, "circuit breaker")
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Equal(t, fixedNow.Add(5*time.Minute), st.NextSyncAt)
}

func TestSyncPackage_NilResultIsAFailure(t *testing.T) {
	job, store, _ := newTestJob(testSyncConfig())
	job.syncer = nilResultSyncer{}
	pkg := store.add("flask", "https://pypi.python.org/pypi/", 0)

	require.NotPanics(t, func() { job.syncPackage(context.Background(), pkg) })

	st := store.lastState(t, pkg.ID)
	assert.Equal(t, models.SyncStatusFailed, st.Status)
	assert.Equal(t, 1, st.ConsecutiveFailures)
}

type nilResultSyncer struct{}

func (nilResultSyncer) SyncReleases(context.Context, *models.IndexPackage, bool) (*services.SyncResult, error) {
	return nil, nil
}

func TestRunOnce_NonTransportErrorsDoNotTrip(t *testing.T) {
	cfg := testSyncConfig()
	cfg.BreakerThreshold = 1
	job, store, syncer := newTestJob(cfg)

	store.add("a1", "https://pypi.python.org/pypi/", 0)
	store.add("a2", "https://pypi.python.org/pypi/", 0)
	syncer.errs["a1"] = fmt.Errorf("%w: flask-1.0", services.ErrDataIntegrityGap)

	job.RunOnce(context.Background())

	assert.Equal(t, []string{"a1", "a2"}, syncer.called())
	assert.Equal(t, "closed", job.BreakerStates()["pypi.python.org"])
}

func TestRunOnce_ListError(t *testing.T) {
	job, store, syncer := newTestJob(testSyncConfig())
	store.listErr = errors.New("db down")

	assert.Equal(t, 0, job.RunOnce(context.Background()))
	assert.Empty(t, syncer.called())
}

func TestRunOnce_NothingDue(t *testing.T) {
	job, _, syncer := newTestJob(testSyncConfig())

	assert.Equal(t, 0, job.RunOnce(context.Background()))
	assert.Empty(t, syncer.called())
}

func TestRunOnce_SkipsPackagesAlreadySyncing(t *testing.T) {
	job, store, syncer := newTestJob(testSyncConfig())
	busy := store.add("flask", "https://pypi.python.org/pypi/", 0)
	store.add("django", "https://pypi.python.org/pypi/", 0)
	require.True(t, job.claim(busy.ID))

	n := job.RunOnce(context.Background())
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"django"}, syncer.called())
	assert.True(t, job.IsSyncing(busy.ID))
}

func TestRunOnce_ConcurrentPassIsSkipped(t *testing.T) {
	job, store, syncer := newTestJob(testSyncConfig())
	store.add("flask", "https://pypi.python.org/pypi/", 0)

	job.passMu.Lock()
	assert.Equal(t, 0, job.RunOnce(context.Background()))
	job.passMu.Unlock()
	assert.Empty(t, syncer.called())
}

func TestRunOnce_StopsWhenContextDone(t *testing.T) {
	job, store, syncer := newTestJob(testSyncConfig())
	store.add("flask", "https://pypi.python.org/pypi/", 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, job.RunOnce(ctx))
	assert.Empty(t, syncer.called())
}

// ---------------------------------------------------------------------------
// TriggerSync
// ---------------------------------------------------------------------------

func TestTriggerSync(t *testing.T) {
	job, store, syncer := newTestJob(testSyncConfig())
	syncer.done = make(chan string, 1)
	pkg := store.add("flask", "https://pypi.python.org/pypi/", 0)

	require.NoError(t, job.TriggerSync(context.Background(), pkg.ID))

	select {
	case name := <-syncer.done:
		assert.Equal(t, "flask", name)
	case <-time.After(2 * time.Second):
		t.Fatal("triggered sync did not run")
	}

	assert.Eventually(t, func() bool { return !job.IsSyncing(pkg.ID) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.SyncStatusSuccess, store.lastState(t, pkg.ID).Status)
}

func TestTriggerSync_AlreadyRunning(t *testing.T) {
	job, store, _ := newTestJob(testSyncConfig())
	pkg := store.add("flask", "https://pypi.python.org/pypi/", 0)
	require.True(t, job.claim(pkg.ID))

	err := job.TriggerSync(context.Background(), pkg.ID)
	assert.ErrorIs(t, err, ErrSyncInProgress)
}

func TestTriggerSync_NotFound(t *testing.T) {
	job, _, syncer := newTestJob(testSyncConfig())
	id := uuid.New()

	err := job.TriggerSync(context.Background(), id)
	assert.ErrorIs(t, err, services.ErrNotFound)
	assert.False(t, job.IsSyncing(id), "claim released")
	assert.Empty(t, syncer.called())
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

func TestStartRunsFirstPassAndStops(t *testing.T) {
	job, store, syncer := newTestJob(testSyncConfig())
	syncer.done = make(chan string, 1)
	store.add("flask", "https://pypi.python.org/pypi/", 0)

	job.Start(context.Background())

	select {
	case <-syncer.done:
	case <-time.After(2 * time.Second):
		t.Fatal("first pass did not run")
	}

	job.Stop()
	job.Stop()
	assert.Equal(t, 1, store.resets)
}
