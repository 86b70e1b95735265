// Package jobs contains background workers that run on a schedule.
// The release sync job periodically pulls new releases of every registered
// index package whose next sync time has passed. Passes are idempotent:
// re-running one after a crash only fetches versions that were not stored.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/google/uuid"
	circuit "github.com/rubyist/circuitbreaker"

	"github.com/packaginator/pypackage/internal/config"
	"github.com/packaginator/pypackage/internal/db/models"
	"github.com/packaginator/pypackage/internal/pypi"
	"github.com/packaginator/pypackage/internal/safego"
	"github.com/packaginator/pypackage/internal/services"
	"github.com/packaginator/pypackage/internal/telemetry"
)

var (
	// ErrSyncInProgress is returned by TriggerSync when the package is already syncing.
	ErrSyncInProgress = errors.New("sync already in progress for this index package")
	// ErrBreakerOpen is recorded when a package is skipped because its index host is failing.
	ErrBreakerOpen = errors.New("index host circuit breaker is open")
)

// SyncStateStore reads due index packages and records sync outcomes on them.
type SyncStateStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.IndexPackage, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.IndexPackage, error)
	MarkSyncStarted(ctx context.Context, id uuid.UUID) error
	UpdateSyncState(ctx context.Context, id uuid.UUID, state models.SyncState) error
	ResetInterrupted(ctx context.Context) (int64, error)
}

// Syncer synchronizes the releases of one index package.
type Syncer interface {
	SyncReleases(ctx context.Context, pkg *models.IndexPackage, includeHidden bool) (*services.SyncResult, error)
}

// ReleaseSyncJob runs release syncs for due index packages one after another.
type ReleaseSyncJob struct {
	store         SyncStateStore
	syncer        Syncer
	cfg           config.SyncConfig
	includeHidden bool
	now           func() time.Time

	breakers   map[string]*circuit.Breaker
	breakersMu sync.Mutex

	activeSyncs      map[uuid.UUID]bool
	activeSyncsMutex sync.Mutex
	passMu           sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReleaseSyncJob creates a new release sync job
func NewReleaseSyncJob(store SyncStateStore, syncer Syncer, cfg config.SyncConfig, includeHidden bool) *ReleaseSyncJob {
	return &ReleaseSyncJob{
		store:         store,
		syncer:        syncer,
		cfg:           cfg,
		includeHidden: includeHidden,
		now:           time.Now,
		breakers:      make(map[string]*circuit.Breaker),
		activeSyncs:   make(map[uuid.UUID]bool),
		stopCh:        make(chan struct{}),
	}
}

// Start resets syncs interrupted by a previous process and begins the
// periodic pass. The first pass runs immediately.
func (j *ReleaseSyncJob) Start(ctx context.Context) {
	slog.Info("starting release sync job", "interval", j.cfg.Interval, "batch_size", j.cfg.BatchSize)

	if n, err := j.store.ResetInterrupted(ctx); err != nil {
		slog.Error("failed to reset interrupted syncs", "error", err)
	} else if n > 0 {
		slog.Warn("reset interrupted syncs", "count", n)
	}

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer safego.Recover("release-sync-scheduler")

		ticker := time.NewTicker(j.cfg.Interval)
		defer ticker.Stop()

		j.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				j.RunOnce(ctx)
			case <-j.stopCh:
				slog.Info("release sync job stopped")
				return
			case <-ctx.Done():
				slog.Info("release sync job context cancelled")
				return
			}
		}
	}()
}

// Stop stops the job and waits for the running pass to finish.
func (j *ReleaseSyncJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}

// RunOnce syncs one batch of due index packages and returns how many were
// attempted. A pass already running makes RunOnce return 0 immediately.
func (j *ReleaseSyncJob) RunOnce(ctx context.Context) int {
	if !j.passMu.TryLock() {
		slog.Debug("release sync pass already running, skipping")
		return 0
	}
	defer j.passMu.Unlock()

	due, err := j.store.ListDue(ctx, j.now(), j.cfg.BatchSize)
	if err != nil {
		slog.Error("failed to list index packages due for sync", "error", err)
		return 0
	}
	if len(due) == 0 {
		slog.Debug("no index packages need syncing")
		return 0
	}

	slog.Info("syncing due index packages", "count", len(due))

	attempted := 0
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		pkg := due[i]
		if !j.claim(pkg.ID) {
			slog.Info("index package already syncing, skipping", "package", pkg.Name)
			continue
		}
		j.syncPackage(ctx, &pkg)
		attempted++
	}
	return attempted
}

// TriggerSync syncs one index package immediately in the background.
func (j *ReleaseSyncJob) TriggerSync(ctx context.Context, id uuid.UUID) error {
	if !j.claim(id) {
		return ErrSyncInProgress
	}

	pkg, err := j.store.GetByID(ctx, id)
	if err != nil {
		j.release(id)
		return fmt.Errorf("failed to get index package: %w", err)
	}
	if pkg == nil {
		j.release(id)
		return fmt.Errorf("index package %s: %w", id, services.ErrNotFound)
	}

	// The request context ends with the response; the sync outlives it.
	safego.Go("release-sync:"+pkg.Name, func() {
		j.syncPackage(context.Background(), pkg)
	})
	return nil
}

// IsSyncing reports whether a sync of id is running.
func (j *ReleaseSyncJob) IsSyncing(id uuid.UUID) bool {
	j.activeSyncsMutex.Lock()
	defer j.activeSyncsMutex.Unlock()
	return j.activeSyncs[id]
}

// BreakerStates returns "open" or "closed" for every index host seen so far.
func (j *ReleaseSyncJob) BreakerStates() map[string]string {
	j.breakersMu.Lock()
	defer j.breakersMu.Unlock()

	states := make(map[string]string, len(j.breakers))
	for host, b := range j.breakers {
		if b.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

func (j *ReleaseSyncJob) claim(id uuid.UUID) bool {
	j.activeSyncsMutex.Lock()
	defer j.activeSyncsMutex.Unlock()
	if j.activeSyncs[id] {
		return false
	}
	j.activeSyncs[id] = true
	return true
}

func (j *ReleaseSyncJob) release(id uuid.UUID) {
	j.activeSyncsMutex.Lock()
	delete(j.activeSyncs, id)
	j.activeSyncsMutex.Unlock()
}

// syncPackage runs one sync behind the breaker of the package's index host
// and records the outcome. The caller must have claimed pkg.ID.
func (j *ReleaseSyncJob) syncPackage(ctx context.Context, pkg *models.IndexPackage) {
	defer j.release(pkg.ID)

	host := indexHost(pkg.IndexAPIURL)
	breaker := j.breakerFor(host)

	var (
		result   *services.SyncResult
		syncErr  error
		startErr error
	)
	// The breaker admits the call only when closed or on its half-open trial.
	// Only transport failures count against the host.
	err := breaker.CallContext(ctx, func() error {
		if startErr = j.store.MarkSyncStarted(ctx, pkg.ID); startErr != nil {
			return nil
		}
		result, syncErr = j.syncer.SyncReleases(ctx, pkg, j.includeHidden)
		if errors.Is(syncErr, pypi.ErrTransport) {
			return syncErr
		}
		return nil
	}, 0)

	switch {
	case errors.Is(err, circuit.ErrBreakerOpen):
		telemetry.IndexBreakerOpenTotal.WithLabelValues(host).Inc()
		slog.Warn("index host unavailable, deferring sync", "package", pkg.Name, "host", host)
		j.recordDeferred(ctx, pkg, fmt.Errorf("%s: %w", host, ErrBreakerOpen))
		return
	case startErr != nil:
		slog.Error("failed to mark sync started", "package", pkg.Name, "error", startErr)
		return
	case syncErr == nil && err != nil:
		syncErr = err
	case syncErr == nil && result == nil:
		syncErr = errors.New("sync returned no result")
	}

	if syncErr != nil {
		telemetry.ReleaseSyncErrorsTotal.WithLabelValues(pkg.Name).Inc()
		slog.Error("release sync failed",
			"package", pkg.Name,
			"consecutive_failures", pkg.ConsecutiveFailures+1,
			"error", syncErr)
		j.recordFailure(ctx, pkg, syncErr)
		return
	}

	slog.Info("release sync succeeded", "package", pkg.Name, "created", result.ReleasesCreated)
	j.recordSuccess(ctx, pkg)
}

func (j *ReleaseSyncJob) recordSuccess(ctx context.Context, pkg *models.IndexPackage) {
	now := j.now()
	j.updateState(ctx, pkg, models.SyncState{
		Status:     models.SyncStatusSuccess,
		SyncedAt:   now,
		NextSyncAt: now.Add(j.cfg.Interval),
	})
}

func (j *ReleaseSyncJob) recordFailure(ctx context.Context, pkg *models.IndexPackage, syncErr error) {
	now := j.now()
	failures := pkg.ConsecutiveFailures + 1
	msg := syncErr.Error()
	j.updateState(ctx, pkg, models.SyncState{
		Status:              models.SyncStatusFailed,
		Error:               &msg,
		ConsecutiveFailures: failures,
		SyncedAt:            now,
		NextSyncAt:          now.Add(RetryDelay(j.cfg.MinBackoff, j.cfg.MaxBackoff, failures)),
	})
}

// recordDeferred pushes the next attempt back without counting a failure
// against the package.
func (j *ReleaseSyncJob) recordDeferred(ctx context.Context, pkg *models.IndexPackage, cause error) {
	now := j.now()
	msg := cause.Error()
	j.updateState(ctx, pkg, models.SyncState{
		Status:              models.SyncStatusFailed,
		Error:               &msg,
		ConsecutiveFailures: pkg.ConsecutiveFailures,
		SyncedAt:            now,
		NextSyncAt:          now.Add(j.cfg.MinBackoff),
	})
}

func (j *ReleaseSyncJob) updateState(ctx context.Context, pkg *models.IndexPackage, state models.SyncState) {
	if err := j.store.UpdateSyncState(ctx, pkg.ID, state); err != nil {
		slog.Error("failed to record sync state", "package", pkg.Name, "status", state.Status, "error", err)
	}
}

// breakerFor returns the circuit breaker of an index host, creating it on
// first use. It trips after BreakerThreshold consecutive transport failures.
func (j *ReleaseSyncJob) breakerFor(host string) *circuit.Breaker {
	j.breakersMu.Lock()
	defer j.breakersMu.Unlock()

	if b, ok := j.breakers[host]; ok {
		return b
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = j.cfg.MinBackoff
	expBackoff.MaxInterval = j.cfg.MaxBackoff
	expBackoff.Multiplier = 2.0
	expBackoff.MaxElapsedTime = 0
	expBackoff.Reset()

	threshold := j.cfg.BreakerThreshold
	if threshold < 1 {
		threshold = 1
	}
	b := circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ConsecutiveTripFunc(threshold),
	})
	j.breakers[host] = b
	return b
}

// RetryDelay is the wait before retrying a package that failed failures
// times in a row: minDelay doubled per extra failure, capped at maxDelay.
func RetryDelay(minDelay, maxDelay time.Duration, failures int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minDelay
	b.MaxInterval = maxDelay
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := minDelay
	for i := 0; i < failures; i++ {
		delay = b.NextBackOff()
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func indexHost(indexURL string) string {
	u, err := url.Parse(indexURL)
	if err != nil || u.Host == "" {
		return indexURL
	}
	return u.Host
}
