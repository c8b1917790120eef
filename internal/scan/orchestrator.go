// Package scan coordinates concurrent execution of all scan engines and
// owns the terminal status transition of a package. The orchestrator is
// the sole writer of verified/status/scan_results.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/2029ijones-sudo/FireOS/internal/core"
	"github.com/2029ijones-sudo/FireOS/internal/engines"
	"github.com/2029ijones-sudo/FireOS/internal/store"
)

// Notifier is the admin alerting boundary. Best effort: failures are
// logged and never affect package state.
type Notifier interface {
	Notify(packageID string, threats []string)
}

// Orchestrator fans a package out to all configured engines, aggregates
// a verdict, and persists it.
type Orchestrator struct {
	engines       []engines.Engine
	meta          store.MetadataStore
	blobs         store.ContentStore
	notifier      Notifier
	engineTimeout time.Duration
	minResponded  int

	// One scan at a time per package; concurrent duplicate triggers for
	// the same id serialize here instead of interleaving writes. Entries
	// are never evicted, so the map grows with the set of package ids
	// scanned over the process lifetime.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Orchestrator.
func New(engineList []engines.Engine, meta store.MetadataStore, blobs store.ContentStore,
	notifier Notifier, engineTimeout time.Duration, minResponded int) *Orchestrator {
	return &Orchestrator{
		engines:       engineList,
		meta:          meta,
		blobs:         blobs,
		notifier:      notifier,
		engineTimeout: engineTimeout,
		minResponded:  minResponded,
		locks:         make(map[string]*sync.Mutex),
	}
}

// Scan runs the full pipeline for one package: mark scanning, fan out,
// aggregate, persist, alert. Safe to invoke twice for the same package;
// a re-scan overwrites the verdict and appends to the threat log.
func (o *Orchestrator) Scan(ctx context.Context, packageID string) (*core.AggregateVerdict, error) {
	lock := o.packageLock(packageID)
	lock.Lock()
	defer lock.Unlock()

	pkg, err := o.meta.FindByID(packageID)
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, core.NewErrorf(core.ErrNotFound, "package %s not found", packageID)
	}

	if err := o.meta.MarkScanning(packageID); err != nil {
		return nil, err
	}

	data, err := o.blobs.Get(pkg.BlobRef)
	if err != nil {
		return nil, core.NewErrorf(core.ErrStorageFailure, "fetch blob %s: %v", pkg.BlobRef, err)
	}

	results := o.runEngines(ctx, data, pkg.ContentHash)
	verdict := Aggregate(results)

	log := logrus.WithFields(logrus.Fields{
		"package_id": packageID,
		"hash":       pkg.ContentHash,
		"verdict":    verdict.Status,
		"responded":  verdict.EnginesResponded,
	})

	if verdict.Status == core.VerdictMalicious {
		if err := o.meta.AppendThreatLog(core.ThreatLogEntry{
			PackageID:  packageID,
			Hash:       pkg.ContentHash,
			Threats:    verdict.Threats,
			DetectedAt: verdict.ScannedAt,
		}); err != nil {
			return nil, err
		}
		if err := o.meta.ApplyVerdict(packageID, false, verdict); err != nil {
			return nil, err
		}
		log.Warn("package quarantined")
		if o.notifier != nil {
			o.notifier.Notify(packageID, verdict.Threats)
		}
		return verdict, nil
	}

	verified := verdict.EnginesResponded >= o.minResponded
	if !verified {
		log.Warnf("only %d engines responded, below quorum %d; package stays unverified",
			verdict.EnginesResponded, o.minResponded)
	}
	if err := o.meta.ApplyVerdict(packageID, verified, verdict); err != nil {
		return nil, err
	}
	log.Info("scan complete")
	return verdict, nil
}

// runEngines dispatches all engines concurrently, each under its own
// timeout. Every engine's outcome is captured independently: a slow or
// failing engine is recorded as unavailable and never blocks the rest.
func (o *Orchestrator) runEngines(ctx context.Context, data []byte, hash string) []core.EngineResult {
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make([]core.EngineResult, 0, len(o.engines))

	for _, engine := range o.engines {
		wg.Add(1)
		go func(e engines.Engine) {
			defer wg.Done()

			engineCtx, cancel := context.WithTimeout(ctx, o.engineTimeout)
			defer cancel()

			start := time.Now()
			done := make(chan *core.EngineResult, 1)
			fail := make(chan error, 1)
			go func() {
				result, err := e.Scan(engineCtx, data, hash)
				if err != nil {
					fail <- err
					return
				}
				done <- result
			}()

			var result core.EngineResult
			select {
			case r := <-done:
				result = *r
			case err := <-fail:
				result = failedResult(e, err, start)
			case <-engineCtx.Done():
				// Abandon the call; the goroutine above is left to
				// finish against the cancelled context.
				result = failedResult(e, core.ErrEngineTimeout, start)
			}

			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}(engine)
	}
	wg.Wait()
	return results
}

func failedResult(e engines.Engine, err error, start time.Time) core.EngineResult {
	reason := core.ErrEngineUnavailable.Error()
	if errors.Is(err, core.ErrEngineTimeout) || errors.Is(err, context.DeadlineExceeded) {
		reason = core.ErrEngineTimeout.Error()
	}
	if err != nil && err.Error() != reason {
		reason = fmt.Sprintf("%s: %v", reason, err)
	}
	logrus.WithField("engine", e.Name()).Warnf("engine failed: %v", err)
	return core.EngineResult{
		Engine:     e.Name(),
		Version:    e.Version(),
		Positive:   false,
		Err:        reason,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// Aggregate joins per-engine results into one verdict: malicious if any
// engine reports a positive finding, clean otherwise. Failed engines
// contribute no findings; the rule is commutative, so dispatch order
// never matters.
func Aggregate(results []core.EngineResult) *core.AggregateVerdict {
	verdict := &core.AggregateVerdict{
		Status:    core.VerdictClean,
		PerEngine: results,
		ScannedAt: time.Now().UTC(),
	}
	for _, r := range results {
		if r.Responded() {
			verdict.EnginesResponded++
		}
		if !r.Positive {
			continue
		}
		verdict.Status = core.VerdictMalicious
		if len(r.Findings) == 0 {
			verdict.Threats = append(verdict.Threats, fmt.Sprintf("%s: %s", r.Engine, r.Detail))
			continue
		}
		// Each engine's own phrasing is preserved, not deduplicated.
		for _, f := range r.Findings {
			verdict.Threats = append(verdict.Threats, fmt.Sprintf("%s: %s", r.Engine, f))
		}
	}
	return verdict
}

// HealthCheck reports the health of every engine.
func (o *Orchestrator) HealthCheck() map[string]bool {
	health := make(map[string]bool, len(o.engines))
	for _, e := range o.engines {
		health[e.Name()] = e.HealthCheck()
	}
	return health
}

func (o *Orchestrator) packageLock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[id] = lock
	}
	return lock
}
