// Package scheduler implements the reconciliation loop of spec.md §4.4: a
// single-threaded control loop that repeatedly dispatches eligible
// artifacts, tracks in-flight work against a concurrency cap, propagates
// dependency mtimes, counts retries, and terminates once the pending map
// drains. The event-loop shape is grounded on the teacher's
// cmd/bd/flush_manager.go (a goroutine owning all mutable state, driven by
// a time.Ticker).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/sharethis/bqreconcile/internal/artifact"
	"github.com/sharethis/bqreconcile/internal/errs"
	"github.com/sharethis/bqreconcile/internal/graph"
)

// Config is the resolved run configuration of spec.md §6.
type Config struct {
	MaxConcurrent int
	MaxRetry      int
	CheckInterval time.Duration
}

// Scheduler owns the pending map, the in-flight set, the retries map, and
// the dep-mtime map for one run — all mutated only by Run's single loop
// (spec.md §5 "Shared-resource policy").
type Scheduler struct {
	graph        *graph.Graph
	cfg          Config
	log          *slog.Logger
	retry        map[artifact.Key]int
	dep          map[artifact.Key]time.Time
	metric       schedulerMetrics
	lastInFlight int64
}

// schedulerMetrics are the otel instruments emitted per tick: a counter of
// creates/retries/failures and a gauge of in-flight job count. Instruments
// are created against whatever MeterProvider is globally registered
// (cmd/bqr wires a stdoutmetric exporter onto it); if none is registered,
// otel's default no-op provider makes every recorded measurement inert.
type schedulerMetrics struct {
	creates  metric.Int64Counter
	retries  metric.Int64Counter
	failures metric.Int64Counter
	inFlight metric.Int64UpDownCounter
}

func newSchedulerMetrics(log *slog.Logger) schedulerMetrics {
	meter := otel.Meter("github.com/sharethis/bqreconcile/internal/scheduler")
	m := schedulerMetrics{}
	var err error
	if m.creates, err = meter.Int64Counter("bqreconcile.scheduler.creates",
		metric.WithDescription("artifact Create() calls submitted")); err != nil {
		log.Warn("registering creates counter failed", "err", err)
	}
	if m.retries, err = meter.Int64Counter("bqreconcile.scheduler.retries",
		metric.WithDescription("retry budget consumed across all artifacts")); err != nil {
		log.Warn("registering retries counter failed", "err", err)
	}
	if m.failures, err = meter.Int64Counter("bqreconcile.scheduler.failures",
		metric.WithDescription("Create() calls that returned an error")); err != nil {
		log.Warn("registering failures counter failed", "err", err)
	}
	if m.inFlight, err = meter.Int64UpDownCounter("bqreconcile.scheduler.in_flight",
		metric.WithDescription("remote jobs currently in flight")); err != nil {
		log.Warn("registering in_flight gauge failed", "err", err)
	}
	return m
}

// New builds a Scheduler over g. The artifact map is immutable after
// construction per spec.md §5; only the scheduler's own bookkeeping maps
// mutate during Run.
func New(g *graph.Graph, cfg Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		graph:  g,
		cfg:    cfg,
		log:    log,
		retry:  make(map[artifact.Key]int),
		dep:    make(map[artifact.Key]time.Time),
		metric: newSchedulerMetrics(log),
	}
}

// Run drives ticks until the pending map is empty (success) or a fatal
// condition is reached (retries exhausted, cyclic graph).
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		inFlight, err := s.tick(ctx)
		if err != nil {
			return err
		}
		if len(s.graph.Pending) == 0 {
			return nil
		}
		if report := s.graph.DetectCycle(inFlight); report != nil {
			return fmt.Errorf("%w: %s", errs.ErrCyclicDependency, report.Error())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.CheckInterval):
		}
	}
}

// tick implements one evaluation of spec.md §4.4 steps 1-3: ready-set
// computation, per-key dispatch decision, and edge retirement with
// dep-mtime propagation. It returns the set of keys observed in flight
// this tick, for the caller's cycle check.
//
// The ready-set walk that decides which keys to poll, skip, retire, or
// dispatch stays strictly sequential and in sorted key order, since it is
// what enforces the MaxConcurrent cap and gives dispatch priority to the
// lexicographically earliest ready keys when capacity is scarce. Only the
// actual remote Create() calls chosen by that walk run concurrently,
// bounded by the capacity they were granted, via errgroup.
func (s *Scheduler) tick(ctx context.Context) (map[artifact.Key]bool, error) {
	inFlight := make(map[artifact.Key]bool)
	var toDispatch []artifact.Key

	for _, k := range s.graph.ReadySet() {
		a := s.graph.Artifacts[k]

		running, err := a.IsRunning(ctx)
		if err != nil {
			s.log.Warn("polling in-flight job failed, retrying next tick", "key", k, "err", err)
			continue
		}
		if running {
			inFlight[k] = true
			if len(inFlight)+len(toDispatch) >= s.cfg.MaxConcurrent {
				break
			}
			continue
		}

		dispatch, skip, err := s.evaluate(ctx, k, a)
		if err != nil {
			s.log.Warn("evaluating artifact failed, retrying next tick", "key", k, "err", err)
			continue
		}
		if skip {
			continue
		}
		if !dispatch {
			s.graph.Retire(k)
			continue
		}

		if len(inFlight)+len(toDispatch) >= s.cfg.MaxConcurrent {
			break
		}

		if err := s.chargeRetry(k); err != nil {
			return inFlight, err
		}
		toDispatch = append(toDispatch, k)
	}

	dispatched, err := s.dispatchAll(ctx, toDispatch)
	for k := range dispatched {
		inFlight[k] = true
	}
	if err != nil {
		return inFlight, err
	}

	s.recordInFlight(ctx, len(inFlight))

	for n := range s.graph.Pending {
		for _, retired := range s.graph.RetireEdges(n) {
			depArtifact, ok := s.graph.Artifacts[retired]
			if !ok {
				continue
			}
			mtime, err := depArtifact.Mtime(ctx)
			if err != nil {
				s.log.Warn("reading dependency mtime failed", "key", retired, "err", err)
				continue
			}
			if mtime.After(s.dep[n]) {
				s.dep[n] = mtime
			}
		}
	}

	return inFlight, nil
}

// evaluate implements spec.md §4.4's per-key decision tree, minus the
// already-running branch (handled by the caller): not-exists, should
// update, or stale relative to propagated dependency mtime. skip=true
// means the artifact is gated (require_exists not yet satisfied) and
// stays pending without consuming a retry.
func (s *Scheduler) evaluate(ctx context.Context, k artifact.Key, a *artifact.Artifact) (dispatch, skip bool, err error) {
	satisfied, err := a.RequireExistsSatisfied(ctx)
	if err != nil {
		return false, false, err
	}
	if !satisfied {
		return false, true, nil
	}

	exists, err := a.Exists(ctx)
	if err != nil {
		return false, false, err
	}
	if !exists {
		return true, false, nil
	}

	should, err := a.ShouldUpdate(ctx)
	if err != nil {
		return false, false, err
	}
	if should {
		return true, false, nil
	}

	mtime, err := a.Mtime(ctx)
	if err != nil {
		return false, false, err
	}
	if mtime.Before(s.dep[k]) {
		return true, false, nil
	}
	return false, false, nil
}

// chargeRetry decrements the retry budget for k, returning a fatal error if
// it drops below zero (spec.md §4.4, §7). Retry bookkeeping stays
// sequential in the ready-set walk so the decision of "does this key still
// have budget" never races with a concurrent dispatch of the same key.
func (s *Scheduler) chargeRetry(k artifact.Key) error {
	if _, seen := s.retry[k]; !seen {
		s.retry[k] = s.cfg.MaxRetry
	}
	s.retry[k]--
	s.metric.retries.Add(context.Background(), 1)
	if s.retry[k] < 0 {
		return &fatalRetryError{key: k}
	}
	return nil
}

// dispatchAll submits Create for every key in keys concurrently, bounded by
// len(keys) (itself already bounded by the caller's remaining capacity),
// via errgroup (spec.md §5: concurrency is the count of simultaneously
// in-flight remote jobs, bounded by the configured cap). A single key's
// failure does not abort the others' submissions; it is logged and left
// for the next tick's retry accounting. It returns the subset that
// dispatched successfully.
func (s *Scheduler) dispatchAll(ctx context.Context, keys []artifact.Key) (map[artifact.Key]bool, error) {
	dispatched := make(map[artifact.Key]bool, len(keys))
	if len(keys) == 0 {
		return dispatched, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(keys))

	var mu sync.Mutex
	for _, k := range keys {
		k := k
		a := s.graph.Artifacts[k]
		g.Go(func() error {
			if err := a.Create(gctx); err != nil {
				s.metric.failures.Add(gctx, 1)
				s.log.Warn("create failed, retrying next tick", "key", k, "err", err)
				return nil
			}
			s.metric.creates.Add(gctx, 1)
			mu.Lock()
			dispatched[k] = true
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return dispatched, err
	}
	return dispatched, nil
}

// recordInFlight reports the absolute in-flight count to the gauge, which
// is implemented as an UpDownCounter: only the delta since the last tick
// is added.
func (s *Scheduler) recordInFlight(ctx context.Context, count int) {
	delta := int64(count) - s.lastInFlight
	if delta != 0 {
		s.metric.inFlight.Add(ctx, delta)
	}
	s.lastInFlight = int64(count)
}

type fatalRetryError struct {
	key artifact.Key
}

func (e *fatalRetryError) Error() string {
	return fmt.Sprintf("%s: %s", errs.ErrRetriesExhausted, e.key)
}

func (e *fatalRetryError) Unwrap() error { return errs.ErrRetriesExhausted }
