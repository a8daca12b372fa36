// Package engine wires the offload pipeline together: one offload worker
// per shard, one classifier worker per ingress source, and the start/stop
// lifecycle of both roles.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/psaab/flowoffload/pkg/classifier"
	"github.com/psaab/flowoffload/pkg/config"
	"github.com/psaab/flowoffload/pkg/flow"
	"github.com/psaab/flowoffload/pkg/hwtable"
	"github.com/psaab/flowoffload/pkg/ingress"
	"github.com/psaab/flowoffload/pkg/logging"
	"github.com/psaab/flowoffload/pkg/offload"
	"github.com/psaab/flowoffload/pkg/policy"
)

var (
	ErrRunning     = errors.New("already running")
	ErrNoSuchShard = errors.New("no such shard")
)

// Config sizes the engine.
type Config struct {
	Shards         int
	Offload        offload.Config
	OffloadCPUs    []int // CPU per shard; shards past the end are not pinned
	Classifier     classifier.Config
	ClassifierCPUs []int // CPU per classifier, in source order
}

// ConfigFrom derives the engine configuration from the daemon config.
func ConfigFrom(cfg *config.Config) Config {
	off := cfg.Offload
	return Config{
		Shards: off.Shards,
		Offload: offload.Config{
			QueueSize:      off.QueueSize,
			BatchSize:      off.BatchSize,
			AgingInterval:  off.AgingInterval,
			HarvestTimeout: off.HarvestTimeout,
			AgingBudget:    off.AgingBudget,
			IdleYield:      off.IdleYield,
		},
		OffloadCPUs: off.CPUs,
		Classifier: classifier.Config{
			BurstSize:      cfg.Ingress.BurstSize,
			HairpinReverse: cfg.Policy.HairpinReverse,
			IdleYield:      cfg.Ingress.IdleYield,
		},
		ClassifierCPUs: cfg.Ingress.CPUs,
	}
}

// Engine owns the workers of both roles.
type Engine struct {
	cfg         Config
	drv         hwtable.Driver
	router      *flow.Router
	workers     []*offload.Worker
	classifiers []*classifier.Worker
	sources     []ingress.Source

	mu              sync.Mutex
	offloadCancel   context.CancelFunc
	offloadGroup    *errgroup.Group
	classifyCancel  context.CancelFunc
	classifyGroup   *errgroup.Group
	classifiersDone chan struct{}
}

// New builds the engine. Shard i programs the hardware through queue i of
// drv. The engine takes ownership of sources and closes them on Stop.
func New(cfg Config, drv hwtable.Driver, sources []ingress.Source,
	fwd ingress.Forwarder, topo classifier.Topology, pol policy.Policy) (*Engine, error) {
	router, err := flow.NewRouter(cfg.Shards)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		drv:     drv,
		router:  router,
		sources: sources,
	}
	shards := make([]classifier.Shard, cfg.Shards)
	for i := 0; i < cfg.Shards; i++ {
		w := offload.NewWorker(i, hwtable.QueueID(i), drv, cfg.Offload)
		e.workers = append(e.workers, w)
		shards[i] = w
	}
	for i, src := range sources {
		e.classifiers = append(e.classifiers,
			classifier.New(i, src, router, shards, fwd, topo, pol, cfg.Classifier))
	}
	return e, nil
}

// SetEventSink directs every offload worker's events to sink.
func (e *Engine) SetEventSink(sink logging.EventSink) {
	for _, w := range e.workers {
		w.SetEventSink(sink)
	}
}

// Shards returns the number of shards.
func (e *Engine) Shards() int { return len(e.workers) }

// ShardFor returns the shard that owns k.
func (e *Engine) ShardFor(k flow.Key) int { return e.router.ShardFor(k) }

// StartOffload acquires every shard's programming queue and, only if all
// succeed, starts the offload workers. The first acquisition error is
// returned, no worker is started and every queue acquired is released.
func (e *Engine) StartOffload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.offloadGroup != nil {
		return fmt.Errorf("offload workers: %w", ErrRunning)
	}

	var open errgroup.Group
	for _, w := range e.workers {
		open.Go(w.Open)
	}
	if err := open.Wait(); err != nil {
		// Give back the queues that did open so a later start can retry.
		for _, w := range e.workers {
			if rerr := w.Release(); rerr != nil {
				slog.Warn("release programming queue", "err", rerr)
			}
		}
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	g := &errgroup.Group{}
	for i, w := range e.workers {
		cpu := cpuFor(e.cfg.OffloadCPUs, i)
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			pin("offload", i, cpu)
			return w.Run(ctx)
		})
	}
	e.offloadCancel, e.offloadGroup = cancel, g
	slog.Info("offload workers started", "shards", len(e.workers))
	return nil
}

// StartClassifiers starts one classifier worker per ingress source.
// Workers for finite sources exit when the source is exhausted.
func (e *Engine) StartClassifiers(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.classifyGroup != nil {
		return fmt.Errorf("classifiers: %w", ErrRunning)
	}

	ctx, cancel := context.WithCancel(ctx)
	g := &errgroup.Group{}
	for i, c := range e.classifiers {
		cpu := cpuFor(e.cfg.ClassifierCPUs, i)
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			pin("classifier", i, cpu)
			return c.Run(ctx)
		})
	}
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	e.classifyCancel, e.classifyGroup, e.classifiersDone = cancel, g, done
	slog.Info("classifiers started", "count", len(e.classifiers))
	return nil
}

// ClassifiersDone is closed once every classifier has returned. It is nil
// before StartClassifiers.
func (e *Engine) ClassifiersDone() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.classifiersDone
}

// Stop stops the classifiers first, so nothing new is queued, then the
// offload workers, and waits for both. Operations still in flight are
// abandoned.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if e.classifyGroup != nil {
		e.classifyCancel()
		errs = append(errs, e.classifyGroup.Wait())
		e.classifyGroup = nil
	}
	for _, src := range e.sources {
		if err := src.Close(); err != nil && !errors.Is(err, ingress.ErrClosed) {
			errs = append(errs, fmt.Errorf("close %s: %w", src.Name(), err))
		}
	}
	if e.offloadGroup != nil {
		e.offloadCancel()
		errs = append(errs, e.offloadGroup.Wait())
		e.offloadGroup = nil
	}
	return errors.Join(errs...)
}

func (e *Engine) offloadRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offloadGroup != nil
}

// Flows returns up to limit entries of shard's flow table. While the
// workers run the owning worker answers; otherwise the table is read
// directly.
func (e *Engine) Flows(ctx context.Context, shard, limit int) ([]offload.FlowInfo, error) {
	if shard < 0 || shard >= len(e.workers) {
		return nil, fmt.Errorf("shard %d: %w", shard, ErrNoSuchShard)
	}
	w := e.workers[shard]
	if !e.offloadRunning() {
		return w.Snapshot(limit), nil
	}
	fis, err := w.Flows(ctx, limit)
	if errors.Is(err, offload.ErrStopped) {
		// Stopped between the check and the request; the table is
		// no longer owned by a running worker.
		return w.Snapshot(limit), nil
	}
	return fis, err
}

// RequestInstall queues an install on the owning shard, as a classifier
// would.
func (e *Engine) RequestInstall(req flow.Request) bool {
	return e.workers[e.router.ShardFor(req.Key())].EnqueueInstall(req)
}

// RequestRemove queues the removal of k on the owning shard.
func (e *Engine) RequestRemove(k flow.Key) bool {
	req := flow.Request{Op: flow.OpRemove, Match: flow.Match{Key: k}}
	return e.workers[e.router.ShardFor(k)].EnqueueRemove(req)
}

func cpuFor(cpus []int, i int) int {
	if i < len(cpus) {
		return cpus[i]
	}
	return -1
}

func pin(role string, id, cpu int) {
	if cpu < 0 {
		return
	}
	if err := pinThread(cpu); err != nil {
		slog.Warn("failed to pin worker", "role", role, "id", id, "cpu", cpu, "err", err)
		return
	}
	slog.Debug("worker pinned", "role", role, "id", id, "cpu", cpu)
}
