// Package coordinator owns the lifecycle of the training queue, the memory
// monitor and the autonomous learning loop, and exposes their state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/selftune/internal/knowledge"
	"github.com/kalambet/selftune/internal/learning"
	"github.com/kalambet/selftune/internal/monitor"
	"github.com/kalambet/selftune/internal/queue"
	"github.com/kalambet/selftune/internal/storage"
)

// Queue is the training queue as seen by the coordinator.
type Queue interface {
	Run(ctx context.Context)
	Submit(topic string, examples []string, priority int) (string, error)
	Cancel(id string) error
	Lookup(id string) (queue.Job, bool)
	Snapshot() queue.Snapshot
}

type Monitor interface {
	Run(ctx context.Context)
	Status() monitor.Status
}

type Loop interface {
	Start(topics []string, maxCycles int) error
	Stop() error
	Progress() learning.Progress
}

type Knowledge interface {
	Search(ctx context.Context, query string) (knowledge.Entry, error)
	Stats(ctx context.Context, topN int) (knowledge.Stats, error)
	Cleanup(ctx context.Context, retention time.Duration, usageFloor int) (int, error)
}

// History reads persisted job outcomes.
type History interface {
	GetJobRecord(ctx context.Context, id string) (storage.JobRecord, error)
	ListJobRecords(ctx context.Context, limit int) ([]storage.JobRecord, error)
}

type Deps struct {
	Queue     Queue
	Monitor   Monitor
	Loop      Loop
	Knowledge Knowledge
	History   History
	// Alerts carries critical-pressure alerts from the monitor.
	Alerts <-chan monitor.Alert
}

type Options struct {
	// SweepInterval is how often stale knowledge is purged. Zero disables
	// the sweep.
	SweepInterval time.Duration
	Retention     time.Duration
	UsageFloor    int
	// TopUsed is the number of entries in knowledge stats. Defaults to 5.
	TopUsed int
	// MaxAlerts is how many recent alerts are kept. Defaults to 10.
	MaxAlerts int
}

// KnowledgeSnapshot is knowledge.Stats plus the error that prevented
// reading them, if any.
type KnowledgeSnapshot struct {
	knowledge.Stats
	Error string `json:"error,omitempty"`
}

type Coordinator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	alerts []monitor.Alert
}

func New(deps Deps, opts Options) *Coordinator {
	if opts.TopUsed <= 0 {
		opts.TopUsed = 5
	}
	if opts.MaxAlerts <= 0 {
		opts.MaxAlerts = 10
	}
	return &Coordinator{deps: deps, opts: opts, logger: slog.Default()}
}

// AlertSink returns a monitor alert callback that never blocks: alerts are
// dropped when ch is full.
func AlertSink(ch chan<- monitor.Alert) func(monitor.Alert) {
	return func(a monitor.Alert) {
		select {
		case ch <- a:
		default:
			slog.Warn("alert channel full, dropping alert")
		}
	}
}

// Run drives the queue worker, the monitor, the alert consumer and the
// knowledge sweep until ctx is cancelled, then stops the learning loop. An
// in-flight training job finishes before Run returns. Run returns
// learning.ErrShutdownTimeout when the loop did not stop in time.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.deps.Queue.Run(gctx)
		return nil
	})
	if c.deps.Monitor != nil {
		g.Go(func() error {
			c.deps.Monitor.Run(gctx)
			return nil
		})
	}
	if c.deps.Alerts != nil {
		g.Go(func() error {
			c.consumeAlerts(gctx)
			return nil
		})
	}
	if c.deps.Knowledge != nil && c.opts.SweepInterval > 0 {
		g.Go(func() error {
			c.sweep(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		if err := c.deps.Loop.Stop(); err != nil {
			return fmt.Errorf("stopping autonomous learning: %w", err)
		}
		return nil
	})

	err := g.Wait()
	c.logger.Info("coordinator stopped")
	return err
}

func (c *Coordinator) consumeAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-c.deps.Alerts:
			c.logger.Error("critical memory alert",
				"ram_percent", a.Usage.RAMPercent,
				"vram_percent", a.Usage.VRAMPercent,
				"swap_percent", a.Usage.SwapPercent,
				"cancelled_jobs", len(a.CancelledIDs),
				"sample_error", a.SampleError)
			c.mu.Lock()
			c.alerts = append(c.alerts, a)
			if len(c.alerts) > c.opts.MaxAlerts {
				c.alerts = c.alerts[len(c.alerts)-c.opts.MaxAlerts:]
			}
			c.mu.Unlock()
		}
	}
}

func (c *Coordinator) sweep(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		n, err := c.deps.Knowledge.Cleanup(ctx, c.opts.Retention, c.opts.UsageFloor)
		if err != nil {
			c.logger.Warn("knowledge sweep failed", "error", err)
		} else if n > 0 {
			c.logger.Info("knowledge sweep", "removed", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) StartAutonomous(topics []string, maxCycles int) error {
	return c.deps.Loop.Start(topics, maxCycles)
}

func (c *Coordinator) StopAutonomous() error {
	return c.deps.Loop.Stop()
}

func (c *Coordinator) SubmitManualJob(topic string, examples []string, priority int) (string, error) {
	return c.deps.Queue.Submit(topic, examples, priority)
}

func (c *Coordinator) CancelJob(id string) error {
	return c.deps.Queue.Cancel(id)
}

// Job returns a live job, or its persisted outcome once the queue has
// forgotten it. Unknown ids return queue.ErrNotFound.
func (c *Coordinator) Job(ctx context.Context, id string) (queue.Job, error) {
	if j, ok := c.deps.Queue.Lookup(id); ok {
		return j, nil
	}
	if c.deps.History == nil {
		return queue.Job{}, queue.ErrNotFound
	}
	rec, err := c.deps.History.GetJobRecord(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return queue.Job{}, queue.ErrNotFound
	}
	if err != nil {
		return queue.Job{}, fmt.Errorf("loading job history: %w", err)
	}
	return queue.FromRecord(rec), nil
}

// JobHistory returns up to limit persisted jobs, most recent first.
func (c *Coordinator) JobHistory(ctx context.Context, limit int) ([]queue.Job, error) {
	if c.deps.History == nil {
		return nil, nil
	}
	recs, err := c.deps.History.ListJobRecords(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing job history: %w", err)
	}
	jobs := make([]queue.Job, len(recs))
	for i, r := range recs {
		jobs[i] = queue.FromRecord(r)
	}
	return jobs, nil
}

func (c *Coordinator) QueueStatus() queue.Snapshot {
	return c.deps.Queue.Snapshot()
}

func (c *Coordinator) ProgressInfo() learning.Progress {
	return c.deps.Loop.Progress()
}

// KnowledgeStats never fails: a read error is logged and reported in the
// snapshot.
func (c *Coordinator) KnowledgeStats(ctx context.Context) KnowledgeSnapshot {
	if c.deps.Knowledge == nil {
		return KnowledgeSnapshot{Stats: knowledge.Stats{Categories: map[string]int{}}}
	}
	st, err := c.deps.Knowledge.Stats(ctx, c.opts.TopUsed)
	if err != nil {
		c.logger.Error("reading knowledge stats", "error", err)
		return KnowledgeSnapshot{Stats: knowledge.Stats{Categories: map[string]int{}}, Error: err.Error()}
	}
	return KnowledgeSnapshot{Stats: st}
}

func (c *Coordinator) SearchKnowledge(ctx context.Context, query string) (knowledge.Entry, error) {
	if c.deps.Knowledge == nil {
		return knowledge.Entry{}, knowledge.ErrNotFound
	}
	return c.deps.Knowledge.Search(ctx, query)
}

func (c *Coordinator) MonitorStatus() monitor.Status {
	if c.deps.Monitor == nil {
		return monitor.Status{}
	}
	return c.deps.Monitor.Status()
}

// Alerts returns the most recent critical alerts, oldest first.
func (c *Coordinator) Alerts() []monitor.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]monitor.Alert(nil), c.alerts...)
}
