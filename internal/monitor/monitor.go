// Package monitor watches RAM, VRAM and swap utilisation and reacts to rising
// memory pressure with graduated cleanup.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/selftune/internal/metrics"
)

// CleanupAgent releases memory. It must not fail; it returns an estimate of
// the bytes freed.
type CleanupAgent interface {
	Cleanup(ctx context.Context, aggressive bool) uint64
}

// JobCanceller cancels queued jobs whose priority value is greater than
// survival (lower urgency), returning their ids.
type JobCanceller interface {
	CancelBelow(survival int) []string
}

// Alert is raised when pressure enters Critical.
type Alert struct {
	At           time.Time `json:"at"`
	Usage        Usage     `json:"usage"`
	SampleError  string    `json:"sample_error,omitempty"`
	CancelledIDs []string  `json:"cancelled_ids"`
	FreedBytes   uint64    `json:"freed_bytes"`
}

type Options struct {
	Thresholds       Thresholds
	PollInterval     time.Duration
	SurvivalPriority int
	OnAlert          func(Alert)
}

// Status is a snapshot of the monitor.
type Status struct {
	Level             Level     `json:"level"`
	Usage             Usage     `json:"usage"`
	LastSampleAt      time.Time `json:"last_sample_at"`
	LastSampleError   string    `json:"last_sample_error,omitempty"`
	LastTransitionAt  time.Time `json:"last_transition_at"`
	RegularCleanups   int       `json:"regular_cleanups"`
	SwapCleanups      int       `json:"swap_cleanups"`
	EmergencyCleanups int       `json:"emergency_cleanups"`
	BracketCleanups   int       `json:"bracket_cleanups"`
}

type Monitor struct {
	sampler Sampler
	cleanup CleanupAgent
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
	pollMu  sync.Mutex

	mu        sync.Mutex
	canceller JobCanceller
	status    Status
}

// New creates a Monitor. A zero PollInterval defaults to 5s; zero memory
// bands default to 85/95 and zero swap bands to 30/80 with cleanup at 50.
func New(sampler Sampler, cleanup CleanupAgent, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	opts.Thresholds = opts.Thresholds.withDefaults()
	return &Monitor{
		sampler: sampler,
		cleanup: cleanup,
		opts:    opts,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// SetCanceller wires the queue used by emergency cleanup. The queue itself
// depends on the monitor for its preflight bracket, so it is set after both
// exist.
func (m *Monitor) SetCanceller(c JobCanceller) {
	m.mu.Lock()
	m.canceller = c
	m.mu.Unlock()
}

// Sample reads utilisation and classifies it. A failed sample is treated as
// Critical.
func (m *Monitor) Sample(ctx context.Context) (Level, Usage, error) {
	u, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Error("memory sample failed, assuming critical pressure", "error", err)
		return Critical, Usage{}, err
	}
	metrics.MemoryPercent.WithLabelValues("ram").Set(u.RAMPercent)
	if u.HasVRAM {
		metrics.MemoryPercent.WithLabelValues("vram").Set(u.VRAMPercent)
	}
	if u.HasSwap {
		metrics.MemoryPercent.WithLabelValues("swap").Set(u.SwapPercent)
	}
	return m.opts.Thresholds.Level(u), u, nil
}

// Preflight runs a regular cleanup before a training run.
func (m *Monitor) Preflight(ctx context.Context) {
	freed := m.cleanup.Cleanup(ctx, false)
	m.countBracket()
	m.logger.Debug("preflight cleanup", "freed_bytes", freed)
}

// Postflight runs a regular cleanup after a training run, whatever its
// outcome.
func (m *Monitor) Postflight(ctx context.Context) {
	freed := m.cleanup.Cleanup(ctx, false)
	m.countBracket()
	m.logger.Debug("postflight cleanup", "freed_bytes", freed)
}

func (m *Monitor) countBracket() {
	m.mu.Lock()
	m.status.BracketCleanups++
	m.mu.Unlock()
}

// Poll takes one sample and reacts to a level change: entering Warning, from
// either side, triggers a regular cleanup; entering Critical an emergency
// cleanup that also cancels low-priority queued jobs and raises an alert.
// Repeating a level and falling back to Normal trigger nothing. Independently,
// swap usage crossing above the swap cleanup band triggers a regular cleanup.
func (m *Monitor) Poll(ctx context.Context) Level {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	level, usage, sampleErr := m.Sample(ctx)
	now := m.now()
	swapBand := m.opts.Thresholds.SwapCleanup

	m.mu.Lock()
	prev := m.status.Level
	prevSwap := m.status.Usage.HasSwap && m.status.Usage.SwapPercent >= swapBand
	m.status.Level = level
	m.status.Usage = usage
	m.status.LastSampleAt = now
	m.status.LastSampleError = ""
	if sampleErr != nil {
		m.status.LastSampleError = sampleErr.Error()
	}
	if level != prev {
		m.status.LastTransitionAt = now
	}
	canceller := m.canceller
	m.mu.Unlock()

	metrics.MemoryPressure.Set(float64(level))

	switch {
	case level == prev:
	case level == Normal:
		m.logger.Info("memory pressure eased", "from", prev, "to", level)
	case level == Warning:
		m.logger.Warn("memory pressure at warning", "from", prev,
			"ram_percent", usage.RAMPercent, "vram_percent", usage.VRAMPercent, "swap_percent", usage.SwapPercent)
		m.cleanup.Cleanup(ctx, false)
		m.mu.Lock()
		m.status.RegularCleanups++
		m.mu.Unlock()
		return level
	case level == Critical:
		m.emergency(ctx, now, usage, sampleErr, canceller)
		return level
	}

	if usage.HasSwap && usage.SwapPercent >= swapBand && !prevSwap {
		freed := m.cleanup.Cleanup(ctx, false)
		m.mu.Lock()
		m.status.SwapCleanups++
		m.mu.Unlock()
		m.logger.Warn("high swap usage", "swap_percent", usage.SwapPercent, "freed_bytes", freed)
	}
	return level
}

func (m *Monitor) emergency(ctx context.Context, now time.Time, usage Usage, sampleErr error, canceller JobCanceller) {
	freed := m.cleanup.Cleanup(ctx, true)
	var cancelled []string
	if canceller != nil {
		cancelled = canceller.CancelBelow(m.opts.SurvivalPriority)
	}
	m.mu.Lock()
	m.status.EmergencyCleanups++
	m.mu.Unlock()

	alert := Alert{At: now, Usage: usage, CancelledIDs: cancelled, FreedBytes: freed}
	if sampleErr != nil {
		alert.SampleError = sampleErr.Error()
	}
	m.logger.Error("critical memory pressure", "cancelled_jobs", len(cancelled), "freed_bytes", freed,
		"ram_percent", usage.RAMPercent, "vram_percent", usage.VRAMPercent, "swap_percent", usage.SwapPercent)
	if m.opts.OnAlert != nil {
		m.opts.OnAlert(alert)
	}
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Status returns a snapshot of the last poll.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
