// Package cleanup releases reclaimable memory before and after training runs
// and under memory pressure.
package cleanup

import (
	"context"
	"log/slog"

	"github.com/kalambet/selftune/internal/metrics"
)

// Releaser frees one kind of resource. aggressive asks for everything that
// can be released, not only what is cheap to rebuild.
type Releaser interface {
	Name() string
	Release(ctx context.Context, aggressive bool) (uint64, error)
}

// Agent runs every releaser and sums what they report. It never fails:
// releaser errors are logged and the remaining releasers still run.
type Agent struct {
	releasers []Releaser
	logger    *slog.Logger
}

func NewAgent(releasers ...Releaser) *Agent {
	return &Agent{releasers: releasers, logger: slog.Default()}
}

// Cleanup returns the estimated number of bytes freed.
func (a *Agent) Cleanup(ctx context.Context, aggressive bool) uint64 {
	mode := "regular"
	if aggressive {
		mode = "emergency"
	}
	metrics.CleanupsTotal.WithLabelValues(mode).Inc()

	var total uint64
	for _, r := range a.releasers {
		if ctx.Err() != nil {
			break
		}
		freed, err := r.Release(ctx, aggressive)
		if err != nil {
			a.logger.Warn("cleanup releaser failed", "releaser", r.Name(), "mode", mode, "error", err)
			continue
		}
		total += freed
	}
	a.logger.Debug("cleanup finished", "mode", mode, "freed_bytes", total)
	return total
}
