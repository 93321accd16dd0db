package cleanup

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/selftune/internal/cache"
)

// RuntimeReleaser runs the Go garbage collector. Aggressive mode also returns
// freed pages to the operating system.
type RuntimeReleaser struct{}

func (RuntimeReleaser) Name() string { return "runtime" }

func (RuntimeReleaser) Release(_ context.Context, aggressive bool) (uint64, error) {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	if aggressive {
		debug.FreeOSMemory()
	} else {
		runtime.GC()
	}
	runtime.ReadMemStats(&after)
	if after.HeapAlloc >= before.HeapAlloc {
		return 0, nil
	}
	return before.HeapAlloc - after.HeapAlloc, nil
}

// CacheReleaser drops expired content-cache entries, or all of them in
// aggressive mode.
type CacheReleaser struct {
	Cache cache.Cache
}

func (CacheReleaser) Name() string { return "content-cache" }

func (r CacheReleaser) Release(ctx context.Context, aggressive bool) (uint64, error) {
	var p cache.Purged
	var err error
	if aggressive {
		p, err = r.Cache.Flush(ctx)
	} else {
		p, err = r.Cache.PurgeExpired(ctx)
	}
	if err != nil {
		return 0, err
	}
	return uint64(p.Bytes), nil
}

// CommandReleaser runs an external hook, typically a script that empties the
// accelerator allocator cache of the training runtime. The hook receives
// --aggressive in aggressive mode and may print the number of bytes it freed.
type CommandReleaser struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func (CommandReleaser) Name() string { return "command" }

func (r CommandReleaser) Release(ctx context.Context, aggressive bool) (uint64, error) {
	if r.Command == "" {
		return 0, nil
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string(nil), r.Args...)
	if aggressive {
		args = append(args, "--aggressive")
	}
	cmd := exec.CommandContext(ctx, r.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("running cleanup hook %s: %w: %s", r.Command, err, strings.TrimSpace(stderr.String()))
	}

	freed, err := strconv.ParseUint(strings.TrimSpace(stdout.String()), 10, 64)
	if err != nil {
		return 0, nil
	}
	return freed, nil
}
