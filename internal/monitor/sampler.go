package monitor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/mem"
)

// Sampler reads current memory utilisation.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// SystemSampler reads RAM and swap through gopsutil and, when an NVIDIA GPU
// is present, VRAM through nvidia-smi.
type SystemSampler struct {
	nvidiaSMI string
	queryGPU  func(ctx context.Context, bin string) ([]byte, error)
	readSwap  func(ctx context.Context) (*mem.SwapMemoryStat, error)
}

// NewSystemSampler returns a sampler. With vram set, VRAM is sampled only if
// nvidia-smi is on PATH; a machine without a GPU reports RAM alone.
func NewSystemSampler(vram bool) *SystemSampler {
	s := &SystemSampler{queryGPU: runNvidiaSMI, readSwap: mem.SwapMemoryWithContext}
	if vram {
		if p, err := exec.LookPath("nvidia-smi"); err == nil {
			s.nvidiaSMI = p
		}
	}
	return s
}

// HasGPU reports whether VRAM is being sampled.
func (s *SystemSampler) HasGPU() bool { return s.nvidiaSMI != "" }

func (s *SystemSampler) Sample(ctx context.Context) (Usage, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("reading virtual memory: %w", err)
	}
	u := Usage{RAMPercent: vm.UsedPercent}

	readSwap := s.readSwap
	if readSwap == nil {
		readSwap = mem.SwapMemoryWithContext
	}
	sw, err := readSwap(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("reading swap memory: %w", err)
	}
	// A host without swap reports a zero total.
	if sw.Total > 0 {
		u.SwapPercent = sw.UsedPercent
		u.HasSwap = true
	}

	if s.nvidiaSMI == "" {
		return u, nil
	}
	out, err := s.queryGPU(ctx, s.nvidiaSMI)
	if err != nil {
		return Usage{}, fmt.Errorf("querying gpu memory: %w", err)
	}
	pct, err := parseGPUMemory(out)
	if err != nil {
		return Usage{}, err
	}
	u.VRAMPercent = pct
	u.HasVRAM = true
	return u, nil
}

func runNvidiaSMI(ctx context.Context, bin string) ([]byte, error) {
	return exec.CommandContext(ctx, bin,
		"--query-gpu=memory.used,memory.total",
		"--format=csv,noheader,nounits",
	).Output()
}

// parseGPUMemory reads "used, total" MiB lines, one per GPU, and returns the
// highest utilisation among them.
func parseGPUMemory(out []byte) (float64, error) {
	var worst float64
	var seen bool
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 2 {
			return 0, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		used, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		if err != nil {
			return 0, fmt.Errorf("parsing used memory %q: %w", fields[0], err)
		}
		total, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			return 0, fmt.Errorf("parsing total memory %q: %w", fields[1], err)
		}
		if total <= 0 {
			continue
		}
		if pct := used / total * 100; !seen || pct > worst {
			worst = pct
		}
		seen = true
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if !seen {
		return 0, fmt.Errorf("no gpu memory reported")
	}
	return worst, nil
}
