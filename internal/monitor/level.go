package monitor

import "fmt"

// Level is the memory pressure classification. Higher is worse.
type Level int

const (
	Normal Level = iota
	Warning
	Critical
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	switch string(b) {
	case "normal":
		*l = Normal
	case "warning":
		*l = Warning
	case "critical":
		*l = Critical
	default:
		return fmt.Errorf("unknown pressure level %q", b)
	}
	return nil
}

// Thresholds are utilisation percentages at which pressure escalates.
// Warning and Critical apply to RAM and VRAM; the Swap bands apply to swap
// usage, which signals thrashing well before RAM reads full.
type Thresholds struct {
	Warning  float64
	Critical float64

	SwapWarning  float64
	SwapCritical float64
	// SwapCleanup is the swap usage at which a regular cleanup runs even
	// though the level has not changed.
	SwapCleanup float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:      85,
		Critical:     95,
		SwapWarning:  30,
		SwapCritical: 80,
		SwapCleanup:  50,
	}
}

// withDefaults fills the memory bands and the swap bands independently.
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.Warning == 0 && t.Critical == 0 {
		t.Warning, t.Critical = d.Warning, d.Critical
	}
	if t.SwapWarning == 0 && t.SwapCritical == 0 {
		t.SwapWarning, t.SwapCritical = d.SwapWarning, d.SwapCritical
	}
	if t.SwapCleanup == 0 {
		t.SwapCleanup = d.SwapCleanup
	}
	return t
}

// Classify maps a RAM or VRAM utilisation percentage onto a Level.
func (t Thresholds) Classify(pct float64) Level {
	return classify(pct, t.Warning, t.Critical)
}

// ClassifySwap maps a swap utilisation percentage onto a Level.
func (t Thresholds) ClassifySwap(pct float64) Level {
	return classify(pct, t.SwapWarning, t.SwapCritical)
}

func classify(pct, warning, critical float64) Level {
	switch {
	case pct >= critical:
		return Critical
	case pct >= warning:
		return Warning
	}
	return Normal
}

// Usage is one memory sample.
type Usage struct {
	RAMPercent  float64 `json:"ram_percent"`
	VRAMPercent float64 `json:"vram_percent"`
	HasVRAM     bool    `json:"has_vram"`
	SwapPercent float64 `json:"swap_percent"`
	HasSwap     bool    `json:"has_swap"`
}

// Level returns the worst of the RAM, VRAM and swap classifications.
func (t Thresholds) Level(u Usage) Level {
	l := t.Classify(u.RAMPercent)
	if u.HasVRAM {
		l = max(l, t.Classify(u.VRAMPercent))
	}
	if u.HasSwap {
		l = max(l, t.ClassifySwap(u.SwapPercent))
	}
	return l
}
