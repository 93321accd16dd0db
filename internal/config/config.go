package config

import (
	"errors"
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Queue     QueueConfig
	Monitor   MonitorConfig
	Learning  LearningConfig
	Knowledge KnowledgeConfig
	Fetch     FetchConfig
	Cache     CacheConfig
	Trainer   TrainerConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

type QueueConfig struct {
	MaxQueued        int
	SurvivalPriority int
	RecentResults    int
}

type MonitorConfig struct {
	PollInterval    time.Duration
	WarningPercent  float64
	CriticalPercent float64

	// Swap bands escalate pressure on their own; SwapCleanupPercent triggers
	// a regular cleanup when swap usage climbs past it.
	SwapWarningPercent  float64
	SwapCriticalPercent float64
	SwapCleanupPercent  float64

	VRAMEnabled    bool
	CleanupCommand string
}

type LearningConfig struct {
	TopicDelay     time.Duration
	StopTimeout    time.Duration
	LearnThreshold float64
	MinChunkChars  int
	MaxExamples    int
	QueryTemplate  string
}

type KnowledgeConfig struct {
	Retention     time.Duration
	UsageFloor    int
	SweepInterval time.Duration
}

type FetchConfig struct {
	SearchURL     string
	MaxResults    int
	Timeout       time.Duration
	RatePerSecond float64
	MaxBytes      int
	UserAgent     string
}

type CacheConfig struct {
	RedisAddr string
	TTL       time.Duration
}

type TrainerConfig struct {
	Command string
	Args    string
	WorkDir string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Queue: QueueConfig{
			MaxQueued:        10,
			SurvivalPriority: 2,
			RecentResults:    20,
		},
		Monitor: MonitorConfig{
			PollInterval:        5 * time.Second,
			WarningPercent:      85,
			CriticalPercent:     95,
			SwapWarningPercent:  30,
			SwapCriticalPercent: 80,
			SwapCleanupPercent:  50,
			VRAMEnabled:         true,
		},
		Learning: LearningConfig{
			TopicDelay:     3 * time.Second,
			StopTimeout:    10 * time.Second,
			LearnThreshold: 5.0,
			MinChunkChars:  100,
			MaxExamples:    8,
			QueryTemplate:  "How to implement %s?",
		},
		Knowledge: KnowledgeConfig{
			Retention:     30 * 24 * time.Hour,
			UsageFloor:    0,
			SweepInterval: 24 * time.Hour,
		},
		Fetch: FetchConfig{
			SearchURL:     "https://html.duckduckgo.com/html/",
			MaxResults:    3,
			Timeout:       15 * time.Second,
			RatePerSecond: 0.5,
			MaxBytes:      5 << 20,
			UserAgent:     "selftune/1.0 (+https://github.com/kalambet/selftune)",
		},
		Cache: CacheConfig{
			TTL: 6 * time.Hour,
		},
		Trainer: TrainerConfig{
			Command: "python",
			Args:    "train.py",
			WorkDir: "",
		},
	}
}

// Load reads configuration from the platform-native backend and environment
// variables.
//
// On macOS the backend is UserDefaults (domain: com.selftune.app).
// On Linux the backend is a YAML file at $XDG_CONFIG_HOME/selftune/config.yaml.
//
// Environment variables (SELFTUNE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the runtime cannot work with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Monitor.WarningPercent <= 0 || c.Monitor.CriticalPercent > 100 {
		errs = append(errs, fmt.Errorf("monitor thresholds must lie in (0, 100]"))
	}
	if c.Monitor.WarningPercent >= c.Monitor.CriticalPercent {
		errs = append(errs, fmt.Errorf("monitor.warning_percent (%.1f) must be below monitor.critical_percent (%.1f)",
			c.Monitor.WarningPercent, c.Monitor.CriticalPercent))
	}
	if c.Monitor.SwapWarningPercent <= 0 || c.Monitor.SwapCriticalPercent > 100 ||
		c.Monitor.SwapWarningPercent >= c.Monitor.SwapCriticalPercent {
		errs = append(errs, fmt.Errorf("monitor.swap_warning_percent (%.1f) must be positive and below monitor.swap_critical_percent (%.1f)",
			c.Monitor.SwapWarningPercent, c.Monitor.SwapCriticalPercent))
	}
	if c.Monitor.SwapCleanupPercent <= 0 || c.Monitor.SwapCleanupPercent > 100 {
		errs = append(errs, fmt.Errorf("monitor.swap_cleanup_percent must lie in (0, 100]"))
	}
	if c.Monitor.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("monitor.poll_interval must be positive"))
	}
	if c.Queue.MaxQueued <= 0 {
		errs = append(errs, fmt.Errorf("queue.max_queued must be positive"))
	}
	if c.Learning.LearnThreshold < 0 || c.Learning.LearnThreshold > 10 {
		errs = append(errs, fmt.Errorf("learning.learn_threshold must lie in [0, 10]"))
	}
	if c.Learning.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("learning.stop_timeout must be positive"))
	}
	if c.Fetch.MaxResults <= 0 {
		errs = append(errs, fmt.Errorf("fetch.max_results must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
