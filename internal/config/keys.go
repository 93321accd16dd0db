package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SELFTUNE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "SELFTUNE_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SELFTUNE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "SELFTUNE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "SELFTUNE_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "log.output", typ: kString, env: "SELFTUNE_LOG_OUTPUT",
		apply:   func(cfg *Config, v any) { cfg.Log.Output = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Output },
	},
	{
		key: "queue.max_queued", typ: kInt, env: "SELFTUNE_QUEUE_MAX_QUEUED",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxQueued = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxQueued },
	},
	{
		key: "queue.survival_priority", typ: kInt, env: "SELFTUNE_QUEUE_SURVIVAL_PRIORITY",
		apply:   func(cfg *Config, v any) { cfg.Queue.SurvivalPriority = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.SurvivalPriority },
	},
	{
		key: "queue.recent_results", typ: kInt, env: "SELFTUNE_QUEUE_RECENT_RESULTS",
		apply:   func(cfg *Config, v any) { cfg.Queue.RecentResults = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.RecentResults },
	},
	{
		key: "monitor.poll_interval", typ: kDuration, env: "SELFTUNE_MONITOR_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Monitor.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Monitor.PollInterval },
	},
	{
		key: "monitor.warning_percent", typ: kFloat, env: "SELFTUNE_MONITOR_WARNING_PERCENT",
		apply:   func(cfg *Config, v any) { cfg.Monitor.WarningPercent = v.(float64) },
		extract: func(cfg Config) any { return cfg.Monitor.WarningPercent },
	},
	{
		key: "monitor.critical_percent", typ: kFloat, env: "SELFTUNE_MONITOR_CRITICAL_PERCENT",
		apply:   func(cfg *Config, v any) { cfg.Monitor.CriticalPercent = v.(float64) },
		extract: func(cfg Config) any { return cfg.Monitor.CriticalPercent },
	},
	{
		key: "monitor.swap_warning_percent", typ: kFloat, env: "SELFTUNE_MONITOR_SWAP_WARNING_PERCENT",
		apply:   func(cfg *Config, v any) { cfg.Monitor.SwapWarningPercent = v.(float64) },
		extract: func(cfg Config) any { return cfg.Monitor.SwapWarningPercent },
	},
	{
		key: "monitor.swap_critical_percent", typ: kFloat, env: "SELFTUNE_MONITOR_SWAP_CRITICAL_PERCENT",
		apply:   func(cfg *Config, v any) { cfg.Monitor.SwapCriticalPercent = v.(float64) },
		extract: func(cfg Config) any { return cfg.Monitor.SwapCriticalPercent },
	},
	{
		key: "monitor.swap_cleanup_percent", typ: kFloat, env: "SELFTUNE_MONITOR_SWAP_CLEANUP_PERCENT",
		apply:   func(cfg *Config, v any) { cfg.Monitor.SwapCleanupPercent = v.(float64) },
		extract: func(cfg Config) any { return cfg.Monitor.SwapCleanupPercent },
	},
	{
		key: "monitor.vram_enabled", typ: kBool, env: "SELFTUNE_MONITOR_VRAM_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Monitor.VRAMEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Monitor.VRAMEnabled },
	},
	{
		key: "monitor.cleanup_command", typ: kString, env: "SELFTUNE_MONITOR_CLEANUP_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Monitor.CleanupCommand = v.(string) },
		extract: func(cfg Config) any { return cfg.Monitor.CleanupCommand },
	},
	{
		key: "learning.topic_delay", typ: kDuration, env: "SELFTUNE_LEARNING_TOPIC_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Learning.TopicDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Learning.TopicDelay },
	},
	{
		key: "learning.stop_timeout", typ: kDuration, env: "SELFTUNE_LEARNING_STOP_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Learning.StopTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Learning.StopTimeout },
	},
	{
		key: "learning.learn_threshold", typ: kFloat, env: "SELFTUNE_LEARNING_LEARN_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Learning.LearnThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Learning.LearnThreshold },
	},
	{
		key: "learning.min_chunk_chars", typ: kInt, env: "SELFTUNE_LEARNING_MIN_CHUNK_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Learning.MinChunkChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Learning.MinChunkChars },
	},
	{
		key: "learning.max_examples", typ: kInt, env: "SELFTUNE_LEARNING_MAX_EXAMPLES",
		apply:   func(cfg *Config, v any) { cfg.Learning.MaxExamples = v.(int) },
		extract: func(cfg Config) any { return cfg.Learning.MaxExamples },
	},
	{
		key: "learning.query_template", typ: kString, env: "SELFTUNE_LEARNING_QUERY_TEMPLATE",
		apply:   func(cfg *Config, v any) { cfg.Learning.QueryTemplate = v.(string) },
		extract: func(cfg Config) any { return cfg.Learning.QueryTemplate },
	},
	{
		key: "knowledge.retention", typ: kDuration, env: "SELFTUNE_KNOWLEDGE_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Knowledge.Retention },
	},
	{
		key: "knowledge.usage_floor", typ: kInt, env: "SELFTUNE_KNOWLEDGE_USAGE_FLOOR",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.UsageFloor = v.(int) },
		extract: func(cfg Config) any { return cfg.Knowledge.UsageFloor },
	},
	{
		key: "knowledge.sweep_interval", typ: kDuration, env: "SELFTUNE_KNOWLEDGE_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Knowledge.SweepInterval },
	},
	{
		key: "fetch.search_url", typ: kString, env: "SELFTUNE_FETCH_SEARCH_URL",
		apply:   func(cfg *Config, v any) { cfg.Fetch.SearchURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Fetch.SearchURL },
	},
	{
		key: "fetch.max_results", typ: kInt, env: "SELFTUNE_FETCH_MAX_RESULTS",
		apply:   func(cfg *Config, v any) { cfg.Fetch.MaxResults = v.(int) },
		extract: func(cfg Config) any { return cfg.Fetch.MaxResults },
	},
	{
		key: "fetch.timeout", typ: kDuration, env: "SELFTUNE_FETCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Fetch.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Fetch.Timeout },
	},
	{
		key: "fetch.rate_per_second", typ: kFloat, env: "SELFTUNE_FETCH_RATE_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Fetch.RatePerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Fetch.RatePerSecond },
	},
	{
		key: "fetch.max_bytes", typ: kInt, env: "SELFTUNE_FETCH_MAX_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Fetch.MaxBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Fetch.MaxBytes },
	},
	{
		key: "fetch.user_agent", typ: kString, env: "SELFTUNE_FETCH_USER_AGENT",
		apply:   func(cfg *Config, v any) { cfg.Fetch.UserAgent = v.(string) },
		extract: func(cfg Config) any { return cfg.Fetch.UserAgent },
	},
	{
		key: "cache.redis_addr", typ: kString, env: "SELFTUNE_CACHE_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisAddr },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "SELFTUNE_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "trainer.command", typ: kString, env: "SELFTUNE_TRAINER_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Trainer.Command = v.(string) },
		extract: func(cfg Config) any { return cfg.Trainer.Command },
	},
	{
		key: "trainer.args", typ: kString, env: "SELFTUNE_TRAINER_ARGS",
		apply:   func(cfg *Config, v any) { cfg.Trainer.Args = v.(string) },
		extract: func(cfg Config) any { return cfg.Trainer.Args },
	},
	{
		key: "trainer.work_dir", typ: kString, env: "SELFTUNE_TRAINER_WORK_DIR",
		apply:   func(cfg *Config, v any) { cfg.Trainer.WorkDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Trainer.WorkDir },
	},
}

// parseValue converts a raw string into the Go type of the key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return nil, fmt.Errorf("unknown key type %d", typ)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok {
				continue
			}
			if s.typ != kString && v == "" {
				continue
			}
			parsed, err := parseValue(s.typ, v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
