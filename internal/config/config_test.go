package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// mapBackend is an in-memory ConfigBackend.
type mapBackend struct {
	strs map[string]string
	ints map[string]int
	err  error
}

func newMapBackend() *mapBackend {
	return &mapBackend{strs: map[string]string{}, ints: map[string]int{}}
}

func (m *mapBackend) GetString(key string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.strs[key]
	return v, ok, nil
}

func (m *mapBackend) GetInt(key string) (int, bool, error) {
	if m.err != nil {
		return 0, false, m.err
	}
	v, ok := m.ints[key]
	return v, ok, nil
}

func (m *mapBackend) SetString(key, val string) error { m.strs[key] = val; return nil }
func (m *mapBackend) SetInt(key string, val int) error  { m.ints[key] = val; return nil }
func (m *mapBackend) Delete(key string) error {
	delete(m.strs, key)
	delete(m.ints, key)
	return nil
}

type memKeychain struct {
	items  map[string]string
	setErr error
}

func (k *memKeychain) Get(service, account string) (string, error) {
	v, ok := k.items[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (k *memKeychain) Set(service, account, value string) error {
	if k.setErr != nil {
		return k.setErr
	}
	if k.items == nil {
		k.items = map[string]string{}
	}
	k.items[service+"/"+account] = value
	return nil
}

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(newMapBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Queue.MaxQueued != 10 {
		t.Errorf("Queue.MaxQueued = %d, want 10", cfg.Queue.MaxQueued)
	}
	if cfg.Monitor.WarningPercent != 85 || cfg.Monitor.CriticalPercent != 95 {
		t.Errorf("monitor thresholds = %v/%v, want 85/95", cfg.Monitor.WarningPercent, cfg.Monitor.CriticalPercent)
	}
	if cfg.Monitor.SwapWarningPercent != 30 || cfg.Monitor.SwapCriticalPercent != 80 || cfg.Monitor.SwapCleanupPercent != 50 {
		t.Errorf("swap bands = %v/%v/%v, want 30/80/50", cfg.Monitor.SwapWarningPercent,
			cfg.Monitor.SwapCriticalPercent, cfg.Monitor.SwapCleanupPercent)
	}
	if cfg.Learning.LearnThreshold != 5.0 {
		t.Errorf("Learning.LearnThreshold = %v, want 5.0", cfg.Learning.LearnThreshold)
	}
	if cfg.Learning.TopicDelay != 3*time.Second {
		t.Errorf("Learning.TopicDelay = %v, want 3s", cfg.Learning.TopicDelay)
	}
	if cfg.Learning.StopTimeout != 10*time.Second {
		t.Errorf("Learning.StopTimeout = %v, want 10s", cfg.Learning.StopTimeout)
	}
	if cfg.Knowledge.Retention != 30*24*time.Hour {
		t.Errorf("Knowledge.Retention = %v, want 720h", cfg.Knowledge.Retention)
	}
	if cfg.Fetch.MaxResults != 3 {
		t.Errorf("Fetch.MaxResults = %d, want 3", cfg.Fetch.MaxResults)
	}
}

func TestBackendValues(t *testing.T) {
	b := newMapBackend()
	b.ints["server.port"] = 5000
	b.strs["monitor.poll_interval"] = "250ms"
	b.strs["monitor.warning_percent"] = "70.5"
	b.strs["server.mcp_enabled"] = "true"
	b.strs["trainer.command"] = "/usr/bin/train"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Monitor.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", cfg.Monitor.PollInterval)
	}
	if cfg.Monitor.WarningPercent != 70.5 {
		t.Errorf("WarningPercent = %v, want 70.5", cfg.Monitor.WarningPercent)
	}
	if !cfg.Server.MCPEnabled {
		t.Error("MCPEnabled = false, want true")
	}
	if cfg.Trainer.Command != "/usr/bin/train" {
		t.Errorf("Trainer.Command = %q", cfg.Trainer.Command)
	}
}

func TestBackendUnparsableValueKeepsDefault(t *testing.T) {
	b := newMapBackend()
	b.strs["learning.topic_delay"] = "soon"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Learning.TopicDelay != 3*time.Second {
		t.Errorf("TopicDelay = %v, want default 3s", cfg.Learning.TopicDelay)
	}
}

func TestBackendError(t *testing.T) {
	b := newMapBackend()
	b.err = errors.New("boom")

	if _, err := loadWith(b); err == nil {
		t.Fatal("expected error from failing backend")
	}
}

func TestEnvOverride(t *testing.T) {
	b := newMapBackend()
	b.ints["queue.max_queued"] = 4

	t.Setenv("SELFTUNE_QUEUE_MAX_QUEUED", "7")
	t.Setenv("SELFTUNE_LEARNING_LEARN_THRESHOLD", "6.5")
	t.Setenv("SELFTUNE_CACHE_TTL", "1h")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.MaxQueued != 7 {
		t.Errorf("MaxQueued = %d, want 7", cfg.Queue.MaxQueued)
	}
	if cfg.Learning.LearnThreshold != 6.5 {
		t.Errorf("LearnThreshold = %v, want 6.5", cfg.Learning.LearnThreshold)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("Cache.TTL = %v, want 1h", cfg.Cache.TTL)
	}
}

func TestValidateThresholds(t *testing.T) {
	b := newMapBackend()
	b.strs["monitor.warning_percent"] = "96"

	_, err := loadWith(b)
	if err == nil {
		t.Fatal("expected error when warning >= critical")
	}
	if !strings.Contains(err.Error(), "warning_percent") {
		t.Errorf("error = %q, want it to mention warning_percent", err)
	}
}

func TestSwapBandsFromBackend(t *testing.T) {
	b := newMapBackend()
	b.strs["monitor.swap_warning_percent"] = "40"
	b.strs["monitor.swap_critical_percent"] = "70"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Monitor.SwapWarningPercent != 40 || cfg.Monitor.SwapCriticalPercent != 70 {
		t.Errorf("swap bands = %v/%v, want 40/70", cfg.Monitor.SwapWarningPercent, cfg.Monitor.SwapCriticalPercent)
	}

	b.strs["monitor.swap_warning_percent"] = "75"
	if _, err := loadWith(b); err == nil || !strings.Contains(err.Error(), "swap_warning_percent") {
		t.Errorf("err = %v, want swap band validation error", err)
	}
}

func TestSetKeyWith(t *testing.T) {
	b := newMapBackend()

	if err := setKeyWith(b, "queue.max_queued", "12"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if b.ints["queue.max_queued"] != 12 {
		t.Errorf("stored int = %d, want 12", b.ints["queue.max_queued"])
	}
	if err := setKeyWith(b, "learning.topic_delay", "5s"); err != nil {
		t.Fatalf("set duration: %v", err)
	}
	if b.strs["learning.topic_delay"] != "5s" {
		t.Errorf("stored duration = %q", b.strs["learning.topic_delay"])
	}
	if err := setKeyWith(b, "learning.topic_delay", "later"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKeyWith(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllSkipsNothingPublic(t *testing.T) {
	infos := ShowAll(defaults())
	if len(infos) != len(ValidKeys()) {
		t.Fatalf("ShowAll returned %d keys, ValidKeys %d", len(infos), len(ValidKeys()))
	}
	for _, info := range infos {
		if !strings.HasPrefix(info.EnvVar, "SELFTUNE_") {
			t.Errorf("key %s has env var %q without SELFTUNE_ prefix", info.Key, info.EnvVar)
		}
	}
}

func TestGetAPIToken(t *testing.T) {
	t.Setenv("SELFTUNE_API_TOKEN", "")
	kc := &memKeychain{}

	tok, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(tok) != 64 {
		t.Errorf("token length = %d, want 64", len(tok))
	}

	again, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken second call: %v", err)
	}
	if again != tok {
		t.Error("token regenerated on second call")
	}

	t.Setenv("SELFTUNE_API_TOKEN", "from-env")
	if got, _ := GetAPIToken(kc); got != "from-env" {
		t.Errorf("token = %q, want env value", got)
	}
}

func TestGetAPITokenStoreFailure(t *testing.T) {
	t.Setenv("SELFTUNE_API_TOKEN", "")
	kc := &memKeychain{setErr: errors.New("locked")}

	if _, err := GetAPIToken(kc); err == nil {
		t.Fatal("expected error when keychain write fails")
	}
}
