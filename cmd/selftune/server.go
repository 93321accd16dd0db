package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/selftune/internal/api"
	"github.com/kalambet/selftune/internal/cache"
	"github.com/kalambet/selftune/internal/cleanup"
	"github.com/kalambet/selftune/internal/config"
	"github.com/kalambet/selftune/internal/coordinator"
	"github.com/kalambet/selftune/internal/fetch"
	"github.com/kalambet/selftune/internal/knowledge"
	"github.com/kalambet/selftune/internal/learning"
	"github.com/kalambet/selftune/internal/logging"
	"github.com/kalambet/selftune/internal/metrics"
	"github.com/kalambet/selftune/internal/monitor"
	"github.com/kalambet/selftune/internal/queue"
	"github.com/kalambet/selftune/internal/storage"
	"github.com/kalambet/selftune/internal/trainer"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the selftune server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running selftune server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show selftune system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "selftune.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func trainingWorkDir(cfg config.Config) string {
	if cfg.Trainer.WorkDir != "" {
		return cfg.Trainer.WorkDir
	}
	return filepath.Join(cfg.Storage.DataDir, "training")
}

func newTrainer(cfg config.Config) *trainer.CommandTrainer {
	return trainer.New(trainer.Config{
		Command: cfg.Trainer.Command,
		Args:    strings.Fields(cfg.Trainer.Args),
		WorkDir: trainingWorkDir(cfg),
	})
}

// newContentCache returns Redis when configured, otherwise an in-process
// cache. The returned close function is never nil.
func newContentCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, func() error, error) {
	if cfg.RedisAddr == "" {
		return cache.NewMemoryCache(), func() error { return nil }, nil
	}
	rc, err := cache.NewRedisCache(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}
	return rc, rc.Close, nil
}

func newCleanupAgent(cfg config.MonitorConfig, c cache.Cache) *cleanup.Agent {
	releasers := []cleanup.Releaser{
		cleanup.RuntimeReleaser{},
		cleanup.CacheReleaser{Cache: c},
	}
	if fields := strings.Fields(cfg.CleanupCommand); len(fields) > 0 {
		releasers = append(releasers, cleanup.CommandReleaser{Command: fields[0], Args: fields[1:]})
	}
	return cleanup.NewAgent(releasers...)
}

func runServer() error {
	fmt.Fprintf(stderr, "selftune version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	syncLogs, err := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer syncLogs()

	if cfg.Server.MCPEnabled && cfg.Log.Output == "stdout" {
		printWarning("log.output is stdout while MCP uses stdio; logs will corrupt the MCP stream")
	}

	metrics.Init()

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice: probe the health endpoint before taking the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(stderr, "warning: closing storage: %v\n", err)
		}
	}()

	contentCache, closeCache, err := newContentCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer closeCache()

	tr := newTrainer(cfg)
	if err := os.MkdirAll(trainingWorkDir(cfg), 0o755); err != nil {
		return fmt.Errorf("creating training work dir: %w", err)
	}
	trainer.EnsureReady(tr, stderr)

	alerts := make(chan monitor.Alert, 16)
	sampler := monitor.NewSystemSampler(cfg.Monitor.VRAMEnabled)
	if cfg.Monitor.VRAMEnabled && !sampler.HasGPU() {
		slog.Info("nvidia-smi not found, monitoring RAM only")
	}
	mon := monitor.New(sampler, newCleanupAgent(cfg.Monitor, contentCache), monitor.Options{
		Thresholds: monitor.Thresholds{
			Warning:      cfg.Monitor.WarningPercent,
			Critical:     cfg.Monitor.CriticalPercent,
			SwapWarning:  cfg.Monitor.SwapWarningPercent,
			SwapCritical: cfg.Monitor.SwapCriticalPercent,
			SwapCleanup:  cfg.Monitor.SwapCleanupPercent,
		},
		PollInterval:     cfg.Monitor.PollInterval,
		SurvivalPriority: cfg.Queue.SurvivalPriority,
		OnAlert:          coordinator.AlertSink(alerts),
	})

	q := queue.New(tr, queue.Options{
		MaxQueued:     cfg.Queue.MaxQueued,
		RecentResults: cfg.Queue.RecentResults,
		Bracket:       mon,
		Recorder:      queue.StorageRecorder{Store: store},
	})
	mon.SetCanceller(q)

	fetcher := fetch.NewCachedFetcher(fetch.NewWebFetcher(fetch.Options{
		SearchURL:     cfg.Fetch.SearchURL,
		MaxResults:    cfg.Fetch.MaxResults,
		Timeout:       cfg.Fetch.Timeout,
		RatePerSecond: cfg.Fetch.RatePerSecond,
		MaxBytes:      cfg.Fetch.MaxBytes,
		UserAgent:     cfg.Fetch.UserAgent,
	}), contentCache, cfg.Cache.TTL)

	kb := knowledge.NewStore(store, cfg.Learning.LearnThreshold)
	loop := learning.New(fetcher, knowledge.NewScorer(knowledge.DefaultRubric()), q, kb, learning.Options{
		TopicDelay:    cfg.Learning.TopicDelay,
		StopTimeout:   cfg.Learning.StopTimeout,
		Threshold:     cfg.Learning.LearnThreshold,
		MinChunkChars: cfg.Learning.MinChunkChars,
		MaxExamples:   cfg.Learning.MaxExamples,
		QueryTemplate: cfg.Learning.QueryTemplate,
	})

	coord := coordinator.New(coordinator.Deps{
		Queue:     q,
		Monitor:   mon,
		Loop:      loop,
		Knowledge: kb,
		History:   store,
		Alerts:    alerts,
	}, coordinator.Options{
		SweepInterval: cfg.Knowledge.SweepInterval,
		Retention:     cfg.Knowledge.Retention,
		UsageFloor:    cfg.Knowledge.UsageFloor,
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	coordErr := make(chan error, 1)
	go func() { coordErr <- coord.Run(runCtx) }()

	if cfg.Server.MCPEnabled {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(coord))
		go func() {
			if err := stdioSrv.Listen(runCtx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(coord, apiToken),
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(stderr, "selftune listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)

	// The coordinator lets an in-flight training run finish before returning.
	cancelRun()
	runErr := <-coordErr
	return errors.Join(serveErr, shutdownErr, runErr)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("selftune is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop selftune (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to selftune (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	if err := newTrainer(cfg).CheckReady(); err != nil {
		printStatus("Trainer", "%v", err)
	} else {
		printStatus("Trainer", "%s ready", cfg.Trainer.Command)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	client, err := newAPIClient()
	if err != nil {
		printStatus("Server", "unknown (%v)", err)
		return nil
	}
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	return printLiveStatus(ctx, client)
}

// printLiveStatus reports queue, learning and memory state from a running
// server.
func printLiveStatus(ctx context.Context, client *apiClient) error {
	var snap queue.Snapshot
	if err := client.getJSON(ctx, "/queue", &snap); err != nil {
		return err
	}
	running := "idle"
	if snap.Running != nil {
		running = snap.Running.Topic
	}
	printStatus("Training", "%s", running)
	printStatus("Queue", "%d queued, %d completed, %d failed, %d cancelled",
		snap.Queued, snap.Completed, snap.Failed, snap.Cancelled)

	var p learning.Progress
	if err := client.getJSON(ctx, "/progress", &p); err != nil {
		return err
	}
	learn := p.State.String()
	if p.CurrentTopic != "" {
		learn += " (" + p.CurrentTopic + ")"
	}
	printStatus("Learning", "%s, %d topics processed, %d jobs submitted", learn, p.TopicsProcessed, p.JobsSubmitted)

	var m api.MonitorResponse
	if err := client.getJSON(ctx, "/monitor", &m); err != nil {
		return err
	}
	mem := fmt.Sprintf("%s, RAM %.1f%%", levelColor(m.Status.Level), m.Status.Usage.RAMPercent)
	if m.Status.Usage.HasVRAM {
		mem += fmt.Sprintf(", VRAM %.1f%%", m.Status.Usage.VRAMPercent)
	}
	if m.Status.Usage.HasSwap {
		mem += fmt.Sprintf(", swap %.1f%%", m.Status.Usage.SwapPercent)
	}
	printStatus("Memory", "%s", mem)
	if n := len(m.Alerts); n > 0 {
		printStatus("Alerts", "%d critical, last at %s", n, m.Alerts[n-1].At.Format(time.RFC3339))
	}
	return nil
}
