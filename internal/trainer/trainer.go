// Package trainer runs fine-tuning jobs through an external command.
package trainer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kalambet/selftune/internal/queue"
)

// Config describes how to invoke the training command.
type Config struct {
	// Command is the executable, resolved on PATH.
	Command string
	// Args precede the flags the trainer adds for every job.
	Args []string
	// WorkDir receives example files and run outputs.
	WorkDir string
}

// CommandTrainer implements queue.Trainer by running an external process.
type CommandTrainer struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *CommandTrainer {
	return &CommandTrainer{cfg: cfg, logger: slog.Default()}
}

type sample struct {
	Text string `json:"text"`
}

type report struct {
	FinalLoss     *float64 `json:"final_loss"`
	ArtifactsPath string   `json:"artifacts_path"`
}

// Train writes the job's examples as JSONL and runs the command with
// --data, --topic and --output appended. The last JSON line on stdout is
// the run report.
func (t *CommandTrainer) Train(ctx context.Context, job queue.Job) (queue.Result, error) {
	if err := os.MkdirAll(t.cfg.WorkDir, 0o755); err != nil {
		return queue.Result{}, fmt.Errorf("creating work dir: %w", err)
	}
	dataPath := filepath.Join(t.cfg.WorkDir, job.ID+".jsonl")
	if err := writeExamples(dataPath, job.Examples); err != nil {
		return queue.Result{}, err
	}
	defer os.Remove(dataPath)

	outDir := filepath.Join(t.cfg.WorkDir, job.ID)
	args := append(append([]string(nil), t.cfg.Args...),
		"--data", dataPath,
		"--topic", job.Topic,
		"--output", outDir,
	)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.cfg.Command, args...)
	cmd.Dir = t.cfg.WorkDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	t.logger.Info("starting trainer", "job_id", job.ID, "command", t.cfg.Command, "examples", len(job.Examples))
	if err := cmd.Run(); err != nil {
		msg := lastLine(stderr.String())
		if isOutOfMemory(stderr.String()) {
			return queue.Result{}, fmt.Errorf("%w: %s", queue.ErrOutOfMemory, msg)
		}
		if msg != "" {
			return queue.Result{}, fmt.Errorf("trainer exited: %w: %s", err, msg)
		}
		return queue.Result{}, fmt.Errorf("trainer exited: %w", err)
	}

	res, err := parseReport(stdout.Bytes())
	if err != nil {
		return queue.Result{}, err
	}
	if res.ArtifactsPath == "" {
		res.ArtifactsPath = outDir
	}
	return res, nil
}

// CheckReady verifies the training command can be found.
func (t *CommandTrainer) CheckReady() error {
	if t.cfg.Command == "" {
		return fmt.Errorf("trainer command is not configured")
	}
	if _, err := exec.LookPath(t.cfg.Command); err != nil {
		return fmt.Errorf("trainer command %q not found: %w", t.cfg.Command, err)
	}
	return nil
}

// EnsureReady reports trainer readiness to w. A missing command is not
// fatal: jobs will fail until it is installed.
func EnsureReady(t *CommandTrainer, w io.Writer) {
	if err := t.CheckReady(); err != nil {
		fmt.Fprintf(w, "trainer: %v (jobs will fail until it is installed)\n", err)
		return
	}
	fmt.Fprintf(w, "trainer %s: ready\n", t.cfg.Command)
}

func writeExamples(path string, examples []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating examples file: %w", err)
	}
	enc := json.NewEncoder(f)
	for _, ex := range examples {
		if err := enc.Encode(sample{Text: ex}); err != nil {
			f.Close()
			return fmt.Errorf("writing example: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing examples file: %w", err)
	}
	return nil
}

// maxReportLine bounds a single line of trainer stdout.
const maxReportLine = 1 << 20

func parseReport(out []byte) (queue.Result, error) {
	var last string
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), maxReportLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "{") {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return queue.Result{}, fmt.Errorf("reading trainer output: %w", err)
	}
	if last == "" {
		return queue.Result{}, fmt.Errorf("trainer printed no JSON report")
	}
	var r report
	if err := json.Unmarshal([]byte(last), &r); err != nil {
		return queue.Result{}, fmt.Errorf("parsing trainer report: %w", err)
	}
	if r.FinalLoss == nil {
		return queue.Result{}, fmt.Errorf("trainer report has no final_loss")
	}
	return queue.Result{FinalLoss: *r.FinalLoss, ArtifactsPath: r.ArtifactsPath}, nil
}

func isOutOfMemory(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "out of memory") || strings.Contains(s, "outofmemoryerror")
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
