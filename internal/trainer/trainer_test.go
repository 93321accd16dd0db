package trainer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/selftune/internal/queue"
)

const parseArgs = `
while [ $# -gt 0 ]; do
  case "$1" in
    --data) data="$2"; shift ;;
    --topic) topic="$2"; shift ;;
    --output) out="$2"; shift ;;
  esac
  shift
done
`

func scriptTrainer(t *testing.T, body string) (*CommandTrainer, string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "train.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"+parseArgs+body), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	work := filepath.Join(dir, "work")
	return New(Config{Command: "sh", Args: []string{script}, WorkDir: work}), work
}

func testJob() queue.Job {
	return queue.Job{
		ID:       "job-1",
		Topic:    "go channels",
		Examples: []string{"first example", "second \"quoted\" example"},
	}
}

func TestTrainParsesLastReportLine(t *testing.T) {
	tr, work := scriptTrainer(t, `
cp "$data" "$out.copy"
echo "epoch 1 loss 0.91"
echo '{"final_loss": 0.9}'
echo "epoch 2 loss 0.42"
echo '{"final_loss": 0.42, "artifacts_path": "/models/go"}'
`)

	res, err := tr.Train(context.Background(), testJob())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if res.FinalLoss != 0.42 || res.ArtifactsPath != "/models/go" {
		t.Errorf("Result = %+v, want loss 0.42 at /models/go", res)
	}

	data, err := os.ReadFile(filepath.Join(work, "job-1.copy"))
	if err != nil {
		t.Fatalf("reading copied examples: %v", err)
	}
	var texts []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var s sample
		if err := json.Unmarshal(sc.Bytes(), &s); err != nil {
			t.Fatalf("example line %q: %v", sc.Text(), err)
		}
		texts = append(texts, s.Text)
	}
	if len(texts) != 2 || texts[1] != `second "quoted" example` {
		t.Errorf("examples = %q", texts)
	}

	if _, err := os.Stat(filepath.Join(work, "job-1.jsonl")); !os.IsNotExist(err) {
		t.Errorf("examples file not removed: %v", err)
	}
}

func TestTrainDefaultsArtifactsPath(t *testing.T) {
	tr, work := scriptTrainer(t, `echo '{"final_loss": 1.5}'`)

	res, err := tr.Train(context.Background(), testJob())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if want := filepath.Join(work, "job-1"); res.ArtifactsPath != want {
		t.Errorf("ArtifactsPath = %q, want %q", res.ArtifactsPath, want)
	}
}

func TestTrainOutOfMemory(t *testing.T) {
	tr, _ := scriptTrainer(t, `
echo "RuntimeError: CUDA out of memory. Tried to allocate 2.00 GiB" >&2
exit 1
`)

	_, err := tr.Train(context.Background(), testJob())
	if !errors.Is(err, queue.ErrOutOfMemory) {
		t.Fatalf("Train error = %v, want ErrOutOfMemory", err)
	}
}

func TestTrainFailureCarriesStderr(t *testing.T) {
	tr, _ := scriptTrainer(t, `
echo "loading dataset" >&2
echo "ValueError: topic $topic has no tokenizer" >&2
exit 3
`)

	_, err := tr.Train(context.Background(), testJob())
	if err == nil {
		t.Fatal("Train succeeded, want error")
	}
	if errors.Is(err, queue.ErrOutOfMemory) {
		t.Error("plain failure reported as out of memory")
	}
	if !strings.Contains(err.Error(), "ValueError: topic go channels has no tokenizer") {
		t.Errorf("error %q does not carry last stderr line", err)
	}
}

func TestTrainRequiresReport(t *testing.T) {
	tr, _ := scriptTrainer(t, `echo "done"`)

	if _, err := tr.Train(context.Background(), testJob()); err == nil {
		t.Error("Train without a JSON report succeeded")
	}

	tr, _ = scriptTrainer(t, `echo '{"artifacts_path": "/x"}'`)
	if _, err := tr.Train(context.Background(), testJob()); err == nil {
		t.Error("Train with a report lacking final_loss succeeded")
	}
}

func TestCheckReady(t *testing.T) {
	if err := New(Config{}).CheckReady(); err == nil {
		t.Error("CheckReady with no command succeeded")
	}
	if err := New(Config{Command: "selftune-definitely-missing-binary"}).CheckReady(); err == nil {
		t.Error("CheckReady with a missing command succeeded")
	}
	if _, err := exec.LookPath("sh"); err == nil {
		if err := New(Config{Command: "sh"}).CheckReady(); err != nil {
			t.Errorf("CheckReady(sh): %v", err)
		}
	}

	var buf bytes.Buffer
	EnsureReady(New(Config{Command: "selftune-definitely-missing-binary"}), &buf)
	if !strings.Contains(buf.String(), "jobs will fail") {
		t.Errorf("EnsureReady output = %q", buf.String())
	}
}

func TestParseReportOversizedLine(t *testing.T) {
	out := strings.Repeat("x", maxReportLine+1) + "\n" + `{"final_loss": 0.1}` + "\n"

	_, err := parseReport([]byte(out))
	if !errors.Is(err, bufio.ErrTooLong) {
		t.Fatalf("err = %v, want bufio.ErrTooLong", err)
	}
	if strings.Contains(err.Error(), "no JSON report") {
		t.Errorf("scanner failure reported as missing report: %v", err)
	}
}
