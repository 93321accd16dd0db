package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/selftune/internal/config"
	"github.com/kalambet/selftune/internal/queue"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) last(t *testing.T) recordedRequest {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.requests) == 0 {
		t.Fatal("no requests recorded")
	}
	return ts.requests[len(ts.requests)-1]
}

// useServer points CLI commands at ts and captures their output.
func useServer(t *testing.T, ts *testServer) (out, errOut *bytes.Buffer) {
	t.Helper()
	oldClient, oldOut, oldErr, oldColor := newAPIClient, stdout, stderr, noColor
	t.Cleanup(func() {
		newAPIClient, stdout, stderr, noColor = oldClient, oldOut, oldErr, oldColor
		rootCmd.SetArgs(nil)
	})

	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	out, errOut = &bytes.Buffer{}, &bytes.Buffer{}
	stdout, stderr = out, errOut
	noColor = true
	return out, errOut
}

func execute(args ...string) error {
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

var ctx = context.Background()

func TestLearnStart(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /autonomous/start": `{"state":"running","max_cycles":1}`,
	})
	_, errOut := useServer(t, ts)

	if err := execute("learn", "start", "--topics", "android, python,", "--cycles", "1"); err != nil {
		t.Fatalf("learn start: %v", err)
	}

	r := ts.last(t)
	if r.Path != "/autonomous/start" || r.Auth != "Bearer test-token" {
		t.Errorf("request = %+v", r)
	}
	var body struct {
		Topics    []string `json:"topics"`
		MaxCycles int      `json:"max_cycles"`
	}
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if len(body.Topics) != 2 || body.Topics[0] != "android" || body.Topics[1] != "python" || body.MaxCycles != 1 {
		t.Errorf("body = %+v", body)
	}
	if !strings.Contains(errOut.String(), "running on 2 topics") {
		t.Errorf("output = %q", errOut.String())
	}
}

func TestLearnStart_MissingTopics(t *testing.T) {
	ts := newTestServer(t, nil)
	useServer(t, ts)
	learnStartCmd.Flags().Set("topics", "")

	err := execute("learn", "start")
	if err == nil || !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %v, want it to mention 'required'", err)
	}
}

func TestLearnProgress(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /progress": `{"state":"running","topics":["go","sql"],"current_topic":"sql","max_cycles":2,"cycles_completed":1,"topics_processed":3,"topics_skipped":1,"jobs_submitted":2,"knowledge_stored":5}`,
	})
	out, _ := useServer(t, ts)

	if err := execute("learn", "progress"); err != nil {
		t.Fatalf("learn progress: %v", err)
	}
	for _, want := range []string{"State: running", "Current topic: sql", "Cycles: 1/2", "Topics processed: 3 (1 skipped)"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestJobsSubmit(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /jobs": `{"id":"job-123","status":"queued"}`,
	})
	_, errOut := useServer(t, ts)

	file := filepath.Join(t.TempDir(), "examples.jsonl")
	os.WriteFile(file, []byte(`{"text":"### Instruction:\nq1\n\n### Response:\na1"}`+"\n\n"+`{"text":"second"}`+"\n"), 0o644)

	if err := execute("jobs", "submit", "--topic", "kotlin", "--file", file, "--priority", "2"); err != nil {
		t.Fatalf("jobs submit: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(ts.last(t).Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["topic"] != "kotlin" || body["priority"] != float64(2) {
		t.Errorf("body = %v", body)
	}
	if ex, _ := body["examples"].([]any); len(ex) != 2 {
		t.Errorf("examples = %v", body["examples"])
	}
	if !strings.Contains(errOut.String(), "Queued job job-123 (2 examples)") {
		t.Errorf("output = %q", errOut.String())
	}

	// Without --priority the server picks one from topic recency.
	if err := execute("jobs", "submit", "--topic", "kotlin", "--file", file, "--priority=-1"); err != nil {
		t.Fatalf("jobs submit: %v", err)
	}
	body = nil
	json.Unmarshal([]byte(ts.last(t).Body), &body)
	if body["priority"] != nil {
		t.Errorf("auto priority sent %v", body["priority"])
	}
}

func TestJobsCancel_Conflict(t *testing.T) {
	ts := &testServer{}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"message":"failed to cancel job: job is not cancellable","type":"conflict"}}`))
	}))
	t.Cleanup(ts.server.Close)
	useServer(t, ts)

	err := execute("jobs", "cancel", "abc")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "not cancellable") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestJobsList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /queue": `{"queued":1,"queued_jobs":[{"id":"aaaaaaaa-1","topic":"go","priority":1,"status":"queued"}],"running":{"id":"bbbbbbbb-2","topic":"sql","priority":2,"status":"running"}}`,
		"GET /jobs":  `[{"id":"cccccccc-3","topic":"rust","priority":3,"status":"failed","error":"training ran out of memory"}]`,
	})
	out, _ := useServer(t, ts)

	if err := execute("jobs", "list", "--limit", "5"); err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasPrefix(lines[0], "bbbbbbbb") || !strings.HasPrefix(lines[1], "aaaaaaaa") {
		t.Errorf("running job should be listed first: %q", lines)
	}
	if !strings.Contains(lines[2], "out of memory") {
		t.Errorf("failed job line = %q", lines[2])
	}
	if ts.last(t).Path != "/jobs?limit=5" {
		t.Errorf("history path = %q", ts.last(t).Path)
	}
}

func TestKnowledgeSearch_URLEncoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /knowledge/search": `{"query":"How to join tables in SQL?","response":"Use JOIN.","category":"database","quality_score":7.5,"usage_count":2}`,
	})
	out, _ := useServer(t, ts)

	if err := execute("knowledge", "search", "go", "&", "sql", "joins"); err != nil {
		t.Fatalf("knowledge search: %v", err)
	}
	if p := ts.last(t).Path; !strings.Contains(p, "q=go+%26+sql+joins") {
		t.Errorf("query not URL-encoded: %q", p)
	}
	if !strings.Contains(out.String(), "[database, score 7.5, used 2]") || !strings.Contains(out.String(), "Use JOIN.") {
		t.Errorf("output = %q", out.String())
	}
}

func TestKnowledgeStats(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /knowledge/stats": `{"total":3,"categories":{"python":2,"android":1},"top_used":[{"query":"pandas csv","usage_count":4}]}`,
	})
	out, _ := useServer(t, ts)

	if err := execute("knowledge", "stats"); err != nil {
		t.Fatalf("knowledge stats: %v", err)
	}
	s := out.String()
	if !strings.Contains(s, "Entries: 3") || !strings.Contains(s, "pandas csv (used 4)") {
		t.Errorf("output = %q", s)
	}
	if strings.Index(s, "android") > strings.Index(s, "python") {
		t.Errorf("categories not sorted:\n%s", s)
	}
}

func TestPrintLiveStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /queue":    `{"queued":2,"completed":4,"failed":1,"cancelled":0,"running":{"id":"x","topic":"android","status":"running"}}`,
		"GET /progress": `{"state":"idle","topics_processed":6,"jobs_submitted":4}`,
		"GET /monitor":  `{"status":{"level":"warning","usage":{"ram_percent":91,"vram_percent":40,"has_vram":true}},"alerts":[{"at":"2026-03-01T10:00:00Z"}]}`,
	})
	out, _ := useServer(t, ts)

	if err := printLiveStatus(ctx, ts.client()); err != nil {
		t.Fatalf("printLiveStatus: %v", err)
	}
	for _, want := range []string{
		"Training: android",
		"Queue: 2 queued, 4 completed, 1 failed, 0 cancelled",
		"Learning: idle, 6 topics processed, 4 jobs submitted",
		"Memory: warning, RAM 91.0%, VRAM 40.0%",
		"Alerts: 1 critical",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestParseExamples(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []string
		wantErr bool
	}{
		{"array", `["a", "b"]`, []string{"a", "b"}, false},
		{"jsonl", "{\"text\":\"a\"}\n\n{\"text\":\"b\"}\n", []string{"a", "b"}, false},
		{"empty", "  \n", nil, true},
		{"bad line", "{\"text\":\"a\"}\nnot json\n", nil, true},
		{"bad array", `["a",`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseExamples([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAPIClientNotReachable(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"invalid or missing bearer token","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/queue")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if err.Error() != "server returned 401: invalid or missing bearer token" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestJobLine(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	line := jobLine(queue.Job{
		ID:         "0123456789abcdef",
		Topic:      "python",
		Priority:   3,
		Status:     queue.StatusCompleted,
		StartedAt:  &start,
		FinishedAt: &end,
	})
	if !strings.HasPrefix(line, "01234567  p3") || !strings.Contains(line, "python  (1m30s)") {
		t.Errorf("line = %q", line)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.Queue.MaxQueued = 7

	found := map[string]string{}
	for _, k := range config.ShowAll(cfg) {
		found[k.Key] = k.Value
	}
	if found["server.port"] != "4000" {
		t.Errorf("server.port = %q, want 4000", found["server.port"])
	}
	if found["queue.max_queued"] != "7" {
		t.Errorf("queue.max_queued = %q, want 7", found["queue.max_queued"])
	}
}

func TestTrainingWorkDirDefaultsUnderDataDir(t *testing.T) {
	cfg := config.Config{}
	cfg.Storage.DataDir = "/var/lib/selftune"
	if got := trainingWorkDir(cfg); got != "/var/lib/selftune/training" {
		t.Errorf("trainingWorkDir = %q", got)
	}
	cfg.Trainer.WorkDir = "/scratch"
	if got := trainingWorkDir(cfg); got != "/scratch" {
		t.Errorf("trainingWorkDir = %q", got)
	}
}
