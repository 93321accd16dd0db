package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/selftune/internal/coordinator"
	"github.com/kalambet/selftune/internal/knowledge"
	"github.com/kalambet/selftune/internal/learning"
	"github.com/kalambet/selftune/internal/queue"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPServerRegisters(t *testing.T) {
	f := newFixture(t)
	if s := NewMCPServer(f.coord); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_SubmitTrainingJob(t *testing.T) {
	f := newFixture(t)
	handler := mcpSubmitJob(f.coord)

	result, err := handler(context.Background(), makeCallToolRequest("submit_training_job", map[string]interface{}{
		"topic":    "kotlin",
		"examples": []interface{}{"### Instruction:\nq\n\n### Response:\na"},
		"priority": 3,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if !strings.HasPrefix(toolText(t, result), "Queued training job ") {
		t.Errorf("text = %q", toolText(t, result))
	}

	st := f.coord.QueueStatus()
	if st.Queued != 1 || st.QueuedJobs[0].Topic != "kotlin" || st.QueuedJobs[0].Priority != 3 {
		t.Errorf("queue = %+v", st)
	}
}

func TestMCPTool_SubmitTrainingJob_Invalid(t *testing.T) {
	f := newFixture(t)
	handler := mcpSubmitJob(f.coord)

	result, err := handler(context.Background(), makeCallToolRequest("submit_training_job", map[string]interface{}{
		"topic": "kotlin",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for a job without examples")
	}

	result, _ = handler(context.Background(), makeCallToolRequest("submit_training_job", map[string]interface{}{}))
	if !result.IsError || toolText(t, result) != "topic is required" {
		t.Errorf("missing topic result = %+v", result)
	}
}

func TestMCPTool_QueueStatus(t *testing.T) {
	f := newFixture(t)
	f.coord.SubmitManualJob("go", []string{"x"}, 1)

	result, err := mcpQueueStatus(f.coord)(context.Background(), makeCallToolRequest("queue_status", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var snap queue.Snapshot
	if err := json.Unmarshal([]byte(toolText(t, result)), &snap); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if snap.Queued != 1 {
		t.Errorf("Queued = %d, want 1", snap.Queued)
	}
}

func TestMCPTool_StartStopAutonomous(t *testing.T) {
	f := newFixture(t)
	var gotTopics []string
	var gotCycles int
	f.loop.startFn = func(topics []string, maxCycles int) error {
		gotTopics, gotCycles = topics, maxCycles
		return nil
	}

	result, err := mcpStartAutonomous(f.coord)(context.Background(), makeCallToolRequest("start_autonomous", map[string]interface{}{
		"topics":     []interface{}{"android", "python"},
		"max_cycles": 2,
	}))
	if err != nil || result.IsError {
		t.Fatalf("start result = %+v, %v", result, err)
	}
	if len(gotTopics) != 2 || gotTopics[1] != "python" || gotCycles != 2 {
		t.Errorf("loop got %v, %d", gotTopics, gotCycles)
	}

	f.loop.startFn = func([]string, int) error { return learning.ErrAlreadyRunning }
	result, _ = mcpStartAutonomous(f.coord)(context.Background(), makeCallToolRequest("start_autonomous", map[string]interface{}{
		"topics": []interface{}{"go"},
	}))
	if !result.IsError {
		t.Error("expected error when already running")
	}

	f.loop.stopErr = learning.ErrShutdownTimeout
	result, _ = mcpStopAutonomous(f.coord)(context.Background(), makeCallToolRequest("stop_autonomous", nil))
	if !result.IsError || !strings.Contains(toolText(t, result), "did not stop in time") {
		t.Errorf("stop timeout result = %q", toolText(t, result))
	}
}

func TestMCPTool_SearchKnowledge(t *testing.T) {
	f := newFixture(t)
	f.kb.Learn(context.Background(), knowledge.Candidate{
		Query:    "How to create a RecyclerView in Android?",
		Response: "Use an adapter and a layout manager.",
		Score:    7,
	})
	handler := mcpSearchKnowledge(f.coord)

	result, err := handler(context.Background(), makeCallToolRequest("search_knowledge", map[string]interface{}{
		"query": "recyclerview adapter",
	}))
	if err != nil || result.IsError {
		t.Fatalf("search result = %+v, %v", result, err)
	}
	var e knowledge.Entry
	if err := json.Unmarshal([]byte(toolText(t, result)), &e); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if e.Category != "android" {
		t.Errorf("Category = %q, want android", e.Category)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("search_knowledge", map[string]interface{}{
		"query": "erlang supervisors",
	}))
	if result.IsError || toolText(t, result) != "No matching knowledge." {
		t.Errorf("miss result = %q", toolText(t, result))
	}
}

func TestMCPResource_KnowledgeStats(t *testing.T) {
	f := newFixture(t)
	f.kb.Learn(context.Background(), knowledge.Candidate{
		Query:    "How to read a CSV with pandas in Python?",
		Response: "pandas.read_csv(path)",
		Score:    6,
	})

	contents, err := mcpResourceKnowledgeStats(f.coord)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: knowledgeStatsURI},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var st coordinator.KnowledgeSnapshot
	if err := json.Unmarshal([]byte(tc.Text), &st); err != nil {
		t.Fatalf("parsing stats: %v", err)
	}
	if st.Total != 1 || st.Categories["python"] != 1 {
		t.Errorf("stats = %+v", st)
	}
}
