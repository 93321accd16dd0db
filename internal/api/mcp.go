package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/selftune/internal/knowledge"
	"github.com/kalambet/selftune/internal/queue"
)

const knowledgeStatsURI = "selftune://knowledge/stats"

// NewMCPServer creates an MCP server exposing the training queue, the
// learning loop and the knowledge base.
func NewMCPServer(svc Service) *server.MCPServer {
	s := server.NewMCPServer(
		"selftune",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("selftune: queue fine-tuning jobs, drive autonomous learning and query learned knowledge."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_training_job",
			mcp.WithDescription("Queue a training job for a topic with instruction/response examples."),
			mcp.WithString("topic", mcp.Description("Topic the examples teach"), mcp.Required()),
			mcp.WithArray("examples", mcp.Description("Formatted training examples"), mcp.Required()),
			mcp.WithNumber("priority", mcp.Description("Priority, lower runs first (default: derived from topic recency)")),
		),
		mcpSubmitJob(svc),
	)

	s.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Show queued, running and recently finished training jobs."),
		),
		mcpQueueStatus(svc),
	)

	s.AddTool(
		mcp.NewTool("start_autonomous",
			mcp.WithDescription("Start autonomous learning over a list of topics."),
			mcp.WithArray("topics", mcp.Description("Topics to learn, visited in order"), mcp.Required()),
			mcp.WithNumber("max_cycles", mcp.Description("Passes over the topic list (0 runs until stopped)")),
		),
		mcpStartAutonomous(svc),
	)

	s.AddTool(
		mcp.NewTool("stop_autonomous",
			mcp.WithDescription("Stop autonomous learning after the current topic."),
		),
		mcpStopAutonomous(svc),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Find the best learned answer for a question."),
			mcp.WithString("query", mcp.Description("Question to look up"), mcp.Required()),
		),
		mcpSearchKnowledge(svc),
	)

	s.AddResource(
		mcp.NewResource(
			knowledgeStatsURI,
			"Knowledge Statistics",
			mcp.WithResourceDescription("Entry counts per category and the most used entries"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceKnowledgeStats(svc),
	)

	return s
}

func mcpSubmitJob(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		topic, err := req.RequireString("topic")
		if err != nil {
			return mcpError("topic is required"), nil
		}
		examples := req.GetStringSlice("examples", nil)
		priority := req.GetInt("priority", queue.AutoPriority)

		id, err := svc.SubmitManualJob(topic, examples, priority)
		if err != nil {
			return mcpError(fmt.Sprintf("submit failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued training job %s", id)), nil
	}
}

func mcpQueueStatus(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(svc.QueueStatus()), nil
	}
}

func mcpStartAutonomous(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		topics := req.GetStringSlice("topics", nil)
		maxCycles := req.GetInt("max_cycles", 0)

		if err := svc.StartAutonomous(topics, maxCycles); err != nil {
			return mcpError(fmt.Sprintf("start failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Autonomous learning started on %d topics", len(topics))), nil
	}
}

func mcpStopAutonomous(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := svc.StopAutonomous(); err != nil {
			return mcpError(fmt.Sprintf("stop failed: %v", err)), nil
		}
		return mcpText("Autonomous learning stopped"), nil
	}
}

func mcpSearchKnowledge(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		entry, err := svc.SearchKnowledge(ctx, query)
		if errors.Is(err, knowledge.ErrNotFound) {
			return mcpText("No matching knowledge."), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(entry), nil
	}
}

func mcpResourceKnowledgeStats(svc Service) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(svc.KnowledgeStats(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal knowledge stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
