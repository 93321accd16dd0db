package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/selftune/internal/api"
	"github.com/kalambet/selftune/internal/config"
	"github.com/kalambet/selftune/internal/coordinator"
	"github.com/kalambet/selftune/internal/knowledge"
	"github.com/kalambet/selftune/internal/learning"
	"github.com/kalambet/selftune/internal/queue"
)

// --- learn ---

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Control autonomous learning",
}

var learnStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start autonomous learning over a list of topics",
	Long: `Start autonomous learning over a list of topics.

Examples:
  selftune learn start --topics android,python --cycles 1
  selftune learn start --topics "rust ownership"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		topicsStr, _ := cmd.Flags().GetString("topics")
		cycles, _ := cmd.Flags().GetInt("cycles")

		topics := splitList(topicsStr)
		if len(topics) == 0 {
			return fmt.Errorf("--topics is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/autonomous/start", api.StartRequest{Topics: topics, MaxCycles: cycles})
		if err != nil {
			return err
		}
		var p learning.Progress
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		printSuccess("Autonomous learning %s on %d topics", p.State, len(topics))
		return nil
	},
}

var learnStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop autonomous learning",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/autonomous/stop", nil)
		if err != nil {
			return err
		}
		var p learning.Progress
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		printSuccess("Autonomous learning %s", p.State)
		return nil
	},
}

var learnProgressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Show autonomous learning progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var p learning.Progress
		if err := client.getJSON(cmd.Context(), "/progress", &p); err != nil {
			return err
		}

		printStatus("State", "%s", p.State)
		if len(p.Topics) > 0 {
			printStatus("Topics", "%s", strings.Join(p.Topics, ", "))
		}
		if p.CurrentTopic != "" {
			printStatus("Current topic", "%s", p.CurrentTopic)
		}
		cycles := fmt.Sprintf("%d", p.CyclesCompleted)
		if p.MaxCycles > 0 {
			cycles += fmt.Sprintf("/%d", p.MaxCycles)
		}
		printStatus("Cycles", "%s", cycles)
		printStatus("Topics processed", "%d (%d skipped)", p.TopicsProcessed, p.TopicsSkipped)
		printStatus("Jobs submitted", "%d", p.JobsSubmitted)
		printStatus("Knowledge stored", "%d", p.KnowledgeStored)
		if p.LastError != "" {
			printStatus("Last error", "%s", colorize(colorRed, p.LastError))
		}
		return nil
	},
}

func init() {
	learnStartCmd.Flags().String("topics", "", "comma-separated topics")
	learnStartCmd.Flags().Int("cycles", 0, "passes over the topic list (0 runs until stopped)")
	learnCmd.AddCommand(learnStartCmd)
	learnCmd.AddCommand(learnStopCmd)
	learnCmd.AddCommand(learnProgressCmd)
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage training jobs",
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a manual training job",
	Long: `Queue a manual training job.

The examples file is either a JSON array of strings or JSONL with one
{"text": "..."} object per line.

Examples:
  selftune jobs submit --topic kotlin --file examples.jsonl
  selftune jobs submit --topic sql --file examples.json --priority 1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, _ := cmd.Flags().GetString("topic")
		file, _ := cmd.Flags().GetString("file")
		priority, _ := cmd.Flags().GetInt("priority")

		if topic == "" || file == "" {
			return fmt.Errorf("--topic and --file are required")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading examples: %w", err)
		}
		examples, err := parseExamples(data)
		if err != nil {
			return err
		}

		req := api.SubmitJobRequest{Topic: topic, Examples: examples}
		if priority != queue.AutoPriority {
			req.Priority = &priority
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs", req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued job %s (%d examples)", result["id"], len(examples))
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single training job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var job queue.Job
		if err := client.getJSON(cmd.Context(), "/jobs/"+url.PathEscape(args[0]), &job); err != nil {
			return err
		}
		return printJSON(job)
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued training job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Cancelled job %s", args[0])
		return nil
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued jobs and finished job history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var snap queue.Snapshot
		if err := client.getJSON(cmd.Context(), "/queue", &snap); err != nil {
			return err
		}
		var history []queue.Job
		if err := client.getJSON(cmd.Context(), fmt.Sprintf("/jobs?limit=%d", limit), &history); err != nil {
			return err
		}

		if snap.Running != nil {
			fmt.Fprintln(stdout, jobLine(*snap.Running))
		}
		for _, j := range snap.QueuedJobs {
			fmt.Fprintln(stdout, jobLine(j))
		}
		for _, j := range history {
			fmt.Fprintln(stdout, jobLine(j))
		}
		if snap.Running == nil && len(snap.QueuedJobs) == 0 && len(history) == 0 {
			fmt.Fprintln(stdout, "No jobs found.")
		}
		return nil
	},
}

func init() {
	jobsSubmitCmd.Flags().String("topic", "", "topic the examples teach")
	jobsSubmitCmd.Flags().String("file", "", "examples file (JSON array or JSONL)")
	jobsSubmitCmd.Flags().Int("priority", queue.AutoPriority, "priority, lower runs first (default: derived from topic recency)")
	jobsListCmd.Flags().Int("limit", 20, "maximum number of finished jobs to list")
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsListCmd)
}

// parseExamples accepts a JSON array of strings or JSONL objects with a
// "text" field.
func parseExamples(data []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("examples file is empty")
	}
	if trimmed[0] == '[' {
		var out []string
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("parsing examples array: %w", err)
		}
		return out, nil
	}

	var out []string
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("parsing examples line %d: %w", line, err)
		}
		out = append(out, rec.Text)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading examples: %w", err)
	}
	return out, nil
}

// --- knowledge ---

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Query learned knowledge",
}

var knowledgeSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find the best learned answer for a question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var e knowledge.Entry
		if err := client.getJSON(cmd.Context(), "/knowledge/search?q="+url.QueryEscape(query), &e); err != nil {
			return err
		}

		fmt.Fprintf(stdout, "%s [%s, score %.1f, used %d]\n",
			colorize(colorBold, e.Query), e.Category, e.QualityScore, e.UsageCount)
		fmt.Fprintln(stdout, e.Response)
		return nil
	},
}

var knowledgeStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show knowledge base statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var st coordinator.KnowledgeSnapshot
		if err := client.getJSON(cmd.Context(), "/knowledge/stats", &st); err != nil {
			return err
		}
		if st.Error != "" {
			printWarning("knowledge stats unavailable: %s", st.Error)
		}

		printStatus("Entries", "%d", st.Total)
		cats := make([]string, 0, len(st.Categories))
		for cat := range st.Categories {
			cats = append(cats, cat)
		}
		sort.Strings(cats)
		for _, cat := range cats {
			printStatus("  "+cat, "%d", st.Categories[cat])
		}
		for i, e := range st.TopUsed {
			printStatus(fmt.Sprintf("Top %d", i+1), "%s (used %d)", e.Query, e.UsageCount)
		}
		return nil
	},
}

func init() {
	knowledgeCmd.AddCommand(knowledgeSearchCmd)
	knowledgeCmd.AddCommand(knowledgeStatsCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
