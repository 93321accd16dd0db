// Package learning turns topics into training jobs: it fetches material,
// scores it, submits the good parts for training and remembers them.
package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/selftune/internal/fetch"
	"github.com/kalambet/selftune/internal/knowledge"
	"github.com/kalambet/selftune/internal/metrics"
	"github.com/kalambet/selftune/internal/queue"
)

var (
	ErrAlreadyRunning = errors.New("autonomous learning is already running")
	ErrNoTopics       = errors.New("no topics given")
	// ErrShutdownTimeout means the loop did not reach Idle within the stop
	// timeout. The loop keeps winding down in the background.
	ErrShutdownTimeout = errors.New("autonomous learning did not stop in time")
)

type State int

const (
	Idle State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = Idle
	case "running":
		*s = Running
	case "stopping":
		*s = Stopping
	default:
		return fmt.Errorf("unknown learning state %q", b)
	}
	return nil
}

// Fetcher returns text chunks about a topic. Errors wrapping
// fetch.ErrTransient skip the topic.
type Fetcher interface {
	Fetch(ctx context.Context, topic string) ([]string, error)
}

type Scorer interface {
	Score(text string) float64
}

// Submitter enqueues training work without running it.
type Submitter interface {
	Submit(topic string, examples []string, priority int) (string, error)
}

type Learner interface {
	Learn(ctx context.Context, c knowledge.Candidate) (bool, error)
}

type Options struct {
	// TopicDelay is the pause between topics. Defaults to 3s.
	TopicDelay time.Duration
	// StopTimeout bounds how long Stop waits for Idle. Defaults to 10s.
	StopTimeout time.Duration
	// Threshold is the minimum score, both for the topic aggregate and for
	// an individual example. Defaults to knowledge.DefaultLearnThreshold.
	Threshold float64
	// MinChunkChars drops fetched chunks shorter than this. Defaults to 100.
	MinChunkChars int
	// MaxExamples caps candidates per topic. Defaults to 8.
	MaxExamples int
	// QueryTemplate builds the instruction for a candidate; %s is the
	// subject. Defaults to "How to implement %s?".
	QueryTemplate string
}

// Progress is a snapshot of the loop.
type Progress struct {
	State           State      `json:"state"`
	Topics          []string   `json:"topics,omitempty"`
	CurrentTopic    string     `json:"current_topic,omitempty"`
	MaxCycles       int        `json:"max_cycles"`
	CyclesCompleted int        `json:"cycles_completed"`
	TopicsProcessed int        `json:"topics_processed"`
	TopicsSkipped   int        `json:"topics_skipped"`
	JobsSubmitted   int        `json:"jobs_submitted"`
	KnowledgeStored int        `json:"knowledge_stored"`
	LastJobID       string     `json:"last_job_id,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
}

// Loop is the autonomous learning state machine:
// Idle -> Running -> Stopping -> Idle.
type Loop struct {
	fetcher   Fetcher
	scorer    Scorer
	submitter Submitter
	learner   Learner
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	progress Progress
	stop     chan struct{}
	done     chan struct{}
}

func New(f Fetcher, s Scorer, sub Submitter, l Learner, opts Options) *Loop {
	if opts.TopicDelay <= 0 {
		opts.TopicDelay = 3 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.Threshold <= 0 {
		opts.Threshold = knowledge.DefaultLearnThreshold
	}
	if opts.MinChunkChars <= 0 {
		opts.MinChunkChars = 100
	}
	if opts.MaxExamples <= 0 {
		opts.MaxExamples = 8
	}
	if opts.QueryTemplate == "" {
		opts.QueryTemplate = "How to implement %s?"
	}
	return &Loop{
		fetcher:   f,
		scorer:    s,
		submitter: sub,
		learner:   l,
		opts:      opts,
		logger:    slog.Default(),
	}
}

// Start iterates topics in order, wrapping around, for maxCycles passes
// (forever when maxCycles <= 0). It returns immediately; the work runs on
// its own goroutine.
func (l *Loop) Start(topics []string, maxCycles int) error {
	var clean []string
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	if len(clean) == 0 {
		return ErrNoTopics
	}

	l.mu.Lock()
	if l.progress.State != Idle {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	now := time.Now()
	l.progress = Progress{
		State:     Running,
		Topics:    clean,
		MaxCycles: maxCycles,
		StartedAt: &now,
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	l.stop, l.done = stop, done
	l.mu.Unlock()

	l.logger.Info("autonomous learning started", "topics", len(clean), "max_cycles", maxCycles)
	go l.run(clean, maxCycles, stop, done)
	return nil
}

// Stop asks the loop to finish and waits for it to reach Idle. An in-flight
// fetch is allowed to complete. Stop on an idle loop is a no-op.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if l.progress.State == Idle {
		l.mu.Unlock()
		return nil
	}
	if l.progress.State == Running {
		l.progress.State = Stopping
		close(l.stop)
	}
	done := l.done
	l.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(l.opts.StopTimeout):
		l.logger.Error("autonomous learning did not stop in time", "timeout", l.opts.StopTimeout)
		return ErrShutdownTimeout
	}
}

// Progress returns a snapshot of the loop.
func (l *Loop) Progress() Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.progress
	p.Topics = append([]string(nil), l.progress.Topics...)
	if l.progress.StartedAt != nil {
		t := *l.progress.StartedAt
		p.StartedAt = &t
	}
	return p
}

func (l *Loop) run(topics []string, maxCycles int, stop, done chan struct{}) {
	defer close(done)
	defer func() {
		l.mu.Lock()
		l.progress.State = Idle
		l.progress.CurrentTopic = ""
		l.mu.Unlock()
		l.logger.Info("autonomous learning stopped")
	}()

	// Stop is observed between steps only, so in-flight fetches finish.
	ctx := context.Background()

	for cycle := 0; maxCycles <= 0 || cycle < maxCycles; cycle++ {
		for i, topic := range topics {
			if stopped(stop) {
				return
			}
			l.processTopic(ctx, topic)

			lastStep := maxCycles > 0 && cycle == maxCycles-1 && i == len(topics)-1
			if lastStep {
				break
			}
			select {
			case <-stop:
				return
			case <-time.After(l.opts.TopicDelay):
			}
		}
		l.mu.Lock()
		l.progress.CyclesCompleted++
		l.mu.Unlock()
	}
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (l *Loop) processTopic(ctx context.Context, topic string) {
	l.update(func(p *Progress) { p.CurrentTopic = topic })
	log := l.logger.With("topic", topic)

	chunks, err := l.fetcher.Fetch(ctx, topic)
	if err != nil {
		if errors.Is(err, fetch.ErrTransient) {
			log.Warn("fetch failed, skipping topic", "error", err)
		} else {
			log.Error("fetch failed, skipping topic", "error", err)
		}
		l.skip(err.Error())
		return
	}

	cands := l.candidates(topic, chunks)
	if len(cands) == 0 {
		log.Info("no usable content, skipping topic", "chunks", len(chunks))
		l.skip("")
		return
	}

	var sum float64
	for i := range cands {
		cands[i].Score = l.scorer.Score(cands[i].Response)
		sum += cands[i].Score
	}
	aggregate := sum / float64(len(cands))
	if aggregate < l.opts.Threshold {
		log.Info("content below quality threshold", "aggregate", aggregate, "threshold", l.opts.Threshold)
		metrics.TopicsProcessed.WithLabelValues("below_threshold").Inc()
		l.update(func(p *Progress) { p.TopicsProcessed++ })
		return
	}

	var accepted []knowledge.Candidate
	var examples []string
	for _, c := range cands {
		if c.Score >= l.opts.Threshold {
			accepted = append(accepted, c)
			examples = append(examples, FormatExample(c.Query, c.Response))
		}
	}

	id, err := l.submitter.Submit(topic, examples, queue.AutoPriority)
	if err != nil {
		log.Warn("could not submit training job", "error", err)
		metrics.TopicsProcessed.WithLabelValues("failed").Inc()
		l.update(func(p *Progress) {
			p.TopicsProcessed++
			p.LastError = err.Error()
		})
		return
	}

	stored := 0
	for _, c := range accepted {
		ok, err := l.learner.Learn(ctx, c)
		if err != nil {
			log.Warn("could not store knowledge", "error", err)
			continue
		}
		if ok {
			stored++
		}
	}

	log.Info("training job submitted", "job_id", id, "examples", len(examples), "aggregate", aggregate, "knowledge_stored", stored)
	metrics.TopicsProcessed.WithLabelValues("submitted").Inc()
	l.update(func(p *Progress) {
		p.TopicsProcessed++
		p.JobsSubmitted++
		p.KnowledgeStored += stored
		p.LastJobID = id
	})
}

func (l *Loop) skip(reason string) {
	metrics.TopicsProcessed.WithLabelValues("skipped").Inc()
	l.update(func(p *Progress) {
		p.TopicsSkipped++
		if reason != "" {
			p.LastError = reason
		}
	})
}

func (l *Loop) update(fn func(*Progress)) {
	l.mu.Lock()
	fn(&l.progress)
	l.mu.Unlock()
}

// candidates turns fetched chunks into query/response pairs. A chunk that
// opens with a heading gets a query about that heading.
func (l *Loop) candidates(topic string, chunks []string) []knowledge.Candidate {
	var out []knowledge.Candidate
	for _, chunk := range chunks {
		chunk = strings.TrimSpace(chunk)
		if len([]rune(chunk)) < l.opts.MinChunkChars {
			continue
		}
		subject := topic
		if h := leadingHeading(chunk); h != "" && !strings.EqualFold(h, topic) {
			subject = topic + " " + h
		}
		out = append(out, knowledge.Candidate{
			Query:    fmt.Sprintf(l.opts.QueryTemplate, subject),
			Response: chunk,
		})
		if len(out) == l.opts.MaxExamples {
			break
		}
	}
	return out
}

func leadingHeading(chunk string) string {
	line, _, _ := strings.Cut(chunk, "\n")
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "#") {
		return ""
	}
	return strings.TrimSpace(strings.TrimLeft(line, "#"))
}

// FormatExample renders one instruction/response training sample.
func FormatExample(query, response string) string {
	return "### Instruction:\n" + query + "\n\n### Response:\n" + response
}
