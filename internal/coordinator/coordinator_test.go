package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/selftune/internal/knowledge"
	"github.com/kalambet/selftune/internal/learning"
	"github.com/kalambet/selftune/internal/monitor"
	"github.com/kalambet/selftune/internal/queue"
	"github.com/kalambet/selftune/internal/storage"
)

type stubTrainer struct{}

func (stubTrainer) Train(ctx context.Context, job queue.Job) (queue.Result, error) {
	return queue.Result{FinalLoss: 0.25, ArtifactsPath: "/models/" + job.Topic}, nil
}

type mockMonitor struct {
	runs int32
}

func (m *mockMonitor) Run(ctx context.Context) {
	atomic.AddInt32(&m.runs, 1)
	<-ctx.Done()
}

func (m *mockMonitor) Status() monitor.Status {
	return monitor.Status{Level: monitor.Warning}
}

type mockLoop struct {
	stopErr error
	stops   int32
	startFn func(topics []string, maxCycles int) error
}

func (m *mockLoop) Start(topics []string, maxCycles int) error {
	if m.startFn != nil {
		return m.startFn(topics, maxCycles)
	}
	return nil
}

func (m *mockLoop) Stop() error {
	atomic.AddInt32(&m.stops, 1)
	return m.stopErr
}

func (m *mockLoop) Progress() learning.Progress {
	return learning.Progress{State: learning.Idle}
}

type mockKnowledge struct {
	cleanups int32
	statsErr error
}

func (m *mockKnowledge) Search(ctx context.Context, query string) (knowledge.Entry, error) {
	return knowledge.Entry{}, knowledge.ErrNotFound
}

func (m *mockKnowledge) Stats(ctx context.Context, topN int) (knowledge.Stats, error) {
	if m.statsErr != nil {
		return knowledge.Stats{}, m.statsErr
	}
	return knowledge.Stats{Total: 3, Categories: map[string]int{"python": 3}}, nil
}

func (m *mockKnowledge) Cleanup(ctx context.Context, retention time.Duration, usageFloor int) (int, error) {
	atomic.AddInt32(&m.cleanups, 1)
	return 0, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func runCoordinator(t *testing.T, c *Coordinator) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestManualJobRunsAndStaysReadable(t *testing.T) {
	store := openTestStore(t)
	q := queue.New(stubTrainer{}, queue.Options{
		Recorder:     queue.StorageRecorder{Store: store},
		PollInterval: 5 * time.Millisecond,
	})
	loop := &mockLoop{}
	c := New(Deps{Queue: q, Loop: loop, History: store}, Options{})
	stop := runCoordinator(t, c)

	id, err := c.SubmitManualJob("sqlite", []string{"example"}, 2)
	if err != nil {
		t.Fatalf("SubmitManualJob: %v", err)
	}
	waitFor(t, "job completion", func() bool { return c.QueueStatus().Completed == 1 })

	// The first read evicts the job from the queue; later reads come from history.
	for i := 0; i < 2; i++ {
		j, err := c.Job(context.Background(), id)
		if err != nil {
			t.Fatalf("Job read %d: %v", i, err)
		}
		if j.Status != queue.StatusCompleted || j.Result == nil || j.Result.ArtifactsPath != "/models/sqlite" {
			t.Errorf("Job read %d = %+v", i, j)
		}
	}
	if _, err := c.Job(context.Background(), "unknown"); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("Job(unknown) error = %v, want ErrNotFound", err)
	}

	hist, err := c.JobHistory(context.Background(), 10)
	if err != nil || len(hist) != 1 || hist[0].ID != id {
		t.Errorf("JobHistory = %+v, %v", hist, err)
	}

	if err := stop(); err != nil {
		t.Errorf("Run returned %v", err)
	}
	if n := atomic.LoadInt32(&loop.stops); n != 1 {
		t.Errorf("loop stopped %d times on shutdown, want 1", n)
	}
}

func TestCancelJobDelegatesToQueue(t *testing.T) {
	q := queue.New(stubTrainer{}, queue.Options{})
	c := New(Deps{Queue: q, Loop: &mockLoop{}}, Options{})

	id, _ := c.SubmitManualJob("go", []string{"x"}, 1)
	if err := c.CancelJob(id); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if err := c.CancelJob(id); !errors.Is(err, queue.ErrNotCancellable) {
		t.Errorf("second CancelJob error = %v, want ErrNotCancellable", err)
	}
	if st := c.QueueStatus(); st.Cancelled != 1 {
		t.Errorf("Cancelled = %d, want 1", st.Cancelled)
	}
}

func TestRunSurfacesShutdownTimeout(t *testing.T) {
	q := queue.New(stubTrainer{}, queue.Options{})
	mon := &mockMonitor{}
	c := New(Deps{Queue: q, Monitor: mon, Loop: &mockLoop{stopErr: learning.ErrShutdownTimeout}}, Options{})
	stop := runCoordinator(t, c)

	waitFor(t, "monitor start", func() bool { return atomic.LoadInt32(&mon.runs) == 1 })
	if err := stop(); !errors.Is(err, learning.ErrShutdownTimeout) {
		t.Errorf("Run error = %v, want ErrShutdownTimeout", err)
	}
}

func TestAlertsKeepMostRecent(t *testing.T) {
	ch := make(chan monitor.Alert, 16)
	sink := AlertSink(ch)
	c := New(Deps{Queue: queue.New(stubTrainer{}, queue.Options{}), Loop: &mockLoop{}, Alerts: ch}, Options{MaxAlerts: 3})
	stop := runCoordinator(t, c)

	for i := 0; i < 5; i++ {
		sink(monitor.Alert{FreedBytes: uint64(i)})
	}
	waitFor(t, "alerts", func() bool {
		a := c.Alerts()
		return len(a) == 3 && a[2].FreedBytes == 4
	})
	if a := c.Alerts(); a[0].FreedBytes != 2 {
		t.Errorf("oldest kept alert = %d, want 2", a[0].FreedBytes)
	}
	stop()
}

func TestAlertSinkNeverBlocks(t *testing.T) {
	ch := make(chan monitor.Alert, 1)
	sink := AlertSink(ch)
	done := make(chan struct{})
	go func() {
		sink(monitor.Alert{})
		sink(monitor.Alert{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AlertSink blocked on a full channel")
	}
}

func TestSweepPurgesPeriodically(t *testing.T) {
	kb := &mockKnowledge{}
	c := New(Deps{Queue: queue.New(stubTrainer{}, queue.Options{}), Loop: &mockLoop{}, Knowledge: kb},
		Options{SweepInterval: 5 * time.Millisecond, Retention: time.Hour})
	stop := runCoordinator(t, c)

	waitFor(t, "sweeps", func() bool { return atomic.LoadInt32(&kb.cleanups) >= 3 })
	stop()
}

func TestKnowledgeStatsNeverFails(t *testing.T) {
	kb := &mockKnowledge{statsErr: errors.New("database is locked")}
	c := New(Deps{Queue: queue.New(stubTrainer{}, queue.Options{}), Loop: &mockLoop{}, Knowledge: kb}, Options{})

	st := c.KnowledgeStats(context.Background())
	if st.Error != "database is locked" || st.Total != 0 || st.Categories == nil {
		t.Errorf("KnowledgeStats = %+v", st)
	}

	kb.statsErr = nil
	st = c.KnowledgeStats(context.Background())
	if st.Error != "" || st.Total != 3 || st.Categories["python"] != 3 {
		t.Errorf("KnowledgeStats = %+v", st)
	}
}

func TestStartAutonomousDelegates(t *testing.T) {
	var got []string
	loop := &mockLoop{startFn: func(topics []string, maxCycles int) error {
		got = topics
		return learning.ErrAlreadyRunning
	}}
	c := New(Deps{Queue: queue.New(stubTrainer{}, queue.Options{}), Loop: loop, Monitor: &mockMonitor{}}, Options{})

	if err := c.StartAutonomous([]string{"android"}, 1); !errors.Is(err, learning.ErrAlreadyRunning) {
		t.Errorf("StartAutonomous error = %v", err)
	}
	if len(got) != 1 || got[0] != "android" {
		t.Errorf("loop got topics %v", got)
	}
	if c.MonitorStatus().Level != monitor.Warning {
		t.Error("MonitorStatus not delegated")
	}
	if _, err := c.SearchKnowledge(context.Background(), "x"); !errors.Is(err, knowledge.ErrNotFound) {
		t.Errorf("SearchKnowledge without a store error = %v", err)
	}
}
