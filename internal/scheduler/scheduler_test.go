package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"neurofleet/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newTestScheduler(clock *fakeClock) *Scheduler {
	seq := 0
	return New(Config{
		StalledAfter: time.Minute,
		StaleAfter:   30 * time.Second,
		Clock:        clock.Now,
		NewID: func() string {
			seq++
			return fmt.Sprintf("job-%02d", seq)
		},
	})
}

func TestEachJobAssignedToDistinctNode(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(clock)
	for i := 0; i < 4; i++ {
		if _, err := s.Register(fmt.Sprintf("node-%d", i), nil); err != nil {
			t.Fatalf("register: %v", err)
		}
		clock.Advance(time.Millisecond)
	}

	for i := 0; i < 4; i++ {
		if _, err := s.Submit(map[string]any{"n": i}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	seen := map[string]string{}
	for _, job := range s.Jobs() {
		if job.Status != model.JobRunning || job.Attempts != 1 {
			t.Fatalf("expected job %s running once, got %s attempts=%d", job.ID, job.Status, job.Attempts)
		}
		if other, dup := seen[job.AssignedNode]; dup {
			t.Fatalf("node %s holds both %s and %s", job.AssignedNode, other, job.ID)
		}
		seen[job.AssignedNode] = job.ID
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 distinct nodes, got %d", len(seen))
	}
	for _, node := range s.Nodes() {
		if node.Status != model.NodeOnline || node.ActiveJobID == "" {
			t.Fatalf("expected node %s busy, got %+v", node.Name, node)
		}
	}
}

func TestAssignmentPrefersLeastRecentHeartbeat(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(clock)
	if _, err := s.Register("b", nil); err != nil {
		t.Fatalf("register b: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := s.Register("a", nil); err != nil {
		t.Fatalf("register a: %v", err)
	}

	job, err := s.Submit(nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.AssignedNode != "b" {
		t.Fatalf("expected least-recent node b, got %q", job.AssignedNode)
	}

	// Equal heartbeats fall back to name order.
	s2 := newTestScheduler(newFakeClock())
	s2.Register("z", nil)
	s2.Register("y", nil)
	job, err = s2.Submit(nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.AssignedNode != "y" {
		t.Fatalf("expected name tiebreak y, got %q", job.AssignedNode)
	}
}

func TestOldestPendingJobAssignedFirst(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(clock)
	first, _ := s.Submit(nil)
	clock.Advance(time.Second)
	s.Submit(nil)

	if st := s.Stats(); !st.Exhausted || st.Jobs[model.JobPending] != 2 {
		t.Fatalf("expected exhausted scheduler with 2 pending jobs, got %+v", st)
	}

	s.Register("only", nil)
	job, err := s.Job(first.ID)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.Status != model.JobRunning || job.AssignedNode != "only" {
		t.Fatalf("expected oldest job on node only, got %+v", job)
	}
	if st := s.Stats(); !st.Exhausted {
		t.Fatal("expected scheduler to stay exhausted with one job left pending")
	}
}

func TestStalledJobResetAndReassigned(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(clock)
	s.Register("slow", nil)
	job, _ := s.Submit(nil)
	if job.AssignedNode != "slow" {
		t.Fatalf("expected assignment to slow, got %q", job.AssignedNode)
	}

	// slow keeps heartbeating but never reports; fast joins while slow is busy.
	clock.Advance(20 * time.Second)
	s.Heartbeat("slow", nil)
	s.Register("fast", nil)
	clock.Advance(20 * time.Second)
	s.Heartbeat("slow", nil)
	clock.Advance(25 * time.Second)
	s.Heartbeat("fast", nil)

	if n := s.SweepStalled(clock.Now()); n != 1 {
		t.Fatalf("expected 1 stalled job, got %d", n)
	}
	got, _ := s.Job(job.ID)
	if got.Status != model.JobRunning || got.Attempts != 2 {
		t.Fatalf("expected job reassigned in the same pass, got %+v", got)
	}
	if got.AssignedNode != "fast" {
		t.Fatalf("expected stalled job moved to fast, got %q", got.AssignedNode)
	}
	node, _ := s.Node("slow")
	if node.Status != model.NodeOnline || node.StalledJobID != job.ID || node.ActiveJobID != "" {
		t.Fatalf("expected slow held back after the stall, got %+v", node)
	}

	// Heartbeats alone do not make slow available again.
	clock.Advance(5 * time.Second)
	s.Heartbeat("slow", nil)
	next, _ := s.Submit(nil)
	if next.Status != model.JobPending {
		t.Fatalf("expected second job to wait, got %+v", next)
	}

	// The late report from slow is accepted and frees it.
	done, err := s.ReportResult(job.ID, "slow", map[string]any{"fitness": 1.0})
	if err != nil {
		t.Fatalf("late report: %v", err)
	}
	if done.Status != model.JobCompleted {
		t.Fatalf("expected completed job, got %+v", done)
	}
	node, _ = s.Node("slow")
	if node.StalledJobID != "" {
		t.Fatalf("expected slow released after reporting, got %+v", node)
	}
	next, _ = s.Job(next.ID)
	if next.Status != model.JobRunning {
		t.Fatalf("expected second job assigned once nodes freed, got %+v", next)
	}
}

func TestHungNodeDoesNotReclaimStalledJob(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(clock)
	s.Register("hung", nil)
	job, _ := s.Submit(nil)
	if job.AssignedNode != "hung" {
		t.Fatalf("expected assignment to hung, got %q", job.AssignedNode)
	}
	clock.Advance(time.Second)
	s.Register("healthy", nil)

	// Both nodes heartbeat every 5s with hung always first, so hung has the
	// least recent heartbeat whenever a sweep runs.
	beat := func(rounds int) {
		for i := 0; i < rounds; i++ {
			clock.Advance(2 * time.Second)
			s.Heartbeat("hung", nil)
			clock.Advance(3 * time.Second)
			s.Heartbeat("healthy", nil)
		}
		s.SweepStale(clock.Now())
		s.SweepStalled(clock.Now())
	}

	beat(13)
	got, _ := s.Job(job.ID)
	if got.Status != model.JobRunning || got.AssignedNode != "healthy" {
		t.Fatalf("expected stalled job moved to healthy, got %+v", got)
	}

	current := got
	for round := 0; round < 4; round++ {
		if _, err := s.ReportResult(current.ID, "healthy", nil); err != nil {
			t.Fatalf("round %d: report: %v", round, err)
		}
		next, err := s.Submit(nil)
		if err != nil {
			t.Fatalf("round %d: submit: %v", round, err)
		}
		if next.AssignedNode != "healthy" {
			t.Fatalf("round %d: expected healthy to take new work, got %+v", round, next)
		}
		beat(6)
		hung, _ := s.Node("hung")
		if hung.ActiveJobID != "" || hung.StalledJobID != job.ID {
			t.Fatalf("round %d: expected hung held back, got %+v", round, hung)
		}
		current = next
	}

	// A fresh registration, such as a restarted runner, releases the node.
	if _, err := s.Register("hung", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	hung, _ := s.Node("hung")
	if hung.StalledJobID != "" || hung.Status != model.NodeIdle {
		t.Fatalf("expected hung idle after registering, got %+v", hung)
	}
}

func TestStaleNodeMarkedOfflineAndJobReset(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(clock)
	s.Register("gone", nil)
	job, _ := s.Submit(nil)

	clock.Advance(10 * time.Second)
	s.Register("alive", nil)
	clock.Advance(25 * time.Second)
	s.Heartbeat("alive", nil)

	if n := s.SweepStale(clock.Now()); n != 1 {
		t.Fatalf("expected one lost node, got %d", n)
	}
	gone, _ := s.Node("gone")
	if gone.Status != model.NodeOffline || gone.ActiveJobID != "" {
		t.Fatalf("expected gone offline and free, got %+v", gone)
	}
	got, _ := s.Job(job.ID)
	if got.AssignedNode != "alive" || got.Status != model.JobRunning {
		t.Fatalf("expected job moved to alive, got %+v", got)
	}

	// A heartbeat brings the node back.
	node, err := s.Heartbeat("gone", map[string]any{"cpus": 4})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if node.Status != model.NodeIdle || node.Info["cpus"] != 4 {
		t.Fatalf("expected gone to rejoin idle with info, got %+v", node)
	}
}

func TestReportResultFreesNode(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(clock)
	s.Register("w", nil)
	job, _ := s.Submit(map[string]any{"genotype": "g1"})

	done, err := s.ReportResult(job.ID, "w", map[string]any{"fitness": 0.5})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if done.Status != model.JobCompleted || done.Results["fitness"] != 0.5 {
		t.Fatalf("unexpected completed job: %+v", done)
	}
	node, _ := s.Node("w")
	if node.Status != model.NodeIdle || node.ActiveJobID != "" {
		t.Fatalf("expected node idle, got %+v", node)
	}

	if _, err := s.ReportResult(job.ID, "w", nil); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("expected ErrJobTerminal, got %v", err)
	}
	if _, err := s.ReportFailure("missing", "w", "boom"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestLateResultAcceptedAfterReset(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(clock)
	s.Register("first", nil)
	job, _ := s.Submit(nil)

	clock.Advance(10 * time.Second)
	s.Register("second", nil)
	clock.Advance(25 * time.Second)
	s.Heartbeat("second", nil)
	s.SweepStale(clock.Now())

	got, _ := s.Job(job.ID)
	if got.AssignedNode != "second" {
		t.Fatalf("expected reassignment to second, got %q", got.AssignedNode)
	}

	done, err := s.ReportResult(job.ID, "first", map[string]any{"fitness": 1.0})
	if err != nil {
		t.Fatalf("late report: %v", err)
	}
	if done.Status != model.JobCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	second, _ := s.Node("second")
	if second.ActiveJobID != "" {
		t.Fatalf("expected second freed, got %+v", second)
	}
	if _, err := s.ReportResult(job.ID, "second", map[string]any{"fitness": 2.0}); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("expected duplicate report rejected, got %v", err)
	}
}

func TestAwaitReleasesWhenAllTerminal(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(clock)
	s.Register("a", nil)
	s.Register("b", nil)
	j1, _ := s.Submit(nil)
	j2, _ := s.Submit(nil)

	type result struct {
		jobs map[string]model.Job
		err  error
	}
	out := make(chan result, 1)
	go func() {
		jobs, err := s.Await(context.Background(), []string{j1.ID, j2.ID})
		out <- result{jobs, err}
	}()

	if _, err := s.ReportResult(j1.ID, j1.AssignedNode, map[string]any{"fitness": 1.0}); err != nil {
		t.Fatalf("report j1: %v", err)
	}
	select {
	case <-out:
		t.Fatal("await returned before every job was terminal")
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := s.ReportFailure(j2.ID, j2.AssignedNode, "crashed"); err != nil {
		t.Fatalf("report j2: %v", err)
	}
	select {
	case r := <-out:
		if r.err != nil {
			t.Fatalf("await: %v", r.err)
		}
		if r.jobs[j1.ID].Status != model.JobCompleted || r.jobs[j2.ID].Status != model.JobFailed {
			t.Fatalf("unexpected await result: %+v", r.jobs)
		}
	case <-time.After(time.Second):
		t.Fatal("await did not return")
	}

	s.Release(j1.ID, j2.ID)
	if _, err := s.Job(j1.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected released job gone, got %v", err)
	}
}

func TestReleaseRunningJobHoldsNodeUntilReport(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(clock)
	s.Register("busy", nil)
	job, _ := s.Submit(nil)
	if job.AssignedNode != "busy" {
		t.Fatalf("expected assignment to busy, got %q", job.AssignedNode)
	}

	s.Release(job.ID)
	if _, err := s.Job(job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected released job gone, got %v", err)
	}
	node, _ := s.Node("busy")
	if node.ActiveJobID != "" || node.StalledJobID != job.ID {
		t.Fatalf("expected busy held on the released job, got %+v", node)
	}

	next, _ := s.Submit(nil)
	if next.Status != model.JobPending {
		t.Fatalf("expected new job to wait for busy, got %+v", next)
	}

	if _, err := s.ReportResult(job.ID, "busy", nil); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound for released job, got %v", err)
	}
	next, _ = s.Job(next.ID)
	if next.Status != model.JobRunning || next.AssignedNode != "busy" {
		t.Fatalf("expected busy to take the new job after reporting, got %+v", next)
	}
}

func TestAwaitHonorsContext(t *testing.T) {
	s := newTestScheduler(newFakeClock())
	job, _ := s.Submit(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Await(ctx, []string{job.ID}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWaitAssignmentWakesOnSubmit(t *testing.T) {
	s := newTestScheduler(newFakeClock())
	s.Register("w", nil)

	got := make(chan model.Job, 1)
	go func() {
		job, err := s.WaitAssignment(context.Background(), "w")
		if err == nil {
			got <- job
		}
	}()
	time.Sleep(10 * time.Millisecond)

	submitted, _ := s.Submit(map[string]any{"k": "v"})
	select {
	case job := <-got:
		if job.ID != submitted.ID || job.Config["k"] != "v" {
			t.Fatalf("unexpected assignment: %+v", job)
		}
	case <-time.After(time.Second):
		t.Fatal("worker was not woken")
	}

	if _, err := s.WaitAssignment(context.Background(), "nobody"); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{
		StaleAfter:    time.Second,
		SweepInterval: time.Millisecond,
		Clock:         clock.Now,
	})
	s.Register("w", nil)
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if node, _ := s.Node("w"); node.Status == model.NodeOffline {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if node, _ := s.Node("w"); node.Status != model.NodeOffline {
		t.Fatalf("expected sweep to mark w offline, got %s", node.Status)
	}
}
