package platform

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func fastPolicy(maxRestarts int) SupervisorPolicy {
	return SupervisorPolicy{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  1,
		MaxRestarts:    maxRestarts,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSupervisorRestartsFailingService(t *testing.T) {
	supervisor := NewSupervisor(fastPolicy(0), nil)
	var calls atomic.Int32
	run := func(ctx context.Context) error {
		if calls.Add(1) <= 2 {
			return errors.New("sweep failed")
		}
		<-ctx.Done()
		return ctx.Err()
	}
	if err := supervisor.Start("sweeper", run); err != nil {
		t.Fatalf("start service: %v", err)
	}
	waitFor(t, func() bool { return calls.Load() >= 3 })

	statuses := supervisor.Statuses()
	if len(statuses) != 1 || !statuses[0].Running || statuses[0].RestartCount != 2 {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}
	supervisor.StopAll()
	if len(supervisor.Services()) != 0 {
		t.Fatalf("expected no services after stop all, got=%v", supervisor.Services())
	}
}

func TestSupervisorStopsServiceByName(t *testing.T) {
	supervisor := NewSupervisor(fastPolicy(0), nil)
	stopped := make(chan struct{})
	if err := supervisor.Start("api", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return nil
	}); err != nil {
		t.Fatalf("start service: %v", err)
	}
	supervisor.Stop("api")
	select {
	case <-stopped:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected service to stop")
	}
	if len(supervisor.Services()) != 0 {
		t.Fatalf("expected no services after stop, got=%v", supervisor.Services())
	}
	supervisor.Stop("api")
}

func TestSupervisorRejectsDuplicateAndInvalidServices(t *testing.T) {
	supervisor := NewSupervisor(SupervisorPolicy{}, nil)
	defer supervisor.StopAll()
	if err := supervisor.Start("dup", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}); err != nil {
		t.Fatalf("start service: %v", err)
	}
	if err := supervisor.Start("dup", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected duplicate service name to fail")
	}
	if err := supervisor.Start("", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected empty name to fail")
	}
	if err := supervisor.Start("nil", nil); err == nil {
		t.Fatal("expected nil runner to fail")
	}
}

func TestSupervisorReportsPermanentFailure(t *testing.T) {
	supervisor := NewSupervisor(fastPolicy(1), nil)
	if err := supervisor.Start("worker", func(context.Context) error {
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("start service: %v", err)
	}
	select {
	case status := <-supervisor.Failures():
		if status.Name != "worker" || status.RestartCount != 1 || status.LastError != "boom" || !status.PermanentFailed {
			t.Fatalf("unexpected failure status: %+v", status)
		}
	case <-time.After(time.Second):
		t.Fatal("expected permanent failure")
	}
	waitFor(t, func() bool { return len(supervisor.Services()) == 0 })
	statuses := supervisor.Statuses()
	if len(statuses) != 1 || statuses[0].Running {
		t.Fatalf("expected finished status, got %+v", statuses)
	}
}

func TestSupervisorRestartPolicies(t *testing.T) {
	supervisor := NewSupervisor(fastPolicy(0), nil)
	defer supervisor.StopAll()

	var transient, temporary atomic.Int32
	if err := supervisor.StartSpec(ServiceSpec{Name: "transient", Restart: RestartTransient}, func(context.Context) error {
		transient.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("start transient: %v", err)
	}
	if err := supervisor.StartSpec(ServiceSpec{Name: "temporary", Restart: RestartTemporary}, func(context.Context) error {
		temporary.Add(1)
		return errors.New("once")
	}); err != nil {
		t.Fatalf("start temporary: %v", err)
	}
	waitFor(t, func() bool { return len(supervisor.Services()) == 0 })
	time.Sleep(10 * time.Millisecond)
	if transient.Load() != 1 || temporary.Load() != 1 {
		t.Fatalf("expected single runs, got transient=%d temporary=%d", transient.Load(), temporary.Load())
	}
}
