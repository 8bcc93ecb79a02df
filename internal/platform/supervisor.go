package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// SupervisorPolicy controls how failed services are restarted.
type SupervisorPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// MaxRestarts bounds restarts per service; 0 means unlimited.
	MaxRestarts int
}

type RestartPolicy string

const (
	// RestartPermanent restarts the service whenever it returns.
	RestartPermanent RestartPolicy = "permanent"
	// RestartTransient restarts only after an error.
	RestartTransient RestartPolicy = "transient"
	// RestartTemporary never restarts.
	RestartTemporary RestartPolicy = "temporary"
)

type ServiceSpec struct {
	Name    string
	Restart RestartPolicy
}

type ServiceStatus struct {
	Name            string        `json:"name"`
	RestartPolicy   RestartPolicy `json:"restart_policy"`
	RestartCount    int           `json:"restart_count"`
	LastError       string        `json:"last_error,omitempty"`
	PermanentFailed bool          `json:"permanent_failed"`
	Running         bool          `json:"running"`
}

func defaultSupervisorPolicy() SupervisorPolicy {
	return SupervisorPolicy{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
	}
}

func normalizeSupervisorPolicy(policy SupervisorPolicy) SupervisorPolicy {
	def := defaultSupervisorPolicy()
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = def.BackoffFactor
	}
	return policy
}

// Supervisor runs the long-lived services of a process (scheduler sweeps,
// the HTTP API, worker runners) and restarts them with backoff.
type Supervisor struct {
	policy SupervisorPolicy
	log    *slog.Logger

	mu       sync.Mutex
	services map[string]*service
	finished map[string]ServiceStatus
	failures chan ServiceStatus
}

type service struct {
	cancel context.CancelFunc
	done   chan struct{}
	spec   ServiceSpec

	restartCount    int
	lastErr         error
	permanentFailed bool
}

func NewSupervisor(policy SupervisorPolicy, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Supervisor{
		policy:   normalizeSupervisorPolicy(policy),
		log:      logger.With("component", "supervisor"),
		services: make(map[string]*service),
		finished: make(map[string]ServiceStatus),
		failures: make(chan ServiceStatus, 16),
	}
}

// Start runs a permanent service.
func (s *Supervisor) Start(name string, run func(ctx context.Context) error) error {
	return s.StartSpec(ServiceSpec{Name: name, Restart: RestartPermanent}, run)
}

func (s *Supervisor) StartSpec(spec ServiceSpec, run func(ctx context.Context) error) error {
	if spec.Name == "" {
		return errors.New("service name is required")
	}
	if run == nil {
		return errors.New("service runner is required")
	}
	switch spec.Restart {
	case RestartPermanent, RestartTransient, RestartTemporary:
	default:
		spec.Restart = RestartPermanent
	}

	s.mu.Lock()
	if _, exists := s.services[spec.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("service already running: %s", spec.Name)
	}
	delete(s.finished, spec.Name)
	ctx, cancel := context.WithCancel(context.Background())
	svc := &service{
		cancel: cancel,
		done:   make(chan struct{}),
		spec:   spec,
	}
	s.services[spec.Name] = svc
	s.mu.Unlock()

	s.log.Info("service started", "service", spec.Name)
	go s.runService(ctx, svc, run)
	return nil
}

// Failures delivers the status of every service that exhausted its restarts.
func (s *Supervisor) Failures() <-chan ServiceStatus {
	return s.failures
}

func (s *Supervisor) runService(ctx context.Context, svc *service, run func(ctx context.Context) error) {
	name := svc.spec.Name
	defer func() {
		s.mu.Lock()
		if current, ok := s.services[name]; ok && current == svc {
			s.finished[name] = statusOf(svc, false)
			delete(s.services, name)
		}
		s.mu.Unlock()
		close(svc.done)
	}()

	backoff := s.policy.InitialBackoff
	for {
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}
		if !shouldRestart(svc.spec.Restart, err) {
			if err != nil {
				s.mu.Lock()
				svc.lastErr = err
				s.mu.Unlock()
				s.log.Warn("service exited", "service", name, "error", err)
			}
			return
		}

		s.mu.Lock()
		svc.lastErr = err
		restarts := svc.restartCount
		s.mu.Unlock()
		if s.policy.MaxRestarts > 0 && restarts >= s.policy.MaxRestarts {
			s.mu.Lock()
			svc.permanentFailed = true
			status := statusOf(svc, false)
			s.mu.Unlock()
			s.log.Error("service failed permanently", "service", name, "restarts", restarts, "error", err)
			select {
			case s.failures <- status:
			default:
			}
			return
		}

		s.mu.Lock()
		svc.restartCount++
		restarts = svc.restartCount
		s.mu.Unlock()
		s.log.Warn("restarting service", "service", name, "restart", restarts, "backoff", backoff, "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		next := time.Duration(float64(backoff) * s.policy.BackoffFactor)
		if next > s.policy.MaxBackoff {
			next = s.policy.MaxBackoff
		}
		backoff = next
	}
}

func shouldRestart(policy RestartPolicy, err error) bool {
	switch policy {
	case RestartTransient:
		return err != nil
	case RestartTemporary:
		return false
	default:
		return true
	}
}

func statusOf(svc *service, running bool) ServiceStatus {
	status := ServiceStatus{
		Name:            svc.spec.Name,
		RestartPolicy:   svc.spec.Restart,
		RestartCount:    svc.restartCount,
		PermanentFailed: svc.permanentFailed,
		Running:         running,
	}
	if svc.lastErr != nil {
		status.LastError = svc.lastErr.Error()
	}
	return status
}

// Stop cancels one service and waits for it to return.
func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	svc, ok := s.services[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	svc.cancel()
	<-svc.done
}

// StopAll cancels every service and waits for all of them to return.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	services := make([]*service, 0, len(s.services))
	for _, svc := range s.services {
		services = append(services, svc)
	}
	s.mu.Unlock()

	for _, svc := range services {
		svc.cancel()
	}
	for _, svc := range services {
		<-svc.done
	}
	if len(services) > 0 {
		s.log.Info("all services stopped", "count", len(services))
	}
}

// Services returns the names of running services.
func (s *Supervisor) Services() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Statuses reports running and finished services sorted by name.
func (s *Supervisor) Statuses() []ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ServiceStatus, 0, len(s.services)+len(s.finished))
	for _, svc := range s.services {
		out = append(out, statusOf(svc, true))
	}
	for name, status := range s.finished {
		if _, running := s.services[name]; running {
			continue
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
