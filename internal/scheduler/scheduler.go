// Package scheduler dispatches evaluation jobs to worker nodes. It owns the
// node registry and the job table; both are mutated only under one mutex.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"neurofleet/internal/metrics"
	"neurofleet/internal/model"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrJobTerminal        = errors.New("job already terminal")
	ErrUnknownNode        = errors.New("unknown node")
	ErrNodeLost           = errors.New("node lost")
	ErrSchedulerExhausted = errors.New("scheduler exhausted")
)

const (
	DefaultStalledAfter  = 5 * time.Minute
	DefaultStaleAfter    = 30 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

type Config struct {
	// StalledAfter is how long a running job may go without an update before
	// it is returned to pending.
	StalledAfter time.Duration
	// StaleAfter is how long a node may go without a heartbeat before it is
	// marked offline.
	StaleAfter    time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	NewID         func() string
	Logger        *slog.Logger
}

// Stats counts jobs and nodes by status.
type Stats struct {
	Jobs      map[model.JobStatus]int  `json:"jobs"`
	Nodes     map[model.NodeStatus]int `json:"nodes"`
	Exhausted bool                     `json:"exhausted"`
}

type Scheduler struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	nodes     map[string]*model.Node
	jobs      map[string]*model.Job
	assigned  map[string]time.Time
	wake      map[string]chan struct{}
	done      chan struct{}
	exhausted bool
}

func New(cfg Config) *Scheduler {
	if cfg.StalledAfter <= 0 {
		cfg.StalledAfter = DefaultStalledAfter
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = model.NewID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Scheduler{
		cfg:      cfg,
		log:      logger.With("component", "scheduler"),
		nodes:    make(map[string]*model.Node),
		jobs:     make(map[string]*model.Job),
		assigned: make(map[string]time.Time),
		wake:     make(map[string]chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register creates or refreshes a node and marks it available.
func (s *Scheduler) Register(name string, info map[string]any) (model.Node, error) {
	if name == "" {
		return model.Node{}, errors.New("node name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	node := s.touchLocked(name, info)
	if node.StalledJobID != "" {
		node.StalledJobID = ""
		if node.ActiveJobID == "" {
			node.Status = model.NodeIdle
		}
	}
	s.log.Info("node registered", "node", name)
	s.assignLocked()
	return *cloneNode(node), nil
}

// Heartbeat refreshes a node's liveness. Unknown nodes are created and
// offline nodes rejoin.
func (s *Scheduler) Heartbeat(name string, info map[string]any) (model.Node, error) {
	if name == "" {
		return model.Node{}, errors.New("node name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	node := s.touchLocked(name, info)
	s.assignLocked()
	return *cloneNode(node), nil
}

func (s *Scheduler) touchLocked(name string, info map[string]any) *model.Node {
	now := s.cfg.Clock()
	node, ok := s.nodes[name]
	if !ok {
		node = &model.Node{Name: name}
		s.nodes[name] = node
	}
	if node.Status == model.NodeOffline {
		s.log.Info("node rejoined", "node", name)
	}
	node.LastHeartbeat = now
	if info != nil {
		node.Info = cloneMap(info)
	}
	if node.ActiveJobID == "" && node.StalledJobID == "" {
		node.Status = model.NodeIdle
	} else {
		node.Status = model.NodeOnline
	}
	return node
}

// Submit adds a pending job and runs an assignment pass.
func (s *Scheduler) Submit(config map[string]any) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock()
	job := &model.Job{
		ID:        s.cfg.NewID(),
		Config:    cloneMap(config),
		Status:    model.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, exists := s.jobs[job.ID]; exists {
		return model.Job{}, fmt.Errorf("duplicate job id %s", job.ID)
	}
	s.jobs[job.ID] = job
	s.log.Debug("job submitted", "job_id", job.ID)
	s.assignLocked()
	return *cloneJob(s.jobs[job.ID]), nil
}

// assignLocked pairs the oldest pending jobs with the free nodes whose
// heartbeat is least recent until either runs out.
func (s *Scheduler) assignLocked() {
	pending := s.pendingLocked()
	free := s.freeNodesLocked()
	now := s.cfg.Clock()

	n := len(pending)
	if len(free) < n {
		n = len(free)
	}
	for i := 0; i < n; i++ {
		job, node := pending[i], free[i]
		job.Status = model.JobRunning
		job.AssignedNode = node.Name
		job.Attempts++
		job.UpdatedAt = now
		node.ActiveJobID = job.ID
		node.Status = model.NodeOnline
		s.assigned[job.ID] = now
		s.log.Info("job assigned", "job_id", job.ID, "node", node.Name, "attempt", job.Attempts)
		s.notifyNodeLocked(node.Name)
	}

	exhausted := len(pending) > n
	if exhausted != s.exhausted {
		s.exhausted = exhausted
		if exhausted {
			s.log.Warn("no node available for pending jobs",
				"error", ErrSchedulerExhausted,
				"pending", len(pending)-n,
			)
			metrics.SchedulerExhausted.Set(1)
		} else {
			metrics.SchedulerExhausted.Set(0)
		}
	}
	s.updateGaugesLocked()
}

func (s *Scheduler) pendingLocked() []*model.Job {
	out := make([]*model.Job, 0)
	for _, job := range s.jobs {
		if job.Status == model.JobPending {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Scheduler) freeNodesLocked() []*model.Node {
	out := make([]*model.Node, 0)
	for _, node := range s.nodes {
		if node.Status != model.NodeOffline && node.ActiveJobID == "" && node.StalledJobID == "" {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastHeartbeat.Equal(out[j].LastHeartbeat) {
			return out[i].LastHeartbeat.Before(out[j].LastHeartbeat)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// WaitAssignment blocks until a running job is assigned to name or ctx ends.
func (s *Scheduler) WaitAssignment(ctx context.Context, name string) (model.Job, error) {
	for {
		s.mu.Lock()
		node, ok := s.nodes[name]
		if !ok {
			s.mu.Unlock()
			return model.Job{}, fmt.Errorf("%w: %s", ErrUnknownNode, name)
		}
		if node.ActiveJobID != "" {
			if job, ok := s.jobs[node.ActiveJobID]; ok && job.Status == model.JobRunning {
				out := *cloneJob(job)
				s.mu.Unlock()
				return out, nil
			}
		}
		wake := s.wakeLocked(name)
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.Job{}, ctx.Err()
		case <-wake:
		}
	}
}

func (s *Scheduler) wakeLocked(name string) chan struct{} {
	ch, ok := s.wake[name]
	if !ok {
		ch = make(chan struct{})
		s.wake[name] = ch
	}
	return ch
}

func (s *Scheduler) notifyNodeLocked(name string) {
	if ch, ok := s.wake[name]; ok {
		close(ch)
		delete(s.wake, name)
	}
}

// notifyDoneLocked wakes every Await caller after a terminal transition.
func (s *Scheduler) notifyDoneLocked() {
	close(s.done)
	s.done = make(chan struct{})
}

// ReportResult completes a job. A report for a job that was reset or
// reassigned after a stall is still accepted.
func (s *Scheduler) ReportResult(jobID, node string, results map[string]any) (model.Job, error) {
	return s.finish(jobID, node, model.JobCompleted, results, "")
}

// ReportFailure marks a job failed. Failed jobs are not retried here.
func (s *Scheduler) ReportFailure(jobID, node, message string) (model.Job, error) {
	return s.finish(jobID, node, model.JobFailed, nil, message)
}

func (s *Scheduler) finish(jobID, node string, status model.JobStatus, results map[string]any, message string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		if n, ok := s.nodes[node]; ok && (n.StalledJobID == jobID || n.ActiveJobID == jobID) {
			n.StalledJobID = ""
			s.freeNodeLocked(node, jobID)
			if n.Status != model.NodeOffline && n.ActiveJobID == "" {
				n.Status = model.NodeIdle
			}
			s.assignLocked()
		}
		return model.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status.Terminal() {
		return model.Job{}, fmt.Errorf("%w: %s is %s", ErrJobTerminal, jobID, job.Status)
	}

	now := s.cfg.Clock()
	if job.AssignedNode != "" && job.AssignedNode != node {
		s.log.Info("accepting late report",
			"job_id", jobID,
			"node", node,
			"assigned_node", job.AssignedNode,
		)
	}
	if holder := job.AssignedNode; holder != "" {
		s.freeNodeLocked(holder, jobID)
	}
	if node != "" {
		s.freeNodeLocked(node, jobID)
		if n, ok := s.nodes[node]; ok {
			n.StalledJobID = ""
			if n.Status != model.NodeOffline {
				n.LastHeartbeat = now
				if n.ActiveJobID == "" {
					n.Status = model.NodeIdle
				}
			}
		}
	}

	job.Status = status
	job.UpdatedAt = now
	job.Results = cloneMap(results)
	job.Error = message
	if node != "" {
		job.AssignedNode = node
	}
	if started, ok := s.assigned[jobID]; ok {
		metrics.EvaluationDuration.Observe(now.Sub(started).Seconds())
		delete(s.assigned, jobID)
	}
	metrics.JobTransitions.WithLabelValues(string(status)).Inc()
	if status == model.JobFailed {
		s.log.Warn("job failed", "job_id", jobID, "node", node, "error", message)
	} else {
		s.log.Info("job completed", "job_id", jobID, "node", node)
	}

	s.notifyDoneLocked()
	s.assignLocked()
	return *cloneJob(job), nil
}

// freeNodeLocked clears the node's active job if it still holds jobID.
func (s *Scheduler) freeNodeLocked(name, jobID string) {
	node, ok := s.nodes[name]
	if !ok || node.ActiveJobID != jobID {
		return
	}
	node.ActiveJobID = ""
	if node.Status != model.NodeOffline {
		node.Status = model.NodeIdle
	}
}

// SweepStalled returns running jobs whose last update is older than
// StalledAfter to pending and holds back the node that stalled them. It
// reports how many jobs were reset.
func (s *Scheduler) SweepStalled(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	reset := 0
	for _, job := range s.sortedJobsLocked() {
		if job.Status != model.JobRunning || now.Sub(job.UpdatedAt) <= s.cfg.StalledAfter {
			continue
		}
		holder := job.AssignedNode
		s.resetLocked(job, now, "reset_stalled")
		s.log.Warn("job stalled, returned to pending", "job_id", job.ID, "node", holder)
		if node, ok := s.nodes[holder]; ok {
			// A node can keep heartbeating while its evaluation hangs, so it
			// is held back until it reports or registers again.
			node.StalledJobID = job.ID
			if node.Status != model.NodeOffline {
				node.Status = model.NodeOnline
			}
			if now.Sub(node.LastHeartbeat) > s.cfg.StaleAfter {
				node.Status = model.NodeOffline
				s.log.Warn("node marked offline", "node", holder, "error", ErrNodeLost)
			}
		}
		reset++
	}
	if reset > 0 {
		s.assignLocked()
	}
	return reset
}

// SweepStale marks nodes without a recent heartbeat offline and returns
// their active jobs to pending immediately. It reports how many nodes were
// marked offline.
func (s *Scheduler) SweepStale(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	lost := 0
	for _, node := range s.sortedNodesLocked() {
		if node.Status == model.NodeOffline || now.Sub(node.LastHeartbeat) <= s.cfg.StaleAfter {
			continue
		}
		node.Status = model.NodeOffline
		lost++
		if job, ok := s.jobs[node.ActiveJobID]; ok && job.Status == model.JobRunning {
			s.resetLocked(job, now, "reset_node_lost")
			s.log.Warn("node lost, job returned to pending", "node", node.Name, "job_id", job.ID, "error", ErrNodeLost)
		} else {
			s.log.Warn("node marked offline", "node", node.Name, "error", ErrNodeLost)
		}
		node.ActiveJobID = ""
	}
	if lost > 0 {
		s.assignLocked()
	}
	return lost
}

func (s *Scheduler) resetLocked(job *model.Job, now time.Time, reason string) {
	s.freeNodeLocked(job.AssignedNode, job.ID)
	job.Status = model.JobPending
	job.AssignedNode = ""
	job.UpdatedAt = now
	delete(s.assigned, job.ID)
	metrics.JobTransitions.WithLabelValues(reason).Inc()
}

// Run drives both sweeps every SweepInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := s.cfg.Clock()
			s.SweepStale(now)
			s.SweepStalled(now)
		}
	}
}

// Await blocks until every listed job is terminal and returns them.
func (s *Scheduler) Await(ctx context.Context, ids []string) (map[string]model.Job, error) {
	for {
		s.mu.Lock()
		out := make(map[string]model.Job, len(ids))
		ready := true
		for _, id := range ids {
			job, ok := s.jobs[id]
			if !ok {
				s.mu.Unlock()
				return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
			}
			if !job.Status.Terminal() {
				ready = false
				break
			}
			out[id] = *cloneJob(job)
		}
		done := s.done
		s.mu.Unlock()
		if ready {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
		}
	}
}

// Release drops jobs from the job table. A node still running a released
// job is held back until it reports or registers again.
func (s *Scheduler) Release(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if job.Status == model.JobRunning {
			if node, ok := s.nodes[job.AssignedNode]; ok && node.ActiveJobID == id {
				node.ActiveJobID = ""
				node.StalledJobID = id
			}
			s.log.Info("running job released", "job_id", id, "node", job.AssignedNode)
		}
		delete(s.jobs, id)
		delete(s.assigned, id)
	}
	s.updateGaugesLocked()
}

func (s *Scheduler) Job(id string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return *cloneJob(job), nil
}

func (s *Scheduler) Node(name string) (model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[name]
	if !ok {
		return model.Node{}, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	return *cloneNode(node), nil
}

// Nodes returns a snapshot of the registry sorted by name.
func (s *Scheduler) Nodes() []model.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes := s.sortedNodesLocked()
	out := make([]model.Node, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, *cloneNode(node))
	}
	return out
}

// Jobs returns a snapshot of the job table sorted by creation.
func (s *Scheduler) Jobs() []model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.sortedJobsLocked()
	out := make([]model.Job, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, *cloneJob(job))
	}
	return out
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Jobs:      make(map[model.JobStatus]int),
		Nodes:     make(map[model.NodeStatus]int),
		Exhausted: s.exhausted,
	}
	for _, job := range s.jobs {
		st.Jobs[job.Status]++
	}
	for _, node := range s.nodes {
		st.Nodes[node.Status]++
	}
	return st
}

func (s *Scheduler) sortedJobsLocked() []*model.Job {
	out := make([]*model.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Scheduler) sortedNodesLocked() []*model.Node {
	out := make([]*model.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) updateGaugesLocked() {
	for _, status := range []model.JobStatus{model.JobPending, model.JobRunning, model.JobCompleted, model.JobFailed} {
		metrics.JobsByStatus.WithLabelValues(string(status)).Set(0)
	}
	for _, job := range s.jobs {
		metrics.JobsByStatus.WithLabelValues(string(job.Status)).Inc()
	}
	for _, status := range []model.NodeStatus{model.NodeOnline, model.NodeIdle, model.NodeOffline} {
		metrics.NodesByStatus.WithLabelValues(string(status)).Set(0)
	}
	for _, node := range s.nodes {
		metrics.NodesByStatus.WithLabelValues(string(node.Status)).Inc()
	}
}

func cloneJob(job *model.Job) *model.Job {
	out := *job
	out.Config = cloneMap(job.Config)
	out.Results = cloneMap(job.Results)
	return &out
}

func cloneNode(node *model.Node) *model.Node {
	out := *node
	out.Info = cloneMap(node.Info)
	return &out
}

// cloneMap copies the top level only; values are treated as read-only.
func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
