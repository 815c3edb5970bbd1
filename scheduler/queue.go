package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridmesh/capability"
	"gridmesh/observability"
	"gridmesh/payments"
	"gridmesh/protocol"
	"gridmesh/registry"
)

var (
	// ErrJobNotFound is returned for unknown or already-terminal jobs.
	ErrJobNotFound = errors.New("scheduler: job not found")
	// ErrQueueFull is returned when admission would exceed the pending cap.
	ErrQueueFull = errors.New("scheduler: pending queue full")
	// ErrInvalidRequest wraps admission validation failures.
	ErrInvalidRequest = errors.New("scheduler: invalid job request")
)

const (
	// DefaultMaxRetries bounds how often a failed job returns to the queue.
	DefaultMaxRetries = 3
	// DefaultTimeoutSeconds is the per-job deadline applied at admission
	// when the request does not carry one.
	DefaultTimeoutSeconds = 3600
	// DefaultMaxPending caps the dispatch queue; admission beyond it fails
	// with ErrQueueFull.
	DefaultMaxPending = 10_000

	// DispatchInterval is the dispatch ticker period.
	DispatchInterval = time.Second
	// GCInterval is the terminal-job sweep period.
	GCInterval = time.Hour

	retentionAge = 24 * time.Hour

	failureReputationDelta = -2
	successReputationDelta = 1
)

// SubmitRequest is the admission input. The payload crosses the scheduler as
// opaque bytes plus the adapter discriminator.
type SubmitRequest struct {
	Requirements capability.Requirements `json:"requirements"`
	PayloadType  string                  `json:"payload_type"`
	Payload      json.RawMessage         `json:"payload,omitempty"`
	AccountID    string                  `json:"account_id,omitempty"`
	WorkspaceID  string                  `json:"workspace_id,omitempty"`
}

// Queue admits jobs, escrows their budget, matches them to registry nodes and
// drives the job state machine from node frames. Job state is guarded by one
// mutex; registry and ledger calls happen outside it so frame handlers block
// only on the job lock.
type Queue struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	pending []string

	reg *registry.Registry
	pay *payments.Engine

	logger     *slog.Logger
	nowFn      func() time.Time
	maxPending int
}

// NewQueue creates an empty job queue wired to the registry and ledger.
func NewQueue(reg *registry.Registry, pay *payments.Engine, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		jobs:       make(map[string]*Job),
		reg:        reg,
		pay:        pay,
		logger:     logger,
		nowFn:      time.Now,
		maxPending: DefaultMaxPending,
	}
}

// SetNowFunc overrides the queue clock. Intended for deterministic tests.
func (q *Queue) SetNowFunc(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if now == nil {
		q.nowFn = time.Now
		return
	}
	q.nowFn = now
}

// Submit admits a job: validates the request, escrows the budget when an
// account is given and appends the job to the FIFO queue. Two identical
// submissions produce two jobs; there is no dedup.
func (q *Queue) Submit(clientID string, req SubmitRequest) (*Job, error) {
	if strings.TrimSpace(req.PayloadType) == "" {
		return nil, fmt.Errorf("%w: payload type required", ErrInvalidRequest)
	}
	if err := req.Requirements.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Requirements.TimeoutSeconds == 0 {
		req.Requirements.TimeoutSeconds = DefaultTimeoutSeconds
	}

	q.mu.Lock()
	if len(q.pending) >= q.maxPending {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
	now := q.nowFn()
	q.mu.Unlock()

	job := &Job{
		ID:           uuid.NewString(),
		ClientID:     clientID,
		WorkspaceID:  req.WorkspaceID,
		Requirements: req.Requirements,
		PayloadType:  strings.TrimSpace(req.PayloadType),
		Payload:      req.Payload,
		Status:       StatusPending,
		CreatedAt:    now,
		Deadline:     now.Add(time.Duration(req.Requirements.TimeoutSeconds) * time.Second),
		MaxRetries:   DefaultMaxRetries,
		AccountID:    req.AccountID,
	}

	// Admission blocks only on the payment lock. A zero budget is admitted
	// with no hold and settles to zero.
	if req.AccountID != "" && req.Requirements.MaxCostCents > 0 {
		holdID, err := q.pay.Hold(req.AccountID, req.Requirements.MaxCostCents, job.ID)
		if err != nil {
			return nil, err
		}
		job.HoldID = holdID
		observability.Orchestrator().RecordPaymentLeg("held", req.Requirements.MaxCostCents)
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.pending = append(q.pending, job.ID)
	depth := len(q.pending)
	q.mu.Unlock()

	q.logger.Info("job admitted", "job_id", job.ID, "client_id", clientID,
		"max_cost_cents", req.Requirements.MaxCostCents, "workspace_id", req.WorkspaceID)
	metrics := observability.Orchestrator()
	metrics.RecordJobOutcome("submitted")
	metrics.SetPendingJobs(depth)
	return job.Clone(), nil
}

// Get returns a snapshot of one job.
func (q *Queue) Get(jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListByClient returns snapshots of every job the client submitted, newest
// first.
func (q *Queue) ListByClient(clientID string) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Job
	for _, job := range q.jobs {
		if job.ClientID == clientID {
			out = append(out, job.Clone())
		}
	}
	sortJobsNewestFirst(out)
	return out
}

// Run drives the dispatch and GC tickers until the context is cancelled.
func (q *Queue) Run(ctx context.Context) {
	dispatch := time.NewTicker(DispatchInterval)
	gc := time.NewTicker(GCInterval)
	defer dispatch.Stop()
	defer gc.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-dispatch.C:
			q.DispatchOnce()
		case <-gc.C:
			q.GCOnce()
		}
	}
}

// DispatchOnce runs one dispatch tick: expires overdue jobs, then walks a
// snapshot of the pending queue matching jobs to nodes. FIFO within the tick;
// ties between nodes break by registry score.
func (q *Queue) DispatchOnce() {
	q.expireOverdue()

	q.mu.Lock()
	snapshot := append([]string(nil), q.pending...)
	q.mu.Unlock()

	for _, jobID := range snapshot {
		q.mu.Lock()
		job, ok := q.jobs[jobID]
		if !ok || job.Status != StatusPending {
			q.mu.Unlock()
			continue
		}
		req := job.Requirements
		workspaceID := job.WorkspaceID
		q.mu.Unlock()

		nodeID, found := q.reg.FindNode(req, workspaceID)
		if !found {
			continue
		}
		// Matching and reservation are separate steps: the node must still
		// be available when the slot is taken.
		if err := q.reg.Reserve(nodeID); err != nil {
			continue
		}

		q.mu.Lock()
		if job.Status != StatusPending { // lost a race with cancel
			q.mu.Unlock()
			q.reg.Release(nodeID)
			continue
		}
		job.Status = StatusAssigned
		job.AssignedNode = nodeID
		q.removePendingLocked(jobID)
		frame := job.assignment()
		depth := len(q.pending)
		q.mu.Unlock()

		if err := q.reg.Send(nodeID, frame); err != nil {
			q.logger.Warn("assignment send failed, requeueing", "job_id", jobID, "node_id", nodeID, "error", err)
			q.reg.Release(nodeID)
			q.mu.Lock()
			if job.Status == StatusAssigned && job.AssignedNode == nodeID {
				job.Status = StatusPending
				job.AssignedNode = ""
				q.pending = append(q.pending, jobID)
			}
			q.mu.Unlock()
			continue
		}

		q.logger.Info("job assigned", "job_id", jobID, "node_id", nodeID)
		metrics := observability.Orchestrator()
		metrics.RecordJobOutcome("assigned")
		metrics.SetPendingJobs(depth)
		metrics.RecordFrame(protocol.TypeJobAssignment, "out")
	}
}

// HandleStatus applies a job_status frame from a node. Frames for unknown,
// terminal or reassigned jobs are discarded: idempotent cancellation wins.
func (q *Queue) HandleStatus(nodeID string, frame *protocol.JobStatusFrame) {
	observability.Orchestrator().RecordFrame(protocol.TypeJobStatus, "in")

	var after func()
	q.mu.Lock()
	job, ok := q.jobs[frame.JobID]
	if !ok || job.Status.Terminal() || job.AssignedNode != nodeID {
		q.mu.Unlock()
		return
	}
	switch frame.Status {
	case protocol.ExecAccepted:
		// Already assigned; accepting twice is harmless.
	case protocol.ExecPreparing, protocol.ExecRunning:
		job.Status = StatusRunning
		if job.StartedAt == nil {
			started := q.nowFn()
			job.StartedAt = &started
		}
	case protocol.ExecCompleted:
		// Completion settles on the job_result frame, which carries the
		// actual cost.
	case protocol.ExecFailed:
		after = q.failLocked(job, frame.Error)
	}
	q.mu.Unlock()

	if after != nil {
		after()
	}
}

// HandleResult applies the terminal job_result frame: settlement on success,
// the retry path on failure. Results for cancelled or reassigned jobs are
// discarded.
func (q *Queue) HandleResult(nodeID string, frame *protocol.JobResultFrame) {
	observability.Orchestrator().RecordFrame(protocol.TypeJobResult, "in")

	var after func()
	q.mu.Lock()
	job, ok := q.jobs[frame.JobID]
	if !ok || job.Status.Terminal() || job.AssignedNode != nodeID {
		q.mu.Unlock()
		if ok {
			q.logger.Debug("discarding late result", "job_id", frame.JobID, "node_id", nodeID)
		}
		return
	}
	if frame.Result.Success {
		result := frame.Result
		job.Status = StatusCompleted
		job.Result = &result
		completed := q.nowFn()
		job.CompletedAt = &completed
		holdID := job.HoldID
		jobID := job.ID
		actual := result.ActualCostCents
		after = func() {
			q.reg.Release(nodeID)
			q.reg.AdjustReputation(nodeID, successReputationDelta)
			q.settle(jobID, holdID, nodeID, actual)
		}
	} else {
		after = q.failLocked(job, frame.Result.Error)
	}
	q.mu.Unlock()

	after()
}

// Cancel transitions a non-terminal job to cancelled, refunds its hold and,
// when the job is already on a node, sends a best-effort cancel_job frame.
// Cancelling a terminal or unknown job returns ErrJobNotFound untouched.
func (q *Queue) Cancel(jobID string) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status.Terminal() {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	prev := job.Status
	nodeID := job.AssignedNode
	holdID := job.HoldID
	job.Status = StatusCancelled
	completed := q.nowFn()
	job.CompletedAt = &completed
	if prev == StatusPending {
		q.removePendingLocked(jobID)
	}
	depth := len(q.pending)
	q.mu.Unlock()

	if prev == StatusAssigned || prev == StatusRunning {
		if err := q.reg.Send(nodeID, protocol.CancelJobFrame{Type: protocol.TypeCancelJob, JobID: jobID}); err != nil {
			q.logger.Debug("cancel frame not delivered", "job_id", jobID, "node_id", nodeID, "error", err)
		}
		q.reg.Release(nodeID)
	}
	q.refund(jobID, holdID)

	q.logger.Info("job cancelled", "job_id", jobID)
	metrics := observability.Orchestrator()
	metrics.RecordJobOutcome("cancelled")
	metrics.SetPendingJobs(depth)
	return nil
}

// NodeEvicted requeues or fails every in-flight job on a node the registry
// removed. Jobs with retries left go back to pending and keep their hold;
// exhausted jobs fail and refund.
func (q *Queue) NodeEvicted(nodeID string) {
	var refunds [][2]string
	q.mu.Lock()
	for _, job := range q.jobs {
		if job.AssignedNode != nodeID {
			continue
		}
		if job.Status != StatusAssigned && job.Status != StatusRunning {
			continue
		}
		job.Retries++
		if job.Retries < job.MaxRetries {
			job.Status = StatusPending
			job.AssignedNode = ""
			q.pending = append(q.pending, job.ID)
			q.logger.Info("job requeued after node eviction", "job_id", job.ID, "node_id", nodeID, "retries", job.Retries)
			observability.Orchestrator().RecordJobOutcome("requeued")
			continue
		}
		job.Status = StatusFailed
		job.Error = "assigned node evicted"
		completed := q.nowFn()
		job.CompletedAt = &completed
		refunds = append(refunds, [2]string{job.ID, job.HoldID})
		observability.Orchestrator().RecordJobOutcome("failed")
	}
	depth := len(q.pending)
	q.mu.Unlock()

	for _, pair := range refunds {
		q.refund(pair[0], pair[1])
	}
	observability.Orchestrator().SetPendingJobs(depth)
}

// GCOnce removes terminal jobs past the retention window.
func (q *Queue) GCOnce() {
	cutoff := q.nowFn().Add(-retentionAge)
	q.mu.Lock()
	removed := 0
	for id, job := range q.jobs {
		if !job.Status.Terminal() || job.CompletedAt == nil {
			continue
		}
		if job.CompletedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed++
		}
	}
	q.mu.Unlock()
	if removed > 0 {
		q.logger.Info("garbage-collected terminal jobs", "count", removed)
	}
}

// PendingDepth returns the current dispatch queue length.
func (q *Queue) PendingDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// failLocked applies a node-reported failure under the job lock and returns
// the follow-up work to run after it is released.
func (q *Queue) failLocked(job *Job, execErr string) func() {
	nodeID := job.AssignedNode
	job.Retries++
	if job.Retries < job.MaxRetries {
		job.Status = StatusPending
		job.AssignedNode = ""
		q.pending = append(q.pending, job.ID)
		jobID := job.ID
		retries := job.Retries
		return func() {
			q.reg.Release(nodeID)
			q.reg.AdjustReputation(nodeID, failureReputationDelta)
			q.logger.Info("job requeued after failure", "job_id", jobID, "retries", retries, "error", execErr)
			observability.Orchestrator().RecordJobOutcome("requeued")
		}
	}
	job.Status = StatusFailed
	job.Error = execErr
	completed := q.nowFn()
	job.CompletedAt = &completed
	jobID := job.ID
	holdID := job.HoldID
	return func() {
		q.reg.Release(nodeID)
		q.reg.AdjustReputation(nodeID, failureReputationDelta)
		q.refund(jobID, holdID)
		q.logger.Warn("job failed permanently", "job_id", jobID, "error", execErr)
		observability.Orchestrator().RecordJobOutcome("failed")
	}
}

// expireOverdue enforces per-job deadlines. An overdue job behaves like a
// final failure with a timeout error: terminal, refunded, cancel frame to the
// node when one is attached.
func (q *Queue) expireOverdue() {
	now := q.nowFn()
	type expiry struct {
		jobID  string
		holdID string
		nodeID string
	}
	var expired []expiry
	q.mu.Lock()
	for _, job := range q.jobs {
		if job.Status.Terminal() || now.Before(job.Deadline) {
			continue
		}
		if job.Status == StatusPending {
			q.removePendingLocked(job.ID)
		}
		job.Status = StatusTimeout
		job.Error = "job deadline exceeded"
		completed := now
		job.CompletedAt = &completed
		expired = append(expired, expiry{jobID: job.ID, holdID: job.HoldID, nodeID: job.AssignedNode})
	}
	depth := len(q.pending)
	q.mu.Unlock()

	for _, e := range expired {
		if e.nodeID != "" {
			if err := q.reg.Send(e.nodeID, protocol.CancelJobFrame{Type: protocol.TypeCancelJob, JobID: e.jobID}); err == nil {
				observability.Orchestrator().RecordFrame(protocol.TypeCancelJob, "out")
			}
			q.reg.Release(e.nodeID)
			q.reg.AdjustReputation(e.nodeID, failureReputationDelta)
		}
		q.refund(e.jobID, e.holdID)
		q.logger.Warn("job timed out", "job_id", e.jobID)
		observability.Orchestrator().RecordJobOutcome("timeout")
	}
	if len(expired) > 0 {
		observability.Orchestrator().SetPendingJobs(depth)
	}
}

// settle closes the hold for a completed job: the node operator's account is
// credited with the actual cost minus the platform fee. Jobs admitted without
// a hold settle to zero by construction.
func (q *Queue) settle(jobID, holdID, nodeID string, actualCents int64) {
	if holdID == "" {
		return
	}
	start := time.Now()
	wallet, err := q.reg.OwnerWallet(nodeID)
	if err != nil {
		// Node vanished between result and settlement; credit its
		// node-scoped wallet so the value is claimable later.
		wallet = "node:" + nodeID
	}
	account, err := q.pay.GetOrCreateAccount(wallet, "")
	if err != nil {
		q.logger.Error("settlement account unavailable, hold left in place", "job_id", jobID, "error", err)
		return
	}
	split, err := q.pay.Settle(holdID, account.ID, actualCents)
	if err != nil {
		q.logger.Error("settlement failed, hold left in place", "job_id", jobID, "hold_id", holdID, "error", err)
		return
	}
	metrics := observability.Orchestrator()
	metrics.RecordPaymentLeg("settled_node", split.NodeCents)
	metrics.RecordPaymentLeg("settled_fee", split.FeeCents)
	metrics.RecordPaymentLeg("refunded", split.RefundCents)
	metrics.ObserveSettle(time.Since(start))
	q.logger.Info("job settled", "job_id", jobID, "node_cents", split.NodeCents, "fee_cents", split.FeeCents)
}

func (q *Queue) refund(jobID, holdID string) {
	if holdID == "" {
		return
	}
	if err := q.pay.Refund(holdID); err != nil {
		if !errors.Is(err, payments.ErrNotHeld) {
			q.logger.Error("refund failed", "job_id", jobID, "hold_id", holdID, "error", err)
		}
		return
	}
	rec, err := q.pay.Record(holdID)
	if err == nil {
		observability.Orchestrator().RecordPaymentLeg("refunded", rec.AmountCents)
	}
}

func (q *Queue) removePendingLocked(jobID string) {
	for i, id := range q.pending {
		if id == jobID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func sortJobsNewestFirst(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
