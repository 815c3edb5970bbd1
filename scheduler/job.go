package scheduler

import (
	"encoding/json"
	"time"

	"gridmesh/capability"
	"gridmesh/protocol"
)

// Status is the scheduler-side job state. Transitions follow a fixed DAG:
// pending moves to assigned, assigned to running, running to completed;
// failures loop back to pending while retries remain; cancelled and timeout
// cut in from any non-terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// Job is the scheduler's record of one submitted unit of work. The payload is
// opaque to the core; only the adapter discriminator is inspected.
type Job struct {
	ID           string                  `json:"id"`
	ClientID     string                  `json:"client_id"`
	WorkspaceID  string                  `json:"workspace_id,omitempty"`
	Requirements capability.Requirements `json:"requirements"`
	PayloadType  string                  `json:"payload_type"`
	Payload      json.RawMessage         `json:"payload,omitempty"`

	Status       Status `json:"status"`
	AssignedNode string `json:"assigned_node,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Deadline    time.Time  `json:"deadline"`

	Retries    int `json:"retries"`
	MaxRetries int `json:"max_retries"`

	AccountID string `json:"account_id,omitempty"`
	HoldID    string `json:"hold_id,omitempty"`

	Result *protocol.JobResult `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// Clone returns a copy safe to hand outside the queue's critical section.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.StartedAt != nil {
		started := *j.StartedAt
		clone.StartedAt = &started
	}
	if j.CompletedAt != nil {
		completed := *j.CompletedAt
		clone.CompletedAt = &completed
	}
	if j.Result != nil {
		result := *j.Result
		clone.Result = &result
	}
	return &clone
}

func (j *Job) assignment() protocol.JobAssignmentFrame {
	return protocol.JobAssignmentFrame{
		Type: protocol.TypeJobAssignment,
		Job: protocol.AssignmentJob{
			ID:             j.ID,
			ClientID:       j.ClientID,
			PayloadType:    j.PayloadType,
			Payload:        j.Payload,
			TimeoutSeconds: j.Requirements.TimeoutSeconds,
			MaxCostCents:   j.Requirements.MaxCostCents,
		},
	}
}
