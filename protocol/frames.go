// Package protocol defines the JSON frame union exchanged over the persistent
// node channel. Every frame is a single UTF-8 JSON object discriminated on the
// "type" field; unknown fields are ignored so either side can add fields
// without breaking the other.
package protocol

import (
	"encoding/json"
	"fmt"

	"gridmesh/capability"
)

// Frame type discriminators, node to orchestrator.
const (
	TypeRegister  = "register"
	TypeHeartbeat = "heartbeat"
	TypeJobStatus = "job_status"
	TypeJobResult = "job_result"
)

// Frame type discriminators, orchestrator to node.
const (
	TypeRegistered        = "registered"
	TypeJobAssignment     = "job_assignment"
	TypeCancelJob         = "cancel_job"
	TypeUpdateLimits      = "update_limits"
	TypeWorkspacesUpdated = "workspaces_updated"
	TypeError             = "error"
)

// Execution statuses a node may report in a job_status frame.
const (
	ExecAccepted  = "accepted"
	ExecPreparing = "preparing"
	ExecRunning   = "running"
	ExecCompleted = "completed"
	ExecFailed    = "failed"
)

// RegisterFrame is the first frame on every node connection. A known
// auth_token reattaches the prior node identity.
type RegisterFrame struct {
	Type         string                `json:"type"`
	Capabilities capability.Descriptor `json:"capabilities"`
	AuthToken    string                `json:"auth_token,omitempty"`
	WorkspaceIDs []string              `json:"workspace_ids,omitempty"`
}

// HeartbeatFrame refreshes liveness and reports node-side load.
type HeartbeatFrame struct {
	Type        string `json:"type"`
	Available   bool   `json:"available"`
	CurrentJobs int    `json:"current_jobs"`
}

// JobStatusFrame carries an execution phase transition for an assigned job.
type JobStatusFrame struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// JobResult is the terminal execution report embedded in a JobResultFrame.
type JobResult struct {
	Success         bool            `json:"success"`
	Outputs         json.RawMessage `json:"outputs,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	ActualCostCents int64           `json:"actual_cost_cents"`
}

// JobResultFrame delivers the final result for a job.
type JobResultFrame struct {
	Type   string    `json:"type"`
	JobID  string    `json:"job_id"`
	Result JobResult `json:"result"`
}

// RegisteredFrame acknowledges a register frame with the assigned node id and
// the reconnect token the node presents on its next connection.
type RegisteredFrame struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	AuthToken string `json:"auth_token,omitempty"`
}

// AssignmentJob is the slice of a job a node needs to execute it. The payload
// crosses the channel as opaque bytes plus the adapter discriminator.
type AssignmentJob struct {
	ID             string          `json:"id"`
	ClientID       string          `json:"client_id"`
	PayloadType    string          `json:"payload_type"`
	Payload        json.RawMessage `json:"payload"`
	TimeoutSeconds int64           `json:"timeout_seconds"`
	MaxCostCents   int64           `json:"max_cost_cents"`
}

// JobAssignmentFrame dispatches a job to the node.
type JobAssignmentFrame struct {
	Type string        `json:"type"`
	Job  AssignmentJob `json:"job"`
}

// CancelJobFrame asks the node to abort a job. Best-effort; the orchestrator
// discards late results for cancelled jobs regardless.
type CancelJobFrame struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// UpdateLimitsFrame forwards operator resource limits to the node. The
// advertised capabilities only change once the node reports them changed.
type UpdateLimitsFrame struct {
	Type           string `json:"type"`
	CPUCores       *int   `json:"cpuCores,omitempty"`
	RAMPercent     *int   `json:"ramPercent,omitempty"`
	StorageGB      *int   `json:"storageGb,omitempty"`
	GPUVRAMPercent []int  `json:"gpuVramPercent,omitempty"`
}

// WorkspacesUpdatedFrame tells the node which workspaces now grant it
// visibility.
type WorkspacesUpdatedFrame struct {
	Type         string   `json:"type"`
	WorkspaceIDs []string `json:"workspaceIds"`
}

// ErrorFrame surfaces a protocol-level failure to the node.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Type string `json:"type"`
}

// Decode parses a single inbound (node to orchestrator) frame. The concrete
// frame type is selected by the "type" discriminator.
func Decode(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	switch env.Type {
	case TypeRegister:
		var f RegisterFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("protocol: decode register: %w", err)
		}
		return &f, nil
	case TypeHeartbeat:
		var f HeartbeatFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("protocol: decode heartbeat: %w", err)
		}
		return &f, nil
	case TypeJobStatus:
		var f JobStatusFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("protocol: decode job_status: %w", err)
		}
		return &f, nil
	case TypeJobResult:
		var f JobResultFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("protocol: decode job_result: %w", err)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("protocol: unknown frame type %q", env.Type)
	}
}
