package registry

import (
	"time"

	"gridmesh/capability"
)

const (
	// InitialReputation is assigned to every newly registered node.
	InitialReputation = 50
	// MaxReputation and MinReputation clamp reputation adjustments.
	MaxReputation = 100
	MinReputation = 0
)

// Transport is the outbound half of a node's frame channel. Enqueue must not
// block: frames land in a bounded per-connection buffer drained by a single
// writer.
type Transport interface {
	Enqueue(frame any) error
	Close(reason string)
}

// Node is the registry's record of one connected worker.
type Node struct {
	ID            string
	Capabilities  capability.Descriptor
	Token         string
	Available     bool
	CurrentJobs   int
	LastHeartbeat time.Time
	Reputation    int
	OwnerUserID   string
	Workspaces    map[string]struct{}

	transport Transport
}

func (n *Node) inWorkspace(id string) bool {
	_, ok := n.Workspaces[id]
	return ok
}

func (n *Node) workspaceList() []string {
	out := make([]string, 0, len(n.Workspaces))
	for id := range n.Workspaces {
		out = append(out, id)
	}
	return out
}

// View is the JSON shape of a node exposed over the API. The reconnect token
// never leaves the registry.
type View struct {
	ID            string                `json:"id"`
	Capabilities  capability.Descriptor `json:"capabilities"`
	Available     bool                  `json:"available"`
	CurrentJobs   int                   `json:"current_jobs"`
	Reputation    int                   `json:"reputation"`
	OwnerUserID   string                `json:"owner_user_id,omitempty"`
	WorkspaceIDs  []string              `json:"workspace_ids,omitempty"`
	LastHeartbeat time.Time             `json:"last_heartbeat"`
}

func (n *Node) view() View {
	return View{
		ID:            n.ID,
		Capabilities:  n.Capabilities,
		Available:     n.Available,
		CurrentJobs:   n.CurrentJobs,
		Reputation:    n.Reputation,
		OwnerUserID:   n.OwnerUserID,
		WorkspaceIDs:  n.workspaceList(),
		LastHeartbeat: n.LastHeartbeat,
	}
}

// parkedIdentity survives a transport drop so a node holding the reconnect
// token can reattach to its prior id. Parked identities expire after
// tokenGrace, which is the explicit revocation point.
type parkedIdentity struct {
	NodeID     string
	Reputation int
	Owner      string
	Workspaces map[string]struct{}
	ParkedAt   time.Time
}
