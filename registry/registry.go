package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridmesh/capability"
	"gridmesh/observability"
	"gridmesh/protocol"
)

var (
	// ErrNodeNotFound is returned for unknown node ids.
	ErrNodeNotFound = errors.New("registry: node not found")
	// ErrNotAvailable is returned when reserving a node that is not accepting
	// work.
	ErrNotAvailable = errors.New("registry: node not available")
	// ErrAlreadyOwned is returned when claiming a node owned by another user.
	ErrAlreadyOwned = errors.New("registry: node already owned")
	// ErrNotOwner is returned when a workspace assignment comes from anyone
	// but the claimer.
	ErrNotOwner = errors.New("registry: caller does not own node")
)

const (
	// HeartbeatTimeout is how long a node may stay silent before the
	// eviction ticker removes it.
	HeartbeatTimeout = 30 * time.Second
	// EvictionInterval is the eviction ticker period.
	EvictionInterval = 30 * time.Second

	// tokenGrace is how long a reconnect token survives after its node
	// drops. Past it the credential is revoked.
	tokenGrace = time.Hour

	evictionReputationPenalty = 5
)

// Registry tracks connected nodes, their capabilities and liveness, and
// answers the scheduler's matching queries. All state is guarded by one
// mutex; outbound frames go through non-blocking per-node queues so nothing
// does I/O inside the critical section.
type Registry struct {
	mu sync.Mutex

	nodes   map[string]*Node
	byToken map[string]string
	parked  map[string]*parkedIdentity

	logger    *slog.Logger
	nowFn     func() time.Time
	evictHook func(nodeID string)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		nodes:   make(map[string]*Node),
		byToken: make(map[string]string),
		parked:  make(map[string]*parkedIdentity),
		logger:  logger,
		nowFn:   time.Now,
	}
}

// SetNowFunc overrides the registry clock. Intended for deterministic tests.
func (r *Registry) SetNowFunc(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now == nil {
		r.nowFn = time.Now
		return
	}
	r.nowFn = now
}

// SetEvictHook installs the callback invoked (outside the registry lock) for
// every node removed from the active set. The scheduler uses it to requeue
// in-flight jobs.
func (r *Registry) SetEvictHook(hook func(nodeID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictHook = hook
}

// Register attaches a node connection. A register frame carrying a known
// reconnect token reattaches to the prior node id, either replacing a live
// transport or resurrecting a parked identity; otherwise a fresh identity is
// minted. Returns the node id, the reconnect token and whether this was a
// reattach.
func (r *Registry) Register(conn Transport, frame *protocol.RegisterFrame) (string, string, bool) {
	r.mu.Lock()
	now := r.nowFn()

	if frame.AuthToken != "" {
		if id, ok := r.byToken[frame.AuthToken]; ok {
			node := r.nodes[id]
			old := node.transport
			node.transport = conn
			node.Capabilities = frame.Capabilities
			node.Available = true
			node.LastHeartbeat = now
			r.mu.Unlock()
			if old != nil {
				old.Close("replaced by reconnect")
			}
			r.logger.Info("node reattached", "node_id", id)
			return id, frame.AuthToken, true
		}
		if parked, ok := r.parked[frame.AuthToken]; ok {
			node := &Node{
				ID:            parked.NodeID,
				Capabilities:  frame.Capabilities,
				Token:         frame.AuthToken,
				Available:     true,
				LastHeartbeat: now,
				Reputation:    parked.Reputation,
				OwnerUserID:   parked.Owner,
				Workspaces:    parked.Workspaces,
				transport:     conn,
			}
			delete(r.parked, frame.AuthToken)
			r.nodes[node.ID] = node
			r.byToken[node.Token] = node.ID
			r.mu.Unlock()
			r.logger.Info("node restored from parked identity", "node_id", node.ID)
			observability.Orchestrator().SetConnectedNodes(r.Count())
			return node.ID, node.Token, true
		}
	}

	node := &Node{
		ID:            uuid.NewString(),
		Capabilities:  frame.Capabilities,
		Token:         uuid.NewString(),
		Available:     true,
		LastHeartbeat: now,
		Reputation:    InitialReputation,
		Workspaces:    make(map[string]struct{}),
		transport:     conn,
	}
	for _, ws := range frame.WorkspaceIDs {
		node.Workspaces[ws] = struct{}{}
	}
	r.nodes[node.ID] = node
	r.byToken[node.Token] = node.ID
	count := len(r.nodes)
	r.mu.Unlock()

	r.logger.Info("node registered", "node_id", node.ID, "gpus", len(frame.Capabilities.GPUs))
	observability.Orchestrator().SetConnectedNodes(count)
	return node.ID, node.Token, false
}

// Heartbeat refreshes liveness and the node-reported availability flag.
// CurrentJobs stays orchestrator-owned: the reserve/release pair is the only
// writer, so the tracked job count cannot drift on a lying node.
func (r *Registry) Heartbeat(nodeID string, available bool, reportedJobs int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	node.LastHeartbeat = r.nowFn()
	node.Available = available
	if reportedJobs != node.CurrentJobs {
		r.logger.Debug("node load report disagrees with registry",
			"node_id", nodeID, "reported", reportedJobs, "tracked", node.CurrentJobs)
	}
	return nil
}

// Disconnect removes a node whose transport closed. The identity is parked so
// the reconnect token can reattach within the grace window.
func (r *Registry) Disconnect(nodeID string) {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removeLocked(node)
	hook := r.evictHook
	count := len(r.nodes)
	r.mu.Unlock()

	r.logger.Info("node disconnected", "node_id", nodeID)
	observability.Orchestrator().SetConnectedNodes(count)
	if hook != nil {
		hook(nodeID)
	}
}

// EvictStale removes every node whose last heartbeat is older than maxAge and
// prunes parked identities past the token grace window. Returns the evicted
// node ids.
func (r *Registry) EvictStale(maxAge time.Duration) []string {
	r.mu.Lock()
	now := r.nowFn()
	var evicted []string
	var transports []Transport
	for _, node := range r.nodes {
		if now.Sub(node.LastHeartbeat) <= maxAge {
			continue
		}
		node.Reputation = clampReputation(node.Reputation - evictionReputationPenalty)
		if node.transport != nil {
			transports = append(transports, node.transport)
		}
		r.removeLocked(node)
		evicted = append(evicted, node.ID)
	}
	for token, parked := range r.parked {
		if now.Sub(parked.ParkedAt) > tokenGrace {
			delete(r.parked, token)
		}
	}
	hook := r.evictHook
	count := len(r.nodes)
	r.mu.Unlock()

	for _, t := range transports {
		t.Close("heartbeat timeout")
	}
	if len(evicted) > 0 {
		r.logger.Warn("evicted stale nodes", "count", len(evicted))
		observability.Orchestrator().SetConnectedNodes(count)
	}
	if hook != nil {
		for _, id := range evicted {
			hook(id)
		}
	}
	return evicted
}

// Run drives the eviction ticker until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictStale(HeartbeatTimeout)
		}
	}
}

// FindNode returns the best node satisfying the requirements, restricted to
// the workspace when one is given. Ordering: available first, then descending
// reputation, ascending load, ascending id; a preferred-vendor hit breaks
// remaining ties.
func (r *Registry) FindNode(req capability.Requirements, workspaceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidates []*Node
	for _, node := range r.nodes {
		if workspaceID != "" && !node.inWorkspace(workspaceID) {
			continue
		}
		if !node.Capabilities.Satisfies(req) {
			continue
		}
		candidates = append(candidates, node)
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Available != b.Available {
			return a.Available
		}
		if a.Reputation != b.Reputation {
			return a.Reputation > b.Reputation
		}
		if a.CurrentJobs != b.CurrentJobs {
			return a.CurrentJobs < b.CurrentJobs
		}
		av, bv := a.Capabilities.PrefersVendor(req), b.Capabilities.PrefersVendor(req)
		if av != bv {
			return av
		}
		return a.ID < b.ID
	})
	return candidates[0].ID, true
}

// Reserve atomically takes a job slot on the node. Matching and reservation
// are separate so the scheduler can recheck availability at assignment time.
func (r *Registry) Reserve(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	if !node.Available {
		return ErrNotAvailable
	}
	node.CurrentJobs++
	return nil
}

// Release returns a job slot taken by Reserve. Releasing an evicted node is a
// no-op.
func (r *Registry) Release(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	if node.CurrentJobs > 0 {
		node.CurrentJobs--
	}
}

// Claim takes ownership of an unowned node. Claim-on-first-request: exactly
// one user wins; re-claiming by the same user is idempotent.
func (r *Registry) Claim(nodeID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	if node.OwnerUserID != "" && node.OwnerUserID != userID {
		return ErrAlreadyOwned
	}
	node.OwnerUserID = userID
	return nil
}

// SetWorkspaces replaces the node's workspace visibility set. Only the
// claimer may call it. The node learns of the change via a
// workspaces_updated frame.
func (r *Registry) SetWorkspaces(nodeID, userID string, workspaceIDs []string) error {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return ErrNodeNotFound
	}
	if node.OwnerUserID != userID {
		r.mu.Unlock()
		return ErrNotOwner
	}
	node.Workspaces = make(map[string]struct{}, len(workspaceIDs))
	for _, ws := range workspaceIDs {
		node.Workspaces[ws] = struct{}{}
	}
	transport := node.transport
	r.mu.Unlock()

	if transport != nil {
		_ = transport.Enqueue(protocol.WorkspacesUpdatedFrame{
			Type:         protocol.TypeWorkspacesUpdated,
			WorkspaceIDs: workspaceIDs,
		})
	}
	return nil
}

// UpdateLimits forwards operator resource limits to the node, best-effort.
func (r *Registry) UpdateLimits(nodeID string, frame protocol.UpdateLimitsFrame) error {
	frame.Type = protocol.TypeUpdateLimits
	return r.Send(nodeID, frame)
}

// Send enqueues a frame on the node's write buffer.
func (r *Registry) Send(nodeID string, frame any) error {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	var transport Transport
	if ok {
		transport = node.transport
	}
	r.mu.Unlock()
	if !ok || transport == nil {
		return ErrNodeNotFound
	}
	return transport.Enqueue(frame)
}

// AdjustReputation moves the node's reputation by delta, clamped to [0,100].
func (r *Registry) AdjustReputation(nodeID string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	node.Reputation = clampReputation(node.Reputation + delta)
}

// Get returns a snapshot of one node.
func (r *Registry) Get(nodeID string) (View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return View{}, ErrNodeNotFound
	}
	return node.view(), nil
}

// OwnerWallet returns the wallet identifier credited when jobs on this node
// settle. Unclaimed nodes earn into a node-scoped wallet so operators can
// claim accrued value later.
func (r *Registry) OwnerWallet(nodeID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return "", ErrNodeNotFound
	}
	if node.OwnerUserID != "" {
		return "user:" + node.OwnerUserID, nil
	}
	return "node:" + node.ID, nil
}

// ListForWorkspace returns the nodes visible inside one workspace.
func (r *Registry) ListForWorkspace(workspaceID string) []View {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []View
	for _, node := range r.nodes {
		if node.inWorkspace(workspaceID) {
			out = append(out, node.view())
		}
	}
	sortViews(out)
	return out
}

// VisibleTo returns the union of nodes sharing a workspace with the user plus
// all unclaimed nodes (claim-on-first-request onboarding).
func (r *Registry) VisibleTo(userWorkspaces []string) []View {
	member := make(map[string]struct{}, len(userWorkspaces))
	for _, ws := range userWorkspaces {
		member[ws] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []View
	for _, node := range r.nodes {
		if node.OwnerUserID == "" {
			out = append(out, node.view())
			continue
		}
		for ws := range node.Workspaces {
			if _, ok := member[ws]; ok {
				out = append(out, node.view())
				break
			}
		}
	}
	sortViews(out)
	return out
}

// Count returns the number of live nodes.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

func (r *Registry) removeLocked(node *Node) {
	delete(r.nodes, node.ID)
	delete(r.byToken, node.Token)
	r.parked[node.Token] = &parkedIdentity{
		NodeID:     node.ID,
		Reputation: node.Reputation,
		Owner:      node.OwnerUserID,
		Workspaces: node.Workspaces,
		ParkedAt:   r.nowFn(),
	}
}

func sortViews(views []View) {
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
}

func clampReputation(v int) int {
	if v > MaxReputation {
		return MaxReputation
	}
	if v < MinReputation {
		return MinReputation
	}
	return v
}
