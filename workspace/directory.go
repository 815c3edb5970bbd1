package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrWorkspaceNotFound is returned for unknown workspace ids or invite
	// codes.
	ErrWorkspaceNotFound = errors.New("workspace: not found")
	// ErrNotMember is returned when the acting user does not belong to the
	// workspace.
	ErrNotMember = errors.New("workspace: not a member")
	// ErrForbidden is returned when the acting user's role does not permit
	// the operation.
	ErrForbidden = errors.New("workspace: insufficient role")
	// ErrOwnerCannotLeave is returned when the owner tries to leave without
	// deleting the workspace.
	ErrOwnerCannotLeave = errors.New("workspace: owner cannot leave")
)

// Directory is the authoritative membership index. All mutations run under one
// mutex and are snapshotted to the store before the call returns.
type Directory struct {
	mu         sync.Mutex
	workspaces map[string]*Workspace
	byInvite   map[string]string

	store  *Store
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewDirectory loads the persisted snapshot, when one exists, and returns the
// directory. A nil store keeps everything in memory.
func NewDirectory(store *Store, logger *slog.Logger) (*Directory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{
		workspaces: make(map[string]*Workspace),
		byInvite:   make(map[string]string),
		store:      store,
		logger:     logger,
		nowFn:      time.Now,
	}
	if store != nil {
		loaded, err := store.Load()
		if err != nil {
			return nil, err
		}
		for _, ws := range loaded {
			d.workspaces[ws.ID] = ws
			d.byInvite[ws.InviteCode] = ws.ID
		}
		if len(loaded) > 0 {
			logger.Info("workspace snapshot loaded", "count", len(loaded))
		}
	}
	return d, nil
}

// SetNowFunc overrides the directory clock. Intended for deterministic tests.
func (d *Directory) SetNowFunc(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if now == nil {
		d.nowFn = time.Now
		return
	}
	d.nowFn = now
}

// Create provisions a workspace with the caller as owner and a fresh invite
// code.
func (d *Directory) Create(name, ownerID string) (*Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("workspace: name required")
	}
	if ownerID == "" {
		return nil, fmt.Errorf("workspace: owner required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	code, err := d.uniqueInviteLocked()
	if err != nil {
		return nil, err
	}
	now := d.nowFn()
	ws := &Workspace{
		ID:         uuid.NewString(),
		Name:       name,
		OwnerID:    ownerID,
		InviteCode: code,
		Members:    []Member{{UserID: ownerID, Role: RoleOwner, JoinedAt: now}},
		CreatedAt:  now,
	}
	d.workspaces[ws.ID] = ws
	d.byInvite[code] = ws.ID
	if err := d.persistLocked(); err != nil {
		delete(d.workspaces, ws.ID)
		delete(d.byInvite, code)
		return nil, err
	}
	d.logger.Info("workspace created", "workspace_id", ws.ID, "owner_id", ownerID)
	return ws.Clone(), nil
}

// Get returns a snapshot of the workspace. Only members may read it.
func (d *Directory) Get(id, userID string) (*Workspace, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ws, ok := d.workspaces[id]
	if !ok {
		return nil, ErrWorkspaceNotFound
	}
	if _, member := ws.MemberRole(userID); !member {
		return nil, ErrNotMember
	}
	return ws.Clone(), nil
}

// Join adds the user to the workspace matching the invite code. Joining a
// workspace the user already belongs to returns it unchanged.
func (d *Directory) Join(inviteCode, userID string) (*Workspace, error) {
	inviteCode = strings.ToUpper(strings.TrimSpace(inviteCode))
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byInvite[inviteCode]
	if !ok {
		return nil, ErrWorkspaceNotFound
	}
	ws := d.workspaces[id]
	if _, member := ws.MemberRole(userID); member {
		return ws.Clone(), nil
	}
	ws.Members = append(ws.Members, Member{UserID: userID, Role: RoleMember, JoinedAt: d.nowFn()})
	if err := d.persistLocked(); err != nil {
		ws.Members = ws.Members[:len(ws.Members)-1]
		return nil, err
	}
	d.logger.Info("workspace joined", "workspace_id", ws.ID, "user_id", userID)
	return ws.Clone(), nil
}

// Leave removes the user from the workspace. The owner must delete the
// workspace instead.
func (d *Directory) Leave(id, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ws, ok := d.workspaces[id]
	if !ok {
		return ErrWorkspaceNotFound
	}
	role, member := ws.MemberRole(userID)
	if !member {
		return ErrNotMember
	}
	if role == RoleOwner {
		return ErrOwnerCannotLeave
	}
	kept := make([]Member, 0, len(ws.Members)-1)
	for _, m := range ws.Members {
		if m.UserID != userID {
			kept = append(kept, m)
		}
	}
	prev := ws.Members
	ws.Members = kept
	if err := d.persistLocked(); err != nil {
		ws.Members = prev
		return err
	}
	return nil
}

// Delete removes the workspace entirely. Owner only.
func (d *Directory) Delete(id, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ws, ok := d.workspaces[id]
	if !ok {
		return ErrWorkspaceNotFound
	}
	if ws.OwnerID != userID {
		return ErrForbidden
	}
	delete(d.workspaces, id)
	delete(d.byInvite, ws.InviteCode)
	if err := d.persistLocked(); err != nil {
		d.workspaces[id] = ws
		d.byInvite[ws.InviteCode] = id
		return err
	}
	d.logger.Info("workspace deleted", "workspace_id", id)
	return nil
}

// RegenerateInviteCode rotates the invite code, invalidating the old one.
// Requires admin or owner.
func (d *Directory) RegenerateInviteCode(id, userID string) (*Workspace, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ws, ok := d.workspaces[id]
	if !ok {
		return nil, ErrWorkspaceNotFound
	}
	role, member := ws.MemberRole(userID)
	if !member {
		return nil, ErrNotMember
	}
	if !role.atLeast(RoleAdmin) {
		return nil, ErrForbidden
	}
	code, err := d.uniqueInviteLocked()
	if err != nil {
		return nil, err
	}
	old := ws.InviteCode
	delete(d.byInvite, old)
	ws.InviteCode = code
	d.byInvite[code] = id
	if err := d.persistLocked(); err != nil {
		delete(d.byInvite, code)
		ws.InviteCode = old
		d.byInvite[old] = id
		return nil, err
	}
	return ws.Clone(), nil
}

// ListForUser returns every workspace the user belongs to, oldest first.
func (d *Directory) ListForUser(userID string) []*Workspace {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Workspace
	for _, ws := range d.workspaces {
		if _, member := ws.MemberRole(userID); member {
			out = append(out, ws.Clone())
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

// IDsForUser returns the ids of every workspace the user belongs to.
func (d *Directory) IDsForUser(userID string) []string {
	workspaces := d.ListForUser(userID)
	ids := make([]string, 0, len(workspaces))
	for _, ws := range workspaces {
		ids = append(ids, ws.ID)
	}
	return ids
}

// IsMember reports whether the user belongs to the workspace.
func (d *Directory) IsMember(id, userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ws, ok := d.workspaces[id]
	if !ok {
		return false
	}
	_, member := ws.MemberRole(userID)
	return member
}

func (d *Directory) uniqueInviteLocked() (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		code, err := newInviteCode()
		if err != nil {
			return "", err
		}
		if _, taken := d.byInvite[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("workspace: invite code space exhausted")
}

func (d *Directory) persistLocked() error {
	if d.store == nil {
		return nil
	}
	snapshot := make([]*Workspace, 0, len(d.workspaces))
	for _, ws := range d.workspaces {
		snapshot = append(snapshot, ws)
	}
	if err := d.store.Save(snapshot); err != nil {
		return fmt.Errorf("workspace: persist snapshot: %w", err)
	}
	return nil
}
