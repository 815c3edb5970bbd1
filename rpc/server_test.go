package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"gridmesh/capability"
	"gridmesh/gateway/middleware"
	"gridmesh/payments"
	"gridmesh/protocol"
	"gridmesh/registry"
	"gridmesh/scheduler"
	"gridmesh/workspace"
)

type testServer struct {
	server *Server
	reg    *registry.Registry
	queue  *scheduler.Queue
	pay    *payments.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	users, err := NewUserStore(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("user store: %v", err)
	}
	t.Cleanup(func() { users.Close() })

	store, err := workspace.NewStore(filepath.Join(t.TempDir(), "workspaces.json"))
	if err != nil {
		t.Fatalf("workspace store: %v", err)
	}
	dir, err := workspace.NewDirectory(store, nil)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}

	reg := registry.NewRegistry(nil)
	pay := payments.NewEngine(payments.DefaultFeeBps)
	queue := scheduler.NewQueue(reg, pay, nil)
	reg.SetEvictHook(queue.NodeEvicted)

	server := NewServer(Deps{
		Registry:  reg,
		Queue:     queue,
		Payments:  pay,
		Directory: dir,
		Users:     users,
		Sessions:  middleware.NewSessions("test-secret", time.Hour, nil),
		AdminKey:  "admin-key",
		Version:   "test",
	})
	return &testServer{server: server, reg: reg, queue: queue, pay: pay}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func (ts *testServer) signup(t *testing.T, username string) (string, *User) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/auth/signup", "", credentialsRequest{Username: username, Password: "hunter2hunter2"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup: %d %s", rec.Code, rec.Body.String())
	}
	resp := decode[sessionResponse](t, rec)
	return resp.Token, resp.User
}

func (ts *testServer) fund(t *testing.T, wallet string, cents int64) string {
	t.Helper()
	acc, err := ts.pay.GetOrCreateAccount(wallet, "")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if _, err := ts.pay.TestCredit(acc.ID, cents); err != nil {
		t.Fatalf("credit: %v", err)
	}
	return acc.ID
}

type stubTransport struct{ frames []any }

func (s *stubTransport) Enqueue(frame any) error { s.frames = append(s.frames, frame); return nil }
func (s *stubTransport) Close(string)            {}

func (ts *testServer) attachNode(t *testing.T, workspaces ...string) string {
	t.Helper()
	id, _, _ := ts.reg.Register(&stubTransport{}, &protocol.RegisterFrame{
		Type: protocol.TypeRegister,
		Capabilities: capability.Descriptor{
			GPUs:   []capability.GPU{{Vendor: "nvidia", Model: "rtx-4090", VRAMMB: 24576, APIs: []capability.ComputeAPI{capability.ComputeCUDA}}},
			CPU:    capability.CPU{Cores: 16, Threads: 32},
			Memory: capability.Memory{TotalMB: 65536, AvailableMB: 49152},
			Docker: true,
		},
		WorkspaceIDs: workspaces,
	})
	return id
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestAuthFlow(t *testing.T) {
	ts := newTestServer(t)
	token, user := ts.signup(t, "alice")
	if user.Username != "alice" || user.Wallet == "" {
		t.Fatalf("unexpected user: %+v", user)
	}

	rec := ts.do(t, http.MethodGet, "/auth/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: %d %s", rec.Code, rec.Body.String())
	}
	me := decode[User](t, rec)
	if me.ID != user.ID {
		t.Fatalf("me returned %s, want %s", me.ID, user.ID)
	}

	rec = ts.do(t, http.MethodPost, "/auth/login", "", credentialsRequest{Username: "alice", Password: "hunter2hunter2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/auth/login", "", credentialsRequest{Username: "alice", Password: "wrong-password"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password must 401, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/auth/signup", "", credentialsRequest{Username: "alice", Password: "hunter2hunter2"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate signup must 409, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/jobs", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("protected route without token must 401, got %d", rec.Code)
	}
}

func TestJobLifecycleOverAPI(t *testing.T) {
	ts := newTestServer(t)
	token, user := ts.signup(t, "alice")
	ts.fund(t, user.Wallet, 10_000)
	nodeID := ts.attachNode(t)

	submit := submitJobRequest{
		Requirements: capability.Requirements{
			GPU:          &capability.GPURequirements{MinVRAMMB: 16384, Requires: []capability.ComputeAPI{capability.ComputeCUDA}},
			MaxCostCents: 500,
		},
		Payload: json.RawMessage(`{"type":"docker","image":"busybox"}`),
	}
	rec := ts.do(t, http.MethodPost, "/jobs", token, submit)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	created := decode[map[string]any](t, rec)
	jobID, _ := created["job_id"].(string)
	if jobID == "" || created["status"] != "pending" {
		t.Fatalf("unexpected submit response: %v", created)
	}

	ts.queue.DispatchOnce()
	ts.queue.HandleResult(nodeID, &protocol.JobResultFrame{
		Type: protocol.TypeJobResult, JobID: jobID,
		Result: protocol.JobResult{Success: true, ActualCostCents: 400},
	})

	rec = ts.do(t, http.MethodGet, "/jobs/"+jobID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job: %d", rec.Code)
	}
	job := decode[scheduler.Job](t, rec)
	if job.Status != scheduler.StatusCompleted {
		t.Fatalf("job status = %s, want completed", job.Status)
	}

	rec = ts.do(t, http.MethodGet, "/jobs", token, nil)
	listed := decode[map[string][]scheduler.Job](t, rec)
	if len(listed["jobs"]) != 1 {
		t.Fatalf("expected 1 job, got %d", len(listed["jobs"]))
	}

	// Cancelling a completed job is NotFound by contract.
	rec = ts.do(t, http.MethodDelete, "/jobs/"+jobID, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cancel terminal job must 404, got %d", rec.Code)
	}
}

func TestSubmitJobInsufficientFunds(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.signup(t, "alice")
	rec := ts.do(t, http.MethodPost, "/jobs", token, submitJobRequest{
		Requirements: capability.Requirements{MaxCostCents: 500},
		Payload:      json.RawMessage(`{"type":"docker"}`),
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitJobValidation(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.signup(t, "alice")
	rec := ts.do(t, http.MethodPost, "/jobs", token, submitJobRequest{
		Payload: json.RawMessage(`{"no_type":true}`),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing payload.type must 400, got %d", rec.Code)
	}
}

func TestJobsAreClientScoped(t *testing.T) {
	ts := newTestServer(t)
	aliceToken, alice := ts.signup(t, "alice")
	bobToken, _ := ts.signup(t, "bob")
	ts.fund(t, alice.Wallet, 1_000)

	rec := ts.do(t, http.MethodPost, "/jobs", aliceToken, submitJobRequest{
		Requirements: capability.Requirements{MaxCostCents: 100},
		Payload:      json.RawMessage(`{"type":"docker"}`),
	})
	created := decode[map[string]any](t, rec)
	jobID, _ := created["job_id"].(string)

	rec = ts.do(t, http.MethodGet, "/jobs/"+jobID, bobToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign job must 404, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodDelete, "/jobs/"+jobID, bobToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign cancel must 404, got %d", rec.Code)
	}
}

func TestNodeClaimAndVisibility(t *testing.T) {
	ts := newTestServer(t)
	aliceToken, _ := ts.signup(t, "alice")
	bobToken, _ := ts.signup(t, "bob")
	nodeID := ts.attachNode(t)

	rec := ts.do(t, http.MethodGet, "/my-nodes", bobToken, nil)
	nodes := decode[map[string][]registry.View](t, rec)
	if len(nodes["nodes"]) != 1 {
		t.Fatalf("unclaimed node must be visible, got %d", len(nodes["nodes"]))
	}

	rec = ts.do(t, http.MethodPost, "/nodes/"+nodeID+"/claim", aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/nodes/"+nodeID+"/claim", bobToken, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second claim must 409, got %d", rec.Code)
	}

	// Claimed node with no workspaces is invisible to others.
	rec = ts.do(t, http.MethodGet, "/my-nodes", bobToken, nil)
	nodes = decode[map[string][]registry.View](t, rec)
	if len(nodes["nodes"]) != 0 {
		t.Fatalf("claimed node must be hidden from non-members, got %d", len(nodes["nodes"]))
	}
}

func TestWorkspaceFlowOverAPI(t *testing.T) {
	ts := newTestServer(t)
	aliceToken, _ := ts.signup(t, "alice")
	bobToken, _ := ts.signup(t, "bob")

	rec := ts.do(t, http.MethodPost, "/workspaces", aliceToken, createWorkspaceRequest{Name: "ml-team"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create workspace: %d %s", rec.Code, rec.Body.String())
	}
	ws := decode[workspace.Workspace](t, rec)

	rec = ts.do(t, http.MethodGet, "/workspaces/"+ws.ID, bobToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-member read must 403, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/workspaces/join", bobToken, joinWorkspaceRequest{InviteCode: ws.InviteCode})
	if rec.Code != http.StatusOK {
		t.Fatalf("join: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodGet, "/workspaces/"+ws.ID+"/nodes", bobToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("member node list: %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/workspaces/"+ws.ID+"/leave", aliceToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("owner leave must 403, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodDelete, "/workspaces/"+ws.ID, aliceToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner delete: %d", rec.Code)
	}
}

func TestDepositFlowOverAPI(t *testing.T) {
	ts := newTestServer(t)
	token, user := ts.signup(t, "alice")

	rec := ts.do(t, http.MethodPost, "/accounts", token, createAccountRequest{WalletAddress: user.Wallet})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account: %d", rec.Code)
	}
	account := decode[payments.Account](t, rec)

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/accounts/%s/deposit", account.ID), token, amountRequest{AmountCents: 2_500})
	if rec.Code != http.StatusCreated {
		t.Fatalf("deposit: %d %s", rec.Code, rec.Body.String())
	}
	deposit := decode[payments.Deposit](t, rec)

	rec = ts.do(t, http.MethodGet, "/accounts/"+account.ID, token, nil)
	balance := decode[payments.Account](t, rec)
	if balance.BalanceCents != 0 {
		t.Fatalf("pending deposit must not move balance: %d", balance.BalanceCents)
	}

	rec = ts.do(t, http.MethodPost, "/deposits/"+deposit.ID+"/confirm", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/accounts/"+account.ID, token, nil)
	balance = decode[payments.Account](t, rec)
	if balance.BalanceCents != 2_500 {
		t.Fatalf("balance = %d, want 2500", balance.BalanceCents)
	}

	rec = ts.do(t, http.MethodPost, "/deposits/"+deposit.ID+"/confirm", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double confirm must 404, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/accounts/%s/withdraw", account.ID), token, amountRequest{AmountCents: 5_000})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("overdraw withdraw must 402, got %d", rec.Code)
	}
}

func TestAdminCreditRequiresKey(t *testing.T) {
	ts := newTestServer(t)
	_, user := ts.signup(t, "alice")
	acc, _ := ts.pay.GetOrCreateAccount(user.Wallet, "")

	rec := ts.do(t, http.MethodPost, "/admin/accounts/"+acc.ID+"/credit", "", amountRequest{AmountCents: 100})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing admin key must 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/accounts/"+acc.ID+"/credit", bytes.NewBufferString(`{"amount_cents":100}`))
	req.Header.Set("X-Admin-Key", "admin-key")
	rec2 := httptest.NewRecorder()
	ts.server.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("admin credit: %d %s", rec2.Code, rec2.Body.String())
	}
	after, _ := ts.pay.Account(acc.ID)
	if after.BalanceCents != 100 {
		t.Fatalf("balance = %d, want 100", after.BalanceCents)
	}
}

func (ts *testServer) doAdmin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Admin-Key", "admin-key")
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyLoginFlow(t *testing.T) {
	ts := newTestServer(t)
	_, user := ts.signup(t, "alice")

	rec := ts.do(t, http.MethodPost, "/admin/users/"+user.ID+"/keys", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("key mint without admin header must 401, got %d", rec.Code)
	}

	rec = ts.doAdmin(t, http.MethodPost, "/admin/users/"+user.ID+"/keys", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("mint key: %d %s", rec.Code, rec.Body.String())
	}
	minted := decode[struct {
		Key string `json:"key"`
		ID  string `json:"id"`
	}](t, rec)
	if minted.Key == "" || minted.ID == "" {
		t.Fatalf("mint response incomplete: %+v", minted)
	}

	rec = ts.do(t, http.MethodPost, "/auth/login", "", credentialsRequest{Key: minted.Key})
	if rec.Code != http.StatusOK {
		t.Fatalf("key login: %d %s", rec.Code, rec.Body.String())
	}
	session := decode[sessionResponse](t, rec)
	if session.User == nil || session.User.ID != user.ID {
		t.Fatalf("key must resolve to its user: %+v", session.User)
	}
	me := ts.do(t, http.MethodGet, "/auth/me", session.Token, nil)
	if me.Code != http.StatusOK {
		t.Fatalf("token from key login rejected: %d", me.Code)
	}

	rec = ts.do(t, http.MethodPost, "/auth/login", "", credentialsRequest{Key: "gmk_wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad key must 401, got %d", rec.Code)
	}

	list := ts.doAdmin(t, http.MethodGet, "/admin/users/"+user.ID+"/keys", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("list keys: %d", list.Code)
	}
	keys := decode[struct {
		Keys []APIKey `json:"keys"`
	}](t, list)
	if len(keys.Keys) != 1 || keys.Keys[0].ID != minted.ID {
		t.Fatalf("key list = %+v", keys.Keys)
	}

	rec = ts.doAdmin(t, http.MethodDelete, "/admin/keys/"+minted.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke key: %d %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/auth/login", "", credentialsRequest{Key: minted.Key})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked key must 401, got %d", rec.Code)
	}
	rec = ts.doAdmin(t, http.MethodDelete, "/admin/keys/"+minted.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double revoke must 404, got %d", rec.Code)
	}
}
