package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/voxdesk/internal/audit"
	"github.com/basket/voxdesk/internal/bus"
	"github.com/basket/voxdesk/internal/config"
	"github.com/basket/voxdesk/internal/gateway"
	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/policy"
	"github.com/basket/voxdesk/internal/queue"
	"github.com/basket/voxdesk/internal/redact"
	"github.com/basket/voxdesk/internal/voice"
)

const webhookSecret = "hook-secret"

// fakeProvider mimics the voice provider's REST API.
type fakeProvider struct {
	mu         sync.Mutex
	ts         *httptest.Server
	placed     []voice.CallRequest
	stopped    []string
	executions map[string]voice.Execution
	failStatus int
	next       int
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{executions: map[string]voice.Execution{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /call", func(w http.ResponseWriter, r *http.Request) {
		fp.mu.Lock()
		defer fp.mu.Unlock()
		if fp.failStatus != 0 {
			http.Error(w, `{"message":"slow down"}`, fp.failStatus)
			return
		}
		var req voice.CallRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		fp.placed = append(fp.placed, req)
		fp.next++
		_ = json.NewEncoder(w).Encode(voice.CallResponse{ExecutionID: fmt.Sprintf("exec-%d", fp.next), Status: "queued"})
	})
	mux.HandleFunc("POST /call/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		fp.mu.Lock()
		fp.stopped = append(fp.stopped, r.PathValue("id"))
		fp.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /executions/{id}", func(w http.ResponseWriter, r *http.Request) {
		fp.mu.Lock()
		exec, ok := fp.executions[r.PathValue("id")]
		fp.mu.Unlock()
		if !ok {
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(exec)
	})
	mux.HandleFunc("GET /executions/{id}/log", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"type":"request","component":"llm","data":"hello Jane"}]}`)
	})
	mux.HandleFunc("GET /agent/{id}/executions", func(w http.ResponseWriter, r *http.Request) {
		fp.mu.Lock()
		var out []voice.Execution
		for _, e := range fp.executions {
			if e.AgentID == r.PathValue("id") {
				out = append(out, e)
			}
		}
		fp.mu.Unlock()
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("GET /agent", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[
			{"id":"agent-1","agent_name":"Sales","agent_status":"processed","agent_config":{"prompt":"secret sauce"}},
			{"id":"agent-9","agent_name":"Other","agent_status":"processed"}
		]`)
	})
	mux.HandleFunc("POST /agent", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"agent_id":"agent-new","status":"created"}`)
	})
	mux.HandleFunc("DELETE /agent/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /recordings/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = io.WriteString(w, "fake-audio-"+r.PathValue("id"))
	})
	fp.ts = httptest.NewServer(mux)
	t.Cleanup(fp.ts.Close)
	return fp
}

func (fp *fakeProvider) stopCount() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return len(fp.stopped)
}

func (fp *fakeProvider) setExecution(e voice.Execution) {
	fp.mu.Lock()
	fp.executions[e.ID] = e
	fp.mu.Unlock()
}

type env struct {
	ts       *httptest.Server
	srv      *gateway.Server
	store    *persistence.Store
	provider *fakeProvider
	users    map[string]*persistence.Profile
	tokens   map[string]string
	campaign string
	leads    []string
}

// newEnv builds a gateway over a temp store with one user per role. The
// telecaller and lead manager belong to "client"; "client2" is a separate
// tenant. Lead 0 is assigned to the telecaller.
func newEnv(t *testing.T, opts ...func(*gateway.Config)) *env {
	t.Helper()
	ctx := context.Background()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "voxdesk.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	e := &env{store: store, provider: newFakeProvider(t), users: map[string]*persistence.Profile{}, tokens: map[string]string{}}
	mk := func(key string, p persistence.Profile) {
		t.Helper()
		id, err := store.CreateProfile(ctx, p)
		if err != nil {
			t.Fatalf("create %s: %v", key, err)
		}
		prof, err := store.GetProfile(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		tok, err := store.IssueToken(ctx, id, key, time.Hour)
		if err != nil {
			t.Fatalf("issue token %s: %v", key, err)
		}
		e.users[key], e.tokens[key] = prof, tok
	}
	mk("admin", persistence.Profile{Email: "ada@voxdesk.test", FullName: "Ada Admin", Roles: []string{policy.RoleAdmin}})
	mk("engineer", persistence.Profile{Email: "eve@voxdesk.test", FullName: "Eve Engineer", Roles: []string{policy.RoleEngineer}})
	mk("client", persistence.Profile{Email: "carl@acme.test", FullName: "Carl Client", Phone: "+15557654321", Credits: 10, Roles: []string{policy.RoleClient}})
	mk("client2", persistence.Profile{Email: "dora@other.test", FullName: "Dora Other", Credits: 10, Roles: []string{policy.RoleClient}})
	mk("telecaller", persistence.Profile{Email: "tom@acme.test", FullName: "Tom Caller", ParentClientID: e.users["client"].ID, Roles: []string{policy.RoleTelecaller}})
	mk("lead_manager", persistence.Profile{Email: "lena@acme.test", FullName: "Lena Manager", ParentClientID: e.users["client"].ID, Roles: []string{policy.RoleLeadManager}})

	campaignID, err := store.CreateCampaign(ctx, persistence.Campaign{
		ClientID: e.users["client"].ID, Name: "spring", AgentID: "agent-1", Status: persistence.CampaignRunning,
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	e.campaign = campaignID
	for i := 0; i < 3; i++ {
		id, err := store.AddLead(ctx, persistence.Lead{
			CampaignID: campaignID, Name: fmt.Sprintf("Jane Doe%d", i), Phone: fmt.Sprintf("+1555123%04d", i),
			Email: fmt.Sprintf("jane%d@example.com", i),
		})
		if err != nil {
			t.Fatalf("add lead: %v", err)
		}
		e.leads = append(e.leads, id)
	}
	if err := store.AssignLead(ctx, e.leads[0], e.users["telecaller"].ID); err != nil {
		t.Fatalf("assign lead: %v", err)
	}

	vc := voice.NewClient(e.provider.ts.URL, "test-key", 5*time.Second)
	pol := policy.Default()
	pol.AllowLoopback = true
	signer, err := redact.NewSigner("recording-test-key", time.Minute)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	q := queue.New(queue.Options{
		Store:  store,
		Dialer: vc,
		Bus:    b,
		Config: config.QueueConfig{BatchSize: 10, DefaultConcurrency: 2, MaxConcurrency: 5, MaxAttempts: 3, CreditsPerCall: 1},
	})
	cfg := gateway.Config{
		Store:          store,
		Queue:          q,
		Voice:          vc,
		Policy:         pol,
		Signer:         signer,
		WebhookSecret:  webhookSecret,
		CreditsPerCall: 1,
		RateLimit:      config.RateLimitConfig{Enabled: false},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := gateway.New(cfg)
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	e.srv = srv
	e.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(e.ts.Close)
	return e
}

// do sends a request as user (empty for anonymous) and returns the status
// and raw body.
func (e *env) do(t *testing.T, method, path, user string, body any) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[user])
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, raw
}

func decode(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return out
}

func items(t *testing.T, raw []byte, key string) []map[string]any {
	t.Helper()
	var out map[string][]map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return out[key]
}

func TestAdminGatedActions_ForbiddenWithoutData(t *testing.T) {
	e := newEnv(t)
	for _, action := range []string{"get-profiles", "get-engineers"} {
		for _, user := range []string{"engineer", "client", "telecaller", "lead_manager"} {
			status, raw := e.do(t, http.MethodGet, "/functions/secure-data-proxy?action="+action, user, nil)
			if status != http.StatusForbidden {
				t.Fatalf("%s as %s: status %d, want 403", action, user, status)
			}
			if got := strings.TrimSpace(string(raw)); got != `{"error":"forbidden"}` {
				t.Fatalf("%s as %s: body %s", action, user, got)
			}
		}
		status, raw := e.do(t, http.MethodGet, "/functions/secure-data-proxy?action="+action, "admin", nil)
		if status != http.StatusOK {
			t.Fatalf("%s as admin: status %d body %s", action, status, raw)
		}
	}
}

func TestProfileListsHonorLimit(t *testing.T) {
	e := newEnv(t)
	if _, err := e.store.CreateProfile(context.Background(), persistence.Profile{Email: "ed@voxdesk.test", Roles: []string{policy.RoleEngineer}}); err != nil {
		t.Fatalf("create engineer: %v", err)
	}
	tests := []struct {
		action, key string
		limit       string
		want        int
	}{
		{action: "get-profiles", key: "profiles", want: 7},
		{action: "get-profiles", key: "profiles", limit: "2", want: 2},
		{action: "get-clients", key: "clients", limit: "1", want: 1},
		{action: "get-engineers", key: "engineers", want: 2},
		{action: "get-engineers", key: "engineers", limit: "1", want: 1},
	}
	for _, tt := range tests {
		path := "/functions/secure-data-proxy?action=" + tt.action
		if tt.limit != "" {
			path += "&limit=" + tt.limit
		}
		status, raw := e.do(t, http.MethodGet, path, "admin", nil)
		if status != http.StatusOK {
			t.Fatalf("%s: %d %s", path, status, raw)
		}
		if got := items(t, raw, tt.key); len(got) != tt.want {
			t.Errorf("%s returned %d rows, want %d", path, len(got), tt.want)
		}
	}
}

func TestFunctions_RequireValidBearer(t *testing.T) {
	e := newEnv(t)
	if status, _ := e.do(t, http.MethodGet, "/functions/secure-data-proxy?action=get-profiles", "", nil); status != http.StatusUnauthorized {
		t.Fatalf("anonymous: status %d, want 401", status)
	}
	req, _ := http.NewRequest(http.MethodGet, e.ts.URL+"/functions/secure-data-proxy?action=get-profiles", nil)
	req.Header.Set("Authorization", "Bearer vx_not-a-real-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d, want 401", resp.StatusCode)
	}
}

func TestFunctions_UnknownAndMissingAction(t *testing.T) {
	e := newEnv(t)
	if status, _ := e.do(t, http.MethodGet, "/functions/secure-data-proxy?action=drop-tables", "admin", nil); status != http.StatusNotFound {
		t.Fatalf("unknown action: status %d, want 404", status)
	}
	if status, _ := e.do(t, http.MethodGet, "/functions/secure-data-proxy", "admin", nil); status != http.StatusBadRequest {
		t.Fatalf("missing action: status %d, want 400", status)
	}
}

func TestFunctions_SchemaRejectsBadParams(t *testing.T) {
	e := newEnv(t)
	status, raw := e.do(t, http.MethodPost, "/functions/voice-proxy", "admin", map[string]any{"action": "get-execution"})
	if status != http.StatusBadRequest {
		t.Fatalf("missing execution_id: status %d body %s", status, raw)
	}
	status, _ = e.do(t, http.MethodGet, "/functions/secure-data-proxy?action=get-calls&limit=lots", "admin", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d, want 400", status)
	}
}

func TestDeniedActionIsAudited(t *testing.T) {
	home := t.TempDir()
	if err := audit.Init(home); err != nil {
		t.Fatalf("audit init: %v", err)
	}
	t.Cleanup(func() { _ = audit.Close() })

	e := newEnv(t)
	e.do(t, http.MethodGet, "/functions/secure-data-proxy?action=get-profiles", "client", nil)

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	text := string(raw)
	for _, want := range []string{`"decision":"deny"`, `"action":"secure-data-proxy.get-profiles"`, `"reason":"role_not_allowed"`} {
		if !strings.Contains(text, want) {
			t.Fatalf("audit log missing %s: %s", want, text)
		}
	}
}

func TestGetLeads_ScopedAndMasked(t *testing.T) {
	e := newEnv(t)

	status, raw := e.do(t, http.MethodGet, "/functions/secure-data-proxy?action=get-leads", "client", nil)
	if status != http.StatusOK {
		t.Fatalf("client get-leads: %d %s", status, raw)
	}
	leads := items(t, raw, "leads")
	if len(leads) != 3 {
		t.Fatalf("client sees %d leads, want 3", len(leads))
	}
	body := string(raw)
	for i := 0; i < 3; i++ {
		if strings.Contains(body, fmt.Sprintf("+1555123%04d", i)) || strings.Contains(body, fmt.Sprintf("jane%d@", i)) {
			t.Fatalf("unmasked lead data leaked: %s", body)
		}
	}
	if got := leads[0]["phone"]; got != "*******0000" {
		t.Fatalf("masked phone = %v", got)
	}
	if got := leads[0]["email"]; got != "j***@example.com" {
		t.Fatalf("masked email = %v", got)
	}
	if got := leads[0]["name"]; got != "J.D." {
		t.Fatalf("masked name = %v", got)
	}

	_, raw = e.do(t, http.MethodGet, "/functions/secure-data-proxy?action=get-leads", "telecaller", nil)
	if got := items(t, raw, "leads"); len(got) != 1 || got[0]["id"] != e.leads[0] {
		t.Fatalf("telecaller leads = %v", got)
	}
	_, raw = e.do(t, http.MethodGet, "/functions/secure-data-proxy?action=get-leads", "lead_manager", nil)
	if got := items(t, raw, "leads"); len(got) != 3 {
		t.Fatalf("lead manager sees %d leads, want 3", len(got))
	}
	_, raw = e.do(t, http.MethodGet, "/functions/secure-data-proxy?action=get-leads", "client2", nil)
	if got := items(t, raw, "leads"); len(got) != 0 {
		t.Fatalf("other tenant sees %d leads", len(got))
	}
}

func TestGetCalls_ClientSeesOwnMaskedCalls(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, owner := range []string{"client", "client2"} {
		if _, err := e.store.CreateCall(ctx, persistence.Call{
			ClientID:     e.users[owner].ID,
			AgentID:      "agent-1234567890",
			ExecutionID:  "exec-" + owner,
			ToNumber:     "+15559998888",
			Transcript:   "hello there",
			Summary:      "Jane Doe at 555-123-0000 agreed",
			RecordingURL: "https://cdn.example.com/rec/" + owner + ".mp3",
		}); err != nil {
			t.Fatalf("create call: %v", err)
		}
	}

	_, raw := e.do(t, http.MethodGet, "/functions/secure-data-proxy?action=get-calls", "client", nil)
	calls := items(t, raw, "calls")
	if len(calls) != 1 || calls[0]["execution_id"] != "exec-client" {
		t.Fatalf("client calls = %v", calls)
	}
	c := calls[0]
	if c["to_number"] != "*******8888" || c["agent_id"] != "agent-12..." {
		t.Fatalf("call not masked: %v", c)
	}
	if _, ok := c["recording_url"]; ok {
		t.Fatalf("recording url leaked: %v", c)
	}
	if c["has_recording"] != true {
		t.Fatalf("has_recording = %v", c["has_recording"])
	}
	if tr, _ := c["transcript"].(string); !strings.HasPrefix(tr, "b64:") {
		t.Fatalf("transcript not enveloped: %q", tr)
	}
	if sum, _ := c["summary"].(string); !strings.HasPrefix(sum, "b64:") {
		t.Fatalf("summary not enveloped: %q", sum)
	}
	if strings.Contains(string(raw), "555-123-0000") {
		t.Fatalf("summary leaked: %s", raw)
	}

	_, raw = e.do(t, http.MethodGet, "/functions/secure-data-proxy?action=get-calls", "engineer", nil)
	if got := items(t, raw, "calls"); len(got) != 2 {
		t.Fatalf("engineer sees %d calls, want 2", len(got))
	}
}

func TestGetTasks_EngineerSeesOwn(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	other, err := e.store.CreateProfile(ctx, persistence.Profile{Email: "ed@voxdesk.test", Roles: []string{policy.RoleEngineer}})
	if err != nil {
		t.Fatalf("create engineer: %v", err)
	}
	for _, eng := range []string{e.users["engineer"].ID, other} {
		if _, err := e.store.CreateTask(ctx, persistence.Task{EngineerID: eng, Title: "tune agent"}); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}
	_, raw := e.do(t, http.MethodGet, "/functions/secure-data-proxy?action=get-tasks&engineer_id="+other, "engineer", nil)
	tasks := items(t, raw, "tasks")
	if len(tasks) != 1 || tasks[0]["engineer_id"] != e.users["engineer"].ID {
		t.Fatalf("engineer tasks = %v", tasks)
	}
	_, raw = e.do(t, http.MethodGet, "/functions/secure-data-proxy?action=get-tasks", "admin", nil)
	if got := items(t, raw, "tasks"); len(got) != 2 {
		t.Fatalf("admin sees %d tasks, want 2", len(got))
	}
}

func TestRecordingTokenFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	recURL := e.provider.ts.URL + "/recordings/exec-rec"
	if _, err := e.store.CreateCall(ctx, persistence.Call{
		ClientID: e.users["client"].ID, AgentID: "agent-1", ExecutionID: "exec-rec", ToNumber: "+15550001111",
	}); err != nil {
		t.Fatalf("create call: %v", err)
	}
	e.provider.setExecution(voice.Execution{
		ID: "exec-rec", AgentID: "agent-1", Status: voice.ExecCompleted,
		TelephonyData: voice.TelephonyData{RecordingURL: recURL, ToNumber: "+15550001111"},
	})

	status, raw := e.do(t, http.MethodPost, "/functions/voice-proxy", "client",
		map[string]any{"action": "get-recording-url", "execution_id": "exec-rec"})
	if status != http.StatusOK {
		t.Fatalf("get-recording-url: %d %s", status, raw)
	}
	if strings.Contains(string(raw), e.provider.ts.URL) {
		t.Fatalf("provider url leaked: %s", raw)
	}
	link, _ := decode(t, raw)["url"].(string)
	if link == "" {
		t.Fatalf("no url in %s", raw)
	}

	status, audio := e.do(t, http.MethodGet, link, "", nil)
	if status != http.StatusOK || string(audio) != "fake-audio-exec-rec" {
		t.Fatalf("stream: %d %q", status, audio)
	}

	status, _ = e.do(t, http.MethodGet, link+"x", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("tampered token: status %d, want 401", status)
	}

	status, raw = e.do(t, http.MethodPost, "/functions/voice-proxy", "client2",
		map[string]any{"action": "get-recording-url", "execution_id": "exec-rec"})
	if status != http.StatusForbidden || strings.Contains(string(raw), "token") {
		t.Fatalf("other tenant: %d %s", status, raw)
	}
}

func TestRecordingURL_DisabledWithoutSigner(t *testing.T) {
	e := newEnv(t, func(c *gateway.Config) { c.Signer = nil })
	if _, err := e.store.CreateCall(context.Background(), persistence.Call{
		ClientID: e.users["client"].ID, AgentID: "agent-1", ExecutionID: "exec-x", ToNumber: "+15550001111",
	}); err != nil {
		t.Fatalf("create call: %v", err)
	}
	status, _ := e.do(t, http.MethodPost, "/functions/voice-proxy", "client",
		map[string]any{"action": "get-recording-url", "execution_id": "exec-x"})
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", status)
	}
}

func TestGetExecution_MasksProviderData(t *testing.T) {
	e := newEnv(t)
	e.provider.setExecution(voice.Execution{
		ID: "exec-admin", AgentID: "agent-1", Status: voice.ExecCompleted, Transcript: "my card is 4242",
		Summary:       "Jane Doe at 555-123-0000 agreed",
		TelephonyData: voice.TelephonyData{ToNumber: "+15551112222", FromNumber: "+15553334444", RecordingURL: "https://cdn.example.com/r.mp3"},
	})
	status, raw := e.do(t, http.MethodPost, "/functions/voice-proxy", "engineer",
		map[string]any{"action": "get-execution", "execution_id": "exec-admin"})
	if status != http.StatusOK {
		t.Fatalf("get-execution: %d %s", status, raw)
	}
	body := string(raw)
	for _, leak := range []string{"+15551112222", "+15553334444", "cdn.example.com", "my card is", "555-123-0000"} {
		if strings.Contains(body, leak) {
			t.Fatalf("execution leaked %q: %s", leak, body)
		}
	}

	// Clients cannot reach executions that are not theirs.
	status, _ = e.do(t, http.MethodPost, "/functions/voice-proxy", "client",
		map[string]any{"action": "get-execution", "execution_id": "exec-admin"})
	if status != http.StatusNotFound {
		t.Fatalf("client on foreign execution: status %d, want 404", status)
	}
}

func TestListAgents_FilteredAndConfigDropped(t *testing.T) {
	e := newEnv(t)
	_, raw := e.do(t, http.MethodGet, "/functions/voice-proxy?action=list-agents", "client", nil)
	agents := items(t, raw, "agents")
	if len(agents) != 1 || agents[0]["id"] != "agent-1" {
		t.Fatalf("client agents = %v", agents)
	}
	if strings.Contains(string(raw), "secret sauce") {
		t.Fatalf("agent config leaked: %s", raw)
	}
	_, raw = e.do(t, http.MethodGet, "/functions/voice-proxy?action=list-agents", "engineer", nil)
	if got := items(t, raw, "agents"); len(got) != 2 {
		t.Fatalf("engineer sees %d agents, want 2", len(got))
	}
	if status, _ := e.do(t, http.MethodPost, "/functions/voice-proxy", "client",
		map[string]any{"action": "create-agent", "agent_config": map[string]any{"agent_name": "x"}}); status != http.StatusForbidden {
		t.Fatalf("client create-agent: status %d, want 403", status)
	}
	status, raw := e.do(t, http.MethodPost, "/functions/voice-proxy", "engineer",
		map[string]any{"action": "create-agent", "agent_config": map[string]any{"agent_name": "x"}})
	if status != http.StatusOK || decode(t, raw)["agent_id"] != "agent-new" {
		t.Fatalf("engineer create-agent: %d %s", status, raw)
	}
}

func TestInitiateCall_OwnershipAndCredits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	status, raw := e.do(t, http.MethodPost, "/functions/voice-proxy", "client",
		map[string]any{"action": "initiate-call", "lead_id": e.leads[1]})
	if status != http.StatusOK {
		t.Fatalf("initiate-call: %d %s", status, raw)
	}
	execID, _ := decode(t, raw)["execution_id"].(string)
	if execID == "" {
		t.Fatalf("no execution id: %s", raw)
	}
	if credits, _ := e.store.Credits(ctx, e.users["client"].ID); credits != 9 {
		t.Fatalf("credits = %d, want 9", credits)
	}
	if c, err := e.store.GetCallByExecution(ctx, execID); err != nil || c.LeadID != e.leads[1] {
		t.Fatalf("call record = %+v, %v", c, err)
	}

	if status, _ := e.do(t, http.MethodPost, "/functions/voice-proxy", "telecaller",
		map[string]any{"action": "initiate-call", "lead_id": e.leads[1]}); status != http.StatusForbidden {
		t.Fatalf("telecaller on unassigned lead: status %d, want 403", status)
	}
	if status, raw := e.do(t, http.MethodPost, "/functions/voice-proxy", "telecaller",
		map[string]any{"action": "initiate-call", "lead_id": e.leads[0]}); status != http.StatusOK {
		t.Fatalf("telecaller on assigned lead: %d %s", status, raw)
	}
	if status, _ := e.do(t, http.MethodPost, "/functions/voice-proxy", "client2",
		map[string]any{"action": "initiate-call", "lead_id": e.leads[2]}); status != http.StatusForbidden {
		t.Fatalf("other tenant: status %d, want 403", status)
	}

	if status, _ := e.do(t, http.MethodPost, "/functions/voice-proxy", "client",
		map[string]any{"action": "initiate-call", "lead_id": e.leads[1], "agent_id": "agent-9"}); status != http.StatusForbidden {
		t.Fatalf("client with foreign agent: status %d, want 403", status)
	}
	if status, raw := e.do(t, http.MethodPost, "/functions/voice-proxy", "client",
		map[string]any{"action": "initiate-call", "lead_id": e.leads[1], "agent_id": "agent-1"}); status != http.StatusOK {
		t.Fatalf("client with own agent: %d %s", status, raw)
	}
	if status, raw := e.do(t, http.MethodPost, "/functions/voice-proxy", "admin",
		map[string]any{"action": "initiate-call", "lead_id": e.leads[2], "agent_id": "agent-9"}); status != http.StatusOK {
		t.Fatalf("admin with any agent: %d %s", status, raw)
	}
	e.provider.mu.Lock()
	for _, req := range e.provider.placed[:len(e.provider.placed)-1] {
		if req.AgentID == "agent-9" {
			t.Errorf("client call placed through agent-9: %+v", req)
		}
	}
	e.provider.mu.Unlock()

	status, _ = e.do(t, http.MethodPost, "/functions/voice-proxy", "client",
		map[string]any{"action": "stop-call", "execution_id": execID})
	if status != http.StatusOK || e.provider.stopCount() != 1 {
		t.Fatalf("stop-call: status %d, stopped %d", status, e.provider.stopCount())
	}
}

func TestInitiateCall_ProviderErrorForwardedAndRefunded(t *testing.T) {
	e := newEnv(t)
	e.provider.mu.Lock()
	e.provider.failStatus = http.StatusTooManyRequests
	e.provider.mu.Unlock()

	status, raw := e.do(t, http.MethodPost, "/functions/voice-proxy", "client",
		map[string]any{"action": "initiate-call", "lead_id": e.leads[1]})
	if status != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429: %s", status, raw)
	}
	if !strings.Contains(string(raw), "slow down") {
		t.Fatalf("provider body not forwarded: %s", raw)
	}
	if credits, _ := e.store.Credits(context.Background(), e.users["client"].ID); credits != 10 {
		t.Fatalf("credits = %d, want refund to 10", credits)
	}
}

func TestGetTodayStats(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, owner := range []string{"client", "client", "client2"} {
		if _, err := e.store.CreateCall(ctx, persistence.Call{ClientID: e.users[owner].ID, AgentID: "agent-1", ToNumber: "+1555"}); err != nil {
			t.Fatalf("create call: %v", err)
		}
	}
	_, raw := e.do(t, http.MethodGet, "/functions/voice-proxy?action=get-today-stats", "client", nil)
	var out struct {
		Stats persistence.CallStats `json:"stats"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Stats.Total != 2 {
		t.Fatalf("client stats total = %d, want 2", out.Stats.Total)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	e := newEnv(t)
	status, raw := e.do(t, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK {
		t.Fatalf("healthz: %d", status)
	}
	h := decode(t, raw)
	if h["db_ok"] != true || h["provider_ready"] != true {
		t.Fatalf("healthz = %v", h)
	}
	if status, _ := e.do(t, http.MethodGet, "/metrics", "client", nil); status != http.StatusForbidden {
		t.Fatalf("client metrics: status %d, want 403", status)
	}
	status, raw = e.do(t, http.MethodGet, "/metrics", "admin", nil)
	if status != http.StatusOK || decode(t, raw)["queue"] == nil {
		t.Fatalf("admin metrics: %d %s", status, raw)
	}
}

func TestRegisteredActionsMatchPolicy(t *testing.T) {
	e := newEnv(t)
	known := map[string]bool{}
	for _, name := range policy.KnownActions() {
		known[name] = true
	}
	registered := map[string]bool{}
	for _, name := range e.srv.Actions().Names() {
		registered[name] = true
		a, _ := e.srv.Actions().Lookup(name)
		if !a.TokenAuth && !known[name] {
			t.Errorf("action %s has no policy entry", name)
		}
	}
	for name := range known {
		if !registered[name] {
			t.Errorf("policy names unregistered action %s", name)
		}
	}
}
