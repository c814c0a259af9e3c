package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/voxdesk/internal/gateway"
	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/queue"
)

func (e *env) campaignPath(action string) string {
	return "/api/campaigns/" + e.campaign + "/" + action
}

func (e *env) webhook(t *testing.T, secret string, body any) (int, []byte) {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, e.ts.URL+"/webhooks/voice", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Webhook-Secret", secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func (e *env) snapshot(t *testing.T, user string) queue.Snapshot {
	t.Helper()
	status, raw := e.do(t, http.MethodGet, e.campaignPath("status"), user, nil)
	if status != http.StatusOK {
		t.Fatalf("status: %d %s", status, raw)
	}
	var snap queue.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func TestCampaignLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	status, raw := e.do(t, http.MethodPost, e.campaignPath("enqueue"), "client", map[string]any{"lead_ids": e.leads})
	if status != http.StatusOK {
		t.Fatalf("enqueue: %d %s", status, raw)
	}
	if got := decode(t, raw)["inserted"]; got != float64(3) {
		t.Fatalf("inserted = %v, want 3", got)
	}
	if status, _ := e.do(t, http.MethodPost, e.campaignPath("enqueue"), "client", map[string]any{"lead_ids": e.leads}); status != http.StatusConflict {
		t.Fatalf("re-enqueue: status %d, want 409", status)
	}

	status, raw = e.do(t, http.MethodPost, "/functions/process-campaign-calls", "client", map[string]any{"campaign_id": e.campaign, "concurrency_level": 2})
	if status != http.StatusOK {
		t.Fatalf("dispatch: %d %s", status, raw)
	}
	res := decode(t, raw)
	if res["success"] != true || res["processed"] != float64(3) || res["successful"] != float64(3) {
		t.Fatalf("dispatch result = %v", res)
	}
	if credits, _ := e.store.Credits(ctx, e.users["client"].ID); credits != 7 {
		t.Fatalf("credits = %d, want 7", credits)
	}
	if snap := e.snapshot(t, "client"); snap.Counts[persistence.QueueInProgress] != 3 || !snap.Active {
		t.Fatalf("snapshot after dispatch = %+v", snap)
	}

	if status, raw := e.webhook(t, webhookSecret, map[string]any{"id": "exec-1", "status": "completed", "conversation_duration": 12.4}); status != http.StatusOK || decode(t, raw)["applied"] != true {
		t.Fatalf("webhook completed: %d %s", status, raw)
	}
	if status, raw := e.webhook(t, webhookSecret, map[string]any{"execution_id": "exec-2", "status": "failed", "error_message": "carrier rejected"}); status != http.StatusOK || decode(t, raw)["applied"] != true {
		t.Fatalf("webhook failed: %d %s", status, raw)
	}
	// Replays are no-ops.
	if _, raw := e.webhook(t, webhookSecret, map[string]any{"id": "exec-1", "status": "completed"}); decode(t, raw)["applied"] != false {
		t.Fatalf("replayed webhook applied: %s", raw)
	}
	if c, err := e.store.GetCallByExecution(ctx, "exec-1"); err != nil || c.DurationSeconds != 12 || c.Status != persistence.CallCompleted {
		t.Fatalf("call after webhook = %+v, %v", c, err)
	}

	snap := e.snapshot(t, "client")
	if snap.Counts[persistence.QueueCompleted] != 1 || snap.Counts[persistence.QueueFailed] != 1 || snap.Counts[persistence.QueueInProgress] != 1 {
		t.Fatalf("snapshot after webhooks = %+v", snap.Counts)
	}

	status, raw = e.do(t, http.MethodPost, e.campaignPath("retry"), "client", nil)
	if status != http.StatusOK || decode(t, raw)["reset"] != float64(1) {
		t.Fatalf("retry: %d %s", status, raw)
	}
	if status, _ := e.do(t, http.MethodPost, e.campaignPath("retry"), "client", nil); status != http.StatusBadRequest {
		t.Fatalf("retry with nothing failed: status %d, want 400", status)
	}
}

func TestCampaignCancel(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, e.campaignPath("enqueue"), "client", map[string]any{"lead_ids": e.leads})

	status, raw := e.do(t, http.MethodPost, e.campaignPath("cancel"), "client", nil)
	if status != http.StatusOK || decode(t, raw)["cancelled"] != float64(3) {
		t.Fatalf("cancel: %d %s", status, raw)
	}
	snap := e.snapshot(t, "client")
	if snap.Counts[persistence.QueueCancelled] != 3 || snap.Active {
		t.Fatalf("snapshot after cancel = %+v", snap)
	}
	// Cancelled rows free the lead for a fresh enqueue.
	if status, _ := e.do(t, http.MethodPost, e.campaignPath("enqueue"), "client", map[string]any{"lead_ids": e.leads[:1]}); status != http.StatusOK {
		t.Fatalf("enqueue after cancel: status %d", status)
	}
}

func TestCampaignRoutes_Authorization(t *testing.T) {
	e := newEnv(t)
	body := map[string]any{"lead_ids": e.leads}

	if status, _ := e.do(t, http.MethodPost, e.campaignPath("enqueue"), "", body); status != http.StatusUnauthorized {
		t.Fatalf("anonymous enqueue: status %d, want 401", status)
	}
	if status, _ := e.do(t, http.MethodPost, e.campaignPath("enqueue"), "client2", body); status != http.StatusForbidden {
		t.Fatalf("other tenant enqueue: status %d, want 403", status)
	}
	if status, _ := e.do(t, http.MethodPost, e.campaignPath("enqueue"), "telecaller", body); status != http.StatusForbidden {
		t.Fatalf("telecaller enqueue: status %d, want 403", status)
	}
	if status, raw := e.do(t, http.MethodPost, e.campaignPath("enqueue"), "lead_manager", body); status != http.StatusOK {
		t.Fatalf("lead manager enqueue: %d %s", status, raw)
	}
	if status, _ := e.do(t, http.MethodPost, e.campaignPath("cancel"), "lead_manager", nil); status != http.StatusForbidden {
		t.Fatalf("lead manager cancel: status %d, want 403", status)
	}
	if status, _ := e.do(t, http.MethodGet, "/api/campaigns/no-such-campaign/status", "admin", nil); status != http.StatusNotFound {
		t.Fatalf("unknown campaign: status %d, want 404", status)
	}
}

func TestEnqueue_RejectsEmptySelection(t *testing.T) {
	e := newEnv(t)
	for _, body := range []map[string]any{
		{"lead_ids": []string{}},
		{},
		{"lead_ids": []string{"not-a-lead"}},
	} {
		if status, raw := e.do(t, http.MethodPost, e.campaignPath("enqueue"), "client", body); status != http.StatusBadRequest {
			t.Fatalf("enqueue %v: %d %s", body, status, raw)
		}
	}
}

func TestDispatch_InsufficientCredits(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, e.campaignPath("enqueue"), "client", map[string]any{"lead_ids": e.leads})
	if err := e.store.AddCredits(context.Background(), e.users["client"].ID, -10); err != nil {
		t.Fatalf("drain credits: %v", err)
	}
	status, _ := e.do(t, http.MethodPost, "/functions/process-campaign-calls", "client", map[string]any{"campaign_id": e.campaign})
	if status != http.StatusPaymentRequired {
		t.Fatalf("status %d, want 402", status)
	}
	if snap := e.snapshot(t, "client"); snap.Counts[persistence.QueuePending] != 3 {
		t.Fatalf("rows should stay pending: %+v", snap.Counts)
	}
}

func TestDispatch_ConcurrencyBounds(t *testing.T) {
	e := newEnv(t)
	status, _ := e.do(t, http.MethodPost, "/functions/process-campaign-calls", "client",
		map[string]any{"campaign_id": e.campaign, "concurrency": 500})
	if status != http.StatusBadRequest {
		t.Fatalf("concurrency 500: status %d, want 400", status)
	}
	status, _ = e.do(t, http.MethodPost, "/functions/process-campaign-calls", "client",
		map[string]any{"campaign_id": e.campaign, "concurrency_level": 500})
	if status != http.StatusBadRequest {
		t.Fatalf("concurrency_level 500: status %d, want 400", status)
	}
	status, _ = e.do(t, http.MethodPost, "/functions/process-campaign-calls", "client",
		map[string]any{"campaign_id": e.campaign, "concurrency_level": 0})
	if status != http.StatusBadRequest {
		t.Fatalf("concurrency_level 0: status %d, want 400", status)
	}
}

func TestVoiceWebhook_Secret(t *testing.T) {
	e := newEnv(t)
	body := map[string]any{"id": "exec-1", "status": "completed"}
	if status, _ := e.webhook(t, "", body); status != http.StatusUnauthorized {
		t.Fatalf("missing secret: status %d, want 401", status)
	}
	if status, _ := e.webhook(t, "wrong", body); status != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status %d, want 401", status)
	}
	if status, _ := e.webhook(t, webhookSecret, map[string]any{"status": "completed"}); status != http.StatusBadRequest {
		t.Fatalf("missing id: status %d, want 400", status)
	}

	disabled := newEnv(t, func(c *gateway.Config) { c.WebhookSecret = "" })
	if status, _ := disabled.webhook(t, "anything", body); status != http.StatusServiceUnavailable {
		t.Fatalf("disabled webhook: status %d, want 503", status)
	}
}

func (e *env) dialStatus(ctx context.Context, user, query string) (*websocket.Conn, *http.Response, error) {
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws/campaigns/" + e.campaign + "/status" + query
	opts := &websocket.DialOptions{}
	if user != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + e.tokens[user]}}
	}
	return websocket.Dial(ctx, wsURL, opts)
}

func TestStatusStream_PushesSnapshots(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := e.dialStatus(ctx, "client", "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var snap queue.Snapshot
	if err := wsjson.Read(ctx, conn, &snap); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	if snap.CampaignID != e.campaign || snap.Total != 0 {
		t.Fatalf("initial snapshot = %+v", snap)
	}

	if status, raw := e.do(t, http.MethodPost, e.campaignPath("enqueue"), "client", map[string]any{"lead_ids": e.leads}); status != http.StatusOK {
		t.Fatalf("enqueue: %d %s", status, raw)
	}
	for snap.Total != 3 {
		if err := wsjson.Read(ctx, conn, &snap); err != nil {
			t.Fatalf("read snapshot: %v", err)
		}
	}
	if snap.Counts[persistence.QueuePending] != 3 || !snap.Active || snap.EventID == 0 {
		t.Fatalf("snapshot after enqueue = %+v", snap)
	}
}

func TestStatusStream_QueryTokenAndAccess(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := e.dialStatus(ctx, "", "?access_token="+e.tokens["telecaller"])
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	var snap queue.Snapshot
	if err := wsjson.Read(ctx, conn, &snap); err != nil {
		t.Fatalf("read: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")

	_, resp, err := e.dialStatus(ctx, "", "")
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous dial: resp=%v err=%v", resp, err)
	}
	_, resp, err = e.dialStatus(ctx, "client2", "")
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("other tenant dial: resp=%v err=%v", resp, err)
	}
}
