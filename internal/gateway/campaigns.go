package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/basket/voxdesk/internal/queue"
	"github.com/basket/voxdesk/internal/voice"
)

const (
	campaignSchema = `{
		"type": "object",
		"required": ["campaign_id"],
		"properties": {"campaign_id": {"type": "string", "minLength": 1}}
	}`
	enqueueSchema = `{
		"type": "object",
		"required": ["campaign_id"],
		"properties": {
			"campaign_id": {"type": "string", "minLength": 1},
			"lead_ids": {"type": "array", "items": {"type": "string", "minLength": 1}, "maxItems": 10000}
		}
	}`
	dispatchSchema = `{
		"type": "object",
		"required": ["campaign_id"],
		"properties": {
			"campaign_id": {"type": "string", "minLength": 1},
			"concurrency_level": {"type": "integer", "minimum": 1, "maximum": 100},
			"concurrency": {"type": "integer", "minimum": 1, "maximum": 100}
		}
	}`
)

type campaignParams struct {
	CampaignID       string   `json:"campaign_id"`
	LeadIDs          []string `json:"lead_ids"`
	ConcurrencyLevel int      `json:"concurrency_level"`
	Concurrency      int      `json:"concurrency"` // older alias of concurrency_level
}

func (p campaignParams) concurrency() int {
	if p.ConcurrencyLevel > 0 {
		return p.ConcurrencyLevel
	}
	return p.Concurrency
}

func (s *Server) campaignActions() []Action {
	return []Action{
		{Name: "campaign.enqueue", Schema: enqueueSchema, Handle: s.enqueue},
		{Name: "campaign.dispatch", Schema: dispatchSchema, Handle: s.dispatch},
		{Name: "campaign.retry", Schema: campaignSchema, Handle: s.retry},
		{Name: "campaign.cancel", Schema: campaignSchema, Handle: s.cancel},
		{Name: "campaign.status", Schema: campaignSchema, Handle: s.status},
	}
}

// campaignRoute serves a campaign action with the campaign id taken from
// the path.
func (s *Server) campaignRoute(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, params, err := readParams(r)
		if err != nil {
			writeError(w, err)
			return
		}
		params, err = withParam(params, "campaign_id", chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		s.serveAction(w, r, action, params)
	}
}

func (s *Server) handleProcessCampaignCalls(w http.ResponseWriter, r *http.Request) {
	_, params, err := readParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveAction(w, r, "campaign.dispatch", params)
}

func withParam(raw json.RawMessage, key, value string) (json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
		}
	}
	v, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	doc[key] = v
	return json.Marshal(doc)
}

func (s *Server) enqueue(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[campaignParams](call)
	if err != nil {
		return nil, err
	}
	return s.queue.Enqueue(ctx, queue.EnqueueRequest{
		CampaignID: in.CampaignID,
		LeadIDs:    in.LeadIDs,
		Caller:     call.Principal,
	})
}

func (s *Server) dispatch(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[campaignParams](call)
	if err != nil {
		return nil, err
	}
	res, err := s.queue.Dispatch(ctx, queue.DispatchRequest{
		CampaignID:  in.CampaignID,
		Concurrency: in.concurrency(),
		Caller:      call.Principal,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success":    true,
		"processed":  res.Processed,
		"successful": res.Successful,
		"failed":     res.Failed,
	}, nil
}

func (s *Server) retry(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[campaignParams](call)
	if err != nil {
		return nil, err
	}
	return s.queue.Retry(ctx, in.CampaignID, call.Principal)
}

func (s *Server) cancel(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[campaignParams](call)
	if err != nil {
		return nil, err
	}
	n, err := s.queue.Cancel(ctx, in.CampaignID, call.Principal)
	if err != nil {
		return nil, err
	}
	return map[string]any{"cancelled": n}, nil
}

func (s *Server) status(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[campaignParams](call)
	if err != nil {
		return nil, err
	}
	if _, err := s.queue.Campaign(ctx, in.CampaignID, call.Principal); err != nil {
		return nil, err
	}
	return s.queue.Snapshot(ctx, in.CampaignID)
}

// handleStatusStream pushes a snapshot whenever the campaign's queue
// changes. A client resuming with ?since=<event_id> gets no initial
// snapshot when nothing changed in between.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := PrincipalFromContext(ctx)
	if p == nil {
		writeError(w, queue.ErrUnauthenticated)
		return
	}
	if !s.authorize(ctx, "campaign.status", p) {
		writeError(w, queue.ErrForbidden)
		return
	}
	campaignID := chi.URLParam(r, "id")
	if _, err := s.queue.Campaign(ctx, campaignID, p); err != nil {
		writeError(w, err)
		return
	}
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, fmt.Errorf("%w: since must be a non-negative event id", errInvalidParams))
			return
		}
		since = v
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	snaps, err := s.queue.Watch(watchCtx, campaignID, since)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.logger.Info("status stream opened", "campaign_id", campaignID, "user_id", p.ID, "since", since)
	defer func() {
		s.logger.Info("status stream closed", "campaign_id", campaignID, "user_id", p.ID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	readCtx := conn.CloseRead(watchCtx)
	for {
		select {
		case <-readCtx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(readCtx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, snap)
			cancelWrite()
			if err != nil {
				s.logger.Warn("status stream write failed", "campaign_id", campaignID, "error", err)
				return
			}
		}
	}
}

// handleVoiceWebhook applies a provider execution callback to the queue.
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	secret := s.cfg.WebhookSecret
	if secret == "" {
		writeError(w, errWebhookDisabled)
		return
	}
	got := r.Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return
	}
	var payload struct {
		voice.Execution
		ExecutionID string `json:"execution_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errInvalidParams, err))
		return
	}
	exec := payload.Execution
	if exec.ID == "" {
		exec.ID = payload.ExecutionID
	}
	if exec.ID == "" {
		writeError(w, fmt.Errorf("%w: execution id is required", errInvalidParams))
		return
	}
	applied, err := s.queue.ApplyExecution(r.Context(), exec)
	if err != nil {
		s.logger.Error("apply execution failed", "execution_id", exec.ID, "error", err)
		writeError(w, err)
		return
	}
	s.logger.Info("voice webhook", "execution_id", exec.ID, "status", exec.Status, "applied", applied)
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}
