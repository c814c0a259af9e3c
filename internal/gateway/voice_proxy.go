package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/basket/voxdesk/internal/audit"
	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/policy"
	"github.com/basket/voxdesk/internal/queue"
	"github.com/basket/voxdesk/internal/redact"
	"github.com/basket/voxdesk/internal/voice"
)

const (
	executionSchema = `{
		"type": "object",
		"required": ["execution_id"],
		"properties": {"execution_id": {"type": "string", "minLength": 1}}
	}`
	agentIDSchema = `{
		"type": "object",
		"required": ["agent_id"],
		"properties": {"agent_id": {"type": "string", "minLength": 1}}
	}`
	callIDSchema = `{
		"type": "object",
		"required": ["call_id"],
		"properties": {"call_id": {"type": "string", "minLength": 1}}
	}`
	tokenSchema = `{
		"type": "object",
		"required": ["token"],
		"properties": {"token": {"type": "string", "minLength": 1}}
	}`
	createAgentSchema = `{
		"type": "object",
		"required": ["agent_config"],
		"properties": {"agent_config": {"type": "object"}}
	}`
	updateAgentSchema = `{
		"type": "object",
		"required": ["agent_id", "agent_config"],
		"properties": {
			"agent_id": {"type": "string", "minLength": 1},
			"agent_config": {"type": "object"}
		}
	}`
	initiateCallSchema = `{
		"type": "object",
		"required": ["lead_id"],
		"properties": {
			"lead_id": {"type": "string", "minLength": 1},
			"agent_id": {"type": "string", "minLength": 1}
		}
	}`
)

type executionParams struct {
	ExecutionID string `json:"execution_id"`
}

type agentParams struct {
	AgentID string `json:"agent_id"`
}

type LogEntryView struct {
	CreatedAt string `json:"created_at"`
	Type      string `json:"type"`
	Component string `json:"component"`
	Provider  string `json:"provider"`
	Data      string `json:"data" redact:"blob"`
}

type AgentView struct {
	ID        string          `json:"id"`
	Name      string          `json:"agent_name"`
	Status    string          `json:"agent_status"`
	CreatedAt time.Time       `json:"created_at"`
	Config    json.RawMessage `json:"agent_config,omitempty" redact:"secret"`
}

func (s *Server) voiceActions() []Action {
	return []Action{
		{Name: "voice-proxy.get-calls", Schema: agentIDSchema, Handle: s.getAgentCalls},
		{Name: "voice-proxy.get-call", Schema: callIDSchema, Handle: s.getCall},
		{Name: "voice-proxy.get-execution", Schema: executionSchema, Handle: s.getExecution},
		{Name: "voice-proxy.get-execution-logs", Schema: executionSchema, Handle: s.getExecutionLogs},
		{Name: "voice-proxy.get-recording-url", Schema: executionSchema, Handle: s.getRecordingURL},
		{Name: "voice-proxy.stream-recording", Schema: tokenSchema, TokenAuth: true, Handle: s.streamRecording},
		{Name: "voice-proxy.get-today-stats", Handle: s.getTodayStats},
		{Name: "voice-proxy.list-agents", Handle: s.listAgents},
		{Name: "voice-proxy.create-agent", Schema: createAgentSchema, Handle: s.createAgent},
		{Name: "voice-proxy.update-agent", Schema: updateAgentSchema, Handle: s.updateAgent},
		{Name: "voice-proxy.delete-agent", Schema: agentIDSchema, Handle: s.deleteAgent},
		{Name: "voice-proxy.initiate-call", Schema: initiateCallSchema, Handle: s.initiateCall},
		{Name: "voice-proxy.stop-call", Schema: executionSchema, Handle: s.stopCall},
	}
}

func canSeeCall(p *persistence.Profile, c *persistence.Call) bool {
	return managesAll(p) || c.ClientID == p.OwnerClientID()
}

// callForExecution returns the local call behind an execution once the
// caller is allowed to see it. Admins and engineers may also reach
// executions that were never recorded locally; they get a nil call.
func (s *Server) callForExecution(ctx context.Context, p *persistence.Profile, executionID string) (*persistence.Call, error) {
	c, err := s.store.GetCallByExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) && managesAll(p) {
			return nil, nil
		}
		return nil, err
	}
	if !canSeeCall(p, c) {
		return nil, queue.ErrForbidden
	}
	return c, nil
}

// agentVisible reports whether the agent drives one of the caller's
// campaigns.
func (s *Server) agentVisible(ctx context.Context, p *persistence.Profile, agentID string) (bool, error) {
	if managesAll(p) {
		return true, nil
	}
	campaigns, err := s.store.ListCampaigns(ctx, p.OwnerClientID())
	if err != nil {
		return false, err
	}
	for _, c := range campaigns {
		if c.AgentID == agentID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Server) getAgentCalls(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[agentParams](call)
	if err != nil {
		return nil, err
	}
	ok, err := s.agentVisible(ctx, call.Principal, in.AgentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, queue.ErrForbidden
	}
	execs, err := s.voice.AgentExecutions(ctx, in.AgentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"executions": redact.View(executionViews(execs))}, nil
}

func (s *Server) getCall(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[struct {
		CallID string `json:"call_id"`
	}](call)
	if err != nil {
		return nil, err
	}
	c, err := s.store.GetCall(ctx, in.CallID)
	if err != nil {
		return nil, err
	}
	if !canSeeCall(call.Principal, c) {
		return nil, queue.ErrForbidden
	}
	return map[string]any{"call": redact.View(callView(*c))}, nil
}

func (s *Server) getExecution(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[executionParams](call)
	if err != nil {
		return nil, err
	}
	if _, err := s.callForExecution(ctx, call.Principal, in.ExecutionID); err != nil {
		return nil, err
	}
	exec, err := s.voice.GetExecution(ctx, in.ExecutionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"execution": redact.View(executionView(exec))}, nil
}

func (s *Server) getExecutionLogs(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[executionParams](call)
	if err != nil {
		return nil, err
	}
	if _, err := s.callForExecution(ctx, call.Principal, in.ExecutionID); err != nil {
		return nil, err
	}
	logs, err := s.voice.ExecutionLogs(ctx, in.ExecutionID)
	if err != nil {
		return nil, err
	}
	out := make([]LogEntryView, 0, len(logs))
	for _, l := range logs {
		out = append(out, LogEntryView(l))
	}
	return map[string]any{"logs": redact.View(out)}, nil
}

// getRecordingURL issues a short-lived token for the recording instead of
// the provider URL.
func (s *Server) getRecordingURL(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[executionParams](call)
	if err != nil {
		return nil, err
	}
	if s.signer == nil {
		return nil, redact.ErrNoSigningKey
	}
	if _, err := s.callForExecution(ctx, call.Principal, in.ExecutionID); err != nil {
		return nil, err
	}
	token, expires := s.signer.Sign(in.ExecutionID, call.Principal.ID)
	return map[string]any{
		"token":      token,
		"expires_at": expires,
		"url":        "/functions/voice-proxy?action=stream-recording&token=" + url.QueryEscape(token),
	}, nil
}

// streamRecording re-verifies the token, looks the recording up at the
// provider and proxies the bytes.
func (s *Server) streamRecording(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[struct {
		Token string `json:"token"`
	}](call)
	if err != nil {
		return nil, err
	}
	if s.signer == nil {
		return nil, redact.ErrNoSigningKey
	}
	claims, err := s.signer.Verify(in.Token)
	if err != nil {
		audit.Log(ctx, audit.Event{Decision: audit.Deny, Action: call.Name, Reason: "invalid_recording_token", PolicyVersion: s.policy.PolicyVersion()})
		return nil, err
	}

	exec, err := s.voice.GetExecution(ctx, claims.ExecutionID)
	if err != nil {
		return nil, err
	}
	source := exec.TelephonyData.RecordingURL
	if source == "" {
		if c, err := s.store.GetCallByExecution(ctx, claims.ExecutionID); err == nil {
			source = c.RecordingURL
		}
	}
	if source == "" {
		return nil, errNoRecording
	}
	if !s.policy.AllowRecordingURL(source) {
		audit.Log(ctx, audit.Event{Decision: audit.Deny, Action: call.Name, Reason: "recording_host_blocked", PolicyVersion: s.policy.PolicyVersion(), Subject: claims.Subject})
		return nil, queue.ErrForbidden
	}
	audit.Log(ctx, audit.Event{Decision: audit.Allow, Action: call.Name, Reason: "recording_token", PolicyVersion: s.policy.PolicyVersion(), Subject: claims.Subject})

	body, header, err := s.voice.OpenRecording(ctx, source)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	w := call.W
	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	w.Header().Set("Content-Type", contentType)
	if n := header.Get("Content-Length"); n != "" {
		w.Header().Set("Content-Length", n)
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("recording stream interrupted", "execution_id", claims.ExecutionID, "error", err)
	}
	return nil, nil
}

// getTodayStats summarizes calls since midnight UTC.
func (s *Server) getTodayStats(ctx context.Context, call *ActionCall) (any, error) {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	clientID := ""
	if !managesAll(call.Principal) {
		clientID = call.Principal.OwnerClientID()
	}
	stats, err := s.store.CallStatsSince(ctx, clientID, midnight)
	if err != nil {
		return nil, err
	}
	return map[string]any{"since": midnight, "stats": stats}, nil
}

func (s *Server) listAgents(ctx context.Context, call *ActionCall) (any, error) {
	agents, err := s.voice.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AgentView, 0, len(agents))
	for _, a := range agents {
		ok, err := s.agentVisible(ctx, call.Principal, a.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, AgentView(a))
		}
	}
	return map[string]any{"agents": redact.View(out)}, nil
}

func (s *Server) createAgent(ctx context.Context, call *ActionCall) (any, error) {
	ref, err := s.voice.CreateAgent(ctx, call.Params)
	if err != nil {
		return nil, err
	}
	s.logger.Info("agent created", "agent_id", ref.AgentID, "user_id", call.Principal.ID)
	return ref, nil
}

func (s *Server) updateAgent(ctx context.Context, call *ActionCall) (any, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(call.Params, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	var agentID string
	if err := json.Unmarshal(doc["agent_id"], &agentID); err != nil {
		return nil, fmt.Errorf("%w: agent_id", errInvalidParams)
	}
	delete(doc, "agent_id")
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	ref, err := s.voice.UpdateAgent(ctx, agentID, body)
	if err != nil {
		return nil, err
	}
	s.logger.Info("agent updated", "agent_id", agentID, "user_id", call.Principal.ID)
	return ref, nil
}

func (s *Server) deleteAgent(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[agentParams](call)
	if err != nil {
		return nil, err
	}
	if err := s.voice.DeleteAgent(ctx, in.AgentID); err != nil {
		return nil, err
	}
	s.logger.Info("agent deleted", "agent_id", in.AgentID, "user_id", call.Principal.ID)
	return map[string]any{"deleted": true, "agent_id": in.AgentID}, nil
}

// initiateCall places a single call to a lead the caller owns, outside the
// campaign queue. Telecallers may only call leads assigned to them.
func (s *Server) initiateCall(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[struct {
		LeadID  string `json:"lead_id"`
		AgentID string `json:"agent_id"`
	}](call)
	if err != nil {
		return nil, err
	}
	p := call.Principal
	lead, err := s.store.GetLead(ctx, in.LeadID)
	if err != nil {
		return nil, err
	}
	campaign, err := s.store.GetCampaign(ctx, lead.CampaignID)
	if err != nil {
		return nil, err
	}
	if !managesAll(p) {
		if campaign.ClientID != p.OwnerClientID() {
			return nil, queue.ErrForbidden
		}
		if p.HasRole(policy.RoleTelecaller) && !p.HasRole(policy.RoleClient) && lead.AssignedTo != p.ID {
			return nil, queue.ErrForbidden
		}
	}
	agentID := in.AgentID
	if agentID == "" {
		agentID = campaign.AgentID
	} else if !managesAll(p) {
		ok, err := s.agentVisible(ctx, p, agentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, queue.ErrForbidden
		}
	}
	if agentID == "" {
		return nil, queue.ErrNoAgentAssigned
	}
	if !s.voice.Configured() {
		return nil, voice.ErrProviderUnavailable
	}

	credits := s.cfg.CreditsPerCall
	if credits > 0 {
		ok, err := s.store.ReserveCredits(ctx, campaign.ClientID, credits)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, queue.ErrInsufficientCredits
		}
	}
	resp, err := s.voice.PlaceCall(ctx, voice.CallRequest{
		AgentID:        agentID,
		RecipientPhone: lead.Phone,
		FromPhone:      s.cfg.FromNumber,
		UserData:       map[string]string{"lead_id": lead.ID, "campaign_id": campaign.ID},
	})
	if err != nil {
		if credits > 0 {
			if rerr := s.store.RefundCredits(ctx, campaign.ClientID, credits); rerr != nil {
				s.logger.Error("refund credits failed", "client_id", campaign.ClientID, "error", rerr)
			}
		}
		return nil, err
	}
	rec, err := s.store.CreateCall(ctx, persistence.Call{
		ClientID:    campaign.ClientID,
		CampaignID:  campaign.ID,
		LeadID:      lead.ID,
		AgentID:     agentID,
		ExecutionID: resp.ExecutionID,
		ToNumber:    lead.Phone,
		Status:      persistence.CallInitiated,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("call initiated", "call_id", rec.ID, "execution_id", resp.ExecutionID, "user_id", p.ID)
	return map[string]any{"call_id": rec.ID, "execution_id": resp.ExecutionID, "status": resp.Status}, nil
}

func (s *Server) stopCall(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[executionParams](call)
	if err != nil {
		return nil, err
	}
	if _, err := s.callForExecution(ctx, call.Principal, in.ExecutionID); err != nil {
		return nil, err
	}
	if err := s.voice.StopCall(ctx, in.ExecutionID); err != nil {
		return nil, err
	}
	return map[string]any{"stopped": true, "execution_id": in.ExecutionID}, nil
}
