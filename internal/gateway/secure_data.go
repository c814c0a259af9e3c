package gateway

import (
	"context"
	"encoding/json"

	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/policy"
	"github.com/basket/voxdesk/internal/redact"
)

const listSchema = `{
	"type": "object",
	"properties": {
		"campaign_id": {"type": "string", "minLength": 1},
		"engineer_id": {"type": "string", "minLength": 1},
		"limit": {"type": ["integer", "string"], "pattern": "^[0-9]+$", "minimum": 1, "maximum": 1000}
	}
}`

type listParams struct {
	CampaignID string      `json:"campaign_id"`
	EngineerID string      `json:"engineer_id"`
	Limit      json.Number `json:"limit"`
}

func (p listParams) limit() int {
	n, err := p.Limit.Int64()
	if err != nil || n <= 0 {
		return 100
	}
	if n > 1000 {
		n = 1000
	}
	return int(n)
}

func managesAll(p *persistence.Profile) bool {
	return p.HasRole(policy.RoleAdmin) || p.HasRole(policy.RoleEngineer)
}

func (s *Server) dataActions() []Action {
	return []Action{
		{Name: "secure-data-proxy.get-profiles", Schema: listSchema, Handle: s.getProfiles},
		{Name: "secure-data-proxy.get-clients", Schema: listSchema, Handle: s.getClients},
		{Name: "secure-data-proxy.get-engineers", Schema: listSchema, Handle: s.getEngineers},
		{Name: "secure-data-proxy.get-calls", Schema: listSchema, Handle: s.getStoredCalls},
		{Name: "secure-data-proxy.get-tasks", Schema: listSchema, Handle: s.getTasks},
		{Name: "secure-data-proxy.get-demo-calls", Schema: listSchema, Handle: s.getDemoCalls},
		{Name: "secure-data-proxy.get-leads", Schema: listSchema, Handle: s.getLeads},
	}
}

func (s *Server) getProfiles(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[listParams](call)
	if err != nil {
		return nil, err
	}
	profiles, err := s.store.ListProfiles(ctx, persistence.ProfileFilter{Limit: in.limit()})
	if err != nil {
		return nil, err
	}
	return map[string]any{"profiles": redact.View(profileViews(profiles))}, nil
}

// getClients lists client accounts. Engineers see the clients assigned
// to them.
func (s *Server) getClients(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[listParams](call)
	if err != nil {
		return nil, err
	}
	f := persistence.ProfileFilter{Role: policy.RoleClient, Limit: in.limit()}
	if !call.Principal.HasRole(policy.RoleAdmin) {
		f.EngineerID = call.Principal.ID
	}
	profiles, err := s.store.ListProfiles(ctx, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"clients": redact.View(profileViews(profiles))}, nil
}

func (s *Server) getEngineers(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[listParams](call)
	if err != nil {
		return nil, err
	}
	profiles, err := s.store.ListProfiles(ctx, persistence.ProfileFilter{Role: policy.RoleEngineer, Limit: in.limit()})
	if err != nil {
		return nil, err
	}
	return map[string]any{"engineers": redact.View(profileViews(profiles))}, nil
}

// getStoredCalls lists call records. Anyone outside admin and engineer is
// limited to their own client's calls.
func (s *Server) getStoredCalls(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[listParams](call)
	if err != nil {
		return nil, err
	}
	f := persistence.CallFilter{CampaignID: in.CampaignID, Limit: in.limit()}
	if !managesAll(call.Principal) {
		f.ClientID = call.Principal.OwnerClientID()
	}
	calls, err := s.store.ListCalls(ctx, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"calls": redact.View(callViews(calls))}, nil
}

// getTasks lists tasks. Engineers only see their own.
func (s *Server) getTasks(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[listParams](call)
	if err != nil {
		return nil, err
	}
	engineerID := in.EngineerID
	if !call.Principal.HasRole(policy.RoleAdmin) {
		engineerID = call.Principal.ID
	}
	tasks, err := s.store.ListTasks(ctx, engineerID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": taskViews(tasks)}, nil
}

func (s *Server) getDemoCalls(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[listParams](call)
	if err != nil {
		return nil, err
	}
	engineerID := in.EngineerID
	if !call.Principal.HasRole(policy.RoleAdmin) {
		engineerID = call.Principal.ID
	}
	demos, err := s.store.ListDemoCalls(ctx, engineerID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"demo_calls": redact.View(demoCallViews(demos))}, nil
}

// getLeads scopes leads by role: admins and engineers see all, telecallers
// the leads assigned to them, every other role its client's leads.
func (s *Server) getLeads(ctx context.Context, call *ActionCall) (any, error) {
	in, err := bind[listParams](call)
	if err != nil {
		return nil, err
	}
	p := call.Principal
	f := persistence.LeadFilter{CampaignID: in.CampaignID, Limit: in.limit()}
	switch {
	case managesAll(p):
	case p.HasRole(policy.RoleTelecaller) && !p.HasRole(policy.RoleClient) &&
		!p.HasRole(policy.RoleLeadManager) && !p.HasRole(policy.RoleMonitoring):
		f.AssignedTo = p.ID
	default:
		f.ClientID = p.OwnerClientID()
	}
	leads, err := s.store.ListLeads(ctx, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"leads": redact.View(leadViews(leads))}, nil
}
