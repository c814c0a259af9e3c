package gateway

import (
	"time"

	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/voice"
)

// Outgoing views. Every field that can identify a person carries a redact
// class and is masked by redact.View before it leaves the process.

type ProfileView struct {
	ID             string    `json:"id"`
	Email          string    `json:"email" redact:"email"`
	FullName       string    `json:"full_name" redact:"name"`
	Phone          string    `json:"phone" redact:"phone"`
	Credits        int       `json:"credits"`
	ParentClientID string    `json:"parent_client_id,omitempty"`
	EngineerID     string    `json:"engineer_id,omitempty"`
	Roles          []string  `json:"roles"`
	CreatedAt      time.Time `json:"created_at"`
}

func profileViews(in []persistence.Profile) []ProfileView {
	out := make([]ProfileView, 0, len(in))
	for _, p := range in {
		out = append(out, ProfileView{
			ID:             p.ID,
			Email:          p.Email,
			FullName:       p.FullName,
			Phone:          p.Phone,
			Credits:        p.Credits,
			ParentClientID: p.ParentClientID,
			EngineerID:     p.EngineerID,
			Roles:          p.Roles,
			CreatedAt:      p.CreatedAt,
		})
	}
	return out
}

type LeadView struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	Name       string    `json:"name" redact:"name"`
	Phone      string    `json:"phone" redact:"phone"`
	Email      string    `json:"email" redact:"email"`
	AssignedTo string    `json:"assigned_to,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

func leadViews(in []persistence.Lead) []LeadView {
	out := make([]LeadView, 0, len(in))
	for _, l := range in {
		out = append(out, LeadView{
			ID:         l.ID,
			CampaignID: l.CampaignID,
			Name:       l.Name,
			Phone:      l.Phone,
			Email:      l.Email,
			AssignedTo: l.AssignedTo,
			Status:     l.Status,
			CreatedAt:  l.CreatedAt,
		})
	}
	return out
}

type CallView struct {
	ID              string    `json:"id"`
	ClientID        string    `json:"client_id"`
	CampaignID      string    `json:"campaign_id,omitempty"`
	LeadID          string    `json:"lead_id,omitempty"`
	AgentID         string    `json:"agent_id" redact:"id"`
	ExecutionID     string    `json:"execution_id,omitempty"`
	ToNumber        string    `json:"to_number" redact:"phone"`
	Status          string    `json:"status"`
	DurationSeconds int       `json:"duration_seconds"`
	Transcript      string    `json:"transcript,omitempty" redact:"blob"`
	Summary         string    `json:"summary,omitempty" redact:"blob"`
	RecordingURL    string    `json:"recording_url,omitempty" redact:"secret"`
	HasRecording    bool      `json:"has_recording"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func callView(c persistence.Call) CallView {
	return CallView{
		ID:              c.ID,
		ClientID:        c.ClientID,
		CampaignID:      c.CampaignID,
		LeadID:          c.LeadID,
		AgentID:         c.AgentID,
		ExecutionID:     c.ExecutionID,
		ToNumber:        c.ToNumber,
		Status:          c.Status,
		DurationSeconds: c.DurationSeconds,
		Transcript:      c.Transcript,
		Summary:         c.Summary,
		RecordingURL:    c.RecordingURL,
		HasRecording:    c.RecordingURL != "",
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func callViews(in []persistence.Call) []CallView {
	out := make([]CallView, 0, len(in))
	for _, c := range in {
		out = append(out, callView(c))
	}
	return out
}

type TaskView struct {
	ID         string    `json:"id"`
	EngineerID string    `json:"engineer_id"`
	ClientID   string    `json:"client_id,omitempty"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

func taskViews(in []persistence.Task) []TaskView {
	out := make([]TaskView, 0, len(in))
	for _, t := range in {
		out = append(out, TaskView(t))
	}
	return out
}

type DemoCallView struct {
	ID           string    `json:"id"`
	EngineerID   string    `json:"engineer_id"`
	Name         string    `json:"name" redact:"name"`
	Phone        string    `json:"phone" redact:"phone"`
	Status       string    `json:"status"`
	Transcript   string    `json:"transcript,omitempty" redact:"blob"`
	RecordingURL string    `json:"recording_url,omitempty" redact:"secret"`
	CreatedAt    time.Time `json:"created_at"`
}

func demoCallViews(in []persistence.DemoCall) []DemoCallView {
	out := make([]DemoCallView, 0, len(in))
	for _, d := range in {
		out = append(out, DemoCallView(d))
	}
	return out
}

type TelephonyView struct {
	Duration     string `json:"duration"`
	ToNumber     string `json:"to_number" redact:"phone"`
	FromNumber   string `json:"from_number" redact:"phone"`
	RecordingURL string `json:"recording_url,omitempty" redact:"secret"`
	HangupReason string `json:"hangup_reason,omitempty"`
}

type ExecutionView struct {
	ID                   string        `json:"id"`
	AgentID              string        `json:"agent_id" redact:"id"`
	Status               string        `json:"status"`
	ConversationDuration float64       `json:"conversation_duration"`
	Transcript           string        `json:"transcript,omitempty" redact:"blob"`
	Summary              string        `json:"summary,omitempty" redact:"blob"`
	ErrorMessage         string        `json:"error_message,omitempty"`
	HasRecording         bool          `json:"has_recording"`
	Telephony            TelephonyView `json:"telephony_data"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

func executionView(e voice.Execution) ExecutionView {
	return ExecutionView{
		ID:                   e.ID,
		AgentID:              e.AgentID,
		Status:               e.Status,
		ConversationDuration: e.ConversationDuration,
		Transcript:           e.Transcript,
		Summary:              e.Summary,
		ErrorMessage:         e.ErrorMessage,
		HasRecording:         e.TelephonyData.RecordingURL != "",
		Telephony:            TelephonyView(e.TelephonyData),
		CreatedAt:            e.CreatedAt,
		UpdatedAt:            e.UpdatedAt,
	}
}

func executionViews(in []voice.Execution) []ExecutionView {
	out := make([]ExecutionView, 0, len(in))
	for _, e := range in {
		out = append(out, executionView(e))
	}
	return out
}
