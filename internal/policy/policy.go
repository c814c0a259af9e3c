// Package policy decides which roles may invoke which proxy and queue
// actions, and which hosts recordings may be streamed from.
package policy

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"net/url"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Roles known to the dashboard.
const (
	RoleAdmin       = "admin"
	RoleEngineer    = "engineer"
	RoleClient      = "client"
	RoleTelecaller  = "telecaller"
	RoleMonitoring  = "monitoring"
	RoleLeadManager = "lead_manager"
)

var knownRoles = map[string]struct{}{
	RoleAdmin:       {},
	RoleEngineer:    {},
	RoleClient:      {},
	RoleTelecaller:  {},
	RoleMonitoring:  {},
	RoleLeadManager: {},
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	_, ok := knownRoles[strings.ToLower(strings.TrimSpace(role))]
	return ok
}

// Checker is the interface used by the gateway to authorize requests.
type Checker interface {
	AllowAction(action string, roles []string) bool
	AllowRecordingURL(raw string) bool
	PolicyVersion() string
}

// defaultActionRoles is the built-in role table. policy.yaml entries replace
// the roles of the actions they name and leave the rest untouched.
var defaultActionRoles = map[string][]string{
	"secure-data-proxy.get-profiles":   {RoleAdmin},
	"secure-data-proxy.get-clients":    {RoleAdmin, RoleEngineer},
	"secure-data-proxy.get-engineers":  {RoleAdmin},
	"secure-data-proxy.get-calls":      {RoleAdmin, RoleEngineer, RoleClient},
	"secure-data-proxy.get-tasks":      {RoleAdmin, RoleEngineer},
	"secure-data-proxy.get-demo-calls": {RoleAdmin, RoleEngineer},
	"secure-data-proxy.get-leads":      {RoleAdmin, RoleClient, RoleTelecaller, RoleLeadManager, RoleMonitoring},

	"voice-proxy.get-calls":          {RoleAdmin, RoleEngineer, RoleClient, RoleMonitoring},
	"voice-proxy.get-call":           {RoleAdmin, RoleEngineer, RoleClient, RoleMonitoring},
	"voice-proxy.get-execution":      {RoleAdmin, RoleEngineer, RoleClient, RoleMonitoring},
	"voice-proxy.get-execution-logs": {RoleAdmin, RoleEngineer},
	"voice-proxy.get-recording-url":  {RoleAdmin, RoleEngineer, RoleClient, RoleMonitoring},
	"voice-proxy.get-today-stats":    {RoleAdmin, RoleEngineer, RoleClient, RoleMonitoring},
	"voice-proxy.list-agents":        {RoleAdmin, RoleEngineer, RoleClient},
	"voice-proxy.create-agent":       {RoleAdmin, RoleEngineer},
	"voice-proxy.update-agent":       {RoleAdmin, RoleEngineer},
	"voice-proxy.delete-agent":       {RoleAdmin, RoleEngineer},
	"voice-proxy.initiate-call":      {RoleAdmin, RoleEngineer, RoleClient, RoleTelecaller},
	"voice-proxy.stop-call":          {RoleAdmin, RoleEngineer, RoleClient, RoleTelecaller},

	"campaign.enqueue":  {RoleAdmin, RoleEngineer, RoleClient, RoleLeadManager},
	"campaign.dispatch": {RoleAdmin, RoleEngineer, RoleClient},
	"campaign.retry":    {RoleAdmin, RoleEngineer, RoleClient},
	"campaign.cancel":   {RoleAdmin, RoleEngineer, RoleClient},
	"campaign.status":   {RoleAdmin, RoleEngineer, RoleClient, RoleMonitoring, RoleLeadManager, RoleTelecaller},
}

// KnownActions returns every action name the policy can govern, sorted.
func KnownActions() []string {
	out := make([]string, 0, len(defaultActionRoles))
	for name := range defaultActionRoles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Policy is the serializable policy data.
type Policy struct {
	// Actions maps an action name to the roles allowed to invoke it.
	Actions map[string][]string `yaml:"actions"`
	// RecordingDomains restricts the hosts recordings are streamed from.
	// Empty allows any public host.
	RecordingDomains []string `yaml:"recording_domains"`
	AllowLoopback    bool     `yaml:"allow_loopback"`
}

// Default returns the built-in role table.
func Default() Policy {
	actions := make(map[string][]string, len(defaultActionRoles))
	for name, roles := range defaultActionRoles {
		actions[name] = append([]string(nil), roles...)
	}
	return Policy{Actions: actions}
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	merged := Default()
	for name, roles := range p.Actions {
		merged.Actions[normalize(name)] = normalizeAll(roles)
	}
	merged.RecordingDomains = p.RecordingDomains
	merged.AllowLoopback = p.AllowLoopback
	return merged, nil
}

// AllowAction reports whether any of roles may invoke action. Unknown actions
// are denied.
func (p Policy) AllowAction(action string, roles []string) bool {
	allowed, ok := p.Actions[normalize(action)]
	if !ok {
		return false
	}
	for _, role := range roles {
		if slices.Contains(allowed, normalize(role)) {
			return true
		}
	}
	return false
}

// AllowRecordingURL reports whether a provider recording URL may be fetched
// server-side.
func (p Policy) AllowRecordingURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if isBlockedHost(host, p.AllowLoopback) {
		return false
	}
	if len(p.RecordingDomains) == 0 {
		return true
	}
	for _, domain := range p.RecordingDomains {
		domain = normalize(domain)
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

func (p Policy) validate() error {
	for name, roles := range p.Actions {
		if _, ok := defaultActionRoles[normalize(name)]; !ok {
			return fmt.Errorf("unknown action %q", name)
		}
		for _, role := range roles {
			if !ValidRole(role) {
				return fmt.Errorf("action %q: unknown role %q", name, role)
			}
		}
	}
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = normalize(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// LivePolicy wraps a Policy with thread-safe mutation and persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // empty disables persistence
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
// If path is non-empty, mutations are persisted to that file.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

func (lp *LivePolicy) AllowAction(action string, roles []string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowAction(action, roles)
}

func (lp *LivePolicy) AllowRecordingURL(raw string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowRecordingURL(raw)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// SetActionRoles replaces the roles of one action and persists the change.
func (lp *LivePolicy) SetActionRoles(action string, roles []string) error {
	action = normalize(action)
	if _, ok := defaultActionRoles[action]; !ok {
		return fmt.Errorf("unknown action %q", action)
	}
	for _, role := range roles {
		if !ValidRole(role) {
			return fmt.Errorf("unknown role %q", role)
		}
	}

	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.data.Actions == nil {
		lp.data.Actions = make(map[string][]string)
	}
	lp.data.Actions[action] = normalizeAll(roles)
	return lp.persist()
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.Actions = make(map[string][]string, len(lp.data.Actions))
	for name, roles := range lp.data.Actions {
		cp.Actions[name] = append([]string(nil), roles...)
	}
	cp.RecordingDomains = append([]string(nil), lp.data.RecordingDomains...)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	names := make([]string, 0, len(p.Actions))
	for name := range p.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		roles := append([]string(nil), p.Actions[name]...)
		sort.Strings(roles)
		_, _ = h.Write([]byte(name + "=" + strings.Join(roles, ",") + "|"))
	}
	for _, v := range p.RecordingDomains {
		_, _ = h.Write([]byte(normalize(v) + "|"))
	}
	if p.AllowLoopback {
		_, _ = h.Write([]byte("allow_loopback=true|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
