// Package doctor runs offline and network diagnostics against a voxdesk home
// directory.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/voxdesk/internal/config"
	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/policy"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed counts FAIL results.
func (d Diagnosis) Failed() int {
	n := 0
	for _, r := range d.Results {
		if r.Status == StatusFail {
			n++
		}
	}
	return n
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkPolicy,
		checkVoiceProvider,
		checkSecrets,
		checkTelegram,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, running on defaults",
			Detail: "Create " + config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(config.DBPath(cfg.HomeDir), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	totals, err := store.QueueTotals(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	rows := 0
	for _, n := range totals {
		rows += n
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid",
		Detail: fmt.Sprintf("%d queue rows, %d in progress", rows, totals[persistence.QueueInProgress])}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	path := config.PolicyPath(cfg.HomeDir)
	p, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: fmt.Sprintf("policy.yaml rejected: %v", err)}
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return CheckResult{Name: "Policy", Status: StatusPass, Message: "Built-in role table (policy.yaml not written yet)", Detail: p.PolicyVersion()}
	}
	return CheckResult{Name: "Policy", Status: StatusPass, Message: "policy.yaml valid", Detail: p.PolicyVersion()}
}

func checkVoiceProvider(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Voice Provider", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Voice.BaseURL == "" {
		return CheckResult{Name: "Voice Provider", Status: StatusFail, Message: "voice.base_url is empty"}
	}
	if cfg.Voice.APIKey == "" {
		return CheckResult{
			Name:    "Voice Provider",
			Status:  StatusWarn,
			Message: "VOICE_API_KEY not set; calls and agent actions will return 503",
			Detail:  "Set VOICE_API_KEY or voice.api_key in config.yaml",
		}
	}
	if cfg.Voice.FromNumber == "" {
		return CheckResult{Name: "Voice Provider", Status: StatusWarn, Message: "API key set, voice.from_number empty",
			Detail: "Campaign calls will use the provider's default caller id"}
	}
	return CheckResult{Name: "Voice Provider", Status: StatusPass, Message: fmt.Sprintf("Configured for %s", cfg.Voice.BaseURL)}
}

func checkSecrets(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Secrets", Status: StatusSkip, Message: "Config missing"}
	}
	var missing []string
	if cfg.Recording.SigningKey == "" {
		missing = append(missing, "RECORDING_SIGNING_KEY (recording streaming disabled)")
	}
	if cfg.Voice.WebhookSecret == "" {
		missing = append(missing, "VOICE_WEBHOOK_SECRET (provider webhook disabled)")
	}
	if len(missing) > 0 {
		return CheckResult{Name: "Secrets", Status: StatusWarn, Message: fmt.Sprintf("%d secret(s) not set", len(missing)), Detail: fmt.Sprintf("%v", missing)}
	}
	return CheckResult{Name: "Secrets", Status: StatusPass, Message: "Recording signing key and webhook secret set"}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Channels.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Alerts disabled"}
	}
	if cfg.Channels.Telegram.ChatID == 0 {
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: "channels.telegram.chat_id is not set"}
	}
	return CheckResult{Name: "Telegram", Status: StatusPass, Message: fmt.Sprintf("Alerts go to chat %d", cfg.Channels.Telegram.ChatID)}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	u, err := url.Parse(cfg.Voice.BaseURL)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "No provider host to resolve"}
	}
	host := u.Hostname()

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
