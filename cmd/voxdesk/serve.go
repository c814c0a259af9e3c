package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/basket/voxdesk/internal/audit"
	"github.com/basket/voxdesk/internal/bus"
	"github.com/basket/voxdesk/internal/channels"
	"github.com/basket/voxdesk/internal/config"
	"github.com/basket/voxdesk/internal/cron"
	"github.com/basket/voxdesk/internal/gateway"
	otelPkg "github.com/basket/voxdesk/internal/otel"
	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/policy"
	"github.com/basket/voxdesk/internal/queue"
	"github.com/basket/voxdesk/internal/redact"
	"github.com/basket/voxdesk/internal/telemetry"
	"github.com/basket/voxdesk/internal/voice"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway, dispatcher sweeper and alert channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				fatalStartup(nil, "E_CONFIG_LOAD", err)
			}
			runServe(cmd.Context(), *cfg, quiet)
			return nil
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Log to the home directory only")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, quiet bool) {
	// Audit comes up before the logger so that a logger failure is still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config", cfg.Fingerprint(), "version", Version)
	if warning := openBindWarning(cfg); warning != "" {
		logger.Warn(warning, "bind_addr", cfg.BindAddr)
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(config.DBPath(cfg.HomeDir), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	policyPath := config.PolicyPath(cfg.HomeDir)
	if err := bootstrapPolicy(policyPath); err != nil {
		fatalStartup(logger, "E_POLICY_BOOTSTRAP", err)
	}
	polData, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	pol := policy.NewLivePolicy(polData, policyPath)
	if err := store.RecordPolicyVersion(ctx, pol.PolicyVersion(), pol.PolicyVersion(), policyPath); err != nil {
		logger.Warn("failed to record policy version", "error", err)
	}
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", pol.PolicyVersion())

	client := voice.NewClient(cfg.Voice.BaseURL, cfg.Voice.APIKey,
		time.Duration(cfg.Voice.TimeoutSeconds)*time.Second,
		voice.WithTracer(otelProvider.Tracer),
		voice.WithMetrics(metrics),
	)
	if !client.Configured() {
		logger.Warn("voice.api_key is not set; provider calls will fail with 503")
	}

	var signer *redact.Signer
	if cfg.Recording.SigningKey != "" {
		signer, err = redact.NewSigner(cfg.Recording.SigningKey, time.Duration(cfg.Recording.TokenTTLSeconds)*time.Second)
		if err != nil {
			fatalStartup(logger, "E_SIGNER_INIT", err)
		}
	} else {
		logger.Warn("recording.signing_key is not set; recording streaming is disabled")
	}

	svc := queue.New(queue.Options{
		Store:      store,
		Dialer:     client,
		Bus:        eventBus,
		Config:     cfg.Queue,
		FromNumber: cfg.Voice.FromNumber,
		Logger:     logger,
		Tracer:     otelProvider.Tracer,
		Metrics:    metrics,
	})
	reclaimed, err := svc.ReclaimStale(ctx)
	if err != nil {
		fatalStartup(logger, "E_QUEUE_RECOVERY", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "reclaimed", reclaimed)

	gw, err := gateway.New(gateway.Config{
		Store:             store,
		Queue:             svc,
		Voice:             client,
		Policy:            pol,
		Signer:            signer,
		WebhookSecret:     cfg.Voice.WebhookSecret,
		FromNumber:        cfg.Voice.FromNumber,
		CreditsPerCall:    cfg.Queue.CreditsPerCall,
		AllowOrigins:      cfg.AllowOrigins,
		MaxRequestBytes:   cfg.MaxRequestBytes,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	gw.StartBackground(ctx)

	var background sync.WaitGroup

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	background.Add(1)
	go func() {
		defer background.Done()
		for ev := range confWatcher.Events() {
			if ev.IsPolicy() {
				applyPolicyReload(ctx, pol, ev.Path, store, eventBus, logger)
				continue
			}
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			if newCfg.Fingerprint() != cfg.Fingerprint() {
				logger.Warn("config.yaml changed; restart to apply", "running", cfg.Fingerprint(), "on_disk", newCfg.Fingerprint())
			}
		}
	}()

	if cfg.Sweep.Enabled {
		sweeper := cron.NewScheduler(cron.Config{Store: store, Queue: svc, Sweep: cfg.Sweep, Logger: logger})
		if err := sweeper.Start(ctx); err != nil {
			fatalStartup(logger, "E_SWEEPER_START", err)
		}
		defer sweeper.Stop()
	}

	if cfg.Channels.Telegram.Enabled {
		tg := channels.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.ChatID, eventBus, logger,
			channels.WithCampaignLookup(store))
		startChannel(ctx, &background, tg, logger)
	}

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			err = fmt.Errorf("%w\n\n  Port is already in use. Stop the existing process or change bind_addr in config.yaml.", err)
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drained := make(chan struct{})
	go func() {
		background.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("background workers did not stop before the drain timeout", "timeout", drainTimeout)
	}
	logger.Info("shutdown complete")
}

func startChannel(ctx context.Context, wg *sync.WaitGroup, ch channels.Channel, logger *slog.Logger) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ch.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("channel stopped", "channel", ch.Name(), "error", err)
		}
	}()
}

type policyRecorder interface {
	RecordPolicyVersion(ctx context.Context, policyVersion, checksum, source string) error
}

// applyPolicyReload swaps in the policy at path. A file that fails to parse
// or validate leaves the running policy in place.
func applyPolicyReload(ctx context.Context, pol *policy.LivePolicy, path string, store policyRecorder, eventBus *bus.Bus, logger *slog.Logger) {
	previous := pol.PolicyVersion()
	if err := policy.ReloadFromFile(pol, path); err != nil {
		logger.Error("policy.yaml reload rejected; retaining previous policy", "error", err, "policy_version", previous)
		audit.Log(ctx, audit.Event{Decision: audit.Reject, Action: "policy.reload", Reason: err.Error(), PolicyVersion: previous})
		eventBus.Publish(bus.TopicPolicyReloaded, bus.PolicyReloadedEvent{PolicyVersion: previous, Error: err.Error()})
		return
	}
	version := pol.PolicyVersion()
	if version == previous {
		return
	}
	if err := store.RecordPolicyVersion(ctx, version, version, path); err != nil {
		logger.Warn("failed to record policy version", "error", err)
	}
	audit.Log(ctx, audit.Event{Decision: audit.Allow, Action: "policy.reload", Reason: "hot_reload", PolicyVersion: version})
	logger.Info("policy.yaml hot-reloaded", "policy_version", version)
	eventBus.Publish(bus.TopicPolicyReloaded, bus.PolicyReloadedEvent{PolicyVersion: version})
}

// bootstrapPolicy writes the built-in role table to path when no policy file
// exists yet.
func bootstrapPolicy(path string) error {
	if _, err := os.Stat(path); err == nil || !os.IsNotExist(err) {
		return err
	}
	out, err := yaml.Marshal(policy.Default())
	if err != nil {
		return fmt.Errorf("marshal default policy: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// openBindWarning returns a warning when the gateway listens beyond loopback
// without a browser origin allowlist.
func openBindWarning(cfg config.Config) string {
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return ""
	}
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "127.0.0.1" || h == "localhost" || h == "::1" {
		return ""
	}
	if len(cfg.AllowOrigins) > 0 {
		return ""
	}
	return "allow_origins is empty on non-loopback bind; cross-origin browser requests will be rejected"
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Log(context.Background(), audit.Event{Decision: audit.Fatal, Action: "runtime.startup", Reason: reasonCode, Subject: message})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
