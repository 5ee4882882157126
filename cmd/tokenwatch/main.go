// Command tokenwatch runs the LLM token-consumption monitor: pattern
// detection (C1-C2), usage accounting and cap enforcement (C3-C4), a
// dashboard aggregator and alerting engine (C5-C6), and the
// health-aware read API (C7) that ties them together, the same
// root-command-plus-runServer shape as cmd/pulse/main.go.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tokenwatch/monitor/internal/accountant"
	"github.com/tokenwatch/monitor/internal/alerts"
	"github.com/tokenwatch/monitor/internal/api"
	"github.com/tokenwatch/monitor/internal/bus"
	"github.com/tokenwatch/monitor/internal/config"
	"github.com/tokenwatch/monitor/internal/dashboard"
	"github.com/tokenwatch/monitor/internal/detector"
	"github.com/tokenwatch/monitor/internal/enforcer"
	"github.com/tokenwatch/monitor/internal/metrics"
	"github.com/tokenwatch/monitor/internal/notifications"
	"github.com/tokenwatch/monitor/internal/websocket"
)

// Version, BuildTime, and GitCommit are set at build time with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "tokenwatch",
	Short:   "tokenwatch - LLM token consumption monitor and enforcer",
	Long:    `tokenwatch detects, accounts, enforces, and alerts on LLM token and cost usage across agents, models, and providers.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json (optional; defaults + env overrides apply regardless)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tokenwatch %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().Msg("starting tokenwatch monitor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New()

	m := metrics.Get(nil)
	metrics.Subscribe(b, m)

	registry := detector.NewRegistry()
	det := detector.New(registry, b, detector.Config{Debounce: cfg.DebounceTime()})
	attachSources(det, cfg)

	enf := enforcer.New(b, enforcer.Config{EnableInvasiveActions: cfg.EnableInvasiveActions})
	enf.RegisterComponent(enforcer.ComponentLimit{Component: "inspector", Limit: 500_000, Window: time.Hour})
	enf.RegisterComponent(enforcer.ComponentLimit{Component: "orchestrator", Limit: 500_000, Window: time.Hour})
	enforcer.Subscribe(b, enf)

	acc := accountant.New(b, cfg.PersistPath)
	accountant.Subscribe(b, acc)

	dispatcher, err := notifications.NewDispatcher(ctx, b, notificationsConfig(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize notification dispatcher")
	}

	alertEngine := alerts.New(b, dispatcher.Dispatch, cfg.CheckInterval(), cfg.RetentionPeriod())
	for _, rule := range cfg.AlertRules {
		alertEngine.AddRule(rule)
	}
	alertEngine.SetQuietHours(alerts.QuietHoursConfig{
		Enabled:  cfg.QuietHours.Enabled,
		Start:    cfg.QuietHours.Start,
		End:      cfg.QuietHours.End,
		Timezone: cfg.QuietHours.Timezone,
	})
	alertEngine.SetFlappingConfig(alerts.FlappingConfig{
		Enabled:   cfg.FlappingEnabled,
		Window:    cfg.FlappingWindow(),
		Threshold: cfg.FlappingThreshold,
		Cooldown:  cfg.FlappingCooldown(),
	})

	dash := dashboard.New(dashboard.Sources{
		ProviderUsage:    acc.GetProviderUsage,
		LimitPredictions: acc.GetLimitPredictions,
		ActiveAlerts:     alertEngine.ActiveAlerts,
		ActiveAgents:     func() int { return 0 },
	}, dashboard.DefaultInterval, cfg.RetentionPeriodHours)

	hub := websocket.NewHub(m)
	hub.Subscribe(b)

	monitor := api.NewMonitor(b, acc, enf, dash, alertEngine, det)
	if err := monitor.Initialize(); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize monitor")
	}
	if err := monitor.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start monitor")
	}

	mux := monitor.Handler()
	mux.Handle("/ws", hub)

	metrics.Serve(ctx, cfg.MetricsAddress)
	serveAPI(ctx, mux, cfg.APIAddress)

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(*config.Config) {
			log.Info().Msg("config: file changed; restart to apply (live component reload is not wired)")
		})
		if err != nil {
			log.Warn().Err(err).Msg("config: failed to start file watcher, changes require a restart")
		} else {
			defer watcher.Stop()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	cancel()
	if err := monitor.Stop(); err != nil {
		log.Error().Err(err).Msg("error during monitor shutdown")
	}
	log.Info().Msg("tokenwatch stopped")
}

func notificationsConfig(cfg *config.Config) notifications.Config {
	return notifications.Config{
		Webhook: notifications.WebhookAllowlistConfig{
			AllowedPrivateCIDRs: cfg.AllowedWebhookPrivateCIDRs,
		},
		Email: notifications.EmailConfig{
			Host:       cfg.Notifications.SMTPHost,
			Port:       cfg.Notifications.SMTPPort,
			Username:   cfg.Notifications.SMTPUsername,
			Password:   cfg.Notifications.SMTPPassword,
			From:       cfg.Notifications.SMTPFrom,
			Recipients: cfg.Notifications.EmailRecipients,
			UseTLS:     cfg.Notifications.SMTPUseTLS,
		},
		Slack: notifications.SlackConfig{
			WebhookURL: cfg.Notifications.SlackWebhookURL,
		},
		EnableSystemCommand: cfg.EnableSystemCommand,
		QueueCapacity:       100,
	}
}

// apiShutdownTimeout bounds how long the API/websocket listener waits
// for in-flight requests to drain on shutdown, mirroring
// cmd/pulse/metrics_server.go's listen/shutdown goroutine pair.
const apiShutdownTimeout = 5 * time.Second

func serveAPI(ctx context.Context, handler http.Handler, addr string) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", addr).Msg("api: failed to shut down cleanly")
		}
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("api: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", addr).Msg("api: server stopped unexpectedly")
		}
	}()
}

func attachSources(det *detector.Detector, cfg *config.Config) {
	for _, path := range cfg.MonitoredFiles {
		if err := det.AddFileSource(path, path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("detector: failed to attach file source")
		}
	}
	for _, session := range cfg.MonitoredMultiplexerSessions {
		if err := det.AddPaneSource(session, session); err != nil {
			log.Warn().Err(err).Str("session", session).Msg("detector: failed to attach multiplexer pane source")
		}
	}
}
