// Package config loads the single Config record the monitor runs from:
// defaults, then an optional on-disk config.json, then TOKENWATCH_*
// environment variable overrides, the same three-layer precedence the
// teacher's cmd/pulse-sensor-proxy/config.go applies (struct-literal
// defaults, YAML file, then per-field env overrides) adapted to this
// project's JSON file + TOKENWATCH_ prefix.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tokenwatch/monitor/internal/models"
)

// NotificationsConfig is the notifications.{...} block of the
// configuration surface.
type NotificationsConfig struct {
	EnableWebhooks  bool     `json:"enableWebhooks"`
	EnableEmail     bool     `json:"enableEmail"`
	EnableSlack     bool     `json:"enableSlack"`
	EnableNudge     bool     `json:"enableNudge"`
	WebhookURLs     []string `json:"webhookUrls,omitempty"`
	EmailRecipients []string `json:"emailRecipients,omitempty"`
	SlackChannels   []string `json:"slackChannels,omitempty"`

	SlackWebhookURL string `json:"slackWebhookUrl,omitempty"`

	SMTPHost     string `json:"smtpHost,omitempty"`
	SMTPPort     int    `json:"smtpPort,omitempty"`
	SMTPUsername string `json:"smtpUsername,omitempty"`
	SMTPPassword string `json:"smtpPassword,omitempty"`
	SMTPFrom     string `json:"smtpFrom,omitempty"`
	SMTPUseTLS   bool   `json:"smtpUseTls,omitempty"`
}

// QuietHours suppresses external notification dispatch (webhook, email,
// slack) during a daily window, grounded on
// internal/alerts/alerts.go's QuietHours struct and isInQuietHours.
// Start/End are "HH:MM" in
// 24-hour time; an End before Start wraps past midnight (e.g. 22:00 to
// 08:00). An empty Timezone uses the process's local time.
type QuietHours struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone,omitempty"`
}

// Config is the full configuration surface: monitoring knobs for
// detection, enforcement, and alerting, plus the ambient API/metrics
// addresses and the invasive-action gates carried by the enforcer and
// notification dispatcher.
type Config struct {
	PersistPath string `json:"persistPath"`

	EnableRealTimeDetection bool `json:"enableRealTimeDetection"`
	EnableCapEnforcement    bool `json:"enableCapEnforcement"`
	EnableAlerting          bool `json:"enableAlerting"`

	UpdateIntervalMS     int `json:"updateInterval"`
	RetentionPeriodHours int `json:"retentionPeriod"`
	CheckIntervalSeconds int `json:"checkInterval"`
	DebounceTimeMS       int `json:"debounceTime"`
	MaxCacheSize         int `json:"maxCacheSize"`

	MonitoredFiles               []string `json:"monitoredFiles,omitempty"`
	MonitoredProcesses           []string `json:"monitoredProcesses,omitempty"`
	MonitoredMultiplexerSessions []string `json:"monitoredMultiplexerSessions,omitempty"`

	AlertRules []models.AlertRule `json:"alertRules,omitempty"`

	Notifications NotificationsConfig `json:"notifications"`
	QuietHours    QuietHours          `json:"quietHours"`

	FlappingEnabled         bool `json:"flappingEnabled"`
	FlappingWindowSeconds   int  `json:"flappingWindowSeconds,omitempty"`
	FlappingThreshold       int  `json:"flappingThreshold,omitempty"`
	FlappingCooldownMinutes int  `json:"flappingCooldownMinutes,omitempty"`

	APIAddress     string `json:"apiAddress"`
	MetricsAddress string `json:"metricsAddress"`

	// EnableInvasiveActions and EnableSystemCommand gate the cap
	// enforcer's blocked-status actions and the notifications
	// dispatcher's system_command action kind respectively — off by
	// default.
	EnableInvasiveActions bool `json:"enableInvasiveActions"`
	EnableSystemCommand   bool `json:"enableSystemCommand"`

	AllowedWebhookPrivateCIDRs string `json:"allowedWebhookPrivateCIDRs,omitempty"`
}

// UpdateInterval, RetentionPeriod, CheckInterval, and DebounceTime
// convert this config's millisecond/hour/second fields to time.Duration.
func (c *Config) UpdateInterval() time.Duration { return time.Duration(c.UpdateIntervalMS) * time.Millisecond }
func (c *Config) RetentionPeriod() time.Duration {
	return time.Duration(c.RetentionPeriodHours) * time.Hour
}
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}
func (c *Config) DebounceTime() time.Duration { return time.Duration(c.DebounceTimeMS) * time.Millisecond }

// FlappingWindow and FlappingCooldown convert this config's second/minute
// fields to time.Duration; a zero value lets the alerting engine fall
// back to its own defaults.
func (c *Config) FlappingWindow() time.Duration {
	return time.Duration(c.FlappingWindowSeconds) * time.Second
}
func (c *Config) FlappingCooldown() time.Duration {
	return time.Duration(c.FlappingCooldownMinutes) * time.Minute
}

// Defaults returns the configuration surface's documented defaults.
func Defaults() *Config {
	return &Config{
		PersistPath:             "./tokenwatch-usage.json",
		EnableRealTimeDetection: true,
		EnableCapEnforcement:    true,
		EnableAlerting:          true,
		UpdateIntervalMS:        5000,
		RetentionPeriodHours:    24,
		CheckIntervalSeconds:    30,
		DebounceTimeMS:          500,
		MaxCacheSize:            1000,
		APIAddress:              ":8080",
		MetricsAddress:          ":9090",
	}
}

// Load builds a Config from defaults, an optional JSON file at
// configPath, a best-effort .env file in the working directory (via
// godotenv, for local dev), and TOKENWATCH_* environment variable
// overrides, in that precedence order.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("config: failed to load .env file, continuing with process environment")
	}

	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", configPath, err)
			}
			log.Info().Str("path", configPath).Msg("config: loaded configuration file")
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOKENWATCH_PERSIST_PATH"); v != "" {
		cfg.PersistPath = v
	}
	if v := os.Getenv("TOKENWATCH_API_ADDRESS"); v != "" {
		cfg.APIAddress = v
	}
	if v := os.Getenv("TOKENWATCH_METRICS_ADDRESS"); v != "" {
		cfg.MetricsAddress = v
	}
	envBool("TOKENWATCH_ENABLE_REALTIME_DETECTION", &cfg.EnableRealTimeDetection)
	envBool("TOKENWATCH_ENABLE_CAP_ENFORCEMENT", &cfg.EnableCapEnforcement)
	envBool("TOKENWATCH_ENABLE_ALERTING", &cfg.EnableAlerting)
	envBool("TOKENWATCH_ENABLE_INVASIVE_ACTIONS", &cfg.EnableInvasiveActions)
	envBool("TOKENWATCH_ENABLE_SYSTEM_COMMAND", &cfg.EnableSystemCommand)
	envInt("TOKENWATCH_UPDATE_INTERVAL_MS", &cfg.UpdateIntervalMS)
	envInt("TOKENWATCH_RETENTION_PERIOD_HOURS", &cfg.RetentionPeriodHours)
	envInt("TOKENWATCH_CHECK_INTERVAL_SECONDS", &cfg.CheckIntervalSeconds)
	envInt("TOKENWATCH_DEBOUNCE_TIME_MS", &cfg.DebounceTimeMS)
	envInt("TOKENWATCH_MAX_CACHE_SIZE", &cfg.MaxCacheSize)

	if v := os.Getenv("TOKENWATCH_MONITORED_FILES"); v != "" {
		cfg.MonitoredFiles = splitCSV(v)
	}
	if v := os.Getenv("TOKENWATCH_MONITORED_PROCESSES"); v != "" {
		cfg.MonitoredProcesses = splitCSV(v)
	}
	if v := os.Getenv("TOKENWATCH_MONITORED_MULTIPLEXER_SESSIONS"); v != "" {
		cfg.MonitoredMultiplexerSessions = splitCSV(v)
	}

	envBool("TOKENWATCH_NOTIFY_ENABLE_WEBHOOKS", &cfg.Notifications.EnableWebhooks)
	envBool("TOKENWATCH_NOTIFY_ENABLE_EMAIL", &cfg.Notifications.EnableEmail)
	envBool("TOKENWATCH_NOTIFY_ENABLE_SLACK", &cfg.Notifications.EnableSlack)
	envBool("TOKENWATCH_NOTIFY_ENABLE_NUDGE", &cfg.Notifications.EnableNudge)
	if v := os.Getenv("TOKENWATCH_NOTIFY_WEBHOOK_URLS"); v != "" {
		cfg.Notifications.WebhookURLs = splitCSV(v)
	}
	if v := os.Getenv("TOKENWATCH_NOTIFY_EMAIL_RECIPIENTS"); v != "" {
		cfg.Notifications.EmailRecipients = splitCSV(v)
	}
	if v := os.Getenv("TOKENWATCH_NOTIFY_SLACK_CHANNELS"); v != "" {
		cfg.Notifications.SlackChannels = splitCSV(v)
	}
	if v := os.Getenv("TOKENWATCH_ALLOWED_WEBHOOK_PRIVATE_CIDRS"); v != "" {
		cfg.AllowedWebhookPrivateCIDRs = v
	}
	if v := os.Getenv("TOKENWATCH_NOTIFY_SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notifications.SlackWebhookURL = v
	}
	if v := os.Getenv("TOKENWATCH_NOTIFY_SMTP_HOST"); v != "" {
		cfg.Notifications.SMTPHost = v
	}
	envInt("TOKENWATCH_NOTIFY_SMTP_PORT", &cfg.Notifications.SMTPPort)
	if v := os.Getenv("TOKENWATCH_NOTIFY_SMTP_USERNAME"); v != "" {
		cfg.Notifications.SMTPUsername = v
	}
	if v := os.Getenv("TOKENWATCH_NOTIFY_SMTP_PASSWORD"); v != "" {
		cfg.Notifications.SMTPPassword = v
	}
	if v := os.Getenv("TOKENWATCH_NOTIFY_SMTP_FROM"); v != "" {
		cfg.Notifications.SMTPFrom = v
	}
	envBool("TOKENWATCH_NOTIFY_SMTP_USE_TLS", &cfg.Notifications.SMTPUseTLS)

	envBool("TOKENWATCH_QUIET_HOURS_ENABLED", &cfg.QuietHours.Enabled)
	if v := os.Getenv("TOKENWATCH_QUIET_HOURS_START"); v != "" {
		cfg.QuietHours.Start = v
	}
	if v := os.Getenv("TOKENWATCH_QUIET_HOURS_END"); v != "" {
		cfg.QuietHours.End = v
	}
	if v := os.Getenv("TOKENWATCH_QUIET_HOURS_TIMEZONE"); v != "" {
		cfg.QuietHours.Timezone = v
	}

	envBool("TOKENWATCH_FLAPPING_ENABLED", &cfg.FlappingEnabled)
	envInt("TOKENWATCH_FLAPPING_WINDOW_SECONDS", &cfg.FlappingWindowSeconds)
	envInt("TOKENWATCH_FLAPPING_THRESHOLD", &cfg.FlappingThreshold)
	envInt("TOKENWATCH_FLAPPING_COOLDOWN_MINUTES", &cfg.FlappingCooldownMinutes)
}

func envBool(name string, target *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("var", name).Str("value", v).Msg("config: invalid boolean override, ignoring")
		return
	}
	*target = parsed
}

func envInt(name string, target *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("var", name).Str("value", v).Msg("config: invalid integer override, ignoring")
		return
	}
	*target = parsed
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects a configuration that would fail at startup: a
// non-positive interval that would make a ticker loop forever at zero
// duration, a negative debounce time, a non-positive cache size, an alert
// rule with no id or no conditions, or malformed quiet hours. It does not
// check the metric names or regexes inside a rule's conditions.
func (c *Config) Validate() error {
	if c.UpdateIntervalMS <= 0 {
		return fmt.Errorf("config: updateInterval must be positive")
	}
	if c.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("config: checkInterval must be positive")
	}
	if c.DebounceTimeMS < 0 {
		return fmt.Errorf("config: debounceTime must not be negative")
	}
	if c.MaxCacheSize <= 0 {
		return fmt.Errorf("config: maxCacheSize must be positive")
	}
	for _, rule := range c.AlertRules {
		if rule.ID == "" {
			return fmt.Errorf("config: alert rule missing id")
		}
		if len(rule.Conditions) == 0 {
			return fmt.Errorf("config: alert rule %s has no conditions", rule.ID)
		}
	}
	if c.QuietHours.Enabled {
		if _, err := time.Parse("15:04", c.QuietHours.Start); err != nil {
			return fmt.Errorf("config: quietHours.start %q is not HH:MM: %w", c.QuietHours.Start, err)
		}
		if _, err := time.Parse("15:04", c.QuietHours.End); err != nil {
			return fmt.Errorf("config: quietHours.end %q is not HH:MM: %w", c.QuietHours.End, err)
		}
		if c.QuietHours.Timezone != "" {
			if _, err := time.LoadLocation(c.QuietHours.Timezone); err != nil {
				return fmt.Errorf("config: quietHours.timezone %q is invalid: %w", c.QuietHours.Timezone, err)
			}
		}
	}
	return nil
}
