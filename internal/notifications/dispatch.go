package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/tokenwatch/monitor/internal/bus"
	"github.com/tokenwatch/monitor/internal/models"
)

// Config gates the notification senders that can cause external side
// effects. EnableSystemCommand mirrors the enforcer's
// EnableInvasiveActions style flag: the action kind exists and is
// fully wired, but does nothing unless an integrator explicitly opts
// in.
type Config struct {
	Webhook               WebhookAllowlistConfig
	Email                 EmailConfig
	Slack                 SlackConfig
	EnableSystemCommand   bool
	SystemCommandTimeout  time.Duration
	QueueCapacity         int
}

// WebhookAllowlistConfig seeds the webhook sender's private-network
// allowlist at startup.
type WebhookAllowlistConfig struct {
	AllowedPrivateCIDRs string
}

// Dispatcher wires every non-inline action kind (webhook, email, slack,
// nudge, system_command) behind a bounded retry queue, and implements
// the alerts.ActionDispatcher function type without the alerts package
// importing this one.
type Dispatcher struct {
	cfg      Config
	bus      *bus.Bus
	webhooks *WebhookSender
	email    *EmailSender
	slack    SlackConfig
	queue    *Queue
}

// NewDispatcher wires a Dispatcher bound to b for nudge events, running
// its retry queue on ctx.
func NewDispatcher(ctx context.Context, b *bus.Bus, cfg Config) (*Dispatcher, error) {
	webhooks := NewWebhookSender()
	if err := webhooks.UpdateAllowedPrivateCIDRs(cfg.Webhook.AllowedPrivateCIDRs); err != nil {
		return nil, err
	}
	if cfg.SystemCommandTimeout <= 0 {
		cfg.SystemCommandTimeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		bus:      b,
		webhooks: webhooks,
		email:    NewEmailSender(cfg.Email),
		slack:    cfg.Slack,
		queue:    NewQueue(ctx, cfg.QueueCapacity),
	}, nil
}

// Dispatch matches alerts.ActionDispatcher: it executes action
// synchronously for kinds cheap enough to inline (nudge,
// system_command) and enqueues the retrying kinds (webhook, email,
// slack) on the bounded queue, returning immediately so the alerting
// engine's evaluation loop never blocks on network I/O.
func (d *Dispatcher) Dispatch(action models.ActionSpec, instance models.AlertInstance, rule models.AlertRule) error {
	switch action.Kind {
	case models.ActionNudge:
		return d.sendNudge(instance)
	case models.ActionSystemCommand:
		return d.runSystemCommand(action, instance)
	case models.ActionWebhook:
		d.queue.Enqueue("webhook:"+string(instance.ID), func(ctx context.Context) error {
			return d.webhooks.Send(ctx, action.Target, "application/json", alertJSON(instance))
		})
		return nil
	case models.ActionEmail:
		d.queue.Enqueue("email:"+string(instance.ID), func(ctx context.Context) error {
			return d.email.Send(instance, action.Target)
		})
		return nil
	case models.ActionSlack:
		d.queue.Enqueue("slack:"+string(instance.ID), func(ctx context.Context) error {
			return d.sendSlack(ctx, instance, action.Target)
		})
		return nil
	default:
		return fmt.Errorf("notifications: unsupported action kind %q", action.Kind)
	}
}

func (d *Dispatcher) sendNudge(instance models.AlertInstance) error {
	if d.bus == nil {
		return fmt.Errorf("notifications: no bus wired for nudge delivery")
	}
	d.bus.Publish(bus.Event{Kind: bus.EventNudgeRequest, Nudge: &bus.NudgePayload{
		AlertID: instance.ID,
		Message: instance.Message,
	}})
	return nil
}

// runSystemCommand executes action.Target as a shell command, only
// when explicitly enabled. Left unimplemented (returns an error) when
// disabled, which is the default — per spec, "whether it is ever safe
// to enable ... is left to the integrator."
func (d *Dispatcher) runSystemCommand(action models.ActionSpec, instance models.AlertInstance) error {
	if !d.cfg.EnableSystemCommand {
		return fmt.Errorf("notifications: system_command action is disabled")
	}
	if action.Target == "" {
		return fmt.Errorf("notifications: system_command action has no target command")
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SystemCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", action.Target)
	cmd.Env = append(cmd.Env, fmt.Sprintf("TOKENWATCH_ALERT_ID=%s", instance.ID), fmt.Sprintf("TOKENWATCH_ALERT_TITLE=%s", instance.Title))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("notifications: system_command failed: %w", err)
	}
	return nil
}

func alertJSON(instance models.AlertInstance) []byte {
	body, err := json.Marshal(instance)
	if err != nil {
		return []byte(`{"error":"failed to marshal alert"}`)
	}
	return body
}
