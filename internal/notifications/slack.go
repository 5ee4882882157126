package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tokenwatch/monitor/internal/models"
)

// SlackConfig is the incoming-webhook URL used for slack actions; the
// action's ActionSpec.Target may override the channel.
type SlackConfig struct {
	WebhookURL string
}

type slackPayload struct {
	Text    string `json:"text"`
	Channel string `json:"channel,omitempty"`
}

func severityEmoji(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return ":rotating_light:"
	case models.SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

// sendSlack posts instance to the configured incoming webhook. target,
// if non-empty, overrides the channel.
func (d *Dispatcher) sendSlack(ctx context.Context, instance models.AlertInstance, target string) error {
	if d.slack.WebhookURL == "" {
		return fmt.Errorf("notifications: slack disabled (no webhook url configured)")
	}
	payload := slackPayload{
		Text:    fmt.Sprintf("%s *%s*\n%s", severityEmoji(instance.Severity), instance.Title, instance.Message),
		Channel: target,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notifications: marshaling slack payload: %w", err)
	}
	return d.webhooks.Send(ctx, d.slack.WebhookURL, "application/json", body)
}
