// Package slack dispatches incident opened/closed notifications to Slack via
// incoming webhooks and mints the notification ids recorded on the incident.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/firewatch/internal/incident"
)

const httpTimeout = 10 * time.Second

// Notifier implements incident.Notifier against a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// NotifyOpened posts an incident-opened message and returns its notification id.
func (n *Notifier) NotifyOpened(ctx context.Context, in *incident.SiteIncident) (string, error) {
	return n.post(ctx, buildMessage(in, false))
}

// NotifyClosed posts an incident-closed message and returns its notification id.
func (n *Notifier) NotifyClosed(ctx context.Context, in *incident.SiteIncident) (string, error) {
	return n.post(ctx, buildMessage(in, true))
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return "", fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	// Webhooks carry no message id in the response; mint the stored evidence.
	return ulid.Make().String(), nil
}

func buildMessage(in *incident.SiteIncident, closed bool) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(in, closed),
			{"type": "divider"},
			fieldsBlock(in, closed),
			{"type": "divider"},
			contextBlock(in),
		},
	}
}

func headerBlock(in *incident.SiteIncident, closed bool) map[string]any {
	emoji := "\U0001f525" // fire
	title := "Fire incident opened"
	if closed {
		emoji = "\U0001f7e2" // green circle
		title = "Fire incident closed"
	}

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s: site %s", emoji, title, in.SiteID),
		},
	}
}

func fieldsBlock(in *incident.SiteIncident, closed bool) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Site:* %s", in.SiteID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Started:* %s", in.StartedAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}
	if closed && in.EndedAt != nil {
		fields = append(fields,
			map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Ended:* %s", in.EndedAt.UTC().Format("2006-01-02 15:04 UTC")),
			},
			map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Active for:* %s", in.EndedAt.Sub(in.StartedAt).Round(time.Minute)),
			},
		)
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func contextBlock(in *incident.SiteIncident) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("firewatch • incident %s", in.ID),
			},
		},
	}
}
