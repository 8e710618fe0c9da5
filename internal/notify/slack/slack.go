// Package slack forwards critical inbox items and chat alerts to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/whatspilot/internal/triage"
)

const (
	maxContentLen = 1500
	httpTimeout   = 10 * time.Second
)

// Notifier posts triage outcomes to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, every notification is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool { return n.webhookURL != "" }

// NotifyItem posts a classified inbox item.
func (n *Notifier) NotifyItem(ctx context.Context, it *triage.Item) error {
	if !n.Enabled() || it == nil {
		return nil
	}
	return n.post(ctx, itemMessage(it))
}

// NotifyAlert posts a chat alert found by an alert scan.
func (n *Notifier) NotifyAlert(ctx context.Context, a *triage.Alert) error {
	if !n.Enabled() || a == nil {
		return nil
	}
	return n.post(ctx, alertMessage(a))
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent", "status", resp.StatusCode)
	return nil
}

func itemMessage(it *triage.Item) map[string]any {
	priority, summary, suggested := "UNCLASSIFIED", "", ""
	if a := it.Analysis; a != nil {
		priority, summary, suggested = string(a.Priority), a.Summary, a.SuggestedReply
	}

	from := it.Sender
	if it.IsGroup && it.GroupName != "" {
		from = fmt.Sprintf("%s in %s", it.Sender, it.GroupName)
	}

	blocks := []map[string]any{
		header(fmt.Sprintf("%s %s message from %s", priorityEmoji(priority), priority, from)),
		{"type": "divider"},
		section(fmt.Sprintf("*Message*\n\n>%s", truncate(it.Content, maxContentLen))),
	}
	if summary != "" {
		blocks = append(blocks, section(fmt.Sprintf("*Summary:* %s", summary)))
	}
	if suggested != "" {
		blocks = append(blocks, section(fmt.Sprintf("*Suggested reply:* %s", suggested)))
	}
	blocks = append(blocks,
		map[string]any{"type": "divider"},
		footer(fmt.Sprintf("whatspilot • item %s • %s", it.ID, stamp(it.Timestamp))),
	)

	return map[string]any{"blocks": blocks}
}

func alertMessage(a *triage.Alert) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			header(fmt.Sprintf("%s %s alert in %s", severityEmoji(a.Severity), a.Severity, a.ChatName)),
			{"type": "divider"},
			section(fmt.Sprintf("*Reason*\n\n%s", truncate(a.Reason, maxContentLen))),
			{"type": "divider"},
			footer(fmt.Sprintf("whatspilot • chat %s • %s", a.ChatID, stamp(a.Timestamp))),
		},
	}
}

func header(text string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, 150),
		},
	}
}

func section(text string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func footer(text string) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

func stamp(ts time.Time) string {
	if ts.IsZero() {
		ts = time.Now()
	}
	return ts.UTC().Format("2006-01-02 15:04 UTC")
}

func priorityEmoji(priority string) string {
	switch triage.Priority(priority) {
	case triage.PriorityCritical:
		return "\U0001f534" // red circle
	case triage.PriorityHigh:
		return "\U0001f7e0" // orange circle
	case triage.PriorityNormal:
		return "\U0001f7e1" // yellow circle
	default:
		return "⚪" // white circle
	}
}

func severityEmoji(s triage.AlertSeverity) string {
	if s == triage.SeverityCritical {
		return "\U0001f6a8" // rotating light
	}
	return "⚠️" // warning sign
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
