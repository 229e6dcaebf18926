// Package notifications sends alerts about unsafe scan verdicts.
package notifications

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/Harvey-AU/metascan/internal/scan"
	"github.com/Harvey-AU/metascan/internal/util"
)

// PostFunc delivers a webhook message. slack.PostWebhookContext satisfies it.
type PostFunc func(ctx context.Context, url string, msg *slack.WebhookMessage) error

// SlackNotifier posts unsafe verdicts to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	appURL     string
	post       PostFunc
}

// Option customises a SlackNotifier.
type Option func(*SlackNotifier)

// WithAppURL adds a history link to each alert.
func WithAppURL(appURL string) Option {
	return func(n *SlackNotifier) { n.appURL = appURL }
}

// WithPostFunc replaces the webhook sender.
func WithPostFunc(post PostFunc) Option {
	return func(n *SlackNotifier) { n.post = post }
}

// NewSlackNotifier returns nil when webhookURL is empty so callers can skip
// alerting without a separate check.
func NewSlackNotifier(webhookURL string, opts ...Option) *SlackNotifier {
	if webhookURL == "" {
		return nil
	}
	n := &SlackNotifier{webhookURL: webhookURL, post: slack.PostWebhookContext}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// AlertUnsafe posts an alert for rec.
func (n *SlackNotifier) AlertUnsafe(ctx context.Context, rec scan.Record) error {
	target := util.TruncateURL(util.RedactURL(rec.Target), util.DefaultMaxURLDisplay)
	msg := &slack.WebhookMessage{
		Text:   fmt.Sprintf("Unsafe %s scan verdict: %s", rec.Kind, target),
		Blocks: &slack.Blocks{BlockSet: n.buildBlocks(rec, target)},
	}

	if err := n.post(ctx, n.webhookURL, msg); err != nil {
		return fmt.Errorf("failed to post Slack alert: %w", err)
	}

	log.Info().
		Str("process_id", rec.ProcessID).
		Str("analysis_id", rec.AnalysisID).
		Msg("Unsafe verdict alert sent to Slack")
	return nil
}

func (n *SlackNotifier) buildBlocks(rec scan.Record, target string) []slack.Block {
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf(":rotating_light: *Unsafe %s detected*\n`%s`", rec.Kind, target), false, false),
			nil,
			nil,
		),
	}

	if stats := rec.Result.Stats; stats != nil {
		fields := []*slack.TextBlockObject{
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Malicious:* %d", stats.Malicious), false, false),
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Suspicious:* %d", stats.Suspicious), false, false),
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Harmless:* %d", stats.Harmless), false, false),
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Undetected:* %d", stats.Undetected), false, false),
		}
		blocks = append(blocks, slack.NewSectionBlock(nil, fields, nil))
	}

	meta := []slack.MixedElement{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Process `%s` at %s", rec.ProcessID, rec.ScannedAt.UTC().Format("2006-01-02 15:04:05 MST")), false, false),
	}
	if rec.AnalysisID != "" {
		meta = append(meta, slack.NewTextBlockObject("mrkdwn", "Analysis `"+rec.AnalysisID+"`", false, false))
	}
	blocks = append(blocks, slack.NewContextBlock("", meta...))

	if n.appURL != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("<%s/v1/history?target=%s|View history>", n.appURL, url.QueryEscape(util.RedactURL(rec.Target))), false, false),
			nil,
			nil,
		))
	}

	return blocks
}
