package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrWebhookRejected = errors.New("slack_webhook_rejected")

const defaultTimeout = 10 * time.Second

// WebhookProvider posts to a Slack incoming webhook.
type WebhookProvider struct {
	client *resty.Client
	url    string
}

func NewWebhook(url string, timeout time.Duration) *WebhookProvider {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &WebhookProvider{
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetRetryCount(2).
			SetRetryWaitTime(200 * time.Millisecond),
		url: url,
	}
}

type webhookMessage struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

func (p *WebhookProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(webhookMessage{Channel: strings.TrimSpace(channelID), Text: message}).
		Post(p.url)
	if err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: status %d: %s", ErrWebhookRejected, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}
