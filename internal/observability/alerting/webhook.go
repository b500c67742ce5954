package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/slack-go/slack"
)

// WebhookNotifier 以 JSON 形式把告警 POST 到指定地址。
type WebhookNotifier struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

// NewWebhookNotifier 创建带默认超时的 WebhookNotifier。
func NewWebhookNotifier(url string, headers map[string]string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Headers: headers, Client: &http.Client{Timeout: 5 * time.Second}}
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送告警。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return n.post(ctx, body)
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.Headers {
		req.Header.Set(k, v)
	}
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SlackWebhookSender 通过 Slack incoming webhook 发送消息。
type SlackWebhookSender struct {
	URL    string
	Client *http.Client
}

// NewSlackWebhookSender 创建带默认超时的 SlackWebhookSender。
func NewSlackWebhookSender(url string) *SlackWebhookSender {
	return &SlackWebhookSender{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

// Send 实现 SlackSender。
func (s *SlackWebhookSender) Send(ctx context.Context, channel, content string) error {
	msg := &slack.WebhookMessage{Channel: channel, Text: content}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.URL, s.Client, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}
