package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/NikhilSetiya/annotation-enrichment/internal/notifications"
)

// SlackHandler posts run notifications to a Slack incoming webhook using
// Block Kit
type SlackHandler struct {
	logger     *zap.Logger
	client     *http.Client
	webhookURL string
	channel    string
	username   string
}

// SlackOption customises a SlackHandler
type SlackOption func(*SlackHandler)

// WithSlackHTTPClient replaces the default client
func WithSlackHTTPClient(client *http.Client) SlackOption {
	return func(h *SlackHandler) { h.client = client }
}

// WithSlackUsername overrides the bot name shown in the channel
func WithSlackUsername(name string) SlackOption {
	return func(h *SlackHandler) { h.username = name }
}

type slackPayload struct {
	Text        string            `json:"text"`
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Blocks      []slackBlock      `json:"blocks,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func mrkdwn(s string) slackText { return slackText{Type: "mrkdwn", Text: s} }

var statusColors = map[string]string{
	"completed": "#2eb67d",
	"partial":   "#ecb22e",
	"cancelled": "#ecb22e",
}

const failureColor = "#e01e5a"

// summaryFields are the metadata keys shown as fields, in display order
var summaryFields = []struct{ key, title string }{
	{"mode", "Mode"},
	{"genes", "Genes"},
	{"updated", "Updated"},
	{"skipped", "Skipped"},
	{"failed", "Failed"},
	{"duration", "Duration"},
}

// NewSlackHandler creates a handler for webhookURL. channel may be empty to
// use the webhook's default.
func NewSlackHandler(logger *zap.Logger, webhookURL, channel string, opts ...SlackOption) *SlackHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &SlackHandler{
		logger:     logger.Named("slack"),
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
		channel:    channel,
		username:   "annotation-pipeline",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GetChannelType returns the channel type
func (h *SlackHandler) GetChannelType() notifications.NotificationChannelType {
	return notifications.ChannelTypeSlack
}

// Send posts message to the webhook. Slack answers a successful post with
// 200 and the body "ok".
func (h *SlackHandler) Send(ctx context.Context, message notifications.NotificationMessage) error {
	if h.webhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	body, err := json.Marshal(h.payload(message))
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		reply, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(reply))
	}

	h.logger.Debug("notification delivered",
		zap.String("webhook_host", webhookHost(h.webhookURL)),
		zap.String("subject", message.Subject))
	return nil
}

func (h *SlackHandler) payload(message notifications.NotificationMessage) slackPayload {
	color, ok := statusColors[fmt.Sprint(message.Metadata["status"])]
	if !ok {
		color = failureColor
	}

	blocks := []slackBlock{{Type: "section", Text: &slackText{Type: "mrkdwn", Text: message.Body}}}
	var fields []slackText
	for _, f := range summaryFields {
		if value, ok := message.Metadata[f.key]; ok {
			fields = append(fields, mrkdwn(fmt.Sprintf("*%s*\n%v", f.title, value)))
		}
	}
	if len(fields) > 0 {
		blocks = append(blocks, slackBlock{Type: "section", Fields: fields})
	}

	return slackPayload{
		Text:        message.Subject,
		Channel:     h.channel,
		Username:    h.username,
		Attachments: []slackAttachment{{Color: color, Blocks: blocks}},
	}
}

// webhookHost keeps the secret path of a webhook out of logs
func webhookHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Host
}
