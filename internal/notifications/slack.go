package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tablewatch/tablewatch/pkg/errors"
	"github.com/tablewatch/tablewatch/pkg/resilience"
	"github.com/tablewatch/tablewatch/pkg/types"
)

// SlackNotifier delivers alerts to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
	channel    string
	httpClient *http.Client
	retry      *resilience.RetryPolicy
	logger     *zap.Logger
}

// SlackMessage is the webhook payload
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is a colored message block
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField is a short key/value pair in an attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a Slack webhook notifier
func NewSlackNotifier(webhookURL, channel string, logger *zap.Logger) (*SlackNotifier, error) {
	if webhookURL == "" {
		return nil, errors.NewValidationError("slack webhook URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	retry, err := resilience.NewRetryPolicy(resilience.ExternalAPIRetryConfig("slack-webhook"))
	if err != nil {
		return nil, err
	}

	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      retry,
		logger:     logger,
	}, nil
}

// Name identifies the channel
func (n *SlackNotifier) Name() string {
	return "slack"
}

// Notify posts the alert to the webhook, retrying transient failures
func (n *SlackNotifier) Notify(ctx context.Context, alert *types.Alert) error {
	payload, err := json.Marshal(n.buildMessage(alert))
	if err != nil {
		return errors.NewInternalError("failed to serialize slack message").WithCause(err)
	}

	_, err = n.retry.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, n.post(ctx, payload)
	})
	return err
}

func (n *SlackNotifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// buildMessage formats an alert as a colored Slack attachment
func (n *SlackNotifier) buildMessage(alert *types.Alert) *SlackMessage {
	return &SlackMessage{
		Username:  "tablewatch",
		Channel:   n.channel,
		IconEmoji: ":bar_chart:",
		Attachments: []SlackAttachment{
			{
				Color: alertColor(alert.Status),
				Title: fmt.Sprintf("%s check %s: %s", alert.Kind, alert.Status, alert.TableName),
				Text:  alert.Message,
				Fields: []SlackField{
					{Title: "Source", Value: alert.SourceName, Short: true},
					{Title: "Table", Value: alert.TableName, Short: true},
					{Title: "Check", Value: string(alert.Kind), Short: true},
					{Title: "Status", Value: string(alert.Status), Short: true},
				},
				Footer:    "tablewatch",
				Timestamp: alert.CreatedAt.Unix(),
			},
		},
	}
}

func alertColor(status types.CheckStatus) string {
	switch status {
	case types.CheckStatusAlerting:
		return "danger"
	case types.CheckStatusError:
		return "warning"
	default:
		return "#808080"
	}
}
