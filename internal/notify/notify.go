// Package notify delivers user-facing notifications.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Sink delivers a notification.
type Sink interface {
	Notify(ctx context.Context, title, body string) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, title, body string) error {
	n.logger.Info("Notification",
		zap.String("title", title),
		zap.String("body", body),
	)
	return nil
}

// WebhookPayload JSON body posted by WebhookNotifier.
type WebhookPayload struct {
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sentAt"`
}

// WebhookNotifier POSTs notifications as JSON to a URL.
type WebhookNotifier struct {
	url        string
	httpClient *resty.Client
	logger     *zap.Logger
	now        func() time.Time
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	return &WebhookNotifier{
		url:        url,
		httpClient: client,
		logger:     logger,
		now:        time.Now,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, title, body string) error {
	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(WebhookPayload{Title: title, Body: body, SentAt: n.now().UTC()}).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode())
	}

	n.logger.Debug("Notification delivered",
		zap.String("title", title),
		zap.Int("status", resp.StatusCode()),
	)
	return nil
}

// Multi fans a notification out to several sinks and returns the first error.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, title, body string) error {
	var first error
	for _, s := range m {
		if err := s.Notify(ctx, title, body); err != nil && first == nil {
			first = err
		}
	}
	return first
}
