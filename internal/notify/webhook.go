package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const defaultTimeout = 5 * time.Second

// Webhook posts JSON payloads to a configured URL. Delivery is best-effort:
// failures are logged and swallowed, never propagated to the caller.
type Webhook struct {
	URL    string
	Log    *zap.Logger
	client *resty.Client
}

func NewWebhook(url string, timeout time.Duration, log *zap.Logger) *Webhook {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &Webhook{URL: url, Log: log, client: client}
}

// Enabled reports whether a destination is configured.
func (w *Webhook) Enabled() bool {
	return w != nil && w.URL != ""
}

// Send delivers one payload. Errors are logged, not returned.
func (w *Webhook) Send(ctx context.Context, event string, payload any) {
	if !w.Enabled() {
		return
	}
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Stageline-Event", event).
		SetBody(payload).
		Post(w.URL)
	if err != nil {
		w.Log.Warn("webhook delivery failed", zap.String("url", w.URL), zap.Error(err))
		return
	}
	if resp.IsError() {
		w.Log.Warn("webhook rejected",
			zap.String("url", w.URL),
			zap.Int("status", resp.StatusCode()))
	}
}
