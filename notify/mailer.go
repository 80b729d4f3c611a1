// Package notify delivers templated email and push notifications for
// signaling milestones. Email delivery to the templated renderer is the only
// retried operation on the escrow path; push delivery is fire-and-forget
// through a bounded queue.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"marketsignal/signal"
)

// Params describes one templated email send.
type Params struct {
	To        string            `json:"to"`
	Name      string            `json:"name,omitempty"`
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Mailer sends one templated email. Implementations are expected to be slow
// I/O; callers wrap them with RetryingMailer when delivery matters.
type Mailer interface {
	SendTemplatedEmail(ctx context.Context, params Params) error
}

// MailerFunc adapts a function to the Mailer interface.
type MailerFunc func(ctx context.Context, params Params) error

func (f MailerFunc) SendTemplatedEmail(ctx context.Context, params Params) error {
	return f(ctx, params)
}

const (
	defaultMaxAttempts = 5
	backoffBase        = time.Second
	backoffCap         = 5 * time.Minute
)

// RetryingMailer wraps a Mailer with bounded exponential backoff. After
// exhausting its attempts it reports a typed delivery failure wrapping the
// last underlying error.
type RetryingMailer struct {
	mailer      Mailer
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRetryingMailer wraps mailer with up to maxAttempts tries. Non-positive
// maxAttempts falls back to the default.
func NewRetryingMailer(mailer Mailer, maxAttempts int) *RetryingMailer {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &RetryingMailer{
		mailer:      mailer,
		maxAttempts: maxAttempts,
		sleep:       sleepCtx,
	}
}

// SendTemplatedEmail implements Mailer with retries.
func (m *RetryingMailer) SendTemplatedEmail(ctx context.Context, params Params) error {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		lastErr = m.mailer.SendTemplatedEmail(ctx, params)
		if lastErr == nil {
			return nil
		}
		if attempt == m.maxAttempts {
			break
		}
		if err := m.sleep(ctx, backoffDuration(attempt)); err != nil {
			return fmt.Errorf("%w: %v", signal.ErrNotificationDeliveryFailed, err)
		}
	}
	return fmt.Errorf("%w: %d attempts: %v", signal.ErrNotificationDeliveryFailed, m.maxAttempts, lastErr)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := backoffBase * time.Duration(1<<uint(attempt-1))
	if d > backoffCap {
		return backoffCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HTTPMailer posts templated email parameters to the rendering service,
// signing each payload with HMAC-SHA256 so the renderer can authenticate the
// origin.
type HTTPMailer struct {
	url    string
	secret string
	client *http.Client
}

// NewHTTPMailer builds a mailer targeting the templated-email service.
func NewHTTPMailer(url, secret string) *HTTPMailer {
	return &HTTPMailer{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SendTemplatedEmail implements Mailer.
func (m *HTTPMailer) SendTemplatedEmail(ctx context.Context, params Params) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode email params: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notify-Signature", signPayload(m.secret, payload))
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("send email request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("email service returned %s", resp.Status)
	}
	return nil
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// FormatAmount renders an int64 minor-unit amount for template variables.
func FormatAmount(amount int64) string {
	return strconv.FormatInt(amount, 10)
}
