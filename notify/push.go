package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPPushSender posts push notifications to the push-notification gateway,
// signing payloads the same way the email path does.
type HTTPPushSender struct {
	url    string
	secret string
	client *http.Client
}

// NewHTTPPushSender builds a sender targeting the push gateway.
func NewHTTPPushSender(url, secret string) *HTTPPushSender {
	return &HTTPPushSender{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SendPush implements PushSender.
func (s *HTTPPushSender) SendPush(ctx context.Context, n PushNotification) error {
	payload, err := json.Marshal(map[string]string{
		"identity": n.Identity,
		"title":    n.Title,
		"body":     n.Body,
	})
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notify-Signature", signPayload(s.secret, payload))
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send push request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway returned %s", resp.Status)
	}
	return nil
}
