package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"marketsignal/escrow"
	"marketsignal/signal"
)

func TestRetryingMailerSucceedsAfterFailures(t *testing.T) {
	attempts := 0
	mailer := MailerFunc(func(_ context.Context, _ Params) error {
		attempts++
		if attempts < 3 {
			return errors.New("relay busy")
		}
		return nil
	})
	retrying := NewRetryingMailer(mailer, 5)
	var slept []time.Duration
	retrying.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if err := retrying.SendTemplatedEmail(context.Background(), Params{To: "bob@example.com"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("expected backoffs %v, got %v", want, slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("expected backoffs %v, got %v", want, slept)
		}
	}
}

func TestRetryingMailerExhaustion(t *testing.T) {
	attempts := 0
	mailer := MailerFunc(func(_ context.Context, _ Params) error {
		attempts++
		return errors.New("relay down")
	})
	retrying := NewRetryingMailer(mailer, 3)
	retrying.sleep = func(_ context.Context, _ time.Duration) error { return nil }

	err := retrying.SendTemplatedEmail(context.Background(), Params{To: "bob@example.com"})
	if !errors.Is(err, signal.ErrNotificationDeliveryFailed) {
		t.Fatalf("expected ErrNotificationDeliveryFailed, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryingMailerStopsOnCancel(t *testing.T) {
	mailer := MailerFunc(func(_ context.Context, _ Params) error {
		return errors.New("relay down")
	})
	retrying := NewRetryingMailer(mailer, 5)
	retrying.sleep = func(ctx context.Context, _ time.Duration) error {
		return context.Canceled
	}

	err := retrying.SendTemplatedEmail(context.Background(), Params{To: "bob@example.com"})
	if !errors.Is(err, signal.ErrNotificationDeliveryFailed) {
		t.Fatalf("expected typed failure on cancelled backoff, got %v", err)
	}
}

func TestBackoffDuration(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{20, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := backoffDuration(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestHTTPMailerSignsPayload(t *testing.T) {
	const secret = "notify-secret"
	var gotSignature string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Notify-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	mailer := NewHTTPMailer(srv.URL, secret)
	err := mailer.SendTemplatedEmail(context.Background(), Params{
		To:       "bob@example.com",
		Template: releaseTemplate,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSignature != want {
		t.Fatalf("signature mismatch: got %s want %s", gotSignature, want)
	}
}

func TestHTTPMailerRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	mailer := NewHTTPMailer(srv.URL, "secret")
	if err := mailer.SendTemplatedEmail(context.Background(), Params{To: "bob@example.com"}); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}

func TestReleaseNotifierTemplatesNotice(t *testing.T) {
	var got Params
	notifier := NewReleaseNotifier(MailerFunc(func(_ context.Context, params Params) error {
		got = params
		return nil
	}))

	err := notifier.SendReleaseNotice(context.Background(), escrow.ReleaseNotice{
		Email:     "bob@example.com",
		Name:      "Bob",
		Amount:    10000,
		ItemTitle: "Vintage lamp",
		Feedback:  "great seller",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.To != "bob@example.com" || got.Name != "Bob" || got.Template != releaseTemplate {
		t.Fatalf("unexpected params: %+v", got)
	}
	if got.Variables["amount"] != "10000" || got.Variables["itemTitle"] != "Vintage lamp" || got.Variables["feedback"] != "great seller" {
		t.Fatalf("unexpected variables: %v", got.Variables)
	}
}

func TestQueueOrderAndOverflow(t *testing.T) {
	queue := NewQueue(WithQueueCapacity(2))
	queue.Enqueue(PushNotification{Identity: "a"})
	queue.Enqueue(PushNotification{Identity: "b"})
	// Overflow overwrites the oldest entry.
	queue.Enqueue(PushNotification{Identity: "c"})

	if queue.Len() != 2 {
		t.Fatalf("expected 2 pending, got %d", queue.Len())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := queue.Dequeue(ctx)
	if !ok || first.Identity != "b" {
		t.Fatalf("expected b first after overflow, got %+v (%v)", first, ok)
	}
	second, ok := queue.Dequeue(ctx)
	if !ok || second.Identity != "c" {
		t.Fatalf("expected c second, got %+v (%v)", second, ok)
	}
}

func TestQueueTTLEviction(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	queue := NewQueue(
		WithQueueCapacity(8),
		WithQueueTTL(time.Minute),
		withQueueClock(func() time.Time { return now }),
	)
	queue.Enqueue(PushNotification{Identity: "stale"})
	now = now.Add(2 * time.Minute)
	queue.Enqueue(PushNotification{Identity: "fresh"})

	if queue.Len() != 1 {
		t.Fatalf("expected stale entry evicted, got %d pending", queue.Len())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := queue.Dequeue(ctx)
	if !ok || got.Identity != "fresh" {
		t.Fatalf("expected fresh entry, got %+v (%v)", got, ok)
	}
}

func TestQueueDequeueUnblocksOnCancel(t *testing.T) {
	queue := NewQueue(WithQueueCapacity(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("cancelled dequeue must report false")
	}
}

type recordingPushSender struct {
	mu   sync.Mutex
	sent []PushNotification
	errs int
	fail bool
}

func (s *recordingPushSender) SendPush(_ context.Context, n PushNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		s.errs++
		return errors.New("gateway unreachable")
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingPushSender) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent), s.errs
}

func TestWorkerDrainsQueue(t *testing.T) {
	queue := NewQueue(WithQueueCapacity(8))
	sender := &recordingPushSender{}
	worker := NewWorker(queue, sender, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	queue.Enqueue(PushNotification{Identity: "alice", Title: "Missed call"})
	queue.Enqueue(PushNotification{Identity: "bob", Title: "Missed call"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if sent, _ := sender.counts(); sent == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker did not drain the queue")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestWorkerDropsFailedPush(t *testing.T) {
	queue := NewQueue(WithQueueCapacity(8))
	sender := &recordingPushSender{fail: true}
	worker := NewWorker(queue, sender, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	queue.Enqueue(PushNotification{Identity: "alice", Title: "Missed call"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, errs := sender.counts(); errs >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker never attempted delivery")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if queue.Len() != 0 {
		t.Fatalf("failed push must be dropped, not requeued")
	}
}
