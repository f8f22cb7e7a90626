package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type mockMailer struct {
	sendFn func(ctx context.Context, mail Mail) error
	mu     sync.Mutex
	sent   []Mail
}

func (m *mockMailer) Send(ctx context.Context, mail Mail) error {
	m.mu.Lock()
	m.sent = append(m.sent, mail)
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, mail)
	}
	return nil
}

type mockObserver struct {
	mu      sync.Mutex
	results map[string]int
}

func (o *mockObserver) RecordNotification(kind, result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.results == nil {
		o.results = map[string]int{}
	}
	o.results[kind+"/"+result]++
}

func (o *mockObserver) count(kind Kind, result string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.results[string(kind)+"/"+result]
}

func TestRender_AllKindsHaveTemplates(t *testing.T) {
	kinds := []Kind{
		KindRequestSubmitted, KindRequestApprovedPaymentLink, KindRequestDeclined, KindPaymentConfirmed,
		KindSessionBooked, KindMembershipActivated, KindMembershipRenewed, KindMembershipPaymentFailed,
		KindMembershipCanceled, KindMembershipCancellationScheduled, KindInviteIssued,
	}
	for _, k := range kinds {
		subject, body, err := Render(Message{Kind: k})
		if err != nil {
			t.Errorf("Render(%s): %v", k, err)
			continue
		}
		if subject == "" || body == "" {
			t.Errorf("Render(%s) produced empty output", k)
		}
	}
}

func TestRender_DeclinedIncludesSuggestedTimesVerbatim(t *testing.T) {
	_, body, err := Render(Message{
		Kind: KindRequestDeclined,
		Data: map[string]string{"name": "Ann", "suggested_times": "15:00, 16:00"},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(body, "15:00, 16:00") {
		t.Errorf("body does not contain suggested times: %s", body)
	}
}

func TestRender_EscapesHTML(t *testing.T) {
	_, body, err := Render(Message{
		Kind: KindRequestSubmitted,
		Data: map[string]string{"notes": "<script>x</script>"},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(body, "<script>") {
		t.Errorf("body should escape markup: %s", body)
	}
}

func TestRender_UnknownKind(t *testing.T) {
	if _, _, err := Render(Message{Kind: "nope"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestSender_RequestSubmittedPostsWebhookAndMail(t *testing.T) {
	var hookBody webhookPayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&hookBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	mailer := &mockMailer{}
	sender := NewSender(mailer, NewOperatorWebhook(ts.Client(), ts.URL), "studio@example.com", testLogger())

	err := sender.Deliver(context.Background(), Message{
		Kind: KindRequestSubmitted,
		To:   []string{"ops@example.com"},
		Data: map[string]string{"name": "Ann"},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(mailer.sent) != 1 || mailer.sent[0].From != "studio@example.com" {
		t.Fatalf("sent = %+v", mailer.sent)
	}
	if hookBody.Kind != KindRequestSubmitted || !strings.Contains(hookBody.Text, "Ann") {
		t.Errorf("webhook payload = %+v", hookBody)
	}
}

func TestSender_WebhookFailureDoesNotFailDelivery(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	mailer := &mockMailer{}
	sender := NewSender(mailer, NewOperatorWebhook(ts.Client(), ts.URL), "studio@example.com", testLogger())
	err := sender.Deliver(context.Background(), Message{Kind: KindRequestSubmitted, To: []string{"ops@example.com"}})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
}

func TestNewOperatorWebhook_EmptyURL(t *testing.T) {
	if NewOperatorWebhook(http.DefaultClient, "") != nil {
		t.Error("empty URL should disable the webhook")
	}
}

func TestSendGridMailer_Send(t *testing.T) {
	var got sendGridRequest
	var auth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	m := NewSendGridMailer(ts.Client(), "SG.key")
	m.endpoint = ts.URL

	err := m.Send(context.Background(), Mail{From: "a@example.com", To: []string{"b@example.com", "c@example.com"}, Subject: "hi", HTML: "<p>x</p>"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if auth != "Bearer SG.key" {
		t.Errorf("Authorization = %q", auth)
	}
	if len(got.Personalizations) != 1 || len(got.Personalizations[0].To) != 2 {
		t.Errorf("personalizations = %+v", got.Personalizations)
	}
	if got.Content[0].Type != "text/html" || got.Subject != "hi" {
		t.Errorf("payload = %+v", got)
	}
}

func TestSendGridMailer_StatusClassification(t *testing.T) {
	tests := []struct {
		status        int
		wantErr       bool
		wantPermanent bool
	}{
		{http.StatusAccepted, false, false},
		{http.StatusBadRequest, true, true},
		{http.StatusUnauthorized, true, true},
		{http.StatusTooManyRequests, true, false},
		{http.StatusServiceUnavailable, true, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			m := NewSendGridMailer(ts.Client(), "k")
			m.endpoint = ts.URL
			err := m.Send(context.Background(), Mail{To: []string{"x@example.com"}})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if IsPermanent(err) != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v", IsPermanent(err), tt.wantPermanent)
			}
		})
	}
}

func TestLogMailer_Send(t *testing.T) {
	var buf bytes.Buffer
	m := NewLogMailer(slog.New(slog.NewJSONHandler(&buf, nil)))
	if err := m.Send(context.Background(), Mail{To: []string{"x@example.com"}, Subject: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("log output = %s", buf.String())
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{6, time.Minute},
		{20, time.Minute},
	}
	for _, tt := range tests {
		if got := CalculateBackoff(tt.failures, time.Second, time.Minute); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

type delivererFunc func(ctx context.Context, msg Message) error

func (f delivererFunc) Deliver(ctx context.Context, msg Message) error { return f(ctx, msg) }

func TestAsyncDispatcher_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	obs := &mockObserver{}
	d := NewAsyncDispatcher(delivererFunc(func(ctx context.Context, msg Message) error {
		if calls.Add(1) < 3 {
			return errors.New("temporary")
		}
		return nil
	}), testLogger(), AsyncOptions{Workers: 1, MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Observer: obs})

	ctx := context.Background()
	d.Start(ctx)
	d.Dispatch(ctx, Message{Kind: KindPaymentConfirmed})
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if obs.count(KindPaymentConfirmed, ResultSent) != 1 || obs.count(KindPaymentConfirmed, ResultRetried) != 2 {
		t.Errorf("results = %v", obs.results)
	}
}

func TestAsyncDispatcher_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	obs := &mockObserver{}
	d := NewAsyncDispatcher(delivererFunc(func(ctx context.Context, msg Message) error {
		calls.Add(1)
		return &PermanentError{Err: errors.New("bad address")}
	}), testLogger(), AsyncOptions{Workers: 1, InitialBackoff: time.Millisecond, Observer: obs})

	ctx := context.Background()
	d.Start(ctx)
	d.Dispatch(ctx, Message{Kind: KindInviteIssued})
	d.Shutdown(ctx)

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if obs.count(KindInviteIssued, ResultFailed) != 1 {
		t.Errorf("results = %v", obs.results)
	}
}

func TestAsyncDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	d := NewAsyncDispatcher(delivererFunc(func(ctx context.Context, msg Message) error {
		calls.Add(1)
		return errors.New("down")
	}), testLogger(), AsyncOptions{Workers: 1, MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})

	ctx := context.Background()
	d.Start(ctx)
	d.Dispatch(ctx, Message{Kind: KindMembershipCanceled})
	d.Shutdown(ctx)

	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestAsyncDispatcher_DropsWhenFullOrClosed(t *testing.T) {
	obs := &mockObserver{}
	block := make(chan struct{})
	d := NewAsyncDispatcher(delivererFunc(func(ctx context.Context, msg Message) error {
		<-block
		return nil
	}), testLogger(), AsyncOptions{Workers: 1, QueueSize: 1, Observer: obs})

	// ワーカー未起動なのでキュー容量1を超えた分は破棄される
	ctx := context.Background()
	d.Dispatch(ctx, Message{Kind: KindSessionBooked})
	d.Dispatch(ctx, Message{Kind: KindSessionBooked})
	if obs.count(KindSessionBooked, ResultDropped) != 1 {
		t.Errorf("dropped = %d, want 1", obs.count(KindSessionBooked, ResultDropped))
	}

	close(block)
	d.Start(ctx)
	d.Shutdown(ctx)

	d.Dispatch(ctx, Message{Kind: KindSessionBooked})
	if obs.count(KindSessionBooked, ResultDropped) != 2 {
		t.Errorf("dispatch after shutdown should be dropped, results = %v", obs.results)
	}
}
