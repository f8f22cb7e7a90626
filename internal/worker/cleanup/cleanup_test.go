package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type execCall struct {
	query string
	args  []interface{}
}

// mockExecutor はテーブル名ごとに削除件数またはエラーを返す。
type mockExecutor struct {
	mu    sync.Mutex
	calls []execCall
	rows  map[string]int64
	fail  map[string]error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, execCall{query: query, args: args})
	m.mu.Unlock()
	for table, err := range m.fail {
		if strings.Contains(query, "FROM "+table+" ") {
			return nil, err
		}
	}
	for table, n := range m.rows {
		if strings.Contains(query, "FROM "+table+" ") {
			return &fakeResult{rowsAffected: n}, nil
		}
	}
	return &fakeResult{}, nil
}

func mockCalls(m *mockExecutor) []execCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]execCall(nil), m.calls...)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// findLogEntry はmsgに一致する最初のJSONログ行を返す。
func findLogEntry(t *testing.T, buf *bytes.Buffer, msg string) map[string]interface{} {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["msg"] == msg {
			return entry
		}
	}
	t.Fatalf("log %q not found in: %s", msg, buf.String())
	return nil
}

func TestNewCleanupJob_DefaultRetention(t *testing.T) {
	job := NewCleanupJob(&mockExecutor{}, slog.Default())
	if job.WebhookEventRetentionDays != 90 {
		t.Errorf("WebhookEventRetentionDays = %d, want 90", job.WebhookEventRetentionDays)
	}
}

func TestCleanupJob_Run_DeletesEachTable(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{rows: map[string]int64{"sessions": 3, "invites": 2, "webhook_events": 40}}
	job := NewCleanupJob(mock, newTestLogger(&buf))
	job.WebhookEventRetentionDays = 30

	res, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res != (Result{Sessions: 3, Invites: 2, WebhookEvents: 40}) {
		t.Errorf("result = %+v", res)
	}
	if len(mock.calls) != 3 {
		t.Fatalf("ExecContext calls = %d, want 3", len(mock.calls))
	}

	if !strings.Contains(mock.calls[1].query, "used = false") {
		t.Errorf("used invites must be kept: %s", mock.calls[1].query)
	}
	webhook := mock.calls[2]
	if len(webhook.args) != 1 || webhook.args[0] != "30 days" {
		t.Errorf("webhook_events args = %v, want [30 days]", webhook.args)
	}

	entry := findLogEntry(t, &buf, "cleanup job finished")
	if entry["webhook_events_deleted"] != float64(40) || entry["sessions_deleted"] != float64(3) {
		t.Errorf("log entry = %v", entry)
	}
}

func TestCleanupJob_Run_ContinuesAfterFailure(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{
		rows: map[string]int64{"webhook_events": 5},
		fail: map[string]error{"invites": sql.ErrConnDone},
	}
	job := NewCleanupJob(mock, newTestLogger(&buf))

	res, err := job.Run(context.Background())
	if !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("err = %v, want ErrConnDone", err)
	}
	if len(mock.calls) != 3 {
		t.Errorf("remaining tasks should still run, calls = %d", len(mock.calls))
	}
	if res.WebhookEvents != 5 {
		t.Errorf("WebhookEvents = %d, want 5", res.WebhookEvents)
	}
	entry := findLogEntry(t, &buf, "cleanup task failed")
	if entry["task"] != "invites" || entry["level"] != "ERROR" {
		t.Errorf("log entry = %v", entry)
	}
}

func TestCleanupJob_Run_Idempotent_ZeroRows(t *testing.T) {
	job := NewCleanupJob(&mockExecutor{}, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
	for i := 0; i < 2; i++ {
		res, err := job.Run(context.Background())
		if err != nil || res != (Result{}) {
			t.Fatalf("run %d: res = %+v, err = %v", i+1, res, err)
		}
	}
}

func TestCleanupJob_RunDaily_StopsOnCancel(t *testing.T) {
	mock := &mockExecutor{}
	job := NewCleanupJob(mock, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.RunDaily(ctx, time.Hour)
		close(done)
	}()

	// 起動直後の1回目の実行を待ってから止める
	deadline := time.After(2 * time.Second)
	for {
		if calls := len(mockCalls(mock)); calls >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("initial run did not happen")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunDaily did not return after cancel")
	}
}
