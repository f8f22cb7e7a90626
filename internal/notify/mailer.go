package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Mail は送信する1通のメール。
type Mail struct {
	From    string
	To      []string
	Subject string
	HTML    string
}

// Mailer はメール送信のインターフェース。
type Mailer interface {
	Send(ctx context.Context, mail Mail) error
}

// PermanentError は再送しても成功しない送信失敗を表す。
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent はerrが再送不要な失敗かを返す。
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// LogMailer はメールを送信せず構造化ログに出力するMailer。SendGrid未設定時に使う。
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer はLogMailerを生成する。
func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// Send はメール内容をログに出力する。
func (m *LogMailer) Send(ctx context.Context, mail Mail) error {
	m.logger.InfoContext(ctx, "mail (log only)",
		slog.Any("to", mail.To),
		slog.String("subject", mail.Subject),
		slog.Int("body_bytes", len(mail.HTML)),
	)
	return nil
}

const defaultSendGridEndpoint = "https://api.sendgrid.com/v3/mail/send"

// SendGridMailer はSendGrid v3 APIでメールを送信するMailer。
type SendGridMailer struct {
	httpClient *http.Client
	apiKey     string
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewSendGridMailer はSendGridMailerを生成する。
func NewSendGridMailer(httpClient *http.Client, apiKey string) *SendGridMailer {
	return &SendGridMailer{
		httpClient: httpClient,
		apiKey:     apiKey,
		endpoint:   defaultSendGridEndpoint,
	}
}

type sendGridAddress struct {
	Email string `json:"email"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
}

// Send はメールを送信する。
// 429と5xxは一時的な失敗、それ以外の4xxはPermanentErrorとして返す。
func (m *SendGridMailer) Send(ctx context.Context, mail Mail) error {
	if len(mail.To) == 0 {
		return nil
	}

	to := make([]sendGridAddress, len(mail.To))
	for i, addr := range mail.To {
		to[i] = sendGridAddress{Email: addr}
	}
	payload := sendGridRequest{
		Personalizations: []sendGridPersonalization{{To: to}},
		From:             sendGridAddress{Email: mail.From},
		Subject:          mail.Subject,
		Content:          []sendGridContent{{Type: "text/html", Value: mail.HTML}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("failed to encode mail: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sendgrid request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return classifyStatus("sendgrid", resp.StatusCode)
}

func classifyStatus(service string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%s returned status %d", service, status)
	default:
		return &PermanentError{Err: fmt.Errorf("%s returned status %d", service, status)}
	}
}
