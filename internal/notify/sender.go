package notify

import (
	"context"
	"log/slog"
)

// Sender は通知をテンプレートでレンダリングしてメール送信する。
// request-submittedはオペレーターWebhookにも投稿する。
type Sender struct {
	mailer Mailer
	hook   *OperatorWebhook
	from   string
	logger *slog.Logger
}

// NewSender はSenderを生成する。hookはnil可。
func NewSender(mailer Mailer, hook *OperatorWebhook, from string, logger *slog.Logger) *Sender {
	return &Sender{mailer: mailer, hook: hook, from: from, logger: logger}
}

// Deliver は通知を送信する。
// Webhookへの投稿失敗はログのみでメール送信の成否に影響しない。
func (s *Sender) Deliver(ctx context.Context, msg Message) error {
	subject, body, err := Render(msg)
	if err != nil {
		return &PermanentError{Err: err}
	}

	if msg.Kind == KindRequestSubmitted && s.hook != nil {
		if err := s.hook.Post(ctx, msg.Kind, subject, msg.Data); err != nil {
			s.logger.Warn("operator webhook post failed",
				slog.String("kind", string(msg.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}

	if len(msg.To) == 0 {
		return nil
	}
	return s.mailer.Send(ctx, Mail{
		From:    s.from,
		To:      msg.To,
		Subject: subject,
		HTML:    body,
	})
}

var _ Deliverer = (*Sender)(nil)
