// Package mail は確認メールとパスワード再設定メールの送信を提供する。
package mail

import (
	"context"
	"log/slog"
)

// Sender は1通のメールを送信する。textBodyとhtmlBodyはmultipart/alternativeとして送る。
type Sender interface {
	Send(ctx context.Context, to, subject, textBody, htmlBody string) error
}

// LogSender はSMTPが未設定の環境で使うSender。送信せずにログへ記録する。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send は宛先と件名のみを警告ログに出力する。本文にはトークンが含まれるため出力しない。
func (s *LogSender) Send(_ context.Context, to, subject, _, _ string) error {
	s.logger.Warn("SMTP not configured, email not sent",
		slog.String("to", to),
		slog.String("subject", subject),
	)
	return nil
}
