package auth

import (
	"context"
	"log/slog"
)

// Mailer はアカウント関連メールの送信インターフェース。
type Mailer interface {
	SendPasswordReset(ctx context.Context, to, link string) error
	SendVerification(ctx context.Context, to, link string) error
}

// LogMailer はメールを送信せず、リンクを構造化ログに出力するMailer。
// 開発環境とデモ環境で使用する。
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer はLogMailerを生成する。loggerがnilの場合はslog.Default()を使う。
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

// SendPasswordReset はパスワードリセットリンクをログに出力する。
func (m *LogMailer) SendPasswordReset(ctx context.Context, to, link string) error {
	m.logger.InfoContext(ctx, "パスワードリセットメール",
		slog.String("to", to),
		slog.String("link", link),
	)
	return nil
}

// SendVerification はメール確認リンクをログに出力する。
func (m *LogMailer) SendVerification(ctx context.Context, to, link string) error {
	m.logger.InfoContext(ctx, "メールアドレス確認メール",
		slog.String("to", to),
		slog.String("link", link),
	)
	return nil
}

var _ Mailer = (*LogMailer)(nil)
