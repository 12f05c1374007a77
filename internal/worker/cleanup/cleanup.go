// Package cleanup は期限切れ認証データの自動削除ジョブを提供する。
// 期限切れのセッションと、期限切れまたは使用済みで保持期間を過ぎた
// ワンタイムトークンを定期的に削除する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// defaultTokenRetention は期限切れ・使用済みトークンを残しておく期間（7日）。
	defaultTokenRetention = 7 * 24 * time.Hour
	// defaultInterval はジョブの実行間隔のデフォルト値。
	defaultInterval = time.Hour
)

// 削除対象の種別（メトリクスのkindラベル）
const (
	KindSessions     = "sessions"
	KindActionTokens = "action_tokens"
)

// SessionPurger は期限切れセッションを削除するインターフェース。
// repository.SessionRepositoryが実装する。
type SessionPurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// TokenPurger は古いワンタイムトークンを削除するインターフェース。
// repository.ActionTokenRepositoryが実装する。
type TokenPurger interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Recorder は削除件数を記録するインターフェース。
type Recorder interface {
	RecordCleanupDeleted(kind string, count int64)
}

// CleanupJob は期限切れ認証データの削除ジョブ。
// 冪等であり、削除対象がない場合でもエラーにならない。
type CleanupJob struct {
	sessions SessionPurger
	tokens   TokenPurger
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time

	TokenRetention time.Duration // 期限切れ・使用済みトークンの保持期間（デフォルト: 7日）
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(sessions SessionPurger, tokens TokenPurger, logger *slog.Logger, recorder Recorder) *CleanupJob {
	return &CleanupJob{
		sessions:       sessions,
		tokens:         tokens,
		logger:         logger,
		recorder:       recorder,
		now:            time.Now,
		TokenRetention: defaultTokenRetention,
	}
}

// Run は期限切れセッションと古いトークンを削除する。
// 片方が失敗してももう片方は実行し、両方のエラーをまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	sessionCount, sessionErr := j.sessions.DeleteExpired(ctx, start)
	if sessionErr != nil {
		j.logger.Error("期限切れセッションの削除に失敗しました",
			slog.String("error", sessionErr.Error()),
		)
		sessionErr = fmt.Errorf("期限切れセッションの削除に失敗: %w", sessionErr)
	} else {
		j.record(KindSessions, sessionCount)
	}

	tokenCount, tokenErr := j.tokens.DeleteExpired(ctx, start.Add(-j.TokenRetention))
	if tokenErr != nil {
		j.logger.Error("古いワンタイムトークンの削除に失敗しました",
			slog.String("error", tokenErr.Error()),
			slog.Duration("token_retention", j.TokenRetention),
		)
		tokenErr = fmt.Errorf("ワンタイムトークンの削除に失敗: %w", tokenErr)
	} else {
		j.record(KindActionTokens, tokenCount)
	}

	if err := errors.Join(sessionErr, tokenErr); err != nil {
		return err
	}

	j.logger.Info("認証データのクリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", sessionCount),
		slog.Int64("deleted_tokens", tokenCount),
		slog.Duration("token_retention", j.TokenRetention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回、その後interval毎にRunを実行する。ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}

	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (j *CleanupJob) record(kind string, count int64) {
	if j.recorder != nil && count > 0 {
		j.recorder.RecordCleanupDeleted(kind, count)
	}
}
