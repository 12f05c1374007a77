// Package notify はデモ用の通知ジェネレーターを提供する。
// 一定間隔ごとに、各ユーザーのストアへ固定の確率で合成通知を1件追加する。
// 実際のプッシュ配信が整うまでの代替であり、挿入口は通常のAddと同じ。
package notify

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hitoshi/engagepro/internal/model"
	"github.com/hitoshi/engagepro/internal/notification"
)

const (
	// defaultInterval はティック間隔のデフォルト値（30秒）。
	defaultInterval = 30 * time.Second
	// defaultProbability は1ティックあたりの生成確率のデフォルト値。
	defaultProbability = 0.1
)

// StoreSource はジェネレーターが対象とするストアの取得元。
// notification.Hubが実装する。
type StoreSource interface {
	UserIDs() []string
	Lookup(userID string) (*notification.Store, bool)
}

// Recorder は生成件数を記録するインターフェース。
type Recorder interface {
	RecordNotificationAdded(source string)
}

// Rand は乱数源のインターフェース。*rand.Randが実装する。
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Config はジェネレーターの設定。
type Config struct {
	Interval    time.Duration
	Probability float64
}

// Generator は合成通知を定期的に追加するバックグラウンドジョブ。
type Generator struct {
	source    StoreSource
	logger    *slog.Logger
	config    Config
	rand      Rand
	recorder  Recorder
	templates []model.NotificationInput
}

// Option はGeneratorの生成オプション。
type Option func(*Generator)

// WithRand は乱数源を差し替える。テスト用。
func WithRand(r Rand) Option {
	return func(g *Generator) { g.rand = r }
}

// WithRecorder はメトリクス記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(g *Generator) { g.recorder = r }
}

// NewGenerator はGeneratorを生成する。
// Intervalが0以下の場合は30秒、Probabilityが範囲外の場合は0.1を使用する。
func NewGenerator(source StoreSource, logger *slog.Logger, cfg Config, opts ...Option) *Generator {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Probability < 0 || cfg.Probability > 1 {
		cfg.Probability = defaultProbability
	}
	g := &Generator{
		source:    source,
		logger:    logger,
		config:    cfg,
		rand:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		templates: Templates(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start はティッカーでジェネレーターを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (g *Generator) Start(ctx context.Context) {
	ticker := time.NewTicker(g.config.Interval)
	defer ticker.Stop()

	g.logger.Info("通知ジェネレーターを開始しました",
		slog.Duration("interval", g.config.Interval),
		slog.Float64("probability", g.config.Probability),
	)

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("通知ジェネレーターを停止しました")
			return
		case <-ticker.C:
			g.RunOnce(ctx)
		}
	}
}

// RunOnce は1ティック分の処理を行い、追加した通知数を返す。
// ストアごとに独立して確率判定を行う。
func (g *Generator) RunOnce(ctx context.Context) int {
	added := 0
	for _, userID := range g.source.UserIDs() {
		if ctx.Err() != nil {
			break
		}
		if g.rand.Float64() >= g.config.Probability {
			continue
		}
		store, ok := g.source.Lookup(userID)
		if !ok {
			continue
		}

		tmpl := g.templates[g.rand.IntN(len(g.templates))]
		n := store.Add(tmpl)
		added++

		if g.recorder != nil {
			g.recorder.RecordNotificationAdded("generator")
		}
		g.logger.Debug("合成通知を追加しました",
			slog.String("user_id", userID),
			slog.String("notification_id", n.ID),
			slog.String("title", n.Title),
		)
	}
	return added
}

// Templates は合成通知のテンプレート一覧を返す。
func Templates() []model.NotificationInput {
	return []model.NotificationInput{
		{
			Type:        model.NotificationEngagement,
			Title:       "New Comment",
			Message:     "Someone commented on your latest post!",
			Platform:    model.PlatformInstagram,
			ActionURL:   "/dashboard/posts",
			ActionLabel: "View Comment",
		},
		{
			Type:        model.NotificationPost,
			Title:       "Post Scheduled",
			Message:     "Your post has been scheduled for tomorrow at 10 AM.",
			ActionURL:   "/dashboard/calendar",
			ActionLabel: "View Calendar",
		},
		{
			Type:    model.NotificationInfo,
			Title:   "Tip of the Day",
			Message: "Try using trending hashtags to increase your reach!",
		},
	}
}
