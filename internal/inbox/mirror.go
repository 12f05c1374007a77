// Package inbox はサーバーの通知一覧をクライアント側の通知ストアに同期する。
// 初回に一覧を取得し、その後は通知ストリームの差分を適用し続ける。
// ストリームが一覧全体（reset）を送ってきた場合はローカルの内容を丸ごと置き換える。
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/engagepro/internal/apiclient"
	"github.com/hitoshi/engagepro/internal/notification"
)

// defaultRetryDelay はストリーム切断後の再接続までの待ち時間。
const defaultRetryDelay = 2 * time.Second

// Source は通知の取得元。apiclient.Clientが実装する。
type Source interface {
	ListNotifications(ctx context.Context, token string) (*apiclient.NotificationList, error)
	StreamNotifications(ctx context.Context, token, lastEventID string, fn func(apiclient.StreamEvent) error) error
}

// Mirror はサーバー側の通知一覧をローカルのnotification.Storeに写す。
type Mirror struct {
	src        Source
	store      *notification.Store
	logger     *slog.Logger
	retryDelay time.Duration

	mu     sync.Mutex
	lastID string
}

// Option はMirrorの生成オプション。
type Option func(*Mirror)

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mirror) { m.logger = logger }
}

// WithRetryDelay は再接続までの待ち時間を設定する。
func WithRetryDelay(d time.Duration) Option {
	return func(m *Mirror) { m.retryDelay = d }
}

// NewMirror はMirrorを生成する。
func NewMirror(src Source, store *notification.Store, opts ...Option) *Mirror {
	m := &Mirror{
		src:        src,
		store:      store,
		logger:     slog.Default(),
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store は同期先の通知ストアを返す。
func (m *Mirror) Store() *notification.Store {
	return m.store
}

// LastEventID は最後に受信した通知のIDを返す。
func (m *Mirror) LastEventID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastID
}

// Sync はサーバーの一覧でローカルの内容を置き換える。
func (m *Mirror) Sync(ctx context.Context, token string) error {
	list, err := m.src.ListNotifications(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to list notifications: %w", err)
	}

	m.replaceAll(list)
	if got := m.store.UnreadCount(); got != list.UnreadCount {
		m.logger.Debug("unread count differs after sync",
			slog.Int("local", got),
			slog.Int("server", list.UnreadCount),
		)
	}
	return nil
}

// Apply はストリームのイベント1件をローカルのストアに反映する。
// ストアが変化した場合はtrueを返す。
func (m *Mirror) Apply(ev apiclient.StreamEvent) bool {
	switch {
	case ev.Reset != nil:
		m.replaceAll(ev.Reset)
		return true
	case ev.Notification != nil:
		if !m.store.Ingest(*ev.Notification) {
			return false
		}
		m.mu.Lock()
		m.lastID = ev.Notification.ID
		m.mu.Unlock()
		return true
	case ev.Change != nil:
		switch notification.EventKind(ev.Change.Kind) {
		case notification.EventRead:
			m.store.MarkRead(ev.Change.ID)
		case notification.EventReadAll:
			m.store.MarkAllRead()
		case notification.EventRemoved:
			m.store.Remove(ev.Change.ID)
		case notification.EventCleared:
			m.store.ClearAll()
		default:
			m.logger.Debug("ignoring unknown change event", slog.String("kind", ev.Change.Kind))
			return false
		}
		return true
	default:
		return false
	}
}

// replaceAll はローカルの一覧をlist（新しい順）で置き換え、最新のIDを記録する。
// 空の一覧の場合、最後に受信したIDはそのまま残す。
func (m *Mirror) replaceAll(list *apiclient.NotificationList) {
	m.store.Reset(list.Notifications)

	m.mu.Lock()
	if len(list.Notifications) > 0 {
		m.lastID = list.Notifications[0].ID
	}
	m.mu.Unlock()
}

// Run は一覧を同期した後、Followでストリームの差分を適用し続ける。
func (m *Mirror) Run(ctx context.Context, token string) error {
	if err := m.Sync(ctx, token); err != nil {
		return err
	}
	return m.Follow(ctx, token)
}

// Follow はストリームの差分を適用し続ける。
// 切断された場合は最後に受信したIDから再接続する。再接続後の最初のイベントが
// 一覧全体（reset）でなければ、切断中の既読化や削除を取り込むためにSyncし直す。
// ctxのキャンセル、トークンの拒否、再試行しても解決しないエラーのいずれかで戻る。
func (m *Mirror) Follow(ctx context.Context, token string) error {
	for attempt := 0; ; attempt++ {
		first := true
		err := m.src.StreamNotifications(ctx, token, m.LastEventID(), func(ev apiclient.StreamEvent) error {
			if first {
				first = false
				if attempt > 0 && ev.Reset == nil {
					if err := m.Sync(ctx, token); err != nil {
						return err
					}
				}
			}
			m.Apply(ev)
			return nil
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if apiclient.IsUnauthorized(err) {
			return err
		}
		var apiErr *apiclient.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 && apiErr.StatusCode != 429 {
			return err
		}

		if err != nil {
			m.logger.Warn("notification stream disconnected", slog.String("error", err.Error()))
		} else {
			m.logger.Info("notification stream closed by server")
		}

		timer := time.NewTimer(m.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

var _ Source = (*apiclient.Client)(nil)
