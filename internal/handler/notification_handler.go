package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/engagepro/internal/model"
	"github.com/hitoshi/engagepro/internal/notification"
)

const (
	maxTitleLength       = 200
	maxMessageLength     = 2000
	maxActionLabelLength = 50

	// defaultHeartbeat はSSEストリームでコメント行を送る間隔のデフォルト値。
	defaultHeartbeat = 25 * time.Second
	// streamBuffer はSSE接続ごとの購読バッファ。溢れた場合はevent: resetで送り直す。
	streamBuffer = 64
)

// 通知の追加元（メトリクスのsourceラベル）
const (
	sourceAPI     = "api"
	sourcePublish = "publish"
)

// NotificationHub はユーザーごとの通知ストアの取得元。notification.Hubが実装する。
type NotificationHub interface {
	Get(userID string) *notification.Store
}

// URLValidator は通知に含まれるURLを検証するインターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
	ValidateActionURL(raw string) error
}

// TextSanitizer はユーザー入力をプレーンテキストに変換するインターフェース。
type TextSanitizer interface {
	Sanitize(raw string) string
}

// NotificationRecorder は通知関連のメトリクスを記録するインターフェース。
type NotificationRecorder interface {
	RecordNotificationAdded(source string)
	IncStreamSubscribers()
	DecStreamSubscribers()
}

type noopNotificationRecorder struct{}

func (noopNotificationRecorder) RecordNotificationAdded(string) {}
func (noopNotificationRecorder) IncStreamSubscribers()          {}
func (noopNotificationRecorder) DecStreamSubscribers()          {}

// NotificationHandler は通知センターのHTTPハンドラー。
type NotificationHandler struct {
	hub       NotificationHub
	urls      URLValidator
	sanitizer TextSanitizer
	recorder  NotificationRecorder
	heartbeat time.Duration
	now       func() time.Time
}

// NotificationOption はNotificationHandlerの生成オプション。
type NotificationOption func(*NotificationHandler)

// WithHeartbeat はSSEのハートビート間隔を設定する。
func WithHeartbeat(d time.Duration) NotificationOption {
	return func(h *NotificationHandler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithNotificationClock は現在時刻の取得関数を差し替える。テスト用。
func WithNotificationClock(now func() time.Time) NotificationOption {
	return func(h *NotificationHandler) { h.now = now }
}

// NewNotificationHandler はNotificationHandlerを生成する。recorderはnilでもよい。
func NewNotificationHandler(hub NotificationHub, urls URLValidator, sanitizer TextSanitizer, recorder NotificationRecorder, opts ...NotificationOption) *NotificationHandler {
	if recorder == nil {
		recorder = noopNotificationRecorder{}
	}
	h := &NotificationHandler{
		hub:       hub,
		urls:      urls,
		sanitizer: sanitizer,
		recorder:  recorder,
		heartbeat: defaultHeartbeat,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// notificationListResponse は通知一覧のレスポンス。
type notificationListResponse struct {
	Notifications []model.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unreadCount"`
}

// publishRequest は投稿公開のシミュレーションリクエスト。
// scheduledAtを指定した場合は予約投稿として扱う。
type publishRequest struct {
	Platforms   []model.Platform `json:"platforms"`
	Content     string           `json:"content"`
	ScheduledAt *time.Time       `json:"scheduledAt"`
}

// changeEvent はSSEで配信する追加以外の変更イベント。
type changeEvent struct {
	Kind        notification.EventKind `json:"kind"`
	ID          string                 `json:"id,omitempty"`
	UnreadCount int                    `json:"unreadCount"`
}

// List は通知一覧と未読数を返す。
// GET /v1/notifications
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	items, unread := h.hub.Get(userID).Snapshot()
	writeData(w, http.StatusOK, notificationListResponse{
		Notifications: items,
		UnreadCount:   unread,
	})
}

// Add は通知を1件追加する。
// POST /v1/notifications
func (h *NotificationHandler) Add(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var in model.NotificationInput
	if apiErr := decodeJSON(w, r, &in); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	clean, apiErr := h.cleanInput(in)
	if apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	n := h.hub.Get(userID).Add(clean)
	h.recorder.RecordNotificationAdded(sourceAPI)
	writeData(w, http.StatusCreated, n)
}

// MarkRead は指定IDの通知を既読にする。存在しないIDでも204を返す。
// POST /v1/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	h.hub.Get(userID).MarkRead(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// MarkAllRead は全ての通知を既読にする。
// POST /v1/notifications/read-all
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	h.hub.Get(userID).MarkAllRead()
	w.WriteHeader(http.StatusNoContent)
}

// Remove は指定IDの通知を削除する。存在しないIDでも204を返す。
// DELETE /v1/notifications/{id}
func (h *NotificationHandler) Remove(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	h.hub.Get(userID).Remove(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// ClearAll は全ての通知を削除する。
// DELETE /v1/notifications
func (h *NotificationHandler) ClearAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	h.hub.Get(userID).ClearAll()
	w.WriteHeader(http.StatusNoContent)
}

// Stream は通知ストアの変更をServer-Sent Eventsで配信する。
// 接続直後に event: reset で一覧全体を送り、以降は追加を event: notification、
// それ以外の変更を event: change として送る。受信が追いつかない場合も event: reset を送り直す。
// 再接続時も一覧全体を送るため、Last-Event-IDの通知が削除済みでも状態は揃う。
// GET /v1/notifications/stream
func (h *NotificationHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	// サーバー全体のWriteTimeoutをこの接続だけ解除する
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Debug("write deadline not supported", slog.String("error", err.Error()))
	}

	store := h.hub.Get(userID)
	events, cancel := store.Subscribe(
		notification.WithInitialSnapshot(),
		notification.WithBuffer(streamBuffer),
	)
	defer cancel()

	h.recorder.IncStreamSubscribers()
	defer h.recorder.DecStreamSubscribers()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		slog.Warn("sse flush not supported", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				// ストアが破棄された（退会など）
				return
			}
			var err error
			switch {
			case ev.Kind == notification.EventAdded && ev.Notification != nil:
				err = writeNotificationEvent(w, *ev.Notification)
			case ev.Kind == notification.EventReset:
				err = writeResetEvent(w, ev.Snapshot, ev.UnreadCount)
			default:
				err = writeSSE(w, "change", "", changeEvent{Kind: ev.Kind, ID: ev.ID, UnreadCount: ev.UnreadCount})
			}
			if err != nil {
				slog.Debug("sse write failed",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				return
			}
			rc.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			rc.Flush()
		}
	}
}

// Publish は投稿公開をシミュレートし、プラットフォームごとに通知を追加する。
// 外部SNSへの実際の投稿は行わない。
// POST /v1/posts/publish
func (h *NotificationHandler) Publish(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req publishRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	if len(req.Platforms) == 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("投稿先を1つ以上選択してください"))
		return
	}
	for _, p := range req.Platforms {
		if p == "" || !p.Valid() {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(fmt.Sprintf("未対応のプラットフォームです: %q", p)))
			return
		}
	}
	if strings.TrimSpace(h.sanitizer.Sanitize(req.Content)) == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("投稿内容が空です"))
		return
	}
	if req.ScheduledAt != nil && !req.ScheduledAt.After(h.now()) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("予約日時は未来の日時を指定してください"))
		return
	}

	store := h.hub.Get(userID)
	created := make([]model.Notification, 0, len(req.Platforms))
	for _, p := range req.Platforms {
		created = append(created, store.Add(publishNotification(p, req.ScheduledAt)))
		h.recorder.RecordNotificationAdded(sourcePublish)
	}

	writeData(w, http.StatusCreated, map[string]any{"notifications": created})
}

// cleanInput は通知入力を検証し、テキストをプレーンテキスト化したものを返す。
func (h *NotificationHandler) cleanInput(in model.NotificationInput) (model.NotificationInput, *model.APIError) {
	if in.Type == "" {
		in.Type = model.NotificationInfo
	}
	if !in.Type.Valid() {
		return in, model.NewInvalidNotificationError(fmt.Sprintf("未対応の種別です: %q", in.Type))
	}
	if !in.Platform.Valid() {
		return in, model.NewInvalidNotificationError(fmt.Sprintf("未対応のプラットフォームです: %q", in.Platform))
	}

	in.Title = strings.TrimSpace(h.sanitizer.Sanitize(in.Title))
	in.Message = strings.TrimSpace(h.sanitizer.Sanitize(in.Message))
	in.ActionLabel = strings.TrimSpace(h.sanitizer.Sanitize(in.ActionLabel))

	if in.Title == "" {
		return in, model.NewInvalidNotificationError("タイトルは必須です")
	}
	if utf8.RuneCountInString(in.Title) > maxTitleLength {
		return in, model.NewInvalidNotificationError(fmt.Sprintf("タイトルは%d文字以内で入力してください", maxTitleLength))
	}
	if utf8.RuneCountInString(in.Message) > maxMessageLength {
		return in, model.NewInvalidNotificationError(fmt.Sprintf("メッセージは%d文字以内で入力してください", maxMessageLength))
	}
	if utf8.RuneCountInString(in.ActionLabel) > maxActionLabelLength {
		return in, model.NewInvalidNotificationError(fmt.Sprintf("アクションラベルは%d文字以内で入力してください", maxActionLabelLength))
	}

	if in.ActionURL != "" {
		if err := h.urls.ValidateActionURL(in.ActionURL); err != nil {
			return in, model.NewInvalidNotificationError(err.Error())
		}
	}
	if in.Avatar != "" {
		if err := h.urls.ValidateURL(in.Avatar); err != nil {
			return in, model.NewInvalidNotificationError(err.Error())
		}
	}
	return in, nil
}

// publishNotification は投稿公開・予約時に追加する通知を組み立てる。
func publishNotification(p model.Platform, scheduledAt *time.Time) model.NotificationInput {
	if scheduledAt != nil {
		return model.NotificationInput{
			Type:        model.NotificationPost,
			Title:       "Post Scheduled",
			Message:     fmt.Sprintf("Your %s post is scheduled for %s.", p.DisplayName(), scheduledAt.UTC().Format(time.RFC1123)),
			ActionURL:   "/dashboard/calendar",
			ActionLabel: "View Calendar",
			Platform:    p,
		}
	}
	return model.NotificationInput{
		Type:        model.NotificationPost,
		Title:       "Post Published Successfully",
		Message:     fmt.Sprintf("Your %s post has been published.", p.DisplayName()),
		ActionURL:   "/dashboard/posts",
		ActionLabel: "View Post",
		Platform:    p,
	}
}

func writeNotificationEvent(w http.ResponseWriter, n model.Notification) error {
	return writeSSE(w, "notification", n.ID, n)
}

// writeResetEvent は一覧全体を送る。idには最新の通知IDを使う。
func writeResetEvent(w http.ResponseWriter, items []model.Notification, unread int) error {
	var id string
	if len(items) > 0 {
		id = items[0].ID
	}
	if items == nil {
		items = []model.Notification{}
	}
	return writeSSE(w, "reset", id, notificationListResponse{Notifications: items, UnreadCount: unread})
}

// writeSSE は1件のSSEメッセージを書き込む。
func writeSSE(w http.ResponseWriter, event, id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
