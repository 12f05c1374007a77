package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/engagepro/internal/middleware"
	"github.com/hitoshi/engagepro/internal/model"
	"github.com/hitoshi/engagepro/internal/notification"
	"github.com/hitoshi/engagepro/internal/security"
)

// --- モック定義 ---

type mockNotificationRecorder struct {
	mu          sync.Mutex
	added       map[string]int
	subscribers int
}

func newMockNotificationRecorder() *mockNotificationRecorder {
	return &mockNotificationRecorder{added: make(map[string]int)}
}

func (m *mockNotificationRecorder) RecordNotificationAdded(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added[source]++
}

func (m *mockNotificationRecorder) IncStreamSubscribers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers++
}

func (m *mockNotificationRecorder) DecStreamSubscribers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers--
}

func (m *mockNotificationRecorder) count(source string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.added[source]
}

var _ NotificationRecorder = (*mockNotificationRecorder)(nil)

// --- テストヘルパー ---

type notificationEnv struct {
	hub      *notification.Hub
	recorder *mockNotificationRecorder
	handler  *NotificationHandler
	router   http.Handler
}

var fixedNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

// newNotificationEnv はシードなしのHubと、userIDで認証済みとして扱うルーターを構築する。
func newNotificationEnv(t *testing.T, userID string) *notificationEnv {
	t.Helper()

	hub := notification.NewHub(func() *notification.Store {
		return notification.NewStore(notification.WithClock(func() time.Time { return fixedNow }))
	})
	rec := newMockNotificationRecorder()
	h := NewNotificationHandler(hub, security.NewURLGuard(), security.NewTextSanitizer(), rec,
		WithHeartbeat(20*time.Millisecond),
		WithNotificationClock(func() time.Time { return fixedNow }),
	)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			u := &model.User{ID: userID, Email: userID + "@example.com"}
			next.ServeHTTP(w, req.WithContext(middleware.ContextWithAuth(req.Context(), u, "sess-"+userID)))
		})
	})
	r.Get("/v1/notifications", h.List)
	r.Post("/v1/notifications", h.Add)
	r.Delete("/v1/notifications", h.ClearAll)
	r.Post("/v1/notifications/read-all", h.MarkAllRead)
	r.Get("/v1/notifications/stream", h.Stream)
	r.Post("/v1/notifications/{id}/read", h.MarkRead)
	r.Delete("/v1/notifications/{id}", h.Remove)
	r.Post("/v1/posts/publish", h.Publish)

	return &notificationEnv{hub: hub, recorder: rec, handler: h, router: r}
}

func (e *notificationEnv) do(method, target, body string) *http.Response {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w.Result()
}

func (e *notificationEnv) list(t *testing.T) notificationListResponse {
	t.Helper()
	resp := e.do(http.MethodGet, "/v1/notifications", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var body notificationListResponse
	decodeData(t, resp, &body)
	return body
}

// --- テスト ---

func TestNotificationHandler_AddAndList(t *testing.T) {
	env := newNotificationEnv(t, "user-n")

	resp := env.do(http.MethodPost, "/v1/notifications",
		`{"type":"engagement","title":"New Comment","message":"Someone replied","actionUrl":"/dashboard/engagement","platform":"instagram"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var created model.Notification
	decodeData(t, resp, &created)
	if created.ID == "" {
		t.Error("created notification should have an id")
	}
	if created.Read {
		t.Error("created notification should be unread")
	}
	if !created.Timestamp.Equal(fixedNow) {
		t.Errorf("timestamp = %v, want %v", created.Timestamp, fixedNow)
	}

	body := env.list(t)
	if len(body.Notifications) != 1 || body.UnreadCount != 1 {
		t.Fatalf("list = %d items, unread %d; want 1, 1", len(body.Notifications), body.UnreadCount)
	}
	if body.Notifications[0].ID != created.ID {
		t.Errorf("listed id = %q, want %q", body.Notifications[0].ID, created.ID)
	}
	if got := env.recorder.count(sourceAPI); got != 1 {
		t.Errorf("recorded api adds = %d, want 1", got)
	}
}

func TestNotificationHandler_Add_NewestFirst(t *testing.T) {
	env := newNotificationEnv(t, "user-n")

	for _, title := range []string{"first", "second", "third"} {
		env.do(http.MethodPost, "/v1/notifications", `{"type":"info","title":"`+title+`"}`)
	}

	body := env.list(t)
	if len(body.Notifications) != 3 {
		t.Fatalf("len = %d, want 3", len(body.Notifications))
	}
	if body.Notifications[0].Title != "third" || body.Notifications[2].Title != "first" {
		t.Errorf("order = %q, %q, %q", body.Notifications[0].Title, body.Notifications[1].Title, body.Notifications[2].Title)
	}
}

func TestNotificationHandler_Add_SanitizesText(t *testing.T) {
	env := newNotificationEnv(t, "user-n")

	resp := env.do(http.MethodPost, "/v1/notifications",
		`{"type":"info","title":"<b>Hello</b><script>alert(1)</script>","message":"<img src=x onerror=alert(1)>body"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var created model.Notification
	decodeData(t, resp, &created)
	if strings.Contains(created.Title, "<") || strings.Contains(created.Message, "<") {
		t.Errorf("markup survived sanitizing: title=%q message=%q", created.Title, created.Message)
	}
	if !strings.Contains(created.Title, "Hello") {
		t.Errorf("title = %q, want text content kept", created.Title)
	}
}

func TestNotificationHandler_Add_DefaultsTypeToInfo(t *testing.T) {
	env := newNotificationEnv(t, "user-n")

	resp := env.do(http.MethodPost, "/v1/notifications", `{"title":"untyped"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var created model.Notification
	decodeData(t, resp, &created)
	if created.Type != model.NotificationInfo {
		t.Errorf("type = %q, want %q", created.Type, model.NotificationInfo)
	}
}

func TestNotificationHandler_Add_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown type", `{"type":"celebration","title":"x"}`},
		{"unknown platform", `{"type":"info","title":"x","platform":"myspace"}`},
		{"empty title", `{"type":"info","title":"   "}`},
		{"markup only title", `{"type":"info","title":"<script></script>"}`},
		{"title too long", `{"type":"info","title":"` + strings.Repeat("a", maxTitleLength+1) + `"}`},
		{"javascript action url", `{"type":"info","title":"x","actionUrl":"javascript:alert(1)"}`},
		{"private avatar", `{"type":"info","title":"x","avatar":"http://169.254.169.254/latest"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newNotificationEnv(t, "user-n")

			resp := env.do(http.MethodPost, "/v1/notifications", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
			}
			if body := decodeError(t, resp); body.Code != model.ErrCodeInvalidNotification {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidNotification)
			}
			if got := env.list(t); len(got.Notifications) != 0 {
				t.Errorf("rejected input should not be stored, got %d items", len(got.Notifications))
			}
		})
	}
}

func TestNotificationHandler_MarkReadAndRemove(t *testing.T) {
	env := newNotificationEnv(t, "user-n")
	store := env.hub.Get("user-n")
	a := store.Add(model.NotificationInput{Type: model.NotificationInfo, Title: "a"})
	b := store.Add(model.NotificationInput{Type: model.NotificationInfo, Title: "b"})

	if resp := env.do(http.MethodPost, "/v1/notifications/"+a.ID+"/read", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("mark read status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if got := env.list(t).UnreadCount; got != 1 {
		t.Errorf("unread after markRead = %d, want 1", got)
	}

	if resp := env.do(http.MethodDelete, "/v1/notifications/"+b.ID, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("remove status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	body := env.list(t)
	if len(body.Notifications) != 1 || body.UnreadCount != 0 {
		t.Errorf("after remove: %d items, unread %d; want 1, 0", len(body.Notifications), body.UnreadCount)
	}
}

func TestNotificationHandler_MissingIDIsSilent(t *testing.T) {
	env := newNotificationEnv(t, "user-n")
	env.hub.Get("user-n").Add(model.NotificationInput{Type: model.NotificationInfo, Title: "keep"})

	if resp := env.do(http.MethodPost, "/v1/notifications/does-not-exist/read", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("mark read missing status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if resp := env.do(http.MethodDelete, "/v1/notifications/does-not-exist", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("remove missing status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}

	body := env.list(t)
	if len(body.Notifications) != 1 || body.UnreadCount != 1 {
		t.Errorf("state changed: %d items, unread %d", len(body.Notifications), body.UnreadCount)
	}
}

func TestNotificationHandler_MarkAllReadThenAdd(t *testing.T) {
	env := newNotificationEnv(t, "user-n")
	store := env.hub.Get("user-n")
	for i := 0; i < 4; i++ {
		store.Add(model.NotificationInput{Type: model.NotificationInfo, Title: "x"})
	}

	if resp := env.do(http.MethodPost, "/v1/notifications/read-all", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("read-all status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	env.do(http.MethodPost, "/v1/notifications", `{"type":"info","title":"fresh"}`)

	if got := env.list(t).UnreadCount; got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}
}

func TestNotificationHandler_ClearAll(t *testing.T) {
	env := newNotificationEnv(t, "user-n")
	store := env.hub.Get("user-n")
	store.Add(model.NotificationInput{Type: model.NotificationInfo, Title: "x"})
	store.Add(model.NotificationInput{Type: model.NotificationInfo, Title: "y"})

	if resp := env.do(http.MethodDelete, "/v1/notifications", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("clear status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	body := env.list(t)
	if len(body.Notifications) != 0 || body.UnreadCount != 0 {
		t.Errorf("after clear: %d items, unread %d", len(body.Notifications), body.UnreadCount)
	}
	if body.Notifications == nil {
		t.Error("notifications should encode as an empty array, not null")
	}
}

func TestNotificationHandler_Publish(t *testing.T) {
	env := newNotificationEnv(t, "user-n")

	resp := env.do(http.MethodPost, "/v1/posts/publish", `{"platforms":["linkedin","twitter"],"content":"Launch day!"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var body struct {
		Notifications []model.Notification `json:"notifications"`
	}
	decodeData(t, resp, &body)
	if len(body.Notifications) != 2 {
		t.Fatalf("created = %d, want 2", len(body.Notifications))
	}
	first := body.Notifications[0]
	if first.Type != model.NotificationPost || first.Title != "Post Published Successfully" {
		t.Errorf("notification = %+v", first)
	}
	if first.Platform != model.PlatformLinkedIn || !strings.Contains(first.Message, "LinkedIn") {
		t.Errorf("platform/message = %q/%q", first.Platform, first.Message)
	}

	if got := env.list(t).UnreadCount; got != 2 {
		t.Errorf("unread = %d, want 2", got)
	}
	if got := env.recorder.count(sourcePublish); got != 2 {
		t.Errorf("recorded publish adds = %d, want 2", got)
	}
}

func TestNotificationHandler_Publish_Scheduled(t *testing.T) {
	env := newNotificationEnv(t, "user-n")

	at := fixedNow.Add(2 * time.Hour).Format(time.RFC3339)
	resp := env.do(http.MethodPost, "/v1/posts/publish", `{"platforms":["instagram"],"content":"Later","scheduledAt":"`+at+`"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var body struct {
		Notifications []model.Notification `json:"notifications"`
	}
	decodeData(t, resp, &body)
	if len(body.Notifications) != 1 || body.Notifications[0].Title != "Post Scheduled" {
		t.Errorf("notifications = %+v", body.Notifications)
	}
}

func TestNotificationHandler_Publish_Rejects(t *testing.T) {
	past := fixedNow.Add(-time.Minute).Format(time.RFC3339)
	tests := []struct {
		name string
		body string
	}{
		{"no platforms", `{"platforms":[],"content":"x"}`},
		{"unknown platform", `{"platforms":["myspace"],"content":"x"}`},
		{"empty content", `{"platforms":["twitter"],"content":"  "}`},
		{"past schedule", `{"platforms":["twitter"],"content":"x","scheduledAt":"` + past + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newNotificationEnv(t, "user-n")

			resp := env.do(http.MethodPost, "/v1/posts/publish", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
			}
			if body := decodeError(t, resp); body.Code != model.ErrCodeValidation {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeValidation)
			}
		})
	}
}

func TestNotificationHandler_StoresAreIsolatedPerUser(t *testing.T) {
	env := newNotificationEnv(t, "user-a")
	env.hub.Get("user-b").Add(model.NotificationInput{Type: model.NotificationInfo, Title: "for b"})

	if got := env.list(t); len(got.Notifications) != 0 {
		t.Errorf("user-a sees %d notifications of user-b", len(got.Notifications))
	}
}

// --- SSEストリームのテスト ---

// sseMessage はテストで読み取った1件のSSEメッセージ。
type sseMessage struct {
	event string
	id    string
	data  string
}

// readSSE はストリームからコメント行を読み飛ばしてメッセージを1件読む。
func readSSE(t *testing.T, r *bufio.Reader) sseMessage {
	t.Helper()
	var msg sseMessage
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if msg.event != "" || msg.data != "" {
				return msg
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			msg.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			msg.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			msg.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, srv *httptest.Server, lastEventID string) (*bufio.Reader, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/notifications/stream", nil)
	if err != nil {
		cancel()
		t.Fatalf("new request: %v", err)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		cancel()
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("stream status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	return bufio.NewReader(resp.Body), cancel
}

// waitForSubscriber はストリームハンドラーが購読を開始するまで待つ。
func waitForSubscriber(t *testing.T, rec *mockNotificationRecorder) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := rec.subscribers
		rec.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("stream subscriber did not register")
}

func TestNotificationHandler_Stream_PushesAddsAndChanges(t *testing.T) {
	env := newNotificationEnv(t, "user-s")
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	reader, cancel := openStream(t, srv, "")
	defer cancel()
	waitForSubscriber(t, env.recorder)
	if msg := readSSE(t, reader); msg.event != "reset" {
		t.Fatalf("first event = %q, want reset", msg.event)
	}

	store := env.hub.Get("user-s")
	added := store.Add(model.NotificationInput{Type: model.NotificationTeam, Title: "Team Invite"})

	msg := readSSE(t, reader)
	if msg.event != "notification" {
		t.Fatalf("event = %q, want notification", msg.event)
	}
	if msg.id != added.ID {
		t.Errorf("id = %q, want %q", msg.id, added.ID)
	}
	var pushed model.Notification
	if err := json.Unmarshal([]byte(msg.data), &pushed); err != nil {
		t.Fatalf("decode pushed notification: %v", err)
	}
	if pushed.Title != "Team Invite" || pushed.Read {
		t.Errorf("pushed = %+v", pushed)
	}

	store.MarkRead(added.ID)

	msg = readSSE(t, reader)
	if msg.event != "change" {
		t.Fatalf("event = %q, want change", msg.event)
	}
	var change changeEvent
	if err := json.Unmarshal([]byte(msg.data), &change); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if change.Kind != notification.EventRead || change.ID != added.ID || change.UnreadCount != 0 {
		t.Errorf("change = %+v", change)
	}
}

// readReset はevent: resetを1件読み、一覧をデコードする。
func readReset(t *testing.T, reader *bufio.Reader) (sseMessage, notificationListResponse) {
	t.Helper()
	msg := readSSE(t, reader)
	if msg.event != "reset" {
		t.Fatalf("event = %q, want reset", msg.event)
	}
	var body notificationListResponse
	if err := json.Unmarshal([]byte(msg.data), &body); err != nil {
		t.Fatalf("decode reset: %v", err)
	}
	return msg, body
}

func TestNotificationHandler_Stream_StartsWithSnapshot(t *testing.T) {
	env := newNotificationEnv(t, "user-s")
	store := env.hub.Get("user-s")
	store.Add(model.NotificationInput{Type: model.NotificationInfo, Title: "older"})
	newest := store.Add(model.NotificationInput{Type: model.NotificationInfo, Title: "newest"})

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	reader, cancel := openStream(t, srv, "")
	defer cancel()

	msg, body := readReset(t, reader)
	if msg.id != newest.ID {
		t.Errorf("reset id = %q, want newest %q", msg.id, newest.ID)
	}
	if len(body.Notifications) != 2 || body.Notifications[0].Title != "newest" || body.UnreadCount != 2 {
		t.Errorf("reset = %+v", body)
	}
}

func TestNotificationHandler_Stream_ReconnectAfterLastIDRemoved(t *testing.T) {
	env := newNotificationEnv(t, "user-s")
	store := env.hub.Get("user-s")
	seen := store.Add(model.NotificationInput{Type: model.NotificationInfo, Title: "seen"})
	store.Remove(seen.ID)
	store.Add(model.NotificationInput{Type: model.NotificationInfo, Title: "missed-1"})
	store.Add(model.NotificationInput{Type: model.NotificationInfo, Title: "missed-2"})

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	reader, cancel := openStream(t, srv, seen.ID)
	defer cancel()

	_, body := readReset(t, reader)
	var titles []string
	for _, n := range body.Notifications {
		titles = append(titles, n.Title)
	}
	if len(titles) != 2 || titles[0] != "missed-2" || titles[1] != "missed-1" {
		t.Errorf("snapshot titles = %v, want [missed-2 missed-1]", titles)
	}
	if body.UnreadCount != 2 {
		t.Errorf("unreadCount = %d, want 2", body.UnreadCount)
	}
}

func TestNotificationHandler_Stream_ReconnectSeesChangesMadeWhileAway(t *testing.T) {
	env := newNotificationEnv(t, "user-s")
	store := env.hub.Get("user-s")
	a := store.Add(model.NotificationInput{Type: model.NotificationInfo, Title: "a"})
	b := store.Add(model.NotificationInput{Type: model.NotificationInfo, Title: "b"})

	// 切断中の既読化はLast-Event-ID以降の追加としては表れない
	store.MarkRead(a.ID)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	reader, cancel := openStream(t, srv, b.ID)
	defer cancel()

	_, body := readReset(t, reader)
	if body.UnreadCount != 1 {
		t.Errorf("unreadCount = %d, want 1", body.UnreadCount)
	}
	for _, n := range body.Notifications {
		if n.ID == a.ID && !n.Read {
			t.Error("notification read while disconnected is still unread in snapshot")
		}
	}
}

func TestNotificationHandler_Stream_EndsWhenStoreDropped(t *testing.T) {
	env := newNotificationEnv(t, "user-s")
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	reader, cancel := openStream(t, srv, "")
	defer cancel()
	waitForSubscriber(t, env.recorder)

	env.hub.Drop("user-s")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := reader.ReadString('\n'); err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end after store was dropped")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		env.recorder.mu.Lock()
		n := env.recorder.subscribers
		env.recorder.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("subscriber gauge was not decremented")
}
