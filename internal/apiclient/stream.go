package apiclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hitoshi/engagepro/internal/model"
)

// SSEのイベント名
const (
	EventNotification = "notification"
	EventChange       = "change"
	EventReset        = "reset"
)

// maxEventBytes はSSEの1行あたりの上限。event: resetは一覧全体を1行で運ぶ。
const maxEventBytes = 4 << 20

// ChangeEvent は追加以外の変更通知。
type ChangeEvent struct {
	Kind        string `json:"kind"`
	ID          string `json:"id,omitempty"`
	UnreadCount int    `json:"unreadCount"`
}

// StreamEvent は通知ストリームから受け取った1件のイベント。
// Typeに応じてNotification、Change、Resetのいずれかが設定される。
type StreamEvent struct {
	Type         string
	ID           string
	Notification *model.Notification
	Change       *ChangeEvent
	// Reset は一覧全体。接続直後と、サーバー側で配信が追いつかなかった場合に届く。
	Reset *NotificationList
}

// StreamNotifications は通知ストリームに接続し、受信したイベントごとにfnを呼ぶ。
// サーバーは接続ごとに最初に一覧全体をResetとして送る。lastEventIDはLast-Event-IDヘッダーで送る。
// ctxのキャンセル、サーバー側の切断、fnのエラーのいずれかで戻る。
func (c *Client) StreamNotifications(ctx context.Context, token, lastEventID string, fn func(StreamEvent) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/notifications/stream", token, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	// ストリームは長時間接続のためクライアント全体のタイムアウトを適用しない
	streamClient := *c.http
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET /v1/notifications/stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	err = readEvents(resp.Body, fn)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readEvents はSSEのストリームを読み、イベント単位でfnを呼ぶ。
// コメント行（:で始まる行）と未知のイベントは無視する。
func readEvents(r io.Reader, fn func(StreamEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxEventBytes)

	var (
		event string
		id    string
		data  strings.Builder
	)
	reset := func() {
		event, id = "", ""
		data.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() > 0 {
				ev, ok, err := decodeEvent(event, id, data.String())
				if err != nil {
					return err
				}
				if ok {
					if err := fn(ev); err != nil {
						return err
					}
				}
			}
			reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "id":
			id = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read notification stream: %w", err)
	}
	return nil
}

func decodeEvent(event, id, data string) (StreamEvent, bool, error) {
	switch event {
	case EventNotification:
		var n model.Notification
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			return StreamEvent{}, false, fmt.Errorf("failed to decode notification event: %w", err)
		}
		if id == "" {
			id = n.ID
		}
		return StreamEvent{Type: event, ID: id, Notification: &n}, true, nil
	case EventChange:
		var ch ChangeEvent
		if err := json.Unmarshal([]byte(data), &ch); err != nil {
			return StreamEvent{}, false, fmt.Errorf("failed to decode change event: %w", err)
		}
		return StreamEvent{Type: event, ID: id, Change: &ch}, true, nil
	case EventReset:
		var list NotificationList
		if err := json.Unmarshal([]byte(data), &list); err != nil {
			return StreamEvent{}, false, fmt.Errorf("failed to decode reset event: %w", err)
		}
		if id == "" && len(list.Notifications) > 0 {
			id = list.Notifications[0].ID
		}
		return StreamEvent{Type: event, ID: id, Reset: &list}, true, nil
	default:
		return StreamEvent{}, false, nil
	}
}
