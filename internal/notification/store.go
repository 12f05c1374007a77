// Package notification は通知センターの通知ストアを提供する。
// 通知一覧（新しい順）と未読数を管理し、変更を購読者に配信する。
package notification

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/engagepro/internal/model"
)

// EventKind はストアの変更種別を表す。
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventRead    EventKind = "read"
	EventReadAll EventKind = "read_all"
	EventRemoved EventKind = "removed"
	EventCleared EventKind = "cleared"
	// EventReset は一覧全体の置き換え。受信側はSnapshotで手元の状態を作り直す。
	// 購読チャネルが溢れた場合も未配信のイベントの代わりに送られる。
	EventReset EventKind = "reset"
)

// Event はストアの変更通知。UnreadCountは変更適用後の値。
type Event struct {
	Kind         EventKind
	Notification *model.Notification  // EventAddedの場合のみ設定される
	ID           string               // EventRead, EventRemovedの対象ID
	Snapshot     []model.Notification // EventResetの場合のみ設定される（新しい順）
	UnreadCount  int
}

// defaultSubscriberBuffer は購読チャネルのデフォルトバッファサイズ。
const defaultSubscriberBuffer = 16

// SubscribeOption はSubscribeのオプション。
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	buffer   int
	snapshot bool
}

// WithBuffer は購読チャネルのバッファサイズを設定する。1未満は1として扱う。
func WithBuffer(n int) SubscribeOption {
	return func(c *subscribeConfig) { c.buffer = n }
}

// WithInitialSnapshot は購読開始時点の一覧をEventResetとして最初に配信する。
// 購読登録と同じクリティカルセクションで積むため、以降のイベントとの間に取りこぼしはない。
func WithInitialSnapshot() SubscribeOption {
	return func(c *subscribeConfig) { c.snapshot = true }
}

// Store は1ユーザー分の通知一覧を保持する。
// 一覧の変更と未読数の再計算、購読者への配信は同一のクリティカルセクションで行う。
type Store struct {
	mu       sync.Mutex
	items    []model.Notification // 先頭が最新
	capacity int

	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	seed bool

	subs    map[int]chan Event
	nextSub int
}

// Option はStoreの生成オプション。
type Option func(*Store)

// WithCapacity は保持する通知の上限数を設定する。超過分は古いものから破棄する。
// 0以下の場合は上限なし。
func WithCapacity(n int) Option {
	return func(s *Store) { s.capacity = n }
}

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator はID採番関数を差し替える。テスト用。
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithSeed は初期状態としてデモ用の通知セットを投入する。
func WithSeed() Option {
	return func(s *Store) { s.seed = true }
}

// NewStore はStoreを生成する。
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		logger: slog.Default(),
		subs:   make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	// シードの時刻は差し替え後のclockを基準にする
	if s.seed {
		s.items = SeedNotifications(s.now())
	}
	s.trimLocked()
	return s
}

// Add は新しい通知を採番して先頭に追加する。readは常にfalseで作成される。
func (s *Store) Add(in model.NotificationInput) model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := model.Notification{
		ID:          s.newID(),
		Type:        in.Type,
		Title:       in.Title,
		Message:     in.Message,
		Timestamp:   s.now(),
		Read:        false,
		ActionURL:   in.ActionURL,
		ActionLabel: in.ActionLabel,
		Avatar:      in.Avatar,
		Platform:    in.Platform,
	}
	s.prependLocked(n)
	return n
}

// Ingest は採番済みの通知（プッシュ配信で受信したもの等）を先頭に追加する。
// 同じIDの通知が既に存在する場合は何もせずfalseを返す。
func (s *Store) Ingest(n model.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" || s.indexLocked(n.ID) >= 0 {
		return false
	}
	s.prependLocked(n)
	return true
}

// MarkRead は指定IDの通知を既読にする。存在しないIDの場合は何もしない。
func (s *Store) MarkRead(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 || s.items[i].Read {
		return
	}
	s.items[i].Read = true
	s.publishLocked(Event{Kind: EventRead, ID: id})
}

// MarkAllRead は全ての通知を既読にする。
func (s *Store) MarkAllRead() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.items {
		s.items[i].Read = true
	}
	s.publishLocked(Event{Kind: EventReadAll})
}

// Remove は指定IDの通知を削除する。存在しないIDの場合は何もしない。
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	s.publishLocked(Event{Kind: EventRemoved, ID: id})
}

// Reset は一覧を丸ごとitems（新しい順）で置き換え、EventResetを配信する。
// 上限を超える分は古いものから破棄する。
func (s *Store) Reset(items []model.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append([]model.Notification(nil), items...)
	s.trimLocked()
	s.publishLocked(Event{Kind: EventReset})
}

// ClearAll は全ての通知を削除する。
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = nil
	s.publishLocked(Event{Kind: EventCleared})
}

// Get は指定IDの通知を返す。
func (s *Store) Get(id string) (model.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return model.Notification{}, false
	}
	return s.items[i], true
}

// List は通知一覧のコピーを新しい順で返す。
func (s *Store) List() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Notification, len(s.items))
	copy(out, s.items)
	return out
}

// UnreadCount は未読通知数を返す。呼び出しごとに一覧から再計算する。
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked()
}

// Snapshot は通知一覧と未読数を同一時点の値として返す。
func (s *Store) Snapshot() ([]model.Notification, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Notification, len(s.items))
	copy(out, s.items)
	return out, s.unreadLocked()
}

// Subscribe はストアの変更イベントを受け取るチャネルを返す。
// 返されたcancel関数を呼ぶとチャネルはクローズされる。
// 受信側が詰まってバッファが溢れた場合、未配信のイベントは捨てられ
// 代わりにその時点の一覧を持つEventResetが届く。
func (s *Store) Subscribe(opts ...SubscribeOption) (<-chan Event, func()) {
	cfg := subscribeConfig{buffer: defaultSubscriberBuffer}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.buffer < 1 {
		cfg.buffer = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, cfg.buffer)
	s.subs[id] = ch
	if cfg.snapshot {
		ch <- s.resetEventLocked()
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Close は全ての購読チャネルをクローズする。
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

func (s *Store) prependLocked(n model.Notification) {
	s.items = append([]model.Notification{n}, s.items...)
	s.trimLocked()
	added := n
	s.publishLocked(Event{Kind: EventAdded, Notification: &added, ID: n.ID})
}

func (s *Store) trimLocked() {
	if s.capacity > 0 && len(s.items) > s.capacity {
		s.items = s.items[:s.capacity]
	}
}

func (s *Store) indexLocked(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) unreadLocked() int {
	count := 0
	for i := range s.items {
		if !s.items[i].Read {
			count++
		}
	}
	return count
}

func (s *Store) resetEventLocked() Event {
	snapshot := make([]model.Notification, len(s.items))
	copy(snapshot, s.items)
	return Event{Kind: EventReset, Snapshot: snapshot, UnreadCount: s.unreadLocked()}
}

func (s *Store) publishLocked(ev Event) {
	if ev.Kind == EventReset {
		ev = s.resetEventLocked()
	}
	ev.UnreadCount = s.unreadLocked()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// 溢れた購読者には積まれている分を捨てて現在の一覧を送り直す
		dropped := drain(ch)
		ch <- s.resetEventLocked()
		s.logger.Warn("購読者の受信が追いつかないため一覧を再送しました",
			slog.String("kind", string(ev.Kind)),
			slog.Int("dropped", dropped+1),
		)
	}
}

// drain はチャネルに積まれているイベントをブロックせずに読み捨て、その数を返す。
func drain(ch chan Event) int {
	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			return n
		}
	}
}
