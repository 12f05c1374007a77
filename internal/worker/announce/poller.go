// Package announce はプロダクトのお知らせフィードを取り込むワーカーを提供する。
// RSS/Atomフィードを定期的に条件付きGETで取得し、未配信のエントリを
// system種別の通知として全ユーザーのストアに配信する。
package announce

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/engagepro/internal/model"
	"github.com/hitoshi/engagepro/internal/notification"
)

const (
	defaultInterval    = 15 * time.Minute
	defaultTimeout     = 10 * time.Second
	defaultMaxBodySize = 1 << 20 // 1MB
	// maxSeen は既読判定に保持するエントリキーの上限。
	maxSeen = 1000
	// maxMessageRunes は通知本文に使う要約の最大文字数。
	maxMessageRunes = 280

	// sourceAnnouncement はメトリクスのsourceラベル。
	sourceAnnouncement = "announcement"
)

// URLGuard はフィードURLの検証と安全なHTTPクライアントの生成を行うインターフェース。
// security.URLGuardが実装する。
type URLGuard interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// StoreSource は配信先ストアの取得元。notification.Hubが実装する。
type StoreSource interface {
	UserIDs() []string
	Lookup(userID string) (*notification.Store, bool)
}

// TextSanitizer はフィード由来のテキストからHTMLを除去するインターフェース。
type TextSanitizer interface {
	Sanitize(raw string) string
}

// Recorder はお知らせ取り込みのメトリクスを記録するインターフェース。
type Recorder interface {
	RecordAnnouncementFetch(result string)
	RecordNotificationAdded(source string)
}

// Config はポーラーの設定。
type Config struct {
	FeedURL     string
	Interval    time.Duration
	Timeout     time.Duration
	MaxBodySize int64
}

// Poller はお知らせフィードのポーリングジョブ。
// 初回の取得は既読集合の記録のみ行い、通知は配信しない。
type Poller struct {
	config    Config
	guard     URLGuard
	stores    StoreSource
	sanitizer TextSanitizer
	logger    *slog.Logger
	recorder  Recorder
	client    *http.Client
	now       func() time.Time

	mu        sync.Mutex
	feedURL   string // HTMLページから検出した場合は検出後のURL
	state     pollState
	seeded    bool
	seen      map[string]struct{}
	seenOrder []string
}

// Option はPollerの生成オプション。
type Option func(*Poller)

// WithHTTPClient はHTTPクライアントを差し替える。テスト用。
func WithHTTPClient(c *http.Client) Option {
	return func(p *Poller) { p.client = c }
}

// WithRecorder はメトリクス記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(p *Poller) { p.recorder = r }
}

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// NewPoller はPollerを生成する。
func NewPoller(cfg Config, guard URLGuard, stores StoreSource, sanitizer TextSanitizer, logger *slog.Logger, opts ...Option) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	p := &Poller{
		config:    cfg,
		guard:     guard,
		stores:    stores,
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
		feedURL:   cfg.FeedURL,
		seen:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = guard.NewSafeClient(cfg.Timeout)
	}
	return p
}

// Start はポーリングループを実行する。ctxがキャンセルされるか、
// 恒久的な失敗でポーリングが停止するまでブロックする。
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("お知らせフィードのポーリングを開始します",
		slog.String("feed_url", p.config.FeedURL),
		slog.Duration("interval", p.config.Interval),
	)

	for {
		if _, err := p.Poll(ctx); err != nil {
			p.logger.Debug("announcement poll failed", slog.String("error", err.Error()))
		}
		if p.Stopped() {
			p.logger.Warn("お知らせフィードのポーリングを停止しました",
				slog.String("feed_url", p.FeedURL()),
				slog.String("reason", p.lastError()),
			)
			return
		}

		timer := time.NewTimer(p.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Poll はフィードを1回取得し、配信した新着お知らせの件数を返す。
// 設定されたURLがHTMLページの場合は、ページ内のフィードリンクを検出して取得し直す。
func (p *Poller) Poll(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Stopped {
		return 0, nil
	}
	return p.pollLocked(ctx, true)
}

// FeedURL は現在ポーリングしているフィードのURLを返す。
func (p *Poller) FeedURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.feedURL
}

func (p *Poller) pollLocked(ctx context.Context, allowDiscovery bool) (int, error) {
	start := p.now()
	feedURL := p.feedURL

	if err := p.guard.ValidateURL(feedURL); err != nil {
		p.logger.Error("お知らせフィードのURL検証に失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		p.state.applyStop(fmt.Sprintf("URL検証失敗: %s", err.Error()))
		p.record("blocked")
		return 0, fmt.Errorf("URL検証に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return 0, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "EngagePro/1.0 Announcements")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html;q=0.5, */*;q=0.1")
	// 条件付きGET
	if p.state.ETag != "" {
		req.Header.Set("If-None-Match", p.state.ETag)
	}
	if p.state.LastModified != "" {
		req.Header.Set("If-Modified-Since", p.state.LastModified)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		p.logger.Error("お知らせフィードの取得に失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		p.state.applyBackoff(p.now(), fmt.Sprintf("HTTPリクエスト失敗: %s", err.Error()))
		p.record(FetchResultBackoff.String())
		return 0, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	result := ClassifyHTTPStatus(resp.StatusCode)
	switch result {
	case FetchResultNotModified:
		p.logger.Debug("お知らせフィードは未変更です（304）",
			slog.String("feed_url", feedURL),
		)
		p.state.applySuccess(p.now(), p.config.Interval)
		p.record(result.String())
		return 0, nil

	case FetchResultStop:
		reason := fmt.Sprintf("HTTPステータス %d によりポーリングを停止しました", resp.StatusCode)
		p.logger.Warn("お知らせフィードのポーリングを停止します",
			slog.String("feed_url", feedURL),
			slog.Int("http_status", resp.StatusCode),
		)
		p.state.applyStop(reason)
		p.record(result.String())
		return 0, fmt.Errorf("%s", reason)

	case FetchResultBackoff, FetchResultUnknown:
		p.state.applyBackoff(p.now(), fmt.Sprintf("HTTPステータス %d によりバックオフを適用しました", resp.StatusCode))
		p.logger.Warn("お知らせフィードの取得にバックオフを適用します",
			slog.String("feed_url", feedURL),
			slog.Int("http_status", resp.StatusCode),
			slog.Int("consecutive_errors", p.state.ConsecutiveErrors),
			slog.Time("next_poll_at", p.state.NextPollAt),
		)
		p.record(FetchResultBackoff.String())
		return 0, fmt.Errorf("HTTPステータス %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.config.MaxBodySize))
	if err != nil {
		p.state.applyBackoff(p.now(), fmt.Sprintf("レスポンス読み取り失敗: %s", err.Error()))
		p.record(FetchResultBackoff.String())
		return 0, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}

	if isHTML(resp.Header.Get("Content-Type")) {
		return p.discoverLocked(ctx, feedURL, body, allowDiscovery)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		p.logger.Error("お知らせフィードのパースに失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		p.state.applyParseFailure(p.now(), err.Error())
		p.record("parse_error")
		return 0, fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		p.state.ETag = etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		p.state.LastModified = lastMod
	}

	announcements := p.collectNew(feed.Items)
	firstPoll := !p.seeded
	p.seeded = true

	newCount, delivered := 0, 0
	if !firstPoll {
		newCount = len(announcements)
		delivered = p.broadcast(announcements)
	}

	p.state.applySuccess(p.now(), p.config.Interval)
	p.record(result.String())

	p.logger.Info("お知らせフィードの取得が完了しました",
		slog.String("feed_url", feedURL),
		slog.Int("items_total", len(feed.Items)),
		slog.Int("items_new", len(announcements)),
		slog.Bool("seed_only", firstPoll),
		slog.Int("deliveries", delivered),
		slog.Float64("duration_ms", float64(p.now().Sub(start).Milliseconds())),
	)
	return newCount, nil
}

// discoverLocked はHTMLページからフィードURLを検出し、検出したURLで取得し直す。
// 検出は1回の取得につき1段のみ行う。
func (p *Poller) discoverLocked(ctx context.Context, pageURL string, body []byte, allowDiscovery bool) (int, error) {
	candidate, ok := selectFeed(findFeedLinks(body, pageURL), pageURL)
	if !allowDiscovery || !ok {
		p.logger.Error("お知らせフィードが見つかりませんでした",
			slog.String("feed_url", pageURL),
		)
		p.state.applyParseFailure(p.now(), "HTMLページにフィードリンクがありません")
		p.record("parse_error")
		return 0, fmt.Errorf("%s にフィードが見つかりません", pageURL)
	}
	if err := p.guard.ValidateURL(candidate.URL); err != nil {
		p.state.applyStop(fmt.Sprintf("検出したフィードのURL検証失敗: %s", err.Error()))
		p.record("blocked")
		return 0, fmt.Errorf("検出したフィードのURL検証に失敗: %w", err)
	}

	p.logger.Info("お知らせフィードを検出しました",
		slog.String("page_url", pageURL),
		slog.String("feed_url", candidate.URL),
	)
	p.feedURL = candidate.URL
	p.state.ETag = ""
	p.state.LastModified = ""
	p.record("discovered")
	return p.pollLocked(ctx, false)
}

// Stopped はポーリングが恒久的に停止しているかを返す。
func (p *Poller) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Stopped
}

func (p *Poller) lastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.ErrorMessage
}

// nextDelay は次回ポーリングまでの待ち時間を返す。
func (p *Poller) nextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.state.NextPollAt.Sub(p.now())
	if d <= 0 {
		return p.config.Interval
	}
	return d
}

// collectNew は未配信のエントリを古い順で通知入力に変換し、既読集合に記録する。
func (p *Poller) collectNew(items []*gofeed.Item) []model.NotificationInput {
	var out []model.NotificationInput
	// gofeedは新しい順で返すことが多いため、古い順に処理して配信順を揃える
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		if item == nil {
			continue
		}
		key := entryKey(item)
		if key == "" {
			continue
		}
		if _, ok := p.seen[key]; ok {
			continue
		}
		p.remember(key)

		in, ok := p.toNotification(item)
		if !ok {
			continue
		}
		out = append(out, in)
	}
	return out
}

// broadcast は全ストアに通知を追加し、追加した延べ件数を返す。
func (p *Poller) broadcast(announcements []model.NotificationInput) int {
	if len(announcements) == 0 {
		return 0
	}
	count := 0
	for _, userID := range p.stores.UserIDs() {
		store, ok := p.stores.Lookup(userID)
		if !ok {
			continue
		}
		for _, in := range announcements {
			store.Add(in)
			count++
			if p.recorder != nil {
				p.recorder.RecordNotificationAdded(sourceAnnouncement)
			}
		}
	}
	return count
}

func (p *Poller) toNotification(item *gofeed.Item) (model.NotificationInput, bool) {
	title := p.sanitizer.Sanitize(item.Title)
	if title == "" {
		return model.NotificationInput{}, false
	}

	summary := item.Description
	if summary == "" {
		summary = item.Content
	}
	in := model.NotificationInput{
		Type:    model.NotificationSystem,
		Title:   title,
		Message: truncateRunes(p.sanitizer.Sanitize(summary), maxMessageRunes),
	}
	if item.Link != "" && p.guard.ValidateURL(item.Link) == nil {
		in.ActionURL = item.Link
		in.ActionLabel = "Read More"
	}
	return in, true
}

// remember はキーを既読集合に追加する。上限を超えた場合は古いキーから忘れる。
func (p *Poller) remember(key string) {
	p.seen[key] = struct{}{}
	p.seenOrder = append(p.seenOrder, key)
	if len(p.seenOrder) > maxSeen {
		oldest := p.seenOrder[0]
		p.seenOrder = p.seenOrder[1:]
		delete(p.seen, oldest)
	}
}

func (p *Poller) record(result string) {
	if p.recorder != nil {
		p.recorder.RecordAnnouncementFetch(result)
	}
}

// entryKey はエントリの重複判定キーを返す。GUIDがなければリンクを使う。
func entryKey(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "…"
}
