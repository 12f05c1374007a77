package announce

import (
	"fmt"
	"time"
)

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK はフェッチ成功（200）。
	FetchResultOK FetchResult = iota
	// FetchResultNotModified はコンテンツ未変更（304）。
	FetchResultNotModified
	// FetchResultStop は恒久的な失敗（429以外の4xx）。
	FetchResultStop
	// FetchResultBackoff は一時的な失敗（429/5xx）。
	FetchResultBackoff
	// FetchResultUnknown は上記以外のステータスコード。
	FetchResultUnknown
)

func (r FetchResult) String() string {
	switch r {
	case FetchResultOK:
		return "ok"
	case FetchResultNotModified:
		return "not_modified"
	case FetchResultStop:
		return "stopped"
	case FetchResultBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

const (
	// initialBackoff は指数バックオフの初回遅延（5分）。
	initialBackoff = 5 * time.Minute
	// maxBackoff は指数バックオフの最大遅延（4時間）。
	maxBackoff = 4 * time.Hour
	// parseFailureThreshold はパース失敗によるポーリング停止の閾値。
	parseFailureThreshold = 10
)

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == 200:
		return FetchResultOK
	case statusCode == 304:
		return FetchResultNotModified
	case statusCode == 429:
		return FetchResultBackoff
	case statusCode >= 400 && statusCode < 500:
		return FetchResultStop
	case statusCode >= 500:
		return FetchResultBackoff
	default:
		return FetchResultUnknown
	}
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回5分、2倍ずつ増加、最大4時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// pollState はお知らせフィードのポーリング状態。
type pollState struct {
	ETag              string
	LastModified      string
	ConsecutiveErrors int
	NextPollAt        time.Time
	Stopped           bool
	ErrorMessage      string
}

// applyStop はポーリングを停止する。
func (s *pollState) applyStop(reason string) {
	s.Stopped = true
	s.ErrorMessage = reason
}

// applyBackoff は連続エラー回数をインクリメントし、指数バックオフで次回時刻を設定する。
func (s *pollState) applyBackoff(now time.Time, reason string) {
	s.ConsecutiveErrors++
	s.ErrorMessage = reason
	s.NextPollAt = now.Add(CalculateBackoff(s.ConsecutiveErrors - 1))
}

// applySuccess はエラー状態をリセットし、interval後を次回時刻に設定する。
func (s *pollState) applySuccess(now time.Time, interval time.Duration) {
	s.ConsecutiveErrors = 0
	s.ErrorMessage = ""
	s.NextPollAt = now.Add(interval)
}

// applyParseFailure はパース失敗をバックオフとして扱い、閾値に達した場合は停止する。
func (s *pollState) applyParseFailure(now time.Time, reason string) {
	s.applyBackoff(now, fmt.Sprintf("パース失敗 (%d回連続): %s", s.ConsecutiveErrors+1, reason))
	if s.ConsecutiveErrors >= parseFailureThreshold {
		s.applyStop(fmt.Sprintf("パース失敗が%d回連続したためポーリングを停止しました: %s", s.ConsecutiveErrors, reason))
	}
}
