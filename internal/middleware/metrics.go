package middleware

import (
	"net/http"
	"time"
)

// HTTPRecorder はHTTPレスポンスのメトリクス記録先。
type HTTPRecorder interface {
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// NewMetricsMiddleware はステータスコードとレイテンシを記録するミドルウェアを返す。
// 通知ストリームのような長時間接続はレイテンシに含めない。
func NewMetricsMiddleware(recorder HTTPRecorder, skipLatencyPaths ...string) func(next http.Handler) http.Handler {
	skip := make(map[string]bool, len(skipLatencyPaths))
	for _, p := range skipLatencyPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rec, r)

			recorder.RecordHTTPStatus(rec.statusCode)
			if !skip[r.URL.Path] {
				recorder.RecordRequestLatency(time.Since(start))
			}
		})
	}
}
