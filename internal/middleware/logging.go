package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// HTTPRecorder はHTTPリクエストのメトリクスを記録する。
type HTTPRecorder interface {
	RecordHTTPStatus(status int)
	RecordRequestLatency(d time.Duration)
}

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// requestMeta は内側のミドルウェアが外側のログへ値を渡すための入れ物。
type requestMeta struct {
	mu     sync.Mutex
	userID string
}

var requestMetaKey = contextKey("request_meta")

// setRequestUserID は認証済みユーザーIDをリクエストログ用に記録する。
func setRequestUserID(ctx context.Context, userID string) {
	if meta, ok := ctx.Value(requestMetaKey).(*requestMeta); ok {
		meta.mu.Lock()
		meta.userID = userID
		meta.mu.Unlock()
	}
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力し、メトリクスを記録する。
// ログにはmethod、path、status、duration_ms、user_id（認証済みの場合）を含む。
// recorderはnilを許容する。
func NewLoggingMiddleware(logger *slog.Logger, recorder HTTPRecorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			meta := &requestMeta{}
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestMetaKey, meta)))

			duration := time.Since(start)
			if recorder != nil {
				recorder.RecordHTTPStatus(rec.statusCode)
				recorder.RecordRequestLatency(duration)
			}

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", float64(duration.Nanoseconds())/float64(time.Millisecond)),
			}
			meta.mu.Lock()
			if meta.userID != "" {
				args = append(args, slog.String("user_id", meta.userID))
			}
			meta.mu.Unlock()

			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http_request", args...)
		})
	}
}
