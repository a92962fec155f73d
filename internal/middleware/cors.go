package middleware

import (
	"net/http"
	"strings"
)

// NewCORSMiddleware は設定画面のオリジンからのAPI呼び出しを許可するCORSミドルウェアを返す。
// allowedOriginsはカンマ区切りで複数指定でき、一致したOriginのみをそのまま返す。
// 空の場合、またはOriginが一致しない場合はCORSヘッダーを付与せず次のハンドラーに委譲する。
// 許可されたOriginからのOPTIONSプリフライトリクエストには204で応答する。
func NewCORSMiddleware(allowedOrigins string) func(next http.Handler) http.Handler {
	allowed := parseOrigins(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowed) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			// 応答がOriginで変わるため、キャッシュキーに含めさせる
			w.Header().Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			if _, ok := allowed[origin]; !ok {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// parseOrigins はカンマ区切りのオリジン一覧を集合に変換する。末尾のスラッシュは取り除く。
func parseOrigins(raw string) map[string]struct{} {
	origins := make(map[string]struct{})
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o == "" || o == "*" {
			continue
		}
		origins[o] = struct{}{}
	}
	return origins
}
