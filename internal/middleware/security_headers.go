package middleware

import "net/http"

// hstsValue はHTTPSで公開している場合に付与するStrict-Transport-Securityの値（2年）。
const hstsValue = "max-age=63072000; includeSubDomains"

// NewSecurityHeadersMiddleware はセキュリティ関連のHTTPレスポンスヘッダーを付与するミドルウェアを返す。
// 体重や体脂肪率を含むレスポンスを中間キャッシュに残さないよう、Cache-Controlはno-storeとする。
// httpsOnlyがtrueの場合はHSTSも付与する。
func NewSecurityHeadersMiddleware(httpsOnly bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			// OAuthコールバックのcode・stateをRefererで外部に渡さない
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			h.Set("Permissions-Policy", "interest-cohort=()")
			if httpsOnly {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			next.ServeHTTP(w, r)
		})
	}
}
