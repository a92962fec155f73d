package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
)

// NewRecoveryMiddleware はハンドラー内のpanicを回収して500のJSONを返すミドルウェアを生成する。
// 同期や測定値受信の途中で起きたpanicを追えるよう、ルートのproviderもログに残す。
// http.ErrAbortHandlerはnet/httpの中断シグナルのため再送出する。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				args := []any{
					slog.String("panic", fmt.Sprint(rec)),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				}
				if p := routeProvider(r); p != "" {
					args = append(args, slog.String("provider", p))
				}
				args = append(args, slog.String("stack", string(debug.Stack())))

				logger.Error("handler panic recovered", args...)
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// routeProvider はルーティング済みリクエストのproviderパラメータを返す。未設定の場合は空文字。
func routeProvider(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.URLParam("provider")
	}
	return ""
}
