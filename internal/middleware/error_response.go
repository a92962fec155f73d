package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponseBody はAPIエラーレスポンスのフォーマット。
type ErrorResponseBody struct {
	Error string `json:"error"`
}

// WriteJSON はvをJSONとして書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// WriteJSONError は {"error": message} 形式のエラーレスポンスを書き込む。
func WriteJSONError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponseBody{Error: message})
}

// WriteInternalServerError は内部サーバーエラーのレスポンスを書き込む。
// 詳細はログのみに記録し、クライアントには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusInternalServerError, "internal server error")
}
