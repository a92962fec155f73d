// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/vitalsync/internal/middleware"
	"github.com/hitoshi/vitalsync/internal/model"
	"github.com/hitoshi/vitalsync/internal/oauth"
)

// oauthStateCookiePrefix はプロバイダーごとのstate Cookie名の接頭辞。
const oauthStateCookiePrefix = "oauth_state_"

// コールバック失敗時にリダイレクト先へ付与する理由
const (
	callbackReasonDenied         = "denied"
	callbackReasonInvalidState   = "invalid_state"
	callbackReasonMissingCode    = "missing_code"
	callbackReasonExchangeFailed = "exchange_failed"
	callbackReasonNotConfigured  = "not_configured"

	// プロバイダー名として解釈できない場合はプロバイダー接頭辞を付けない
	callbackReasonUnknownProvider = "unknown_provider"
)

// ClientLookup はプロバイダーのOAuthクライアントを返す。oauth.Registryが満たす。
type ClientLookup interface {
	Get(p model.Provider) (oauth.Client, error)
	Providers() []model.Provider
}

// CredentialLister は保存済みの認可情報を返す。
type CredentialLister interface {
	List(ctx context.Context) ([]*model.Credential, error)
}

// IntegrationHandlerConfig は連携ハンドラーの設定。
type IntegrationHandlerConfig struct {
	SettingsURL  string // コールバック後のリダイレクト先
	CookieSecure bool
}

// IntegrationHandler は外部プロバイダー連携のHTTPハンドラー。
type IntegrationHandler struct {
	clients     ClientLookup
	credentials CredentialLister
	config      IntegrationHandlerConfig
}

// NewIntegrationHandler はIntegrationHandlerを生成する。
func NewIntegrationHandler(clients ClientLookup, credentials CredentialLister, config IntegrationHandlerConfig) *IntegrationHandler {
	return &IntegrationHandler{
		clients:     clients,
		credentials: credentials,
		config:      config,
	}
}

// Connect はOAuth認可フローを開始する。
// GET /integrations/{provider}/connect
func (h *IntegrationHandler) Connect(w http.ResponseWriter, r *http.Request) {
	client, ok := h.lookupClient(w, r)
	if !ok {
		return
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, h.stateCookie(client.Provider(), state, 600))

	http.Redirect(w, r, client.AuthorizationURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// 未設定のプロバイダーを含め、結果にかかわらず設定画面へリダイレクトし、success または error クエリで結果を伝える。
// GET /integrations/{provider}/callback?code=xxx&state=yyy
func (h *IntegrationHandler) Callback(w http.ResponseWriter, r *http.Request) {
	p, ok := model.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		h.redirectResult(w, r, "error", callbackReasonUnknownProvider)
		return
	}
	client, err := h.clients.Get(p)
	if err != nil {
		slog.Warn("oauth callback for unconfigured provider",
			slog.String("provider", string(p)),
			slog.String("error", err.Error()),
		)
		h.redirectResult(w, r, "error", string(p)+"_"+callbackReasonNotConfigured)
		return
	}
	q := r.URL.Query()

	// 1. プロバイダー側での拒否
	if providerErr := q.Get("error"); providerErr != "" {
		slog.Warn("oauth authorization denied",
			slog.String("provider", string(p)),
			slog.String("error", providerErr),
		)
		h.redirectResult(w, r, "error", string(p)+"_"+callbackReasonDenied)
		return
	}

	// 2. stateの検証（CSRF対策）
	state := q.Get("state")
	stateCookie, err := r.Cookie(oauthStateCookiePrefix + string(p))
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.String("provider", string(p)))
		h.redirectResult(w, r, "error", string(p)+"_"+callbackReasonInvalidState)
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, h.stateCookie(p, "", -1))

	// 3. 認可コードの取得
	code := q.Get("code")
	if code == "" {
		h.redirectResult(w, r, "error", string(p)+"_"+callbackReasonMissingCode)
		return
	}

	// 4. 認可コードの交換と保存
	if _, err := client.ExchangeCode(r.Context(), code); err != nil {
		slog.Error("oauth code exchange failed",
			slog.String("provider", string(p)),
			slog.String("error", err.Error()),
		)
		h.redirectResult(w, r, "error", string(p)+"_"+callbackReasonExchangeFailed)
		return
	}

	h.redirectResult(w, r, "success", string(p)+"_connected")
}

// Disconnect は保存された認可情報を削除する。
// POST /api/integrations/{provider}/disconnect
func (h *IntegrationHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	client, ok := h.lookupClient(w, r)
	if !ok {
		return
	}

	if err := client.Revoke(r.Context()); err != nil {
		slog.Error("failed to revoke credential",
			slog.String("provider", string(client.Provider())),
			slog.String("error", err.Error()),
		)
		middleware.WriteJSONError(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// integrationStatus はプロバイダーごとの連携状態。
type integrationStatus struct {
	Provider  string     `json:"provider"`
	Connected bool       `json:"connected"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// List は登録済みプロバイダーの連携状態を返す。
// GET /api/integrations
func (h *IntegrationHandler) List(w http.ResponseWriter, r *http.Request) {
	creds, err := h.credentials.List(r.Context())
	if err != nil {
		slog.Error("failed to list credentials", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	byProvider := make(map[model.Provider]*model.Credential, len(creds))
	for _, c := range creds {
		byProvider[c.Provider] = c
	}

	providers := h.clients.Providers()
	statuses := make([]integrationStatus, 0, len(providers))
	for _, p := range providers {
		status := integrationStatus{Provider: string(p)}
		if c, ok := byProvider[p]; ok {
			status.Connected = true
			expiresAt := c.ExpiresAt
			status.ExpiresAt = &expiresAt
		}
		statuses = append(statuses, status)
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]any{"integrations": statuses})
}

// lookupClient はURLパラメータのプロバイダーに対応するクライアントを返す。
// 見つからない場合は404を書き込んでfalseを返す。
func (h *IntegrationHandler) lookupClient(w http.ResponseWriter, r *http.Request) (oauth.Client, bool) {
	p, ok := model.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		middleware.WriteJSONError(w, http.StatusNotFound, "unknown provider")
		return nil, false
	}
	client, err := h.clients.Get(p)
	if err != nil {
		if !errors.Is(err, model.ErrUnknownProvider) {
			slog.Error("failed to look up oauth client", slog.String("error", err.Error()))
		}
		middleware.WriteJSONError(w, http.StatusNotFound, "provider is not configured")
		return nil, false
	}
	return client, true
}

// redirectResult は設定画面に結果のクエリパラメータを付けてリダイレクトする。
// SettingsURLはconfig.Loadで検証済み。解釈できない場合もエラーページは返さず、ルートへリダイレクトする。
func (h *IntegrationHandler) redirectResult(w http.ResponseWriter, r *http.Request, key, value string) {
	target, err := url.Parse(h.config.SettingsURL)
	if err != nil {
		slog.Error("invalid settings url, redirecting to root", slog.String("error", err.Error()))
		target = &url.URL{Path: "/"}
	}
	q := target.Query()
	q.Set(key, value)
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusTemporaryRedirect)
}

func (h *IntegrationHandler) stateCookie(p model.Provider, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     oauthStateCookiePrefix + string(p),
		Value:    value,
		Path:     "/integrations/" + string(p),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
