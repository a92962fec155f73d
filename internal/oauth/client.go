// Package oauth はOAuthプロバイダーごとの認可コード交換、トークン更新、
// 認可情報の破棄を統一インターフェースで提供する。
package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/vitalsync/internal/model"
	"github.com/hitoshi/vitalsync/internal/repository"
)

// RefreshMargin はアクセストークンの失効前に更新を行う余裕時間。
const RefreshMargin = 60 * time.Second

// Client はOAuthプロバイダーの統一インターフェース。
// プロバイダーごとの違い（エンドポイント、パラメータ形式、有効期限のフィールド名）は実装側に閉じる。
type Client interface {
	// Provider は対応するプロバイダーを返す。
	Provider() model.Provider
	// AuthorizationURL は同意画面へのリダイレクトURLを生成する。副作用はない。
	AuthorizationURL(state string) string
	// ExchangeCode は認可コードを交換し、得られた認可情報を保存する。
	ExchangeCode(ctx context.Context, code string) (*model.Credential, error)
	// ValidAccessToken は利用可能なアクセストークンを返す。必要に応じて更新してから返す。
	ValidAccessToken(ctx context.Context) (string, error)
	// Revoke は保存された認可情報を削除する。未保存でもエラーにしない。
	Revoke(ctx context.Context) error
}

// TokenMetrics はトークン更新のメトリクス記録インターフェース。
type TokenMetrics interface {
	RecordTokenRefresh(provider string, success bool)
}

// Deps はアダプタ共通の依存関係。
type Deps struct {
	Store      repository.CredentialRepository
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    TokenMetrics     // nilの場合は記録しない
	Now        func() time.Time // nilの場合はtime.Now
}

// tokenEndpoint はプロバイダー固有のプロトコル差分を表す。
type tokenEndpoint interface {
	authorizationURL(state string) string
	exchange(ctx context.Context, code string) (*model.Credential, error)
	refresh(ctx context.Context, cred *model.Credential) (*model.Credential, error)
}

// remoteRevoker はプロバイダー側でのトークン失効に対応するエンドポイントが実装する。
type remoteRevoker interface {
	revokeRemote(ctx context.Context, cred *model.Credential) error
}

// Adapter はClientの実装。プロバイダー固有部分をtokenEndpointに委譲し、
// 認可情報の保存・有効期限判定・更新の直列化を共通で扱う。
type Adapter struct {
	provider model.Provider
	endpoint tokenEndpoint
	store    repository.CredentialRepository
	logger   *slog.Logger
	metrics  TokenMetrics
	now      func() time.Time

	// 同一プロバイダーへの同時更新で古いリフレッシュトークンが使われないよう、更新を1回にまとめる
	refreshGroup singleflight.Group
}

func newAdapter(provider model.Provider, endpoint tokenEndpoint, deps Deps) *Adapter {
	a := &Adapter{
		provider: provider,
		endpoint: endpoint,
		store:    deps.Store,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		now:      deps.Now,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Provider は対応するプロバイダーを返す。
func (a *Adapter) Provider() model.Provider {
	return a.provider
}

// AuthorizationURL は同意画面へのリダイレクトURLを生成する。
func (a *Adapter) AuthorizationURL(state string) string {
	return a.endpoint.authorizationURL(state)
}

// ExchangeCode は認可コードを交換し、認可情報を保存する。
// 既存の認可情報は上書きされる。交換に失敗した場合は*model.AuthExchangeErrorを返す。
func (a *Adapter) ExchangeCode(ctx context.Context, code string) (*model.Credential, error) {
	cred, err := a.endpoint.exchange(ctx, code)
	if err != nil {
		return nil, &model.AuthExchangeError{Provider: a.provider, Err: err}
	}

	cred.Provider = a.provider
	cred.UpdatedAt = a.now()
	if err := a.store.Upsert(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to store %s credential: %w", a.provider, err)
	}

	a.logger.Info("oauth credential stored",
		slog.String("provider", string(a.provider)),
		slog.Time("expires_at", cred.ExpiresAt),
	)
	return cred, nil
}

// ValidAccessToken は保存されたアクセストークンを返す。
// 失効済みまたはRefreshMargin以内に失効する場合は、リフレッシュトークンで更新して保存してから返す。
func (a *Adapter) ValidAccessToken(ctx context.Context) (string, error) {
	cred, err := a.load(ctx)
	if err != nil {
		return "", err
	}

	if !cred.ExpiresWithin(a.now(), RefreshMargin) {
		return cred.AccessToken, nil
	}

	// 共有される更新は最初の呼び出し元のキャンセルに巻き込まれないよう切り離して実行する
	v, err, _ := a.refreshGroup.Do(string(a.provider), func() (any, error) {
		return a.refresh(context.WithoutCancel(ctx))
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		return "", err
	}
	return v.(*model.Credential).AccessToken, nil
}

// Revoke は保存された認可情報を削除する。
// プロバイダー側の失効APIがある場合はベストエフォートで呼び出し、失敗してもログのみ残す。
func (a *Adapter) Revoke(ctx context.Context) error {
	if revoker, ok := a.endpoint.(remoteRevoker); ok {
		cred, err := a.store.FindByProvider(ctx, a.provider)
		if err != nil {
			return fmt.Errorf("failed to load %s credential: %w", a.provider, err)
		}
		if cred != nil {
			if err := revoker.revokeRemote(ctx, cred); err != nil {
				a.logger.Warn("remote token revocation failed",
					slog.String("provider", string(a.provider)),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if err := a.store.DeleteByProvider(ctx, a.provider); err != nil {
		return fmt.Errorf("failed to delete %s credential: %w", a.provider, err)
	}

	a.logger.Info("oauth credential revoked", slog.String("provider", string(a.provider)))
	return nil
}

// load はストアから認可情報を読み込む。未保存の場合は*model.NoCredentialErrorを返す。
func (a *Adapter) load(ctx context.Context) (*model.Credential, error) {
	cred, err := a.store.FindByProvider(ctx, a.provider)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s credential: %w", a.provider, err)
	}
	if cred == nil {
		return nil, &model.NoCredentialError{Provider: a.provider}
	}
	return cred, nil
}

// refresh はリフレッシュトークンでアクセストークンを更新し、保存する。
// 待機中に別の呼び出しが更新済みであれば、その認可情報をそのまま返す。
func (a *Adapter) refresh(ctx context.Context) (*model.Credential, error) {
	cred, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	if !cred.ExpiresWithin(a.now(), RefreshMargin) {
		return cred, nil
	}

	renewed, err := a.endpoint.refresh(ctx, cred)
	if err != nil {
		a.recordRefresh(false)
		a.logger.Error("oauth token refresh failed",
			slog.String("provider", string(a.provider)),
			slog.String("error", err.Error()),
		)
		return nil, &model.RefreshError{Provider: a.provider, Err: err}
	}

	renewed.Provider = a.provider
	renewed.UpdatedAt = a.now()
	if renewed.RefreshToken == "" {
		renewed.RefreshToken = cred.RefreshToken
	}
	if renewed.ExternalUserID == "" {
		renewed.ExternalUserID = cred.ExternalUserID
	}

	// 更新後の旧リフレッシュトークンは無効になるため、保存失敗も再認可が必要なものとして扱う
	if err := a.store.Upsert(ctx, renewed); err != nil {
		a.recordRefresh(false)
		return nil, &model.RefreshError{Provider: a.provider, Err: fmt.Errorf("failed to store refreshed credential: %w", err)}
	}

	a.recordRefresh(true)
	a.logger.Info("oauth token refreshed",
		slog.String("provider", string(a.provider)),
		slog.Time("expires_at", renewed.ExpiresAt),
	)
	return renewed, nil
}

func (a *Adapter) recordRefresh(success bool) {
	if a.metrics != nil {
		a.metrics.RecordTokenRefresh(string(a.provider), success)
	}
}

// Registry はプロバイダーごとのClientを保持する。
type Registry struct {
	clients map[model.Provider]Client
}

// NewRegistry は指定されたClientを登録したRegistryを生成する。
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[model.Provider]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Provider()] = c
	}
	return r
}

// Get はプロバイダーのClientを返す。未登録の場合はmodel.ErrUnknownProviderをラップして返す。
func (r *Registry) Get(provider model.Provider) (Client, error) {
	c, ok := r.clients[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownProvider, provider)
	}
	return c, nil
}

// Providers は登録済みのプロバイダーを名前順に返す。
func (r *Registry) Providers() []model.Provider {
	providers := make([]model.Provider, 0, len(r.clients))
	for p := range r.clients {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	return providers
}

// compile-time interface check
var _ Client = (*Adapter)(nil)
