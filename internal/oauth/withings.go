package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/vitalsync/internal/model"
)

const (
	defaultWithingsAuthURL  = "https://account.withings.com/oauth2_user/authorize2"
	defaultWithingsTokenURL = "https://wbsapi.withings.net/v2/oauth2"

	// withingsScope は体重・体組成の読み取りに必要なスコープ。
	withingsScope = "user.metrics"
)

// WithingsConfig はWithings OAuthの設定。
type WithingsConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string
}

// withingsEndpoint はWithings固有のトークンプロトコルを扱う。
// Withingsは標準のOAuth2レスポンスではなく {status, body} のエンベロープで応答し、
// エラー時もHTTP 200を返すためstatusフィールドで判定する。
type withingsEndpoint struct {
	config     WithingsConfig
	httpClient *http.Client
	now        func() time.Time
}

// NewWithingsClient はWithings用のClientを生成する。
func NewWithingsClient(config WithingsConfig, deps Deps) *Adapter {
	if config.AuthURL == "" {
		config.AuthURL = defaultWithingsAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultWithingsTokenURL
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	endpoint := &withingsEndpoint{config: config, httpClient: httpClient, now: now}
	return newAdapter(model.ProviderWithings, endpoint, deps)
}

func (e *withingsEndpoint) authorizationURL(state string) string {
	params := url.Values{
		"response_type": {"code"},
		"client_id":     {e.config.ClientID},
		"redirect_uri":  {e.config.RedirectURL},
		"scope":         {withingsScope},
		"state":         {state},
	}
	return e.config.AuthURL + "?" + params.Encode()
}

// withingsTokenResponse はWithingsのトークンエンドポイントのレスポンス。
type withingsTokenResponse struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Body   struct {
		UserID       withingsUserID `json:"userid"`
		AccessToken  string         `json:"access_token"`
		RefreshToken string         `json:"refresh_token"`
		ExpiresIn    int            `json:"expires_in"`
		Scope        string         `json:"scope"`
		TokenType    string         `json:"token_type"`
	} `json:"body"`
}

// withingsUserID はuseridが数値・文字列のどちらで返っても受け付ける。
type withingsUserID string

func (id *withingsUserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = withingsUserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid userid: %w", err)
	}
	*id = withingsUserID(n.String())
	return nil
}

func (e *withingsEndpoint) exchange(ctx context.Context, code string) (*model.Credential, error) {
	return e.requestToken(ctx, url.Values{
		"action":        {"requesttoken"},
		"grant_type":    {"authorization_code"},
		"client_id":     {e.config.ClientID},
		"client_secret": {e.config.ClientSecret},
		"code":          {code},
		"redirect_uri":  {e.config.RedirectURL},
	})
}

func (e *withingsEndpoint) refresh(ctx context.Context, cred *model.Credential) (*model.Credential, error) {
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token stored")
	}
	return e.requestToken(ctx, url.Values{
		"action":        {"requesttoken"},
		"grant_type":    {"refresh_token"},
		"client_id":     {e.config.ClientID},
		"client_secret": {e.config.ClientSecret},
		"refresh_token": {cred.RefreshToken},
	})
}

// requestToken はトークンエンドポイントにPOSTし、レスポンスを認可情報に変換する。
func (e *withingsEndpoint) requestToken(ctx context.Context, data url.Values) (*model.Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp withingsTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.Status != 0 {
		return nil, fmt.Errorf("token request rejected with withings status %d: %s", tokenResp.Status, tokenResp.Error)
	}
	if tokenResp.Body.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	return &model.Credential{
		AccessToken:    tokenResp.Body.AccessToken,
		RefreshToken:   tokenResp.Body.RefreshToken,
		ExpiresAt:      e.now().Add(time.Duration(tokenResp.Body.ExpiresIn) * time.Second),
		Scope:          tokenResp.Body.Scope,
		ExternalUserID: string(tokenResp.Body.UserID),
	}, nil
}
