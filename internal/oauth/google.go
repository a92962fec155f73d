package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/hitoshi/vitalsync/internal/model"
)

const (
	defaultGoogleAuthURL   = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL  = "https://oauth2.googleapis.com/token"
	defaultGoogleRevokeURL = "https://oauth2.googleapis.com/revoke"

	googleCalendarScope = "https://www.googleapis.com/auth/calendar.readonly"
)

// GoogleConfig はGoogle OAuth（カレンダー連携）の設定。
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL   string
	TokenURL  string
	RevokeURL string
}

// googleEndpoint は標準的なOAuth2フローをgolang.org/x/oauth2で扱う。
type googleEndpoint struct {
	oauthConfig *oauth2.Config
	revokeURL   string
	httpClient  *http.Client
}

// NewGoogleClient はGoogle用のClientを生成する。
func NewGoogleClient(config GoogleConfig, deps Deps) *Adapter {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.RevokeURL == "" {
		config.RevokeURL = defaultGoogleRevokeURL
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	endpoint := &googleEndpoint{
		oauthConfig: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       []string{googleCalendarScope},
			Endpoint: oauth2.Endpoint{
				AuthURL:   config.AuthURL,
				TokenURL:  config.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		revokeURL:  config.RevokeURL,
		httpClient: httpClient,
	}
	return newAdapter(model.ProviderGoogle, endpoint, deps)
}

// authorizationURL はリフレッシュトークンを確実に得るため、オフラインアクセスと再同意を要求する。
func (e *googleEndpoint) authorizationURL(state string) string {
	return e.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (e *googleEndpoint) exchange(ctx context.Context, code string) (*model.Credential, error) {
	token, err := e.oauthConfig.Exchange(e.withHTTPClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	return credentialFromToken(token), nil
}

func (e *googleEndpoint) refresh(ctx context.Context, cred *model.Credential) (*model.Credential, error) {
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token stored")
	}
	// アクセストークンを空にしてTokenSourceに更新を強制させる
	source := e.oauthConfig.TokenSource(e.withHTTPClient(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return credentialFromToken(token), nil
}

func (e *googleEndpoint) revokeRemote(ctx context.Context, cred *model.Credential) error {
	token := cred.RefreshToken
	if token == "" {
		token = cred.AccessToken
	}
	data := url.Values{"token": {token}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.revokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("revoke failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (e *googleEndpoint) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
}

func credentialFromToken(token *oauth2.Token) *model.Credential {
	cred := &model.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if scope, ok := token.Extra("scope").(string); ok {
		cred.Scope = scope
	}
	return cred
}
