package model

import "time"

// Provider は外部OAuthプロバイダーを表す。
type Provider string

const (
	// ProviderWithings は体重計プロバイダー。
	ProviderWithings Provider = "withings"
	// ProviderGoogle はカレンダープロバイダー（Google Calendar）。
	ProviderGoogle Provider = "google"
)

// ParseProvider はURLパスなどの文字列からProviderを解析する。
func ParseProvider(s string) (Provider, bool) {
	switch Provider(s) {
	case ProviderWithings, ProviderGoogle:
		return Provider(s), true
	default:
		return "", false
	}
}

// Credential はプロバイダー1件分のOAuth認可情報を表す。
// プロバイダーごとに有効な行は最大1件で、再認可時は上書きされる。
type Credential struct {
	Provider       Provider
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	Scope          string
	ExternalUserID string // Withingsのuserid。Googleでは空
	UpdatedAt      time.Time
}

// ExpiresWithin はアクセストークンがnowからmargin以内に失効するかを返す。
// 既に失効している場合もtrueを返す。
func (c *Credential) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(c.ExpiresAt)
}
