// Package provider は外部プロバイダーAPIからの測定値取得を提供する。
package provider

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/hitoshi/vitalsync/internal/model"
)

// Fetcher はプロバイダーから期間内の測定値を取得するインターフェース。
type Fetcher interface {
	// Provider は取得元のプロバイダーを返す。
	Provider() model.Provider

	// Fetch は [start, end] の測定値を遅延評価のシーケンスとして返す。
	// シーケンスは有限で、再開はできない。失敗時は最後にエラーを1件返して終了する。
	Fetch(ctx context.Context, start, end time.Time) iter.Seq2[model.Measurement, error]
}

// TokenSource は有効なアクセストークンを返す。oauth.Clientが満たす。
type TokenSource interface {
	ValidAccessToken(ctx context.Context) (string, error)
}

// Registry はプロバイダーごとのFetcherを保持する。
type Registry struct {
	fetchers map[model.Provider]Fetcher
}

// NewRegistry は指定されたFetcherを登録したRegistryを生成する。
func NewRegistry(fetchers ...Fetcher) *Registry {
	r := &Registry{fetchers: make(map[model.Provider]Fetcher, len(fetchers))}
	for _, f := range fetchers {
		r.fetchers[f.Provider()] = f
	}
	return r
}

// Get はプロバイダーのFetcherを返す。
// 既知のプロバイダーで測定値を持たない場合はmodel.ErrSyncUnsupported、
// 未知のプロバイダーはmodel.ErrUnknownProviderをラップして返す。
func (r *Registry) Get(provider model.Provider) (Fetcher, error) {
	if f, ok := r.fetchers[provider]; ok {
		return f, nil
	}
	if _, known := model.ParseProvider(string(provider)); known {
		return nil, fmt.Errorf("%w: %s", model.ErrSyncUnsupported, provider)
	}
	return nil, fmt.Errorf("%w: %s", model.ErrUnknownProvider, provider)
}

// Collect はシーケンスを最後まで読み出し、測定値をスライスにまとめる。
// エラーが返された時点で読み出しを止め、それまでの測定値とエラーを返す。
func Collect(seq iter.Seq2[model.Measurement, error]) ([]model.Measurement, error) {
	var out []model.Measurement
	for m, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}
