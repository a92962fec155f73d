package handler

import (
	"context"
	"sort"

	"github.com/hitoshi/vitalsync/internal/ingest"
	"github.com/hitoshi/vitalsync/internal/model"
	"github.com/hitoshi/vitalsync/internal/oauth"
)

// --- OAuthクライアントのモック ---

type mockOAuthClient struct {
	provider       model.Provider
	exchangeCodeFn func(ctx context.Context, code string) (*model.Credential, error)
	revokeFn       func(ctx context.Context) error
}

func (m *mockOAuthClient) Provider() model.Provider { return m.provider }

func (m *mockOAuthClient) AuthorizationURL(state string) string {
	return "https://provider.example.com/authorize?state=" + state
}

func (m *mockOAuthClient) ExchangeCode(ctx context.Context, code string) (*model.Credential, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return &model.Credential{Provider: m.provider, AccessToken: "access"}, nil
}

func (m *mockOAuthClient) ValidAccessToken(ctx context.Context) (string, error) {
	return "access", nil
}

func (m *mockOAuthClient) Revoke(ctx context.Context) error {
	if m.revokeFn != nil {
		return m.revokeFn(ctx)
	}
	return nil
}

type mockClientLookup struct {
	clients map[model.Provider]oauth.Client
}

func newMockClientLookup(clients ...*mockOAuthClient) *mockClientLookup {
	l := &mockClientLookup{clients: make(map[model.Provider]oauth.Client)}
	for _, c := range clients {
		l.clients[c.provider] = c
	}
	return l
}

func (m *mockClientLookup) Get(p model.Provider) (oauth.Client, error) {
	c, ok := m.clients[p]
	if !ok {
		return nil, model.ErrUnknownProvider
	}
	return c, nil
}

func (m *mockClientLookup) Providers() []model.Provider {
	ps := make([]model.Provider, 0, len(m.clients))
	for p := range m.clients {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
	return ps
}

type mockCredentialLister struct {
	listFn func(ctx context.Context) ([]*model.Credential, error)
}

func (m *mockCredentialLister) List(ctx context.Context) ([]*model.Credential, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

// --- 同期のモック ---

type mockSyncRunner struct {
	runFn func(ctx context.Context, p model.Provider) (*model.SyncSummary, error)
}

func (m *mockSyncRunner) Run(ctx context.Context, p model.Provider) (*model.SyncSummary, error) {
	if m.runFn != nil {
		return m.runFn(ctx, p)
	}
	return &model.SyncSummary{}, nil
}

type mockSyncRunLister struct {
	listRecentFn func(ctx context.Context, p model.Provider, limit int) ([]*model.SyncRun, error)
}

func (m *mockSyncRunLister) ListRecent(ctx context.Context, p model.Provider, limit int) ([]*model.SyncRun, error) {
	if m.listRecentFn != nil {
		return m.listRecentFn(ctx, p, limit)
	}
	return nil, nil
}

// --- 測定値受信のモック ---

type mockIngester struct {
	ingestFn func(ctx context.Context, ms []model.Measurement) (ingest.Result, error)
}

func (m *mockIngester) Ingest(ctx context.Context, ms []model.Measurement) (ingest.Result, error) {
	if m.ingestFn != nil {
		return m.ingestFn(ctx, ms)
	}
	return ingest.Result{Received: len(ms), Inserted: len(ms)}, nil
}

// --- ヘルスチェックのモック ---

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error { return m.err }
