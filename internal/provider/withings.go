package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/vitalsync/internal/model"
)

const (
	defaultWithingsMeasureURL = "https://wbsapi.withings.net/measure"

	// Withingsの測定タイプ
	withingsMeasTypeWeight   = 1
	withingsMeasTypeFatRatio = 6

	// withingsCategoryReal は実測値（目標値を除く）のカテゴリー。
	withingsCategoryReal = 1

	// DefaultRequestsPerSecond はWithings APIへの既定のリクエスト間隔（120 req/min の制限内）。
	DefaultRequestsPerSecond = 2.0

	// maxErrorBodyBytes はエラー時に保持するレスポンス本文の上限。
	maxErrorBodyBytes = 512
)

// WithingsFetcherConfig はWithingsFetcherの設定。
type WithingsFetcherConfig struct {
	// RequestsPerSecond はAPI呼び出しの上限。0以下の場合はDefaultRequestsPerSecond。
	RequestsPerSecond float64

	// テスト用にオーバーライド可能なURL
	MeasureURL string
}

// WithingsFetcher はWithings Measure APIから体重・体脂肪率を取得する。
type WithingsFetcher struct {
	tokens     TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	measureURL string
}

// NewWithingsFetcher はWithingsFetcherを生成する。
func NewWithingsFetcher(config WithingsFetcherConfig, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) *WithingsFetcher {
	if config.MeasureURL == "" {
		config.MeasureURL = defaultWithingsMeasureURL
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WithingsFetcher{
		tokens:     tokens,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
		logger:     logger,
		measureURL: config.MeasureURL,
	}
}

// Provider はmodel.ProviderWithingsを返す。
func (f *WithingsFetcher) Provider() model.Provider {
	return model.ProviderWithings
}

// withingsMeasureResponse はgetmeasのレスポンス。
type withingsMeasureResponse struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Body   struct {
		MeasureGroups []withingsMeasureGroup `json:"measuregrps"`
		More          int                    `json:"more"`
		Offset        int                    `json:"offset"`
	} `json:"body"`
}

type withingsMeasureGroup struct {
	GroupID  int64             `json:"grpid"`
	Date     int64             `json:"date"`
	Category int               `json:"category"`
	Measures []withingsMeasure `json:"measures"`
}

type withingsMeasure struct {
	Value int64 `json:"value"`
	Type  int   `json:"type"`
	Unit  int   `json:"unit"`
}

// Fetch は [start, end] の測定値を返す。
// レスポンスのmoreが0になるまでoffsetを進めてページを取得する。
func (f *WithingsFetcher) Fetch(ctx context.Context, start, end time.Time) iter.Seq2[model.Measurement, error] {
	return func(yield func(model.Measurement, error) bool) {
		token, err := f.tokens.ValidAccessToken(ctx)
		if err != nil {
			yield(model.Measurement{}, fmt.Errorf("failed to obtain withings access token: %w", err))
			return
		}

		offset := 0
		page := 0
		for {
			resp, err := f.fetchPage(ctx, token, start, end, offset)
			if err != nil {
				yield(model.Measurement{}, err)
				return
			}
			page++

			for _, grp := range resp.Body.MeasureGroups {
				m, ok := normalizeWithingsGroup(grp)
				if !ok {
					continue
				}
				if !yield(m, nil) {
					return
				}
			}

			if resp.Body.More == 0 {
				f.logger.Debug("withings fetch completed",
					slog.Int("pages", page),
					slog.Time("start", start),
					slog.Time("end", end),
				)
				return
			}
			offset = resp.Body.Offset
		}
	}
}

// fetchPage はgetmeasを1回呼び出す。
func (f *WithingsFetcher) fetchPage(ctx context.Context, token string, start, end time.Time, offset int) (*withingsMeasureResponse, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, &model.FetchError{Provider: model.ProviderWithings, Err: fmt.Errorf("rate limiter wait: %w", err)}
	}

	data := url.Values{
		"action":    {"getmeas"},
		"meastypes": {fmt.Sprintf("%d,%d", withingsMeasTypeWeight, withingsMeasTypeFatRatio)},
		"category":  {strconv.Itoa(withingsCategoryReal)},
		"startdate": {strconv.FormatInt(start.Unix(), 10)},
		"enddate":   {strconv.FormatInt(end.Unix(), 10)},
	}
	if offset > 0 {
		data.Set("offset", strconv.Itoa(offset))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.measureURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, &model.FetchError{Provider: model.ProviderWithings, Err: fmt.Errorf("failed to create measure request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		// 通信エラーは一時的なものとして扱う
		return nil, &model.FetchError{
			Provider:  model.ProviderWithings,
			Transient: ctx.Err() == nil,
			Err:       fmt.Errorf("measure request failed: %w", err),
		}
	}
	defer resp.Body.Close()

	if ClassifyHTTPStatus(resp.StatusCode) != FetchResultOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &model.FetchError{
			Provider:   model.ProviderWithings,
			StatusCode: resp.StatusCode,
			Transient:  ClassifyHTTPStatus(resp.StatusCode) == FetchResultBackoff,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))),
		}
	}

	var measureResp withingsMeasureResponse
	if err := json.NewDecoder(resp.Body).Decode(&measureResp); err != nil {
		return nil, &model.FetchError{
			Provider:   model.ProviderWithings,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to parse measure response: %w", err),
		}
	}

	if result := ClassifyWithingsStatus(measureResp.Status); result != FetchResultOK {
		f.logger.Warn("withings api returned error status",
			slog.Int("withings_status", measureResp.Status),
			slog.String("error", measureResp.Error),
		)
		return nil, &model.FetchError{
			Provider:   model.ProviderWithings,
			StatusCode: resp.StatusCode,
			Transient:  result == FetchResultBackoff,
			Err:        fmt.Errorf("withings status %d: %s", measureResp.Status, measureResp.Error),
		}
	}

	return &measureResp, nil
}

// normalizeWithingsGroup は測定グループを測定値に変換する。
// 体重を含まないグループはfalseを返す。
func normalizeWithingsGroup(grp withingsMeasureGroup) (model.Measurement, bool) {
	var (
		weightKg  float64
		hasWeight bool
		fatPct    *float64
	)
	for _, ms := range grp.Measures {
		v := float64(ms.Value) * math.Pow10(ms.Unit)
		switch ms.Type {
		case withingsMeasTypeWeight:
			weightKg = v
			hasWeight = true
		case withingsMeasTypeFatRatio:
			pct := math.Round(v*100) / 100
			fatPct = &pct
		}
	}
	if !hasWeight || weightKg <= 0 {
		return model.Measurement{}, false
	}

	return model.Measurement{
		Timestamp:  time.Unix(grp.Date, 0).UTC(),
		Weight:     model.KilogramsToPounds(weightKg),
		BodyFatPct: fatPct,
		Source:     model.SourceWithings,
	}, true
}
