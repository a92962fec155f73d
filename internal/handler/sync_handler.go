package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/vitalsync/internal/middleware"
	"github.com/hitoshi/vitalsync/internal/model"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

// SyncRunner は同期を1回実行する。syncrun.Orchestratorが満たす。
type SyncRunner interface {
	Run(ctx context.Context, p model.Provider) (*model.SyncSummary, error)
}

// SyncRunLister は同期実行ログを新しい順に返す。
type SyncRunLister interface {
	ListRecent(ctx context.Context, p model.Provider, limit int) ([]*model.SyncRun, error)
}

// SyncHandler は同期トリガーと同期履歴のHTTPハンドラー。
type SyncHandler struct {
	runner SyncRunner
	runs   SyncRunLister
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(runner SyncRunner, runs SyncRunLister) *SyncHandler {
	return &SyncHandler{runner: runner, runs: runs}
}

// syncResponse は同期成功時のレスポンス。
type syncResponse struct {
	Success           bool `json:"success"`
	TotalMeasurements int  `json:"totalMeasurements"`
	NewRecords        int  `json:"newRecords"`
	DuplicatesRemoved int  `json:"duplicatesRemoved"`
}

// Sync はプロバイダーの同期を実行する。
// POST /api/sync/{provider}
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	p, ok := model.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		middleware.WriteJSONError(w, http.StatusNotFound, "unknown provider")
		return
	}

	summary, err := h.runner.Run(r.Context(), p)
	if err != nil {
		if errors.Is(err, model.ErrUnknownProvider) || errors.Is(err, model.ErrSyncUnsupported) {
			middleware.WriteJSONError(w, http.StatusNotFound, "provider does not support sync")
			return
		}
		// 詳細はログと同期ログにのみ残す
		slog.Error("sync request failed",
			slog.String("provider", string(p)),
			slog.String("error", err.Error()),
		)
		middleware.WriteJSONError(w, http.StatusInternalServerError, "sync failed")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, syncResponse{
		Success:           true,
		TotalMeasurements: summary.MeasurementsSeen,
		NewRecords:        summary.Inserted,
		DuplicatesRemoved: summary.DuplicatesRemoved,
	})
}

// syncRunResponse は同期実行ログ1件のレスポンス。
type syncRunResponse struct {
	ID              string    `json:"id"`
	Provider        string    `json:"provider"`
	Status          string    `json:"status"`
	RecordsAffected int       `json:"recordsAffected"`
	Detail          string    `json:"detail,omitempty"`
	RunAt           time.Time `json:"runAt"`
}

// ListRuns はプロバイダーの同期実行ログを新しい順に返す。
// GET /api/sync/{provider}/runs?limit=20
func (h *SyncHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	p, ok := model.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		middleware.WriteJSONError(w, http.StatusNotFound, "unknown provider")
		return
	}

	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			middleware.WriteJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := h.runs.ListRecent(r.Context(), p, limit)
	if err != nil {
		slog.Error("failed to list sync runs",
			slog.String("provider", string(p)),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	resp := make([]syncRunResponse, len(runs))
	for i, run := range runs {
		resp[i] = syncRunResponse{
			ID:              run.ID,
			Provider:        string(run.Provider),
			Status:          string(run.Status),
			RecordsAffected: run.RecordsAffected,
			Detail:          run.Detail,
			RunAt:           run.RunAt,
		}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]any{"runs": resp})
}
