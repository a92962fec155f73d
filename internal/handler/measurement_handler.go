package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/vitalsync/internal/ingest"
	"github.com/hitoshi/vitalsync/internal/middleware"
	"github.com/hitoshi/vitalsync/internal/model"
)

// maxIngestBodyBytes は測定値受信リクエストの本文サイズ上限。
const maxIngestBodyBytes = 1 << 20

// MeasurementIngester は受信した測定値を保存する。ingest.Serviceが満たす。
type MeasurementIngester interface {
	Ingest(ctx context.Context, ms []model.Measurement) (ingest.Result, error)
}

// MeasurementHandler は測定値受信のHTTPハンドラー。
type MeasurementHandler struct {
	ingester MeasurementIngester
}

// NewMeasurementHandler はMeasurementHandlerを生成する。
func NewMeasurementHandler(ingester MeasurementIngester) *MeasurementHandler {
	return &MeasurementHandler{ingester: ingester}
}

// measurementRequest は受信する測定値1件。
type measurementRequest struct {
	Timestamp  time.Time `json:"timestamp"`
	Weight     float64   `json:"weight"`
	BodyFatPct *float64  `json:"bodyFatPct"`
	Source     string    `json:"source"`
	Unit       string    `json:"unit"` // "lb"（既定）または "kg"
}

type ingestRequest struct {
	Measurements []measurementRequest `json:"measurements"`
}

type ingestResponse struct {
	Success  bool `json:"success"`
	Received int  `json:"received"`
	Inserted int  `json:"inserted"`
}

// Ingest はヘルスデータ連携や手入力から送られた測定値を保存する。
// POST /api/measurements
func (h *MeasurementHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodyBytes)

	var req ingestRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		middleware.WriteJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ms := make([]model.Measurement, len(req.Measurements))
	for i, m := range req.Measurements {
		weight, err := toPounds(m.Weight, m.Unit)
		if err != nil {
			middleware.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("item %d: %v", i, err))
			return
		}
		ms[i] = model.Measurement{
			Timestamp:  m.Timestamp,
			Weight:     weight,
			BodyFatPct: m.BodyFatPct,
			Source:     model.Source(m.Source),
		}
	}

	result, err := h.ingester.Ingest(r.Context(), ms)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidMeasurement) {
			middleware.WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("failed to ingest measurements", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, ingestResponse{
		Success:  true,
		Received: result.Received,
		Inserted: result.Inserted,
	})
}

// toPounds は単位に応じて重量をポンドに換算する。
func toPounds(weight float64, unit string) (float64, error) {
	switch strings.ToLower(unit) {
	case "", "lb", "lbs":
		return weight, nil
	case "kg":
		return model.KilogramsToPounds(weight), nil
	default:
		return 0, fmt.Errorf("unsupported unit %q", unit)
	}
}
