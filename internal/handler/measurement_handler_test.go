package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/vitalsync/internal/ingest"
	"github.com/hitoshi/vitalsync/internal/model"
)

func postMeasurements(h *MeasurementHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/measurements", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.Ingest(w, req)
	return w
}

func TestMeasurementHandler_Ingest_Success(t *testing.T) {
	var got []model.Measurement
	h := NewMeasurementHandler(&mockIngester{
		ingestFn: func(ctx context.Context, ms []model.Measurement) (ingest.Result, error) {
			got = ms
			return ingest.Result{Received: len(ms), Inserted: 1}, nil
		},
	})

	w := postMeasurements(h, `{"measurements":[
		{"timestamp":"2024-01-15T07:00:00Z","weight":180.2,"bodyFatPct":22.1,"source":"apple_health"},
		{"timestamp":"2024-01-15T08:00:00Z","weight":80,"source":"manual","unit":"kg"}
	]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var body ingestResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body != (ingestResponse{Success: true, Received: 2, Inserted: 1}) {
		t.Errorf("body = %+v", body)
	}

	if len(got) != 2 {
		t.Fatalf("len(measurements) = %d, want 2", len(got))
	}
	if got[0].Source != model.SourceAppleHealth || got[0].Weight != 180.2 {
		t.Errorf("measurements[0] = %+v", got[0])
	}
	if got[0].BodyFatPct == nil || *got[0].BodyFatPct != 22.1 {
		t.Errorf("measurements[0].BodyFatPct = %v, want 22.1", got[0].BodyFatPct)
	}
	if got[1].Weight != model.KilogramsToPounds(80) {
		t.Errorf("measurements[1].Weight = %v, want %v", got[1].Weight, model.KilogramsToPounds(80))
	}
	if got[1].BodyFatPct != nil {
		t.Errorf("measurements[1].BodyFatPct = %v, want nil", *got[1].BodyFatPct)
	}
}

func TestMeasurementHandler_Ingest_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"measurements":[`},
		{name: "unknown field", body: `{"measurements":[],"extra":1}`},
		{name: "unsupported unit", body: `{"measurements":[{"timestamp":"2024-01-15T07:00:00Z","weight":80,"source":"manual","unit":"stone"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := NewMeasurementHandler(&mockIngester{
				ingestFn: func(ctx context.Context, ms []model.Measurement) (ingest.Result, error) {
					called = true
					return ingest.Result{}, nil
				},
			})

			w := postMeasurements(h, tt.body)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if called {
				t.Error("ingester should not be called")
			}
		})
	}
}

func TestMeasurementHandler_Ingest_ValidationError(t *testing.T) {
	h := NewMeasurementHandler(&mockIngester{
		ingestFn: func(ctx context.Context, ms []model.Measurement) (ingest.Result, error) {
			return ingest.Result{Received: len(ms)}, fmt.Errorf("%w: item 0: source withings is not accepted", ingest.ErrInvalidMeasurement)
		},
	})

	w := postMeasurements(h, `{"measurements":[{"timestamp":"2024-01-15T07:00:00Z","weight":180,"source":"withings"}]}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if !strings.Contains(w.Body.String(), "invalid measurement") {
		t.Errorf("body = %s, want validation message", w.Body.String())
	}
}

func TestMeasurementHandler_Ingest_StoreError(t *testing.T) {
	h := NewMeasurementHandler(&mockIngester{
		ingestFn: func(ctx context.Context, ms []model.Measurement) (ingest.Result, error) {
			return ingest.Result{}, fmt.Errorf("insert measurement: connection refused")
		},
	})

	w := postMeasurements(h, `{"measurements":[{"timestamp":"2024-01-15T07:00:00Z","weight":180,"source":"manual"}]}`)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Error("internal error detail leaked to response")
	}
}

func TestToPounds(t *testing.T) {
	tests := []struct {
		unit    string
		in      float64
		want    float64
		wantErr bool
	}{
		{unit: "", in: 180, want: 180},
		{unit: "lb", in: 180, want: 180},
		{unit: "LBS", in: 180, want: 180},
		{unit: "kg", in: 100, want: model.KilogramsToPounds(100)},
		{unit: "g", in: 100, wantErr: true},
	}

	for _, tt := range tests {
		got, err := toPounds(tt.in, tt.unit)
		if (err != nil) != tt.wantErr {
			t.Errorf("toPounds(%v, %q) error = %v, wantErr %v", tt.in, tt.unit, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("toPounds(%v, %q) = %v, want %v", tt.in, tt.unit, got, tt.want)
		}
	}
}
