package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/timmy/platecal/internal/config"
	"github.com/timmy/platecal/internal/domain"
	"github.com/timmy/platecal/internal/imaging"
	"github.com/timmy/platecal/internal/repository"
	"github.com/timmy/platecal/internal/service"
	"github.com/timmy/platecal/internal/vision"
)

type stubAnalyzer struct {
	err error
}

func (s *stubAnalyzer) Analyze(context.Context, []byte) (*domain.NutritionEstimate, error) {
	if s.err != nil {
		return nil, s.err
	}
	return domain.NewNutritionEstimate(domain.Nutrients{
		FoodName:    "Apple",
		Calories:    95,
		Protein:     0.5,
		Carbs:       25,
		Fat:         0.3,
		Ingredients: []string{"apple"},
	}), nil
}

func (s *stubAnalyzer) Model() string { return "gpt-4o" }

type stubReachability struct{}

func (stubReachability) Reachable() bool { return true }
func (stubReachability) Target() string  { return "api.openai.com:443" }

func newTestRouter(t *testing.T, analyzer service.Analyzer) http.Handler {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         ":memory:",
		MaxOpenConns: 1,
		AutoMigrate:  true,
	})
	if err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	meals := service.NewMealService(
		repository.NewFoodRecordRepository(db),
		analyzer,
		imaging.NewCompressor(64, 70),
		nil,
		nil,
		nil,
		&service.MealConfig{Location: time.UTC},
	)
	return SetupRouter(Dependencies{
		Meals:        meals,
		Reachability: stubReachability{},
		Model:        analyzer.Model(),
	}, &config.ServerConfig{
		Mode:           "test",
		MaxUploadBytes: 1 << 20,
		RequestTimeout: time.Minute,
		CORS:           config.CORSConfig{AllowAllOrigins: true},
	})
}

func pngPhoto(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for i := 0; i < 20; i++ {
		img.Set(i, i, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t, &stubAnalyzer{})
	w := do(t, r, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]interface{}
	decode(t, w, &body)
	if body["status"] != "ok" || body["vision_reachable"] != true || body["model"] != "gpt-4o" {
		t.Errorf("body = %v", body)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	r := newTestRouter(t, &stubAnalyzer{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := do(t, r, req)
	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q", got)
	}
}

func TestAnalyzeMultipartAndSave(t *testing.T) {
	r := newTestRouter(t, &stubAnalyzer{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "apple.png")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	part.Write(pngPhoto(t))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze?save=true", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := do(t, r, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var result service.AnalysisResult
	decode(t, w, &result)
	if result.Record == nil || result.Record.FoodName != "Apple" || result.Record.Source != domain.RecordSourceVision {
		t.Fatalf("result = %+v", result)
	}

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/records/"+result.Record.ID+"/image", nil))
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("image: status = %d, content type = %q", w.Code, w.Header().Get("Content-Type"))
	}
}

func TestAnalyzeRawBodyWithoutSave(t *testing.T) {
	r := newTestRouter(t, &stubAnalyzer{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", bytes.NewReader(pngPhoto(t)))
	req.Header.Set("Content-Type", "image/png")
	w := do(t, r, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var result service.AnalysisResult
	decode(t, w, &result)
	if result.Record != nil || result.Estimate == nil || result.Estimate.Calories != 95 {
		t.Errorf("result = %+v", result)
	}
}

func TestAnalyzeErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		contentType string
		body        []byte
		query       string
		wantStatus  int
	}{
		{"no image", nil, "application/json", []byte(`{}`), "", http.StatusBadRequest},
		{"bad save flag", nil, "image/png", nil, "?save=maybe", http.StatusBadRequest},
		{"not an image", nil, "image/png", []byte("garbage"), "", http.StatusBadRequest},
		{"too large", nil, "image/png", bytes.Repeat([]byte{1}, 2<<20), "", http.StatusRequestEntityTooLarge},
		{"offline", &vision.Error{Kind: vision.KindNetworkUnavailable}, "image/png", nil, "", http.StatusServiceUnavailable},
		{"bad key", &vision.Error{Kind: vision.KindAuthenticationFailed, StatusCode: 401}, "image/png", nil, "", http.StatusBadGateway},
		{"remote failure", &vision.Error{Kind: vision.KindRemoteRequestFailed, StatusCode: 500}, "image/png", nil, "", http.StatusBadGateway},
		{"bad payload", &vision.Error{Kind: vision.KindDecode}, "image/png", nil, "", http.StatusBadGateway},
		{"transport", &vision.Error{Kind: vision.KindTransport}, "image/png", nil, "", http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(t, &stubAnalyzer{err: tt.err})
			body := tt.body
			if body == nil {
				body = pngPhoto(t)
			}
			req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze"+tt.query, bytes.NewReader(body))
			req.Header.Set("Content-Type", tt.contentType)
			w := do(t, r, req)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.err != nil {
				var resp map[string]interface{}
				decode(t, w, &resp)
				if resp["kind"] != string(tt.err.(*vision.Error).Kind) {
					t.Errorf("kind = %v", resp["kind"])
				}
			}
		})
	}
}

func TestRecordLifecycle(t *testing.T) {
	r := newTestRouter(t, &stubAnalyzer{})

	w := do(t, r, jsonRequest(http.MethodPost, "/api/v1/records", `{"food_name":"Toast","calories":120,"carbs":20}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", w.Code, w.Body.String())
	}
	var rec domain.FoodRecord
	decode(t, w, &rec)
	if rec.Source != domain.RecordSourceManual {
		t.Errorf("source = %q", rec.Source)
	}

	w = do(t, r, jsonRequest(http.MethodPost, "/api/v1/records", `{"food_name":"","calories":1}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid create: status = %d", w.Code)
	}

	w = do(t, r, jsonRequest(http.MethodPut, "/api/v1/records/"+rec.ID, `{"food_name":"Butter toast","calories":180,"fat":8}`))
	if w.Code != http.StatusOK {
		t.Fatalf("update: status = %d, body = %s", w.Code, w.Body.String())
	}
	var updated domain.FoodRecord
	decode(t, w, &updated)
	if updated.ID != rec.ID || updated.Calories != 180 {
		t.Errorf("updated = %+v", updated)
	}

	today := time.Now().UTC().Format("2006-01-02")
	w = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/records?date="+today, nil))
	var day domain.DayLog
	decode(t, w, &day)
	if w.Code != http.StatusOK || len(day.Records) != 1 || day.Totals.Calories != 180 {
		t.Errorf("day log: status = %d, %+v", w.Code, day)
	}

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/summary?date="+today, nil))
	var summary service.DailySummary
	decode(t, w, &summary)
	if summary.Date != today || summary.Totals.Count != 1 || summary.Totals.Fat != 8 {
		t.Errorf("summary = %+v", summary)
	}

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/history", nil))
	var history struct {
		Days []domain.DayLog `json:"days"`
	}
	decode(t, w, &history)
	if len(history.Days) != 1 || history.Days[0].Date != today {
		t.Errorf("history = %+v", history)
	}

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/records/"+rec.ID+"/image", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("manual record image: status = %d", w.Code)
	}

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/records/"+rec.ID+"/similar", nil))
	if w.Code != http.StatusNotImplemented {
		t.Errorf("similar without index: status = %d", w.Code)
	}

	w = do(t, r, httptest.NewRequest(http.MethodDelete, "/api/v1/records/"+rec.ID, nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d", w.Code)
	}
	w = do(t, r, httptest.NewRequest(http.MethodGet, "/api/v1/records/"+rec.ID, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d", w.Code)
	}
}

func TestQueryValidation(t *testing.T) {
	r := newTestRouter(t, &stubAnalyzer{})
	for _, path := range []string{
		"/api/v1/records?date=yesterday",
		"/api/v1/summary?date=2024-13-01",
		"/api/v1/history?from=2024-03-10&to=2024-03-01",
		"/api/v1/records/x/similar?top_k=0",
	} {
		if w := do(t, r, httptest.NewRequest(http.MethodGet, path, nil)); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, w.Code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(t, &stubAnalyzer{})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/records", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := do(t, r, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Allow-Origin = %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}
