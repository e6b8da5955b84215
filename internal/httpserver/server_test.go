package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/radiusdt/channel-roi/internal/app"
	"github.com/radiusdt/channel-roi/internal/attribution"
	"github.com/radiusdt/channel-roi/internal/config"
	"github.com/radiusdt/channel-roi/internal/metrics"
	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestApp(t *testing.T, mutate func(*config.Config)) (*app.App, http.Handler) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Auth.Enabled = false
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	a := app.Build(cfg, zap.NewNop(), metrics.NewMetrics("test", nil), app.MemoryStores(), nil)
	return a, a.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func drainJobs(t *testing.T, a *app.App) {
	t.Helper()
	for {
		found, err := a.Worker.ProcessNext(context.Background())
		if err != nil {
			t.Fatalf("ProcessNext error: %v", err)
		}
		if !found {
			return
		}
	}
}

func TestHealth(t *testing.T) {
	_, h := newTestApp(t, nil)
	rec := do(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
}

func TestImportRecomputeAndReport(t *testing.T) {
	a, h := newTestApp(t, nil)
	today := models.FormatDate(time.Now())

	rec := do(t, h, http.MethodPost, "/channels", map[string]string{"name": "facebook"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create channel: %d %s", rec.Code, rec.Body.String())
	}
	var ch models.Channel
	decodeBody(t, rec, &ch)

	if rec := do(t, h, http.MethodPut, "/exchange-rates/default", map[string]string{"rate": "10"}); rec.Code != http.StatusOK {
		t.Fatalf("set default rate: %d %s", rec.Code, rec.Body.String())
	}
	path := fmt.Sprintf("/expenses/%s/%d", today, ch.ID)
	if rec := do(t, h, http.MethodPut, path, map[string]string{"amount": "100"}); rec.Code != http.StatusOK {
		t.Fatalf("set expense: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/transactions/import", map[string]any{
		"insert_date": today,
		"rows": []map[string]any{{
			"channel_name":      "Facebook",
			"member_id":         "m1",
			"registration_time": time.Now().UTC().Format(time.RFC3339),
			"balance_delta":     "500",
		}},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("import: %d %s", rec.Code, rec.Body.String())
	}
	var job struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &job)
	drainJobs(t, a)

	rec = do(t, h, http.MethodGet, "/jobs/"+job.ID, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"succeeded"`) {
		t.Fatalf("job status: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, fmt.Sprintf("/roi/horizon?date=%s&channel_id=%d&day_count=1", today, ch.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("horizon: %d %s", rec.Code, rec.Body.String())
	}
	var res attribution.HorizonResult
	decodeBody(t, rec, &res)
	if res.Record == nil || !res.Record.RoiPercentage.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("horizon result = %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, fmt.Sprintf("/reports/dashboard?from=%s&to=%s&channel_id=%d", today, today, ch.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard: %d %s", rec.Code, rec.Body.String())
	}
	var report attribution.Report
	decodeBody(t, rec, &report)
	if len(report.Rows) != 1 || report.Rows[0].Registrations != 1 || report.Summary.Days != 1 {
		t.Fatalf("dashboard report = %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, fmt.Sprintf("/roi?from=%s&to=%s", today, today), nil)
	var rows []models.RoiCalculation
	decodeBody(t, rec, &rows)
	if len(rows) != 1 {
		t.Fatalf("expected one stored roi row, got %s", rec.Body.String())
	}
}

func TestRecomputeGuardOverHTTP(t *testing.T) {
	_, h := newTestApp(t, nil)
	today := models.FormatDate(time.Now())
	body := map[string]any{"from": today, "to": today}

	first := do(t, h, http.MethodPost, "/roi/recompute", body)
	second := do(t, h, http.MethodPost, "/roi/recompute", body)
	forced := do(t, h, http.MethodPost, "/roi/recompute?force=true", body)

	for _, c := range []struct {
		rec     *httptest.ResponseRecorder
		skipped bool
	}{{first, false}, {second, true}, {forced, false}} {
		if c.rec.Code != http.StatusOK {
			t.Fatalf("recompute: %d %s", c.rec.Code, c.rec.Body.String())
		}
		var res attribution.RefreshResult
		decodeBody(t, c.rec, &res)
		if res.Skipped != c.skipped {
			t.Fatalf("skipped = %v, want %v", res.Skipped, c.skipped)
		}
	}

	async := do(t, h, http.MethodPost, "/roi/recompute", map[string]any{"from": today, "to": today, "async": true, "force": true})
	if async.Code != http.StatusAccepted {
		t.Fatalf("async recompute: %d %s", async.Code, async.Body.String())
	}
}

func TestErrorMapping(t *testing.T) {
	_, h := newTestApp(t, nil)
	today := models.FormatDate(time.Now())

	cases := []struct {
		method, path string
		body         any
		want         int
	}{
		{http.MethodGet, "/channels/999", nil, http.StatusNotFound},
		{http.MethodGet, "/channels/abc", nil, http.StatusBadRequest},
		{http.MethodGet, fmt.Sprintf("/reports/roi?from=%s&to=%s&channel_id=999", today, today), nil, http.StatusNotFound},
		{http.MethodGet, "/reports/roi?from=2024-03-02&to=2024-03-01", nil, http.StatusBadRequest},
		{http.MethodGet, "/reports/dashboard", nil, http.StatusBadRequest},
		{http.MethodGet, "/roi/horizon?date=2024-03-01&channel_id=1&day_count=4", nil, http.StatusBadRequest},
		{http.MethodGet, "/roi/horizon?date=2024-03-01&channel_id=1&day_count=1", nil, http.StatusNotFound},
		{http.MethodDelete, "/exchange-rates/default", nil, http.StatusMethodNotAllowed},
		{http.MethodDelete, "/exchange-rates/2024-03-01", nil, http.StatusNotFound},
		{http.MethodPut, "/exchange-rates/2024-03-01", map[string]string{"rate": "-1"}, http.StatusBadRequest},
		{http.MethodGet, "/exchange-rates/default", nil, http.StatusNotFound},
		{http.MethodPost, "/transactions/import", map[string]any{"rows": []any{}}, http.StatusBadRequest},
		{http.MethodGet, "/jobs/unknown", nil, http.StatusNotFound},
	}
	for _, c := range cases {
		rec := do(t, h, c.method, c.path, c.body)
		if rec.Code != c.want {
			t.Fatalf("%s %s: status %d, want %d (%s)", c.method, c.path, rec.Code, c.want, rec.Body.String())
		}
	}

	do(t, h, http.MethodPost, "/channels", map[string]string{"name": "google"})
	if rec := do(t, h, http.MethodPost, "/channels", map[string]string{"name": "Google"}); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate channel: status %d", rec.Code)
	}
}

func TestAuthRequiresAPIKey(t *testing.T) {
	_, h := newTestApp(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKey = "secret"
	})

	if rec := do(t, h, http.MethodGet, "/channels", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: status %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health should skip auth: status %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/channels", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid key: status %d", rec.Code)
	}
}
