package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
)

func TestHealthEndpoint(t *testing.T) {
	s := NewServer(ModelInfo{Architecture: "bitnet"})

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q", body["status"])
	}
}

func TestStatusReportsModel(t *testing.T) {
	s := NewServer(ModelInfo{
		Architecture:  "bitnet",
		Layers:        30,
		ContextLength: 4096,
	})

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var report statusReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Model.Layers != 30 || report.Model.ContextLength != 4096 {
		t.Errorf("model info = %+v", report.Model)
	}
	if report.System.NumCPU <= 0 {
		t.Errorf("system info missing: %+v", report.System)
	}
}
