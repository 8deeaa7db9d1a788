package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrument_CountsByStatusClass(t *testing.T) {
	h := Instrument("test_op", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "4xx"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("test_op", "4xx"))
	if after-before != 1 {
		t.Fatalf("delta=%v", after-before)
	}
}

func TestHandler_ExposesNamespace(t *testing.T) {
	SetBuildInfo("test")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "meshprobe_build_info") {
		t.Fatalf("body missing build_info")
	}
}

func TestResult(t *testing.T) {
	t.Parallel()

	if Result(nil) != "ok" || Result(errors.New("x")) != "error" {
		t.Fatalf("unexpected labels")
	}
}
