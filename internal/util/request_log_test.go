package util

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestLogRecordsStatusAndBytes(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	handler := WithRequestID(WithRequestLog("reviews", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	})))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-log-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log record %q: %v", buf.String(), err)
	}
	if record["msg"] != "http_request" || record["level"] != "WARN" {
		t.Fatalf("unexpected record: %v", record)
	}
	if record["status"] != float64(http.StatusServiceUnavailable) || record["bytes"] != float64(4) {
		t.Fatalf("unexpected status/bytes: %v", record)
	}
	if record["request_id"] != "req-log-1" || record["service"] != "reviews" {
		t.Fatalf("unexpected ids: %v", record)
	}
}
