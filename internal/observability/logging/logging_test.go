package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRespectsLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Writer: &buf, Format: "json"})

	logger.Info("should be filtered")
	logger.Warn("should appear", "asset_id", "abc")

	output := buf.String()
	if strings.Contains(output, "should be filtered") {
		t.Fatalf("info line leaked through warn level: %s", output)
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(output), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["msg"] != "should appear" || record["asset_id"] != "abc" {
		t.Fatalf("unexpected record: %v", record)
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "text"})
	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("expected text handler output, got %s", buf.String())
	}
}

func TestWithContextAnnotations(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-42")
	ctx = ContextWithAssetID(ctx, "asset-7")
	WithContext(ctx, logger).Info("annotated")

	output := buf.String()
	if !strings.Contains(output, "req-42") || !strings.Contains(output, "asset-7") {
		t.Fatalf("missing context annotations: %s", output)
	}
}

func TestContextHelpersIgnoreEmptyValues(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "   ")
	if _, ok := RequestIDFromContext(ctx); ok {
		t.Fatalf("blank request id should not be stored")
	}
	ctx = ContextWithAssetID(ctx, "")
	if _, ok := AssetIDFromContext(ctx); ok {
		t.Fatalf("blank asset id should not be stored")
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	handler := RequestLogger(RequestLoggerConfig{Logger: logger})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}))

	req := httptest.NewRequest(http.MethodPost, "/api/assets", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if record["method"] != "POST" || record["path"] != "/api/assets" {
		t.Fatalf("unexpected request fields: %v", record)
	}
	if record["status"] != float64(http.StatusCreated) {
		t.Fatalf("status = %v, want 201", record["status"])
	}
}
