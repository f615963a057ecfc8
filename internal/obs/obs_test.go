package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestLogger_AddsRequestIDFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "prod")

	logger.InfoContext(WithRequestID(context.Background(), "rid-1"), "hello", "job_id", "j1")
	logger.Debug("dropped at info level")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log: %v (%s)", err, buf.String())
	}
	if line["request_id"] != "rid-1" || line["service"] != "genforge" || line["job_id"] != "j1" {
		t.Fatalf("log line=%v", line)
	}
}

func TestRequestIDFromContext_Empty(t *testing.T) {
	t.Parallel()

	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("got %q", got)
	}
}
