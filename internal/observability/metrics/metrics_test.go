package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequestNormalizesPath(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/api/assets/3f8a2b1c9d", 200, 25*time.Millisecond)
	recorder.ObserveRequest("GET", "/api/assets/77fe0a1b2c", 200, 30*time.Millisecond)

	value := testutil.ToFloat64(recorder.httpRequests.WithLabelValues("GET", "/api/assets/:id", "200"))
	if value != 2 {
		t.Fatalf("request counter = %v, want 2 (paths should share a label)", value)
	}
}

func TestRunLifecycle(t *testing.T) {
	recorder := New()

	recorder.RunStarted()
	recorder.RunStarted()
	if active := testutil.ToFloat64(recorder.activeWorkers); active != 2 {
		t.Fatalf("active workers = %v, want 2", active)
	}

	recorder.RunFinished("completed")
	recorder.RunFinished("Failed")
	if active := testutil.ToFloat64(recorder.activeWorkers); active != 0 {
		t.Fatalf("active workers = %v, want 0", active)
	}
	if completed := testutil.ToFloat64(recorder.transcodeRuns.WithLabelValues("completed")); completed != 1 {
		t.Fatalf("completed runs = %v, want 1", completed)
	}
	if failed := testutil.ToFloat64(recorder.transcodeRuns.WithLabelValues("failed")); failed != 1 {
		t.Fatalf("failed runs = %v, want 1 (outcome should be normalised)", failed)
	}
}

func TestQueueDepthGauge(t *testing.T) {
	recorder := New()
	recorder.SetQueueDepth(5, 2)
	recorder.SetQueueDepth(3, 1)

	if queued := testutil.ToFloat64(recorder.queueDepth.WithLabelValues("queued")); queued != 3 {
		t.Fatalf("queued depth = %v, want 3", queued)
	}
	if processing := testutil.ToFloat64(recorder.queueDepth.WithLabelValues("processing")); processing != 1 {
		t.Fatalf("processing depth = %v, want 1", processing)
	}
}

func TestCounterHelpersIgnoreNonPositive(t *testing.T) {
	recorder := New()
	recorder.ObserveUpload(-5)
	recorder.EntriesReaped(0)
	recorder.ObserveUpload(2048)
	recorder.EntriesReaped(3)

	if bytes := testutil.ToFloat64(recorder.uploadBytes); bytes != 2048 {
		t.Fatalf("upload bytes = %v, want 2048", bytes)
	}
	if reaped := testutil.ToFloat64(recorder.reapedEntries); reaped != 3 {
		t.Fatalf("reaped entries = %v, want 3", reaped)
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                          "/",
		"/":                         "/",
		"/healthz":                  "/healthz",
		"/api/assets":               "/api/assets",
		"/api/assets/abc123def":     "/api/assets/:id",
		"/api/queue/42a9b/position": "/api/queue/:id/position",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}
