package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()
}

func TestHandlerExposesCollectors(t *testing.T) {
	Init()
	JobsTotal.WithLabelValues("completed").Inc()
	QueueDepth.Set(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"selftune_jobs_total", "selftune_queue_depth"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
	if got := testutil.ToFloat64(QueueDepth); got != 3 {
		t.Errorf("QueueDepth = %v, want 3", got)
	}
}
