package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandler(t *testing.T) {
	m := New()
	m.Commands.WithLabelValues("ping", "succeeded").Inc()
	m.CacheGeneration.Set(3)

	if got := testutil.ToFloat64(m.Commands.WithLabelValues("ping", "succeeded")); got != 1 {
		t.Errorf("got %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`carfigures_commands_total{command="ping",outcome="succeeded"} 1`,
		`carfigures_cache_generation 3`,
		`go_goroutines`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output lacks %q", want)
		}
	}
}
