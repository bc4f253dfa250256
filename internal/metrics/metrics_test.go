package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInstancesAreIsolated(t *testing.T) {
	a := New()
	b := New()
	a.Launches.Inc()

	if got := scrape(t, a); !strings.Contains(got, "botherd_scheduler_launches_total 1") {
		t.Fatalf("instance a missing its own count:\n%s", got)
	}
	if got := scrape(t, b); !strings.Contains(got, "botherd_scheduler_launches_total 0") {
		t.Fatalf("instance b must not see a's count:\n%s", got)
	}
}

func TestHandlerExportsLabeledSeries(t *testing.T) {
	m := New()
	m.BotEvents.WithLabelValues("JOINED", "").Inc()
	m.BotsByState.WithLabelValues("SCHEDULED").Set(3)

	got := scrape(t, m)
	for _, want := range []string{
		`botherd_bot_events_total{sub_type="",type="JOINED"} 1`,
		`botherd_bots_by_state{state="SCHEDULED"} 3`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}
