package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"helios/internal/domain"
)

func TestRecorders(t *testing.T) {
	_, m := NewRegistry()

	m.RecordSession("run", "complete")
	m.RecordTransition(domain.StateInit, domain.StateAnalyzing)
	m.RecordTurn(domain.RoleAnalyst, 20*time.Millisecond)
	m.RecordTurn(domain.RoleAnalyst, 10*time.Millisecond)
	m.RecordPlanValidation("rejected")
	m.RecordFeedback(domain.IntentReduceDifficulty)

	if got := testutil.ToFloat64(m.Sessions.WithLabelValues("run", "complete")); got != 1 {
		t.Fatalf("sessions=%v", got)
	}
	if got := testutil.ToFloat64(m.Transitions.WithLabelValues("INIT", "ANALYZING")); got != 1 {
		t.Fatalf("transitions=%v", got)
	}
	if got := testutil.ToFloat64(m.Turns.WithLabelValues("analyst")); got != 2 {
		t.Fatalf("turns=%v", got)
	}
	if got := testutil.ToFloat64(m.PlanValidations.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("validations=%v", got)
	}
	if got := testutil.ToFloat64(m.FeedbackIntents.WithLabelValues("reduce_difficulty")); got != 1 {
		t.Fatalf("intents=%v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordSession("run", "complete")
	m.RecordTransition(domain.StateInit, domain.StateAnalyzing)
	m.RecordTurn(domain.RoleAnalyst, time.Second)
	m.RecordPlanValidation("accepted")
	m.RecordFeedback(domain.IntentNone)
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg, m := NewRegistry()
	m.RecordTurn(domain.RoleStrategist, time.Millisecond)

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `helios_turns_total{role="strategist"} 1`) {
		t.Fatalf("missing turns metric:\n%s", rec.Body.String())
	}
}
