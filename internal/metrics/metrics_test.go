package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// gather returns the metric family by name from reg, or nil.
func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestAllCollectorsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EvaluationsTotal.WithLabelValues("allow", "before_tool_call").Inc()
	m.EvaluationDuration.Observe(0.0004)
	m.EvalBudgetOverruns.Inc()
	m.ErrorFallbacks.Inc()
	m.AuditRecordsTotal.Inc()
	m.AuditFlushFailures.Inc()
	m.TrustScore.WithLabelValues("main").Set(72)
	m.PolicyCount.Set(5)

	want := []string{
		"aegisgate_evaluations_total",
		"aegisgate_evaluation_duration_seconds",
		"aegisgate_evaluation_budget_overruns_total",
		"aegisgate_error_fallbacks_total",
		"aegisgate_audit_records_total",
		"aegisgate_audit_flush_failures_total",
		"aegisgate_trust_score",
		"aegisgate_policy_count",
	}
	for _, name := range want {
		if gather(t, reg, name) == nil {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestEvaluationCounterLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EvaluationsTotal.WithLabelValues("deny", "before_tool_call").Inc()
	m.EvaluationsTotal.WithLabelValues("deny", "before_tool_call").Inc()
	m.EvaluationsTotal.WithLabelValues("allow", "message_sending").Inc()

	mf := gather(t, reg, "aegisgate_evaluations_total")
	if mf == nil {
		t.Fatal("counter family missing")
	}
	if len(mf.Metric) != 2 {
		t.Fatalf("label combinations = %d, want 2", len(mf.Metric))
	}
	for _, metric := range mf.Metric {
		labels := map[string]string{}
		for _, lp := range metric.Label {
			labels[lp.GetName()] = lp.GetValue()
		}
		switch labels["action"] {
		case "deny":
			if got := metric.Counter.GetValue(); got != 2 {
				t.Errorf("deny count = %v, want 2", got)
			}
			if labels["hook"] != "before_tool_call" {
				t.Errorf("deny hook label = %q", labels["hook"])
			}
		case "allow":
			if got := metric.Counter.GetValue(); got != 1 {
				t.Errorf("allow count = %v, want 1", got)
			}
		default:
			t.Errorf("unexpected action label %q", labels["action"])
		}
	}
}

func TestTrustScoreGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TrustScore.WithLabelValues("main").Set(72)
	m.TrustScore.WithLabelValues("main").Set(68)

	mf := gather(t, reg, "aegisgate_trust_score")
	if mf == nil {
		t.Fatal("gauge family missing")
	}
	if got := mf.Metric[0].Gauge.GetValue(); got != 68 {
		t.Errorf("gauge = %v, want the latest value 68", got)
	}
}
