package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestResult(t *testing.T) {
	if got := Result(nil); got != ResultSuccess {
		t.Errorf("Result(nil) = %q, want %q", got, ResultSuccess)
	}
	if got := Result(errors.New("boom")); got != ResultFailure {
		t.Errorf("Result(err) = %q, want %q", got, ResultFailure)
	}
}

func TestPollTotalByResult(t *testing.T) {
	before := testutil.ToFloat64(PollTotal.WithLabelValues(ResultSkipped))
	PollTotal.WithLabelValues(ResultSkipped).Inc()

	if got := testutil.ToFloat64(PollTotal.WithLabelValues(ResultSkipped)); got != before+1 {
		t.Errorf("skipped polls = %v, want %v", got, before+1)
	}
}

func TestRegistryGathers(t *testing.T) {
	ProductionWattsGauge.Set(1234.5)
	InverterWattsGauge.WithLabelValues("482211001122").Set(210)

	expected := `
# HELP envoy_bridge_production_watts_now Current total production in watts
# TYPE envoy_bridge_production_watts_now gauge
envoy_bridge_production_watts_now 1234.5
`
	if err := testutil.GatherAndCompare(Registry, strings.NewReader(expected), "envoy_bridge_production_watts_now"); err != nil {
		t.Errorf("unexpected production gauge: %v", err)
	}

	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "envoy_bridge_inverter_last_watts" {
			found = true
		}
	}
	if !found {
		t.Error("inverter gauge not registered")
	}
}
