package observability

import (
	"testing"
	"time"
)

func TestMetricsClient_Enabled(t *testing.T) {
	metrics := NewMetricsClientWithOptions(MetricsOptions{
		Enabled: true,
		Labels:  map[string]string{"service": "test"},
	})

	if metrics.(*metricsClient).enabled != true {
		t.Error("expected metrics client to be enabled")
	}
	if metrics.(*metricsClient).labels["service"] != "test" {
		t.Error("expected metrics client to have labels set")
	}
}

func TestMetricsClient_Disabled(t *testing.T) {
	metrics := NewMetricsClientWithOptions(MetricsOptions{Enabled: false})

	metrics.IncrementCounter("counter", 1)
	metrics.RecordGauge("gauge", 2, nil)
	metrics.RecordHistogram("histogram", 3, nil)
	metrics.RecordDuration("duration", time.Second)
	stop := metrics.StartTimer("timer", nil)
	stop()

	mc := metrics.(*metricsClient)
	if got := mc.Counter("counter", nil); got != 0 {
		t.Errorf("expected disabled client to record nothing, got counter=%v", got)
	}
}

func TestMetricsClient_CounterAccumulates(t *testing.T) {
	metrics := NewMetricsClient()

	metrics.IncrementCounterWithLabels("requests_total", 1, map[string]string{"provider": "a"})
	metrics.IncrementCounterWithLabels("requests_total", 2, map[string]string{"provider": "a"})
	metrics.IncrementCounterWithLabels("requests_total", 1, map[string]string{"provider": "b"})

	mc := metrics.(*metricsClient)
	if got := mc.Counter("requests_total", map[string]string{"provider": "a"}); got != 3 {
		t.Errorf("expected counter for provider a to be 3, got %v", got)
	}
	if got := mc.Counter("requests_total", map[string]string{"provider": "b"}); got != 1 {
		t.Errorf("expected counter for provider b to be 1, got %v", got)
	}
}

func TestMetricsClient_GaugeOverwrites(t *testing.T) {
	metrics := NewMetricsClient()

	metrics.RecordGauge("queue_depth", 5, nil)
	metrics.RecordGauge("queue_depth", 9, nil)

	mc := metrics.(*metricsClient)
	if got := mc.Gauge("queue_depth", nil); got != 9 {
		t.Errorf("expected gauge to hold latest value 9, got %v", got)
	}
}

func TestMetricsClient_StartTimer(t *testing.T) {
	metrics := NewMetricsClient()

	stopTimer := metrics.StartTimer("test_timer", map[string]string{"label": "value"})
	time.Sleep(5 * time.Millisecond)
	stopTimer()

	mc := metrics.(*metricsClient)
	key := metricKey("test_timer", map[string]string{"label": "value"})
	if len(mc.histograms[key]) != 1 {
		t.Errorf("expected one histogram observation, got %d", len(mc.histograms[key]))
	}
}

func TestNoOpMetricsClient(t *testing.T) {
	metrics := NewNoOpMetricsClient()

	metrics.IncrementCounter("counter", 1)
	metrics.IncrementCounterWithLabels("counter", 1, map[string]string{"a": "b"})
	metrics.RecordGauge("gauge", 1, nil)
	metrics.RecordHistogram("histogram", 1, nil)
	metrics.RecordDuration("duration", time.Second)
	stop := metrics.StartTimer("timer", nil)
	stop()
}
