package observability

import "time"

// noOpMetricsClient discards everything recorded to it. It is the default
// MetricsClient for components that are not given one explicitly, so the
// core never requires a metrics backend to function.
type noOpMetricsClient struct{}

// NewNoOpMetricsClient creates a metrics client that records nothing.
func NewNoOpMetricsClient() MetricsClient {
	return &noOpMetricsClient{}
}

func (n *noOpMetricsClient) IncrementCounter(name string, value float64) {}
func (n *noOpMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (n *noOpMetricsClient) RecordGauge(name string, value float64, labels map[string]string)     {}
func (n *noOpMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (n *noOpMetricsClient) RecordDuration(name string, duration time.Duration)                   {}

func (n *noOpMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}
