package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the instruments recorded by the gateway and the queue.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	DispatchDuration metric.Float64Histogram
	DispatchCalls    metric.Int64Counter
	QueueEnqueued    metric.Int64Counter
	QueueTransitions metric.Int64Counter
	ProviderErrors   metric.Int64Counter
	AuthzDenied      metric.Int64Counter
	RateLimitRejects metric.Int64Counter
	ActiveWatchers   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("voxdesk.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("voxdesk.dispatch.duration",
		metric.WithDescription("Dispatcher batch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchCalls, err = meter.Int64Counter("voxdesk.dispatch.calls",
		metric.WithDescription("Calls attempted by the dispatcher, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueEnqueued, err = meter.Int64Counter("voxdesk.queue.enqueued",
		metric.WithDescription("Queue rows inserted by the enqueuer"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueTransitions, err = meter.Int64Counter("voxdesk.queue.transitions",
		metric.WithDescription("Queue row status transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderErrors, err = meter.Int64Counter("voxdesk.provider.errors",
		metric.WithDescription("Voice provider request failures"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthzDenied, err = meter.Int64Counter("voxdesk.authz.denied",
		metric.WithDescription("Proxy actions rejected by role checks"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("voxdesk.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWatchers, err = meter.Int64UpDownCounter("voxdesk.status.watchers",
		metric.WithDescription("Open campaign status streams"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
