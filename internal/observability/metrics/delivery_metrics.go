package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DeliveryMetrics holds the process-wide counters of the delivery pipeline.
// All methods are safe on a nil receiver.
type DeliveryMetrics struct {
	invoicesCreated prometheus.Counter
	sendAttempts    prometheus.Counter
	sendSuccess     prometheus.Counter
	sendFail        prometheus.Counter
	webhookOK       prometheus.Counter
	webhookFail     prometheus.Counter
	dlqRetrySuccess prometheus.Counter
	dlqRetryFail    prometheus.Counter
	inFlight        prometheus.Gauge

	registerer prometheus.Registerer
	queueOnce  sync.Once
}

// NewDeliveryMetrics creates the pipeline counters and registers them. Collectors
// that are already registered are reused.
func NewDeliveryMetrics(registerer prometheus.Registerer) (*DeliveryMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &DeliveryMetrics{registerer: registerer}
	var err error
	if m.invoicesCreated, err = registerCounter(registerer, "invoices_created_total", "Total number of invoices generated"); err != nil {
		return nil, err
	}
	if m.sendAttempts, err = registerCounter(registerer, "ap_send_attempts_total", "Total number of Access Point send attempts"); err != nil {
		return nil, err
	}
	if m.sendSuccess, err = registerCounter(registerer, "ap_send_success_total", "Total number of successful Access Point sends"); err != nil {
		return nil, err
	}
	if m.sendFail, err = registerCounter(registerer, "ap_send_fail_total", "Total number of Access Point deliveries that exhausted their attempts"); err != nil {
		return nil, err
	}
	if m.webhookOK, err = registerCounter(registerer, "ap_webhook_ok_total", "Total number of successful AP status webhooks processed"); err != nil {
		return nil, err
	}
	if m.webhookFail, err = registerCounter(registerer, "ap_webhook_fail_total", "Total number of failed AP status webhooks processed"); err != nil {
		return nil, err
	}
	if m.dlqRetrySuccess, err = registerCounter(registerer, "dlq_retry_success_total", "Total number of dead-letter entries redelivered"); err != nil {
		return nil, err
	}
	if m.dlqRetryFail, err = registerCounter(registerer, "dlq_retry_fail_total", "Total number of dead-letter redeliveries that failed"); err != nil {
		return nil, err
	}

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ap_queue_inflight",
		Help: "Invoices currently inside the dispatcher retry loop",
	})
	collector, err := register(registerer, gauge)
	if err != nil {
		return nil, err
	}
	m.inFlight = collector.(prometheus.Gauge)

	return m, nil
}

// RegisterQueueDepth exposes ap_queue_current using the supplied sampler. Only
// the first call registers the gauge.
func (m *DeliveryMetrics) RegisterQueueDepth(sample func() float64) error {
	if m == nil || sample == nil {
		return nil
	}
	var err error
	m.queueOnce.Do(func() {
		_, err = register(m.registerer, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ap_queue_current",
			Help: "Current number of invoices awaiting Access Point delivery",
		}, sample))
	})
	return err
}

func (m *DeliveryMetrics) IncInvoicesCreated() {
	if m != nil {
		m.invoicesCreated.Inc()
	}
}

func (m *DeliveryMetrics) IncSendAttempts() {
	if m != nil {
		m.sendAttempts.Inc()
	}
}

func (m *DeliveryMetrics) IncSendSuccess() {
	if m != nil {
		m.sendSuccess.Inc()
	}
}

func (m *DeliveryMetrics) IncSendFail() {
	if m != nil {
		m.sendFail.Inc()
	}
}

func (m *DeliveryMetrics) IncWebhookOK() {
	if m != nil {
		m.webhookOK.Inc()
	}
}

func (m *DeliveryMetrics) IncWebhookFail() {
	if m != nil {
		m.webhookFail.Inc()
	}
}

func (m *DeliveryMetrics) IncDLQRetrySuccess() {
	if m != nil {
		m.dlqRetrySuccess.Inc()
	}
}

func (m *DeliveryMetrics) IncDLQRetryFail() {
	if m != nil {
		m.dlqRetryFail.Inc()
	}
}

// TrackInFlight raises the in-flight gauge and returns the matching release.
func (m *DeliveryMetrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}

func registerCounter(registerer prometheus.Registerer, name, help string) (prometheus.Counter, error) {
	collector, err := register(registerer, prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help}))
	if err != nil {
		return nil, err
	}
	return collector.(prometheus.Counter), nil
}

func register(registerer prometheus.Registerer, collector prometheus.Collector) (prometheus.Collector, error) {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector, nil
		}
		return nil, err
	}
	return collector, nil
}
