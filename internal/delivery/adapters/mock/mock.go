package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/delivery/domain"
)

// QueueDelay is how long a mock send stays queued before it reports delivered.
const QueueDelay = 250 * time.Millisecond

const ForcedFailureMessage = "Mock adapter forced failure"

type Factory struct {
	clock   clock.Clock
	adapter *Adapter
	once    sync.Once
}

func NewFactory(c clock.Clock) *Factory {
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Factory{clock: c}
}

func (f *Factory) Name() string { return domain.AdapterMock }

func (f *Factory) Info() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:        domain.AdapterMock,
		Label:       "Mock (default)",
		Status:      "available",
		Description: "In-memory adapter used for local development and CI.",
	}
}

func (f *Factory) New() (domain.Adapter, error) {
	f.once.Do(func() {
		f.adapter = New(f.clock)
	})
	return f.adapter, nil
}

type entry struct {
	status   domain.Status
	queuedAt time.Time
}

// Adapter accepts every document and reports it delivered after QueueDelay.
type Adapter struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*entry
}

func New(c clock.Clock) *Adapter {
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Adapter{clock: c, entries: map[string]*entry{}}
}

func (a *Adapter) Name() string { return domain.AdapterMock }

func (a *Adapter) Send(_ context.Context, req domain.SendRequest) (domain.SendResult, error) {
	providerID := "mock-" + req.InvoiceID

	a.mu.Lock()
	a.entries[providerID] = &entry{status: domain.StatusQueued, queuedAt: a.clock.Now()}
	a.mu.Unlock()

	return domain.SendResult{ProviderID: providerID, Status: domain.StatusQueued}, nil
}

func (a *Adapter) GetStatus(_ context.Context, providerID string) (domain.Status, error) {
	providerID = strings.TrimSpace(providerID)

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[providerID]
	if !ok {
		return domain.StatusError, nil
	}
	if e.status == domain.StatusQueued && a.clock.Now().Sub(e.queuedAt) >= QueueDelay {
		e.status = domain.StatusDelivered
		e.queuedAt = a.clock.Now()
	}
	return e.status, nil
}

func (a *Adapter) Reset() {
	a.mu.Lock()
	a.entries = map[string]*entry{}
	a.mu.Unlock()
}

type ErrorFactory struct{}

func NewErrorFactory() *ErrorFactory { return &ErrorFactory{} }

func (f *ErrorFactory) Name() string { return domain.AdapterMockError }

func (f *ErrorFactory) Info() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:        domain.AdapterMockError,
		Label:       "Mock (error)",
		Status:      "available",
		Description: "Deterministic mock that always fails for resilience testing.",
	}
}

func (f *ErrorFactory) New() (domain.Adapter, error) { return ErrorAdapter{}, nil }

// ErrorAdapter fails every send.
type ErrorAdapter struct{}

func (ErrorAdapter) Name() string { return domain.AdapterMockError }

func (ErrorAdapter) Send(context.Context, domain.SendRequest) (domain.SendResult, error) {
	return domain.SendResult{}, domain.NewDeliveryError(domain.AdapterMockError, ForcedFailureMessage)
}

func (ErrorAdapter) GetStatus(context.Context, string) (domain.Status, error) {
	return domain.StatusError, nil
}
