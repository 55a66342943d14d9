package banqup

import (
	"context"

	"github.com/smallbiznis/vida/internal/delivery/domain"
)

const NotConfigured = "BANQUP_NOT_CONFIGURED"

type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (f *Factory) Name() string { return domain.AdapterBanqup }

func (f *Factory) Info() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:        domain.AdapterBanqup,
		Label:       "Banqup",
		Status:      "stub",
		Description: "Placeholder integration; awaiting credentials and shared contract.",
	}
}

func (f *Factory) New() (domain.Adapter, error) { return Adapter{}, nil }

// Adapter is a placeholder until the network contract is available.
type Adapter struct{}

func (Adapter) Name() string { return domain.AdapterBanqup }

func (Adapter) Send(context.Context, domain.SendRequest) (domain.SendResult, error) {
	return domain.SendResult{}, domain.NewPermanentError(domain.AdapterBanqup, NotConfigured)
}

func (Adapter) GetStatus(context.Context, string) (domain.Status, error) {
	return "", domain.NewPermanentError(domain.AdapterBanqup, NotConfigured)
}
