package scrada

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/smallbiznis/vida/internal/delivery/adapters/httpx"
	"github.com/smallbiznis/vida/internal/delivery/domain"
	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://apitest.scrada.be/v1/"

type Config struct {
	BaseURL      string
	CompanyID    string
	APIKey       string
	Password     string
	Language     string
	RateLimitRPS float64
	RateBurst    int
	Timeout      time.Duration
}

func (c Config) validate() error {
	var missing []string
	if c.CompanyID == "" {
		missing = append(missing, "SCRADA_COMPANY_ID")
	}
	if c.APIKey == "" {
		missing = append(missing, "SCRADA_API_KEY")
	}
	if c.Password == "" {
		missing = append(missing, "SCRADA_API_PASSWORD")
	}
	if len(missing) > 0 {
		return domain.NewPermanentError(domain.AdapterScrada,
			"Scrada adapter is missing configuration: "+strings.Join(missing, ", "))
	}
	return nil
}

type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg}
}

func (f *Factory) Name() string { return domain.AdapterScrada }

func (f *Factory) Info() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:        domain.AdapterScrada,
		Label:       "Scrada",
		Status:      "available",
		Description: "Peppol delivery through the Scrada outbound document API.",
	}
}

func (f *Factory) New() (domain.Adapter, error) {
	return New(f.cfg), nil
}

type Adapter struct {
	cfg     Config
	client  *resty.Client
	limiter *rate.Limiter
}

func New(cfg Config) *Adapter {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Language == "" {
		cfg.Language = "EN"
	}
	return &Adapter{
		cfg:     cfg,
		client:  httpx.NewClient(cfg.BaseURL, cfg.Timeout),
		limiter: httpx.NewLimiter(cfg.RateLimitRPS, cfg.RateBurst),
	}
}

func (a *Adapter) Name() string { return domain.AdapterScrada }

func (a *Adapter) request(ctx context.Context) *resty.Request {
	return a.client.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", a.cfg.APIKey).
		SetHeader("X-PASSWORD", a.cfg.Password).
		SetHeader("Language", a.cfg.Language).
		SetPathParam("companyId", a.cfg.CompanyID)
}

func (a *Adapter) Send(ctx context.Context, req domain.SendRequest) (domain.SendResult, error) {
	if err := a.cfg.validate(); err != nil {
		return domain.SendResult{}, err
	}
	if err := httpx.Wait(ctx, a.limiter); err != nil {
		return domain.SendResult{}, &domain.DeliveryError{Adapter: domain.AdapterScrada, Err: err}
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/xml"
	}
	resp, err := a.request(ctx).
		SetHeader("Content-Type", contentType).
		SetQueryParam("externalReference", req.InvoiceID).
		SetBody(req.Document).
		Post("/company/{companyId}/peppol/outbound/document")
	if err != nil {
		return domain.SendResult{}, &domain.DeliveryError{
			Adapter: domain.AdapterScrada,
			Message: fmt.Sprintf("Scrada send failed invoice=%s: %v", req.InvoiceID, err),
			Err:     err,
		}
	}
	if resp.IsError() {
		return domain.SendResult{}, &domain.DeliveryError{
			Adapter:    domain.AdapterScrada,
			StatusCode: resp.StatusCode(),
			Permanent:  httpx.IsPermanentStatus(resp.StatusCode()),
			Message: fmt.Sprintf("Scrada send failed (%d %s) invoice=%s: %s",
				resp.StatusCode(), http.StatusText(resp.StatusCode()), req.InvoiceID, httpx.BodySnippet(resp.Body())),
		}
	}

	documentID := extractDocumentID(resp.Body())
	if documentID == "" {
		return domain.SendResult{}, domain.NewDeliveryError(domain.AdapterScrada, "Scrada response did not include a document id")
	}
	return domain.SendResult{ProviderID: documentID, Status: domain.StatusQueued}, nil
}

func (a *Adapter) GetStatus(ctx context.Context, providerID string) (domain.Status, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return "", domain.ErrProviderIDRequired
	}
	if err := a.cfg.validate(); err != nil {
		return "", err
	}
	if err := httpx.Wait(ctx, a.limiter); err != nil {
		return "", err
	}

	resp, err := a.request(ctx).
		SetHeader("Accept", "application/json").
		SetPathParam("documentId", providerID).
		Get("/company/{companyId}/peppol/outbound/document/{documentId}/info")
	if err != nil {
		return "", &domain.DeliveryError{Adapter: domain.AdapterScrada, Err: err}
	}
	if resp.IsError() {
		return "", &domain.DeliveryError{
			Adapter:    domain.AdapterScrada,
			StatusCode: resp.StatusCode(),
			Message: fmt.Sprintf("Scrada status lookup failed (%d) documentId=%s: %s",
				resp.StatusCode(), providerID, httpx.BodySnippet(resp.Body())),
		}
	}

	info := httpx.ParseJSON(resp.Body())
	return MapStatus(httpx.PickString(info, "status", "state")), nil
}

// GetDocument downloads the UBL document Scrada delivered for providerID.
func (a *Adapter) GetDocument(ctx context.Context, providerID string) ([]byte, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return nil, domain.ErrProviderIDRequired
	}
	if err := a.cfg.validate(); err != nil {
		return nil, err
	}
	if err := httpx.Wait(ctx, a.limiter); err != nil {
		return nil, err
	}

	resp, err := a.request(ctx).
		SetHeader("Accept", "application/xml").
		SetPathParam("documentId", providerID).
		Get("/company/{companyId}/peppol/outbound/document/{documentId}/ubl")
	if err != nil {
		return nil, &domain.DeliveryError{Adapter: domain.AdapterScrada, Err: err}
	}
	if resp.IsError() {
		return nil, &domain.DeliveryError{
			Adapter:    domain.AdapterScrada,
			StatusCode: resp.StatusCode(),
			Message: fmt.Sprintf("Scrada document download failed (%d) documentId=%s: %s",
				resp.StatusCode(), providerID, httpx.BodySnippet(resp.Body())),
		}
	}
	if len(strings.TrimSpace(string(resp.Body()))) == 0 {
		return nil, domain.NewDeliveryError(domain.AdapterScrada, "Scrada returned an empty UBL document")
	}
	return resp.Body(), nil
}

func extractDocumentID(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}
	var str string
	if json.Unmarshal(body, &str) == nil {
		return strings.TrimSpace(str)
	}
	payload := map[string]any{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.Trim(trimmed, "\"")
	}
	return httpx.PickString(payload, "documentId", "documentID", "id")
}

// NormalizeStatus uppercases raw and replaces spaces with underscores.
func NormalizeStatus(raw string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(raw)), " ", "_")
}

func MapStatus(raw string) domain.Status {
	switch NormalizeStatus(raw) {
	case "QUEUED", "PENDING", "RECEIVED", "PROCESSING":
		return domain.StatusQueued
	case "SENT", "SENT_TO_PEPPOL", "DISPATCHED":
		return domain.StatusSent
	case "DELIVERED", "DELIVERY_CONFIRMED", "ACCEPTED", "COMPLETED", "SUCCESS":
		return domain.StatusDelivered
	default:
		return domain.StatusError
	}
}
