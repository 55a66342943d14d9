package billit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/delivery/adapters/httpx"
	"github.com/smallbiznis/vida/internal/delivery/domain"
	"golang.org/x/time/rate"
)

const (
	tokenSafetyWindow = 30 * time.Second
	defaultTokenTTL   = 5 * time.Minute
)

type Config struct {
	BaseURL      string
	APIKey       string
	ClientID     string
	ClientSecret string
	RateLimitRPS float64
	RateBurst    int
	Timeout      time.Duration
}

func (c Config) validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return domain.NewPermanentError(domain.AdapterBillit, "AP_BASE_URL must be configured for the Billit AP adapter")
	}
	if c.APIKey == "" && (c.ClientID == "" || c.ClientSecret == "") {
		return domain.NewPermanentError(domain.AdapterBillit, "Billit AP adapter requires AP_API_KEY or both AP_CLIENT_ID and AP_CLIENT_SECRET")
	}
	return nil
}

type Factory struct {
	cfg   Config
	clock clock.Clock
}

func NewFactory(cfg Config, c clock.Clock) *Factory {
	return &Factory{cfg: cfg, clock: c}
}

func (f *Factory) Name() string { return domain.AdapterBillit }

func (f *Factory) Info() domain.ProviderInfo {
	return domain.ProviderInfo{
		Name:        domain.AdapterBillit,
		Label:       "Billit",
		Status:      "available",
		Description: "Production adapter backed by the Billit API.",
	}
}

// New never fails: configuration problems surface as permanent errors on use.
func (f *Factory) New() (domain.Adapter, error) {
	return New(f.cfg, f.clock), nil
}

type token struct {
	accessToken string
	tokenType   string
	expiresAt   time.Time
}

type Adapter struct {
	cfg     Config
	client  *resty.Client
	limiter *rate.Limiter
	clock   clock.Clock

	mu    sync.Mutex
	token *token
}

func New(cfg Config, c clock.Clock) *Adapter {
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Adapter{
		cfg:     cfg,
		client:  httpx.NewClient(cfg.BaseURL, cfg.Timeout),
		limiter: httpx.NewLimiter(cfg.RateLimitRPS, cfg.RateBurst),
		clock:   c,
	}
}

func (a *Adapter) Name() string { return domain.AdapterBillit }

func (a *Adapter) Send(ctx context.Context, req domain.SendRequest) (domain.SendResult, error) {
	if err := a.cfg.validate(); err != nil {
		return domain.SendResult{}, err
	}
	auth, err := a.authHeader(ctx)
	if err != nil {
		return domain.SendResult{}, err
	}
	if err := httpx.Wait(ctx, a.limiter); err != nil {
		return domain.SendResult{}, &domain.DeliveryError{Adapter: domain.AdapterBillit, Err: err}
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/xml"
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetHeader("Content-Type", contentType).
		SetHeader("Accept", "application/json").
		SetBody(req.Document).
		Post("/api/invoices")
	if err != nil {
		return domain.SendResult{}, &domain.DeliveryError{
			Adapter: domain.AdapterBillit,
			Message: fmt.Sprintf("Billit send failed invoice=%s tenant=%s: %v", req.InvoiceID, req.Tenant, err),
			Err:     err,
		}
	}
	if resp.IsError() {
		return domain.SendResult{}, &domain.DeliveryError{
			Adapter:    domain.AdapterBillit,
			StatusCode: resp.StatusCode(),
			Permanent:  httpx.IsPermanentStatus(resp.StatusCode()),
			Message: fmt.Sprintf("Billit send failed (%d %s) invoice=%s tenant=%s: %s",
				resp.StatusCode(), http.StatusText(resp.StatusCode()), req.InvoiceID, req.Tenant, httpx.BodySnippet(resp.Body())),
		}
	}

	payload, err := extractProviderResponse(httpx.ParseJSON(resp.Body()))
	if err != nil {
		return domain.SendResult{}, err
	}
	return domain.SendResult{
		ProviderID: payload.providerID,
		Status:     mapSendStatus(payload.status),
		Message:    payload.message,
	}, nil
}

func (a *Adapter) GetStatus(ctx context.Context, providerID string) (domain.Status, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return "", domain.ErrProviderIDRequired
	}
	if err := a.cfg.validate(); err != nil {
		return "", err
	}
	auth, err := a.authHeader(ctx)
	if err != nil {
		return "", err
	}
	if err := httpx.Wait(ctx, a.limiter); err != nil {
		return "", err
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetHeader("Accept", "application/json").
		SetPathParam("id", providerID).
		Get("/api/invoices/{id}/status")
	if err != nil {
		return "", &domain.DeliveryError{Adapter: domain.AdapterBillit, Err: err}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return domain.StatusError, nil
	}
	if resp.IsError() {
		return "", &domain.DeliveryError{
			Adapter:    domain.AdapterBillit,
			StatusCode: resp.StatusCode(),
			Message: fmt.Sprintf("Billit status lookup failed (%d) providerId=%s: %s",
				resp.StatusCode(), providerID, httpx.BodySnippet(resp.Body())),
		}
	}

	payload, err := extractProviderResponse(httpx.ParseJSON(resp.Body()))
	if err != nil {
		return "", err
	}
	return mapDeliveryStatus(payload.status), nil
}

// ResetAuthCache drops the cached OAuth token.
func (a *Adapter) ResetAuthCache() {
	a.mu.Lock()
	a.token = nil
	a.mu.Unlock()
}

func (a *Adapter) authHeader(ctx context.Context) (string, error) {
	if a.cfg.APIKey != "" {
		return "Bearer " + a.cfg.APIKey, nil
	}
	tok, err := a.oauthToken(ctx)
	if err != nil {
		return "", err
	}
	return tok.tokenType + " " + tok.accessToken, nil
}

func (a *Adapter) oauthToken(ctx context.Context) (*token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if a.token != nil && a.token.expiresAt.After(now.Add(tokenSafetyWindow)) {
		return a.token, nil
	}

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   any    `json:"expires_in"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetFormData(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     a.cfg.ClientID,
			"client_secret": a.cfg.ClientSecret,
		}).
		SetResult(&body).
		Post("/oauth/token")
	if err != nil {
		return nil, &domain.DeliveryError{Adapter: domain.AdapterBillit, Message: "Billit OAuth token request failed: " + err.Error(), Err: err}
	}
	if resp.IsError() {
		return nil, &domain.DeliveryError{
			Adapter:    domain.AdapterBillit,
			StatusCode: resp.StatusCode(),
			Permanent:  httpx.IsPermanentStatus(resp.StatusCode()),
			Message:    fmt.Sprintf("Billit OAuth token request failed (%d): %s", resp.StatusCode(), httpx.BodySnippet(resp.Body())),
		}
	}
	accessToken := strings.TrimSpace(body.AccessToken)
	if accessToken == "" {
		return nil, domain.NewDeliveryError(domain.AdapterBillit, "Billit OAuth token response did not include access_token")
	}
	tokenType := strings.TrimSpace(body.TokenType)
	if tokenType == "" {
		tokenType = "Bearer"
	}

	ttl := defaultTokenTTL
	if seconds, ok := parseExpiresIn(body.ExpiresIn); ok {
		ttl = time.Duration(seconds) * time.Second
	}
	a.token = &token{accessToken: accessToken, tokenType: tokenType, expiresAt: now.Add(ttl)}
	return a.token, nil
}

func parseExpiresIn(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

type providerResponse struct {
	providerID string
	status     string
	message    string
}

func extractProviderResponse(payload map[string]any) (providerResponse, error) {
	nested := httpx.AsMap(payload["data"])
	if nested == nil {
		nested = httpx.AsMap(payload["payload"])
	}
	invoice := httpx.AsMap(payload["invoice"])

	out := providerResponse{
		providerID: firstNonEmpty(
			httpx.PickString(payload, "providerId", "id", "invoiceId"),
			httpx.PickString(nested, "providerId", "id"),
			httpx.PickString(invoice, "providerId", "id"),
		),
		status: firstNonEmpty(
			httpx.PickString(payload, "status", "state", "integrationStatus"),
			httpx.PickString(nested, "status", "state"),
		),
		message: firstNonEmpty(
			httpx.PickString(payload, "message", "error", "detail"),
			httpx.PickString(nested, "message", "error"),
			httpx.PickString(invoice, "message", "error"),
		),
	}
	if out.providerID == "" {
		return providerResponse{}, domain.NewDeliveryError(domain.AdapterBillit, "Billit response did not include a provider identifier")
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func mapSendStatus(raw string) domain.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sent", "submitted", "transmitted", "completed", "processed", "success":
		return domain.StatusSent
	case "failed", "error", "rejected", "declined":
		return domain.StatusError
	default:
		return domain.StatusQueued
	}
}

func mapDeliveryStatus(raw string) domain.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queued", "pending", "processing", "received", "accepted":
		return domain.StatusQueued
	case "delivered", "completed", "processed", "success", "done":
		return domain.StatusDelivered
	case "failed", "error", "rejected", "declined":
		return domain.StatusError
	default:
		return domain.StatusSent
	}
}

