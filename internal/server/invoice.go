package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/vida/internal/idempotency"
	invoicedomain "github.com/smallbiznis/vida/internal/invoice/domain"
	obscontext "github.com/smallbiznis/vida/internal/observability/context"
)

const (
	HeaderTenant    = "X-Tenant-Id"
	maxDocumentSize = 5 << 20
)

type createInvoiceRequest struct {
	Tenant      string `json:"tenant"`
	InvoiceID   string `json:"invoiceId"`
	OrderNumber string `json:"orderNumber"`
	Adapter     string `json:"adapter"`
	ContentType string `json:"contentType"`
	Document    string `json:"document"`
}

// CreateInvoice accepts either a JSON envelope or a raw XML document. For raw
// documents the tenant and invoice id come from the query string.
func (s *Server) CreateInvoice(c *gin.Context) {
	req, err := bindCreateInvoice(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	req.APIKey = c.GetString(contextAPIKey)
	req.IdempotencyKey = idempotencyKey(c)
	req.RequestID = obscontext.RequestIDFromContext(c.Request.Context())
	req.Source = invoicedomain.SourceAPI

	result, cached, err := s.invoiceSvc.Create(c.Request.Context(), req)
	if req.IdempotencyKey != "" {
		if cached {
			c.Header(idempotency.HeaderCache, idempotency.CacheHit)
		} else {
			c.Header(idempotency.HeaderCache, idempotency.CacheMiss)
		}
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if cached {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": result})
}

func (s *Server) GetInvoiceStatus(c *gin.Context) {
	refresh, err := parseOptionalBool(c.Query("refresh"))
	if err != nil {
		AbortWithError(c, newValidationError("refresh", "invalid_refresh", "refresh must be a boolean"))
		return
	}
	req := invoicedomain.StatusRequest{
		Tenant:    requestTenant(c, ""),
		InvoiceID: strings.TrimSpace(c.Param("id")),
		Refresh:   refresh != nil && *refresh,
	}

	rec, err := s.invoiceSvc.Status(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rec})
}

// GetInvoiceDocument returns the archived document as stored.
func (s *Server) GetInvoiceDocument(c *gin.Context) {
	doc, err := s.invoiceSvc.Document(c.Request.Context(), requestTenant(c, ""), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/xml"
	}
	c.Header("X-Document-Source", doc.Source)
	if doc.Digest != "" {
		c.Header("ETag", `"`+doc.Digest+`"`)
	}
	c.Data(http.StatusOK, contentType, doc.Document)
}

func bindCreateInvoice(c *gin.Context) (invoicedomain.CreateRequest, error) {
	if strings.Contains(c.ContentType(), "xml") {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDocumentSize))
		if err != nil {
			return invoicedomain.CreateRequest{}, invalidRequestError()
		}
		return invoicedomain.CreateRequest{
			Tenant:      requestTenant(c, ""),
			InvoiceID:   strings.TrimSpace(c.Query("invoiceId")),
			OrderNumber: strings.TrimSpace(c.Query("orderNumber")),
			Adapter:     strings.TrimSpace(c.Query("adapter")),
			ContentType: c.ContentType(),
			Document:    body,
		}, nil
	}

	var body createInvoiceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		return invoicedomain.CreateRequest{}, invalidRequestError()
	}
	return invoicedomain.CreateRequest{
		Tenant:      requestTenant(c, body.Tenant),
		InvoiceID:   strings.TrimSpace(body.InvoiceID),
		OrderNumber: strings.TrimSpace(body.OrderNumber),
		Adapter:     strings.TrimSpace(body.Adapter),
		ContentType: strings.TrimSpace(body.ContentType),
		Document:    []byte(body.Document),
	}, nil
}

func idempotencyKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader(idempotency.HeaderKey)); key != "" {
		return key
	}
	return strings.TrimSpace(c.GetHeader(idempotency.HeaderKeyFallback))
}

// requestTenant prefers the explicit value, then the query string, then the
// tenant header.
func requestTenant(c *gin.Context, explicit string) string {
	if tenant := strings.TrimSpace(explicit); tenant != "" {
		return tenant
	}
	if tenant := strings.TrimSpace(c.Query("tenant")); tenant != "" {
		return tenant
	}
	return strings.TrimSpace(c.GetHeader(HeaderTenant))
}
