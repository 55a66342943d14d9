package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/vida/internal/deadletter"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
)

func (s *Server) ListDeadLetters(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
		return
	}

	res, err := s.deadLetterSvc.List(c.Request.Context(), deadletter.ListRequest{
		Tenant: c.Query("tenant"),
		Limit:  limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res.Items, "total": res.Total})
}

func (s *Server) RetryDeadLetters(c *gin.Context) {
	var req deadletter.RetryRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	if req.Limit < 0 {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
		return
	}

	res, err := s.deadLetterSvc.Retry(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) ListHistory(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
		return
	}

	entries, err := s.history.List(c.Request.Context(), c.Query("tenant"), storage.ClampHistoryLimit(limit))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if entries == nil {
		entries = []storage.HistoryEntry{}
	}

	c.JSON(http.StatusOK, gin.H{"data": entries})
}

func (s *Server) ListAdapters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data":    s.adapters.Catalog(),
		"default": s.cfg.AccessPoint.Adapter,
	})
}
