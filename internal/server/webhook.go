package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/vida/internal/webhook"
)

const maxWebhookBody = 1 << 20

func (s *Server) HandleAPStatusWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ack, err := s.apWebhook.Handle(c.Request.Context(), webhook.APEvent{
		Body:      body,
		Signature: c.GetHeader(webhook.HeaderAPSignature),
		EventID:   c.GetHeader(webhook.HeaderEventID),
		Timestamp: c.GetHeader(webhook.HeaderEventTimestamp),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, ack)
}

func (s *Server) HandleScradaWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ack, err := s.scradaWebhook.Handle(c.Request.Context(), body, c.GetHeader(webhook.HeaderScradaSignature))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, ack)
}
