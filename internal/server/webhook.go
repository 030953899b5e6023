package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// IngestWebhook receives one provider delivery. Rejections here (signature,
// malformed payload) are the only non-200 responses; everything after the
// ledger insert is acknowledged so the provider stops redelivering.
func (s *Server) IngestWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	receipt, err := s.webhookSvc.Ingest(c.Request.Context(), payload, c.GetHeader(HeaderSignature))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": receipt})
}
