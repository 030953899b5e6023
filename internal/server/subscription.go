package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetSubscription(c *gin.Context) {
	accountID := strings.TrimSpace(c.Param("account_id"))
	if accountID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	overview, err := s.subscriptionSvc.Overview(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": overview})
}
