package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/stencilworks/tally/internal/audit/domain"
	"github.com/stencilworks/tally/internal/authorization"
	webhookdomain "github.com/stencilworks/tally/internal/webhook/domain"
)

// SubmitOverride applies a manual correction through the reconciler. Unlike
// webhook ingest, rejections surface synchronously to the operator.
func (s *Server) SubmitOverride(c *gin.Context) {
	actor := s.actorID(c)
	if actor == "" {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	if !s.allowRate(c, bucketAdminOverride, actor) {
		return
	}

	if err := s.authzSvc.Authorize(c.Request.Context(), actorSubject(actor), authorization.ObjectSubscription, authorization.ActionSubscriptionOverride); err != nil {
		AbortWithError(c, err)
		return
	}

	var req webhookdomain.OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.ActorID = actor

	sub, err := s.webhookSvc.SubmitOverride(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	actor := s.actorID(c)
	if actor == "" {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	if err := s.authzSvc.Authorize(c.Request.Context(), actorSubject(actor), authorization.ObjectAuditLog, authorization.ActionAuditLogView); err != nil {
		AbortWithError(c, err)
		return
	}

	limit := 50
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		limit = parsed
	}

	logs, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListFilter{
		Action:     strings.TrimSpace(c.Query("action")),
		TargetType: strings.TrimSpace(c.Query("target_type")),
		TargetID:   strings.TrimSpace(c.Query("target_id")),
		Limit:      limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": logs})
}
