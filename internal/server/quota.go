package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stencilworks/tally/internal/authorization"
	"github.com/stencilworks/tally/internal/plan"
	quotadomain "github.com/stencilworks/tally/internal/quota/domain"
)

type quotaCheckRequest struct {
	AccountID      string `json:"account_id"`
	OperationClass string `json:"operation_class"`
	Amount         int64  `json:"amount"`
	Bypass         bool   `json:"bypass"`
}

type trialCheckRequest struct {
	AccountID  string `json:"account_id"`
	FeatureKey string `json:"feature_key"`
}

// CheckQuota answers one check-and-consume request. A denial is a 429 with
// the limit detail, not an error; the caller is expected to surface it.
func (s *Server) CheckQuota(c *gin.Context) {
	var req quotaCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if !s.allowRate(c, quotaBucket(req.OperationClass), req.AccountID) {
		return
	}

	actor := s.actorID(c)
	if req.Bypass {
		if err := s.authzSvc.Authorize(c.Request.Context(), actorSubject(actor), authorization.ObjectQuota, authorization.ActionQuotaBypass); err != nil {
			AbortWithError(c, err)
			return
		}
	}

	decision, err := s.quotaSvc.CheckAndConsume(c.Request.Context(), quotadomain.CheckRequest{
		AccountID:      strings.TrimSpace(req.AccountID),
		OperationClass: strings.TrimSpace(req.OperationClass),
		Amount:         req.Amount,
		Bypass:         req.Bypass,
		ActorID:        actor,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if !decision.Allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{
				"type":      "quota_exceeded",
				"message":   "quota exceeded for operation class",
				"limit":     decision.Limit,
				"remaining": decision.Remaining,
				"reset_at":  decision.ResetAt,
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": decision})
}

// CheckTrial consumes one unit of the free-tier trial allowance.
func (s *Server) CheckTrial(c *gin.Context) {
	var req trialCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if !s.allowRate(c, bucketTrialCheck, req.AccountID) {
		return
	}

	decision, err := s.quotaSvc.CheckTrial(c.Request.Context(), strings.TrimSpace(req.AccountID), strings.TrimSpace(req.FeatureKey))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if !decision.Allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{
				"type":    "trial_exhausted",
				"message": "trial allowance exhausted",
				"used":    decision.Used,
				"cap":     decision.Cap,
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": decision})
}

// quotaBucket picks the rate limit bucket for an operation class. The costly
// image classes share a tighter bucket.
func quotaBucket(operationClass string) string {
	switch strings.TrimSpace(operationClass) {
	case plan.ClassBackgroundRemove, plan.ClassEnhance:
		return "expensive-api"
	default:
		return bucketUsageCheck
	}
}
