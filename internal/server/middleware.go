package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	HeaderActor     = "X-Actor-ID"
	HeaderSignature = "Billing-Signature"
)

const (
	bucketUsageCheck    = "usage-check"
	bucketTrialCheck    = "trial-check"
	bucketAdminOverride = "admin-override"
)

// allowRate counts one request against a bucket. Returns false after writing
// the 429 (or 503 when a security-sensitive bucket lost its backend); the
// handler must stop.
func (s *Server) allowRate(c *gin.Context, bucket, identity string) bool {
	if s.limiter == nil {
		return true
	}

	res, err := s.limiter.Allow(c.Request.Context(), bucket, identity)
	if err != nil {
		AbortWithError(c, err)
		return false
	}
	if !res.Allowed {
		c.Header("Retry-After", formatSeconds(res.RetryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{
				"type":        "rate_limited",
				"message":     "too many requests",
				"limit":       res.Limit,
				"retry_after": res.RetryAfter.Seconds(),
			},
		})
		return false
	}
	return true
}

func (s *Server) actorID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(HeaderActor))
}

// actorSubject builds the authorization subject for a header principal.
// Service-to-service callers send the literal "system"; any other value
// names an operator. Every protected route must go through this so one
// header form works everywhere.
func actorSubject(actor string) string {
	if actor == "system" {
		return actor
	}
	return "operator:" + actor
}

func formatSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
