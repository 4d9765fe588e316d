package server

import (
	"context"
	"math"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/fiscal/internal/ratelimit"
	"go.uber.org/zap"
)

type issueLimiter interface {
	Allow(ctx context.Context, orgID snowflake.ID) (*ratelimit.Result, error)
}

// limitIssuance rejects document creation once the organization's bucket is empty.
// Limiter outages let the request through.
func (s *Server) limitIssuance() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		orgID := orgIDFromContext(c)
		res, err := s.limiter.Allow(c.Request.Context(), orgID)
		if err != nil {
			s.log.Warn("issuance rate limiter unavailable", zap.String("org_id", orgID.String()), zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			retry := int(math.Ceil(res.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
