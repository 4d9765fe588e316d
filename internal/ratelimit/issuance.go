package ratelimit

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/fiscal/internal/config"
)

const keyIssuanceOrg = "fiscal:issue:org:%s"

// IssuanceLimiter throttles document-creating calls per organization so one
// tenant cannot exhaust the provider's request quota.
type IssuanceLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewIssuanceLimiter returns nil when Redis or a positive rate is missing.
func NewIssuanceLimiter(cfg config.Config, client *redis.Client) *IssuanceLimiter {
	limits := cfg.RateLimit
	if client == nil || limits.IssueRate <= 0 || limits.IssueBurst <= 0 {
		return nil
	}
	return &IssuanceLimiter{
		bucket: NewTokenBucket(client),
		rate:   limits.IssueRate,
		burst:  limits.IssueBurst,
	}
}

func (l *IssuanceLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow takes one token from the organization's bucket. A disabled limiter always allows.
func (l *IssuanceLimiter) Allow(ctx context.Context, orgID snowflake.ID) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyIssuanceOrg, orgID.String()), l.rate, l.burst)
}
