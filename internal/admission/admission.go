// Package admission decides whether a launch may proceed. Launches are
// checked against the tenant policy rules, the tenant's input size cap and
// a per-tenant token bucket.
package admission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/animus-labs/animus-validations/internal/platform/policy"
)

var (
	ErrDenied      = errors.New("launch denied by policy")
	ErrRateLimited = errors.New("launch rate limit exceeded")
	ErrTooLarge    = errors.New("input exceeds tenant limit")
)

// DefaultTenant holds settings for tenants without their own entry.
const DefaultTenant = "*"

// Controller is safe for concurrent use.
type Controller struct {
	spec *policy.Spec

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New returns a Controller for spec. A nil spec admits every launch and
// applies no tenant limits.
func New(spec *policy.Spec) (*Controller, error) {
	if spec != nil {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("tenant policy: %w", err)
		}
	}
	return &Controller{spec: spec, limiters: map[string]*rate.Limiter{}}, nil
}

// Load reads a policy YAML file. An empty path yields the permissive
// controller.
func Load(path string) (*Controller, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return New(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant policy: %w", err)
	}
	spec, err := policy.ParseSpec(data)
	if err != nil {
		return nil, fmt.Errorf("tenant policy %s: %w", path, err)
	}
	return New(&spec)
}

// TenantSettings returns the tenant's settings, falling back to the
// DefaultTenant entry.
func (c *Controller) TenantSettings(tenantID string) policy.TenantSettings {
	if c == nil || c.spec == nil {
		return policy.TenantSettings{}
	}
	if s, ok := c.spec.Tenants[strings.TrimSpace(tenantID)]; ok {
		return s
	}
	return c.spec.Tenants[DefaultTenant]
}

func (c *Controller) Admit(ctx context.Context, req policy.Context) error {
	if c == nil || c.spec == nil {
		return nil
	}
	settings := c.TenantSettings(req.TenantID)
	if settings.MaxInputBytes > 0 && req.Input.SizeBytes > settings.MaxInputBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, req.Input.SizeBytes, settings.MaxInputBytes)
	}

	decision, err := policy.Evaluate(*c.spec, req)
	if err != nil {
		return fmt.Errorf("evaluate policy: %w", err)
	}
	if decision.Effect != policy.EffectAllow {
		if decision.RuleID != "" {
			return fmt.Errorf("%w: rule %s", ErrDenied, decision.RuleID)
		}
		return fmt.Errorf("%w: %s", ErrDenied, decision.Reason)
	}

	if limiter := c.limiter(req.TenantID, settings); limiter != nil && !limiter.Allow() {
		return fmt.Errorf("%w for tenant %s", ErrRateLimited, req.TenantID)
	}
	return nil
}

func (c *Controller) limiter(tenantID string, settings policy.TenantSettings) *rate.Limiter {
	if settings.LaunchesPerMin <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[tenantID]; ok {
		return l
	}
	burst := settings.LaunchBurst
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(settings.LaunchesPerMin/60), burst)
	c.limiters[tenantID] = l
	return l
}
