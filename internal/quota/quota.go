// Package quota implements the pre-admission predicate (spec §4.2): a
// session create request is admitted only if the caller has not exceeded
// its per-identifier request rate and the tenant has not exceeded its
// active-container count.
package quota

import (
	"errors"
	"fmt"

	"github.com/noxterm/noxterm/internal/store"
)

// ErrRateLimited and ErrQuotaExceeded are the two typed denials the
// dispatch layer translates to HTTP 429.
var (
	ErrRateLimited    = errors.New("quota: rate limited")
	ErrQuotaExceeded  = errors.New("quota: container limit reached")
)

// Checker wraps the Store with the admission predicate. It holds no state
// of its own; everything is read through the Store's rate-bucket table.
type Checker struct {
	store             *store.Store
	maxPerTenant      int
	createRate        int
	createWindowSecs  int
}

func New(st *store.Store, maxPerTenant, createRate, createWindowSecs int) *Checker {
	return &Checker{
		store:            st,
		maxPerTenant:     maxPerTenant,
		createRate:       createRate,
		createWindowSecs: createWindowSecs,
	}
}

// Denial carries the structured detail the HTTP layer surfaces (spec S2:
// `"Container limit reached"` / `"max_containers":3`).
type Denial struct {
	Err            error
	RetryAfterSecs int
	MaxContainers  int
}

func (d *Denial) Error() string {
	return d.Err.Error()
}

func (d *Denial) Unwrap() error {
	return d.Err
}

// Admit checks admission for a session-create request: rate limit keyed on
// clientIP (falling back to tenant if no IP is known), then the tenant's
// active-container count against maxPerTenant. Returns nil if admitted, or
// a *Denial wrapping ErrRateLimited / ErrQuotaExceeded.
func (c *Checker) Admit(tenant, clientIP string) error {
	identifier := clientIP
	if identifier == "" {
		identifier = tenant
	}

	if c.createRate > 0 {
		result, err := c.store.CheckAndIncr(identifier, "session_create", c.createRate, c.createWindowSecs)
		if err != nil {
			return fmt.Errorf("checking rate limit: %w", err)
		}
		if result == store.Denied {
			return &Denial{
				Err:            fmt.Errorf("%w: too many session-create requests", ErrRateLimited),
				RetryAfterSecs: 60,
			}
		}
	}

	if c.maxPerTenant > 0 {
		active, err := c.store.ActiveCount(tenant)
		if err != nil {
			return fmt.Errorf("checking active count: %w", err)
		}
		if active >= c.maxPerTenant {
			return &Denial{
				Err:           fmt.Errorf("%w: Container limit reached", ErrQuotaExceeded),
				MaxContainers: c.maxPerTenant,
			}
		}
	}

	return nil
}
