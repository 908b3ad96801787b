package rewriter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haukened/rr-catchall/internal/catchall/common/log"
	"github.com/haukened/rr-catchall/internal/catchall/common/metrics"
)

// FailPolicy decides what a failed blocklist lookup means.
type FailPolicy int

const (
	// FailOpen treats a failed lookup as not blocked.
	FailOpen FailPolicy = iota
	// FailClosed treats a failed lookup as blocked.
	FailClosed
)

func (p FailPolicy) String() string {
	if p == FailClosed {
		return "closed"
	}
	return "open"
}

// ParseFailPolicy parses "open" or "closed".
func ParseFailPolicy(s string) (FailPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("unknown blocklist policy %q", s)
	}
}

// BlocklistGate asks the data access layer whether an address is blocked.
// Each call performs exactly one combined read-and-increment.
type BlocklistGate struct {
	logger  log.Logger
	policy  FailPolicy
	timeout time.Duration
}

func NewBlocklistGate(policy FailPolicy, timeout time.Duration, logger log.Logger) *BlocklistGate {
	return &BlocklistGate{logger: logger, policy: policy, timeout: timeout}
}

// Policy returns the configured fail policy.
func (g *BlocklistGate) Policy() FailPolicy { return g.policy }

// CheckAndCount reports whether address is blocked. A nil access means no
// blocklist is configured, so nothing is blocked. Store failures are logged
// and resolved by the fail policy.
func (g *BlocklistGate) CheckAndCount(ctx context.Context, access DataAccess, address string) bool {
	if access == nil {
		metrics.BlocklistCheckInc("unconfigured")
		return false
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	blocked, err := access.CheckAndIncrement(ctx, address)
	if err != nil {
		metrics.BlocklistCheckInc("error")
		g.logger.Error(map[string]any{
			"address": address,
			"policy":  g.policy.String(),
			"error":   err,
		}, "blocklist check failed")
		return g.policy == FailClosed
	}
	if blocked {
		metrics.BlocklistCheckInc("blocked")
	} else {
		metrics.BlocklistCheckInc("allowed")
	}
	return blocked
}
