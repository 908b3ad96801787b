package rewriter

import (
	"context"
	"time"

	"github.com/haukened/rr-catchall/internal/catchall/common/clock"
	"github.com/haukened/rr-catchall/internal/catchall/common/ids"
	"github.com/haukened/rr-catchall/internal/catchall/common/log"
	"github.com/haukened/rr-catchall/internal/catchall/common/metrics"
	"github.com/haukened/rr-catchall/internal/catchall/domain"
)

// AuditSink persists completed rewrites. Writes are best effort: a failure is
// logged and never affects delivery.
type AuditSink struct {
	clock   clock.Clock
	logger  log.Logger
	newID   func(time.Time) string
	timeout time.Duration
}

func NewAuditSink(clk clock.Clock, timeout time.Duration, logger log.Logger) *AuditSink {
	return &AuditSink{clock: clk, logger: logger, newID: ids.New, timeout: timeout}
}

// RecordCatch writes one audit record for d. It returns the record it tried
// to write and whether the write succeeded.
func (s *AuditSink) RecordCatch(ctx context.Context, access DataAccess, d domain.RewriteDecision, meta domain.MessageMeta) (domain.AuditRecord, bool) {
	now := s.clock.Now()
	rec := domain.AuditRecord{
		ID:          s.newID(now),
		Timestamp:   now,
		Original:    d.Original,
		Substituted: d.Substituted,
		MessageID:   meta.MessageID,
		Subject:     meta.Subject,
	}
	if access == nil {
		metrics.AuditWriteInc("unconfigured")
		return rec, false
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := access.InsertAuditRecord(ctx, rec); err != nil {
		metrics.AuditWriteInc("error")
		s.logger.Error(map[string]any{
			"original": d.Original,
			"replaced": d.Substituted,
			"error":    err,
		}, "audit write failed")
		return rec, false
	}
	metrics.AuditWriteInc("ok")
	return rec, true
}
