package rewriter

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/haukened/rr-catchall/internal/catchall/common/log"
	"github.com/haukened/rr-catchall/internal/catchall/common/metrics"
	"github.com/haukened/rr-catchall/internal/catchall/common/utils"
	"github.com/haukened/rr-catchall/internal/catchall/domain"
)

// OrigToHeader is the trace header listing original recipients of a rewritten message.
const OrigToHeader = "X-OrigTo"

// Verdict is the recipient phase answer for one recipient.
type Verdict struct {
	Key       domain.MessageKey
	Address   string // recipient to deliver to
	Rewritten bool
	Reject    bool
}

type Engine struct {
	addOrigTo     bool
	audit         *AuditSink
	directory     Directory
	gate          *BlocklistGate
	group         singleflight.Group
	logger        log.Logger
	rejectOnBlock bool
	source        SnapshotSource
	tracker       Tracker
}

type EngineOptions struct {
	AddOrigToHeader bool
	Audit           *AuditSink
	Directory       Directory // nil treats every mailbox as unknown
	Gate            *BlocklistGate
	Logger          log.Logger
	RejectOnBlock   bool
	Source          SnapshotSource
	Tracker         Tracker
}

func NewEngine(opts EngineOptions) *Engine {
	return &Engine{
		addOrigTo:     opts.AddOrigToHeader,
		audit:         opts.Audit,
		directory:     opts.Directory,
		gate:          opts.Gate,
		logger:        opts.Logger,
		rejectOnBlock: opts.RejectOnBlock,
		source:        opts.Source,
		tracker:       opts.Tracker,
	}
}

// NewKey builds the correlation key for one recipient of a transaction.
func NewKey(id, sender, recipient string) domain.MessageKey {
	return domain.MessageKey{
		ID:        id,
		Sender:    utils.CanonicalAddress(sender),
		Recipient: utils.CanonicalAddress(recipient),
	}
}

// OnRecipient handles the recipient phase for recipient in transaction id.
// A repeated call for the same key replays the first verdict; the directory
// and blocklist are consulted at most once per key.
func (e *Engine) OnRecipient(ctx context.Context, id, sender, recipient string) Verdict {
	key := NewKey(id, sender, recipient)
	if d, ok := e.tracker.Peek(key); ok {
		metrics.RewriteInc("replayed")
		return e.verdict(key, recipient, d)
	}
	v, _, _ := e.group.Do(key.String(), func() (any, error) {
		return e.decide(ctx, key, recipient), nil
	})
	return v.(Verdict)
}

func (e *Engine) decide(ctx context.Context, key domain.MessageKey, recipient string) Verdict {
	if d, ok := e.tracker.Peek(key); ok {
		metrics.RewriteInc("replayed")
		return e.verdict(key, recipient, d)
	}
	pass := Verdict{Key: key, Address: recipient}

	snap, release := e.source.Acquire()
	defer release()
	rw, ok := Resolve(recipient, snap.Rules)
	if !ok {
		return pass
	}

	if e.directory != nil {
		known, err := e.directory.FindMailbox(ctx, key.Recipient)
		if err != nil {
			metrics.RewriteInc("error")
			e.logger.Warn(map[string]any{
				"recipient": recipient,
				"error":     err,
			}, "directory lookup failed, passing recipient through")
			return pass
		}
		if known {
			metrics.RewriteInc("known")
			return pass
		}
	}

	d := domain.RewriteDecision{Original: recipient, Substituted: rw.Address}
	if e.gate != nil && e.gate.CheckAndCount(ctx, snap.Access, key.Recipient) {
		d = domain.RewriteDecision{Original: recipient, Blocked: true}
		if e.rejectOnBlock {
			metrics.RewriteInc("rejected")
		} else {
			metrics.RewriteInc("blocked")
		}
		e.logger.Info(map[string]any{
			"recipient": recipient,
			"rejected":  e.rejectOnBlock,
		}, "recipient is blocklisted")
	} else {
		metrics.RewriteInc("rewritten")
		e.logger.Debug(map[string]any{
			"recipient": recipient,
			"target":    rw.Address,
			"rule":      snap.Rules.At(rw.RuleIndex).String(),
		}, "catch-all rewrite")
	}

	stored, _ := e.tracker.Record(key, d)
	return e.verdict(key, recipient, stored)
}

func (e *Engine) verdict(key domain.MessageKey, recipient string, d domain.RewriteDecision) Verdict {
	switch {
	case d.Blocked:
		return Verdict{Key: key, Address: recipient, Reject: e.rejectOnBlock}
	case d.IsRewrite():
		return Verdict{Key: key, Address: d.Substituted, Rewritten: true}
	default:
		return Verdict{Key: key, Address: recipient}
	}
}

// OnFinalized consumes the decisions for keys and, when enabled, appends the
// original address of each rewrite to the X-OrigTo header. It returns the
// rewrites that were applied. Nothing is audited until CommitCatches runs.
func (e *Engine) OnFinalized(_ context.Context, keys []domain.MessageKey, header HeaderMutator, _ domain.MessageMeta) []domain.RewriteDecision {
	var applied []domain.RewriteDecision
	for _, key := range keys {
		d, ok := e.tracker.TakeAndForget(key)
		if !ok || !d.IsRewrite() {
			continue
		}
		if e.addOrigTo && header != nil {
			AppendHeaderValue(header, OrigToHeader, d.Original)
		}
		applied = append(applied, d)
	}
	return applied
}

// CommitCatches writes one audit record per applied rewrite. Call it once the
// message has been accepted downstream.
func (e *Engine) CommitCatches(ctx context.Context, applied []domain.RewriteDecision, meta domain.MessageMeta) {
	if e.audit == nil || len(applied) == 0 {
		return
	}
	snap, release := e.source.Acquire()
	defer release()
	for _, d := range applied {
		e.audit.RecordCatch(ctx, snap.Access, d, meta)
	}
}

// Forget drops pending decisions for a transaction that will not finalize.
func (e *Engine) Forget(keys []domain.MessageKey) {
	for _, key := range keys {
		e.tracker.TakeAndForget(key)
	}
}

// AppendHeaderValue adds value to header field key, joining with ", " when
// the field is already present.
func AppendHeaderValue(h HeaderMutator, key, value string) {
	if existing := h.Get(key); existing != "" {
		h.Set(key, existing+", "+value)
		return
	}
	h.Add(key, value)
}
