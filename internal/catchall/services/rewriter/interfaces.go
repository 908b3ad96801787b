package rewriter

import (
	"context"

	"github.com/haukened/rr-catchall/internal/catchall/domain"
)

// DataAccess is the external blocklist and audit store.
type DataAccess interface {
	// CheckAndIncrement reports whether address is blocked and, if it is,
	// increments its hit counter in the same round-trip.
	CheckAndIncrement(ctx context.Context, address string) (bool, error)

	// InsertAuditRecord persists one rewrite.
	InsertAuditRecord(ctx context.Context, rec domain.AuditRecord) error
}

// Snapshot is what the config store publishes: the active rules and the data
// access handle that belongs to them. Access is nil when no database is configured.
type Snapshot struct {
	Rules  domain.RuleSet
	Access DataAccess
}

// SnapshotSource hands out the currently published snapshot. Both methods
// must be safe to call concurrently and must never return a nil snapshot.
type SnapshotSource interface {
	Current() *Snapshot

	// Acquire returns the current snapshot and keeps its data access open
	// until release is called. Callers that use Access must acquire.
	Acquire() (snap *Snapshot, release func())
}

// Directory answers whether an address is a known mailbox.
type Directory interface {
	FindMailbox(ctx context.Context, address string) (bool, error)
}

// Tracker correlates recipient phase decisions with message finalization.
type Tracker interface {
	// Record stores d for key unless a decision is already present. It
	// returns the stored decision and whether this call inserted it.
	Record(key domain.MessageKey, d domain.RewriteDecision) (domain.RewriteDecision, bool)

	// Peek returns the decision for key without removing it.
	Peek(key domain.MessageKey) (domain.RewriteDecision, bool)

	// TakeAndForget returns and removes the decision for key.
	TakeAndForget(key domain.MessageKey) (domain.RewriteDecision, bool)
}

// HeaderMutator is the subset of a message header the engine touches.
type HeaderMutator interface {
	Get(key string) string
	Set(key, value string)
	Add(key, value string)
}
