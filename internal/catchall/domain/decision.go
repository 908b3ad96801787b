package domain

import (
	"fmt"
	"time"
)

// Rewrite is the outcome of resolving a recipient against a RuleSet.
type Rewrite struct {
	Address   string // substituted recipient
	RuleIndex int    // position of the matching rule in the RuleSet
}

// RewriteDecision is made at the recipient phase and consumed once at finalization.
// Blocked decisions carry no substitution; they exist so a repeated recipient
// phase for the same message replays the verdict instead of re-checking the blocklist.
type RewriteDecision struct {
	Original    string
	Substituted string
	Blocked     bool
}

// IsRewrite reports whether the decision substituted the recipient.
func (d RewriteDecision) IsRewrite() bool {
	return !d.Blocked && d.Substituted != ""
}

// MessageKey correlates the recipient phase and finalization phase of one
// message. ID is a per-transaction token, Sender is the envelope sender (to
// disambiguate recycled tokens) and Recipient is the original recipient so
// every recipient of a message keeps its own decision.
type MessageKey struct {
	ID        string
	Sender    string
	Recipient string
}

// String renders the key in a form suitable for map keys and logs.
func (k MessageKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.ID, k.Sender, k.Recipient)
}

// MessageMeta carries message details known only at finalization.
type MessageMeta struct {
	MessageID string
	Subject   string
}

// AuditRecord is one persisted catch-all rewrite.
type AuditRecord struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"date"`
	Original    string    `json:"original"`
	Substituted string    `json:"replaced"`
	MessageID   string    `json:"message_id"`
	Subject     string    `json:"subject"`
}

// BlockedEntry is one blocklisted address and how often it was checked.
type BlockedEntry struct {
	Address string `json:"address"`
	Hits    uint64 `json:"hits"`
}
