package tracker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/haukened/rr-catchall/internal/catchall/common/log"
	"github.com/haukened/rr-catchall/internal/catchall/common/metrics"
	"github.com/haukened/rr-catchall/internal/catchall/domain"
)

var ErrInvalidSize = errors.New("tracker size must be positive")

// Tracker is a bounded, expiring map from MessageKey to RewriteDecision.
// Entries whose message never finalizes are dropped by size or age.
// It tracks basic metrics: inserts, takes and evictions.
type Tracker struct {
	mu     sync.Mutex
	lru    *expirable.LRU[domain.MessageKey, domain.RewriteDecision]
	logger log.Logger

	// taking holds the key TakeAndForget is removing. The value is set when
	// the entry expired on its own while the take was in progress.
	takingMu sync.Mutex
	taking   map[domain.MessageKey]bool

	inserts   uint64
	takes     uint64
	evictions uint64
}

// New creates a Tracker holding at most size decisions for at most ttl each.
func New(size int, ttl time.Duration, logger log.Logger) (*Tracker, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	t := &Tracker{logger: logger, taking: make(map[domain.MessageKey]bool)}
	t.lru = expirable.NewLRU[domain.MessageKey, domain.RewriteDecision](size, t.onEvict, ttl)
	return t, nil
}

// onEvict observes removals. Removals of a key being taken are not
// evictions; expiry of any other key is. It runs under the LRU's lock, so it
// must not call back into the Tracker's exported methods.
func (t *Tracker) onEvict(key domain.MessageKey, d domain.RewriteDecision) {
	t.takingMu.Lock()
	if _, ok := t.taking[key]; ok {
		t.taking[key] = true
		t.takingMu.Unlock()
		return
	}
	t.takingMu.Unlock()
	t.countEviction(key, d)
}

func (t *Tracker) countEviction(key domain.MessageKey, d domain.RewriteDecision) {
	atomic.AddUint64(&t.evictions, 1)
	metrics.TrackerEvictionInc()
	t.logger.Debug(map[string]any{
		"key":      key.String(),
		"original": d.Original,
	}, "rewrite decision evicted before finalization")
}

// Record stores d under key unless a decision is already present. The stored
// decision is returned along with whether this call inserted it.
func (t *Tracker) Record(key domain.MessageKey, d domain.RewriteDecision) (domain.RewriteDecision, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.lru.Peek(key); ok {
		return cur, false
	}
	t.lru.Add(key, d)
	atomic.AddUint64(&t.inserts, 1)
	return d, true
}

// Peek returns the decision for key without consuming it.
func (t *Tracker) Peek(key domain.MessageKey) (domain.RewriteDecision, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Peek(key)
}

// TakeAndForget returns the decision for key and removes it, so a second call
// for the same key finds nothing.
func (t *Tracker) TakeAndForget(key domain.MessageKey) (domain.RewriteDecision, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.takingMu.Lock()
	t.taking[key] = false
	t.takingMu.Unlock()

	d, ok := t.lru.Peek(key)
	if ok {
		t.lru.Remove(key)
	}

	t.takingMu.Lock()
	expired := t.taking[key]
	delete(t.taking, key)
	t.takingMu.Unlock()

	if !ok {
		if expired {
			t.countEviction(key, d)
		}
		return domain.RewriteDecision{}, false
	}
	atomic.AddUint64(&t.takes, 1)
	return d, true
}

// Len returns the number of pending decisions.
func (t *Tracker) Len() int { return t.lru.Len() }

// Stats returns cumulative insert/take/eviction counters.
func (t *Tracker) Stats() (inserts, takes, evictions uint64) {
	return atomic.LoadUint64(&t.inserts), atomic.LoadUint64(&t.takes), atomic.LoadUint64(&t.evictions)
}
