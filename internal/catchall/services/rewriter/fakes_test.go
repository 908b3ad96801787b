package rewriter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/haukened/rr-catchall/internal/catchall/common/log"
	"github.com/haukened/rr-catchall/internal/catchall/domain"
)

// countingLogger records how many entries were logged at each level.
type countingLogger struct {
	mu     sync.Mutex
	counts map[string]int
	msgs   []string
}

func newCountingLogger() *countingLogger {
	return &countingLogger{counts: map[string]int{}}
}

func (l *countingLogger) log(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[level]++
	l.msgs = append(l.msgs, level+": "+msg)
}

func (l *countingLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[level]
}

func (l *countingLogger) Info(_ map[string]any, msg string)  { l.log("info", msg) }
func (l *countingLogger) Error(_ map[string]any, msg string) { l.log("error", msg) }
func (l *countingLogger) Debug(_ map[string]any, msg string) { l.log("debug", msg) }
func (l *countingLogger) Warn(_ map[string]any, msg string)  { l.log("warn", msg) }
func (l *countingLogger) Panic(_ map[string]any, msg string) { l.log("panic", msg) }
func (l *countingLogger) Fatal(_ map[string]any, msg string) { l.log("fatal", msg) }
func (l *countingLogger) With(map[string]any) log.Logger     { return l }

// MockDataAccess is a testify mock of DataAccess.
type MockDataAccess struct {
	mock.Mock
}

func (m *MockDataAccess) CheckAndIncrement(ctx context.Context, address string) (bool, error) {
	args := m.Called(ctx, address)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataAccess) InsertAuditRecord(ctx context.Context, rec domain.AuditRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

// memAccess is an in-memory DataAccess with a blocklist and hit counters.
type memAccess struct {
	mu        sync.Mutex
	blocked   map[string]uint64
	checks    int
	audits    []domain.AuditRecord
	checkErr  error
	insertErr error
}

func newMemAccess(blocked ...string) *memAccess {
	m := &memAccess{blocked: map[string]uint64{}}
	for _, b := range blocked {
		m.blocked[b] = 0
	}
	return m
}

func (m *memAccess) CheckAndIncrement(_ context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks++
	if m.checkErr != nil {
		return false, m.checkErr
	}
	hits, ok := m.blocked[address]
	if ok {
		m.blocked[address] = hits + 1
	}
	return ok, nil
}

func (m *memAccess) InsertAuditRecord(_ context.Context, rec domain.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.audits = append(m.audits, rec)
	return nil
}

func (m *memAccess) hits(address string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked[address]
}

func (m *memAccess) checkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checks
}

type staticSource struct {
	snap *Snapshot
	held atomic.Int64
}

func (s *staticSource) Current() *Snapshot { return s.snap }

func (s *staticSource) Acquire() (*Snapshot, func()) {
	s.held.Add(1)
	return s.snap, func() { s.held.Add(-1) }
}

type fakeDirectory struct {
	known map[string]bool
	err   error
	calls int
}

func (d *fakeDirectory) FindMailbox(_ context.Context, address string) (bool, error) {
	d.calls++
	if d.err != nil {
		return false, d.err
	}
	return d.known[address], nil
}

// mapTracker is a minimal Tracker without eviction.
type mapTracker struct {
	mu sync.Mutex
	m  map[domain.MessageKey]domain.RewriteDecision
}

func newMapTracker() *mapTracker {
	return &mapTracker{m: map[domain.MessageKey]domain.RewriteDecision{}}
}

func (t *mapTracker) Record(key domain.MessageKey, d domain.RewriteDecision) (domain.RewriteDecision, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.m[key]; ok {
		return cur, false
	}
	t.m[key] = d
	return d, true
}

func (t *mapTracker) Peek(key domain.MessageKey) (domain.RewriteDecision, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.m[key]
	return d, ok
}

func (t *mapTracker) TakeAndForget(key domain.MessageKey) (domain.RewriteDecision, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.m[key]
	delete(t.m, key)
	return d, ok
}

func (t *mapTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// mapHeader is a single-valued header good enough for HeaderMutator tests.
type mapHeader map[string]string

func (h mapHeader) Get(k string) string { return h[k] }
func (h mapHeader) Set(k, v string)     { h[k] = v }
func (h mapHeader) Add(k, v string)     { h[k] = v }
