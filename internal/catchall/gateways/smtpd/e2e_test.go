package smtpd

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-catchall/internal/catchall/common/clock"
	"github.com/haukened/rr-catchall/internal/catchall/common/log"
	"github.com/haukened/rr-catchall/internal/catchall/domain"
	"github.com/haukened/rr-catchall/internal/catchall/repos/directory"
	"github.com/haukened/rr-catchall/internal/catchall/repos/tracker"
	"github.com/haukened/rr-catchall/internal/catchall/services/rewriter"
)

type memAccess struct {
	mu      sync.Mutex
	blocked map[string]uint64
	audits  []domain.AuditRecord
}

func (m *memAccess) CheckAndIncrement(_ context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hits, ok := m.blocked[address]
	if ok {
		m.blocked[address] = hits + 1
	}
	return ok, nil
}

func (m *memAccess) InsertAuditRecord(_ context.Context, rec domain.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, rec)
	return nil
}

type fixedSource struct{ snap *rewriter.Snapshot }

func (f fixedSource) Current() *rewriter.Snapshot { return f.snap }

func (f fixedSource) Acquire() (*rewriter.Snapshot, func()) { return f.snap, func() {} }

func newEngine(t *testing.T, access *memAccess) (*rewriter.Engine, *tracker.Tracker) {
	t.Helper()
	logger := log.NewNoopLogger()
	compiled := rewriter.NewCompiler(logger, clock.RealClock{}).Compile([]domain.RawRule{
		{Name: "example.com", Target: "catchall@example.com"},
	}, "test")
	tr, err := tracker.New(100, time.Minute, logger)
	require.NoError(t, err)

	engine := rewriter.NewEngine(rewriter.EngineOptions{
		AddOrigToHeader: true,
		Audit:           rewriter.NewAuditSink(clock.RealClock{}, time.Second, logger),
		Directory:       directory.NewStatic([]string{"alice@example.com"}),
		Gate:            rewriter.NewBlocklistGate(rewriter.FailOpen, time.Second, logger),
		Logger:          logger,
		RejectOnBlock:   true,
		Source:          fixedSource{snap: &rewriter.Snapshot{Rules: compiled.Rules, Access: access}},
		Tracker:         tr,
	})
	return engine, tr
}

func startServer(t *testing.T, engine *rewriter.Engine, rl *fakeRelay) string {
	t.Helper()
	srv := NewServer(NewBackend(BackendOptions{Engine: engine, Logger: log.NewNoopLogger(), Relay: rl}), "127.0.0.1:0", "relay.test", 5*time.Second, 5*time.Second, 10)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return l.Addr().String()
}

func TestEndToEnd(t *testing.T) {
	access := &memAccess{blocked: map[string]uint64{"spam@example.com": 0}}
	engine, tr := newEngine(t, access)
	rl := &fakeRelay{}
	addr := startServer(t, engine, rl)

	c, err := smtp.Dial(addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Hello("client.test"))
	require.NoError(t, c.Mail("sender@origin.org", nil))
	require.NoError(t, c.Rcpt("bob@example.com", nil))
	require.NoError(t, c.Rcpt("alice@example.com", nil))
	require.NoError(t, c.Rcpt("frank@other.org", nil))

	err = c.Rcpt("spam@example.com", nil)
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "got %v", err)
	assert.Equal(t, 550, smtpErr.Code)

	w, err := c.Data()
	require.NoError(t, err)
	_, err = w.Write([]byte("Subject: test\r\nMessage-Id: <e2e@origin.org>\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, c.Quit())

	rl.mu.Lock()
	defer rl.mu.Unlock()
	require.Len(t, rl.deliveries, 1)
	d := rl.deliveries[0]
	assert.Equal(t, []string{"catchall@example.com", "alice@example.com", "frank@other.org"}, d.to)
	assert.Contains(t, strings.ToLower(d.data), "x-origto: bob@example.com")

	access.mu.Lock()
	defer access.mu.Unlock()
	require.Len(t, access.audits, 1)
	assert.Equal(t, "bob@example.com", access.audits[0].Original)
	assert.Equal(t, "catchall@example.com", access.audits[0].Substituted)
	assert.Equal(t, "<e2e@origin.org>", access.audits[0].MessageID)
	assert.Equal(t, "test", access.audits[0].Subject)
	assert.Equal(t, uint64(1), access.blocked["spam@example.com"])
	assert.Equal(t, 0, tr.Len(), "all decisions consumed")
}

func TestEndToEnd_RelayFailureWritesNoAudit(t *testing.T) {
	access := &memAccess{blocked: map[string]uint64{}}
	engine, tr := newEngine(t, access)
	addr := startServer(t, engine, &fakeRelay{err: errors.New("connection refused")})

	c, err := smtp.Dial(addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Hello("client.test"))
	require.NoError(t, c.Mail("sender@origin.org", nil))
	require.NoError(t, c.Rcpt("bob@example.com", nil))

	w, err := c.Data()
	require.NoError(t, err)
	_, err = w.Write([]byte("Subject: test\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	err = w.Close()
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "got %v", err)
	assert.Equal(t, 451, smtpErr.Code)

	access.mu.Lock()
	defer access.mu.Unlock()
	assert.Empty(t, access.audits)
	assert.Equal(t, 0, tr.Len())
}
