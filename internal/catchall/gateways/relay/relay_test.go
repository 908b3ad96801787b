package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-catchall/internal/catchall/common/log"
)

type received struct {
	from string
	to   []string
	data string
}

// sinkBackend is a downstream MTA that records what it accepts.
type sinkBackend struct {
	mu       sync.Mutex
	messages []received
}

func (b *sinkBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &sinkSession{be: b}, nil
}

func (b *sinkBackend) all() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.messages...)
}

type sinkSession struct {
	be  *sinkBackend
	cur received
}

func (s *sinkSession) Mail(from string, _ *smtp.MailOptions) error {
	s.cur.from = from
	return nil
}

func (s *sinkSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if strings.HasPrefix(to, "reject") {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}
	}
	s.cur.to = append(s.cur.to, to)
	return nil
}

func (s *sinkSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.data = string(b)
	s.be.mu.Lock()
	s.be.messages = append(s.be.messages, s.cur)
	s.be.mu.Unlock()
	return nil
}

func (s *sinkSession) Reset()        { s.cur = received{} }
func (s *sinkSession) Logout() error { return nil }

func startSink(t *testing.T) (*sinkBackend, string) {
	t.Helper()
	be := &sinkBackend{}
	srv := smtp.NewServer(be)
	srv.Domain = "downstream.test"
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return be, l.Addr().String()
}

func TestDeliver(t *testing.T) {
	be, addr := startSink(t)
	c := New(Options{Addr: addr, Hostname: "relay.test", Logger: log.NewNoopLogger(), Timeout: 5 * time.Second})

	msg := "Subject: hi\r\nX-OrigTo: bob@example.com\r\n\r\nHello.\r\n"
	err := c.Deliver(context.Background(), "alice@origin.org", []string{"catchall@example.com", "carol@example.com"}, strings.NewReader(msg))
	require.NoError(t, err)

	got := be.all()
	require.Len(t, got, 1)
	assert.Equal(t, "alice@origin.org", got[0].from)
	assert.Equal(t, []string{"catchall@example.com", "carol@example.com"}, got[0].to)
	assert.Contains(t, got[0].data, "X-OrigTo: bob@example.com")
	assert.Contains(t, got[0].data, "Hello.")
}

func TestDeliver_RecipientRejected(t *testing.T) {
	be, addr := startSink(t)
	c := New(Options{Addr: addr, Hostname: "relay.test", Logger: log.NewNoopLogger(), Timeout: 5 * time.Second})

	err := c.Deliver(context.Background(), "alice@origin.org", []string{"reject@example.com"}, strings.NewReader("Subject: x\r\n\r\nx\r\n"))
	require.Error(t, err)
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "got %T: %v", err, err)
	assert.Equal(t, 550, smtpErr.Code)
	assert.Empty(t, be.all())
}

func TestDeliver_NoRecipients(t *testing.T) {
	c := New(Options{Addr: "127.0.0.1:1", Logger: log.NewNoopLogger()})
	err := c.Deliver(context.Background(), "a@b.c", nil, strings.NewReader(""))
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestDeliver_DownstreamUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	c := New(Options{Addr: addr, Hostname: "relay.test", Logger: log.NewNoopLogger(), Timeout: time.Second})
	err = c.Deliver(context.Background(), "a@b.c", []string{"x@y.z"}, strings.NewReader("Subject: x\r\n\r\nx\r\n"))
	assert.Error(t, err)
}

func TestDeliver_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(Options{Addr: "127.0.0.1:1", Logger: log.NewNoopLogger()})
	err := c.Deliver(ctx, "a@b.c", []string{"x@y.z"}, strings.NewReader(""))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeliver_DeadlineAbortsStalledGreeting(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	conns := make(chan net.Conn, 1)
	t.Cleanup(func() {
		_ = l.Close()
		select {
		case conn := <-conns:
			_ = conn.Close()
		default:
		}
	})
	go func() {
		// accept and never greet
		conn, err := l.Accept()
		if err == nil {
			conns <- conn
		}
	}()

	c := New(Options{Addr: l.Addr().String(), Hostname: "relay.test", Logger: log.NewNoopLogger(), Timeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = c.Deliver(ctx, "a@b.c", []string{"x@y.z"}, strings.NewReader("Subject: x\r\n\r\nx\r\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
