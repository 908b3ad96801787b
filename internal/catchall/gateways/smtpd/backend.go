// Package smtpd is the SMTP front of the catch-all relay. It applies the
// rewrite engine at RCPT TO and at the end of DATA, then relays downstream.
package smtpd

import (
	"context"
	"io"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/haukened/rr-catchall/internal/catchall/common/clock"
	"github.com/haukened/rr-catchall/internal/catchall/common/ids"
	"github.com/haukened/rr-catchall/internal/catchall/common/log"
	"github.com/haukened/rr-catchall/internal/catchall/domain"
	"github.com/haukened/rr-catchall/internal/catchall/services/rewriter"
)

// Rewriter is the recipient rewrite engine as seen by a session.
type Rewriter interface {
	OnRecipient(ctx context.Context, id, sender, recipient string) rewriter.Verdict
	OnFinalized(ctx context.Context, keys []domain.MessageKey, h rewriter.HeaderMutator, meta domain.MessageMeta) []domain.RewriteDecision
	CommitCatches(ctx context.Context, applied []domain.RewriteDecision, meta domain.MessageMeta)
	Forget(keys []domain.MessageKey)
}

// Deliverer relays a finished message.
type Deliverer interface {
	Deliver(ctx context.Context, from string, to []string, msg io.WriterTo) error
}

var (
	errRecipientRejected = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "Recipient rejected",
	}
	errMalformedHeader = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Malformed message header",
	}
	errRelayFailed = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 4, 1},
		Message:      "Downstream delivery failed, try again later",
	}
	errNoRecipients = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 5, 1},
		Message:      "No valid recipients",
	}
)

// Backend implements smtp.Backend.
type Backend struct {
	clock   clock.Clock
	engine  Rewriter
	logger  log.Logger
	relay   Deliverer
	timeout time.Duration
}

type BackendOptions struct {
	Clock   clock.Clock
	Engine  Rewriter
	Logger  log.Logger
	Relay   Deliverer
	Timeout time.Duration // bounds the downstream relay of one message
}

func NewBackend(opts BackendOptions) *Backend {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Backend{
		clock:   clk,
		engine:  opts.Engine,
		logger:  opts.Logger,
		relay:   opts.Relay,
		timeout: opts.Timeout,
	}
}

// NewSession implements smtp.Backend.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	logger := b.logger
	if c != nil && c.Conn() != nil {
		logger = logger.With(map[string]any{"remote": c.Conn().RemoteAddr().String()})
	}
	return &Session{be: b, logger: logger}, nil
}

func (b *Backend) newTransactionID() string {
	return ids.New(b.clock.Now())
}

// NewServer returns a go-smtp server for b.
func NewServer(b *Backend, addr, hostname string, readTimeout, writeTimeout time.Duration, maxRecipients int) *smtp.Server {
	srv := smtp.NewServer(b)
	srv.Addr = addr
	srv.Domain = hostname
	srv.ReadTimeout = readTimeout
	srv.WriteTimeout = writeTimeout
	srv.MaxRecipients = maxRecipients
	return srv
}
