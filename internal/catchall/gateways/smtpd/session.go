package smtpd

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/emersion/go-smtp"

	"github.com/haukened/rr-catchall/internal/catchall/common/log"
	"github.com/haukened/rr-catchall/internal/catchall/domain"
	"github.com/haukened/rr-catchall/internal/catchall/gateways/header"
)

// Session is one SMTP connection. Each MAIL FROM starts a transaction with a
// fresh id that correlates its recipient decisions with finalization.
type Session struct {
	be     *Backend
	logger log.Logger

	id    string
	from  string
	keys  []domain.MessageKey
	seen  map[domain.MessageKey]struct{}
	rcpts []string
	dedup map[string]struct{}
}

var _ smtp.Session = (*Session)(nil)

// Mail implements smtp.Session.
func (s *Session) Mail(from string, _ *smtp.MailOptions) error {
	s.abort()
	s.id = s.be.newTransactionID()
	s.from = from
	return nil
}

// Rcpt implements smtp.Session.
func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.seen == nil {
		s.seen = make(map[domain.MessageKey]struct{})
		s.dedup = make(map[string]struct{})
	}
	v := s.be.engine.OnRecipient(context.Background(), s.id, s.from, to)
	if _, ok := s.seen[v.Key]; !ok {
		s.seen[v.Key] = struct{}{}
		s.keys = append(s.keys, v.Key)
	}
	if v.Reject {
		s.logger.Info(map[string]any{"tx": s.id, "recipient": to}, "recipient rejected")
		return errRecipientRejected
	}
	if v.Rewritten {
		s.logger.Debug(map[string]any{"tx": s.id, "recipient": to, "target": v.Address}, "recipient rewritten")
	}
	norm := strings.ToLower(v.Address)
	if _, dup := s.dedup[norm]; !dup {
		s.dedup[norm] = struct{}{}
		s.rcpts = append(s.rcpts, v.Address)
	}
	return nil
}

// Data implements smtp.Session.
func (s *Session) Data(r io.Reader) error {
	defer s.clear()
	if len(s.rcpts) == 0 {
		s.be.engine.Forget(s.keys)
		return errNoRecipients
	}

	msg, err := header.Read(r)
	if err != nil {
		s.be.engine.Forget(s.keys)
		s.logger.Warn(map[string]any{"tx": s.id, "error": err}, "rejecting message")
		return errMalformedHeader
	}

	meta := msg.Meta()
	applied := s.be.engine.OnFinalized(context.Background(), s.keys, &msg.Header, meta)

	if err := s.deliver(msg); err != nil {
		s.logger.Error(map[string]any{"tx": s.id, "error": err, "caught": len(applied)}, "relay failed")
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
			return smtpErr
		}
		return errRelayFailed
	}

	// only messages the downstream accepted are audited
	s.be.engine.CommitCatches(context.Background(), applied, meta)
	for _, d := range applied {
		s.logger.Info(map[string]any{
			"tx":       s.id,
			"original": d.Original,
			"replaced": d.Substituted,
		}, "caught message")
	}
	return nil
}

func (s *Session) deliver(msg *header.Message) error {
	ctx := context.Background()
	if s.be.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.be.timeout)
		defer cancel()
	}
	return s.be.relay.Deliver(ctx, s.from, s.rcpts, msg)
}

// Reset implements smtp.Session.
func (s *Session) Reset() { s.abort() }

// Logout implements smtp.Session.
func (s *Session) Logout() error {
	s.abort()
	return nil
}

// abort drops decisions of an unfinished transaction.
func (s *Session) abort() {
	if len(s.keys) > 0 {
		s.be.engine.Forget(s.keys)
	}
	s.clear()
}

func (s *Session) clear() {
	s.id, s.from = "", ""
	s.keys, s.rcpts = nil, nil
	s.seen, s.dedup = nil, nil
}
