// Package relay hands accepted messages to the downstream MTA over SMTP.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/haukened/rr-catchall/internal/catchall/common/log"
)

var ErrNoRecipients = errors.New("no recipients to relay")

// Client delivers to a single downstream host:port. Each delivery uses its
// own connection; there is no queue, so a failure is returned to the caller.
type Client struct {
	addr     string
	hostname string
	logger   log.Logger
	timeout  time.Duration
}

type Options struct {
	Addr     string        // downstream host:port
	Hostname string        // EHLO name
	Logger   log.Logger
	Timeout  time.Duration // per command, DATA included
}

func New(opts Options) *Client {
	return &Client{
		addr:     opts.Addr,
		hostname: opts.Hostname,
		logger:   opts.Logger,
		timeout:  opts.Timeout,
	}
}

// Deliver relays msg from sender to every recipient in to. Canceling ctx
// aborts the transaction by closing the connection.
func (c *Client) Deliver(ctx context.Context, from string, to []string, msg io.WriterTo) error {
	if len(to) == 0 {
		return ErrNoRecipients
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.addr, err)
	}
	cl := smtp.NewClient(conn)
	defer cl.Close()
	if c.timeout > 0 {
		cl.CommandTimeout = c.timeout
		cl.SubmissionTimeout = c.timeout
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := c.transact(cl, from, to, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("relaying to %s: %w", c.addr, ctxErr)
		}
		return err
	}
	c.logger.Debug(map[string]any{
		"from":       from,
		"recipients": len(to),
		"downstream": c.addr,
	}, "message relayed")
	return nil
}

func (c *Client) transact(cl *smtp.Client, from string, to []string, msg io.WriterTo) error {
	if err := cl.Hello(c.hostname); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if err := cl.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := cl.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := cl.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := msg.WriteTo(w); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if err := cl.Quit(); err != nil {
		c.logger.Debug(map[string]any{"error": err}, "QUIT after delivery")
	}
	return nil
}
