// Package header reads and writes RFC 5322 message headers for the relay.
package header

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/haukened/rr-catchall/internal/catchall/domain"
)

// Message is a parsed header followed by the unread body.
type Message struct {
	Header textproto.Header
	Body   *bufio.Reader
}

// Read parses the header of the message in r. The body is left unread.
func Read(r io.Reader) (*Message, error) {
	br := bufio.NewReader(r)
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("reading message header: %w", err)
	}
	return &Message{Header: h, Body: br}, nil
}

// WriteTo writes the possibly modified header and then the body to w.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	if err := textproto.WriteHeader(cw, m.Header); err != nil {
		return cw.n, fmt.Errorf("writing message header: %w", err)
	}
	if _, err := io.Copy(cw, m.Body); err != nil {
		return cw.n, fmt.Errorf("writing message body: %w", err)
	}
	return cw.n, nil
}

// Meta returns the Message-Id and decoded Subject. The Message-Id is kept
// verbatim, angle brackets included. Undecodable subjects are returned raw.
func (m *Message) Meta() domain.MessageMeta {
	mh := mail.Header{Header: message.Header{Header: m.Header}}
	subject, err := mh.Subject()
	if err != nil {
		subject = m.Header.Get("Subject")
	}
	return domain.MessageMeta{
		MessageID: strings.TrimSpace(m.Header.Get("Message-Id")),
		Subject:   subject,
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
