// Package message provides the thin Request/Response façades (C7) that
// handlers actually interact with: MailRequest adds envelope fields and a
// lazily computed BounceAnalysis on top of a parsed encoding.MailBase;
// MailResponse adds the convenience of building an outbound MailBase from a
// handful of strings.
//
// Grounded on salmon's mail.MailRequest/MailResponse (referenced throughout
// encoding.py, server.py and bounce.py, though the class bodies themselves
// live in salmon/mail.py which isn't part of the retrieved source set) and
// on server.py's Relay.send/Relay.reply helpers.
package message

import (
	"bytes"
	"fmt"
	"sync"

	gomessage "github.com/emersion/go-message"
	"github.com/google/uuid"

	"github.com/mailroom/mailroom/bounce"
	"github.com/mailroom/mailroom/encoding"
	"github.com/mailroom/mailroom/router"
)

// MailRequest is an inbound message as delivered to the Router: the raw
// envelope a Receiver observed (Peer, From, To) plus the parsed MailBase
// tree, and a BounceAnalysis computed on first access rather than on every
// delivery (most mail is not a bounce).
type MailRequest struct {
	Peer string
	From string
	To   string
	Data []byte

	*encoding.MailBase

	bounceOnce   sync.Once
	bounceResult *bounce.Analysis
	bounceErr    error
}

// NewRequest parses data and wraps it as a MailRequest carrying the given
// envelope fields.
func NewRequest(peer, from, to string, data []byte) (*MailRequest, error) {
	base, err := encoding.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("message: new request: %w", err)
	}
	return &MailRequest{Peer: peer, From: from, To: to, Data: data, MailBase: base}, nil
}

// routerEnvelope adapts a *MailRequest's From/To fields to router.Envelope's
// From()/To() methods. A method and a field of the same name cannot coexist
// on one type, and the field names are fixed by convention (salmon's
// MailRequest.From/.To), so the adapter lives on a separate wrapper type
// instead of on MailRequest itself.
type routerEnvelope struct{ *MailRequest }

func (e routerEnvelope) From() string { return e.MailRequest.From }
func (e routerEnvelope) To() string   { return e.MailRequest.To }

// Envelope adapts r for use with Router.Dispatch.
func (r *MailRequest) Envelope() router.Envelope { return routerEnvelope{r} }

// Bounce lazily analyzes Data as a possible DSN, caching the result (and any
// parse error) for subsequent calls.
func (r *MailRequest) Bounce() (*bounce.Analysis, error) {
	r.bounceOnce.Do(func() {
		entity, err := gomessage.Read(bytes.NewReader(r.Data))
		if err != nil {
			r.bounceErr = fmt.Errorf("message: bounce: %w", err)
			return
		}
		r.bounceResult, r.bounceErr = bounce.Analyze(entity)
	})
	return r.bounceResult, r.bounceErr
}

// IsBounce reports whether the message scores as a probable DSN under
// bounce.DefaultThreshold. Parse failures are treated as "not a bounce"
// rather than propagated, since callers checking IsBounce rarely want to
// handle an error for what is, for their purposes, just a normal message.
func (r *MailRequest) IsBounce() bool {
	a, err := r.Bounce()
	return err == nil && a.Probable(bounce.DefaultThreshold)
}

// MailResponse is an outbound message under construction: a MailBase plus
// the envelope fields a Relay needs to hand it to an SMTP/LMTP session.
type MailResponse struct {
	To      string
	From    string
	Subject string

	*encoding.MailBase
}

// NewResponse builds a simple text/plain response, mirroring
// mail.MailResponse(To=.., From=.., Subject=.., Body=..).
func NewResponse(to, from, subject, body string) *MailResponse {
	m := encoding.New()
	m.Set("To", to)
	m.Set("From", from)
	m.Set("Subject", subject)
	m.SetText(body)
	return &MailResponse{To: to, From: from, Subject: subject, MailBase: m}
}

// SetHTML adds an HTML alternative for the plain-text body already set on
// the response, turning it into a multipart/alternative message.
func (r *MailResponse) SetHTML(html string) {
	if r.MailBase.Body() != nil {
		plain := r.MailBase.Body().Text
		r.MailBase.ClearBody()
		r.MailBase.AttachText(plain, "text/plain")
	}
	r.MailBase.AttachText(html, "text/html")
	r.MailBase.SetContentEncoding("Content-Type", "multipart/alternative", map[string]string{})
}

// EnsureMessageID assigns a Message-Id header if none is present, so that a
// handler constructing a response from scratch does not need to remember to
// do so itself.
func (r *MailResponse) EnsureMessageID(domain string) {
	if _, ok := r.MailBase.Get("Message-Id"); ok {
		return
	}
	r.MailBase.Set("Message-Id", fmt.Sprintf("<%s@%s>", uuid.NewString(), domain))
}

// Serialize canonicalizes and encodes the response to wire bytes.
func (r *MailResponse) Serialize() ([]byte, error) {
	return encoding.Serialize(r.MailBase)
}
