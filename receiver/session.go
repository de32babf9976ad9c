package receiver

import (
	"context"
	"io"

	"github.com/emersion/go-smtp"

	"github.com/mailroom/mailroom/framework/address"
)

// Session implements smtp.Session (and smtp.LMTPSession, when the backend
// is configured for LMTP). One Session exists per accepted connection;
// Mail/Rcpt accumulate the envelope, Data/LMTPData trigger delivery.
type Session struct {
	backend *Backend
	peer    string
	from    string
	to      []string
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt enforces the single-recipient-per-transaction rule for plain SMTP;
// LMTP backends accept any number, reported individually by LMTPData.
func (s *Session) Rcpt(to string) error {
	if !s.backend.LMTP && len(s.to) >= 1 {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 5, 3},
			Message:      "Will not accept multiple recipients in one transaction",
		}
	}

	if !address.Valid(to) {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Malformed recipient address",
		}
	}
	clean, err := address.CleanDomain(to)
	if err != nil {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 2},
			Message:      "Unable to normalize the recipient address",
		}
	}

	s.to = append(s.to, clean)
	return nil
}

// Data delivers a plain SMTP message to its one recipient.
func (s *Session) Data(r io.Reader) error {
	data, err := s.backend.readData(r)
	if err != nil {
		return err
	}

	deliver := func() error {
		return s.backend.deliver(context.Background(), s.peer, s.from, s.to[0], data)
	}
	if s.backend.async != nil {
		s.backend.async.run(func() { deliver() })
		return nil
	}
	return deliver()
}

// LMTPData delivers the message to every accumulated recipient, reporting
// one status per recipient via sc rather than a single reply line.
func (s *Session) LMTPData(r io.Reader, sc smtp.StatusCollector) error {
	data, err := s.backend.readData(r)
	if err != nil {
		for _, to := range s.to {
			sc.SetStatus(to, err)
		}
		return nil
	}

	deliverAll := func() {
		for _, to := range s.to {
			sc.SetStatus(to, s.backend.deliver(context.Background(), s.peer, s.from, to, data))
		}
	}
	if s.backend.async != nil {
		s.backend.async.run(deliverAll)
		return nil
	}
	deliverAll()
	return nil
}

func (s *Session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *Session) Logout() error {
	return nil
}
