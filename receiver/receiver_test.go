package receiver_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"

	"github.com/mailroom/mailroom/framework/log"
	"github.com/mailroom/mailroom/internal/mailerr"
	"github.com/mailroom/mailroom/receiver"
	"github.com/mailroom/mailroom/router"
)

const testMail = "From: alice@example.com\r\nTo: bob@example.com\r\nSubject: hi\r\n\r\nhello\r\n"

type fakeDispatcher struct {
	mu       sync.Mutex
	dispatch func(msg router.Envelope) error
	seen     []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, msg router.Envelope) error {
	f.mu.Lock()
	f.seen = append(f.seen, msg.To())
	f.mu.Unlock()
	if f.dispatch != nil {
		return f.dispatch(msg)
	}
	return nil
}

func (f *fakeDispatcher) seenRecipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.seen))
	copy(out, f.seen)
	return out
}

type fakeSink struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakeSink) Push(msg []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return "key", nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func newBackend(d *fakeDispatcher, s *fakeSink, cfg receiver.Config) *receiver.Backend {
	return &receiver.Backend{Config: cfg, Router: d, Undeliverable: s, Log: log.Logger{}}
}

func newSMTPSession(t *testing.T, b *receiver.Backend) smtp.Session {
	t.Helper()
	sess, err := b.NewSession(nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess
}

func TestSyncSessionRejectsSecondRecipientForPlainSMTP(t *testing.T) {
	b := newBackend(&fakeDispatcher{}, &fakeSink{}, receiver.Config{})
	sess := newSMTPSession(t, b)

	if err := sess.Mail("alice@example.com", &smtp.MailOptions{}); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := sess.Rcpt("bob@example.com"); err != nil {
		t.Fatalf("first Rcpt: %v", err)
	}
	if err := sess.Rcpt("carol@example.com"); err == nil {
		t.Fatal("second Rcpt should have been rejected for plain SMTP")
	}
}

func TestRcptRejectsMalformedAddress(t *testing.T) {
	b := newBackend(&fakeDispatcher{}, &fakeSink{}, receiver.Config{})
	sess := newSMTPSession(t, b)

	if err := sess.Mail("alice@example.com", &smtp.MailOptions{}); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := sess.Rcpt("not-an-address"); err == nil {
		t.Fatal("Rcpt should have rejected an address with no domain part")
	}
}

func TestRcptNormalizesDomainCase(t *testing.T) {
	fd := &fakeDispatcher{}
	b := newBackend(fd, &fakeSink{}, receiver.Config{})
	sess := newSMTPSession(t, b)

	sess.Mail("alice@example.com", &smtp.MailOptions{})
	if err := sess.Rcpt("Bob@EXAMPLE.com"); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	if err := sess.Data(strings.NewReader(testMail)); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if got := fd.seenRecipients(); len(got) != 1 || got[0] != "Bob@example.com" {
		t.Errorf("dispatched recipients = %v, want domain lowercased", got)
	}
}

func TestLMTPSessionAcceptsMultipleRecipients(t *testing.T) {
	b := newBackend(&fakeDispatcher{}, &fakeSink{}, receiver.Config{LMTP: true})
	sess := newSMTPSession(t, b)

	if err := sess.Mail("alice@example.com", &smtp.MailOptions{}); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := sess.Rcpt("bob@example.com"); err != nil {
		t.Fatalf("Rcpt 1: %v", err)
	}
	if err := sess.Rcpt("carol@example.com"); err != nil {
		t.Fatalf("Rcpt 2: %v", err)
	}
}

func TestDataDeliversAndReturnsOkOnSuccess(t *testing.T) {
	fd := &fakeDispatcher{}
	fs := &fakeSink{}
	b := newBackend(fd, fs, receiver.Config{})
	sess := newSMTPSession(t, b)

	sess.Mail("alice@example.com", &smtp.MailOptions{})
	sess.Rcpt("bob@example.com")

	if err := sess.Data(strings.NewReader(testMail)); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if got := fd.seenRecipients(); len(got) != 1 || got[0] != "bob@example.com" {
		t.Errorf("dispatched recipients = %v", got)
	}
	if fs.count() != 0 {
		t.Errorf("undeliverable sink should be empty on success, got %d", fs.count())
	}
}

func TestDataSpillsLargePayloadToDisk(t *testing.T) {
	fd := &fakeDispatcher{}
	fs := &fakeSink{}
	b := newBackend(fd, fs, receiver.Config{SpillDir: t.TempDir()})
	sess := newSMTPSession(t, b)

	sess.Mail("alice@example.com", &smtp.MailOptions{})
	sess.Rcpt("bob@example.com")

	body := testMail + strings.Repeat("x", 2*1024*1024)
	if err := sess.Data(strings.NewReader(body)); err != nil {
		t.Fatalf("Data: %v", err)
	}
	if got := fd.seenRecipients(); len(got) != 1 || got[0] != "bob@example.com" {
		t.Errorf("dispatched recipients = %v", got)
	}
}

func TestDataSwallowsNonSMTPErrorAndPushesUndeliverable(t *testing.T) {
	fd := &fakeDispatcher{dispatch: func(msg router.Envelope) error { return context.DeadlineExceeded }}
	fs := &fakeSink{}
	b := newBackend(fd, fs, receiver.Config{})
	sess := newSMTPSession(t, b)

	sess.Mail("alice@example.com", &smtp.MailOptions{})
	sess.Rcpt("bob@example.com")

	if err := sess.Data(strings.NewReader(testMail)); err != nil {
		t.Fatalf("Data should swallow a non-SMTP handler error and return nil: %v", err)
	}
	if fs.count() != 1 {
		t.Errorf("undeliverable sink count = %d, want 1", fs.count())
	}
}

func TestDataPropagatesSMTPError(t *testing.T) {
	wantErr := &mailerr.SMTPError{Code: 550, Message: "rejected"}
	fd := &fakeDispatcher{dispatch: func(msg router.Envelope) error { return wantErr }}
	fs := &fakeSink{}
	b := newBackend(fd, fs, receiver.Config{})
	sess := newSMTPSession(t, b)

	sess.Mail("alice@example.com", &smtp.MailOptions{})
	sess.Rcpt("bob@example.com")

	err := sess.Data(strings.NewReader(testMail))
	if err == nil {
		t.Fatal("Data should propagate the SMTPError")
	}
	se, ok := err.(*smtp.SMTPError)
	if !ok || se.Code != 550 {
		t.Errorf("Data error = %#v, want *smtp.SMTPError{Code: 550}", err)
	}
	if fs.count() != 0 {
		t.Errorf("undeliverable sink should stay empty when an SMTPError propagates, got %d", fs.count())
	}
}

func TestLMTPDataReportsPerRecipientStatus(t *testing.T) {
	fd := &fakeDispatcher{dispatch: func(msg router.Envelope) error {
		if msg.To() == "carol@example.com" {
			return &mailerr.SMTPError{Code: 550, Message: "no such user"}
		}
		return nil
	}}
	fs := &fakeSink{}
	b := newBackend(fd, fs, receiver.Config{LMTP: true})
	sess := newSMTPSession(t, b)

	sess.Mail("alice@example.com", &smtp.MailOptions{})
	sess.Rcpt("bob@example.com")
	sess.Rcpt("carol@example.com")

	lmtpSess, ok := sess.(smtp.LMTPSession)
	if !ok {
		t.Fatal("Session does not implement smtp.LMTPSession")
	}

	statuses := map[string]error{}
	collector := statusCollectorFunc(func(rcpt string, err error) {
		statuses[rcpt] = err
	})

	if err := lmtpSess.LMTPData(strings.NewReader(testMail), collector); err != nil {
		t.Fatalf("LMTPData: %v", err)
	}
	if statuses["bob@example.com"] != nil {
		t.Errorf("bob status = %v, want nil", statuses["bob@example.com"])
	}
	if statuses["carol@example.com"] == nil {
		t.Error("carol status = nil, want an error")
	}
}

type statusCollectorFunc func(rcptTo string, err error)

func (f statusCollectorFunc) SetStatus(rcptTo string, err error) { f(rcptTo, err) }
