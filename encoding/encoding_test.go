package encoding_test

import (
	"strings"
	"testing"

	_ "github.com/emersion/go-message/charset"

	"github.com/mailroom/mailroom/encoding"
)

func TestParseSerializeRoundTripsHeaders(t *testing.T) {
	raw := "From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: hello\r\n" +
		"\r\n" +
		"hi there\r\n"

	m, err := encoding.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if v, _ := m.Get("Subject"); v != "hello" {
		t.Errorf("Subject = %q, want %q", v, "hello")
	}
	if v, _ := m.Get("From"); v != "alice@example.com" {
		t.Errorf("From = %q, want %q", v, "alice@example.com")
	}

	out, err := encoding.Serialize(m)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	m2, err := encoding.Parse(out)
	if err != nil {
		t.Fatalf("re-Parse: %v", err)
	}
	if v, _ := m2.Get("Subject"); v != "hello" {
		t.Errorf("round-tripped Subject = %q, want %q", v, "hello")
	}
	if v, _ := m2.Get("From"); v != "alice@example.com" {
		t.Errorf("round-tripped From = %q, want %q", v, "alice@example.com")
	}
}

func TestContentEncodingStripsBoundaryParam(t *testing.T) {
	raw := "Content-Type: multipart/mixed; boundary=xyz\r\n" +
		"\r\n" +
		"--xyz\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"body\r\n" +
		"--xyz--\r\n"

	m, err := encoding.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	_, params, err := m.ContentEncoding("Content-Type")
	if err != nil {
		t.Fatalf("ContentEncoding: %v", err)
	}
	if _, ok := params["boundary"]; ok {
		t.Errorf("boundary param leaked through ContentEncoding: %+v", params)
	}
	if len(m.Parts) != 1 {
		t.Fatalf("Parts = %d, want 1", len(m.Parts))
	}
}

func TestEncodedWordSubjectRoundTrips(t *testing.T) {
	raw := "Subject: =?utf-8?q?=C5=81ukasz?=\r\n" +
		"\r\n" +
		"body\r\n"

	m, err := encoding.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	subject, _ := m.Get("Subject")
	if subject != "Łukasz" {
		t.Fatalf("Subject = %q, want %q", subject, "Łukasz")
	}

	out, err := encoding.Serialize(m)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !strings.Contains(string(out), "=?utf-8?") {
		t.Errorf("serialized output does not contain an encoded word: %s", out)
	}

	m2, err := encoding.Parse(out)
	if err != nil {
		t.Fatalf("re-Parse: %v", err)
	}
	if v, _ := m2.Get("Subject"); v != "Łukasz" {
		t.Errorf("round-tripped Subject = %q, want %q", v, "Łukasz")
	}
}

func TestAttachTextAddsMultipartChild(t *testing.T) {
	m := encoding.New()
	m.Set("From", "alice@example.com")
	m.SetText("top level body is ignored once there are parts")
	m.AttachText("plain part", "text/plain")
	m.AttachText("<p>html part</p>", "text/html")

	out, err := encoding.Serialize(m)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	m2, err := encoding.Parse(out)
	if err != nil {
		t.Fatalf("re-Parse: %v", err)
	}
	if len(m2.Parts) != 2 {
		t.Fatalf("Parts = %d, want 2", len(m2.Parts))
	}
	ctype, _, _ := m2.ContentEncoding("Content-Type")
	if !strings.HasPrefix(ctype, "multipart/") {
		t.Errorf("Content-Type = %q, want multipart/*", ctype)
	}
}
