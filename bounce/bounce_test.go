package bounce_test

import (
	"strings"
	"testing"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"

	"github.com/mailroom/mailroom/bounce"
)

const dsnFixture = "Action: failed\r\n" +
	"Content-Description: Notification\r\n" +
	"Diagnostic-Code: smtp; 550 5.1.1 unknown user\r\n" +
	"Final-Recipient: rfc822; user@example.com\r\n" +
	"Received: from mx.example.com\r\n" +
	"Remote-Mta: dns; mx.example.com\r\n" +
	"Reporting-Mta: dns; mail.example.com\r\n" +
	"Status: 5.1.1\r\n" +
	"\r\n" +
	"body\r\n"

func TestAnalyzeFullScoreIsProbable(t *testing.T) {
	e, err := message.Read(strings.NewReader(dsnFixture))
	if err != nil {
		t.Fatalf("message.Read: %v", err)
	}

	a, err := bounce.Analyze(e)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if a.Score != 1.0 {
		t.Errorf("Score = %v, want 1.0", a.Score)
	}
	if !a.Probable(bounce.DefaultThreshold) {
		t.Errorf("Probable() = false, want true")
	}
}

func TestAnalyzeClassifiesHardBounce(t *testing.T) {
	e, err := message.Read(strings.NewReader(dsnFixture))
	if err != nil {
		t.Fatalf("message.Read: %v", err)
	}

	a, err := bounce.Analyze(e)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if a.Primary.Code != 5 || a.Primary.Label != "Permanent Failure" {
		t.Errorf("Primary = %+v, want (5, Permanent Failure)", a.Primary)
	}
	if a.Combined.Code != 11 || a.Combined.Label != "Bad destination mailbox address" {
		t.Errorf("Combined = %+v, want (11, Bad destination mailbox address)", a.Combined)
	}
	if !a.IsHard() {
		t.Errorf("IsHard() = false, want true")
	}
	if a.IsSoft() {
		t.Errorf("IsSoft() = true, want false")
	}
}

func TestAnalyzeNoStatusHeaderIsUnset(t *testing.T) {
	e, err := message.Read(strings.NewReader("Subject: hi\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("message.Read: %v", err)
	}

	a, err := bounce.Analyze(e)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if a.Primary.Code != -1 {
		t.Errorf("Primary.Code = %d, want -1 (unset)", a.Primary.Code)
	}
	if a.ErrorForHumans() != "No status codes found in bounce message." {
		t.Errorf("ErrorForHumans() = %q", a.ErrorForHumans())
	}
}
