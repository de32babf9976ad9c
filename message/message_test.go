package message_test

import (
	"context"
	"strings"
	"testing"

	"github.com/mailroom/mailroom/message"
	"github.com/mailroom/mailroom/router"
)

const plainMail = "From: alice@example.com\r\nTo: bob@example.com\r\nSubject: hi\r\n\r\nhello\r\n"

func TestNewRequestParsesAndExposesEnvelope(t *testing.T) {
	req, err := message.NewRequest("10.0.0.1", "alice@example.com", "bob@example.com", []byte(plainMail))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if req.Peer != "10.0.0.1" {
		t.Errorf("Peer = %q", req.Peer)
	}
	if subj, _ := req.Get("Subject"); subj != "hi" {
		t.Errorf("Subject = %q, want %q", subj, "hi")
	}
	if req.Envelope().From() != "alice@example.com" || req.Envelope().To() != "bob@example.com" {
		t.Errorf("Envelope = (%q, %q)", req.Envelope().From(), req.Envelope().To())
	}
}

func TestIsBounceFalseForOrdinaryMail(t *testing.T) {
	req, err := message.NewRequest("10.0.0.1", "alice@example.com", "bob@example.com", []byte(plainMail))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if req.IsBounce() {
		t.Error("ordinary mail reported as a bounce")
	}
}

func TestNewResponseBuildsSerializableMessage(t *testing.T) {
	resp := message.NewResponse("bob@example.com", "alice@example.com", "re: hi", "thanks!")
	resp.EnsureMessageID("example.com")

	data, err := resp.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, "Subject: re: hi") {
		t.Errorf("serialized response missing Subject header:\n%s", s)
	}
	if !strings.Contains(s, "Message-Id:") {
		t.Errorf("serialized response missing generated Message-Id:\n%s", s)
	}
}

func TestBounceToFallsThroughForOrdinaryMail(t *testing.T) {
	req, err := message.NewRequest("10.0.0.1", "alice@example.com", "bob@example.com", []byte(plainMail))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	var calledFallback, calledSoft, calledHard bool
	fallback := func(ctx context.Context, msg router.Envelope, captures map[string]string) (*router.HandlerRef, error) {
		calledFallback = true
		return nil, nil
	}
	soft := func(ctx context.Context, msg router.Envelope, captures map[string]string) (*router.HandlerRef, error) {
		calledSoft = true
		return nil, nil
	}
	hard := func(ctx context.Context, msg router.Envelope, captures map[string]string) (*router.HandlerRef, error) {
		calledHard = true
		return nil, nil
	}

	wrapped := message.BounceTo(soft, hard, fallback)
	if _, err := wrapped(context.Background(), req.Envelope(), nil); err != nil {
		t.Fatalf("wrapped handler: %v", err)
	}
	if !calledFallback || calledSoft || calledHard {
		t.Errorf("ordinary mail routed wrong: fallback=%v soft=%v hard=%v", calledFallback, calledSoft, calledHard)
	}
}
