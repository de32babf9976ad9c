package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mailroomd.conf")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writeConfig: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `state_dir /tmp/mailroomd-state`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Hostname != "localhost.localdomain" {
		t.Errorf("Hostname default = %q, want localhost.localdomain", cfg.Hostname)
	}
	if cfg.LogTarget != "stderr" {
		t.Errorf("LogTarget default = %q, want stderr", cfg.LogTarget)
	}
	if cfg.Queue != nil {
		t.Errorf("Queue = %+v, want nil with no queue block", cfg.Queue)
	}
}

func TestLoadConfig_Blocks(t *testing.T) {
	path := writeConfig(t, `
hostname mail.example.org
metrics 127.0.0.1:9100

smtp 127.0.0.1:2525 {
	max_message_size 10M
	workers 4
	spill_dir /var/spool/mailroomd/spill
}

lmtp unix://run/mailroomd.sock

relay {
	host smtp.example.org
	port 587
	starttls yes
	user relay@example.org
	password s3cr3t
}

queue {
	dir /var/spool/mailroomd
	safe yes
	poll 30s
	workers 2
}
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Hostname != "mail.example.org" {
		t.Errorf("Hostname = %q, want mail.example.org", cfg.Hostname)
	}
	if cfg.MetricsAddr != "127.0.0.1:9100" {
		t.Errorf("MetricsAddr = %q", cfg.MetricsAddr)
	}

	if len(cfg.SMTP) != 2 {
		t.Fatalf("len(SMTP) = %d, want 2", len(cfg.SMTP))
	}
	if cfg.SMTP[0].LMTP {
		t.Errorf("SMTP[0].LMTP = true, want false for an smtp block")
	}
	if cfg.SMTP[0].Workers != 4 {
		t.Errorf("SMTP[0].Workers = %d, want 4", cfg.SMTP[0].Workers)
	}
	if cfg.SMTP[0].MaxMessageBytes != 10*1024*1024 {
		t.Errorf("SMTP[0].MaxMessageBytes = %d, want 10MiB", cfg.SMTP[0].MaxMessageBytes)
	}
	if cfg.SMTP[0].SpillDir != "/var/spool/mailroomd/spill" {
		t.Errorf("SMTP[0].SpillDir = %q", cfg.SMTP[0].SpillDir)
	}
	if !cfg.SMTP[1].LMTP {
		t.Errorf("SMTP[1].LMTP = false, want true for an lmtp block")
	}

	if cfg.Relay == nil {
		t.Fatal("Relay = nil, want a parsed relay block")
	}
	if cfg.Relay.Host != "smtp.example.org" || cfg.Relay.Port != "587" || !cfg.Relay.StartTLS {
		t.Errorf("Relay = %+v", cfg.Relay)
	}

	if cfg.Queue == nil {
		t.Fatal("Queue = nil, want a parsed queue block")
	}
	if cfg.Queue.Dir != "/var/spool/mailroomd" || !cfg.Queue.Safe {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if cfg.Queue.Poll != 30*time.Second {
		t.Errorf("Queue.Poll = %s, want 30s", cfg.Queue.Poll)
	}
}

func TestLoadConfig_UnknownDirective(t *testing.T) {
	path := writeConfig(t, `bogus directive here`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig succeeded on an unknown top-level directive, want an error")
	}
}

func TestLoadConfig_PrivDropRequiresBothUIDAndGID(t *testing.T) {
	path := writeConfig(t, `
uid 100
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	// GID was never set, so dropPrivileges must treat this as a no-op rather
	// than dropping uid alone.
	if err := dropPrivileges(cfg.UID, cfg.GID); err != nil {
		t.Errorf("dropPrivileges(%d, %d) = %v, want nil (uid without gid is a no-op)", cfg.UID, cfg.GID, err)
	}
}
