// Command mailroomd is the reference daemon that wires the Queue, Router,
// Receivers, Relay and State Storage components together from a directive
// file, the way a salmon project's boot.py wires up a Relay and a receiver
// from its own settings module.
//
// Grounded on the teacher's maddy.go (ReadGlobals/moduleMain's globals-then-
// blocks config shape) and cmd/maddyctl/main.go (the urfave/cli surface),
// scaled down: mailroomd has no dynamic module registry, since handler
// modules here are Go functions registered at Bootstrap time, not config
// blocks resolved against a plugin factory table.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	cfgparser "github.com/mailroom/mailroom/framework/cfgparser"
	"github.com/mailroom/mailroom/framework/config"
)

// SMTPListener configures one bound SMTP or LMTP endpoint.
type SMTPListener struct {
	Network         string // "tcp" or "unix"
	Address         string
	LMTP            bool
	MaxMessageBytes int64
	// Workers bounds the Asynchronous receiver variant's worker pool; 0
	// keeps delivery synchronous (Data blocks the SMTP conversation).
	Workers int
	// SpillDir, if set, lets a DATA payload larger than the in-memory
	// threshold spill to a file there instead of growing in RAM.
	SpillDir string
}

// RelayConfig mirrors relay.Config's directive-file shape.
type RelayConfig struct {
	Host     string
	Port     string
	SSL      bool
	StartTLS bool
	LMTP     bool
	Username string
	Password string
}

// QueueConfig configures the undeliverable sink and, if Poll is set, a
// QueueReceiver draining it on an interval.
type QueueConfig struct {
	Dir         string
	Safe        bool
	OversizeDir string
	PopLimit    int64
	Poll        time.Duration
	Workers     int
}

// Config is the whole of mailroomd's directive file.
type Config struct {
	Hostname string
	StateDir string

	LogTarget string
	Debug     bool

	MetricsAddr string

	SMTP  []SMTPListener
	Relay *RelayConfig
	Queue *QueueConfig

	// UID and GID, if both non-zero, are dropped to after every listener in
	// SMTP and Metrics has bound its socket. See privdrop_unix.go.
	UID int
	GID int

	PIDFile string
}

// LoadConfig reads and parses the directive file at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mailroomd: %w", err)
	}
	defer f.Close()

	nodes, err := cfgparser.Read(f, path)
	if err != nil {
		return nil, fmt.Errorf("mailroomd: %w", err)
	}

	cfg := &Config{}
	m := config.NewMap(nil, config.Node{Children: nodes})
	m.String("hostname", false, false, "localhost.localdomain", &cfg.Hostname)
	m.String("state_dir", false, false, "/var/lib/mailroomd", &cfg.StateDir)
	m.String("log", false, false, "stderr", &cfg.LogTarget)
	m.Bool("debug", false, false, &cfg.Debug)
	m.String("metrics", false, false, "", &cfg.MetricsAddr)
	m.Int("uid", false, false, 0, &cfg.UID)
	m.Int("gid", false, false, 0, &cfg.GID)
	m.String("pidfile", false, false, "", &cfg.PIDFile)
	m.AllowUnknown()

	unknown, err := m.Process()
	if err != nil {
		return nil, fmt.Errorf("mailroomd: %w", err)
	}

	for _, node := range unknown {
		switch node.Name {
		case "smtp", "lmtp":
			l, err := parseSMTPListener(node)
			if err != nil {
				return nil, err
			}
			cfg.SMTP = append(cfg.SMTP, l)
		case "relay":
			r, err := parseRelay(node)
			if err != nil {
				return nil, err
			}
			cfg.Relay = r
		case "queue":
			q, err := parseQueue(node)
			if err != nil {
				return nil, err
			}
			cfg.Queue = q
		default:
			return nil, config.NodeErr(node, "unknown directive: %s", node.Name)
		}
	}

	return cfg, nil
}

func parseSMTPListener(node config.Node) (SMTPListener, error) {
	l := SMTPListener{Network: "tcp", LMTP: node.Name == "lmtp"}
	if len(node.Args) != 1 {
		return l, config.NodeErr(node, "%s expects exactly one address argument", node.Name)
	}
	l.Address = node.Args[0]
	if strings.HasPrefix(l.Address, "unix://") {
		l.Network = "unix"
		l.Address = strings.TrimPrefix(l.Address, "unix://")
	}

	sub := config.NewMap(nil, node)
	sub.DataSize("max_message_size", false, false, 32*1024*1024, &l.MaxMessageBytes)
	sub.Int("workers", false, false, 0, &l.Workers)
	sub.Bool("lmtp", false, l.LMTP, &l.LMTP)
	sub.String("spill_dir", false, false, "", &l.SpillDir)
	if _, err := sub.Process(); err != nil {
		return l, err
	}
	return l, nil
}

func parseRelay(node config.Node) (*RelayConfig, error) {
	r := &RelayConfig{Port: "25"}
	sub := config.NewMap(nil, node)
	sub.String("host", false, false, "", &r.Host)
	sub.String("port", false, false, "25", &r.Port)
	sub.Bool("ssl", false, false, &r.SSL)
	sub.Bool("starttls", false, false, &r.StartTLS)
	sub.Bool("lmtp", false, false, &r.LMTP)
	sub.String("user", false, false, "", &r.Username)
	sub.String("password", false, false, "", &r.Password)
	if _, err := sub.Process(); err != nil {
		return nil, err
	}
	return r, nil
}

func parseQueue(node config.Node) (*QueueConfig, error) {
	q := &QueueConfig{}
	sub := config.NewMap(nil, node)
	sub.String("dir", false, true, "", &q.Dir)
	sub.Bool("safe", false, false, &q.Safe)
	sub.String("oversize_dir", false, false, "", &q.OversizeDir)
	sub.DataSize("pop_limit", false, false, 0, &q.PopLimit)
	sub.Duration("poll", false, false, 0, &q.Poll)
	sub.Int("workers", false, false, 1, &q.Workers)
	if _, err := sub.Process(); err != nil {
		return nil, err
	}
	return q, nil
}

// openLogOutput opens the writer for the "log" directive's value and returns
// it with a name for it: "stderr", "stdout", or otherwise a file path opened
// for appending. "syslog" is not special-cased and is opened as a file path.
func openLogOutput(target string) (io.WriteCloser, string, error) {
	switch target {
	case "stderr", "":
		return nopCloser{os.Stderr}, "stderr", nil
	case "stdout":
		return nopCloser{os.Stdout}, "stdout", nil
	default:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, "", fmt.Errorf("mailroomd: log: %w", err)
		}
		return f, target, nil
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
