package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// maxLockAttempts bounds the exponential backoff used to acquire a sidecar
// file's advisory lock: failed attempts sleep 2, 4, 8, 16 and 32 seconds
// (base 2 seconds, doubling), 62 seconds in total, before giving up.
const maxLockAttempts = 5

// Envelope is the SMTP-level delivery information stored alongside a queued
// message by WithMetadata: who handed it off, who it claims to be from, and
// the recipients still outstanding.
type Envelope struct {
	Peer string   `json:"peer"`
	From string   `json:"from"`
	To   []string `json:"to"`
}

// MetadataQueue wraps a Queue and additionally persists an Envelope sidecar
// per message under Dir/metadata, mirroring salmon's QueueWithMetadata. Each
// sidecar access is guarded by an exclusive advisory lock so that a message
// with multiple recipients can be drained by concurrent workers one
// recipient at a time without double delivery.
type MetadataQueue struct {
	*Queue
}

// WithMetadata adapts q into a MetadataQueue, creating Dir/metadata if
// necessary.
func WithMetadata(q *Queue) (*MetadataQueue, error) {
	if err := os.MkdirAll(q.metadataDir(), 0o700); err != nil {
		return nil, fmt.Errorf("queue: metadata: %w", err)
	}
	return &MetadataQueue{Queue: q}, nil
}

func (q *Queue) metadataDir() string { return filepath.Join(q.Dir, "metadata") }

// withSidecarLock opens Dir/metadata/key (creating it if create is true),
// takes an exclusive advisory lock with exponential backoff, and runs fn
// while holding it. fn receives nil envelope data if the sidecar did not
// exist yet.
func (q *Queue) withSidecarLock(key string, create bool, fn func(f *os.File) error) error {
	path := filepath.Join(q.metadataDir(), key)

	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o600)
	if errors.Is(err, os.ErrNotExist) {
		return fn(nil)
	}
	if err != nil {
		return fmt.Errorf("queue: metadata: %w", err)
	}
	defer f.Close()

	if err := lockWithBackoff(f); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn(f)
}

func lockWithBackoff(f *os.File) error {
	for attempt := 0; ; attempt++ {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			return fmt.Errorf("queue: metadata: flock: %w", err)
		}
		if attempt >= maxLockAttempts {
			return fmt.Errorf("queue: metadata: %w", err)
		}
		time.Sleep(time.Duration(2<<attempt) * time.Second)
	}
}

func readEnvelope(f *os.File) (Envelope, error) {
	var env Envelope
	if f == nil {
		return env, nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return env, err
	}
	dec := json.NewDecoder(f)
	if err := dec.Decode(&env); err != nil {
		return env, fmt.Errorf("queue: metadata: decode: %w", err)
	}
	return env, nil
}

func writeEnvelope(f *os.File, env Envelope) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	return json.NewEncoder(f).Encode(env)
}

// Push stores message and its envelope, returning the key it was filed
// under.
func (q *MetadataQueue) Push(message []byte, peer, from string, to []string) (string, error) {
	key, err := q.Queue.Push(message)
	if err != nil {
		return "", err
	}

	env := Envelope{Peer: peer, From: from, To: append([]string(nil), to...)}
	err = q.withSidecarLock(key, true, func(f *os.File) error {
		return writeEnvelope(f, env)
	})
	if err != nil {
		q.Queue.Remove(key)
		return "", err
	}
	return key, nil
}

// Get returns the message and envelope stored under key.
func (q *MetadataQueue) Get(key string) ([]byte, Envelope, error) {
	data, err := q.Queue.Get(key)
	if err != nil || data == nil {
		return data, Envelope{}, err
	}

	var env Envelope
	err = q.withSidecarLock(key, false, func(f *os.File) error {
		e, err := readEnvelope(f)
		env = e
		return err
	})
	return data, env, err
}

// Remove consumes one recipient from key's envelope. The underlying message
// and its sidecar are only deleted once every recipient has been consumed;
// until then the message stays queued for the remaining recipients.
func (q *MetadataQueue) Remove(key, recipient string) error {
	return q.withSidecarLock(key, false, func(f *os.File) error {
		if f == nil {
			return q.Queue.Remove(key)
		}

		env, err := readEnvelope(f)
		if err != nil {
			return err
		}
		env.To = removeOne(env.To, recipient)

		if len(env.To) == 0 {
			if err := q.Queue.Remove(key); err != nil {
				return err
			}
			return os.Remove(f.Name())
		}
		return writeEnvelope(f, env)
	})
}

func removeOne(list []string, v string) []string {
	for i, s := range list {
		if s == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Clear removes every sidecar and every queued message. Best-effort: a
// crash between the two passes can leave one without the other.
func (q *MetadataQueue) Clear() error {
	entries, err := os.ReadDir(q.metadataDir())
	if err != nil {
		return fmt.Errorf("queue: metadata: clear: %w", err)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(q.metadataDir(), e.Name())); err != nil {
			return fmt.Errorf("queue: metadata: clear: %w", err)
		}
	}
	return q.Queue.Clear()
}
