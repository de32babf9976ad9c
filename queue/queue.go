// Package queue implements the Queue component (C3): a Maildir-backed
// "put mail in, get mail out" queue. It deliberately does not expose the
// full surface of a real Maildir implementation -- just enough to push,
// pop, get, and remove whole messages by key.
package queue

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mailroom/mailroom/internal/metrics"
)

// ErrNameClash is returned by push when the generated tmp/ filename for a
// safe Queue already exists. It mirrors mailbox.ExternalClashError.
var ErrNameClash = errors.New("queue: name clash prevented file creation")

var hostnameHash = func() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	sum := md5.Sum([]byte(host))
	return hex.EncodeToString(sum[:])
}()

var tmpCounter uint64

// Queue is a Maildir-format queue rooted at Dir: Dir/tmp, Dir/new, Dir/cur.
// Messages are written into tmp/ first and atomically renamed into new/ so
// that a reader never observes a partially written file.
type Queue struct {
	Dir string

	// Safe, when true, includes a hash of the local hostname in generated
	// tmp filenames so that the queue directory can be shared by multiple
	// hosts without key collisions (salmon's SafeMaildir).
	Safe bool

	// PopLimit caps the size in bytes of messages Pop will return. Messages
	// over the limit are diverted to OversizeDir (or deleted if unset).
	// Zero disables the check.
	PopLimit int64

	// OversizeDir, if set, receives messages that exceed PopLimit. It is
	// itself maintained as a Maildir new/ directory.
	OversizeDir string
}

// New creates (if absent) the tmp/new/cur subdirectories under dir and
// returns a Queue rooted there.
func New(dir string) (*Queue, error) {
	q := &Queue{Dir: dir}
	if err := q.init(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) init() error {
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(q.Dir, sub), 0o700); err != nil {
			return fmt.Errorf("queue: %w", err)
		}
	}
	if q.OversizeDir != "" {
		if err := os.MkdirAll(filepath.Join(q.OversizeDir, "new"), 0o700); err != nil {
			return fmt.Errorf("queue: oversize dir: %w", err)
		}
	}
	return nil
}

func (q *Queue) newDir() string { return filepath.Join(q.Dir, "new") }
func (q *Queue) tmpDir() string { return filepath.Join(q.Dir, "tmp") }

// tmpName generates a unique filename following the Maildir convention:
// <seconds>.M<microseconds>P<pid>Q<counter>.<host>. Safe queues additionally
// hash the hostname so the identifier is fit for sharing with untrusted
// parties.
func (q *Queue) tmpName() string {
	now := time.Now()
	count := atomic.AddUint64(&tmpCounter, 1)
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	if q.Safe {
		host = hostnameHash
	}
	return fmt.Sprintf("%d.M%dP%dQ%d.%s", now.Unix(), now.Nanosecond()/1000, os.Getpid(), count, host)
}

// Push writes message into the queue and returns the key it was stored
// under. Order between pushed messages is not preserved.
func (q *Queue) Push(message []byte) (string, error) {
	key := q.tmpName()
	tmpPath := filepath.Join(q.tmpDir(), key)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if q.Safe && errors.Is(err, os.ErrExist) {
			return "", ErrNameClash
		}
		return "", fmt.Errorf("queue: push: %w", err)
	}
	if _, err := f.Write(message); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("queue: push: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("queue: push: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("queue: push: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(q.newDir(), key)); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("queue: push: %w", err)
	}
	metrics.QueuedMessages.WithLabelValues(q.Dir).Inc()
	return key, nil
}

// Get returns the message stored under key without removing it. It returns
// (nil, nil) if the key is not present, matching salmon's get().
func (q *Queue) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(q.newDir(), key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get: %w", err)
	}
	return data, nil
}

// Remove deletes key from the queue. Removing an absent key is not an error.
func (q *Queue) Remove(key string) error {
	err := os.Remove(filepath.Join(q.newDir(), key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("queue: remove: %w", err)
	}
	if err == nil {
		metrics.QueuedMessages.WithLabelValues(q.Dir).Dec()
	}
	return nil
}

// oversize reports whether key's stored file is larger than PopLimit, and
// the file's absolute path.
func (q *Queue) oversize(key string) (bool, string) {
	path := filepath.Join(q.newDir(), key)
	if q.PopLimit == 0 {
		return false, path
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, path
	}
	return info.Size() > q.PopLimit, path
}

func (q *Queue) moveOversize(key, path string) error {
	if q.OversizeDir == "" {
		return os.Remove(path)
	}
	return os.Rename(path, filepath.Join(q.OversizeDir, "new", key))
}

// Pop removes and returns one message from the queue, order is not
// maintained. It returns ("", nil, nil) when the queue is empty. Messages
// whose stored size exceeds PopLimit are diverted via moveOversize and
// skipped rather than returned.
func (q *Queue) Pop() (string, []byte, error) {
	keys, err := q.Keys()
	if err != nil {
		return "", nil, err
	}
	for _, key := range keys {
		over, path := q.oversize(key)
		if over {
			if err := q.moveOversize(key, path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return "", nil, fmt.Errorf("queue: pop: %w", err)
			}
			continue
		}

		data, err := q.Get(key)
		if err != nil {
			return "", nil, err
		}
		if data == nil {
			// Raced with another consumer; try the next key.
			continue
		}
		if err := q.Remove(key); err != nil {
			return "", nil, err
		}
		return key, data, nil
	}
	return "", nil, nil
}

// Keys returns every key currently in the queue, in no particular order
// beyond being sorted for determinism in tests.
func (q *Queue) Keys() ([]string, error) {
	entries, err := os.ReadDir(q.newDir())
	if err != nil {
		return nil, fmt.Errorf("queue: keys: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		keys = append(keys, e.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of messages in the queue.
func (q *Queue) Len() (int, error) {
	keys, err := q.Keys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Clear removes every message from the queue's tmp/new/cur directories.
func (q *Queue) Clear() error {
	for _, sub := range []string{"tmp", "new", "cur"} {
		dir := filepath.Join(q.Dir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("queue: clear: %w", err)
		}
		for _, e := range entries {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return fmt.Errorf("queue: clear: %w", err)
			}
		}
	}
	return nil
}
