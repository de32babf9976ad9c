// Package state implements the State Storage component (C8): the Router's
// record of which state a given (module, sender) pair is currently in.
//
// Grounded on salmon's routing.py StateStorage/MemoryStorage/ShelveStorage
// hierarchy: Storage is the interface every backend implements, Memory is
// MemoryStorage translated to a mutex-guarded map, and Persistent is
// ShelveStorage translated to one JSON file per process guarded by both an
// in-process RWMutex (multiple goroutines) and an advisory flock (multiple
// processes sharing the same state file, e.g. during a graceful restart).
package state

import (
	"encoding/json"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// FirstState is returned by Get for a (module, sender) pair that has never
// been set, mirroring salmon's ROUTE_FIRST_STATE sentinel.
const FirstState = "START"

// Storage is the contract every state backend implements. Get does not
// fail for an absent key: it simply reports FirstState. It fails only when
// the backend itself does (Persistent's file I/O). Set persists a transition;
// storing FirstState is equivalent to deleting the key, so that a state
// machine can be "rewound" to its start. Clear wipes every recorded state
// and exists for tests.
type Storage interface {
	Get(module, sender string) (string, error)
	Set(module, sender, value string) error
	Clear() error
}

func key(module, sender string) string { return module + "\x00" + sender }

// Memory is an in-process Storage backed by a map. States are lost on
// process exit; use it for tests or single-process deployments that accept
// that.
type Memory struct {
	mu     sync.RWMutex
	states map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{states: make(map[string]string)}
}

func (m *Memory) Get(module, sender string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.states[key(module, sender)]; ok {
		return v, nil
	}
	return FirstState, nil
}

func (m *Memory) Set(module, sender, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(module, sender)
	if value == FirstState {
		delete(m.states, k)
		return nil
	}
	m.states[k] = value
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[string]string)
	return nil
}

// Persistent stores state as a single JSON object on disk, guarded by an
// advisory flock so that multiple mailroomd processes (e.g. old and new
// during a reload) do not corrupt each other's writes. Every Get/Set/Clear
// re-reads the whole file under lock; this is the same "open, mutate, close"
// shape as ShelveStorage, just without a real embedded database underneath.
type Persistent struct {
	mu   sync.Mutex
	path string
}

// NewPersistent returns a Storage backed by the JSON file at path. The file
// is created empty if it does not already exist.
func NewPersistent(path string) (*Persistent, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, err
	}
	f.Close()
	return &Persistent{path: path}, nil
}

func (p *Persistent) withLock(write bool, fn func(states map[string]string) (map[string]string, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	flag := os.O_RDONLY
	if write {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(p.path, flag|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	lockType := unix.LOCK_SH
	if write {
		lockType = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), lockType); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	states := make(map[string]string)
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() > 0 {
		dec := json.NewDecoder(f)
		if err := dec.Decode(&states); err != nil {
			return err
		}
	}

	updated, err := fn(states)
	if err != nil || !write {
		return err
	}

	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	return json.NewEncoder(f).Encode(updated)
}

func (p *Persistent) Get(module, sender string) (string, error) {
	var value string
	err := p.withLock(false, func(states map[string]string) (map[string]string, error) {
		if v, ok := states[key(module, sender)]; ok {
			value = v
		} else {
			value = FirstState
		}
		return states, nil
	})
	return value, err
}

func (p *Persistent) Set(module, sender, value string) error {
	return p.withLock(true, func(states map[string]string) (map[string]string, error) {
		k := key(module, sender)
		if value == FirstState {
			delete(states, k)
		} else {
			states[k] = value
		}
		return states, nil
	})
}

func (p *Persistent) Clear() error {
	return p.withLock(true, func(map[string]string) (map[string]string, error) {
		return make(map[string]string), nil
	})
}
