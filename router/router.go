// Package router implements the Router (C4): pattern-based dispatch of an
// incoming message to the handler whose module is in the right FSM state
// for that message's sender, plus any number of stateless handlers that run
// unconditionally on every match.
//
// Grounded on salmon's routing.py RoutingBase/@route/@route_like/@stateless
// machinery. Per the spec's own re-architecture guidance, the dynamic
// "return a function, look up its name" trick becomes a typed HandlerRef
// naming a registered HandlerRecord, and decorator-attached metadata
// becomes fields on that record populated at Register time.
package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mailroom/mailroom/framework/log"
	"github.com/mailroom/mailroom/internal/mailerr"
	"github.com/mailroom/mailroom/internal/metrics"
	"github.com/mailroom/mailroom/state"
)

// FirstState is the state every (module, sender) pair starts in.
const FirstState = state.FirstState

// ErrorState is the state a module is forced into when one of its handlers
// fails with anything other than an SMTPError.
const ErrorState = "ERROR"

// Envelope is the minimal view of a message the router needs. The message
// façade (package message) implements it; tests may use any type that does.
type Envelope interface {
	From() string
	To() string
}

// StateKeyFunc computes the first coordinate of a state-storage key for a
// module, given the message being routed. The default uses the module name
// unchanged; register a different one with Router.SetStateKeyFunc when a
// module needs, say, module+recipient as its key.
type StateKeyFunc func(module string, msg Envelope) string

// DefaultStateKey is the state-key generator used for any module that
// hasn't registered its own.
func DefaultStateKey(module string, _ Envelope) string { return module }

// HandlerRef names a handler within a module: the value a stateful handler
// returns to drive its own next state transition.
type HandlerRef struct {
	Module string
	Name   string
}

// HandlerFunc is a registered handler. A non-nil, non-error return value is
// the state to transition to next; it is ignored entirely for a handler
// registered as Stateless.
type HandlerFunc func(ctx context.Context, msg Envelope, captures map[string]string) (*HandlerRef, error)

// HandlerRecord is everything the router knows about one registered
// handler: its identity, its routing metadata, and the function itself.
type HandlerRecord struct {
	Module    string
	Name      string
	Pattern   string // anchored, substituted regex source, e.g. "^(?P<host>.+)$"
	Stateless bool
	Locking   bool
	Fn        HandlerFunc
}

type route struct {
	pattern  string
	regex    *regexp.Regexp
	handlers []*HandlerRecord
}

type match struct {
	rec      *HandlerRecord
	captures map[string]string
}

// Router is a process-wide dispatch table: ordered patterns, the handlers
// registered against each, a per-module state-key generator table, and a
// pluggable state store. All registration tables are behind a single
// read/write lock, per the spec's re-architecture guidance for the
// original's globally-mutable singleton.
type Router struct {
	mu sync.RWMutex

	order              []string
	registered         map[string]*route
	defaultCaptures    map[string]string
	stateKeyGenerators map[string]StateKeyFunc
	registry           map[string]map[string]*HandlerRecord

	store         state.Storage
	undeliverable func(Envelope)

	// ReloadFunc, if set, is invoked at the start of every Dispatch before
	// matching. The original reloads handler modules and re-registers
	// routes; without a comparable module system, this is instead an
	// explicit "register these handlers again" hook supplied by whoever
	// wires up the router. Code changes otherwise require a process
	// restart, which is the default (ReloadFunc == nil).
	ReloadFunc func() error

	// LogExceptions, if true (the default), logs and swallows any handler
	// error that isn't an *mailerr.SMTPError instead of propagating it.
	LogExceptions bool

	Log log.Logger

	// callMu serializes every handler registered with Locking == true.
	callMu sync.Mutex
}

// New returns a Router with no routes registered, using store for state.
func New(store state.Storage) *Router {
	return &Router{
		registered:         make(map[string]*route),
		defaultCaptures:    make(map[string]string),
		stateKeyGenerators: make(map[string]StateKeyFunc),
		registry:           make(map[string]map[string]*HandlerRecord),
		store:              store,
		LogExceptions:      true,
	}
}

// SetDefaults merges captures into the capture-name defaults applied to
// every subsequent Register call that doesn't override them.
func (r *Router) SetDefaults(captures map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range captures {
		r.defaultCaptures[k] = v
	}
}

// SetStateKeyFunc overrides the state-key generator for module.
func (r *Router) SetStateKeyFunc(module string, fn StateKeyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateKeyGenerators[module] = fn
}

// OnUndeliverable installs the sink invoked when a message matches no
// handler at all. A nil sink (the default) means undeliverable messages are
// simply dropped (the receiver's own logging covers the visibility the
// original gets from its debug log line).
func (r *Router) OnUndeliverable(fn func(Envelope)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.undeliverable = fn
}

// Lookup returns the handler registered as name within module, or nil.
func (r *Router) Lookup(module, name string) *HandlerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.registry[module]; ok {
		return m[name]
	}
	return nil
}

// Register compiles format (substituting each "(NAME)" occurrence with a
// named capture group using the fragment from captures, or from the
// router's defaults, per NAME) and adds fn to that pattern's handler list.
func (r *Router) Register(module, name, format string, captures map[string]string, stateless, locking bool, fn HandlerFunc) (*HandlerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := make(map[string]string, len(r.defaultCaptures)+len(captures))
	for k, v := range r.defaultCaptures {
		merged[k] = v
	}
	for k, v := range captures {
		merged[k] = v
	}

	pattern := format
	for key, frag := range merged {
		pattern = strings.ReplaceAll(pattern, "("+key+")", fmt.Sprintf("(?P<%s>%s)", key, frag))
	}
	pattern = "^" + pattern + "$"

	rec := &HandlerRecord{Module: module, Name: name, Pattern: pattern, Stateless: stateless, Locking: locking, Fn: fn}
	if err := r.addToRoute(pattern, rec); err != nil {
		return nil, err
	}
	r.addToRegistry(rec)
	return rec, nil
}

// RegisterLike registers fn against the same pattern as an already
// registered handler, failing if other is nil (the caller's equivalent of
// "route_like(other) with no route metadata").
func (r *Router) RegisterLike(module, name string, other *HandlerRecord, stateless, locking bool, fn HandlerFunc) (*HandlerRecord, error) {
	if other == nil {
		return nil, errors.New("router: RegisterLike requires an already-registered handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &HandlerRecord{Module: module, Name: name, Pattern: other.Pattern, Stateless: stateless, Locking: locking, Fn: fn}
	if err := r.addToRoute(other.Pattern, rec); err != nil {
		return nil, err
	}
	r.addToRegistry(rec)
	return rec, nil
}

// addToRoute must be called with mu held.
func (r *Router) addToRoute(pattern string, rec *HandlerRecord) error {
	if rt, ok := r.registered[pattern]; ok {
		rt.handlers = append(rt.handlers, rec)
		return nil
	}
	regex, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return fmt.Errorf("router: compiling pattern %q: %w", pattern, err)
	}
	r.order = append(r.order, pattern)
	r.registered[pattern] = &route{pattern: pattern, regex: regex, handlers: []*HandlerRecord{rec}}
	return nil
}

// addToRegistry must be called with mu held.
func (r *Router) addToRegistry(rec *HandlerRecord) {
	if r.registry[rec.Module] == nil {
		r.registry[rec.Module] = make(map[string]*HandlerRecord)
	}
	r.registry[rec.Module][rec.Name] = rec
	if _, ok := r.stateKeyGenerators[rec.Module]; !ok {
		r.stateKeyGenerators[rec.Module] = DefaultStateKey
	}
}

// ClearRoutes removes every registered pattern and handler. For tests.
func (r *Router) ClearRoutes() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.registered = make(map[string]*route)
	r.registry = make(map[string]map[string]*HandlerRecord)
}

// ClearStates wipes the backing state store. For tests.
func (r *Router) ClearStates() error {
	return r.store.Clear()
}

// matches returns every (handler, captures) pair whose pattern fully
// matches to, in registration order, handlers within a route in
// registration order.
func (r *Router) matches(to string) []match {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []match
	for _, pattern := range r.order {
		rt := r.registered[pattern]
		groups := rt.regex.FindStringSubmatch(to)
		if groups == nil {
			continue
		}
		names := rt.regex.SubexpNames()
		captures := make(map[string]string, len(names))
		for i, name := range names {
			if i == 0 || name == "" {
				continue
			}
			captures[name] = groups[i]
		}
		for _, rec := range rt.handlers {
			out = append(out, match{rec, captures})
		}
	}
	return out
}

func (r *Router) stateKeyFunc(module string) StateKeyFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.stateKeyGenerators[module]; ok {
		return fn
	}
	return DefaultStateKey
}

func (r *Router) getState(module string, msg Envelope) (string, error) {
	key := r.stateKeyFunc(module)(module, msg)
	return r.store.Get(key, msg.From())
}

func (r *Router) setState(module string, msg Envelope, value string) error {
	key := r.stateKeyFunc(module)(module, msg)
	return r.store.Set(key, msg.From(), value)
}

// collectInvocations mirrors _collect_matches: every stateless handler that
// matches is always invoked; among non-stateless handlers, at most one is
// invoked in total (not one per route) — the first, in match order, whose
// name equals the module's current state for this sender.
func (r *Router) collectInvocations(msg Envelope) ([]match, error) {
	var out []match
	inStateFound := false
	for _, mt := range r.matches(msg.To()) {
		if mt.rec.Stateless {
			out = append(out, mt)
			continue
		}
		if inStateFound {
			continue
		}
		current, err := r.getState(mt.rec.Module, msg)
		if err != nil {
			return nil, err
		}
		if current == mt.rec.Name {
			inStateFound = true
			out = append(out, mt)
		}
	}
	return out, nil
}

// Dispatch matches msg against every registered pattern and invokes the
// resulting handler set. It returns an error for an *mailerr.SMTPError
// surfaced by a handler (receivers translate that to a wire reply), for a
// ReloadFunc or state store failure, and for a handler that returns a state
// outside its own module or one not registered; any other handler error is recorded as
// that module's ERROR state and, depending on LogExceptions, logged and
// swallowed or returned.
func (r *Router) Dispatch(ctx context.Context, msg Envelope) error {
	start := time.Now()
	defer func() { metrics.RouterDispatchDuration.Observe(time.Since(start).Seconds()) }()

	if r.ReloadFunc != nil {
		if err := r.ReloadFunc(); err != nil {
			return err
		}
	}

	matches, err := r.collectInvocations(msg)
	if err != nil {
		return err
	}

	called := 0
	for _, mt := range matches {
		var callErr error
		if mt.rec.Locking {
			r.callMu.Lock()
			callErr = r.callSafely(ctx, mt, msg)
			r.callMu.Unlock()
		} else {
			callErr = r.callSafely(ctx, mt, msg)
		}
		if callErr != nil {
			return callErr
		}
		called++
	}

	if called == 0 {
		r.mu.RLock()
		sink := r.undeliverable
		r.mu.RUnlock()
		if sink != nil {
			sink(msg)
		}
	}
	return nil
}

// callSafely invokes one handler, applying the same exception policy as
// call_safely: an *mailerr.SMTPError propagates unchanged; anything else
// (including a recovered panic) sets the module's state to ERROR, pushes to
// the undeliverable sink if configured, and is logged-and-swallowed or
// re-raised depending on LogExceptions.
func (r *Router) callSafely(ctx context.Context, mt match, msg Envelope) (err error) {
	failed := false
	defer func() {
		if p := recover(); p != nil {
			failed = true
			err = r.handleFailure(mt.rec, msg, fmt.Errorf("router: handler %s.%s panicked: %v", mt.rec.Module, mt.rec.Name, p))
		}
		outcome := "ok"
		if err != nil {
			outcome = "smtp_error"
		} else if failed {
			outcome = "swallowed"
		}
		metrics.RouterDispatches.WithLabelValues(mt.rec.Module, outcome).Inc()
	}()

	ref, handlerErr := mt.rec.Fn(ctx, msg, mt.captures)
	if handlerErr != nil {
		if smtpErr, ok := mailerr.AsSMTPError(handlerErr); ok {
			return smtpErr
		}
		failed = true
		return r.handleFailure(mt.rec, msg, handlerErr)
	}

	if mt.rec.Stateless || ref == nil {
		return nil
	}
	if ref.Module != mt.rec.Module {
		return fmt.Errorf("router: handler %s.%s returned a state in module %q, not its own", mt.rec.Module, mt.rec.Name, ref.Module)
	}
	if r.Lookup(ref.Module, ref.Name) == nil {
		return fmt.Errorf("router: handler %s.%s returned unknown state %q", mt.rec.Module, mt.rec.Name, ref.Name)
	}
	return r.setState(mt.rec.Module, msg, ref.Name)
}

// handleFailure records cause as module's ERROR state for msg's sender and
// either logs-and-swallows it or returns it, per LogExceptions.
func (r *Router) handleFailure(module *HandlerRecord, msg Envelope, cause error) error {
	if msg != nil {
		if err := r.setState(module.Module, msg, ErrorState); err != nil {
			return err
		}
		r.mu.RLock()
		sink := r.undeliverable
		r.mu.RUnlock()
		if sink != nil {
			sink(msg)
		}
	}
	if r.LogExceptions {
		r.Log.Error(fmt.Sprintf("handler %s.%s failed", module.Module, module.Name), cause)
		return nil
	}
	return cause
}
