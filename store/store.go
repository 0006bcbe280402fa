// Package store implements the process-wide registry of active PTYSessions.
package store

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/shareterm/shareterm/session"
)

// ErrSessionExists is returned by Create when the caller supplies an id
// that is already registered.
var ErrSessionExists = errors.New("store: session already exists")

// Store is the process-scoped registry of PTYSessions. It announces
// population changes (active/idle/session_removed) to anything that
// subscribes, most notably the idle-shutdown scheduler.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session.PTYSession
	exitSubs map[string]int

	sigMu          sync.Mutex
	nextID         int
	active         map[int]func()
	idle           map[int]func()
	sessionRemoved map[int]func(id string)
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		sessions:       make(map[string]*session.PTYSession),
		exitSubs:       make(map[string]int),
		active:         make(map[int]func()),
		idle:           make(map[int]func()),
		sessionRemoved: make(map[int]func(id string)),
	}
}

// Create constructs and registers a new PTYSession. If cfg.ID is empty, an
// opaque 128-bit id is generated. active is emitted synchronously before
// Create returns.
func (st *Store) Create(cfg session.Config) (*session.PTYSession, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	st.mu.Lock()
	if _, exists := st.sessions[cfg.ID]; exists {
		st.mu.Unlock()
		return nil, ErrSessionExists
	}
	st.mu.Unlock()

	sess, err := session.New(cfg)
	if err != nil {
		return nil, err
	}

	// I7 / P5: idle fires only on a running-count 1->0 transition driven by
	// a natural child exit, never by an explicit remove — Remove
	// unsubscribes this before killing the session so the kill-induced
	// exit event can't masquerade as a natural one.
	subID := sess.SubscribeExit(func(int) {
		if st.RunningCount() == 0 {
			st.emitIdle()
		}
	})

	st.mu.Lock()
	st.sessions[cfg.ID] = sess
	st.exitSubs[cfg.ID] = subID
	st.mu.Unlock()

	st.emitActive()

	return sess, nil
}

// Get returns the session registered under id, if any.
func (st *Store) Get(id string) (*session.PTYSession, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[id]
	return sess, ok
}

// List returns every registered session; order is not meaningful.
func (st *Store) List() []*session.PTYSession {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]*session.PTYSession, 0, len(st.sessions))
	for _, sess := range st.sessions {
		out = append(out, sess)
	}
	return out
}

// Remove kills and drops the session registered under id, reporting
// whether one was present. Per I7, this never emits idle — deliberate
// removal must not race the idle timer — but it does emit session_removed.
func (st *Store) Remove(id string) bool {
	st.mu.Lock()
	sess, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return false
	}
	subID := st.exitSubs[id]
	delete(st.sessions, id)
	delete(st.exitSubs, id)
	st.mu.Unlock()

	sess.UnsubscribeExit(subID)
	sess.Kill()
	st.emitSessionRemoved(id)
	return true
}

// RunningCount returns the number of registered sessions whose child has
// not exited.
func (st *Store) RunningCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()

	n := 0
	for _, sess := range st.sessions {
		if !sess.HasExited() {
			n++
		}
	}
	return n
}

// Shutdown kills and drops every session. Idempotent.
func (st *Store) Shutdown() {
	st.mu.Lock()
	sessions := st.sessions
	subs := st.exitSubs
	st.sessions = make(map[string]*session.PTYSession)
	st.exitSubs = make(map[string]int)
	st.mu.Unlock()

	for id, sess := range sessions {
		sess.UnsubscribeExit(subs[id])
		sess.Kill()
	}
}

// SubscribeActive/SubscribeIdle/SubscribeSessionRemoved register callbacks
// for the store's three lifecycle signals, returning an opaque handle for
// the matching Unsubscribe call.

func (st *Store) SubscribeActive(h func()) int {
	st.sigMu.Lock()
	defer st.sigMu.Unlock()
	st.nextID++
	id := st.nextID
	st.active[id] = h
	return id
}

func (st *Store) UnsubscribeActive(id int) {
	st.sigMu.Lock()
	defer st.sigMu.Unlock()
	delete(st.active, id)
}

func (st *Store) SubscribeIdle(h func()) int {
	st.sigMu.Lock()
	defer st.sigMu.Unlock()
	st.nextID++
	id := st.nextID
	st.idle[id] = h
	return id
}

func (st *Store) UnsubscribeIdle(id int) {
	st.sigMu.Lock()
	defer st.sigMu.Unlock()
	delete(st.idle, id)
}

func (st *Store) SubscribeSessionRemoved(h func(id string)) int {
	st.sigMu.Lock()
	defer st.sigMu.Unlock()
	st.nextID++
	id := st.nextID
	st.sessionRemoved[id] = h
	return id
}

func (st *Store) UnsubscribeSessionRemoved(id int) {
	st.sigMu.Lock()
	defer st.sigMu.Unlock()
	delete(st.sessionRemoved, id)
}

func (st *Store) emitActive() {
	st.sigMu.Lock()
	handlers := make([]func(), 0, len(st.active))
	for _, h := range st.active {
		handlers = append(handlers, h)
	}
	st.sigMu.Unlock()

	for _, h := range handlers {
		h()
	}
}

func (st *Store) emitIdle() {
	st.sigMu.Lock()
	handlers := make([]func(), 0, len(st.idle))
	for _, h := range st.idle {
		handlers = append(handlers, h)
	}
	st.sigMu.Unlock()

	for _, h := range handlers {
		h()
	}
}

func (st *Store) emitSessionRemoved(id string) {
	st.sigMu.Lock()
	handlers := make([]func(string), 0, len(st.sessionRemoved))
	for _, h := range st.sessionRemoved {
		handlers = append(handlers, h)
	}
	st.sigMu.Unlock()

	for _, h := range handlers {
		h(id)
	}
}
