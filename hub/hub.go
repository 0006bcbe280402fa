// Package hub implements the process-level client registry and
// idle-shutdown scheduler that sits above the session store: it bounds
// concurrent clients and drives the idle→process-exit decision.
package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/shareterm/shareterm/client"
	"github.com/shareterm/shareterm/store"
	"github.com/shareterm/shareterm/tmux"
)

// ErrAtCapacity is returned by Admit when the client cap is already met.
var ErrAtCapacity = errors.New("hub: at client capacity")

// ErrShuttingDown is returned by Admit once Shutdown has been called.
var ErrShuttingDown = errors.New("hub: shutting down")

// DefaultIdleGrace is the grace period the process waits, once both
// clients and running sessions have dropped to zero, before calling the
// idle-timeout sink.
const DefaultIdleGrace = 5 * time.Second

// Options configures a Hub.
type Options struct {
	MaxClients      int
	ScrollbackLines int
	DefaultShell    string
	IdleGrace       time.Duration
	Clock           Clock
	// OnIdleTimeout is the process-exit hook. It is intentionally the only
	// place this package ever calls out toward process lifecycle; tests
	// supply a no-op sink so the core is exercisable without ever calling
	// os.Exit.
	OnIdleTimeout func()
}

// Hub owns the set of ClientSessions and the idle timer.
type Hub struct {
	store        *store.Store
	tmuxProvider *tmux.Provider

	maxClients      int
	scrollbackLines int
	defaultShell    string
	idleGrace       time.Duration
	clock           Clock
	onIdleTimeout   func()

	mu           sync.Mutex
	clients      map[string]*client.ClientSession
	idleTimer    Timer
	shuttingDown bool

	subActive         int
	subIdle           int
	subSessionRemoved int
}

// New constructs a Hub backed by st and (optionally nil) a tmux provider.
func New(st *store.Store, tp *tmux.Provider, opts Options) *Hub {
	if opts.MaxClients <= 0 {
		opts.MaxClients = 10
	}
	if opts.IdleGrace <= 0 {
		opts.IdleGrace = DefaultIdleGrace
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.OnIdleTimeout == nil {
		opts.OnIdleTimeout = func() {}
	}

	h := &Hub{
		store:           st,
		tmuxProvider:    tp,
		maxClients:      opts.MaxClients,
		scrollbackLines: opts.ScrollbackLines,
		defaultShell:    opts.DefaultShell,
		idleGrace:       opts.IdleGrace,
		clock:           opts.Clock,
		onIdleTimeout:   opts.OnIdleTimeout,
		clients:         make(map[string]*client.ClientSession),
	}

	// Any active signal (a session was created) immediately cancels a
	// pending idle timer, per §4.4.
	h.subActive = st.SubscribeActive(h.cancelIdleTimer)
	// Every store idle emission triggers a fresh idle check.
	h.subIdle = st.SubscribeIdle(h.recheckIdle)
	// A session leaving the store is pushed to every connected client, per
	// spec.md §6's server->client table.
	h.subSessionRemoved = st.SubscribeSessionRemoved(h.broadcastSessionRemoved)

	return h
}

// broadcastSessionRemoved pushes session_removed{id} to every currently
// registered client, the same fan-out shape as the teacher's broadcastLoop
// pushing PTY output to every attached client.
func (h *Hub) broadcastSessionRemoved(id string) {
	h.mu.Lock()
	clients := make([]*client.ClientSession, 0, len(h.clients))
	for _, cs := range h.clients {
		clients = append(clients, cs)
	}
	h.mu.Unlock()

	for _, cs := range clients {
		cs.PushSessionRemoved(id)
	}
}

// Admit constructs and registers a new ClientSession for sink, or rejects
// it if the process is shutting down or at its configured client cap.
func (h *Hub) Admit(sink client.Sink) (*client.ClientSession, error) {
	h.mu.Lock()
	if h.shuttingDown {
		h.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if len(h.clients) >= h.maxClients {
		h.mu.Unlock()
		return nil, ErrAtCapacity
	}

	cs := client.New(sink, h.store, h.tmuxProvider, h.scrollbackLines, h.defaultShell)
	h.clients[cs.ID] = cs
	h.mu.Unlock()

	// New client admission immediately cancels the pending timer, per §4.4.
	h.cancelIdleTimer()

	return cs, nil
}

// Remove deregisters a client (closing its ClientSession, which detaches
// it from any attached PTYSession) and performs a fresh idle check.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	cs, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()

	if !ok {
		return
	}
	cs.Close()
	h.recheckIdle()
}

// ClientCount returns the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// RunningSessionCount returns the number of sessions in the backing store
// whose child has not exited, for the /health endpoint.
func (h *Hub) RunningSessionCount() int {
	return h.store.RunningCount()
}

// Shutdown cancels the idle timer, closes every ClientSession (the caller
// is responsible for closing the underlying sockets with the
// "server shutting down" close code using the returned slice), and shuts
// down the store. Idempotent.
func (h *Hub) Shutdown() []*client.ClientSession {
	h.mu.Lock()
	if h.shuttingDown {
		h.mu.Unlock()
		return nil
	}
	h.shuttingDown = true
	clients := h.clients
	h.clients = make(map[string]*client.ClientSession)
	timer := h.idleTimer
	h.idleTimer = nil
	h.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	out := make([]*client.ClientSession, 0, len(clients))
	for _, cs := range clients {
		cs.Close()
		out = append(out, cs)
	}

	h.store.Shutdown()
	return out
}

func (h *Hub) recheckIdle() {
	h.mu.Lock()
	idle := len(h.clients) == 0 && !h.shuttingDown
	h.mu.Unlock()
	if idle && h.store.RunningCount() == 0 {
		h.scheduleIdleTimer()
	} else {
		h.cancelIdleTimer()
	}
}

func (h *Hub) scheduleIdleTimer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.idleTimer != nil || h.shuttingDown {
		return
	}
	h.idleTimer = h.clock.AfterFunc(h.idleGrace, h.fireIdleTimeout)
}

func (h *Hub) fireIdleTimeout() {
	h.mu.Lock()
	h.idleTimer = nil
	stillIdle := len(h.clients) == 0 && !h.shuttingDown
	h.mu.Unlock()

	if stillIdle && h.store.RunningCount() == 0 {
		h.onIdleTimeout()
	}
}

func (h *Hub) cancelIdleTimer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.idleTimer != nil {
		h.idleTimer.Stop()
		h.idleTimer = nil
	}
}
