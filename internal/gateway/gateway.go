// Package gateway implements the HTTP + WebSocket entrypoint: token
// authentication at the upgrade boundary, the /health endpoint, static
// asset serving for the browser UI, and the per-connection read pump that
// hands frames to a client.ClientSession (outbound frames are written
// directly through a mutex-serialized wsSink).
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shareterm/shareterm/client"
	"github.com/shareterm/shareterm/hub"
)

// Options configures a Gateway.
type Options struct {
	Token             string
	WebRoot           string
	LoginMaxFailures  int
	LoginBanDuration  time.Duration
	WriteTimeout      time.Duration
	PongTimeout       time.Duration
}

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPongTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway wires net/http to the Hub.
type Gateway struct {
	hub     *hub.Hub
	token   string
	webRoot string

	writeTimeout time.Duration
	pongTimeout  time.Duration

	bans *ipBanTable

	mu        sync.Mutex
	shuttingDown bool
	conns     map[string]*websocket.Conn
}

// New constructs a Gateway in front of h. A zero opts.WebRoot disables
// static asset serving.
func New(h *hub.Hub, opts Options) *Gateway {
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	pongTimeout := opts.PongTimeout
	if pongTimeout <= 0 {
		pongTimeout = defaultPongTimeout
	}

	root := opts.WebRoot
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			if real, err := filepath.EvalSymlinks(abs); err == nil {
				root = real
			} else {
				root = abs
			}
		}
	}

	return &Gateway{
		hub:          h,
		token:        opts.Token,
		webRoot:      root,
		writeTimeout: writeTimeout,
		pongTimeout:  pongTimeout,
		bans:         newIPBanTable(opts.LoginMaxFailures, opts.LoginBanDuration),
		conns:        make(map[string]*websocket.Conn),
	}
}

// RegisterRoutes wires /health, /ws, and (if a web root is configured)
// static asset serving onto mux.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/ws", g.handleWebSocket)
	if g.webRoot != "" {
		mux.HandleFunc("/", g.handleStatic)
	}
}

type healthPayload struct {
	Status   string `json:"status"`
	Clients  int    `json:"clients"`
	Sessions int     `json:"sessions"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := healthPayload{
		Status:   "ok",
		Clients:  g.hub.ClientCount(),
		Sessions: g.hub.RunningSessionCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// handleStatic serves the configured web root, rejecting any request
// whose resolved path would escape it — the same filepath.Rel
// containment test the teacher codebase used for its session file
// browser, applied here to the top-level static asset root instead of a
// per-session working directory.
func (g *Gateway) handleStatic(w http.ResponseWriter, r *http.Request) {
	requested := filepath.Clean(r.URL.Path)
	target := filepath.Join(g.webRoot, requested)

	if !isPathWithinRoot(g.webRoot, target) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	http.ServeFile(w, r, target)
}

func isPathWithinRoot(rootPath, targetPath string) bool {
	rel, err := filepath.Rel(rootPath, targetPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// handleWebSocket authenticates the upgrade request, then admits it into
// the Hub and runs its read pump until the socket closes.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	shuttingDown := g.shuttingDown
	g.mu.Unlock()
	if shuttingDown {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	ip := extractClientIP(r)
	now := time.Now()

	if g.bans.IsBanned(ip, now) {
		// Still perform the dummy compare so a banned 401 costs the same
		// wall-clock time as an unbanned 401, per SPEC_FULL.md §4.5.
		g.compareToken(extractToken(r))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !g.compareToken(extractToken(r)) {
		g.bans.RecordFailure(ip, now)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	g.bans.Reset(ip)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade error: %v", err)
		return
	}

	sink := &wsSink{conn: conn, writeTimeout: g.writeTimeout}

	cs, err := g.hub.Admit(sink)
	if err != nil {
		code := websocket.CloseTryAgainLater
		if err == hub.ErrShuttingDown {
			code = websocket.CloseGoingAway
		}
		g.closeWith(conn, code, err.Error())
		return
	}

	g.trackConn(cs.ID, conn)
	defer g.untrackConn(cs.ID)

	conn.SetReadDeadline(time.Now().Add(g.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.pongTimeout))
	})

	g.readPump(conn, cs)

	g.hub.Remove(cs.ID)
	g.closeWith(conn, websocket.CloseNormalClosure, "")
}

func (g *Gateway) readPump(conn *websocket.Conn, cs *client.ClientSession) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		cs.HandleFrame(data)
	}
}

func (g *Gateway) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(g.writeTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}

func (g *Gateway) trackConn(id string, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[id] = conn
}

func (g *Gateway) untrackConn(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, id)
}

// Shutdown closes every tracked connection with the "server shutting
// down" close code and tells the Hub to shut down.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	g.shuttingDown = true
	conns := make([]*websocket.Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	g.hub.Shutdown()

	for _, c := range conns {
		g.closeWith(c, websocket.CloseGoingAway, "server shutting down")
	}
}

// compareToken performs a constant-time comparison of candidate against
// the configured token. Per spec.md P6, a length mismatch still performs
// a dummy compare of matching length before returning false, so a
// mismatched-length rejection costs the same wall-clock time as an
// equal-length mismatch.
func (g *Gateway) compareToken(candidate string) bool {
	want := []byte(g.token)
	got := []byte(candidate)

	if len(got) != len(want) {
		subtle.ConstantTimeCompare(want, want)
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

func extractToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// wsSink adapts a gorilla/websocket connection to client.Sink. Writes are
// serialized with a mutex since ClientSession may push unsolicited
// frames (e.g. detached{session_exit}) from a session's own goroutine
// concurrently with the read pump's synchronous replies.
type wsSink struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (s *wsSink) SendText(data []byte) error {
	return s.write(websocket.TextMessage, data)
}

func (s *wsSink) SendBinary(data []byte) error {
	return s.write(websocket.BinaryMessage, data)
}

func (s *wsSink) write(msgType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}
