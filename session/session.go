// Package session implements PTYSession: one child shell behind a
// pseudo-terminal, fanning its output out to subscribers and accepting
// input and resize requests.
package session

import (
	"log"
	"os"
	"os/exec"
	"sync"
	"time"
)

// envSessionMarker is set in every spawned child's environment so a nested
// shell invocation of this binary can detect it is already inside a shared
// session and decline to nest further.
const envSessionMarker = "SHARETERM_SESSION"

// PTYSession owns exactly one child shell behind a pseudo-terminal. It is
// safe for concurrent use.
type PTYSession struct {
	id      string
	ptyFile *os.File
	cmd     *exec.Cmd
	ptySvc  PTYService
	backend Backend

	nameMu sync.RWMutex
	name   string

	sizeMu sync.RWMutex
	cols   int
	rows   int

	stateMu  sync.RWMutex
	exited   bool
	exitCode int

	attachedMu sync.Mutex
	attached   map[string]struct{}

	// ioMu serializes readLoop's append+emit of one PTY chunk against a
	// client's snapshot-then-subscribe, the same way the teacher's
	// broadcastLoop and AddClient share a single clientsMu: without it, a
	// chunk appended between a client's ring snapshot and its subscription
	// going live would be fanned out to no one and would not appear in the
	// snapshot either.
	ioMu sync.Mutex
	ring *ringBuffer
	pub  *publisher
	osc  oscScanner

	createdAt      time.Time
	lastActivityMu sync.Mutex
	lastActivity   time.Time
}

// New constructs and starts a PTYSession per cfg. The child's output is
// drained by a background goroutine for the lifetime of the session.
func New(cfg Config) (*PTYSession, error) {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.Cols <= 0 {
		cfg.Cols = defaultCols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = defaultRows
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendManaged
	}

	ptySvc := cfg.PTYService
	if ptySvc == nil {
		ptySvc = DefaultPTYService{}
	}

	envVars := make(map[string]string, len(cfg.EnvVars)+1)
	for k, v := range cfg.EnvVars {
		envVars[k] = v
	}
	envVars[envSessionMarker] = cfg.ID

	ptmx, cmd, err := ptySvc.Start(cfg.Shell, cfg.WorkingDirectory, envVars)
	if err != nil {
		return nil, err
	}

	if err := ptySvc.SetSize(ptmx, cfg.Cols, cfg.Rows); err != nil {
		log.Printf("session %s: initial resize failed: %v", cfg.ID, err)
	}

	now := time.Now()
	s := &PTYSession{
		id:           cfg.ID,
		ptyFile:      ptmx,
		cmd:          cmd,
		ptySvc:       ptySvc,
		backend:      cfg.Backend,
		name:         cfg.Name,
		cols:         cfg.Cols,
		rows:         cfg.Rows,
		attached:     make(map[string]struct{}),
		ring:         newRingBuffer(cfg.MaxBufferBytes),
		pub:          newPublisher(),
		createdAt:    now,
		lastActivity: now,
	}

	go s.readLoop()

	return s, nil
}

// Attach wraps an already-spawned PTY (typically a `tmux attach-session`
// process started by the tmux provider) as a PTYSession, so a tmux target
// gets the same ring/publisher/OSC-scan machinery as a managed shell. cfg's
// Shell and PTYService fields are ignored; Resize still flows through
// pty.Setsize via a DefaultPTYService since the caller already owns the
// child's lifecycle but not its window size.
func Attach(cfg Config, ptmx *os.File, cmd *exec.Cmd) *PTYSession {
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.Cols <= 0 {
		cfg.Cols = defaultCols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = defaultRows
	}

	now := time.Now()
	s := &PTYSession{
		id:           cfg.ID,
		ptyFile:      ptmx,
		cmd:          cmd,
		ptySvc:       DefaultPTYService{},
		backend:      BackendTmux,
		name:         cfg.Name,
		cols:         cfg.Cols,
		rows:         cfg.Rows,
		attached:     make(map[string]struct{}),
		ring:         newRingBuffer(cfg.MaxBufferBytes),
		pub:          newPublisher(),
		createdAt:    now,
		lastActivity: now,
	}

	go s.readLoop()

	return s
}

func (s *PTYSession) ID() string { return s.id }

func (s *PTYSession) Name() string {
	s.nameMu.RLock()
	defer s.nameMu.RUnlock()
	return s.name
}

func (s *PTYSession) Backend() Backend { return s.backend }

// Write forwards data to the PTY master. A no-op, per I4, once the child
// has exited.
func (s *PTYSession) Write(data []byte) {
	if s.HasExited() {
		return
	}
	s.touch()
	if _, err := s.ptyFile.Write(data); err != nil {
		log.Printf("session %s: write error: %v", s.id, err)
	}
}

// Resize updates the PTY's window size. Per I5/I6/P2, it is a no-op when
// the session has exited, either dimension is non-positive, or the size is
// unchanged — in all three cases no resize signal is emitted.
func (s *PTYSession) Resize(cols, rows int) {
	if s.HasExited() || cols <= 0 || rows <= 0 {
		return
	}

	s.sizeMu.Lock()
	if s.cols == cols && s.rows == rows {
		s.sizeMu.Unlock()
		return
	}
	s.cols, s.rows = cols, rows
	s.sizeMu.Unlock()

	if err := s.ptySvc.SetSize(s.ptyFile, cols, rows); err != nil {
		log.Printf("session %s: resize failed: %v", s.id, err)
	}
	s.touch()
	s.pub.emitResize(cols, rows)
}

// Size returns the current (cols, rows).
func (s *PTYSession) Size() (int, int) {
	s.sizeMu.RLock()
	defer s.sizeMu.RUnlock()
	return s.cols, s.rows
}

// AttachClient registers a client id as attached. Idempotent (P7).
func (s *PTYSession) AttachClient(id string) {
	s.attachedMu.Lock()
	s.attached[id] = struct{}{}
	s.attachedMu.Unlock()
	s.touch()
	sendRedrawSignal(s.cmd)
}

// DetachClient removes a client id from the attached set. Detaching an
// unknown id is a no-op (P7).
func (s *PTYSession) DetachClient(id string) {
	s.attachedMu.Lock()
	delete(s.attached, id)
	s.attachedMu.Unlock()
}

// ClientCount returns the number of currently attached clients.
func (s *PTYSession) ClientCount() int {
	s.attachedMu.Lock()
	defer s.attachedMu.Unlock()
	return len(s.attached)
}

// BufferedOutput returns a snapshot of the ring buffer's current contents.
func (s *PTYSession) BufferedOutput() []byte {
	return s.ring.snapshot()
}

// SubscribeData/UnsubscribeData wire a callback to receive every PTY output
// chunk from this point forward.
func (s *PTYSession) SubscribeData(h func([]byte)) int    { return s.pub.subscribeData(h) }
func (s *PTYSession) UnsubscribeData(id int)               { s.pub.unsubscribeData(id) }

// SubscribeDataWithSnapshot atomically snapshots the ring buffer and installs
// a live data subscription under ioMu, so the handoff between replayed
// history and live delivery cannot drop or double-deliver the chunk that
// readLoop happens to be appending at the same instant: "snapshot ring then
// subscribe" is the single critical section, serialized against readLoop's
// own "append then emit" of one chunk via the same lock.
func (s *PTYSession) SubscribeDataWithSnapshot(h func([]byte)) (buffered []byte, id int) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.ring.snapshot(), s.pub.subscribeData(h)
}
func (s *PTYSession) SubscribeExit(h func(int)) int        { return s.pub.subscribeExit(h) }
func (s *PTYSession) UnsubscribeExit(id int)                { s.pub.unsubscribeExit(id) }
func (s *PTYSession) SubscribeResize(h func(int, int)) int { return s.pub.subscribeResize(h) }
func (s *PTYSession) UnsubscribeResize(id int)              { s.pub.unsubscribeResize(id) }
func (s *PTYSession) SubscribeTitle(h func(string)) int    { return s.pub.subscribeTitle(h) }
func (s *PTYSession) UnsubscribeTitle(id int)               { s.pub.unsubscribeTitle(id) }

// HasExited reports whether the child process has exited.
func (s *PTYSession) HasExited() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.exited
}

// ExitCode returns the child's exit code; meaningful only once HasExited.
func (s *PTYSession) ExitCode() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.exitCode
}

// Kill best-effort terminates the child. Safe to call on an already-exited
// session.
func (s *PTYSession) Kill() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.ptyFile.Close()
}

// Info returns a point-in-time snapshot of the session's public state.
func (s *PTYSession) Info() Info {
	cols, rows := s.Size()
	s.lastActivityMu.Lock()
	last := s.lastActivity
	s.lastActivityMu.Unlock()

	return Info{
		ID:             s.id,
		Name:           s.Name(),
		Backend:        s.backend,
		Cols:           cols,
		Rows:           rows,
		Exited:         s.HasExited(),
		ExitCode:       s.ExitCode(),
		ClientCount:    s.ClientCount(),
		CreatedAt:      s.createdAt,
		LastActivityAt: last,
	}
}

func (s *PTYSession) touch() {
	s.lastActivityMu.Lock()
	s.lastActivity = time.Now()
	s.lastActivityMu.Unlock()
}

func (s *PTYSession) setName(name string) {
	s.nameMu.Lock()
	changed := s.name != name
	s.name = name
	s.nameMu.Unlock()
	if changed {
		s.pub.emitTitle(name)
	}
}

// readLoop drains the PTY master, appending every read to the ring,
// scanning it for a title escape, and fanning it out to subscribers, until
// the child exits.
func (s *PTYSession) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptyFile.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.ioMu.Lock()
			s.ring.append(chunk)
			s.osc.feed(chunk, s.setName)
			s.pub.emitData(chunk)
			s.ioMu.Unlock()
			s.touch()
		}
		if err != nil {
			s.handleExit()
			return
		}
	}
}

func (s *PTYSession) handleExit() {
	code := 0
	if s.cmd != nil {
		_ = s.cmd.Wait()
		if s.cmd.ProcessState != nil {
			code = s.cmd.ProcessState.ExitCode()
			if code < 0 {
				code = 1
			}
		}
	}

	s.stateMu.Lock()
	if s.exited {
		s.stateMu.Unlock()
		return
	}
	s.exited = true
	s.exitCode = code
	s.stateMu.Unlock()

	s.pub.emitExit(code)
}
