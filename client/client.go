// Package client implements ClientSession, the per-connection protocol
// state machine that sits between one WebSocket and the session store.
package client

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shareterm/shareterm/protocol"
	"github.com/shareterm/shareterm/session"
	"github.com/shareterm/shareterm/store"
	"github.com/shareterm/shareterm/tmux"
)

// State is one of the two ClientSession states.
type State string

const (
	Browsing State = "BROWSING"
	Attached State = "ATTACHED"
)

const tmuxTargetPrefix = "tmux:"

// Sink abstracts the outbound socket so ClientSession never touches a
// transport library directly: one text frame per server message, one
// binary frame per PTY output chunk while ATTACHED.
type Sink interface {
	SendText(data []byte) error
	SendBinary(data []byte) error
}

// ClientSession is the per-connection protocol state machine. It is not
// safe for concurrent HandleFrame calls from multiple goroutines — per §5
// "per-client inbound ordering", frames from one client are dispatched by
// a single reader loop, one at a time.
type ClientSession struct {
	ID string

	sink            Sink
	store           *store.Store
	tmuxProvider    *tmux.Provider
	scrollbackLines int
	defaultShell    string

	mu           sync.Mutex
	state        State
	attachedID   string
	attachedSess *session.PTYSession
	attachedTmux bool
	subData      int
	subExit      int
	subResize    int
	attachedSub  bool
}

// New constructs a ClientSession in the BROWSING state. defaultShell seeds
// session.Config.Shell for any create_session request that omits one; an
// empty defaultShell leaves session.New's own "/bin/sh" fallback in place.
func New(sink Sink, st *store.Store, tp *tmux.Provider, scrollbackLines int, defaultShell string) *ClientSession {
	if scrollbackLines <= 0 {
		scrollbackLines = 1000
	}
	return &ClientSession{
		ID:              uuid.NewString(),
		sink:            sink,
		store:           st,
		tmuxProvider:    tp,
		scrollbackLines: scrollbackLines,
		defaultShell:    defaultShell,
		state:           Browsing,
	}
}

// State returns the current state.
func (c *ClientSession) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleFrame parses and dispatches one inbound text frame.
func (c *ClientSession) HandleFrame(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil || env.Type == "" {
		c.sendError(0, protocol.CodeParseError, "malformed frame")
		return
	}

	switch env.Type {
	case protocol.TypeListSessions:
		c.handleListSessions(env.Seq)
	case protocol.TypeCreateSession:
		c.handleCreateSession(env)
	case protocol.TypeAttach:
		c.handleAttach(env)
	case protocol.TypeInput:
		c.handleInput(env)
	case protocol.TypeResize:
		c.handleResize(env)
	case protocol.TypeDetach:
		c.handleDetach(env.Seq, protocol.ReasonClientRequest, "")
	default:
		c.sendError(env.Seq, protocol.CodeParseError, "unknown message type: "+env.Type)
	}
}

// Close tears the session down without sending any outbound frame —
// socket close/error deregisters silently per §4.3.
func (c *ClientSession) Close() {
	c.mu.Lock()
	if c.state != Attached {
		c.mu.Unlock()
		return
	}
	c.state = Browsing
	c.mu.Unlock()

	c.unsubscribe()
}

func (c *ClientSession) handleListSessions(seq int) {
	sessions, err := c.mergedSessionList()
	if err != nil {
		c.sendError(seq, protocol.CodeListError, err.Error())
		return
	}
	payload := protocol.SessionListPayload{Sessions: sessions}
	c.sendReply(seq, protocol.TypeSessionList, payload)
}

// mergedSessionList merges the store's sessions, all reported as "managed",
// with every session in the tmux provider's read-only listing, reported as
// "tmux" under a "tmux:" id. Tmux-backed attach views are never registered
// in the store, so they do not appear as managed entries; the listing is
// not deduplicated. Per §7, an unexpected tmux adapter error surfaces as
// LIST_ERROR rather than a silently tmux-incomplete session_list.
func (c *ClientSession) mergedSessionList() ([]protocol.SessionInfo, error) {
	var out []protocol.SessionInfo

	for _, sess := range c.store.List() {
		info := sess.Info()
		out = append(out, protocol.SessionInfo{
			ID:              info.ID,
			Name:            info.Name,
			Status:          info.Status(),
			AttachedClients: info.ClientCount,
			Source:          string(session.BackendManaged),
		})
	}

	if c.tmuxProvider != nil {
		tmuxSessions, err := c.tmuxProvider.List()
		if err != nil {
			return nil, err
		}
		for _, ts := range tmuxSessions {
			out = append(out, protocol.SessionInfo{
				ID:     tmuxTargetPrefix + ts.Name,
				Name:   ts.Name,
				Status: "running",
				Source: string(session.BackendTmux),
			})
		}
	}

	if out == nil {
		out = []protocol.SessionInfo{}
	}
	return out, nil
}

func (c *ClientSession) handleCreateSession(env protocol.Envelope) {
	var payload protocol.CreateSessionPayload
	if err := unmarshalPayload(env, &payload); err != nil {
		c.sendError(env.Seq, protocol.CodeParseError, "bad create_session payload")
		return
	}

	sess, err := c.store.Create(session.Config{
		Name:  payload.Name,
		Cols:  payload.Cols,
		Rows:  payload.Rows,
		Shell: c.defaultShell,
	})
	if err != nil {
		c.sendError(env.Seq, protocol.CodeCreateFailed, err.Error())
		return
	}

	c.sendReply(env.Seq, protocol.TypeSessionCreated, protocol.SessionCreatedPayload{
		ID:   sess.ID(),
		Name: sess.Name(),
	})
}

func (c *ClientSession) handleAttach(env protocol.Envelope) {
	if c.State() == Attached {
		c.sendError(env.Seq, protocol.CodeAlreadyAttached, "already attached")
		return
	}

	var payload protocol.AttachPayload
	if err := unmarshalPayload(env, &payload); err != nil {
		c.sendError(env.Seq, protocol.CodeParseError, "bad attach payload")
		return
	}

	if strings.HasPrefix(payload.Target, tmuxTargetPrefix) {
		c.attachTmux(env.Seq, payload)
		return
	}
	c.attachManaged(env.Seq, payload)
}

func (c *ClientSession) attachManaged(seq int, payload protocol.AttachPayload) {
	sess, ok := c.store.Get(payload.Target)
	if !ok {
		c.sendError(seq, protocol.CodeSessionNotFound, "no such session: "+payload.Target)
		return
	}
	if sess.HasExited() {
		c.sendError(seq, protocol.CodeSessionExited, "session has exited: "+payload.Target)
		return
	}

	c.doAttach(seq, payload.Target, sess, false)
}

func (c *ClientSession) attachTmux(seq int, payload protocol.AttachPayload) {
	if c.tmuxProvider == nil {
		c.sendError(seq, protocol.CodeSessionNotFound, "tmux not available")
		return
	}
	name := strings.TrimPrefix(payload.Target, tmuxTargetPrefix)
	if !c.tmuxProvider.HasSession(name) {
		c.sendError(seq, protocol.CodeSessionNotFound, "no such tmux session: "+name)
		return
	}

	cols, rows := payload.Cols, payload.Rows
	if cols <= 0 || rows <= 0 {
		cols, rows = 80, 24
	}

	ptmx, cmd, err := c.tmuxProvider.StartAttach(name, cols, rows)
	if err != nil {
		c.sendError(seq, protocol.CodeAttachFailed, err.Error())
		return
	}

	sess := session.Attach(session.Config{
		ID:   payload.Target,
		Name: name,
		Cols: cols,
		Rows: rows,
	}, ptmx, cmd)

	scrollback := c.tmuxProvider.CapturePane(name, c.scrollbackLines)
	c.doAttachScrollback(seq, payload.Target, sess, true, scrollback)
}

// doAttach performs the generic "add to set -> snapshot ring -> install
// subscription" sequence, per §5's shared-resource policy, with no
// scrollback prefix; the "check not exited" step is done by the caller
// (attachManaged). The snapshot-then-subscribe step itself is made
// atomic by session.PTYSession.SubscribeDataWithSnapshot, not by c.mu (which
// only ever protects ClientSession's own fields).
func (c *ClientSession) doAttach(seq int, target string, sess *session.PTYSession, isTmux bool) {
	c.doAttachScrollback(seq, target, sess, isTmux, nil)
}

func (c *ClientSession) doAttachScrollback(seq int, target string, sess *session.PTYSession, isTmux bool, scrollbackOverride []byte) {
	c.mu.Lock()
	sess.AttachClient(c.ID)

	// Snapshot-then-subscribe is one critical section inside PTYSession
	// (serialized against readLoop's append+emit of a chunk), so no chunk
	// can land in neither this replay nor the live feed.
	buffered, dataID := sess.SubscribeDataWithSnapshot(func(chunk []byte) {
		if err := c.sink.SendBinary(chunk); err != nil {
			log.Printf("client %s: send binary failed: %v", c.ID, err)
		}
	})
	if scrollbackOverride != nil {
		buffered = append(append([]byte{}, scrollbackOverride...), buffered...)
	}

	exitID := sess.SubscribeExit(func(code int) {
		c.handleSessionExit(target, code)
	})
	resizeID := sess.SubscribeResize(func(cols, rows int) {
		c.sendPush(protocol.TypeResized, protocol.ResizePayload{Cols: cols, Rows: rows})
	})

	c.state = Attached
	c.attachedID = target
	c.attachedSess = sess
	c.attachedTmux = isTmux
	c.subData = dataID
	c.subExit = exitID
	c.subResize = resizeID
	c.attachedSub = true
	c.mu.Unlock()

	if len(buffered) > 0 {
		if err := c.sink.SendBinary(buffered); err != nil {
			log.Printf("client %s: send buffered output failed: %v", c.ID, err)
		}
	}

	actualCols, actualRows := sess.Size()
	c.sendReply(seq, protocol.TypeAttached, protocol.AttachedPayload{
		Target: target,
		Cols:   actualCols,
		Rows:   actualRows,
	})
}

func (c *ClientSession) handleSessionExit(target string, code int) {
	c.mu.Lock()
	if c.state != Attached || c.attachedID != target {
		c.mu.Unlock()
		return
	}
	c.state = Browsing
	c.attachedID = ""
	c.attachedSess = nil
	c.attachedTmux = false
	c.attachedSub = false
	c.mu.Unlock()

	c.sendPush(protocol.TypeDetached, protocol.DetachedPayload{
		Reason:  protocol.ReasonSessionExit,
		Message: fmt.Sprintf("session exited with code %d", code),
	})
}

func (c *ClientSession) handleInput(env protocol.Envelope) {
	if c.State() != Attached {
		c.sendError(env.Seq, protocol.CodeNotAttached, "not attached")
		return
	}
	var payload protocol.InputPayload
	if err := unmarshalPayload(env, &payload); err != nil {
		c.sendError(env.Seq, protocol.CodeParseError, "bad input payload")
		return
	}

	sess, ok := c.attachedSession()
	if !ok {
		return
	}
	sess.Write([]byte(payload.Data))
}

func (c *ClientSession) handleResize(env protocol.Envelope) {
	if c.State() != Attached {
		c.sendError(env.Seq, protocol.CodeNotAttached, "not attached")
		return
	}
	var payload protocol.ResizePayload
	if err := unmarshalPayload(env, &payload); err != nil {
		c.sendError(env.Seq, protocol.CodeParseError, "bad resize payload")
		return
	}

	sess, ok := c.attachedSession()
	if !ok {
		return
	}
	sess.Resize(payload.Cols, payload.Rows)
}

func (c *ClientSession) handleDetach(seq int, reason, message string) {
	if c.State() != Attached {
		c.sendError(seq, protocol.CodeNotAttached, "not attached")
		return
	}

	c.unsubscribe()

	c.sendReply(seq, protocol.TypeDetached, protocol.DetachedPayload{Reason: reason, Message: message})
}

// unsubscribe tears down the current attachment. It uses the PTYSession
// reference captured at attach time rather than looking the target back up
// in the store, since a tmux-backed attach PTY is never registered there
// (it is ephemeral per-client state, not a pooled session) — a store
// lookup would silently no-op for it, leaking its subscriptions, its
// readLoop goroutine, and the underlying `tmux attach-session` process.
func (c *ClientSession) unsubscribe() {
	c.mu.Lock()
	sess := c.attachedSess
	isTmux := c.attachedTmux
	dataID, exitID, resizeID := c.subData, c.subExit, c.subResize
	hadSub := c.attachedSub
	c.state = Browsing
	c.attachedID = ""
	c.attachedSess = nil
	c.attachedTmux = false
	c.attachedSub = false
	c.mu.Unlock()

	if !hadSub || sess == nil {
		return
	}

	sess.UnsubscribeData(dataID)
	sess.UnsubscribeExit(exitID)
	sess.UnsubscribeResize(resizeID)
	sess.DetachClient(c.ID)

	// A tmux-backed attach PTY has no other owner: detaching this client
	// means killing the `tmux attach-session` process, which only detaches
	// this view from tmux and leaves the underlying tmux session running.
	if isTmux {
		sess.Kill()
	}
}

// PushSessionRemoved sends an unsolicited session_removed push, per spec.md
// §6's server->client table. Called by Hub for every registered client
// whenever the store reports a session has left it.
func (c *ClientSession) PushSessionRemoved(id string) {
	c.sendPush(protocol.TypeSessionRemoved, protocol.SessionRemovedPayload{ID: id})
}

func (c *ClientSession) attachedSession() (*session.PTYSession, bool) {
	c.mu.Lock()
	sess := c.attachedSess
	c.mu.Unlock()
	return sess, sess != nil
}

func (c *ClientSession) sendReply(seq int, msgType string, payload any) {
	raw, err := protocol.Encode(msgType, seq, payload)
	if err != nil {
		log.Printf("client %s: encode %s failed: %v", c.ID, msgType, err)
		return
	}
	if err := c.sink.SendText(raw); err != nil {
		log.Printf("client %s: send %s failed: %v", c.ID, msgType, err)
	}
}

func (c *ClientSession) sendPush(msgType string, payload any) {
	c.sendReply(0, msgType, payload)
}

func (c *ClientSession) sendError(seq int, code, message string) {
	c.sendReply(seq, protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

func unmarshalPayload(env protocol.Envelope, out any) error {
	return json.Unmarshal(env.Payload, out)
}
