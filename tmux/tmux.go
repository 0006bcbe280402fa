// Package tmux is the read-only external-collaborator adapter over a real
// tmux(1) binary: it lists pre-existing tmux sessions, captures their
// scrollback, and can spawn an attach PTY for one. The core merges its
// listing into session_list but never owns the underlying tmux sessions —
// killing an attach PTY detaches, it never runs tmux kill-session.
package tmux

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/creack/pty"
)

// DefaultTimeout bounds every tmux CLI invocation. A timeout (or tmux
// simply not being installed) is treated as "no tmux available", never as
// a fatal error — see the exported functions below.
const DefaultTimeout = 4 * time.Second

// Info describes one tmux session discovered by List.
type Info struct {
	Name string
}

// Provider issues tmux(1) CLI invocations with a bounded timeout.
type Provider struct {
	Timeout time.Duration
}

// New constructs a Provider with the given per-command timeout. A
// non-positive timeout falls back to DefaultTimeout.
func New(timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Provider{Timeout: timeout}
}

func (p *Provider) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.Timeout)
}

// List returns every tmux session currently known to the server. A missing
// tmux binary, a timeout, or "no server running" (`tmux` exits 1 when
// there are no sessions) all yield an empty, non-error listing.
func (p *Provider) List() ([]Info, error) {
	ctx, cancel := p.ctx()
	defer cancel()

	out, err := exec.CommandContext(ctx, "tmux", "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		if _, ok := err.(*exec.Error); ok {
			// tmux not installed.
			return nil, nil
		}
		return nil, err
	}

	var sessions []Info
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			sessions = append(sessions, Info{Name: line})
		}
	}
	return sessions, nil
}

// HasSession reports whether a tmux session with the given name exists.
func (p *Provider) HasSession(name string) bool {
	ctx, cancel := p.ctx()
	defer cancel()
	return exec.CommandContext(ctx, "tmux", "has-session", "-t", name).Run() == nil
}

// CapturePane returns the named session's current pane content with ANSI
// escapes preserved, starting up to maxLines lines back in its history
// (so the visible pane plus at most maxLines history lines). Failure
// (including timeout) yields a nil slice, never an error — scrollback
// replay is best-effort.
func (p *Provider) CapturePane(name string, maxLines int) []byte {
	ctx, cancel := p.ctx()
	defer cancel()

	if maxLines <= 0 {
		maxLines = 1000
	}
	out, err := exec.CommandContext(ctx, "tmux", "capture-pane", "-t", name, "-p", "-e", "-S", "-"+strconv.Itoa(maxLines)).Output()
	if err != nil {
		return nil
	}
	return out
}

// StartAttach spawns `tmux attach-session -t name` behind a PTY sized
// cols x rows. The returned *exec.Cmd belongs to this attach only: killing
// it detaches from the tmux session without affecting the session itself
// or any other client attached to it.
func (p *Provider) StartAttach(name string, cols, rows int) (ptmx *os.File, cmd *exec.Cmd, err error) {
	cmd = exec.Command("tmux", "attach-session", "-t", name)
	f, startErr := pty.Start(cmd)
	if startErr != nil {
		return nil, nil, startErr
	}
	_ = pty.Setsize(f, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	return f, cmd, nil
}
