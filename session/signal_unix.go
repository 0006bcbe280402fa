//go:build !windows

package session

import (
	"os/exec"
	"syscall"
)

// sendRedrawSignal nudges a child into repainting its screen (useful for
// full-screen programs like htop when a new viewer attaches mid-session).
// Best effort: the process may already have exited.
func sendRedrawSignal(cmd *exec.Cmd) {
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGWINCH)
	}
}
