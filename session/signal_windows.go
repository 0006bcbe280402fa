//go:build windows

package session

import "os/exec"

// sendRedrawSignal is a no-op on Windows: SIGWINCH has no equivalent.
func sendRedrawSignal(cmd *exec.Cmd) {}
