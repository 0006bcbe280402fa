package session

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// DefaultPTYService spawns real child processes behind a pseudo-terminal
// using creack/pty.
type DefaultPTYService struct{}

func (DefaultPTYService) Start(shell string, workingDir string, envVars map[string]string) (*os.File, *exec.Cmd, error) {
	cmd := exec.Command(shell)
	if workingDir != "" {
		cmd.Dir = workingDir
	}
	cmd.Env = buildEnv(envVars)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, nil, err
	}
	return ptmx, cmd, nil
}

func (DefaultPTYService) SetSize(f *os.File, cols, rows int) error {
	return pty.Setsize(f, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

// buildEnv starts from the current process environment, layers caller
// overrides on top, and guarantees TERM/COLORTERM are set so attached
// clients get full terminal capability even if the caller didn't ask for it.
func buildEnv(envVars map[string]string) []string {
	env := os.Environ()

	termSet := false
	colortermSet := false
	for k, v := range envVars {
		env = append(env, k+"="+v)
		if k == "TERM" {
			termSet = true
		}
		if k == "COLORTERM" {
			colortermSet = true
		}
	}
	if !termSet {
		env = append(env, "TERM=xterm-256color")
	}
	if !colortermSet {
		env = append(env, "COLORTERM=truecolor")
	}
	return env
}
