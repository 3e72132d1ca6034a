package ota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
)

// Restarter reboots into the newly committed image. On success it
// does not return.
type Restarter interface {
	Restart() error
}

// RestarterFunc adapts a function to [Restarter].
type RestarterFunc func() error

func (f RestarterFunc) Restart() error { return f() }

// ExecRestarter replaces the running process with Path, keeping the
// current arguments and environment. When Command is set it is run
// instead (e.g. "systemctl restart otanode" or "reboot").
type ExecRestarter struct {
	Path    string
	Command []string
	Logger  *slog.Logger
}

func (r *ExecRestarter) Restart() error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if len(r.Command) > 0 {
		logger.Warn("restarting via command", "command", r.Command)
		cmd := exec.CommandContext(context.Background(), r.Command[0], r.Command[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("restart command: %w", err)
		}
		// A service manager restart kills us shortly; exit if it did not.
		os.Exit(0)
	}

	if r.Path == "" {
		return errors.New("ota: no image path to restart into")
	}
	logger.Warn("restarting into new image", "path", r.Path)
	args := append([]string{r.Path}, os.Args[1:]...)
	if err := syscall.Exec(r.Path, args, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", r.Path, err)
	}
	return nil
}
