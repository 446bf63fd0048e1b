package actions

import (
	"fmt"
	"os"
)

// ProcessRestarter re-executes the current binary with the original
// arguments and environment. BeforeExec runs first; it should flush logs and
// release anything the next process needs. OnFailure runs when the exec
// itself fails, after BeforeExec has already torn things down.
type ProcessRestarter struct {
	BeforeExec func()
	OnFailure  func(err error)

	executable func() (string, error)
	exec       func(path string, args, env []string) error
}

func NewProcessRestarter(beforeExec func()) *ProcessRestarter {
	return &ProcessRestarter{
		BeforeExec: beforeExec,
		executable: os.Executable,
		exec:       replaceProcess,
	}
}

func (r *ProcessRestarter) Restart() error {
	path, err := r.executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if r.BeforeExec != nil {
		r.BeforeExec()
	}
	if err := r.exec(path, os.Args, os.Environ()); err != nil {
		if r.OnFailure != nil {
			r.OnFailure(err)
		}
		return fmt.Errorf("exec %s: %w", path, err)
	}
	return nil
}
