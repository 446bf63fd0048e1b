//go:build !unix

package actions

import (
	"os"
	"os/exec"
)

// replaceProcess starts a detached copy and exits, since the platform has no
// exec(2).
func replaceProcess(path string, args, env []string) error {
	cmd := exec.Command(path, args[1:]...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	os.Exit(0)
	return nil
}
