//go:build unix

package actions

import "syscall"

// replaceProcess swaps the process image in place; the pid is kept.
func replaceProcess(path string, args, env []string) error {
	return syscall.Exec(path, args, env)
}
