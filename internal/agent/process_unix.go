//go:build unix

package agent

import "golang.org/x/sys/unix"

// processAlive sends signal 0 to pid: delivery is skipped but the kernel
// still validates the target exists and is reachable, the same existence
// check the teacher performed via os.FindProcess + Signal(0) on Windows,
// generalized to the real POSIX kill(pid, 0) semantics.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil
}
