//go:build !unix

package agent

import "os"

// processAlive falls back to the teacher's own approach on non-POSIX
// targets: os.FindProcess always succeeds on Windows, so a nil-signal probe
// is used purely to detect an already-reaped process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(os.Signal(nil)) == nil
}
