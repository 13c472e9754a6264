//go:build windows

package discovery

import "os"

// processAlive reports whether pid can be opened. FindProcess opens a handle
// on Windows and fails for exited processes.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
