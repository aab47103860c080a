//go:build windows

package process

import "os"

// Windows has no process-group signals; every helper terminates the process.
func terminateGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func killGroup(pid int) error        { return terminateGroup(pid) }
func terminateProcess(pid int) error { return terminateGroup(pid) }
func killProcess(pid int) error      { return terminateGroup(pid) }

// processExists checks if a process exists (for test compatibility)
func processExists(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
