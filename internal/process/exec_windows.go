//go:build windows

package process

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}

func terminateProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

// Niceness has no direct equivalent; workers keep the default priority.
func setNice(pid, nice int) error { return nil }
