//go:build windows

package localapi

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}

func signalTerminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func killProcess(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}
