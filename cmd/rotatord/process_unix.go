//go:build unix

package main

import (
	"os"
	"os/exec"
	"syscall"
)

var (
	stopSignal    os.Signal = syscall.SIGTERM
	triggerSignal os.Signal = syscall.SIGUSR1
)

// detach starts the child in its own session so it survives the terminal.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func processAlive(pid int) bool {
	var process, err = os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
