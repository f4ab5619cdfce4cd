//go:build !unix

package main

import (
	"os"
	"os/exec"
)

var (
	stopSignal    os.Signal = os.Kill
	triggerSignal os.Signal
)

func detach(_ *exec.Cmd) {}

func processAlive(pid int) bool {
	var _, err = os.FindProcess(pid)
	return err == nil
}
