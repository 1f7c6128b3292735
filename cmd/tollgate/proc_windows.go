//go:build windows

package main

import "os/exec"

// Windows has no Setsid; the child already outlives the parent.
func configureDaemonProc(cmd *exec.Cmd) {}
