//go:build windows

package main

import "os/exec"

// Windows has no sessions; the child already outlives the parent.
func configureDaemonProc(cmd *exec.Cmd) {}
