//go:build !unix

package worker

import "os/exec"

// killProcessGroup leaves cancellation to exec.CommandContext, which kills
// only the direct child.
func killProcessGroup(cmd *exec.Cmd) {}
