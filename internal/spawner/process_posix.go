//go:build !windows

package spawner

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup places the child in its own process group so killTree can
// signal the whole tree without affecting the parent (spec 4.6 step 7).
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGraceful delivers SIGTERM to the process only, not its tree
// (spec 4.6 termination: "deliver the equivalent of SIGTERM to the process
// only").
func terminateGraceful(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// killTree kills the process group, terminating every descendant (spec 4.6
// termination's forced-kill fallback).
func killTree(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGKILL)
}
