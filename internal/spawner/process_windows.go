//go:build windows

package spawner

import (
	"os"
	"os/exec"
	"syscall"
)

const ctrlBreakEvent = 1

var (
	kernel32                     = syscall.NewLazyDLL("kernel32.dll")
	procAttachConsole            = kernel32.NewProc("AttachConsole")
	procFreeConsole              = kernel32.NewProc("FreeConsole")
	procSetConsoleCtrlHandler    = kernel32.NewProc("SetConsoleCtrlHandler")
	procGenerateConsoleCtrlEvent = kernel32.NewProc("GenerateConsoleCtrlEvent")
)

// setProcessGroup creates a new process group so a CTRL_BREAK_EVENT can
// target the child without also reaching this process (spec 4.6 step 7).
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// terminateGraceful attaches to the child's console and delivers a
// CTRL-C-equivalent event, temporarily detaching and restoring this
// process's own console handler around the call (spec 4.6 termination:
// "attach to the child console and deliver a CTRL-C-equivalent event;
// temporarily disable the parent's handler across the operation and
// always restore it").
func terminateGraceful(p *os.Process) error {
	if r, _, err := procAttachConsole.Call(uintptr(p.Pid)); r == 0 {
		return err
	}
	defer procFreeConsole.Call()

	if r, _, err := procSetConsoleCtrlHandler.Call(0, 1); r == 0 {
		return err
	}
	defer procSetConsoleCtrlHandler.Call(0, 0)

	if r, _, err := procGenerateConsoleCtrlEvent.Call(ctrlBreakEvent, uintptr(p.Pid)); r == 0 {
		return err
	}
	return nil
}

// killTree forcibly terminates the process. Windows has no signal-based
// process-group kill; the CREATE_NEW_PROCESS_GROUP flag above scopes
// GenerateConsoleCtrlEvent, but the forced fallback just kills the single
// handle the Go runtime tracks.
func killTree(p *os.Process) error {
	return p.Kill()
}
