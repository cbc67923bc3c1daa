//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"

	psprocess "github.com/shirou/gopsutil/v4/process"
)

func configureTree(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
	cmd.Cancel = func() error {
		return killTree(cmd.Process.Pid)
	}
}

// killTree kills leaves first so no child is re-parented mid-walk.
func killTree(pid int) error {
	p, err := psprocess.NewProcess(int32(pid))
	if err != nil {
		return os.ErrProcessDone
	}
	killDescendants(p)
	if err := p.Kill(); err != nil {
		if ok, _ := psprocess.PidExists(int32(pid)); !ok {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}

func killDescendants(p *psprocess.Process) {
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		killDescendants(child)
		_ = child.Kill()
	}
}
