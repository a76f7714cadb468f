//go:build linux

package supervisor

import "syscall"

func sysProcAttr(deathSignal syscall.Signal) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Pdeathsig: deathSignal,
	}
}
