//go:build !linux

package supervisor

import "syscall"

// parent death signals are linux only
func sysProcAttr(_ syscall.Signal) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
