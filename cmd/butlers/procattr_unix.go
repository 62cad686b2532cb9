//go:build unix

package main

import "syscall"

// childProcAttr puts each supervised butler in its own process group so a
// signal sent to the child doesn't also land on butlers up itself.
func childProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
