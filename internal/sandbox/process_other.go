//go:build !linux

package sandbox

import "syscall"

func procAttr(bool) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func userNamespacesWork(string) bool { return false }

// RunInit is only supported on Linux; elsewhere use a container backend.
func RunInit() {
	initFail("the process backend requires Linux")
}
