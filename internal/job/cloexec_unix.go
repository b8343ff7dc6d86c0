//go:build unix

package job

import "golang.org/x/sys/unix"

func setCloseOnExec(fd uintptr) {
	unix.CloseOnExec(int(fd))
}
