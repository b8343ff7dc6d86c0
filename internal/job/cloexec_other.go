//go:build !unix

package job

// Descriptors are not inherited across exec on this platform.
func setCloseOnExec(uintptr) {}
