//go:build linux || darwin

package utils

import (
	"syscall"
)

func setSocketOptions(fd uintptr, bufSize int) {
	syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, bufSize)
	syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, bufSize)
}
