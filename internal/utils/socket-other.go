//go:build !unix && !windows

package utils

func tuneSocketBuffers(fd uintptr) {}
