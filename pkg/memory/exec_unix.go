//go:build unix

package memory

import "golang.org/x/sys/unix"

// allocExecBuffer maps anonymous memory for the flat exec view, rounded up
// to the host page size.
func allocExecBuffer(size int) ([]byte, error) {
	hostPage := unix.Getpagesize()
	mapped := (size + hostPage - 1) / hostPage * hostPage
	return unix.Mmap(-1, 0, mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

func protectExecBuffer(b []byte, writable bool) error {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(b, prot)
}

func freeExecBuffer(b []byte) error {
	return unix.Munmap(b)
}
