//go:build !unix

package memory

func allocExecBuffer(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func protectExecBuffer(b []byte, writable bool) error {
	return nil
}

func freeExecBuffer(b []byte) error {
	return nil
}
