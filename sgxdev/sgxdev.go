// Package sgxdev tells whether the host offers the pieces that hardware
// attestation needs: an SGX device node and a running AESM daemon.
package sgxdev

import (
	"errors"
	"os"
)

// devicePaths lists where the in-kernel driver (first two) and the
// out-of-tree driver (last) expose SGX.
var devicePaths = []string{
	"/dev/sgx_enclave",
	"/dev/sgx/enclave",
	"/dev/isgx",
}

var errNotSocket = errors.New("path exists but is not a unix socket")

// Present returns true if an SGX device node exists and false otherwise.  If
// something goes wrong during the check, an error is returned.
func Present() (bool, error) {
	for _, p := range devicePaths {
		ok, err := exists(p)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// AESMListening returns true if the given path is a unix socket, which is
// the case while the AESM daemon runs.
func AESMListening(socket string) (bool, error) {
	info, err := os.Stat(socket)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return false, errNotSocket
	}
	return true, nil
}

func exists(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return true, nil
	} else if errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else {
		return false, err
	}
}
