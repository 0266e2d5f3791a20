package sgxdev

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAESMListening(t *testing.T) {
	dir := t.TempDir()

	ok, err := AESMListening(filepath.Join(dir, "does-not-exist"))
	require.NoError(t, err)
	require.False(t, ok)

	regular := filepath.Join(dir, "regular")
	require.NoError(t, os.WriteFile(regular, []byte("foo"), 0600))
	_, err = AESMListening(regular)
	require.ErrorIs(t, err, errNotSocket)

	sock := filepath.Join(dir, "aesm.socket")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()

	ok, err = AESMListening(sock)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPresent(t *testing.T) {
	orig := devicePaths
	defer func() { devicePaths = orig }()

	dir := t.TempDir()
	devicePaths = []string{filepath.Join(dir, "sgx_enclave")}
	ok, err := Present()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, os.WriteFile(devicePaths[0], nil, 0600))
	ok, err = Present()
	require.NoError(t, err)
	require.True(t, ok)
}
