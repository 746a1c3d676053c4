package tftp

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	return &Server{
		Logger:        logr.Discard(),
		RootDirectory: root,
	}, root
}

func TestHandleRead(t *testing.T) {
	t.Parallel()

	srv, root := testServer(t)
	contents := bytes.Repeat([]byte{0xB0}, 4096)
	require.NoError(t, os.WriteFile(filepath.Join(root, "bootloader"), contents, 0644))

	var buf bytes.Buffer
	require.NoError(t, srv.handleRead("bootloader", &buf))
	assert.Equal(t, contents, buf.Bytes())
}

func TestHandleReadSubdirectory(t *testing.T) {
	t.Parallel()

	srv, root := testServer(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "kernel-x86_64"), []byte("kernel"), 0644))

	var buf bytes.Buffer
	require.NoError(t, srv.handleRead("sub/kernel-x86_64", &buf))
	assert.Equal(t, "kernel", buf.String())
}

func TestHandleReadEscape(t *testing.T) {
	t.Parallel()

	srv, root := testServer(t)
	secret := filepath.Join(filepath.Dir(root), "secret")
	require.NoError(t, os.WriteFile(secret, []byte("secret"), 0644))

	for _, filename := range []string{
		"../secret",
		"sub/../../secret",
		"/etc/passwd",
	} {
		var buf bytes.Buffer
		err := srv.handleRead(filename, &buf)
		assert.Error(t, err, "filename %q", filename)
		assert.Zero(t, buf.Len(), "filename %q leaked %d bytes", filename, buf.Len())
	}
}

func TestHandleReadMissing(t *testing.T) {
	t.Parallel()

	srv, _ := testServer(t)
	var buf bytes.Buffer
	assert.Error(t, srv.handleRead("does-not-exist", &buf))
}

func TestHandleWrite(t *testing.T) {
	t.Parallel()

	srv, _ := testServer(t)
	assert.Error(t, srv.handleWrite("bootloader", nil))
}
