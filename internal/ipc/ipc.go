// Package ipc locates and opens the local control socket used by the
// clipstage CLI to reach a running watch daemon.
//
//   - Linux / macOS: $XDG_RUNTIME_DIR/clipstage.sock, else $TMPDIR/clipstage.sock
//   - Windows:       \\.\pipe\clipstage
//
// $CLIPSTAGE_SOCKET overrides the path on every platform except Windows.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

const probeTimeout = 500 * time.Millisecond

// ErrInUse is returned by Listen when another daemon answers on the socket.
var ErrInUse = errors.New("ipc: socket in use by a running daemon")

// SocketPath returns the platform-appropriate control socket path.
func SocketPath() string {
	if s := os.Getenv("CLIPSTAGE_SOCKET"); s != "" && !isPipe() {
		return s
	}
	return socketPath()
}

// IsRunning reports whether a daemon answers on path.
func IsRunning(path string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	c, err := Dial(ctx, path)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// Listen opens the control socket at path. A leftover socket file from a
// crashed run is removed; a live one yields ErrInUse.
func Listen(path string) (net.Listener, error) {
	if IsRunning(path) {
		return nil, fmt.Errorf("%w: %s", ErrInUse, path)
	}
	if !isPipe() {
		_ = os.Remove(path)
	}
	ln, err := listenIPC(path)
	if err != nil {
		return nil, fmt.Errorf("ipc listen %s: %w", path, err)
	}
	return ln, nil
}

// Dial connects to the control socket at path.
func Dial(ctx context.Context, path string) (net.Conn, error) {
	return dialIPC(ctx, path)
}

// Remove deletes the socket file at path. Named pipes need no cleanup.
func Remove(path string) {
	if !isPipe() {
		_ = os.Remove(path)
	}
}
