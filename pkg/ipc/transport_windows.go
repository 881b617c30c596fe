//go:build windows

package ipc

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

const pipePath = `\\.\pipe\` + SocketName

// Listen binds the control endpoint as a named pipe restricted to the
// current user.
func Listen(dataDir string) (net.Listener, error) {
	// D:P(A;;GA;;;OW) denies everyone but the pipe owner
	config := &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;OW)",
		MessageMode:        false,
	}

	return winio.ListenPipe(pipePath, config)
}

// Dial connects to the daemon's control endpoint.
func Dial(dataDir string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(pipePath, &timeout)
}
