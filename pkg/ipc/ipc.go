// Package ipc defines the control protocol: length-prefixed JSON frames
// carrying typed commands and structured replies over the daemon's local
// endpoint.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/LGUG2Z/wpm/pkg/unit"
)

// SocketName is the control endpoint's leaf name; the transport prefixes it
// with the named pipe namespace or the wpm data directory.
const SocketName = "wpmd.sock"

// MessageType tags a control request.
type MessageType string

const (
	MessageStart      MessageType = "start"
	MessageStop       MessageType = "stop"
	MessageRestart    MessageType = "restart"
	MessageReset      MessageType = "reset"
	MessageReload     MessageType = "reload"
	MessageState      MessageType = "state"
	MessageStatus     MessageType = "status"
	MessageLog        MessageType = "log"
	MessageRebuild    MessageType = "rebuild"
	MessageExampleGen MessageType = "examplegen"
	MessageUnits      MessageType = "units"
	MessageShutdown   MessageType = "shutdown"
)

// Request is one control command.
type Request struct {
	// ID correlates log records across the daemon and is assigned by the
	// client
	ID   string      `json:"id,omitempty"`
	Type MessageType `json:"type"`
	// Units carries the targets of start/stop/restart/reset
	Units []string `json:"units,omitempty"`
	// Unit carries the target of status/log/rebuild
	Unit string `json:"unit,omitempty"`
	// Dir carries the target directory of examplegen
	Dir string `json:"dir,omitempty"`
}

// Transition is one recent state change included in a status reply.
type Transition struct {
	State     unit.State `json:"state"`
	Timestamp time.Time  `json:"timestamp"`
	Error     string     `json:"error,omitempty"`
}

// StatusPayload is the reply body for a status request.
type StatusPayload struct {
	Status  unit.Status  `json:"status"`
	LogTail []string     `json:"log_tail,omitempty"`
	Recent  []Transition `json:"recent,omitempty"`
}

// Response is the reply to one request. For log streams, the server sends
// an initial Response acknowledging the request and then one Response per
// log line until the client disconnects.
type Response struct {
	OK      bool          `json:"ok"`
	Error   string        `json:"error,omitempty"`
	State   []unit.Status `json:"state,omitempty"`
	Status  *StatusPayload `json:"status,omitempty"`
	Path    string        `json:"path,omitempty"`
	LogLine string        `json:"log_line,omitempty"`
}

// maxFrame bounds a single frame to keep a corrupt length prefix from
// allocating unbounded memory.
const maxFrame = 16 << 20

// WriteFrame marshals v and writes it as one length-prefixed frame.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	if len(payload) > maxFrame {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))

	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}

	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame and unmarshals it into v.
func ReadFrame(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrame {
		return fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}

	return json.Unmarshal(payload, v)
}

// Ok returns a bare success response.
func Ok() Response {
	return Response{OK: true}
}

// Err returns a failure response carrying the error's text.
func Err(err error) Response {
	return Response{Error: err.Error()}
}
