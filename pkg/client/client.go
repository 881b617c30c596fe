// Package client implements the control-endpoint client used by wpmctl.
package client

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/LGUG2Z/wpm/pkg/ipc"
)

// Client issues control commands against a running daemon.
type Client struct {
	dataDir string
	timeout time.Duration
}

// New constructs a client for the daemon whose endpoint lives under
// dataDir.
func New(dataDir string) *Client {
	return &Client{dataDir: dataDir, timeout: 5 * time.Second}
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := ipc.Dial(c.dataDir, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("could not connect to wpmd; is the daemon running? (%w)", err)
	}

	return conn, nil
}

// roundTrip sends one request and reads one reply.
func (c *Client) roundTrip(request ipc.Request) (ipc.Response, error) {
	conn, err := c.dial()
	if err != nil {
		return ipc.Response{}, err
	}
	defer conn.Close()

	request.ID = uuid.New().String()
	if err := ipc.WriteFrame(conn, request); err != nil {
		return ipc.Response{}, err
	}

	var response ipc.Response
	if err := ipc.ReadFrame(conn, &response); err != nil {
		return ipc.Response{}, err
	}

	if !response.OK {
		return response, fmt.Errorf("%s", response.Error)
	}

	return response, nil
}

// Start starts units and their dependencies.
func (c *Client) Start(units []string) error {
	_, err := c.roundTrip(ipc.Request{Type: ipc.MessageStart, Units: units})
	return err
}

// Stop stops units and their dependents.
func (c *Client) Stop(units []string) error {
	_, err := c.roundTrip(ipc.Request{Type: ipc.MessageStop, Units: units})
	return err
}

// Restart restarts units.
func (c *Client) Restart(units []string) error {
	_, err := c.roundTrip(ipc.Request{Type: ipc.MessageRestart, Units: units})
	return err
}

// Reset clears units' terminal failure states.
func (c *Client) Reset(units []string) error {
	_, err := c.roundTrip(ipc.Request{Type: ipc.MessageReset, Units: units})
	return err
}

// Reload re-reads the unit directory.
func (c *Client) Reload() error {
	_, err := c.roundTrip(ipc.Request{Type: ipc.MessageReload})
	return err
}

// State returns the snapshot of every unit.
func (c *Client) State() (ipc.Response, error) {
	return c.roundTrip(ipc.Request{Type: ipc.MessageState})
}

// Status returns one unit's record and recent history.
func (c *Client) Status(unit string) (ipc.Response, error) {
	return c.roundTrip(ipc.Request{Type: ipc.MessageStatus, Unit: unit})
}

// Rebuild evicts and re-resolves a unit's cached artifacts.
func (c *Client) Rebuild(unit string) error {
	_, err := c.roundTrip(ipc.Request{Type: ipc.MessageRebuild, Unit: unit})
	return err
}

// ExampleGen writes canned example units into dir.
func (c *Client) ExampleGen(dir string) error {
	_, err := c.roundTrip(ipc.Request{Type: ipc.MessageExampleGen, Dir: dir})
	return err
}

// Units returns the unit definition directory path.
func (c *Client) Units() (string, error) {
	response, err := c.roundTrip(ipc.Request{Type: ipc.MessageUnits})
	if err != nil {
		return "", err
	}

	return response.Path, nil
}

// Shutdown asks the daemon to terminate.
func (c *Client) Shutdown() error {
	_, err := c.roundTrip(ipc.Request{Type: ipc.MessageShutdown})
	return err
}

// Log streams log lines for a unit (or the daemon when unit is empty) to
// the emit callback until the connection drops or emit returns false.
func (c *Client) Log(unit string, emit func(line string) bool) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	request := ipc.Request{ID: uuid.New().String(), Type: ipc.MessageLog, Unit: unit}
	if err := ipc.WriteFrame(conn, request); err != nil {
		return err
	}

	var ack ipc.Response
	if err := ipc.ReadFrame(conn, &ack); err != nil {
		return err
	}

	if !ack.OK {
		return fmt.Errorf("%s", ack.Error)
	}

	for {
		var frame ipc.Response
		if err := ipc.ReadFrame(conn, &frame); err != nil {
			return nil
		}

		if !emit(frame.LogLine) {
			return nil
		}
	}
}
