package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"drive-revenant/model"
)

// Client is the revenantctl-side counterpart to Server: one
// dial-encode-decode round trip per call.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient constructs a Client targeting socketPath, falling back to
// DefaultSocketPath when empty.
func NewClient(socketPath string) *Client {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{socketPath: socketPath, timeout: 5 * time.Second}
}

func (c *Client) send(req IPCRequest, out interface{}) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return fmt.Errorf("daemon request failed")
	}
	if out != nil && resp.Data != nil {
		data, err := json.Marshal(resp.Data)
		if err != nil {
			return fmt.Errorf("marshal response payload: %w", err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("unmarshal response payload: %w", err)
		}
	}
	return nil
}

// SetDriveConfig applies a drive's configuration.
func (c *Client) SetDriveConfig(cfg model.DriveConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return c.send(IPCRequest{Command: CommandSetDriveConfig, Payload: payload}, nil)
}

// PauseDrive pauses a drive by user intent.
func (c *Client) PauseDrive(letter string) error {
	return c.send(IPCRequest{Command: CommandPauseDrive, Letter: letter}, nil)
}

// ResumeDrive clears a user pause.
func (c *Client) ResumeDrive(letter string) error {
	return c.send(IPCRequest{Command: CommandResumeDrive, Letter: letter}, nil)
}

// ReleaseQuarantine forces a quarantined drive back to Active.
func (c *Client) ReleaseQuarantine(letter string) error {
	return c.send(IPCRequest{Command: CommandReleaseQuarantine, Letter: letter}, nil)
}

// PingNow requests an out-of-cycle probe on the next tick.
func (c *Client) PingNow(letter string) error {
	return c.send(IPCRequest{Command: CommandPingNow, Letter: letter}, nil)
}

// CurrentSnapshot fetches the latest published Snapshot.
func (c *Client) CurrentSnapshot() (model.Snapshot, error) {
	var snap model.Snapshot
	err := c.send(IPCRequest{Command: CommandCurrentSnapshot}, &snap)
	return snap, err
}

// Subscribe opens a long-lived connection and streams every Snapshot
// the daemon publishes until ctx is cancelled or the connection
// drops. The returned channel is closed on either.
func (c *Client) Subscribe(ctx context.Context) (<-chan model.Snapshot, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	if err := json.NewEncoder(conn).Encode(IPCRequest{Command: CommandSubscribe}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("encode subscribe request: %w", err)
	}

	out := make(chan model.Snapshot, 8)
	go func() {
		defer conn.Close()
		defer close(out)

		decoder := json.NewDecoder(bufio.NewReader(conn))
		for {
			var resp IPCResponse
			if err := decoder.Decode(&resp); err != nil {
				return
			}
			if !resp.OK || resp.Data == nil {
				continue
			}
			data, err := json.Marshal(resp.Data)
			if err != nil {
				continue
			}
			var snap model.Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				continue
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	return out, nil
}
