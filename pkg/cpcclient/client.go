// Package cpcclient is the host-side library for talking to cpcd over
// its per-endpoint unixpacket sockets. Grounded on client2/thin.go's
// ThinClient: resolve a unixpacket address, dial it, and exchange
// CBOR-framed messages — generalized here to cpcd's
// control-socket/endpoint-socket split and to a reconnect routine
// driven by SIGUSR1 rather than a one-shot dial.
package cpcclient

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/librecpc/cpcd/internal/protocol"
)

var (
	ErrVersionMismatch = errors.New("cpcclient: daemon protocol version mismatch")
	ErrEndpointDenied  = errors.New("cpcclient: daemon refused to open endpoint")
	ErrClosed          = errors.New("cpcclient: connection closed")
)

// Client is a single endpoint connection to cpcd: dial the control
// socket to negotiate opening the endpoint, then dial the endpoint
// socket itself for raw payload traffic.
type Client struct {
	runDir   string
	endpoint uint8

	mu   sync.Mutex
	conn *net.UnixConn
}

// New creates a Client for endpoint id, talking to the daemon instance
// rooted at runDir (the same directory cpcd was configured with).
func New(runDir string, endpoint uint8) *Client {
	return &Client{runDir: runDir, endpoint: endpoint}
}

func (c *Client) controlPath() string {
	return fmt.Sprintf("%s/ctrl.cpcd.sock", c.runDir)
}

func (c *Client) endpointPath() string {
	return fmt.Sprintf("%s/ep%d.cpcd.sock", c.runDir, c.endpoint)
}

// dialUnixpacket opens a unixpacket connection to path, the same
// "unixpacket" network ThinClient.Dial uses.
func dialUnixpacket(path string) (*net.UnixConn, error) {
	addr, err := net.ResolveUnixAddr("unixpacket", path)
	if err != nil {
		return nil, err
	}
	return net.DialUnix("unixpacket", nil, addr)
}

func controlRoundTrip(conn *net.UnixConn, req protocol.ControlMessage) (protocol.ControlMessage, error) {
	b, err := req.Marshal()
	if err != nil {
		return protocol.ControlMessage{}, err
	}
	if _, err := conn.Write(b); err != nil {
		return protocol.ControlMessage{}, err
	}
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return protocol.ControlMessage{}, err
	}
	var reply protocol.ControlMessage
	if err := reply.Unmarshal(buf[:n]); err != nil {
		return protocol.ControlMessage{}, err
	}
	return reply, nil
}

// Open negotiates opening the endpoint over the control socket, then
// dials the endpoint socket itself and consumes the daemon's handshake
// message.
func (c *Client) Open() error {
	ctrl, err := dialUnixpacket(c.controlPath())
	if err != nil {
		return fmt.Errorf("cpcclient: dial control socket: %w", err)
	}
	defer ctrl.Close()

	versionReply, err := controlRoundTrip(ctrl, protocol.ControlMessage{Type: protocol.VersionQuery})
	if err != nil {
		return err
	}
	if len(versionReply.Payload) != 1 || versionReply.Payload[0] != protocol.ProtocolVersion {
		return ErrVersionMismatch
	}

	pidPayload := make([]byte, 4)
	pid := uint32(os.Getpid())
	pidPayload[0] = byte(pid)
	pidPayload[1] = byte(pid >> 8)
	pidPayload[2] = byte(pid >> 16)
	pidPayload[3] = byte(pid >> 24)
	if _, err := controlRoundTrip(ctrl, protocol.ControlMessage{Type: protocol.SetPid, Payload: pidPayload}); err != nil {
		return err
	}

	openReply, err := controlRoundTrip(ctrl, protocol.ControlMessage{Type: protocol.OpenEndpointQuery, Endpoint: c.endpoint})
	if err != nil {
		return err
	}
	if len(openReply.Payload) != 1 || openReply.Payload[0] == 0 {
		return ErrEndpointDenied
	}

	conn, err := dialUnixpacket(c.endpointPath())
	if err != nil {
		return fmt.Errorf("cpcclient: dial endpoint socket: %w", err)
	}

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		conn.Close()
		return fmt.Errorf("cpcclient: read handshake: %w", err)
	}
	var hello protocol.ControlMessage
	if err := hello.Unmarshal(buf[:n]); err != nil || hello.Type != protocol.OpenEndpointQuery {
		conn.Close()
		return fmt.Errorf("cpcclient: unexpected handshake message")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Write sends one payload on the endpoint socket.
func (c *Client) Write(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	_, err := conn.Write(payload)
	return err
}

// Read blocks for the next payload delivered on the endpoint socket.
func (c *Client) Read(buf []byte) (int, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return 0, ErrClosed
	}
	return conn.Read(buf)
}

// Close releases the endpoint connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
