package cpcclient

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/librecpc/cpcd/internal/protocol"
)

// fakeDaemon serves just enough of cpcd's control+endpoint socket
// protocol for Client.Open to exercise its full negotiation path.
func fakeDaemon(t *testing.T, dir string, endpoint uint8) {
	t.Helper()

	ctrlAddr, err := net.ResolveUnixAddr("unixpacket", dir+"/ctrl.cpcd.sock")
	require.NoError(t, err)
	ctrlLn, err := net.ListenUnix("unixpacket", ctrlAddr)
	require.NoError(t, err)

	epAddr, err := net.ResolveUnixAddr("unixpacket", dir+"/ep1.cpcd.sock")
	require.NoError(t, err)
	epLn, err := net.ListenUnix("unixpacket", epAddr)
	require.NoError(t, err)

	go func() {
		conn, err := ctrlLn.AcceptUnix()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for i := 0; i < 3; i++ {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			var msg protocol.ControlMessage
			if err := msg.Unmarshal(buf[:n]); err != nil {
				return
			}
			reply := protocol.ControlMessage{Type: msg.Type, Endpoint: msg.Endpoint}
			switch msg.Type {
			case protocol.VersionQuery:
				reply.Payload = []byte{protocol.ProtocolVersion}
			case protocol.SetPid:
				reply.Payload = []byte{1}
			case protocol.OpenEndpointQuery:
				reply.Payload = []byte{1}
			}
			b, _ := reply.Marshal()
			conn.Write(b)
		}
	}()

	go func() {
		conn, err := epLn.AcceptUnix()
		if err != nil {
			return
		}
		hello := protocol.ControlMessage{Type: protocol.OpenEndpointQuery, Endpoint: endpoint}
		b, _ := hello.Marshal()
		conn.Write(b)
	}()
}

func TestOpenNegotiatesFullHandshake(t *testing.T) {
	dir := t.TempDir()
	fakeDaemon(t, dir, 1)

	c := New(dir, 1)
	require.Eventually(t, func() bool {
		return c.Open() == nil
	}, time.Second, 10*time.Millisecond)
	defer c.Close()
}
