package servercore

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/librecpc/cpcd/internal/protocol"
)

type fakeCore struct {
	writes   map[uint8][][]byte
	rx       map[uint8][][]byte
	states   map[uint8]uint8
	opened   []uint8
	closed   []uint8
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		writes: make(map[uint8][][]byte),
		rx:     make(map[uint8][][]byte),
		states: make(map[uint8]uint8),
	}
}

func (f *fakeCore) Write(id uint8, payload []byte) error {
	f.writes[id] = append(f.writes[id], payload)
	return nil
}
func (f *fakeCore) RXQueue(id uint8) [][]byte {
	q := f.rx[id]
	f.rx[id] = nil
	return q
}
func (f *fakeCore) StateOf(id uint8) uint8 { return f.states[id] }
func (f *fakeCore) Open(id uint8, window int) error {
	f.opened = append(f.opened, id)
	return nil
}
func (f *fakeCore) Close(id uint8) error {
	f.closed = append(f.closed, id)
	return nil
}

type fakePeers struct{ open map[uint8]bool }

func (p *fakePeers) PeerIsOpen(id uint8) bool { return p.open[id] }

func TestControlSocketVersionQuery(t *testing.T) {
	dir := t.TempDir()
	core := newFakeCore()
	peers := &fakePeers{open: map[uint8]bool{}}
	sc := New(dir, core, peers, 4096, nil)
	require.NoError(t, sc.EnsureListening(0))
	defer sc.Shutdown()

	conn := dialControl(t, dir)
	defer conn.Close()

	req := protocol.ControlMessage{Type: protocol.VersionQuery}
	b, err := req.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)

	reply := readControlReply(t, conn)
	require.Equal(t, protocol.VersionQuery, reply.Type)
	require.Equal(t, []byte{protocol.ProtocolVersion}, reply.Payload)
}

func TestControlSocketOpenEndpointRejectedWhenPeerNotOpen(t *testing.T) {
	dir := t.TempDir()
	core := newFakeCore()
	peers := &fakePeers{open: map[uint8]bool{}}
	sc := New(dir, core, peers, 4096, nil)
	require.NoError(t, sc.EnsureListening(0))
	defer sc.Shutdown()

	conn := dialControl(t, dir)
	defer conn.Close()

	req := protocol.ControlMessage{Type: protocol.OpenEndpointQuery, Endpoint: 5}
	b, err := req.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)

	reply := readControlReply(t, conn)
	require.Equal(t, []byte{0}, reply.Payload)
}

func TestEndpointSocketSendsHandshakeThenProxiesWrites(t *testing.T) {
	dir := t.TempDir()
	core := newFakeCore()
	peers := &fakePeers{open: map[uint8]bool{7: true}}
	sc := New(dir, core, peers, 4096, nil)
	defer sc.Shutdown()
	require.NoError(t, sc.EnsureListening(7))

	conn := dialEndpoint(t, dir, 7)
	defer conn.Close()

	buf := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	var hello protocol.ControlMessage
	require.NoError(t, hello.Unmarshal(buf[:n]))
	require.Equal(t, protocol.OpenEndpointQuery, hello.Type)

	_, err = conn.Write([]byte("payload"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(core.writes[7]) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []byte("payload"), core.writes[7][0])
}

func TestEndpointSocketEOFClosesCoreEndpoint(t *testing.T) {
	dir := t.TempDir()
	core := newFakeCore()
	peers := &fakePeers{open: map[uint8]bool{3: true}}
	sc := New(dir, core, peers, 4096, nil)
	defer sc.Shutdown()
	require.NoError(t, sc.EnsureListening(3))

	conn := dialEndpoint(t, dir, 3)
	conn.Close()

	require.Eventually(t, func() bool {
		return len(core.closed) == 1 && core.closed[0] == 3
	}, time.Second, 10*time.Millisecond)
}

func dialControl(t *testing.T, dir string) *net.UnixConn {
	t.Helper()
	return dialPath(t, socketPath(dir, 0))
}

func dialEndpoint(t *testing.T, dir string, id uint8) *net.UnixConn {
	t.Helper()
	return dialPath(t, socketPath(dir, id))
}

func dialPath(t *testing.T, path string) *net.UnixConn {
	t.Helper()
	var conn *net.UnixConn
	require.Eventually(t, func() bool {
		addr, err := net.ResolveUnixAddr("unixpacket", path)
		if err != nil {
			return false
		}
		c, err := net.DialUnix("unixpacket", nil, addr)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, time.Second, 10*time.Millisecond)
	return conn
}

func readControlReply(t *testing.T, conn *net.UnixConn) protocol.ControlMessage {
	t.Helper()
	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	var msg protocol.ControlMessage
	require.NoError(t, msg.Unmarshal(buf[:n]))
	return msg
}
