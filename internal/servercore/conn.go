package servercore

import (
	"net"

	"github.com/librecpc/cpcd/internal/protocol"
)

// clientConn is one accepted client connection on an endpoint's
// unixpacket socket. Grounded on client/cborplugin/incoming_conn.go's
// per-connection worker goroutine plus close-channel shape, simplified
// since unixpacket already preserves message boundaries (no CBOR framing
// needed on the raw endpoint sockets, only on the control socket).
type clientConn struct {
	sc   *ServerCore
	el   *endpointListener
	conn *net.UnixConn

	closeCh chan struct{}
}

func newClientConn(sc *ServerCore, el *endpointListener, conn *net.UnixConn) *clientConn {
	return &clientConn{sc: sc, el: el, conn: conn, closeCh: make(chan struct{})}
}

func (cc *clientConn) run() {
	defer func() {
		cc.conn.Close()
		cc.sc.onClosedConn(cc.el, cc)
	}()

	buf := make([]byte, cc.sc.maxWriteSize+4096)
	for {
		n, err := cc.conn.Read(buf)
		if err != nil {
			if cc.el.endpoint != controlEndpointID {
				// EOF on an endpoint socket begins local close: the client
				// closing its socket initiates Core's Closing transition.
				_ = cc.sc.core.Close(cc.el.endpoint)
			}
			return
		}

		if cc.el.endpoint == controlEndpointID {
			cc.handleControl(buf[:n])
			continue
		}
		if err := cc.sc.core.Write(cc.el.endpoint, append([]byte(nil), buf[:n]...)); err != nil {
			cc.sc.log.Warnf("write to endpoint %d failed: %v", cc.el.endpoint, err)
		}
	}
}

// handleControl decodes and dispatches one control-socket message:
// VersionQuery, MaxWriteSizeQuery, SetPid, OpenEndpointQuery,
// CloseEndpointQuery, or EndpointStatusQuery.
func (cc *clientConn) handleControl(b []byte) {
	var msg protocol.ControlMessage
	if err := msg.Unmarshal(b); err != nil {
		cc.sc.log.Warnf("malformed control message: %v", err)
		return
	}

	reply := protocol.ControlMessage{Type: msg.Type, Endpoint: msg.Endpoint}

	switch msg.Type {
	case protocol.VersionQuery:
		reply.Payload = []byte{protocol.ProtocolVersion}

	case protocol.MaxWriteSizeQuery:
		reply.Payload = []byte{
			byte(cc.sc.maxWriteSize), byte(cc.sc.maxWriteSize >> 8),
			byte(cc.sc.maxWriteSize >> 16), byte(cc.sc.maxWriteSize >> 24),
		}

	case protocol.SetPid:
		// Payload carries the client's pid for SIGUSR1 delivery on link
		// reset; it is kept in ServerCore's pid set, which NotifyReset
		// signals.
		cc.sc.RegisterClientPid(msg.Payload)

	case protocol.OpenEndpointQuery:
		canOpen := cc.sc.peers.PeerIsOpen(msg.Endpoint)
		if err := cc.sc.core.Open(msg.Endpoint, 0); err != nil {
			canOpen = false
		}
		if canOpen {
			_ = cc.sc.EnsureListening(msg.Endpoint)
		}
		if canOpen {
			reply.Payload = []byte{1}
		} else {
			reply.Payload = []byte{0}
		}

	case protocol.CloseEndpointQuery:
		_ = cc.sc.core.Close(msg.Endpoint)
		reply.Payload = []byte{1}

	case protocol.EndpointStatusQuery:
		reply.Payload = []byte{cc.sc.core.StateOf(msg.Endpoint)}

	default:
		cc.sc.log.Warnf("unknown control message type %d", msg.Type)
		return
	}

	b, err := reply.Marshal()
	if err != nil {
		cc.sc.log.Warnf("encode control reply: %v", err)
		return
	}
	_, _ = cc.conn.Write(b)
}
