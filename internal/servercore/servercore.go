// Package servercore implements the per-endpoint client-facing domain
// sockets: one message-preserving unixpacket listener per endpoint,
// created lazily and only accepting once Core reports the peer endpoint
// open, proxying bytes between each client connection and Core's
// send/receive queues. Grounded on client2/thin.go for the unixpacket
// dial/listen shape and client/cborplugin's incoming_conn.go for the
// per-connection worker goroutine and close-channel pattern.
package servercore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/librecpc/cpcd/internal/protocol"
)

// CoreFace is the narrow slice of core.Core that ServerCore depends on,
// kept as an interface to avoid an import cycle (Core reports events
// through a core.Notifier, implemented in cmd/cpcd, that calls back into
// ServerCore).
type CoreFace interface {
	Write(endpointID uint8, payload []byte) error
	RXQueue(endpointID uint8) [][]byte
	StateOf(endpointID uint8) uint8
	Open(endpointID uint8, window int) error
	Close(endpointID uint8) error
}

// PeerOpenChecker reports whether the secondary has confirmed an
// endpoint open, consulted before accepting a new client connection:
// ServerCore only accepts once Core reports the peer endpoint Open.
type PeerOpenChecker interface {
	PeerIsOpen(endpointID uint8) bool
}

const controlEndpointID uint8 = 0

var errMultipleClientsNotAllowed = errors.New("servercore: endpoint already has a client connection")

// socketPath builds the well-known path for an endpoint's listener,
// e.g. <run>/ep5.cpcd.sock, or <run>/ctrl.cpcd.sock for the control
// endpoint.
func socketPath(runDir string, endpointID uint8) string {
	if endpointID == controlEndpointID {
		return filepath.Join(runDir, "ctrl.cpcd.sock")
	}
	return filepath.Join(runDir, fmt.Sprintf("ep%d.cpcd.sock", endpointID))
}

// endpointListener lazily owns one endpoint's unixpacket listener and
// its connected clients.
type endpointListener struct {
	mu       sync.Mutex
	endpoint uint8
	listener *net.UnixListener
	clients  map[*clientConn]struct{}
}

// ServerCore owns one endpointListener per referenced endpoint and
// fans RX queue contents out to connected clients.
type ServerCore struct {
	log *log.Logger

	runDir string
	core   CoreFace
	peers  PeerOpenChecker

	mu        sync.Mutex
	endpoints map[uint8]*endpointListener

	maxWriteSize int

	pidMu sync.Mutex
	pids  map[int]struct{}
}

// New creates a ServerCore rooted at runDir (the daemon instance's
// `<run>/cpcd/<instance>/` directory).
func New(runDir string, core CoreFace, peers PeerOpenChecker, maxWriteSize int, logger *log.Logger) *ServerCore {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	}
	return &ServerCore{
		log:          logger.WithPrefix("servercore"),
		runDir:       runDir,
		core:         core,
		peers:        peers,
		endpoints:    make(map[uint8]*endpointListener),
		maxWriteSize: maxWriteSize,
		pids:         make(map[int]struct{}),
	}
}

// RegisterClientPid records a client's pid, learned via the control
// socket's SetPid message, as a target for the SIGUSR1 reset
// notification.
func (sc *ServerCore) RegisterClientPid(payload []byte) {
	if len(payload) < 4 {
		return
	}
	pid := int(binary.LittleEndian.Uint32(payload))
	sc.pidMu.Lock()
	sc.pids[pid] = struct{}{}
	sc.pidMu.Unlock()
}

// NotifyReset sends SIGUSR1 to every registered client pid on link
// reset. Failures (process exited without deregistering) are ignored.
func (sc *ServerCore) NotifyReset() {
	sc.pidMu.Lock()
	defer sc.pidMu.Unlock()
	for pid := range sc.pids {
		_ = syscall.Kill(pid, syscall.SIGUSR1)
	}
}

// listenerFor returns (creating if necessary) the listener for endpoint
// id, binding its unixpacket socket on first reference.
func (sc *ServerCore) listenerFor(id uint8) (*endpointListener, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if el, ok := sc.endpoints[id]; ok {
		return el, nil
	}

	path := socketPath(sc.runDir, id)
	_ = os.Remove(path) // stale socket from a previous run

	addr, err := net.ResolveUnixAddr("unixpacket", path)
	if err != nil {
		return nil, fmt.Errorf("servercore: resolve %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		return nil, fmt.Errorf("servercore: listen %s: %w", path, err)
	}

	el := &endpointListener{endpoint: id, listener: ln, clients: make(map[*clientConn]struct{})}
	sc.endpoints[id] = el
	go sc.acceptLoop(el)
	return el, nil
}

// EnsureListening lazily creates the listener for endpoint id without
// waiting for a connection, so a client can dial the endpoint socket as
// soon as its open query has been answered.
func (sc *ServerCore) EnsureListening(id uint8) error {
	_, err := sc.listenerFor(id)
	return err
}

// acceptLoop accepts connections for one endpoint, gating admission on
// the peer-open check and the single-client-except-control limit.
func (sc *ServerCore) acceptLoop(el *endpointListener) {
	for {
		conn, err := el.listener.AcceptUnix()
		if err != nil {
			return // listener closed during shutdown
		}

		if el.endpoint != controlEndpointID && !sc.peers.PeerIsOpen(el.endpoint) {
			sc.log.Warnf("rejecting client on endpoint %d: peer not open", el.endpoint)
			conn.Close()
			continue
		}

		el.mu.Lock()
		if el.endpoint != controlEndpointID && len(el.clients) > 0 {
			el.mu.Unlock()
			sc.log.Warnf("endpoint %d: %v", el.endpoint, errMultipleClientsNotAllowed)
			conn.Close()
			continue
		}
		cc := newClientConn(sc, el, conn)
		el.clients[cc] = struct{}{}
		el.mu.Unlock()

		if el.endpoint != controlEndpointID {
			hello := protocol.ControlMessage{Type: protocol.OpenEndpointQuery, Endpoint: el.endpoint}
			if b, err := hello.Marshal(); err == nil {
				_, _ = conn.Write(b)
			}
		}

		go cc.run()
	}
}

// onClosedConn removes a finished clientConn from its endpoint's set.
func (sc *ServerCore) onClosedConn(el *endpointListener, cc *clientConn) {
	el.mu.Lock()
	delete(el.clients, cc)
	el.mu.Unlock()
}

// Broadcast pushes payload to every client connected to endpoint id
// (Core's RX queue drain, or a status update).
func (sc *ServerCore) Broadcast(id uint8, payload []byte) {
	sc.mu.Lock()
	el, ok := sc.endpoints[id]
	sc.mu.Unlock()
	if !ok {
		return
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	for cc := range el.clients {
		_, _ = cc.conn.Write(payload)
	}
}

// DrainRXQueue flushes Core's RX queue for endpoint id out to any
// connected client, intended to be polled by the daemon's main loop
// after each HandleFrame call.
func (sc *ServerCore) DrainRXQueue(id uint8) {
	for _, payload := range sc.core.RXQueue(id) {
		sc.Broadcast(id, payload)
	}
}

// Shutdown closes every endpoint listener and its connected clients.
func (sc *ServerCore) Shutdown() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, el := range sc.endpoints {
		el.listener.Close()
		el.mu.Lock()
		for cc := range el.clients {
			cc.conn.Close()
		}
		el.mu.Unlock()
	}
}
