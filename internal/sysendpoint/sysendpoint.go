// Package sysendpoint implements the property get/set protocol carried
// on endpoint 0: protocol version, capabilities bitmask, secondary
// bootloader info, per-endpoint state table, rx capability, and last
// reset cause, plus fire-and-forget U-Information notifications for
// unsolicited "endpoint opened"/"reset" events. Grounded on
// server/cborplugin/client.go's Request/Response CBOR envelope and
// client/cborplugin/incoming_conn.go's synchronous command-dispatch
// shape (one opcode in, one reply out, no ARQ).
package sysendpoint

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// PropertyID enumerates the system endpoint's gettable properties.
type PropertyID uint8

const (
	PropProtocolVersion PropertyID = iota
	PropCapabilities
	PropBootloaderInfo
	PropEndpointState
	PropRxCapability
	PropLastResetCause
)

// ResetCause records why the last link reset happened, surfaced to
// clients via PropLastResetCause for diagnostics.
type ResetCause uint8

const (
	ResetCauseUnknown ResetCause = iota
	ResetCauseLocalShutdown
	ResetCausePeerInitiated
	ResetCauseSecurityIncident
	ResetCauseFaultNoAck
)

// Capability bits published in PropCapabilities.
const (
	CapSecurity uint32 = 1 << iota
	CapSPI
	CapUART
)

// FrameSink is the narrow dependency on core.Core's unnumbered-frame
// send path, used to emit fire-and-forget notifications.
type FrameSink interface {
	SendUInformation(endpointID uint8, payload []byte) error
}

// NotificationKind tags the payload of a U-Information notification.
type NotificationKind uint8

const (
	NotifyEndpointOpened NotificationKind = iota
	NotifyEndpointReset
)

// Notification is the fixed 2-byte payload of a system-endpoint
// U-Information frame: kind, then the affected endpoint id.
type Notification struct {
	Kind     NotificationKind
	Endpoint uint8
}

func (n Notification) Encode() []byte { return []byte{byte(n.Kind), n.Endpoint} }

func DecodeNotification(b []byte) (Notification, error) {
	if len(b) < 2 {
		return Notification{}, fmt.Errorf("sysendpoint: short notification payload %d", len(b))
	}
	return Notification{Kind: NotificationKind(b[0]), Endpoint: b[1]}, nil
}

// BootloaderInfo is the secondary's self-reported bootloader identity,
// learned during the open-endpoint consultation and cached for
// PropBootloaderInfo reads.
type BootloaderInfo struct {
	Version  uint32
	BuildID  [16]byte
}

// Registry owns the live property values and the set of endpoints known
// to be open on the peer, consulted synchronously by ServerCore during
// open-endpoint requests to verify the peer endpoint is open before
// accepting the local client connection.
type Registry struct {
	mu sync.RWMutex

	capabilities uint32
	bootloader   BootloaderInfo
	lastReset    ResetCause
	peerOpen     map[uint8]bool
	rxCapable    map[uint8]bool

	sink FrameSink
}

// NewRegistry creates a Registry with no endpoints known open yet.
func NewRegistry(sink FrameSink) *Registry {
	return &Registry{
		peerOpen:  make(map[uint8]bool),
		rxCapable: make(map[uint8]bool),
		sink:      sink,
	}
}

// SetCapabilities records the peer's advertised capability bitmask,
// learned from the first property exchange after link reset.
func (r *Registry) SetCapabilities(caps uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities = caps
}

func (r *Registry) Capabilities() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.capabilities
}

func (r *Registry) SetBootloaderInfo(info BootloaderInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bootloader = info
}

func (r *Registry) BootloaderInfo() BootloaderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bootloader
}

func (r *Registry) SetLastResetCause(c ResetCause) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastReset = c
}

func (r *Registry) LastResetCause() ResetCause {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastReset
}

// MarkPeerOpen records that the secondary has confirmed endpoint id is
// open, and sends the "endpoint opened" notification on every call,
// whether the open was requested locally or by the peer.
func (r *Registry) MarkPeerOpen(id uint8, rxCapable bool) {
	r.mu.Lock()
	r.peerOpen[id] = true
	r.rxCapable[id] = rxCapable
	r.mu.Unlock()

	if r.sink != nil {
		n := Notification{Kind: NotifyEndpointOpened, Endpoint: id}
		_ = r.sink.SendUInformation(0, n.Encode())
	}
}

// MarkPeerClosed records that the secondary has confirmed endpoint id is
// no longer open (reset or local close completed).
func (r *Registry) MarkPeerClosed(id uint8) {
	r.mu.Lock()
	delete(r.peerOpen, id)
	delete(r.rxCapable, id)
	r.mu.Unlock()

	if r.sink != nil {
		n := Notification{Kind: NotifyEndpointReset, Endpoint: id}
		_ = r.sink.SendUInformation(0, n.Encode())
	}
}

// PeerIsOpen reports whether the secondary has confirmed endpoint id
// open — the synchronous consultation ServerCore performs before
// accepting a client connection.
func (r *Registry) PeerIsOpen(id uint8) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peerOpen[id]
}

func (r *Registry) RxCapable(id uint8) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rxCapable[id]
}

// GetProperty reads one property by id, formatted as its wire bytes.
// EndpointState is looked up by treating the low byte of the request
// payload as the endpoint id to query.
func (r *Registry) GetProperty(id PropertyID, endpointStates func(uint8) (stateByte uint8, ok bool), req []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch id {
	case PropProtocolVersion:
		return []byte{1}, nil
	case PropCapabilities:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, r.capabilities)
		return b, nil
	case PropBootloaderInfo:
		b := make([]byte, 4+16)
		binary.LittleEndian.PutUint32(b, r.bootloader.Version)
		copy(b[4:], r.bootloader.BuildID[:])
		return b, nil
	case PropEndpointState:
		if len(req) < 1 {
			return nil, fmt.Errorf("sysendpoint: endpoint-state query requires an endpoint id")
		}
		state, ok := endpointStates(req[0])
		if !ok {
			return nil, fmt.Errorf("sysendpoint: unknown endpoint %d", req[0])
		}
		return []byte{state}, nil
	case PropRxCapability:
		if len(req) < 1 {
			return nil, fmt.Errorf("sysendpoint: rx-capability query requires an endpoint id")
		}
		if r.rxCapable[req[0]] {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case PropLastResetCause:
		return []byte{byte(r.lastReset)}, nil
	default:
		return nil, fmt.Errorf("sysendpoint: unknown property %d", id)
	}
}
