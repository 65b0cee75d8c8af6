// Package protocol defines the CBOR-framed control messages exchanged
// between cpcd and its local clients over the well-known unixpacket
// sockets. Grounded on server/cborplugin/client.go's CBOR TagSet
// pattern: every message type gets a fixed IANA-unassigned tag so both
// sides can decode a frame without an out-of-band type byte.
package protocol

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// TagSet registers every message type this package defines. Both cpcd
// and pkg/cpcclient build their cbor.EncMode/DecMode from this TagSet so
// wire frames decode unambiguously.
var TagSet = cbor.NewTagSet()

func init() {
	TagSet.Add(cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired}, reflect.TypeOf(ControlMessage{}), 1501)
}

// EncMode and DecMode are the shared CBOR codecs, built once from TagSet.
var (
	EncMode, _ = cbor.EncOptions{}.EncModeWithTags(TagSet)
	DecMode, _ = cbor.DecOptions{}.DecModeWithTags(TagSet)
)

// MsgType enumerates the control-socket message types.
type MsgType uint8

const (
	VersionQuery MsgType = iota
	MaxWriteSizeQuery
	SetPid
	OpenEndpointQuery
	CloseEndpointQuery
	EndpointStatusQuery
)

// ProtocolVersion is bumped on any wire-incompatible change to
// ControlMessage or the endpoint handshake. A client whose VersionQuery
// reply doesn't match aborts its own init.
const ProtocolVersion = 1

// EndpointState mirrors core.State for wire transport without importing
// the core package (protocol must stay dependency-light so pkg/cpcclient
// doesn't have to pull in the whole daemon).
type EndpointState uint8

const (
	StateClosed EndpointState = iota
	StateOpen
	StateClosing
	StateConnectionLost
	StateErrorRemote
	StateErrorSecurityIncident
	StateErrorFaultNoAck
	StateErrorDestUnreach
)

// ControlMessage is the uniform {type, endpoint, payload} envelope for
// the control socket. It doubles as the single handshake message sent
// on a freshly accepted endpoint socket, where Type is always
// OpenEndpointQuery and Payload is empty.
type ControlMessage struct {
	Type     MsgType
	Endpoint uint8
	Payload  []byte
}

// Marshal serializes a ControlMessage using the shared tagged EncMode.
func (m *ControlMessage) Marshal() ([]byte, error) {
	return EncMode.Marshal(m)
}

// Unmarshal deserializes a ControlMessage using the shared tagged DecMode.
func (m *ControlMessage) Unmarshal(b []byte) error {
	return DecMode.Unmarshal(b, m)
}
