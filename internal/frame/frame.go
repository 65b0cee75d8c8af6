// Package frame implements the HDLC-like link-layer framing: a fixed
// 7-byte header, CRC-16-CCITT over header and payload, and a small zoo
// of Information/Supervisory/Unnumbered frame types. The shape (flag
// byte, control byte with packed subfields, a length-prefixed payload
// with its own CRC) follows the ASH-style serial protocol in
// other_examples/e6a30259_urmzd-homai__pkg-zigbee-ash.go, adapted from
// byte-stuffed framing to length-prefixed framing.
package frame

import (
	"encoding/binary"
	"fmt"
)

// FlagByte marks the start of every frame header.
const FlagByte = 0x14

// HeaderLen is the fixed size of a frame header in bytes:
// flag(1) | address(1) | length_le(2) | control(1) | header_crc_le(2)
const HeaderLen = 7

// Type identifies the top-level class of a frame's control field.
type Type uint8

const (
	TypeInformation Type = iota
	TypeSupervisory
	TypeUnnumbered
)

// SSubType enumerates Supervisory frame subtypes.
type SSubType uint8

const (
	SRR SSubType = iota
	SREJ
)

// USubType enumerates Unnumbered frame subtypes.
type USubType uint8

const (
	UInformation USubType = iota
	UReset
	UAcknowledge
	UPollFinal
)

// Control holds the control subfields. Encode packs four of them into the
// control byte: frame type, subtype, sequence number (mod 8), and
// poll/final bit.
type Control struct {
	Type    Type
	SubType uint8 // interpreted via SSubType or USubType depending on Type
	Seq     uint8 // 3-bit sequence number, Information frames only
	Ack     uint8 // not packed by Encode nor set by DecodeControl; the wire ack is Frame.Ack
	PF      bool  // poll/final bit
}

// Encode packs a Control into the single control byte on the wire.
// Layout (low to high bits): type(2) | subtype(2) | seq(3) | pf(1), the
// same for every frame type; the ack never travels in the control byte.
// We keep a single uniform layout since the daemon only ever has one endpoint of each
// address and does not need to economize header bits the way the
// original silicon-constrained implementation did.
func (c Control) Encode() byte {
	var b byte
	b |= byte(c.Type) & 0x03
	b |= (c.SubType & 0x03) << 2
	b |= (c.Seq & 0x07) << 4
	if c.PF {
		b |= 0x80
	}
	return b
}

// DecodeControl unpacks a control byte into its subfields. The Ack field
// is not stored in the control byte itself (see Frame.Ack) — it travels
// in the frame payload's logical header for Information/Supervisory
// frames, piggybacked on the ARQ exchange.
func DecodeControl(b byte) Control {
	return Control{
		Type:    Type(b & 0x03),
		SubType: (b >> 2) & 0x03,
		Seq:     (b >> 4) & 0x07,
		PF:      b&0x80 != 0,
	}
}

// Frame is a fully decoded link-layer PDU.
type Frame struct {
	Address uint8
	Control Control
	Ack     uint8 // piggybacked ack field, valid for Information/Supervisory
	Payload []byte

	// CorruptPayload is set by the decoder when the header CRC validated
	// but the payload CRC did not; Core uses this to emit a REJ rather
	// than silently dropping the frame as garbage.
	CorruptPayload bool
}

// ErrOversizedPayload is returned by Encode when the payload exceeds the
// configured MTU.
type ErrOversizedPayload struct {
	Len, MTU int
}

func (e *ErrOversizedPayload) Error() string {
	return fmt.Sprintf("frame: payload length %d exceeds MTU %d", e.Len, e.MTU)
}

// DefaultMTU is the default maximum payload size: the largest payload
// that fits one frame after HDLC overhead and the AEAD tag, and the
// bound used for each endpoint's send buffer.
const DefaultMTU = 4087

// Encode serializes a frame to the wire format. For Information and
// Supervisory frames the ack argument is packed as the low 3 bits of a
// synthetic ack byte placed first in the body, after the 7-byte header;
// it counts toward the length field and is covered by the payload CRC.
// Unnumbered frames carry no ack field.
func Encode(address uint8, ctrl Control, ack uint8, payload []byte, mtu int) ([]byte, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if len(payload) > mtu {
		return nil, &ErrOversizedPayload{Len: len(payload), MTU: mtu}
	}

	hasAckByte := ctrl.Type == TypeInformation || ctrl.Type == TypeSupervisory
	length := len(payload)
	if hasAckByte {
		length++ // ack byte is logically part of the payload length on the wire
	}

	header := make([]byte, HeaderLen)
	header[0] = FlagByte
	header[1] = address
	binary.LittleEndian.PutUint16(header[2:4], uint16(length))
	header[4] = ctrl.Encode()
	hc := crc16(header[:5])
	binary.LittleEndian.PutUint16(header[5:7], hc)

	out := make([]byte, 0, HeaderLen+length+2)
	out = append(out, header...)
	if length == 0 {
		return out, nil
	}

	body := make([]byte, 0, length)
	if hasAckByte {
		body = append(body, ack&0x07)
	}
	body = append(body, payload...)

	pc := crc16(body)
	out = append(out, body...)
	pcBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(pcBytes, pc)
	out = append(out, pcBytes...)
	return out, nil
}
