package frame

import "encoding/binary"

// Event is emitted by the Decoder for each byte-stream outcome: either a
// validated (or corrupt-payload) Frame, or a run of discarded garbage
// bytes when resyncing on the flag byte.
type Event struct {
	Frame   *Frame
	Garbage int // number of bytes discarded to reach resync, 0 if Frame != nil
}

// Decoder consumes a bounded byte stream incrementally and emits a
// sequence of Events. It is not safe for concurrent use; the event loop
// owns one Decoder per Driver.
type Decoder struct {
	mtu int
	buf []byte
}

// NewDecoder creates a Decoder with the given payload MTU (0 selects
// DefaultMTU).
func NewDecoder(mtu int) *Decoder {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Decoder{mtu: mtu}
}

// Feed appends newly read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next attempts to decode the next Event from the buffered bytes. It
// returns ok=false when there is not yet enough data to make progress;
// the caller should Feed more bytes and retry.
func (d *Decoder) Next() (Event, bool) {
	for {
		if len(d.buf) == 0 {
			return Event{}, false
		}
		if d.buf[0] != FlagByte {
			// Resync: advance by one byte, counting a contiguous garbage run.
			n := 0
			for n < len(d.buf) && d.buf[n] != FlagByte {
				n++
			}
			d.buf = d.buf[n:]
			return Event{Garbage: n}, true
		}

		if len(d.buf) < HeaderLen {
			return Event{}, false
		}

		header := d.buf[:HeaderLen]
		length := int(binary.LittleEndian.Uint16(header[2:4]))
		headerCRC := binary.LittleEndian.Uint16(header[5:7])
		if crc16(header[:5]) != headerCRC {
			// Header CRC mismatch: discard just the flag byte and resync.
			d.buf = d.buf[1:]
			return Event{Garbage: 1}, true
		}

		if length > d.mtu+1 { // +1 for the ack byte that may ride along
			// Oversized frame: discard the header and resync.
			d.buf = d.buf[HeaderLen:]
			return Event{Garbage: HeaderLen}, true
		}

		total := HeaderLen
		if length > 0 {
			total += length + 2 // +2 for payload CRC
		}
		if len(d.buf) < total {
			return Event{}, false
		}

		address := header[1]
		ctrl := DecodeControl(header[4])

		f := &Frame{Address: address, Control: ctrl}

		if length > 0 {
			body := d.buf[HeaderLen : HeaderLen+length]
			payloadCRC := binary.LittleEndian.Uint16(d.buf[HeaderLen+length : total])
			ok := crc16(body) == payloadCRC

			hasAckByte := ctrl.Type == TypeInformation || ctrl.Type == TypeSupervisory
			if hasAckByte && len(body) > 0 {
				f.Ack = body[0] & 0x07
				f.Payload = append([]byte(nil), body[1:]...)
			} else {
				f.Payload = append([]byte(nil), body...)
			}
			if !ok {
				f.CorruptPayload = true
			}
		}

		d.buf = d.buf[total:]
		return Event{Frame: f}, true
	}
}
