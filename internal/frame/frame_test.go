package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ctrl := Control{Type: TypeInformation, Seq: 3, PF: true}
	payload := []byte("ping")

	wire, err := Encode(5, ctrl, 2, payload, 0)
	require.NoError(t, err)

	d := NewDecoder(0)
	d.Feed(wire)

	ev, ok := d.Next()
	require.True(t, ok)
	require.NotNil(t, ev.Frame)
	require.Equal(t, uint8(5), ev.Frame.Address)
	require.Equal(t, uint8(3), ev.Frame.Control.Seq)
	require.Equal(t, uint8(2), ev.Frame.Ack)
	require.Equal(t, payload, ev.Frame.Payload)
	require.False(t, ev.Frame.CorruptPayload)
}

func TestDecoderResyncsOnGarbage(t *testing.T) {
	wire, err := Encode(1, Control{Type: TypeUnnumbered, SubType: uint8(UReset)}, 0, nil, 0)
	require.NoError(t, err)

	noisy := append([]byte{0xFF, 0xFF, 0xFF}, wire...)
	d := NewDecoder(0)
	d.Feed(noisy)

	ev, ok := d.Next()
	require.True(t, ok)
	require.Nil(t, ev.Frame)
	require.Equal(t, 3, ev.Garbage)

	ev, ok = d.Next()
	require.True(t, ok)
	require.NotNil(t, ev.Frame)
	require.Equal(t, uint8(1), ev.Frame.Address)
}

func TestDecoderDetectsPayloadCorruption(t *testing.T) {
	wire, err := Encode(2, Control{Type: TypeInformation, Seq: 2}, 1, []byte("hello"), 0)
	require.NoError(t, err)

	// Flip every bit of one payload byte, after the header, leaving CRCs stale.
	wire[HeaderLen+2] ^= 0xFF

	d := NewDecoder(0)
	d.Feed(wire)
	ev, ok := d.Next()
	require.True(t, ok)
	require.NotNil(t, ev.Frame)
	require.True(t, ev.Frame.CorruptPayload)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(1, Control{Type: TypeInformation}, 0, make([]byte, 10), 4)
	require.Error(t, err)
	var oversized *ErrOversizedPayload
	require.ErrorAs(t, err, &oversized)
}

func TestDecoderNeedsMoreData(t *testing.T) {
	d := NewDecoder(0)
	d.Feed([]byte{FlagByte, 1, 2})
	_, ok := d.Next()
	require.False(t, ok)
}
