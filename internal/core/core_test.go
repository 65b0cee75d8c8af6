package core

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/librecpc/cpcd/internal/frame"
	"github.com/librecpc/cpcd/internal/security"
)

// fakeSecurity is a minimal SecurityGate double: Decrypt always fails
// with the given error, letting tests drive Core's security-incident
// handling without a real handshake.
type fakeSecurity struct {
	decryptErr error
}

func (f *fakeSecurity) Initialized() bool { return true }
func (f *fakeSecurity) Encrypt(endpointID uint8, associatedData, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}
func (f *fakeSecurity) Decrypt(endpointID uint8, associatedData, ciphertext []byte) ([]byte, error) {
	return nil, f.decryptErr
}

type fakeSink struct {
	frames [][]byte
}

func (s *fakeSink) SendFrame(wire []byte) error {
	s.frames = append(s.frames, append([]byte(nil), wire...))
	return nil
}

func (s *fakeSink) last() *frame.Frame {
	if len(s.frames) == 0 {
		return nil
	}
	d := frame.NewDecoder(0)
	d.Feed(s.frames[len(s.frames)-1])
	ev, ok := d.Next()
	if !ok {
		return nil
	}
	return ev.Frame
}

type fakeNotifier struct {
	lost, closed, opened []uint8
	errored              []uint8
	linkResets           int
}

func (n *fakeNotifier) OnConnectionLost(id uint8) { n.lost = append(n.lost, id) }
func (n *fakeNotifier) OnClosed(id uint8)         { n.closed = append(n.closed, id) }
func (n *fakeNotifier) OnOpened(id uint8)         { n.opened = append(n.opened, id) }
func (n *fakeNotifier) OnError(id uint8, _ State) { n.errored = append(n.errored, id) }
func (n *fakeNotifier) OnLinkReset()              { n.linkResets++ }

func openedEndpoint(t *testing.T, c *Core, id uint8) {
	t.Helper()
	require.NoError(t, c.Open(id, 1))
	c.handleUFrame(&frame.Frame{Address: id, Control: frame.Control{Type: frame.TypeUnnumbered, SubType: uint8(frame.UAcknowledge)}})
	require.Equal(t, StateOpen, c.StateOf(id))
}

func TestOpenEmitsUReset(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, nil, nil, Config{}, nil)
	require.NoError(t, c.Open(3, 1))
	f := sink.last()
	require.Equal(t, frame.TypeUnnumbered, f.Control.Type)
	require.Equal(t, uint8(frame.UReset), f.Control.SubType)
}

func TestWriteAndRemoteAckRemovesOutstanding(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, nil, nil, Config{}, nil)
	openedEndpoint(t, c, 5)

	require.NoError(t, c.Write(5, []byte("hello")))
	ep := c.endpoint(5)
	require.Equal(t, 1, ep.Outstanding())

	c.HandleFrame(&frame.Frame{
		Address: 5,
		Control: frame.Control{Type: frame.TypeSupervisory, SubType: uint8(frame.SRR)},
		Ack:     1,
	})
	require.Equal(t, 0, ep.Outstanding())
}

func TestDuplicateInboundIsReacked(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, nil, nil, Config{}, nil)
	openedEndpoint(t, c, 2)

	f := &frame.Frame{Address: 2, Control: frame.Control{Type: frame.TypeInformation, Seq: 0}, Payload: []byte("a")}
	c.HandleFrame(f)
	require.Equal(t, [][]byte{[]byte("a")}, c.RXQueue(2))

	// Same seq arrives again (peer never saw our RR): must not be redelivered.
	c.HandleFrame(f)
	require.Nil(t, c.RXQueue(2))

	rr := sink.last()
	require.Equal(t, frame.TypeSupervisory, rr.Control.Type)
	require.Equal(t, uint8(frame.SRR), rr.Control.SubType)
}

func TestGapTriggersReject(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, nil, nil, Config{}, nil)
	openedEndpoint(t, c, 2)

	// Peer sends seq=1 while we still expect seq=0: a gap.
	c.HandleFrame(&frame.Frame{Address: 2, Control: frame.Control{Type: frame.TypeInformation, Seq: 1}, Payload: []byte("x")})

	rej := sink.last()
	require.Equal(t, frame.TypeSupervisory, rej.Control.Type)
	require.Equal(t, uint8(frame.SREJ), rej.Control.SubType)
	require.Equal(t, uint8(0), rej.Ack)
	require.Nil(t, c.RXQueue(2))
}

func TestCorruptPayloadTriggersReject(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, nil, nil, Config{}, nil)
	openedEndpoint(t, c, 2)

	c.HandleFrame(&frame.Frame{
		Address:        2,
		Control:        frame.Control{Type: frame.TypeInformation, Seq: 0},
		Payload:        []byte("x"),
		CorruptPayload: true,
	})
	rej := sink.last()
	require.Equal(t, uint8(frame.SREJ), rej.Control.SubType)
}

func TestRejectRetransmitsFromRejectedSeq(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, nil, nil, Config{MaxRetries: 5}, nil)
	ep := c.endpoint(7)
	ep.State = StateOpen
	ep.WindowSize = 3

	require.NoError(t, c.Write(7, []byte("one")))
	require.NoError(t, c.Write(7, []byte("two")))
	require.NoError(t, c.Write(7, []byte("three")))
	require.Equal(t, 3, ep.Outstanding())

	before := len(sink.frames)
	c.HandleFrame(&frame.Frame{
		Address: 7,
		Control: frame.Control{Type: frame.TypeSupervisory, SubType: uint8(frame.SREJ)},
		Ack:     1, // reject starting at seq 1 ("two")
	})
	after := len(sink.frames)
	require.Equal(t, 2, after-before) // "two" and "three" resent, "one" untouched
}

func TestRetransmitTimerExpiryBacksOffThenFaults(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, nil, &fakeNotifier{}, Config{MaxRetries: 2}, nil)
	ep := c.endpoint(9)
	ep.State = StateOpen

	require.NoError(t, c.Write(9, []byte("x")))
	require.Equal(t, 1, ep.Outstanding())

	before := ep.outstanding[0].rto.Current
	c.ExpireTimer(9)
	require.Equal(t, before*2, ep.outstanding[0].rto.Current)
	require.Equal(t, 1, ep.outstanding[0].rto.RetryCount)
	require.Equal(t, StateOpen, ep.State)

	c.ExpireTimer(9)
	require.Equal(t, StateOpen, ep.State) // retry 2, not yet past MaxRetries

	c.ExpireTimer(9)
	require.Equal(t, StateErrorFaultNoAck, ep.State)
	require.Empty(t, ep.outstanding)
}

func TestNotifierCalledOnFaultNoAck(t *testing.T) {
	sink := &fakeSink{}
	notifier := &fakeNotifier{}
	c := New(sink, nil, notifier, Config{MaxRetries: 1}, nil)
	ep := c.endpoint(4)
	ep.State = StateOpen
	require.NoError(t, c.Write(4, []byte("x")))
	c.ExpireTimer(4) // retry 1: resent
	c.ExpireTimer(4) // retry 2 exceeds MaxRetries: FaultNoAck
	require.Equal(t, []uint8{4}, notifier.errored)
}

func TestPeerResetWhileOpenReopensAndNotifies(t *testing.T) {
	sink := &fakeSink{}
	notifier := &fakeNotifier{}
	c := New(sink, nil, notifier, Config{}, nil)
	openedEndpoint(t, c, 6)

	c.HandleFrame(&frame.Frame{Address: 6, Control: frame.Control{Type: frame.TypeUnnumbered, SubType: uint8(frame.UReset)}})
	require.Equal(t, StateOpen, c.StateOf(6))
	// Once from the open handshake's U-Ack, once from the reopen.
	require.Equal(t, []uint8{6, 6}, notifier.opened)

	ack := sink.last()
	require.Equal(t, uint8(frame.UAcknowledge), ack.Control.SubType)
}

func TestPeerResetAllDropsOpenEndpointsToClosed(t *testing.T) {
	sink := &fakeSink{}
	notifier := &fakeNotifier{}
	c := New(sink, nil, notifier, Config{}, nil)
	openedEndpoint(t, c, 1)
	openedEndpoint(t, c, 2)

	c.PeerResetAll()
	require.Equal(t, StateClosed, c.StateOf(1))
	require.Equal(t, StateClosed, c.StateOf(2))
	require.ElementsMatch(t, []uint8{1, 2}, notifier.lost)
}

func TestCloseThenPeerAckClosesAndNotifies(t *testing.T) {
	sink := &fakeSink{}
	notifier := &fakeNotifier{}
	c := New(sink, nil, notifier, Config{}, nil)
	openedEndpoint(t, c, 8)

	require.NoError(t, c.Close(8))
	require.Equal(t, StateClosing, c.StateOf(8))

	c.HandleFrame(&frame.Frame{Address: 8, Control: frame.Control{Type: frame.TypeUnnumbered, SubType: uint8(frame.UAcknowledge)}})
	require.Equal(t, StateClosed, c.StateOf(8))
	require.Equal(t, []uint8{8}, notifier.closed)
}

func TestWriteWhileClosedReturnsErrNotOpen(t *testing.T) {
	c := New(nil, nil, nil, Config{}, nil)
	err := c.Write(3, []byte("x"))
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestWriteBackpressuredWhenWindowFull(t *testing.T) {
	c := New(&fakeSink{}, nil, nil, Config{}, nil)
	ep := c.endpoint(2)
	ep.State = StateOpen
	ep.WindowSize = 1

	require.NoError(t, c.Write(2, []byte("a")))
	err := c.Write(2, []byte("b"))
	require.ErrorIs(t, err, ErrBackpressured)
	require.Len(t, ep.pending, 1)
}

func TestAckDrainsPendingWrites(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, nil, nil, Config{}, nil)
	ep := c.endpoint(2)
	ep.State = StateOpen
	ep.WindowSize = 1

	require.NoError(t, c.Write(2, []byte("a")))
	require.ErrorIs(t, c.Write(2, []byte("b")), ErrBackpressured)

	c.HandleFrame(&frame.Frame{
		Address: 2,
		Control: frame.Control{Type: frame.TypeSupervisory, SubType: uint8(frame.SRR)},
		Ack:     1,
	})
	require.Empty(t, ep.pending)
	require.Equal(t, 1, ep.Outstanding())
}

func TestSecurityIncidentThresholdFailsEndpoint(t *testing.T) {
	sink := &fakeSink{}
	notifier := &fakeNotifier{}
	sec := &fakeSecurity{decryptErr: fmt.Errorf("%w: %w", security.ErrSecurityIncidentThreshold, security.ErrTamperedOrReplayed)}
	c := New(sink, sec, notifier, Config{}, nil)
	openedEndpoint(t, c, 5)

	c.HandleFrame(&frame.Frame{Address: 5, Control: frame.Control{Type: frame.TypeInformation, Seq: 0}, Payload: []byte("x")})

	require.Equal(t, StateErrorSecurityIncident, c.StateOf(5))
	require.Equal(t, []uint8{5}, notifier.errored)
}

func TestOrdinaryDecryptFailureOnlyRejects(t *testing.T) {
	sink := &fakeSink{}
	sec := &fakeSecurity{decryptErr: security.ErrTamperedOrReplayed}
	c := New(sink, sec, nil, Config{}, nil)
	openedEndpoint(t, c, 5)

	c.HandleFrame(&frame.Frame{Address: 5, Control: frame.Control{Type: frame.TypeInformation, Seq: 0}, Payload: []byte("x")})

	require.Equal(t, StateOpen, c.StateOf(5))
	rej := sink.last()
	require.Equal(t, uint8(frame.SREJ), rej.Control.SubType)
}

func TestUnsolicitedSystemResetTriggersLinkReset(t *testing.T) {
	sink := &fakeSink{}
	notifier := &fakeNotifier{}
	c := New(sink, nil, notifier, Config{}, nil)
	openedEndpoint(t, c, SystemEndpoint)
	openedEndpoint(t, c, 5)

	c.HandleFrame(&frame.Frame{Address: SystemEndpoint, Control: frame.Control{Type: frame.TypeUnnumbered, SubType: uint8(frame.UReset)}})

	require.Equal(t, StateClosed, c.StateOf(5))
	require.Equal(t, []uint8{5}, notifier.lost)
	require.Equal(t, StateOpen, c.StateOf(SystemEndpoint))
	require.Equal(t, 1, notifier.linkResets)

	ack := sink.last()
	require.Equal(t, uint8(frame.UAcknowledge), ack.Control.SubType)
}

func TestProtocolViolationThresholdForcesLinkReset(t *testing.T) {
	sink := &fakeSink{}
	notifier := &fakeNotifier{}
	c := New(sink, nil, notifier, Config{}, nil)
	openedEndpoint(t, c, 5)

	for i := 0; i < violationLimit-1; i++ {
		c.HandleFrame(&frame.Frame{Address: 5, Control: frame.Control{Type: frame.Type(3)}})
	}
	require.Equal(t, StateOpen, c.StateOf(5))
	require.Equal(t, 0, notifier.linkResets)

	c.HandleFrame(&frame.Frame{Address: 5, Control: frame.Control{Type: frame.Type(3)}})
	require.Equal(t, StateClosed, c.StateOf(5))
	require.Equal(t, 1, notifier.linkResets)
}

func TestDelayedAckIsScheduledNotImmediate(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, nil, nil, Config{}, nil)
	openedEndpoint(t, c, 2)

	before := len(sink.frames)
	c.HandleFrame(&frame.Frame{Address: 2, Control: frame.Control{Type: frame.TypeInformation, Seq: 0}, Payload: []byte("a")})
	require.Equal(t, before, len(sink.frames), "ack should be deferred, not sent immediately")

	deadline, ok := c.NextAckTimerDeadline()
	require.True(t, ok)

	ids := c.PopExpiredAckTimers(deadline.Add(time.Millisecond))
	require.Equal(t, []uint8{2}, ids)
	c.ExpireAckTimer(2)

	rr := sink.last()
	require.Equal(t, frame.TypeSupervisory, rr.Control.Type)
	require.Equal(t, uint8(frame.SRR), rr.Control.SubType)
}

func TestDelayedAckCanceledByPiggybackedWrite(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, nil, nil, Config{}, nil)
	openedEndpoint(t, c, 2)

	c.HandleFrame(&frame.Frame{Address: 2, Control: frame.Control{Type: frame.TypeInformation, Seq: 0}, Payload: []byte("a")})
	_, ok := c.NextAckTimerDeadline()
	require.True(t, ok)

	require.NoError(t, c.Write(2, []byte("reply")))

	ids := c.PopExpiredAckTimers(time.Now().Add(time.Hour))
	require.Empty(t, ids, "piggybacked ack should have canceled the delayed-ack timer")
}

func TestPopExpiredTimersOrdersByDeadline(t *testing.T) {
	c := New(&fakeSink{}, nil, nil, Config{}, nil)
	now := time.Unix(1000, 0)
	c.timers.Push(now.Add(2*time.Second).UnixNano(), uint8(1))
	c.timers.Push(now.Add(1*time.Second).UnixNano(), uint8(2))

	ids := c.PopExpiredTimers(now.Add(3 * time.Second))
	require.Equal(t, []uint8{2, 1}, ids)
}
