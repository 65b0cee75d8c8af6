package core

import (
	"time"

	"github.com/librecpc/cpcd/internal/frame"
)

// Address reservations: endpoint 0 carries the system property
// protocol, endpoint 14 the session handshake, and 15 is never routed.
const (
	SystemEndpoint   = 0
	SecurityEndpoint = 14
	ReservedEndpoint = 15
)

// State is an endpoint's lifecycle state.
type State uint8

const (
	StateClosed State = iota
	StateOpen
	StateClosing
	StateConnectionLost
	StateErrorRemote
	StateErrorSecurityIncident
	StateErrorFaultNoAck
	StateErrorDestUnreach
)

func (s State) IsError() bool {
	switch s {
	case StateErrorRemote, StateErrorSecurityIncident, StateErrorFaultNoAck, StateErrorDestUnreach:
		return true
	}
	return false
}

// RTOState tracks the exponential-backoff retransmit timer value and
// the retry count for the oldest outstanding I-frame on an endpoint.
// Kept as its own value type so it is unit-testable without the rest of
// Endpoint's bookkeeping.
type RTOState struct {
	Current    time.Duration
	RetryCount int
}

const (
	DefaultRTO        = 100 * time.Millisecond
	MaxRTO            = 5 * time.Second
	DefaultMaxRetries = 5
	DefaultAckDelay   = 50 * time.Millisecond
)

// NewRTOState returns the initial RTO state for a freshly-armed timer.
func NewRTOState() RTOState {
	return RTOState{Current: DefaultRTO}
}

// Expire doubles the RTO (capped at MaxRTO) and increments the retry
// count, returning the new state. Call on every retransmit-timer firing.
func (r RTOState) Expire() RTOState {
	next := r.Current * 2
	if next > MaxRTO {
		next = MaxRTO
	}
	return RTOState{Current: next, RetryCount: r.RetryCount + 1}
}

// pendingIFrame is a queued, not-yet-transmitted I-frame payload waiting
// for window space on the backpressured pending list.
type pendingIFrame struct {
	payload []byte
	done    chan error // receives nil once the frame is sent, or the error of each failed send attempt
}

// outstandingIFrame is an unacknowledged I-frame sitting in the
// retransmit queue.
type outstandingIFrame struct {
	seq    uint8
	wire   []byte // fully encoded frame bytes, ready to resend verbatim
	sentAt time.Time
	rto    RTOState
}

// Endpoint holds all per-endpoint ARQ and lifecycle state.
type Endpoint struct {
	ID    uint8
	State State

	WindowSize int // 1..7

	nextTxSeq  uint8 // mod 8
	lastRxSeq  uint8
	expectedRx uint8

	outstanding []*outstandingIFrame // ordered by sequence
	pending     []*pendingIFrame     // backpressured writes awaiting window space

	RXQueue [][]byte // delivered payloads awaiting client read

	Encrypted bool // true if this endpoint's I-frames must be AEAD-wrapped

	retransmitArmed bool // true while a retransmit timer is queued for this endpoint
	ackTimerArmed   bool // true while a delayed-ack timer is queued for this endpoint
	retryCount      int
}

// NewEndpoint creates a Closed endpoint with the given window size
// (clamped to [1,7]).
func NewEndpoint(id uint8, window int) *Endpoint {
	if window < 1 {
		window = 1
	}
	if window > 7 {
		window = 7
	}
	return &Endpoint{ID: id, State: StateClosed, WindowSize: window}
}

// resetSequences zeroes TX/RX sequence state, as required on open and on
// reopen-after-reset.
func (e *Endpoint) resetSequences() {
	e.nextTxSeq = 0
	e.lastRxSeq = 0
	e.expectedRx = 0
	e.outstanding = nil
	e.pending = nil
	e.retransmitArmed = false
	e.ackTimerArmed = false
	e.retryCount = 0
}

// Outstanding returns the number of un-acked I-frames in flight.
func (e *Endpoint) Outstanding() int { return len(e.outstanding) }

// CanSend reports whether the endpoint currently has window space to
// accept a new I-frame for transmission.
func (e *Endpoint) CanSend() bool {
	return e.State == StateOpen && e.Outstanding() < e.WindowSize
}

// seqPrecedes reports whether seq lies strictly before ack in modulo-8
// sequence order, within a window of the given size. Mirrors the
// wraparound-aware comparison used by ASH-style serial ARQs
// (other_examples/...ash.go ashSeqLessThan), generalized to the caller's
// window size rather than a fixed half-modulus distance, since windows
// up to 7 (the full HDLC "modulus minus one" range) are allowed.
func seqPrecedes(seq, ack uint8, window int) bool {
	distance := (int(ack&0x07) - int(seq&0x07) + 8) % 8
	return distance >= 1 && distance <= window
}

// ackUpTo removes every outstanding frame with seq < ack. Returns the
// removed frames so the caller can wake blocked writers and decide
// whether to cancel the retransmit timer.
func (e *Endpoint) ackUpTo(ack uint8) []*outstandingIFrame {
	var removed []*outstandingIFrame
	kept := e.outstanding[:0]
	for _, f := range e.outstanding {
		if seqPrecedes(f.seq, ack, e.WindowSize) {
			removed = append(removed, f)
			continue
		}
		kept = append(kept, f)
	}
	e.outstanding = kept
	if len(e.outstanding) == 0 {
		e.retransmitArmed = false
		e.retryCount = 0
	}
	return removed
}

// iFrameControl reconstructs a frame.Control for emitting the next
// outbound I-frame.
func (e *Endpoint) iFrameControl(pf bool) frame.Control {
	return frame.Control{Type: frame.TypeInformation, Seq: e.nextTxSeq, PF: pf}
}
