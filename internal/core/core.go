// Package core implements the per-endpoint ARQ and lifecycle state
// machines at the heart of the daemon, grounded on the
// retransmit-queue/TimerQueue shape of client2/arq.go and the
// control-field/seq-ack bookkeeping of the ASH-style serial ARQ in
// other_examples/e6a30259_urmzd-homai__pkg-zigbee-ash.go.
package core

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/librecpc/cpcd/internal/frame"
	"github.com/librecpc/cpcd/internal/security"
)

// FrameSink is the narrow interface Core uses to hand encoded frames to
// the Driver, avoiding any import cycle between core and driver.
type FrameSink interface {
	SendFrame(wire []byte) error
}

// SecurityGate is the narrow interface Core uses to interact with the
// Security worker thread: encrypted endpoints refuse writes until
// Initialized, and every I-frame payload is wrapped/unwrapped through
// here.
type SecurityGate interface {
	Initialized() bool
	Encrypt(endpointID uint8, associatedData, plaintext []byte) ([]byte, error)
	Decrypt(endpointID uint8, associatedData, ciphertext []byte) ([]byte, error)
}

// Notifier receives lifecycle events Core must surface to clients. The
// daemon's implementation (the notifier type in cmd/cpcd) records them in
// the system-endpoint registry; of these events only OnConnectionLost
// writes to the affected endpoint's client sockets, and OnLinkReset
// signals the registered client pids.
type Notifier interface {
	OnConnectionLost(endpointID uint8)
	OnClosed(endpointID uint8)
	OnOpened(endpointID uint8)
	OnError(endpointID uint8, state State)

	// OnLinkReset fires once when the secondary resets the entire link
	// (an unsolicited U-Reset on the system endpoint, or the protocol
	// violation threshold tripping): every endpoint has already been
	// dropped to Closed by the time this is called, and the daemon is
	// expected to re-run system-endpoint discovery, re-handshake, and
	// broadcast SIGUSR1 to registered client pids.
	OnLinkReset()
}

var (
	ErrNotOpen          = errors.New("core: endpoint not open")
	ErrBackpressured    = errors.New("core: endpoint write would exceed window, queued")
	ErrSessionNotReady  = errors.New("core: encryption session not initialized")
	ErrUnknownEndpoint  = errors.New("core: unknown endpoint id")
	ErrReservedEndpoint = errors.New("core: endpoint id is reserved")
)

// Clock is overridable for deterministic tests.
type Clock func() time.Time

// Core owns the dense endpoint table and drives the ARQ state machine.
// Every exported method takes c.mu, so Core is called both from the
// event-loop goroutine and from other goroutines (ServerCore's client
// connections, the daemon's rekey and link-reset drivers).
type Core struct {
	mu sync.Mutex

	log *log.Logger

	endpoints map[uint8]*Endpoint
	sink      FrameSink
	security  SecurityGate
	notifier  Notifier

	now       Clock
	maxRetries int
	mtu        int

	timers *TimerQueue // keyed by endpoint ID's next retransmit deadline

	// ackTimers tracks delayed-ack deadlines per endpoint: a delayed-ack
	// S-frame (RR) is scheduled once the ack-timer for an endpoint fires,
	// unless the ack is piggybacked on an outbound I-frame first.
	ackTimers *TimerQueue

	// violationTimes is the sliding window of discarded malformed
	// control-field / oversize-frame / unknown-frame-type events, link
	// wide rather than per endpoint: 10 within violationWindow forces a
	// full link reset (spec.md §7 error-kind 5).
	violationTimes []time.Time
}

// violationLimit and violationWindow bound the protocol-violation
// threshold that forces a link reset.
const (
	violationLimit  = 10
	violationWindow = time.Second
)

// Config bundles Core's tunable parameters.
type Config struct {
	MaxRetries int
	MTU        int
}

// New creates a Core with the given collaborators. sink and security may
// be nil in tests that only exercise endpoint bookkeeping.
func New(sink FrameSink, security SecurityGate, notifier Notifier, cfg Config, logger *log.Logger) *Core {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MTU <= 0 {
		cfg.MTU = frame.DefaultMTU
	}
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	}
	return &Core{
		log:        logger.WithPrefix("core"),
		endpoints:  make(map[uint8]*Endpoint),
		sink:       sink,
		security:   security,
		notifier:   notifier,
		now:        time.Now,
		maxRetries: cfg.MaxRetries,
		mtu:        cfg.MTU,
		timers:     NewTimerQueue(),
		ackTimers:  NewTimerQueue(),
	}
}

// endpoint returns the endpoint state for id, creating it (Closed, window
// 1) on first reference. The system (0) and security (14) endpoints are
// created the same way, and neither this function nor Open keeps clients
// from opening them: Open refuses only ReservedEndpoint (15).
func (c *Core) endpoint(id uint8) *Endpoint {
	ep, ok := c.endpoints[id]
	if !ok {
		ep = NewEndpoint(id, 1)
		c.endpoints[id] = ep
	}
	return ep
}

// isEncrypted reports whether endpoint id must run its I-frames through
// Security. All endpoints except system and security itself are
// encrypted once a security gate is configured.
func (c *Core) isEncrypted(ep *Endpoint) bool {
	return c.security != nil && ep.ID != SystemEndpoint && ep.ID != SecurityEndpoint
}

// Open puts an endpoint straight into Open, resetting its sequence
// numbers and emitting a U-Reset addressed to the endpoint itself (not to
// the system endpoint); it does not wait for the peer's U-Ack, whose
// arrival only triggers the OnOpened notification (handleOpenAck). The
// caller (ServerCore, via the system endpoint's open-endpoint-query
// flow) is expected to have already confirmed the peer endpoint is
// open; Open here only concerns local bookkeeping and the wire
// handshake.
func (c *Core) Open(id uint8, window int) error {
	if id == ReservedEndpoint {
		return ErrReservedEndpoint
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ep := c.endpoint(id)
	if window > 0 {
		if window > 7 {
			window = 7
		}
		ep.WindowSize = window
	}
	ep.resetSequences()
	ep.State = StateOpen
	ep.Encrypted = c.isEncrypted(ep)

	return c.emitUnnumbered(ep.ID, frame.UReset, nil)
}

// handleOpenAck completes the Open handshake once U-Ack arrives for a
// reset request this endpoint initiated.
func (c *Core) handleOpenAck(id uint8) {
	if c.notifier != nil {
		c.notifier.OnOpened(id)
	}
}

// Close begins local closure: flush RX, reject further writes, emit
// U-Reset, and await the peer's U-Ack. Closing an already-closed
// endpoint is a no-op returning success.
func (c *Core) Close(id uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep := c.endpoint(id)
	if ep.State == StateClosed {
		return nil
	}
	ep.State = StateClosing
	ep.RXQueue = nil
	return c.emitUnnumbered(ep.ID, frame.UReset, nil)
}

// Write implements the endpoint send path. On success the frame has
// been handed off to the Driver (or queued pending window space); the
// returned error, if any, classifies why the write was rejected.
func (c *Core) Write(id uint8, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep, ok := c.endpoints[id]
	if !ok || ep.State != StateOpen {
		return ErrNotOpen
	}
	if c.isEncrypted(ep) && !c.security.Initialized() {
		return ErrSessionNotReady
	}
	if !ep.CanSend() {
		ep.pending = append(ep.pending, &pendingIFrame{payload: payload})
		return ErrBackpressured
	}
	if err := c.sendIFrame(ep, payload); err != nil {
		if errors.Is(err, security.ErrRekeyPending) {
			// The send counter is exhausted and a rekey is already
			// queued: treat exactly like window backpressure so the
			// write is retried once RetryPendingWrites runs, instead of
			// failing it outright.
			ep.pending = append(ep.pending, &pendingIFrame{payload: payload})
			return ErrBackpressured
		}
		return err
	}
	return nil
}

// sendIFrame allocates the next sequence number, optionally encrypts,
// enqueues the frame in the retransmit queue, and hands it to the
// Driver. Caller holds c.mu.
func (c *Core) sendIFrame(ep *Endpoint, payload []byte) error {
	seq := ep.nextTxSeq
	ctrl := frame.Control{Type: frame.TypeInformation, Seq: seq, PF: true}
	ack := ep.expectedRx

	outPayload := payload
	if c.isEncrypted(ep) {
		header := iFrameAssociatedData(ep.ID, ctrl, ack, len(payload)+aeadExpansion)
		ct, err := c.security.Encrypt(ep.ID, header, payload)
		if err != nil {
			return fmt.Errorf("core: encrypt endpoint %d: %w", ep.ID, err)
		}
		outPayload = ct
	}

	wire, err := frame.Encode(ep.ID, ctrl, ack, outPayload, c.mtu)
	if err != nil {
		return err
	}

	of := &outstandingIFrame{seq: seq, wire: wire, sentAt: c.now(), rto: NewRTOState()}
	ep.outstanding = append(ep.outstanding, of)
	ep.nextTxSeq = (seq + 1) & 0x07

	if !ep.retransmitArmed {
		ep.retransmitArmed = true
		c.timers.Push(of.sentAt.Add(of.rto.Current).UnixNano(), ep.ID)
	}

	// This frame's ack field piggybacks the current expectedRx, so any
	// delayed-ack timer still pending for ep is now redundant.
	ep.ackTimerArmed = false

	if c.sink != nil {
		if err := c.sink.SendFrame(wire); err != nil {
			return err
		}
	}
	return nil
}

// aeadExpansion is what security.Encrypt adds to a plaintext: an 8-byte
// counter prefix and the 16-byte Poly1305 authentication tag.
const aeadExpansion = 8 + 16

// iFrameAssociatedData builds the AEAD associated data for an I-frame:
// the unencrypted logical header, with its length field set to the
// encrypted payload length (authentication tag included). The sender
// computes it from the plaintext length plus aeadExpansion, the receiver
// from the ciphertext it received, so encrypt/decrypt agree without
// needing the fully-encoded wire frame.
func iFrameAssociatedData(endpointID uint8, ctrl frame.Control, ack uint8, payloadLen int) []byte {
	return []byte{endpointID, ctrl.Encode(), ack, byte(payloadLen), byte(payloadLen >> 8)}
}

// drainPending attempts to send any backpressured writes now that window
// space may have opened up. Caller holds c.mu.
func (c *Core) drainPending(ep *Endpoint) {
	for ep.CanSend() && len(ep.pending) > 0 {
		p := ep.pending[0]
		err := c.sendIFrame(ep, p.payload)
		if err != nil {
			// Leave it at the head of the queue rather than dropping it:
			// a transient failure here (e.g. a nonce-exhaustion rekey in
			// progress) is retried once RetryPendingWrites is called.
			if p.done != nil {
				p.done <- err
			}
			return
		}
		ep.pending = ep.pending[1:]
		if p.done != nil {
			p.done <- nil
		}
	}
}

// RetryPendingWrites attempts to flush every endpoint's backpressured
// write queue. Intended to be called once Security transitions back to
// Initialized after a rekey or a fresh handshake completes, so writes
// that were refused while the send counter was exhausted are retried
// rather than lost.
func (c *Core) RetryPendingWrites() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ep := range c.endpoints {
		if len(ep.pending) > 0 {
			c.drainPending(ep)
		}
	}
}

// emitUnnumbered encodes and sends a U-frame (Reset/Ack/Information),
// bypassing ARQ entirely.
func (c *Core) emitUnnumbered(id uint8, sub frame.USubType, payload []byte) error {
	ctrl := frame.Control{Type: frame.TypeUnnumbered, SubType: uint8(sub), PF: true}
	wire, err := frame.Encode(id, ctrl, 0, payload, c.mtu)
	if err != nil {
		return err
	}
	if c.sink == nil {
		return nil
	}
	return c.sink.SendFrame(wire)
}

// emitSupervisory sends an RR or REJ S-frame.
func (c *Core) emitSupervisory(id uint8, sub frame.SSubType, ack uint8) error {
	ctrl := frame.Control{Type: frame.TypeSupervisory, SubType: uint8(sub), PF: true}
	wire, err := frame.Encode(id, ctrl, ack, nil, c.mtu)
	if err != nil {
		return err
	}
	if c.sink == nil {
		return nil
	}
	return c.sink.SendFrame(wire)
}

// HandleFrame dispatches one fully-decoded inbound frame to the
// appropriate ARQ/lifecycle logic. Called by the event loop once per
// Framer-decoded frame event.
func (c *Core) HandleFrame(f *frame.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f.Address == ReservedEndpoint {
		c.log.Warnf("dropping frame addressed to reserved endpoint 15")
		return
	}

	switch f.Control.Type {
	case frame.TypeInformation:
		c.handleIFrame(f)
	case frame.TypeSupervisory:
		c.handleSFrame(f)
	case frame.TypeUnnumbered:
		c.handleUFrame(f)
	default:
		c.log.Warnf("dropping frame with unknown control type from endpoint %d", f.Address)
		c.recordProtocolViolationLocked()
	}
}

// recordProtocolViolationLocked tracks one discarded malformed/oversize/
// unknown-type frame event and forces a full link reset once
// violationLimit occur within violationWindow. Caller holds c.mu.
func (c *Core) recordProtocolViolationLocked() {
	now := c.now()
	cutoff := now.Add(-violationWindow)

	kept := c.violationTimes[:0]
	for _, t := range c.violationTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	c.violationTimes = kept

	if len(c.violationTimes) >= violationLimit {
		c.violationTimes = nil
		c.log.Warnf("protocol violation threshold exceeded, forcing link reset")
		c.peerResetAllLocked(0, false)
		if c.notifier != nil {
			c.notifier.OnLinkReset()
		}
	}
}

// RecordProtocolViolation is the entry point for violations detected
// below Core, at the frame decoder (garbage bytes discarded while
// resyncing, oversized frames, header CRC mismatches during resync),
// which the caller has no endpoint to attribute them to.
func (c *Core) RecordProtocolViolation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordProtocolViolationLocked()
}

func (c *Core) handleIFrame(f *frame.Frame) {
	ep := c.endpoint(f.Address)
	if ep.State != StateOpen {
		return
	}

	if f.CorruptPayload {
		c.ackNow(ep, frame.SREJ)
		return
	}

	seq := f.Control.Seq
	c.processAck(ep, f.Ack)

	switch {
	case seq == ep.expectedRx:
		payload := f.Payload
		if c.isEncrypted(ep) {
			header := iFrameAssociatedData(ep.ID, f.Control, f.Ack, len(payload))
			pt, err := c.security.Decrypt(ep.ID, header, payload)
			if err != nil {
				c.log.Warnf("endpoint %d: AEAD decrypt failed, treating as security incident: %v", ep.ID, err)
				if errors.Is(err, security.ErrSecurityIncidentThreshold) {
					c.failSecurityIncidentLocked(ep)
					return
				}
				c.ackNow(ep, frame.SREJ)
				return
			}
			payload = pt
		}
		ep.RXQueue = append(ep.RXQueue, payload)
		ep.expectedRx = (ep.expectedRx + 1) & 0x07
		ep.lastRxSeq = seq
		c.scheduleDelayedAck(ep)

	case seqPrecedes(seq, ep.expectedRx, ep.WindowSize), seq == ep.lastRxSeq:
		// Duplicate of an already-delivered frame: drop payload, re-ack.
		c.ackNow(ep, frame.SRR)

	default:
		// Gap: out-of-order frames are never buffered, only rejected.
		c.ackNow(ep, frame.SREJ)
	}
}

// ackNow immediately emits an S-frame carrying ep's current expectedRx
// and cancels any pending delayed-ack timer, since this emission already
// satisfies it.
func (c *Core) ackNow(ep *Endpoint, sub frame.SSubType) {
	ep.ackTimerArmed = false
	c.emitSupervisory(ep.ID, sub, ep.expectedRx)
}

// scheduleDelayedAck arms a delayed-ack timer for ep if one is not
// already pending, instead of acking every in-order delivery
// immediately. The RR it eventually sends is superseded if an outbound
// I-frame piggybacks the ack first (see sendIFrame).
func (c *Core) scheduleDelayedAck(ep *Endpoint) {
	if ep.ackTimerArmed {
		return
	}
	ep.ackTimerArmed = true
	c.ackTimers.Push(c.now().Add(DefaultAckDelay).UnixNano(), ep.ID)
}

// failSecurityIncidentLocked transitions ep to Error(SecurityIncident)
// once Security reports its incident threshold crossed on a frame
// addressed to ep: the endpoint is closed, its in-flight state
// discarded, and the client notified. It is not auto-reopened; a new
// Open call is required after the client observes the error, per
// spec.md §4.2's "security fail" row and §7 error-kind 4.
func (c *Core) failSecurityIncidentLocked(ep *Endpoint) {
	ep.State = StateErrorSecurityIncident
	ep.outstanding = nil
	ep.pending = nil
	if c.notifier != nil {
		c.notifier.OnError(ep.ID, ep.State)
	}
}

func (c *Core) handleSFrame(f *frame.Frame) {
	ep := c.endpoint(f.Address)
	if ep.State != StateOpen {
		return
	}
	// The ack field is cumulative on both RR and REJ: a REJ(ack=N) means
	// "everything before N is received, resend starting at N."
	c.processAck(ep, f.Ack)
	if frame.SSubType(f.Control.SubType) == frame.SREJ {
		c.handleReject(ep, f.Ack)
	}
}

// processAck removes acked outstanding frames, wakes blocked writers via
// drainPending, and cancels the retransmit timer if the queue emptied.
func (c *Core) processAck(ep *Endpoint, ack uint8) {
	removed := ep.ackUpTo(ack)
	if len(removed) > 0 {
		c.drainPending(ep)
	}
}

// handleReject retransmits starting at the rejected sequence number. A
// REJ for an already-acked seq is ignored.
func (c *Core) handleReject(ep *Endpoint, rejectSeq uint8) {
	found := false
	for _, of := range ep.outstanding {
		if of.seq == rejectSeq {
			found = true
		}
		if found {
			of.sentAt = c.now()
			of.rto = NewRTOState()
			if c.sink != nil {
				_ = c.sink.SendFrame(of.wire)
			}
		}
	}
}

func (c *Core) handleUFrame(f *frame.Frame) {
	ep := c.endpoint(f.Address)
	switch frame.USubType(f.Control.SubType) {
	case frame.UReset:
		if ep.ID == SystemEndpoint {
			c.handleLinkReset(ep)
		} else {
			c.handlePeerReset(ep)
		}
	case frame.UAcknowledge:
		c.handlePeerAck(ep)
	case frame.UInformation:
		// Fire-and-forget; delivered to RX queue without ARQ bookkeeping.
		ep.RXQueue = append(ep.RXQueue, f.Payload)
	}
}

// handleLinkReset processes an unsolicited U-Reset on the system
// endpoint: the secondary has reset its whole link state, so every
// endpoint is dropped to Closed and its client notified ConnectionLost,
// the system endpoint itself is acked and silently reopened (no round
// trip needed, since the peer just told us it reset), and the Notifier
// is told a link-wide reset happened so it can re-run system-endpoint
// discovery, re-handshake, and broadcast SIGUSR1 (spec.md §6, §7
// error-kind 3).
func (c *Core) handleLinkReset(sysEP *Endpoint) {
	c.peerResetAllLocked(sysEP.ID, true)
	sysEP.resetSequences()
	sysEP.State = StateOpen
	c.emitUnnumbered(sysEP.ID, frame.UAcknowledge, nil)

	if secEP, ok := c.endpoints[SecurityEndpoint]; ok {
		secEP.resetSequences()
		secEP.State = StateOpen
	}

	if c.notifier != nil {
		c.notifier.OnLinkReset()
	}
}

// handlePeerReset implements the tie-break rule for simultaneous
// resets: a received U-Reset is always authoritative. The endpoint's
// sequences are reset and a U-Ack is sent; an endpoint that was Open or
// Closing is put back to Open (any local U-Reset it had outstanding is no
// longer waited for) and OnOpened fires, while an endpoint in any other
// state stays Closed.
func (c *Core) handlePeerReset(ep *Endpoint) {
	wasOpen := ep.State == StateOpen || ep.State == StateClosing
	ep.resetSequences()
	ep.State = StateClosed
	c.emitUnnumbered(ep.ID, frame.UAcknowledge, nil)
	if wasOpen {
		ep.State = StateOpen
		if c.notifier != nil {
			c.notifier.OnOpened(ep.ID)
		}
	}
}

func (c *Core) handlePeerAck(ep *Endpoint) {
	switch ep.State {
	case StateClosing:
		ep.State = StateClosed
		if c.notifier != nil {
			c.notifier.OnClosed(ep.ID)
		}
	default:
		c.handleOpenAck(ep.ID)
	}
}

// PeerResetAll handles an unexpected link reset from the secondary:
// every endpoint drops to Closed and its client is notified with
// ConnectionLost. System-endpoint rediscovery and SIGUSR1 delivery are
// the daemon's responsibility, triggered from here via the Notifier.
// Exported for callers that detect a link reset outside the normal
// frame-handling path (e.g. a driver-level read failure); the
// system-endpoint U-Reset path drives the same logic through
// handleLinkReset/peerResetAllLocked instead.
func (c *Core) PeerResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerResetAllLocked(0, false)
	if c.notifier != nil {
		c.notifier.OnLinkReset()
	}
}

// peerResetAllLocked drops every endpoint except skip (when hasSkip is
// true) to Closed and notifies ConnectionLost for each one that wasn't
// already Closed. Caller holds c.mu.
func (c *Core) peerResetAllLocked(skip uint8, hasSkip bool) {
	for id, ep := range c.endpoints {
		if hasSkip && id == skip {
			continue
		}
		if ep.State == StateClosed {
			continue
		}
		ep.resetSequences()
		ep.State = StateClosed
		if c.notifier != nil {
			c.notifier.OnConnectionLost(id)
		}
	}
}

// ExpireTimer is called by the event loop when an endpoint's retransmit
// timer deadline has passed. It increments the retry counter for the
// oldest outstanding frame, transitioning to Error(FaultNoAck) past
// max_retries, or resending with poll=1 and restarting the timer.
func (c *Core) ExpireTimer(endpointID uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep, ok := c.endpoints[endpointID]
	if !ok || len(ep.outstanding) == 0 {
		return
	}
	oldest := ep.outstanding[0]
	oldest.rto = oldest.rto.Expire()

	if oldest.rto.RetryCount > c.maxRetries {
		ep.State = StateErrorFaultNoAck
		ep.outstanding = nil
		ep.pending = nil
		if c.notifier != nil {
			c.notifier.OnError(ep.ID, ep.State)
		}
		return
	}

	oldest.sentAt = c.now()
	if c.sink != nil {
		_ = c.sink.SendFrame(oldest.wire)
	}
	c.timers.Push(oldest.sentAt.Add(oldest.rto.Current).UnixNano(), ep.ID)
}

// NextTimerDeadline returns the earliest armed retransmit-timer deadline
// across all endpoints, for the event loop to schedule its wait.
func (c *Core) NextTimerDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, _, ok := c.timers.Peek()
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, deadline), true
}

// PopExpiredTimers pops and returns every endpoint ID whose retransmit
// timer deadline is at or before now, for the event loop to dispatch to
// ExpireTimer in deadline order.
func (c *Core) PopExpiredTimers(now time.Time) []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []uint8
	cutoff := now.UnixNano()
	for {
		deadline, val, ok := c.timers.Peek()
		if !ok || deadline > cutoff {
			break
		}
		c.timers.Pop()
		ids = append(ids, val.(uint8))
	}
	return ids
}

// NextAckTimerDeadline returns the earliest armed delayed-ack deadline
// across all endpoints, for the event loop to schedule its wait.
func (c *Core) NextAckTimerDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, _, ok := c.ackTimers.Peek()
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, deadline), true
}

// PopExpiredAckTimers pops every queued ack-timer entry at or before
// now, discarding ones whose ack has already been piggybacked (detected
// via ep.ackTimerArmed having been cleared since it was scheduled), and
// returns the endpoint IDs that still need their delayed RR sent.
func (c *Core) PopExpiredAckTimers(now time.Time) []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []uint8
	cutoff := now.UnixNano()
	for {
		deadline, val, ok := c.ackTimers.Peek()
		if !ok || deadline > cutoff {
			break
		}
		c.ackTimers.Pop()
		id := val.(uint8)
		ep, exists := c.endpoints[id]
		if !exists || !ep.ackTimerArmed {
			continue // canceled: piggybacked on an outbound I-frame already
		}
		ep.ackTimerArmed = false
		ids = append(ids, id)
	}
	return ids
}

// ExpireAckTimer sends the delayed-ack RR for endpointID once its
// ack-timer deadline has passed without the ack being piggybacked on an
// outbound I-frame.
func (c *Core) ExpireAckTimer(endpointID uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.endpoints[endpointID]
	if !ok || ep.State != StateOpen {
		return
	}
	c.emitSupervisory(ep.ID, frame.SRR, ep.expectedRx)
}

// RXQueue returns and clears the pending payloads for endpoint id, for
// ServerCore to drain onto the client socket.
func (c *Core) RXQueue(id uint8) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.endpoints[id]
	if !ok || len(ep.RXQueue) == 0 {
		return nil
	}
	q := ep.RXQueue
	ep.RXQueue = nil
	return q
}

// StateOf returns the current lifecycle state of endpoint id.
func (c *Core) StateOf(id uint8) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint(id).State
}
