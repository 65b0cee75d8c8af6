package security

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/librecpc/cpcd/internal/worker"
)

// State is the session lifecycle state.
type State uint8

const (
	StateNotReady State = iota
	StateInitializing
	StateInitialized
	StateResetting
)

var (
	ErrTamperedOrReplayed = errors.New("security: AEAD open failed (tampered or replayed frame)")
	ErrNotInitialized     = errors.New("security: session not initialized")

	// ErrSecurityIncidentThreshold wraps ErrTamperedOrReplayed once
	// incidentLimit decrypt failures have occurred within incidentWindow:
	// Core checks errors.Is against this to know the offending endpoint,
	// not just the session, must transition to Error(SecurityIncident).
	ErrSecurityIncidentThreshold = errors.New("security: repeated AEAD failures exceeded incident threshold")

	// ErrRekeyPending is returned by Encrypt once the send counter has
	// reached its hard limit: a rekey has already been requested, and
	// sending must stop until CompleteHandshake resets the counter,
	// since continuing would wrap the 29-bit nonce and reuse one under
	// the same key.
	ErrRekeyPending = errors.New("security: send counter exhausted, rekey pending")
)

// incidentWindow is the sliding window over which security incidents are
// counted before forcing a re-handshake: 3 incidents in 30 seconds.
const (
	incidentLimit  = 3
	incidentWindow = 30 * time.Second
)

// Security runs the ECDH handshake and per-frame AEAD for one link. Only
// one handshake runs at a time; Encrypt/Decrypt are synchronous and safe
// to call from Core's single dispatch goroutine, while rekeying and
// incident-driven re-handshakes are only requested here, through
// RekeyRequests, and run by a goroutine in cmd/cpcd (daemon.driveRekeys)
// so they don't block the frame path. The embedded worker.Worker's
// Go/Halt/Wait methods are not used by this type.
type Security struct {
	worker.Worker

	log *log.Logger

	mu    sync.Mutex
	state State

	bindingKeyID uint64
	ephemeral    *ephemeralKeypair

	sessionID  uint64
	sendKey    [keySize]byte
	recvKey    [keySize]byte
	sendAEAD   cipherAEAD
	recvAEAD   cipherAEAD
	sendCtr    uint64
	recvHiWM   map[uint8]uint64 // endpoint -> highest counter accepted, replay guard

	incidentTimes []time.Time

	rekeyCh chan struct{}
}

// cipherAEAD narrows the AEAD interface actually used, keeping the
// chacha20poly1305 type out of this struct's exported surface.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// New creates a Security in StateNotReady. bindingKeyID identifies the
// long-term, out-of-band provisioned binding key pair this daemon
// authenticates with; provisioning itself is out of scope here.
func New(bindingKeyID uint64, logger *log.Logger) *Security {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	}
	return &Security{
		log:          logger.WithPrefix("security"),
		bindingKeyID: bindingKeyID,
		recvHiWM:     make(map[uint8]uint64),
		rekeyCh:      make(chan struct{}, 1),
	}
}

// Initialized reports whether a session key is live. Core consults this
// before admitting writes on any non-system, non-security endpoint.
func (s *Security) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateInitialized
}

// StateNow returns the current handshake state, for tests and the system
// endpoint's status reporting.
func (s *Security) StateNow() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BeginHandshake generates an ephemeral keypair and returns the message
// to send to the peer over the security endpoint. Safe to call whether
// this side is initiating or responding to a peer's BeginHandshake.
func (s *Security) BeginHandshake(requestID uint64) (HandshakeMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kp, err := newEphemeralKeypair()
	if err != nil {
		return HandshakeMessage{}, err
	}
	s.ephemeral = kp
	s.state = StateInitializing

	return HandshakeMessage{
		RequestID:       requestID,
		BindingKeyID:    s.bindingKeyID,
		EphemeralPublic: kp.pub,
	}, nil
}

// CompleteHandshake consumes the peer's ephemeral public key, derives
// the session keys, and transitions to StateInitialized. initiator is
// true for the side that sent the first BeginHandshake message, which
// determines which derived key is used for sending vs receiving.
func (s *Security) CompleteHandshake(peerPublic [32]byte, initiator bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ephemeral == nil {
		return ErrNoHandshake
	}

	shared, err := curve25519.X25519(s.ephemeral.priv[:], peerPublic[:])
	if err != nil {
		return fmt.Errorf("security: ECDH failed: %w", err)
	}

	initToResp, respToInit, sessionID, err := deriveSessionKeys(shared)
	if err != nil {
		return err
	}

	if initiator {
		s.sendKey, s.recvKey = initToResp, respToInit
	} else {
		s.sendKey, s.recvKey = respToInit, initToResp
	}

	s.sendAEAD, err = chacha20poly1305.New(s.sendKey[:])
	if err != nil {
		return err
	}
	s.recvAEAD, err = chacha20poly1305.New(s.recvKey[:])
	if err != nil {
		return err
	}

	s.sessionID = sessionID
	s.sendCtr = 0
	s.recvHiWM = make(map[uint8]uint64)
	s.ephemeral = nil
	s.state = StateInitialized
	s.log.Infof("session established, id=%x", sessionID)
	return nil
}

// Encrypt seals plaintext under the current session send key, returning
// an 8-byte counter prefix followed by the AEAD ciphertext+tag. The
// associated data is the frame's unencrypted logical header, so
// tampering with address/control/ack is caught without needing to
// encrypt those fields.
func (s *Security) Encrypt(endpointID uint8, associatedData, plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInitialized {
		return nil, ErrNotInitialized
	}
	if s.sendCtr >= nonceCounterLimit {
		// A rekey was already requested when the counter crossed
		// rekeyThreshold; block here rather than let the masked 29-bit
		// nonce wrap and reuse a counter value under the same key.
		s.requestRekey()
		return nil, ErrRekeyPending
	}

	counter := s.sendCtr
	s.sendCtr++
	nonce := buildNonce(endpointID, directionSend, counter)

	out := make([]byte, 8, 8+len(plaintext)+chacha20poly1305.Overhead)
	binary.BigEndian.PutUint64(out, counter)
	out = s.sendAEAD.Seal(out, nonce[:], plaintext, associatedData)

	if counter >= rekeyThreshold {
		s.requestRekey()
	}
	return out, nil
}

// Decrypt opens ciphertext (as produced by the peer's Encrypt) under the
// current session receive key, rejecting frames whose embedded counter
// does not strictly advance the endpoint's high-water mark.
func (s *Security) Decrypt(endpointID uint8, associatedData, ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInitialized {
		return nil, ErrNotInitialized
	}
	if len(ciphertext) < 8 {
		return nil, ErrTamperedOrReplayed
	}

	counter := binary.BigEndian.Uint64(ciphertext[:8])
	if counter < s.recvHiWM[endpointID] {
		if s.recordIncidentLocked() {
			return nil, fmt.Errorf("%w: %w", ErrSecurityIncidentThreshold, ErrTamperedOrReplayed)
		}
		return nil, ErrTamperedOrReplayed
	}

	// The peer sealed this frame under its own send direction.
	nonce := buildNonce(endpointID, directionSend, counter)
	plaintext, err := s.recvAEAD.Open(nil, nonce[:], ciphertext[8:], associatedData)
	if err != nil {
		if s.recordIncidentLocked() {
			return nil, fmt.Errorf("%w: %w", ErrSecurityIncidentThreshold, ErrTamperedOrReplayed)
		}
		return nil, ErrTamperedOrReplayed
	}

	s.recvHiWM[endpointID] = counter + 1
	return plaintext, nil
}

// recordIncidentLocked tracks a security incident and, once incidentLimit
// occur within incidentWindow, schedules a forced re-handshake and
// reports the threshold crossing so the caller can fail the specific
// endpoint that triggered it. Caller holds s.mu.
func (s *Security) recordIncidentLocked() bool {
	now := time.Now()
	cutoff := now.Add(-incidentWindow)

	kept := s.incidentTimes[:0]
	for _, t := range s.incidentTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.incidentTimes = kept

	if len(s.incidentTimes) >= incidentLimit {
		s.incidentTimes = nil
		s.state = StateResetting
		s.requestRekey()
		return true
	}
	return false
}

// requestRekey wakes the background worker to run a fresh handshake.
// Non-blocking: a rekey already queued is not duplicated.
func (s *Security) requestRekey() {
	select {
	case s.rekeyCh <- struct{}{}:
	default:
	}
}

// RekeyRequests exposes the channel the daemon's handshake driver selects
// on to learn when a rekey or forced re-handshake is due.
func (s *Security) RekeyRequests() <-chan struct{} {
	return s.rekeyCh
}

// Reset forces the session back to StateNotReady, discarding keys. Used
// when the link itself resets and any standing session is no longer
// meaningful.
func (s *Security) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateNotReady
	s.ephemeral = nil
	s.sendKey = [keySize]byte{}
	s.recvKey = [keySize]byte{}
	s.sendAEAD = nil
	s.recvAEAD = nil
	s.recvHiWM = make(map[uint8]uint64)
}
