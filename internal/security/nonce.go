package security

import "encoding/binary"

// direction distinguishes the two independently-counted nonce spaces
// per endpoint: each side keeps its own send counter so neither peer
// needs to coordinate nonce allocation.
type direction uint8

const (
	directionSend direction = 0
	directionRecv direction = 1

	// rekeyThreshold (2^29 - 8) is the counter value from which Encrypt
	// requests a rekey, eight frames before the 29-bit counter space runs
	// out at nonceCounterLimit.
	rekeyThreshold uint64 = (1 << 29) - 8

	// nonceCounterLimit is the hard wraparound boundary: the 29-bit
	// counter space packed into the nonce by buildNonce can never reach
	// this value under the same key without reusing a nonce, so Encrypt
	// refuses to send once sendCtr gets here regardless of whether the
	// rekey requested at rekeyThreshold has completed yet.
	nonceCounterLimit uint64 = 1 << 29
)

// buildNonce packs the 12-byte chacha20poly1305 nonce: endpoint id,
// direction, then the 29-bit frame counter left-padded into the
// remaining bytes. Keeping endpoint+direction in the nonce means a
// single session key can safely serve every endpoint without per-
// endpoint rekeying, since no two endpoints or directions ever reuse
// the same counter value under the same key.
func buildNonce(endpointID uint8, dir direction, counter uint64) [12]byte {
	var nonce [12]byte
	nonce[0] = endpointID
	nonce[1] = byte(dir)
	// bytes 2-3 stay zero; bytes 4-11: big-endian counter, using only the
	// low 29 bits.
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], counter&((1<<29)-1))
	copy(nonce[4:12], full[:])
	return nonce
}
