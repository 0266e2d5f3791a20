package epidra

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const keyLen = 32

var cryptoRead = rand.Read

// PublicKey is an ephemeral X25519 public key.
type PublicKey [keyLen]byte

// SharedSecret is the raw output of X25519.  It is never used as a key
// directly; see deriveSessionKeys.
type SharedSecret [keyLen]byte

// Key128 is a 128-bit key derived with CMAC-AES128.
type Key128 [16]byte

// Mac is a CMAC-AES128 tag.
type Mac [16]byte

// Spid is the service provider ID assigned by the verification authority.
type Spid [16]byte

// keyPair is the ephemeral key pair that a session owns for the duration of
// one handshake.
type keyPair struct {
	private [keyLen]byte
	public  PublicKey
}

// newKeyPair returns a fresh X25519 key pair.
func newKeyPair() (*keyPair, error) {
	kp := new(keyPair)
	n, err := cryptoRead(kp.private[:])
	if err != nil {
		return nil, err
	}
	if n != keyLen {
		return nil, errNotEnoughRead
	}

	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(kp.public[:], pub)
	return kp, nil
}

// agree computes the X25519 shared secret between our private key and the
// peer's public key.  Low-order peer points yield errDegenerateSecret.
func (kp *keyPair) agree(peer PublicKey) (SharedSecret, error) {
	var s SharedSecret
	out, err := curve25519.X25519(kp.private[:], peer[:])
	if err != nil {
		return s, errDegenerateSecret
	}
	copy(s[:], out)
	zero(out)
	return s, nil
}

func (kp *keyPair) destroy() {
	if kp == nil {
		return
	}
	zero(kp.private[:])
}

func secretsEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
