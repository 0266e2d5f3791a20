package epidra

import (
	"crypto/rand"
	"errors"
	"testing"
)

func failOnErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Expected no error but got %v.", err)
	}
}

func TestNonce(t *testing.T) {
	nonce1, err := newNonce()
	failOnErr(t, err)
	nonce2, err := newNonce()
	failOnErr(t, err)

	if nonce1 == nonce2 {
		t.Fatal("Two separate nonces should not be identical.")
	}
	if nonce1.String() == nonce2.String() {
		t.Fatal("Two separate, hex-encoded nonces should not be identical.")
	}
	if len(nonce1.String()) != 2*quoteNonceLen {
		t.Fatalf("Expected %d hex digits but got %q.", 2*quoteNonceLen, nonce1.String())
	}
}

func TestNonceErrors(t *testing.T) {
	defer func() {
		cryptoRead = rand.Read
	}()

	// Make cryptoRead return an error.
	ourError := errors.New("not enough randomness")
	cryptoRead = func(b []byte) (n int, err error) {
		return 0, ourError
	}
	if _, err := newNonce(); !errors.Is(err, ourError) {
		t.Fatal("Propagated error does not contain expected error string.")
	}

	// Make cryptoRead return an insufficient number of random bytes.
	cryptoRead = func(b []byte) (n int, err error) {
		return quoteNonceLen - 1, nil
	}
	if _, err := newNonce(); !errors.Is(err, errNotEnoughRead) {
		t.Fatalf("Expected error %v but got %v.", errNotEnoughRead, err)
	}
}
