package epidra

import (
	"encoding/hex"
)

// nonce is handed to the quoting service along with a report.  The quoting
// enclave binds it into its own report, which proves the quote's freshness.
type nonce [quoteNonceLen]byte

// newNonce returns a cryptographically secure, random nonce.
func newNonce() (nonce, error) {
	var newNonce nonce
	n, err := cryptoRead(newNonce[:])
	if err != nil {
		return nonce{}, err
	}
	if n != quoteNonceLen {
		return nonce{}, errNotEnoughRead
	}
	return newNonce, nil
}

func (n *nonce) String() string {
	return hex.EncodeToString(n[:])
}
