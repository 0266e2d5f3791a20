package epidra

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// Keys is the key material that both ends of a successful handshake share:
// the master key and the session key.  Whoever receives Keys owns them and
// should call Destroy once they are no longer needed.
type Keys struct {
	MasterKey  Key128
	SessionKey Key128
}

func (k *Keys) equal(other *Keys) bool {
	return subtle.ConstantTimeCompare(k.MasterKey[:], other.MasterKey[:])&
		subtle.ConstantTimeCompare(k.SessionKey[:], other.SessionKey[:]) == 1
}

// fingerprint returns the Base64-encoded hash over our key material.  The
// resulting string is not confidential as it's impractical to reverse the key
// material, which makes it safe to log.
func (k *Keys) fingerprint() string {
	h := sha256.New()
	h.Write(k.MasterKey[:])
	h.Write(k.SessionKey[:])
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Destroy overwrites the key material with zeroes.
func (k *Keys) Destroy() {
	zero(k.MasterKey[:])
	zero(k.SessionKey[:])
}
