package epidra

import (
	"crypto/aes"
	"crypto/subtle"

	"github.com/aead/cmac"
)

// cmacAES128 returns the CMAC-AES128 tag of data under key.
func cmacAES128(key Key128, data []byte) Mac {
	var tag Mac

	// Neither call can fail: the key is always 16 bytes and AES has a block
	// size that CMAC supports.
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err)
	}
	h, err := cmac.New(block)
	if err != nil {
		panic(err)
	}
	h.Write(data)
	copy(tag[:], h.Sum(nil))
	return tag
}

// verifyCMAC recomputes the tag of data and compares it against the given
// tag in constant time.
func verifyCMAC(key Key128, data []byte, tag Mac) bool {
	want := cmacAES128(key, data)
	return subtle.ConstantTimeCompare(want[:], tag[:]) == 1
}
