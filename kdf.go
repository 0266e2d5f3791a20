package epidra

import (
	"crypto/sha256"
	"crypto/subtle"
)

// Derivation labels.  Each derived key is CMAC(KDK, label).
var (
	labelSMK = []byte{0x01, 'S', 'M', 'K', 0x00, 0x80, 0x00}
	labelSK  = []byte{0x01, 'S', 'K', 0x00, 0x80, 0x00}
	labelMK  = []byte{0x01, 'M', 'K', 0x00, 0x80, 0x00}
	labelVK  = []byte{0x01, 'V', 'K', 0x00, 0x80, 0x00}
)

// sessionKeys holds the key derivation key and the four keys derived from
// it.  None of them ever leaves the process except MK and SK, which are
// handed to the caller once a handshake succeeds.
type sessionKeys struct {
	kdk Key128
	smk Key128 // Authenticates messages two and three.
	sk  Key128
	mk  Key128
	vk  Key128 // Folded into the quote manifest.
}

// deriveKDK turns a shared secret into the key derivation key.  The secret
// is interpreted as a little-endian number, hence the byte reversal.
func deriveKDK(secret SharedSecret) Key128 {
	reversed := secret
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	kdk := Key128(cmacAES128(Key128{}, reversed[:]))
	zero(reversed[:])
	return kdk
}

func deriveKey(kdk Key128, label []byte) Key128 {
	return Key128(cmacAES128(kdk, label))
}

func deriveSessionKeys(secret SharedSecret) *sessionKeys {
	kdk := deriveKDK(secret)
	return &sessionKeys{
		kdk: kdk,
		smk: deriveKey(kdk, labelSMK),
		sk:  deriveKey(kdk, labelSK),
		mk:  deriveKey(kdk, labelMK),
		vk:  deriveKey(kdk, labelVK),
	}
}

func (k *sessionKeys) output() Keys {
	return Keys{MasterKey: k.mk, SessionKey: k.sk}
}

func (k *sessionKeys) destroy() {
	if k == nil {
		return
	}
	for _, key := range []*Key128{&k.kdk, &k.smk, &k.sk, &k.mk, &k.vk} {
		zero(key[:])
	}
}

// QuoteManifest is the 64-byte value that the enclave binds into its quote
// as report data: SHA-256(g_a || g_b || VK) followed by 32 zero bytes.
type QuoteManifest [64]byte

func newQuoteManifest(ga, gb PublicKey, vk Key128) QuoteManifest {
	var m QuoteManifest

	h := sha256.New()
	h.Write(ga[:])
	h.Write(gb[:])
	h.Write(vk[:])
	copy(m[:], h.Sum(nil))
	return m
}

// matches reports whether the quote's report data windows hold the manifest.
func (m *QuoteManifest) matches(quote []byte) bool {
	if len(quote) < reportDataOffset+len(m) {
		return false
	}
	lo := subtle.ConstantTimeCompare(m[:32], quote[reportDataOffset:reportDataOffset+32])
	hi := subtle.ConstantTimeCompare(m[32:], quote[reportDataOffset+32:reportDataOffset+64])
	return lo&hi == 1
}
