package epidra

import (
	"encoding/binary"
	"fmt"
)

const (
	// extGIDIntel selects the Intel Attestation Service as verification
	// authority.  It is the only extended group ID we support.
	extGIDIntel = 0
	// kdfIDCMAC identifies the CMAC-based key derivation of kdf.go.
	kdfIDCMAC = 1
)

// Quote kinds understood by the quoting service.
const (
	QuoteUnlinkable uint32 = 0
	QuoteLinkable   uint32 = 1
)

// MessageZero is sent by the relay to the service provider and announces
// which attestation authority the platform uses.
type MessageZero struct {
	ExtendedGID uint64
}

func (m *MessageZero) encode(e *encoder) {
	e.u64(m.ExtendedGID)
}

func (m *MessageZero) decode(d *decoder) {
	m.ExtendedGID = d.u64()
}

// MessageOne carries the enclave's ephemeral public key and the EPID group
// ID of the platform.
type MessageOne struct {
	GA  PublicKey
	GID []byte
}

func (m *MessageOne) encode(e *encoder) {
	e.fixed(m.GA[:])
	e.vec(m.GID)
}

func (m *MessageOne) decode(d *decoder) {
	d.fixed(m.GA[:])
	m.GID = d.vec()
}

func (m *MessageOne) String() string {
	return fmt.Sprintf("msg1{g_a=%x, gid=%x}", m.GA, m.GID)
}

// MessageTwo carries the service provider's public key and quoting policy.
// Note that GAB, the raw shared secret, travels in the clear and is merely
// compared by the enclave against its own computation.
type MessageTwo struct {
	GAB       SharedSecret
	GB        PublicKey
	KDFID     uint32
	QuoteKind uint32
	SigRL     []byte
	SPID      Spid
	MAC       Mac
}

// newMessageTwo assembles message two and authenticates it with the SMK.
func newMessageTwo(
	gab SharedSecret,
	gb PublicKey,
	quoteKind uint32,
	sigRL []byte,
	spid Spid,
	smk Key128,
) *MessageTwo {
	m := &MessageTwo{
		GAB:       gab,
		GB:        gb,
		KDFID:     kdfIDCMAC,
		QuoteKind: quoteKind,
		SigRL:     sigRL,
		SPID:      spid,
	}
	m.MAC = cmacAES128(smk, m.macInput())
	return m
}

// macInput returns g_ab || g_b || kdf_id || quote_kind || sig_rl || spid.
func (m *MessageTwo) macInput() []byte {
	b := make([]byte, 0, 2*keyLen+8+len(m.SigRL)+len(m.SPID))
	b = append(b, m.GAB[:]...)
	b = append(b, m.GB[:]...)
	b = binary.LittleEndian.AppendUint32(b, m.KDFID)
	b = binary.LittleEndian.AppendUint32(b, m.QuoteKind)
	b = append(b, m.SigRL...)
	b = append(b, m.SPID[:]...)
	return b
}

func (m *MessageTwo) verify(smk Key128) bool {
	return verifyCMAC(smk, m.macInput(), m.MAC)
}

func (m *MessageTwo) encode(e *encoder) {
	e.fixed(m.GAB[:])
	e.fixed(m.GB[:])
	e.u32(m.KDFID)
	e.u32(m.QuoteKind)
	e.vec(m.SigRL)
	e.fixed(m.SPID[:])
	e.fixed(m.MAC[:])
}

func (m *MessageTwo) decode(d *decoder) {
	d.fixed(m.GAB[:])
	d.fixed(m.GB[:])
	m.KDFID = d.u32()
	m.QuoteKind = d.u32()
	m.SigRL = d.vec()
	d.fixed(m.SPID[:])
	d.fixed(m.MAC[:])
}

// MessageThree carries the enclave's quote.
type MessageThree struct {
	GA             PublicKey
	PSSecurityProp []byte
	Quote          []byte
	MAC            Mac
}

func newMessageThree(ga PublicKey, psSecurityProp, quote []byte, smk Key128) *MessageThree {
	m := &MessageThree{
		GA:             ga,
		PSSecurityProp: psSecurityProp,
		Quote:          quote,
	}
	m.MAC = cmacAES128(smk, m.macInput())
	return m
}

// macInput returns g_a || ps_security_prop || quote.
func (m *MessageThree) macInput() []byte {
	b := make([]byte, 0, keyLen+len(m.PSSecurityProp)+len(m.Quote))
	b = append(b, m.GA[:]...)
	b = append(b, m.PSSecurityProp...)
	b = append(b, m.Quote...)
	return b
}

func (m *MessageThree) verify(smk Key128) bool {
	return verifyCMAC(smk, m.macInput(), m.MAC)
}

func (m *MessageThree) encode(e *encoder) {
	e.fixed(m.GA[:])
	e.vec(m.PSSecurityProp)
	e.vec(m.Quote)
	e.fixed(m.MAC[:])
}

func (m *MessageThree) decode(d *decoder) {
	d.fixed(m.GA[:])
	m.PSSecurityProp = d.vec()
	m.Quote = d.vec()
	d.fixed(m.MAC[:])
}

// MessageFour is the service provider's verdict.
type MessageFour struct {
	EnclaveTrusted bool
	PSETrusted     bool
}

func (m *MessageFour) encode(e *encoder) {
	e.boolean(m.EnclaveTrusted)
	e.boolean(m.PSETrusted)
}

func (m *MessageFour) decode(d *decoder) {
	m.EnclaveTrusted = d.boolean()
	m.PSETrusted = d.boolean()
}
