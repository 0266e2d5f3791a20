package epidra

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Layout of SGX reports and EPID quotes.  A quote starts with a 48-byte
// header followed by the 384-byte report body of the attested enclave, a
// 32-bit signature length and the signature.  A report is the body
// followed by a key ID and a MAC.
const (
	quoteHeaderLen     = 48
	reportBodyLen      = 384
	reportKeyIDLen     = 32
	reportMACLen       = 16
	reportLen          = reportBodyLen + reportKeyIDLen + reportMACLen
	targetInfoLen      = 512
	quoteSigLenOffset  = quoteHeaderLen + reportBodyLen
	quoteMinLen        = quoteSigLenOffset + 4
	reportDataLen      = 64
	reportDataOffset   = quoteHeaderLen + bodyReportDataOff
	bodyCPUSVNOff      = 0
	bodyMiscSelectOff  = 16
	bodyAttributesOff  = 48
	bodyMREnclaveOff   = 64
	bodyMRSignerOff    = 128
	bodyISVProdIDOff   = 256
	bodyISVSVNOff      = 258
	bodyReportDataOff  = 320
	measurementLen     = 32
	quoteNonceLen      = 16
	quoteVersionEPID   = 2
	softwareSigLen     = sha256.Size
	softwareQESVN      = 1
	softwarePCESVN     = 1
	targetInfoMRELen   = measurementLen
	defaultSoftwareGID = 0x00000b7e
)

var (
	errQuoteTooShort  = errors.New("quote is too short")
	errBadReportMAC   = errors.New("report is not targeted at this quoting enclave")
	errPolicyMismatch = errors.New("enclave does not satisfy policy")
)

// ReportData is the 64-byte payload that an enclave binds into its report.
type ReportData [reportDataLen]byte

// ReportIssuer produces a hardware report that is targeted at the quoting
// enclave described by targetInfo and that carries the given report data.
type ReportIssuer interface {
	IssueReport(targetInfo []byte, data ReportData) ([]byte, error)
}

// QuoteRequest holds what the quoting service needs to turn a report into a
// quote.
type QuoteRequest struct {
	Report    []byte
	QuoteKind uint32
	SPID      Spid
	SigRL     []byte
	Nonce     []byte
}

// Quoter is the platform's quoting service.  InitQuote returns the target
// info of the quoting enclave and the platform's EPID group ID; GetQuote
// exchanges a report for a quote and the quoting enclave's own report.
type Quoter interface {
	InitQuote(ctx context.Context) (targetInfo, gid []byte, err error)
	GetQuote(ctx context.Context, req *QuoteRequest) (quote, qeReport []byte, err error)
}

// QuoteBody is the parsed, fixed-size part of an EPID quote.
type QuoteBody struct {
	Version     uint16
	SignType    uint16
	EPIDGroupID [4]byte
	QESVN       uint16
	PCESVN      uint16
	XEID        uint32
	Basename    [32]byte
	CPUSVN      [16]byte
	MiscSelect  uint32
	Attributes  [16]byte
	MREnclave   [measurementLen]byte
	MRSigner    [measurementLen]byte
	ISVProdID   uint16
	ISVSVN      uint16
	ReportData  ReportData
}

// UnmarshalBinary parses the quote header and report body.  Trailing data
// such as the signature is ignored.
func (q *QuoteBody) UnmarshalBinary(data []byte) error {
	if len(data) < quoteSigLenOffset {
		return errQuoteTooShort
	}

	q.Version = binary.LittleEndian.Uint16(data[0:])
	q.SignType = binary.LittleEndian.Uint16(data[2:])
	copy(q.EPIDGroupID[:], data[4:8])
	q.QESVN = binary.LittleEndian.Uint16(data[8:])
	q.PCESVN = binary.LittleEndian.Uint16(data[10:])
	q.XEID = binary.LittleEndian.Uint32(data[12:])
	copy(q.Basename[:], data[16:48])

	body := data[quoteHeaderLen:quoteSigLenOffset]
	copy(q.CPUSVN[:], body[bodyCPUSVNOff:])
	q.MiscSelect = binary.LittleEndian.Uint32(body[bodyMiscSelectOff:])
	copy(q.Attributes[:], body[bodyAttributesOff:])
	copy(q.MREnclave[:], body[bodyMREnclaveOff:])
	copy(q.MRSigner[:], body[bodyMRSignerOff:])
	q.ISVProdID = binary.LittleEndian.Uint16(body[bodyISVProdIDOff:])
	q.ISVSVN = binary.LittleEndian.Uint16(body[bodyISVSVNOff:])
	copy(q.ReportData[:], body[bodyReportDataOff:])

	return nil
}

func parseQuote(data []byte) (*QuoteBody, error) {
	q := new(QuoteBody)
	if err := q.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return q, nil
}

// EnclavePolicy restricts which enclaves a service provider accepts.  Empty
// fields match any enclave.
type EnclavePolicy struct {
	MREnclave []byte
	MRSigner  []byte
	MinISVSVN uint16
}

func (p *EnclavePolicy) check(q *QuoteBody) error {
	if p == nil {
		return nil
	}
	if len(p.MREnclave) > 0 && !secretsEqual(p.MREnclave, q.MREnclave[:]) {
		return fmt.Errorf("%w: MRENCLAVE %x", errPolicyMismatch, q.MREnclave)
	}
	if len(p.MRSigner) > 0 && !secretsEqual(p.MRSigner, q.MRSigner[:]) {
		return fmt.Errorf("%w: MRSIGNER %x", errPolicyMismatch, q.MRSigner)
	}
	if q.ISVSVN < p.MinISVSVN {
		return fmt.Errorf("%w: ISVSVN %d < %d", errPolicyMismatch, q.ISVSVN, p.MinISVSVN)
	}
	return nil
}

// softwareReportIssuer helps with local testing.  It builds reports in
// memory, with the layout that the hardware uses, so that the handshake can
// run on machines without SGX.  The reports prove nothing.
type softwareReportIssuer struct {
	mrEnclave [measurementLen]byte
	mrSigner  [measurementLen]byte
	isvProdID uint16
	isvSVN    uint16
	cpuSVN    [16]byte
}

func newSoftwareReportIssuer() *softwareReportIssuer {
	return &softwareReportIssuer{
		mrEnclave: sha256.Sum256([]byte("epid-ra software enclave")),
		mrSigner:  sha256.Sum256([]byte("epid-ra software signer")),
		isvProdID: 1,
		isvSVN:    1,
	}
}

// IssueReport returns a report that carries data as report data.  The
// report's MAC is keyed with the target's measurement, mimicking how a
// report can only be verified by the enclave it targets.
func (s *softwareReportIssuer) IssueReport(targetInfo []byte, data ReportData) ([]byte, error) {
	if len(targetInfo) != targetInfoLen {
		return nil, errBadTargetInfoLen
	}

	r := make([]byte, reportLen)
	copy(r[bodyCPUSVNOff:], s.cpuSVN[:])
	copy(r[bodyMREnclaveOff:], s.mrEnclave[:])
	copy(r[bodyMRSignerOff:], s.mrSigner[:])
	binary.LittleEndian.PutUint16(r[bodyISVProdIDOff:], s.isvProdID)
	binary.LittleEndian.PutUint16(r[bodyISVSVNOff:], s.isvSVN)
	copy(r[bodyReportDataOff:], data[:])

	mac := cmacAES128(reportKey(targetInfo), r[:reportBodyLen])
	copy(r[reportBodyLen+reportKeyIDLen:], mac[:])
	return r, nil
}

// reportKey derives the key that authenticates reports targeted at the
// given quoting enclave.
func reportKey(targetInfo []byte) Key128 {
	var k Key128
	h := sha256.Sum256(targetInfo[:targetInfoMRELen])
	copy(k[:], h[:])
	return k
}

// softwareQuoter is the counterpart of softwareReportIssuer.  It plays the
// quoting enclave: it checks that a report was targeted at it and wraps the
// report body into an EPID-shaped quote whose "signature" is a hash.
type softwareQuoter struct {
	targetInfo []byte
	gid        [4]byte
}

func newSoftwareQuoter() *softwareQuoter {
	q := &softwareQuoter{targetInfo: make([]byte, targetInfoLen)}
	mr := sha256.Sum256([]byte("epid-ra software quoting enclave"))
	copy(q.targetInfo, mr[:])
	binary.LittleEndian.PutUint32(q.gid[:], defaultSoftwareGID)
	return q
}

func (q *softwareQuoter) InitQuote(ctx context.Context) ([]byte, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return append([]byte(nil), q.targetInfo...), append([]byte(nil), q.gid[:]...), nil
}

func (q *softwareQuoter) GetQuote(ctx context.Context, req *QuoteRequest) ([]byte, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if len(req.Report) != reportLen {
		return nil, nil, errBadReportLen
	}
	var mac Mac
	copy(mac[:], req.Report[reportBodyLen+reportKeyIDLen:])
	if !verifyCMAC(reportKey(q.targetInfo), req.Report[:reportBodyLen], mac) {
		return nil, nil, errBadReportMAC
	}

	quote := make([]byte, quoteMinLen, quoteMinLen+softwareSigLen)
	binary.LittleEndian.PutUint16(quote[0:], quoteVersionEPID)
	binary.LittleEndian.PutUint16(quote[2:], uint16(req.QuoteKind))
	copy(quote[4:8], q.gid[:])
	binary.LittleEndian.PutUint16(quote[8:], softwareQESVN)
	binary.LittleEndian.PutUint16(quote[10:], softwarePCESVN)
	if req.QuoteKind == QuoteLinkable {
		basename := sha256.Sum256(req.SPID[:])
		copy(quote[16:48], basename[:])
	}
	copy(quote[quoteHeaderLen:], req.Report[:reportBodyLen])
	binary.LittleEndian.PutUint32(quote[quoteSigLenOffset:], softwareSigLen)

	h := sha256.New()
	h.Write(quote[:quoteSigLenOffset])
	h.Write(req.SigRL)
	quote = h.Sum(quote)

	// The quoting enclave's report carries SHA-256(nonce || quote) so that
	// the caller can check that the quote is fresh.
	var qeData ReportData
	h.Reset()
	h.Write(req.Nonce)
	h.Write(quote)
	copy(qeData[:], h.Sum(nil))
	qeReport := make([]byte, reportLen)
	copy(qeReport[bodyMREnclaveOff:], q.targetInfo[:targetInfoMRELen])
	copy(qeReport[bodyReportDataOff:], qeData[:])

	return quote, qeReport, nil
}
