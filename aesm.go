package epidra

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// DefaultAESMSocket is where the SGX platform software's AESM daemon
	// listens.
	DefaultAESMSocket = "/var/run/aesmd/aesm.socket"

	aesmInitQuoteTimeout = time.Second
	aesmGetQuoteTimeout  = 30 * time.Second
	// aesmGrace is added to the timeout that we hand to AESM before we give
	// up on the socket ourselves.
	aesmGrace       = time.Second
	aesmMaxResponse = 1 << 20

	// Size of the quote buffer that AESM fills, without the SigRL
	// dependent part: quote, platform info blob and PSE overhead.
	aesmQuoteBufBase = quoteMinLen + 288 + 12 + 4 + 16 + (352 + 4 + 4) + 128
)

// Field numbers of the AESM request and response messages.
const (
	aesmReqInitQuote protowire.Number = 1
	aesmReqGetQuote  protowire.Number = 2

	aesmInitTimeout protowire.Number = 9

	aesmGetReport    protowire.Number = 1
	aesmGetQuoteType protowire.Number = 2
	aesmGetSPID      protowire.Number = 3
	aesmGetNonce     protowire.Number = 4
	aesmGetSigRL     protowire.Number = 5
	aesmGetBufSize   protowire.Number = 6
	aesmGetQEReport  protowire.Number = 7
	aesmGetTimeout   protowire.Number = 9

	aesmResErrorCode  protowire.Number = 1
	aesmResTargetInfo protowire.Number = 2
	aesmResGID        protowire.Number = 3
	aesmResQuote      protowire.Number = 2
	aesmResQEReport   protowire.Number = 3
)

var (
	errAESMResponse     = errors.New("malformed AESM response")
	errAESMTooLarge     = errors.New("AESM response exceeds size limit")
	errAESMMissingField = errors.New("AESM response lacks expected field")
)

// aesmQuoter implements Quoter by talking to the local AESM daemon.
type aesmQuoter struct {
	path   string
	dialer net.Dialer
}

// NewAESMQuoter returns a Quoter that uses the AESM daemon listening on the
// given unix socket.
func NewAESMQuoter(path string) Quoter {
	if path == "" {
		path = DefaultAESMSocket
	}
	return &aesmQuoter{path: path}
}

// aesmErrorCode is an error that carries AESM's numeric status.
type aesmErrorCode uint64

func (c aesmErrorCode) Error() string {
	return fmt.Sprintf("AESM returned error code %d", uint64(c))
}

func (a *aesmQuoter) InitQuote(ctx context.Context) ([]byte, []byte, error) {
	var inner []byte
	inner = protowire.AppendTag(inner, aesmInitTimeout, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(aesmInitQuoteTimeout.Microseconds()))

	res, err := a.transact(ctx, aesmReqInitQuote, inner, aesmInitQuoteTimeout)
	if err != nil {
		return nil, nil, err
	}
	f, err := parseAESMFields(res)
	if err != nil {
		return nil, nil, err
	}
	if f.errorCode != 0 {
		return nil, nil, f.errorCode
	}
	targetInfo, ok := f.bytes[aesmResTargetInfo]
	if !ok {
		return nil, nil, fmt.Errorf("%w: target info", errAESMMissingField)
	}
	gid, ok := f.bytes[aesmResGID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: gid", errAESMMissingField)
	}
	if len(targetInfo) != targetInfoLen {
		return nil, nil, errBadTargetInfoLen
	}
	return targetInfo, gid, nil
}

func (a *aesmQuoter) GetQuote(ctx context.Context, req *QuoteRequest) ([]byte, []byte, error) {
	var inner []byte
	inner = protowire.AppendTag(inner, aesmGetReport, protowire.BytesType)
	inner = protowire.AppendBytes(inner, req.Report)
	inner = protowire.AppendTag(inner, aesmGetQuoteType, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(req.QuoteKind))
	inner = protowire.AppendTag(inner, aesmGetSPID, protowire.BytesType)
	inner = protowire.AppendBytes(inner, req.SPID[:])
	inner = protowire.AppendTag(inner, aesmGetNonce, protowire.BytesType)
	inner = protowire.AppendBytes(inner, req.Nonce)
	if len(req.SigRL) > 0 {
		inner = protowire.AppendTag(inner, aesmGetSigRL, protowire.BytesType)
		inner = protowire.AppendBytes(inner, req.SigRL)
	}
	inner = protowire.AppendTag(inner, aesmGetBufSize, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(aesmQuoteBufSize(len(req.SigRL))))
	inner = protowire.AppendTag(inner, aesmGetQEReport, protowire.VarintType)
	inner = protowire.AppendVarint(inner, protowire.EncodeBool(true))
	inner = protowire.AppendTag(inner, aesmGetTimeout, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(aesmGetQuoteTimeout.Microseconds()))

	res, err := a.transact(ctx, aesmReqGetQuote, inner, aesmGetQuoteTimeout)
	if err != nil {
		return nil, nil, err
	}
	f, err := parseAESMFields(res)
	if err != nil {
		return nil, nil, err
	}
	if f.errorCode != 0 {
		return nil, nil, f.errorCode
	}
	quote, ok := f.bytes[aesmResQuote]
	if !ok {
		return nil, nil, fmt.Errorf("%w: quote", errAESMMissingField)
	}
	qeReport, ok := f.bytes[aesmResQEReport]
	if !ok {
		return nil, nil, fmt.Errorf("%w: QE report", errAESMMissingField)
	}
	quote, err = trimQuote(quote)
	if err != nil {
		return nil, nil, err
	}
	return quote, qeReport, nil
}

// aesmQuoteBufSize returns how much room AESM needs for a quote given a
// SigRL of the given size.
func aesmQuoteBufSize(sigRLLen int) int {
	return aesmQuoteBufBase + sigRLLen*5/4
}

// trimQuote cuts AESM's zero-padded quote buffer down to the length that
// the quote's signature length field announces.
func trimQuote(quote []byte) ([]byte, error) {
	if len(quote) < quoteMinLen {
		return nil, errQuoteTooShort
	}
	sigLen := int(binary.LittleEndian.Uint32(quote[quoteSigLenOffset:]))
	if sigLen > len(quote)-quoteMinLen {
		return nil, errQuoteTooShort
	}
	return quote[:quoteMinLen+sigLen], nil
}

// transact sends one request, wrapped in the given oneof field of the
// outer request message, and returns the body of the matching response
// field.
func (a *aesmQuoter) transact(
	ctx context.Context,
	field protowire.Number,
	inner []byte,
	timeout time.Duration,
) ([]byte, error) {
	conn, err := a.dialer.DialContext(ctx, "unix", a.path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout + aesmGrace)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	var req []byte
	req = protowire.AppendTag(req, field, protowire.BytesType)
	req = protowire.AppendBytes(req, inner)

	frame := make([]byte, 4, 4+len(req))
	binary.LittleEndian.PutUint32(frame, uint32(len(req)))
	if _, err := conn.Write(append(frame, req...)); err != nil {
		return nil, err
	}

	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > aesmMaxResponse {
		return nil, errAESMTooLarge
	}
	res := make([]byte, n)
	if _, err := io.ReadFull(conn, res); err != nil {
		return nil, err
	}

	return findAESMField(res, field)
}

// findAESMField returns the bytes of the given field in an outer response
// message.
func findAESMField(b []byte, want protowire.Number) ([]byte, error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", errAESMResponse, protowire.ParseError(n))
		}
		b = b[n:]
		if num == want && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", errAESMResponse, protowire.ParseError(n))
			}
			return v, nil
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", errAESMResponse, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil, fmt.Errorf("%w: response field %d", errAESMMissingField, want)
}

type aesmFields struct {
	errorCode aesmErrorCode
	bytes     map[protowire.Number][]byte
}

// parseAESMFields decodes an inner response message.  AESM omits the error
// code when it is the proto2 default, which is 1 (unexpected error), so a
// missing code is not success.
func parseAESMFields(b []byte) (*aesmFields, error) {
	f := &aesmFields{
		errorCode: 1,
		bytes:     make(map[protowire.Number][]byte),
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", errAESMResponse, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == aesmResErrorCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", errAESMResponse, protowire.ParseError(n))
			}
			f.errorCode = aesmErrorCode(v)
			b = b[n:]
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", errAESMResponse, protowire.ParseError(n))
			}
			f.bytes[num] = v
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", errAESMResponse, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return f, nil
}
