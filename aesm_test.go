package epidra

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// fakeAESM answers AESM requests on a unix socket with the help of the
// software quoter.
type fakeAESM struct {
	ln        net.Listener
	quoter    *softwareQuoter
	errorCode uint64
	padding   int
	requests  chan map[protowire.Number][]byte
}

func newFakeAESM(t *testing.T, errorCode uint64) *fakeAESM {
	t.Helper()
	ln, err := net.Listen("unix", filepath.Join(t.TempDir(), "aesm.socket"))
	require.NoError(t, err)
	f := &fakeAESM{
		ln:        ln,
		quoter:    newSoftwareQuoter(),
		errorCode: errorCode,
		padding:   64,
		requests:  make(chan map[protowire.Number][]byte, 10),
	}
	t.Cleanup(func() { ln.Close() })
	go f.serve()
	return f
}

func (f *fakeAESM) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.handle(conn)
		conn.Close()
	}
}

func (f *fakeAESM) handle(conn net.Conn) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return
	}
	req := make([]byte, binary.LittleEndian.Uint32(hdr[:]))
	if _, err := io.ReadFull(conn, req); err != nil {
		return
	}

	num, _, n := protowire.ConsumeTag(req)
	inner, _ := protowire.ConsumeBytes(req[n:])
	fields := make(map[protowire.Number][]byte)
	for b := inner; len(b) > 0; {
		fnum, typ, n := protowire.ConsumeTag(b)
		b = b[n:]
		if typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			fields[fnum] = v
			b = b[n:]
		} else {
			v, n := protowire.ConsumeVarint(b)
			fields[fnum] = protowire.AppendVarint(nil, v)
			b = b[n:]
		}
	}
	f.requests <- fields

	var res []byte
	if f.errorCode != 0 {
		res = protowire.AppendTag(res, aesmResErrorCode, protowire.VarintType)
		res = protowire.AppendVarint(res, f.errorCode)
	} else {
		res = protowire.AppendTag(res, aesmResErrorCode, protowire.VarintType)
		res = protowire.AppendVarint(res, 0)
		switch num {
		case aesmReqInitQuote:
			targetInfo, gid, _ := f.quoter.InitQuote(context.Background())
			res = protowire.AppendTag(res, aesmResTargetInfo, protowire.BytesType)
			res = protowire.AppendBytes(res, targetInfo)
			res = protowire.AppendTag(res, aesmResGID, protowire.BytesType)
			res = protowire.AppendBytes(res, gid)
		case aesmReqGetQuote:
			var spid Spid
			copy(spid[:], fields[aesmGetSPID])
			kind, _ := protowire.ConsumeVarint(fields[aesmGetQuoteType])
			quote, qeReport, err := f.quoter.GetQuote(context.Background(), &QuoteRequest{
				Report:    fields[aesmGetReport],
				QuoteKind: uint32(kind),
				SPID:      spid,
				SigRL:     fields[aesmGetSigRL],
				Nonce:     fields[aesmGetNonce],
			})
			if err != nil {
				return
			}
			// AESM hands back the whole buffer, padded with zeroes.
			quote = append(quote, make([]byte, f.padding)...)
			res = protowire.AppendTag(res, aesmResQuote, protowire.BytesType)
			res = protowire.AppendBytes(res, quote)
			res = protowire.AppendTag(res, aesmResQEReport, protowire.BytesType)
			res = protowire.AppendBytes(res, qeReport)
		}
	}

	var out []byte
	out = protowire.AppendTag(out, num, protowire.BytesType)
	out = protowire.AppendBytes(out, res)
	frame := binary.LittleEndian.AppendUint32(nil, uint32(len(out)))
	conn.Write(append(frame, out...))
}

func TestAESMQuoter(t *testing.T) {
	f := newFakeAESM(t, 0)
	q := NewAESMQuoter(f.ln.Addr().String())
	ctx := context.Background()

	targetInfo, gid, err := q.InitQuote(ctx)
	require.NoError(t, err)
	require.Len(t, targetInfo, targetInfoLen)
	require.Len(t, gid, 4)
	initReq := <-f.requests
	timeout, _ := protowire.ConsumeVarint(initReq[aesmInitTimeout])
	require.Equal(t, uint64(aesmInitQuoteTimeout.Microseconds()), timeout)

	report, err := newSoftwareReportIssuer().IssueReport(targetInfo, ReportData{7})
	require.NoError(t, err)
	sigRL := []byte("some revocation list")
	quote, qeReport, err := q.GetQuote(ctx, &QuoteRequest{
		Report:    report,
		QuoteKind: QuoteLinkable,
		SPID:      testSPID(),
		SigRL:     sigRL,
		Nonce:     make([]byte, quoteNonceLen),
	})
	require.NoError(t, err)
	require.Len(t, qeReport, reportLen)
	// The zero padding is gone.
	require.Len(t, quote, quoteMinLen+softwareSigLen)
	require.Equal(t, byte(7), quote[reportDataOffset])

	getReq := <-f.requests
	spid := testSPID()
	require.Equal(t, spid[:], getReq[aesmGetSPID])
	require.Equal(t, sigRL, getReq[aesmGetSigRL])
	bufSize, _ := protowire.ConsumeVarint(getReq[aesmGetBufSize])
	require.Equal(t, uint64(aesmQuoteBufSize(len(sigRL))), bufSize)
	qeFlag, _ := protowire.ConsumeVarint(getReq[aesmGetQEReport])
	require.Equal(t, uint64(1), qeFlag)
}

func TestAESMQuoterErrorCode(t *testing.T) {
	f := newFakeAESM(t, 42)
	q := NewAESMQuoter(f.ln.Addr().String())

	_, _, err := q.InitQuote(context.Background())
	require.Equal(t, aesmErrorCode(42), err)
}

func TestAESMMissingErrorCodeIsFailure(t *testing.T) {
	var inner []byte
	inner = protowire.AppendTag(inner, aesmResTargetInfo, protowire.BytesType)
	inner = protowire.AppendBytes(inner, make([]byte, targetInfoLen))
	f, err := parseAESMFields(inner)
	require.NoError(t, err)
	require.Equal(t, aesmErrorCode(1), f.errorCode)

	_, err = parseAESMFields([]byte{0xff})
	require.ErrorIs(t, err, errAESMResponse)

	_, err = findAESMField(inner, aesmReqInitQuote)
	require.ErrorIs(t, err, errAESMMissingField)
}

func TestAESMQuoterUnreachable(t *testing.T) {
	q := NewAESMQuoter(filepath.Join(t.TempDir(), "missing.socket"))
	_, _, err := q.InitQuote(context.Background())
	require.Error(t, err)
}
