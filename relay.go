package epidra

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// RelayAttestation is the untrusted client host between the enclave and the
// service provider.  It forwards messages in stage order and brokers the
// quoting round trip, but it holds no key material and verifies nothing.
type RelayAttestation struct {
	enclave, sp net.Conn
	quoter      Quoter
	metrics     *metrics
	log         *zap.Logger
	targetInfo  []byte
}

type relayStageTwo struct {
	msg2 *MessageTwo
}

// NewRelayAttestation returns the relay role for one session between the
// given enclave and service provider connections.
func NewRelayAttestation(enclave, sp net.Conn, quoter Quoter) *RelayAttestation {
	return &RelayAttestation{
		enclave: enclave,
		sp:      sp,
		quoter:  quoter,
		log:     elog.With(zap.String(labelRole, RoleRelay)),
	}
}

func (r *RelayAttestation) connections() []net.Conn {
	return []net.Conn{r.enclave, r.sp}
}

// StageOne sends messages zero and one to the service provider.
func (r *RelayAttestation) StageOne(ctx context.Context) (struct{}, error) {
	targetInfo, gid, err := r.quoter.InitQuote(ctx)
	if err != nil {
		return struct{}{}, fmt.Errorf("%w: %w: %v", ErrTransport, errQuoting, err)
	}
	r.targetInfo = targetInfo

	msg1 := &MessageOne{GID: gid}
	if err := readRaw(r.enclave, msg1.GA[:]); err != nil {
		return struct{}{}, err
	}
	if err := writeMessage(r.sp, &MessageZero{ExtendedGID: extGIDIntel}); err != nil {
		return struct{}{}, err
	}
	if err := writeMessage(r.sp, msg1); err != nil {
		return struct{}{}, err
	}
	r.log.Debug("Sent messages zero and one.", zap.Stringer("msg1", msg1))
	return struct{}{}, nil
}

// StageTwo forwards message two to the enclave.
func (r *RelayAttestation) StageTwo(ctx context.Context, _ struct{}) (*relayStageTwo, error) {
	msg2 := new(MessageTwo)
	if err := readMessage(r.sp, msg2); err != nil {
		return nil, err
	}
	if err := writeMessage(r.enclave, msg2); err != nil {
		return nil, err
	}
	r.log.Debug("Forwarded message two.")
	return &relayStageTwo{msg2: msg2}, nil
}

// StageThree brokers the quote and forwards message three to the service
// provider.
func (r *RelayAttestation) StageThree(ctx context.Context, in *relayStageTwo) (struct{}, error) {
	if err := r.brokerQuote(ctx, in.msg2); err != nil {
		return struct{}{}, err
	}

	msg3 := new(MessageThree)
	if err := readMessage(r.enclave, msg3); err != nil {
		return struct{}{}, err
	}
	if err := writeMessage(r.sp, msg3); err != nil {
		return struct{}{}, err
	}
	r.log.Debug("Forwarded message three.")
	return struct{}{}, nil
}

func (r *RelayAttestation) brokerQuote(ctx context.Context, msg2 *MessageTwo) error {
	if err := writeVec(r.enclave, r.targetInfo); err != nil {
		return err
	}
	report := make([]byte, reportLen)
	if err := readRaw(r.enclave, report); err != nil {
		return err
	}

	n, err := newNonce()
	if err != nil {
		return err
	}
	quote, qeReport, err := r.quoter.GetQuote(ctx, &QuoteRequest{
		Report:    report,
		QuoteKind: msg2.QuoteKind,
		SPID:      msg2.SPID,
		SigRL:     msg2.SigRL,
		Nonce:     n[:],
	})
	if err != nil {
		return fmt.Errorf("%w: %w: %v", ErrTransport, errQuoting, err)
	}
	r.log.Debug("Obtained quote.", zap.Int("quote_len", len(quote)), zap.Stringer("nonce", &n))

	if err := writeVec(r.enclave, quote); err != nil {
		return err
	}
	return writeVec(r.enclave, qeReport)
}

// StageFour forwards the verdict to the enclave and returns it.
func (r *RelayAttestation) StageFour(ctx context.Context, _ struct{}) (*MessageFour, error) {
	msg4 := new(MessageFour)
	if err := readMessage(r.sp, msg4); err != nil {
		return nil, err
	}
	if err := writeMessage(r.enclave, msg4); err != nil {
		return nil, err
	}
	r.log.Debug("Forwarded message four.",
		zap.Bool("enclave_trusted", msg4.EnclaveTrusted),
		zap.Bool("pse_trusted", msg4.PSETrusted))
	return msg4, nil
}

// Run relays the whole handshake and returns the service provider's
// verdict.
func (r *RelayAttestation) Run(ctx context.Context) (*MessageFour, error) {
	return Attest[struct{}, *relayStageTwo, struct{}, *MessageFour](ctx, RoleRelay, r, r.metrics)
}
