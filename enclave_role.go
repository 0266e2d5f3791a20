package epidra

import (
	"context"
	"net"

	"go.uber.org/zap"
)

// EnclaveAttestation is the enclave's side of the handshake.  It talks to
// the relay over a single connection, which also carries the quoting round
// trip.
type EnclaveAttestation struct {
	conn     net.Conn
	reporter ReportIssuer
	metrics  *metrics
	log      *zap.Logger
	keyPair  *keyPair
	keys     *sessionKeys
}

type enclaveStageTwo struct {
	msg2 *MessageTwo
}

// NewEnclaveAttestation returns the enclave role for one session over conn.
func NewEnclaveAttestation(conn net.Conn, reporter ReportIssuer) *EnclaveAttestation {
	return &EnclaveAttestation{
		conn:     conn,
		reporter: reporter,
		log:      elog.With(zap.String(labelRole, RoleEnclave)),
	}
}

func (e *EnclaveAttestation) connections() []net.Conn {
	return []net.Conn{e.conn}
}

func (e *EnclaveAttestation) destroy() {
	e.keyPair.destroy()
	e.keys.destroy()
}

// StageOne generates the session's ephemeral key pair and sends the public
// key to the relay.
func (e *EnclaveAttestation) StageOne(ctx context.Context) (PublicKey, error) {
	kp, err := newKeyPair()
	if err != nil {
		return PublicKey{}, err
	}
	e.keyPair = kp

	if err := writeRaw(e.conn, kp.public[:]); err != nil {
		return PublicKey{}, err
	}
	e.log.Debug("Sent ephemeral public key.")
	return kp.public, nil
}

// StageTwo reads message two, checks the service provider's claimed shared
// secret against our own, and authenticates the message.
func (e *EnclaveAttestation) StageTwo(ctx context.Context, ga PublicKey) (*enclaveStageTwo, error) {
	msg2 := new(MessageTwo)
	if err := readMessage(e.conn, msg2); err != nil {
		return nil, err
	}

	secret, err := e.keyPair.agree(msg2.GB)
	if err != nil {
		return nil, reject(e.metrics, e.log, checkDegenerateSecret)
	}
	defer zero(secret[:])
	// g_ab is not signed by the service provider, so this comparison only
	// catches accidental mismatches.
	if !secretsEqual(secret[:], msg2.GAB[:]) {
		return nil, reject(e.metrics, e.log, checkSharedSecret)
	}

	e.keys = deriveSessionKeys(secret)
	if !msg2.verify(e.keys.smk) {
		return nil, reject(e.metrics, e.log, checkMsg2MAC)
	}
	if msg2.KDFID != kdfIDCMAC {
		return nil, reject(e.metrics, e.log, checkKDFID)
	}
	e.log.Debug("Verified message two.",
		zap.Uint32("quote_kind", msg2.QuoteKind),
		zap.Int("sig_rl_len", len(msg2.SigRL)))

	return &enclaveStageTwo{msg2: msg2}, nil
}

// StageThree obtains a quote over the manifest and sends message three.
func (e *EnclaveAttestation) StageThree(ctx context.Context, in *enclaveStageTwo) (struct{}, error) {
	manifest := newQuoteManifest(e.keyPair.public, in.msg2.GB, e.keys.vk)
	quote, err := e.quote(ReportData(manifest))
	if err != nil {
		return struct{}{}, err
	}

	msg3 := newMessageThree(e.keyPair.public, nil, quote, e.keys.smk)
	if err := writeMessage(e.conn, msg3); err != nil {
		return struct{}{}, err
	}
	e.log.Debug("Sent message three.", zap.Int("quote_len", len(quote)))
	return struct{}{}, nil
}

// quote runs the quoting round trip through the relay: the relay sends the
// quoting enclave's target info, we answer with a report, and the relay
// returns the quote and the quoting enclave's report.
func (e *EnclaveAttestation) quote(data ReportData) ([]byte, error) {
	targetInfo, err := readVec(e.conn)
	if err != nil {
		return nil, err
	}
	report, err := e.reporter.IssueReport(targetInfo, data)
	if err != nil {
		return nil, err
	}
	if err := writeRaw(e.conn, report); err != nil {
		return nil, err
	}

	quote, err := readVec(e.conn)
	if err != nil {
		return nil, err
	}
	if _, err := readVec(e.conn); err != nil {
		return nil, err
	}
	return quote, nil
}

// StageFour reads the verdict and releases the session keys.
func (e *EnclaveAttestation) StageFour(ctx context.Context, _ struct{}) (Keys, error) {
	msg4 := new(MessageFour)
	if err := readMessage(e.conn, msg4); err != nil {
		return Keys{}, err
	}
	if !msg4.EnclaveTrusted {
		return Keys{}, reject(e.metrics, e.log, checkVerdict)
	}
	e.log.Debug("Service provider trusts us.", zap.Bool("pse_trusted", msg4.PSETrusted))
	return e.keys.output(), nil
}

// Run performs the whole handshake and returns the session keys.
func (e *EnclaveAttestation) Run(ctx context.Context) (Keys, error) {
	return Attest[PublicKey, *enclaveStageTwo, struct{}, Keys](ctx, RoleEnclave, e, e.metrics)
}
