package epidra

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// SPConfig holds what a service provider needs for every session.  It is
// shared read-only across sessions.
type SPConfig struct {
	Authority VerificationAuthority
	SPID      Spid
	QuoteKind uint32
	// Policy is optional; nil accepts any enclave that the authority
	// vouches for.
	Policy *EnclavePolicy
	// Log is optional and records every enclave that we accepted.
	Log transparencyLog
}

// SPResult is the outcome of a successful handshake on the service
// provider's side.
type SPResult struct {
	Keys
	Report     *AttestationReport
	Quote      *QuoteBody
	PSETrusted bool
}

// ServiceProviderAttestation is the service provider's side of the
// handshake.
type ServiceProviderAttestation struct {
	conn    net.Conn
	cfg     *SPConfig
	metrics *metrics
	log     *zap.Logger
	keyPair *keyPair
	keys    *sessionKeys
}

type spStageOne struct {
	msg0 *MessageZero
	msg1 *MessageOne
}

type spStageTwo struct {
	msg1 *MessageOne
	msg2 *MessageTwo
}

type spStageThree struct {
	msg1 *MessageOne
	msg2 *MessageTwo
	msg3 *MessageThree
}

// NewServiceProviderAttestation returns the service provider role for one
// session over conn.
func NewServiceProviderAttestation(conn net.Conn, cfg *SPConfig) *ServiceProviderAttestation {
	return &ServiceProviderAttestation{
		conn: conn,
		cfg:  cfg,
		log:  elog.With(zap.String(labelRole, RoleServiceProvider)),
	}
}

func (s *ServiceProviderAttestation) connections() []net.Conn {
	return []net.Conn{s.conn}
}

func (s *ServiceProviderAttestation) destroy() {
	s.keyPair.destroy()
	s.keys.destroy()
}

// StageOne reads messages zero and one.
func (s *ServiceProviderAttestation) StageOne(ctx context.Context) (*spStageOne, error) {
	in := &spStageOne{msg0: new(MessageZero), msg1: new(MessageOne)}
	if err := readMessage(s.conn, in.msg0); err != nil {
		return nil, err
	}
	if in.msg0.ExtendedGID != extGIDIntel {
		return nil, fmt.Errorf("%w: %w: got %d", ErrDecoding, errExtGIDUnsupported, in.msg0.ExtendedGID)
	}
	if err := readMessage(s.conn, in.msg1); err != nil {
		return nil, err
	}
	s.log.Debug("Received messages zero and one.", zap.Stringer("msg1", in.msg1))
	return in, nil
}

// StageTwo fetches the group's revocation list, agrees on a shared secret
// and sends message two.
func (s *ServiceProviderAttestation) StageTwo(ctx context.Context, in *spStageOne) (*spStageTwo, error) {
	sigRL, err := s.cfg.Authority.SigRL(ctx, in.msg1.GID)
	if err != nil {
		return nil, err
	}

	kp, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	s.keyPair = kp
	secret, err := kp.agree(in.msg1.GA)
	if err != nil {
		return nil, reject(s.metrics, s.log, checkDegenerateSecret)
	}
	defer zero(secret[:])
	s.keys = deriveSessionKeys(secret)

	msg2 := newMessageTwo(secret, kp.public, s.cfg.QuoteKind, sigRL, s.cfg.SPID, s.keys.smk)
	if err := writeMessage(s.conn, msg2); err != nil {
		return nil, err
	}
	s.log.Debug("Sent message two.", zap.Int("sig_rl_len", len(sigRL)))
	return &spStageTwo{msg1: in.msg1, msg2: msg2}, nil
}

// StageThree reads message three.
func (s *ServiceProviderAttestation) StageThree(ctx context.Context, in *spStageTwo) (*spStageThree, error) {
	msg3 := new(MessageThree)
	if err := readMessage(s.conn, msg3); err != nil {
		return nil, err
	}
	s.log.Debug("Received message three.", zap.Int("quote_len", len(msg3.Quote)))
	return &spStageThree{msg1: in.msg1, msg2: in.msg2, msg3: msg3}, nil
}

// StageFour validates message three and the quote it carries, asks the
// authority for its verdict, and sends message four.  The order of checks
// matters: cheap local checks run before we contact the authority.
func (s *ServiceProviderAttestation) StageFour(ctx context.Context, in *spStageThree) (*SPResult, error) {
	if !secretsEqual(in.msg1.GA[:], in.msg3.GA[:]) {
		return nil, reject(s.metrics, s.log, checkIdentity)
	}
	if !in.msg3.verify(s.keys.smk) {
		return nil, reject(s.metrics, s.log, checkMsg3MAC)
	}
	manifest := newQuoteManifest(in.msg3.GA, in.msg2.GB, s.keys.vk)
	if !manifest.matches(in.msg3.Quote) {
		return nil, reject(s.metrics, s.log, checkReportData)
	}

	report, err := s.cfg.Authority.VerifyQuote(ctx, in.msg3.Quote)
	if errors.Is(err, ErrValidation) {
		s.log.Debug("Authority rejected quote.", zap.Error(err))
		return nil, reject(s.metrics, s.log, checkAuthority)
	} else if err != nil {
		return nil, err
	}

	body, err := parseQuote(in.msg3.Quote)
	if err != nil {
		return nil, reject(s.metrics, s.log, checkQuoteBody)
	}
	s.log.Info("Authority vouched for enclave.",
		zap.String("report_id", report.ID),
		zap.String("quote_status", report.ISVEnclaveQuoteStatus),
		zap.Binary("mrsigner", body.MRSigner[:]),
		zap.Binary("mrenclave", body.MREnclave[:]),
		zap.Binary("cpusvn", body.CPUSVN[:]),
		zap.Uint16("isvsvn", body.ISVSVN))
	if err := s.cfg.Policy.check(body); err != nil {
		s.log.Debug("Enclave violates policy.", zap.Error(err))
		return nil, reject(s.metrics, s.log, checkPolicy)
	}

	msg4 := &MessageFour{
		EnclaveTrusted: true,
		PSETrusted:     report.PSEManifestStatus == quoteStatusOK,
	}
	if err := writeMessage(s.conn, msg4); err != nil {
		return nil, err
	}
	if s.cfg.Log != nil {
		if err := s.cfg.Log.append(newAttestationRecord(body, report)); err != nil {
			s.log.Warn("Failed to record attestation.", zap.Error(err))
		}
	}

	return &SPResult{
		Keys:       s.keys.output(),
		Report:     report,
		Quote:      body,
		PSETrusted: msg4.PSETrusted,
	}, nil
}

// Run performs the whole handshake and returns its outcome.
func (s *ServiceProviderAttestation) Run(ctx context.Context) (*SPResult, error) {
	return Attest[*spStageOne, *spStageTwo, *spStageThree, *SPResult](ctx, RoleServiceProvider, s, s.metrics)
}
