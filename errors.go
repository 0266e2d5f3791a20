package epidra

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// The four error classes of a handshake.  All of them are terminal for the
// session that produced them; callers tell them apart with errors.Is.
var (
	ErrTransport  = errors.New("transport failure")
	ErrDecoding   = errors.New("malformed message")
	ErrValidation = errors.New("attestation verification failed")
	ErrAuthority  = errors.New("verification authority failure")
)

var (
	errNotEnoughRead     = errors.New("failed to read enough random bytes")
	errDegenerateSecret  = errors.New("key agreement produced a degenerate secret")
	errExtGIDUnsupported = errors.New("only extended group ID 0 is supported")
	errQuoting           = errors.New("quoting service failed")
	errBadReportLen      = errors.New("report has unexpected length")
	errBadTargetInfoLen  = errors.New("target info has unexpected length")
)

// Names of the checks whose failure maps to ErrValidation.  They label the
// validation failure counter and debug logs but are never sent to a peer.
const (
	checkDegenerateSecret = "degenerate_secret"
	checkSharedSecret     = "shared_secret"
	checkMsg2MAC          = "msg2_mac"
	checkKDFID            = "kdf_id"
	checkVerdict          = "verdict"
	checkIdentity         = "identity"
	checkMsg3MAC          = "msg3_mac"
	checkReportData       = "report_data"
	checkAuthority        = "authority_verdict"
	checkQuoteBody        = "quote_body"
	checkPolicy           = "enclave_policy"
)

func transportErr(err error) error {
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

func decodingErr(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrDecoding, fmt.Sprintf(format, a...))
}

// reject records the failed check locally and returns the uniform
// validation error.
func reject(m *metrics, log *zap.Logger, check string) error {
	m.validationFailed(check)
	log.Debug("Rejecting handshake.", zap.String("check", check))
	return ErrValidation
}
