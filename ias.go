package epidra

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// IASDevURL and IASProdURL are the base URLs of version 4 of the Intel
	// Attestation Service API.
	IASDevURL  = "https://api.trustedservices.intel.com/sgx/dev/attestation/v4"
	IASProdURL = "https://api.trustedservices.intel.com/sgx/attestation/v4"

	pathSigRL  = "/sigrl/"
	pathReport = "/report"

	endpointSigRL  = "sigrl"
	endpointReport = "report"

	headerSubscriptionKey = "Ocp-Apim-Subscription-Key"
	headerSignature       = "X-IASReport-Signature"
	headerSigningCert     = "X-IASReport-Signing-Certificate"

	quoteStatusOK           = "OK"
	defaultAuthorityTimeout = 30 * time.Second
	maxAuthorityBody        = 1 << 20
)

var (
	errNoSignature      = errors.New("report carries no signature")
	errNoCertificates   = errors.New("report carries no signing certificate")
	errBadChain         = errors.New("signing certificate does not chain to pinned root")
	errBadSignature     = errors.New("report signature is invalid")
	errQuoteStatus      = errors.New("quote status not accepted")
	errQuoteBodyDiffers = errors.New("report refers to a different quote")
	errMissingRootCA    = errors.New("verification authority needs a pinned root certificate")
	errMissingAPIKey    = errors.New("verification authority needs an API key")
)

// VerificationAuthority is the remote service that vouches for quotes.
type VerificationAuthority interface {
	// SigRL returns the signature revocation list of the given EPID group.
	// The list may be empty.
	SigRL(ctx context.Context, gid []byte) ([]byte, error)
	// VerifyQuote submits the quote and returns the authority's verdict
	// after checking its signature.
	VerifyQuote(ctx context.Context, quote []byte) (*AttestationReport, error)
}

// AttestationReport is the verdict of the Intel Attestation Service.
type AttestationReport struct {
	ID                    string   `json:"id"`
	Timestamp             string   `json:"timestamp"`
	Version               int      `json:"version"`
	ISVEnclaveQuoteStatus string   `json:"isvEnclaveQuoteStatus"`
	ISVEnclaveQuoteBody   string   `json:"isvEnclaveQuoteBody"`
	RevocationReason      *int     `json:"revocationReason,omitempty"`
	PSEManifestStatus     string   `json:"pseManifestStatus,omitempty"`
	PSEManifestHash       string   `json:"pseManifestHash,omitempty"`
	PlatformInfoBlob      string   `json:"platformInfoBlob,omitempty"`
	Nonce                 string   `json:"nonce,omitempty"`
	EPIDPseudonym         string   `json:"epidPseudonym,omitempty"`
	AdvisoryURL           string   `json:"advisoryURL,omitempty"`
	AdvisoryIDs           []string `json:"advisoryIDs,omitempty"`
}

type reportRequest struct {
	ISVEnclaveQuote string `json:"isvEnclaveQuote"`
	Nonce           string `json:"nonce,omitempty"`
}

// IASConfig configures an IASClient.
type IASConfig struct {
	// BaseURL points to the API, e.g. IASDevURL.
	BaseURL string

	// APIKey is the subscription key that authenticates us to the service.
	APIKey string

	// RootCA is the pinned root of the report signing certificate chain.
	RootCA *x509.Certificate

	// AcceptedStatuses lists the quote statuses that count as trusted.  It
	// defaults to "OK" only.
	AcceptedStatuses []string

	// Timeout bounds each request.  It defaults to 30 seconds.
	Timeout time.Duration

	// RequestsPerSecond limits how fast we talk to the service.  Zero means
	// no limit.
	RequestsPerSecond float64

	// HTTPClient is optional and mostly useful for testing.
	HTTPClient *http.Client
}

// IASClient talks to the Intel Attestation Service.
type IASClient struct {
	cfg      IASConfig
	roots    *x509.CertPool
	accepted map[string]bool
	limiter  *rate.Limiter
	client   *http.Client
	metrics  *metrics
	now      func() time.Time
}

// NewIASClient returns a client for the given configuration.
func NewIASClient(cfg *IASConfig) (*IASClient, error) {
	if cfg.RootCA == nil {
		return nil, errMissingRootCA
	}
	if cfg.APIKey == "" {
		return nil, errMissingAPIKey
	}

	c := &IASClient{
		cfg:      *cfg,
		roots:    x509.NewCertPool(),
		accepted: make(map[string]bool),
		limiter:  rate.NewLimiter(rate.Inf, 1),
		client:   cfg.HTTPClient,
		now:      time.Now,
	}
	c.roots.AddCert(cfg.RootCA)
	if c.cfg.BaseURL == "" {
		c.cfg.BaseURL = IASDevURL
	}
	if c.cfg.Timeout == 0 {
		c.cfg.Timeout = defaultAuthorityTimeout
	}
	if len(c.cfg.AcceptedStatuses) == 0 {
		c.cfg.AcceptedStatuses = []string{quoteStatusOK}
	}
	for _, s := range c.cfg.AcceptedStatuses {
		c.accepted[s] = true
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if c.client == nil {
		c.client = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		}
	}
	return c, nil
}

// SigRL fetches the signature revocation list for the given group.  The
// service returns it Base64-encoded; we return the raw list.
func (c *IASClient) SigRL(ctx context.Context, gid []byte) ([]byte, error) {
	body, _, err := c.do(ctx, endpointSigRL, http.MethodGet,
		c.cfg.BaseURL+pathSigRL+hex.EncodeToString(gid), nil)
	if err != nil {
		return nil, err
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	sigRL, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: SigRL is not Base64: %v", ErrAuthority, err)
	}
	return sigRL, nil
}

// VerifyQuote submits the quote and verifies the signed report that comes
// back.  Problems with the report itself map to ErrValidation; problems
// reaching the service map to ErrAuthority.
func (c *IASClient) VerifyQuote(ctx context.Context, quote []byte) (*AttestationReport, error) {
	reqBody, err := json.Marshal(reportRequest{
		ISVEnclaveQuote: base64.StdEncoding.EncodeToString(quote),
	})
	if err != nil {
		return nil, err
	}
	body, header, err := c.do(ctx, endpointReport, http.MethodPost,
		c.cfg.BaseURL+pathReport, reqBody)
	if err != nil {
		return nil, err
	}

	if err := c.verifySignature(body, header); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	report := new(AttestationReport)
	if err := json.Unmarshal(body, report); err != nil {
		return nil, fmt.Errorf("%w: malformed report: %v", ErrAuthority, err)
	}
	if err := c.checkReport(report, quote); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return report, nil
}

func (c *IASClient) do(
	ctx context.Context,
	endpoint, method, target string,
	body []byte,
) ([]byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrAuthority, err)
	}

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrAuthority, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSubscriptionKey, c.cfg.APIKey)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.authorityRequest(endpoint, 0, start)
		return nil, nil, fmt.Errorf("%w: %v", ErrAuthority, err)
	}
	defer resp.Body.Close()
	c.metrics.authorityRequest(endpoint, resp.StatusCode, start)

	if resp.StatusCode != http.StatusOK {
		elog.Warn("Verification authority returned error.",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.String("request_id", resp.Header.Get("Request-ID")))
		return nil, nil, fmt.Errorf("%w: %s returned status %d",
			ErrAuthority, endpoint, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxAuthorityBody))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrAuthority, err)
	}
	return b, resp.Header, nil
}

// verifySignature checks that the report body was signed by a certificate
// that chains to our pinned root.
func (c *IASClient) verifySignature(body []byte, header http.Header) error {
	sig, err := base64.StdEncoding.DecodeString(header.Get(headerSignature))
	if err != nil || len(sig) == 0 {
		return errNoSignature
	}
	leaf, err := c.verifyChain(header.Get(headerSigningCert))
	if err != nil {
		return err
	}
	if err := leaf.CheckSignature(x509.SHA256WithRSA, body, sig); err != nil {
		return errBadSignature
	}
	return nil
}

// verifyChain parses the percent-encoded PEM chain and returns its leaf if
// the leaf chains to the pinned root.
func (c *IASClient) verifyChain(encoded string) (*x509.Certificate, error) {
	decoded, err := url.PathUnescape(encoded)
	if err != nil {
		return nil, errNoCertificates
	}
	certs, err := parsePEMCertificates([]byte(decoded))
	if err != nil || len(certs) == 0 {
		return nil, errNoCertificates
	}

	var leaf *x509.Certificate
	intermediates := x509.NewCertPool()
	for _, cert := range certs {
		if cert.Equal(c.cfg.RootCA) {
			continue
		}
		if leaf == nil {
			leaf = cert
		} else {
			intermediates.AddCert(cert)
		}
	}
	if leaf == nil {
		return nil, errNoCertificates
	}

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         c.roots,
		Intermediates: intermediates,
		CurrentTime:   c.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadChain, err)
	}
	return leaf, nil
}

// checkReport makes sure that the verdict is positive and that it refers to
// the quote we submitted.
func (c *IASClient) checkReport(report *AttestationReport, quote []byte) error {
	if !c.accepted[report.ISVEnclaveQuoteStatus] {
		return fmt.Errorf("%w: %s", errQuoteStatus, report.ISVEnclaveQuoteStatus)
	}
	body, err := base64.StdEncoding.DecodeString(report.ISVEnclaveQuoteBody)
	if err != nil || len(quote) < quoteSigLenOffset || !bytes.Equal(body, quote[:quoteSigLenOffset]) {
		return errQuoteBodyDiffers
	}
	return nil
}

// parsePEMCertificates returns all certificates in the given PEM data.
func parsePEMCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
