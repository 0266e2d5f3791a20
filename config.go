package epidra

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultHandshakeTimeout = time.Minute
	defaultLogSize          = 1000
	envPrefix               = "EPIDRA"
	credAPIKey              = "ias-api-key"
	credSPID                = "spid"
	maskedSecret            = "********"
)

var (
	errCfgMissingRole      = errors.New("given config is missing role")
	errCfgBadRole          = errors.New("given config has unknown role")
	errCfgMissingAddr      = errors.New("given config is missing address")
	errCfgMissingAPIKey    = errors.New("given config is missing IAS API key")
	errCfgMissingRootCA    = errors.New("given config is missing IAS root certificate")
	errCfgMissingSPID      = errors.New("given config is missing SPID")
	errCfgBadQuoteKind     = errors.New("given config has invalid quote kind")
	errCfgNeedsDebug       = errors.New("software quoting requires debug mode")
	errCfgBadMeasurement   = errors.New("measurement must be 32 hex-encoded bytes")
	errCfgBadSPID          = errors.New("SPID must be 16 hex-encoded bytes")
	errCfgNoCertificate    = errors.New("file contains no PEM certificate")
	errCfgCredentialsFile  = errors.New("failed to read credentials file")
	errCfgUnsupportedVsock = errors.New("VSOCK is only supported between enclave and relay")
)

// Config represents the configuration of the attestation daemon.
type Config struct {
	// Role determines which side of the handshake we play: RoleEnclave,
	// RoleRelay, or RoleServiceProvider.  This field is required.
	Role string

	// ListenAddr is the TCP address that the enclave and the service
	// provider accept handshakes on, e.g. ":7000".  It is required for
	// both roles unless the enclave listens on VSOCK.
	ListenAddr string

	// UseVsock makes the enclave listen on, and the relay dial, VSOCK
	// instead of TCP.  VsockPort is the port on either side; EnclaveCID is
	// the context ID that the relay dials.
	UseVsock   bool
	VsockPort  uint32
	EnclaveCID uint32

	// EnclaveAddr and SPAddr are the TCP addresses that the relay dials.
	EnclaveAddr string
	SPAddr      string

	// AESMSocket is the unix socket of the AESM daemon.  Only the relay
	// needs it, and only when Debug is not set.
	AESMSocket string

	// IASURL is the base URL of the attestation service, e.g. IASDevURL.
	IASURL string

	// IASAPIKey is the subscription key.  It is a secret and is therefore
	// only read from the credentials file or the environment.
	IASAPIKey string

	// SPID is the service provider ID that Intel assigned to us.  Like the
	// API key, it comes from the credentials.
	SPID Spid `json:"-"`

	// IASRootCAPath points to a PEM file with the root certificate that the
	// service's report signing certificate must chain to.
	IASRootCAPath string

	// AcceptedStatuses lists the quote statuses that we trust.  Defaults to
	// "OK".
	AcceptedStatuses []string

	// AuthorityRPS rate-limits requests to the attestation service.  Zero
	// disables the limit.
	AuthorityRPS float64

	// QuoteKind is QuoteUnlinkable or QuoteLinkable and has to match what
	// Intel registered for our SPID.
	QuoteKind uint32

	// MREnclave and MRSigner are optional hex-encoded measurements that
	// accepted enclaves must match.  MinISVSVN is the minimum security
	// version.
	MREnclave string
	MRSigner  string
	MinISVSVN uint16

	// RedisAddr makes the service provider keep SigRLs in Redis instead of
	// memory, so that several instances share them.
	RedisAddr string

	// SigRLCacheTTL determines how long SigRLs are cached.
	SigRLCacheTTL time.Duration

	// LogSize is the number of accepted attestations that the service
	// provider keeps for its status endpoint.
	LogSize int

	// HandshakeTimeout bounds a whole handshake.  Defaults to one minute.
	HandshakeTimeout time.Duration

	// StatusPort is the TCP port of the Web server that exposes Prometheus
	// metrics and the status endpoints.  Zero disables it.
	StatusPort uint16

	// PrometheusNamespace specifies the namespace for exported Prometheus
	// metrics.
	PrometheusNamespace string

	// FdCur and FdMax set the soft and hard resource limit, respectively.
	// The default for both variables is 65536.
	FdCur uint64
	FdMax uint64

	// Debug enables verbose logging and software quoting.  Software quotes
	// prove nothing, so never set this in production.
	Debug bool
}

// Validate returns an error if required fields in the config are not set.
func (c *Config) Validate() error {
	switch c.Role {
	case "":
		return errCfgMissingRole
	case RoleEnclave:
		if !c.Debug {
			return errCfgNeedsDebug
		}
		if c.ListenAddr == "" && !c.UseVsock {
			return errCfgMissingAddr
		}
	case RoleRelay:
		if c.SPAddr == "" || (c.EnclaveAddr == "" && !c.UseVsock) {
			return errCfgMissingAddr
		}
	case RoleServiceProvider:
		if c.UseVsock {
			return errCfgUnsupportedVsock
		}
		if c.ListenAddr == "" {
			return errCfgMissingAddr
		}
		if c.IASAPIKey == "" {
			return errCfgMissingAPIKey
		}
		if c.IASRootCAPath == "" {
			return errCfgMissingRootCA
		}
		if c.SPID == (Spid{}) {
			return errCfgMissingSPID
		}
		if c.QuoteKind != QuoteUnlinkable && c.QuoteKind != QuoteLinkable {
			return errCfgBadQuoteKind
		}
		if _, err := c.policy(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", errCfgBadRole, c.Role)
	}
	return nil
}

// String returns a string representation of the daemon's configuration
// with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.IASAPIKey != "" {
		masked.IASAPIKey = maskedSecret
	}
	s, err := json.MarshalIndent(&masked, "", "  ")
	if err != nil {
		return "failed to marshal daemon config"
	}
	return string(s)
}

func (c *Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout == 0 {
		return defaultHandshakeTimeout
	}
	return c.HandshakeTimeout
}

func (c *Config) sigRLCacheTTL() time.Duration {
	if c.SigRLCacheTTL == 0 {
		return defaultSigRLTTL
	}
	return c.SigRLCacheTTL
}

func (c *Config) logSize() int {
	if c.LogSize <= 0 {
		return defaultLogSize
	}
	return c.LogSize
}

// policy turns the configured measurements into an EnclavePolicy.  It
// returns nil if the config restricts nothing.
func (c *Config) policy() (*EnclavePolicy, error) {
	if c.MREnclave == "" && c.MRSigner == "" && c.MinISVSVN == 0 {
		return nil, nil
	}
	p := &EnclavePolicy{MinISVSVN: c.MinISVSVN}
	var err error
	if p.MREnclave, err = parseMeasurement(c.MREnclave); err != nil {
		return nil, err
	}
	if p.MRSigner, err = parseMeasurement(c.MRSigner); err != nil {
		return nil, err
	}
	return p, nil
}

func parseMeasurement(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != measurementLen {
		return nil, errCfgBadMeasurement
	}
	return b, nil
}

// ParseSPID decodes a hex-encoded service provider ID.
func ParseSPID(s string) (Spid, error) {
	var spid Spid
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(b) != len(spid) {
		return spid, errCfgBadSPID
	}
	copy(spid[:], b)
	return spid, nil
}

// LoadCredentials fills in the IAS API key and the SPID.  Both are read
// from the given file (any format that viper understands; the path may be
// empty) and can be overridden by the environment variables
// EPIDRA_IAS_API_KEY and EPIDRA_SPID.
func (c *Config) LoadCredentials(path string) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: %w", errCfgCredentialsFile, err)
		}
	}

	if key := v.GetString(credAPIKey); key != "" {
		c.IASAPIKey = key
	}
	if s := v.GetString(credSPID); s != "" {
		spid, err := ParseSPID(s)
		if err != nil {
			return err
		}
		c.SPID = spid
	}
	return nil
}

// loadCertificate reads the first PEM certificate from the given file.
func loadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errCfgNoCertificate
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}
