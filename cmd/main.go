package main

import (
	"context"
	"flag"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	epidra "github.com/brave/epid-ra"
	"go.uber.org/zap"
)

func main() {
	var role, listenAddr, enclaveAddr, spAddr, aesmSocket, iasURL, rootCA, credentials string
	var statuses, mrEnclave, mrSigner, redisAddr, prometheusNamespace string
	var vsockPort, enclaveCID, statusPort, quoteKind, minISVSVN, logSize uint
	var authorityRPS float64
	var handshakeTimeout, sigRLTTL time.Duration
	var useVsock, debug bool

	flag.StringVar(&role, "role", "",
		"Role to play in the handshake: \"enclave\", \"relay\", or \"sp\".")
	flag.StringVar(&listenAddr, "listen", "",
		"TCP address that the enclave or the service provider accepts handshakes on (e.g., \":7000\").")
	flag.StringVar(&enclaveAddr, "enclave-addr", "",
		"TCP address of the enclave.  Only used by the relay.")
	flag.StringVar(&spAddr, "sp-addr", "",
		"TCP address of the service provider.  Only used by the relay.")
	flag.BoolVar(&useVsock, "vsock", false,
		"Use VSOCK between enclave and relay instead of TCP.")
	flag.UintVar(&vsockPort, "vsock-port", 7000,
		"VSOCK port of the enclave.")
	flag.UintVar(&enclaveCID, "enclave-cid", 16,
		"VSOCK context ID of the enclave.  Only used by the relay.")
	flag.StringVar(&aesmSocket, "aesm-socket", epidra.DefaultAESMSocket,
		"Unix socket of the AESM daemon.  Only used by the relay.")
	flag.StringVar(&iasURL, "ias-url", epidra.IASDevURL,
		"Base URL of the Intel Attestation Service.")
	flag.StringVar(&rootCA, "ias-root-ca", "",
		"PEM file containing the root certificate of IAS's report signing chain.")
	flag.StringVar(&credentials, "credentials", "",
		"File that contains \"ias-api-key\" and \"spid\".  EPIDRA_IAS_API_KEY and EPIDRA_SPID take precedence.")
	flag.StringVar(&statuses, "accepted-statuses", "OK",
		"Comma-separated quote statuses that the service provider trusts.")
	flag.Float64Var(&authorityRPS, "ias-rps", 0,
		"Maximum number of requests per second to IAS.  0 means no limit.")
	flag.UintVar(&quoteKind, "quote-kind", 0,
		"Quote kind that is registered for our SPID: 0 for unlinkable, 1 for linkable.")
	flag.StringVar(&mrEnclave, "mrenclave", "",
		"Hex-encoded MRENCLAVE that accepted enclaves must have.")
	flag.StringVar(&mrSigner, "mrsigner", "",
		"Hex-encoded MRSIGNER that accepted enclaves must have.")
	flag.UintVar(&minISVSVN, "min-isvsvn", 0,
		"Minimum ISVSVN that accepted enclaves must have.")
	flag.StringVar(&redisAddr, "redis", "",
		"Address of a Redis server that caches SigRLs (e.g., \"127.0.0.1:6379\").")
	flag.DurationVar(&sigRLTTL, "sigrl-ttl", 10*time.Minute,
		"How long SigRLs are cached.")
	flag.UintVar(&logSize, "log-size", 1000,
		"Number of accepted attestations to keep for the status server.")
	flag.DurationVar(&handshakeTimeout, "handshake-timeout", time.Minute,
		"Upper bound for a whole handshake.")
	flag.UintVar(&statusPort, "status-port", 0,
		"Port to expose Prometheus metrics and status at.")
	flag.StringVar(&prometheusNamespace, "prometheus-namespace", "",
		"Prometheus namespace for exported metrics.")
	flag.BoolVar(&debug, "debug", false,
		"Print extra debug messages and use software quoting for testing without SGX.")
	flag.Parse()

	epidra.SetDebug(debug)
	elog := epidra.Logger()
	defer func() { _ = elog.Sync() }()

	if vsockPort > math.MaxUint32 {
		elog.Fatal("-vsock-port is out of range.", zap.Uint("max", math.MaxUint32))
	}
	if enclaveCID > math.MaxUint32 {
		elog.Fatal("-enclave-cid is out of range.", zap.Uint("max", math.MaxUint32))
	}
	if statusPort > math.MaxUint16 {
		elog.Fatal("-status-port is out of range.", zap.Uint("max", math.MaxUint16))
	}
	if minISVSVN > math.MaxUint16 {
		elog.Fatal("-min-isvsvn is out of range.", zap.Uint("max", math.MaxUint16))
	}

	c := &epidra.Config{
		Role:                role,
		ListenAddr:          listenAddr,
		UseVsock:            useVsock,
		VsockPort:           uint32(vsockPort),
		EnclaveCID:          uint32(enclaveCID),
		EnclaveAddr:         enclaveAddr,
		SPAddr:              spAddr,
		AESMSocket:          aesmSocket,
		IASURL:              iasURL,
		IASRootCAPath:       rootCA,
		AuthorityRPS:        authorityRPS,
		QuoteKind:           uint32(quoteKind),
		MREnclave:           mrEnclave,
		MRSigner:            mrSigner,
		MinISVSVN:           uint16(minISVSVN),
		RedisAddr:           redisAddr,
		SigRLCacheTTL:       sigRLTTL,
		LogSize:             int(logSize),
		HandshakeTimeout:    handshakeTimeout,
		StatusPort:          uint16(statusPort),
		PrometheusNamespace: prometheusNamespace,
		Debug:               debug,
	}
	if statuses != "" {
		c.AcceptedStatuses = strings.Split(statuses, ",")
	}
	if role == epidra.RoleServiceProvider {
		if err := c.LoadCredentials(credentials); err != nil {
			elog.Fatal("Failed to load credentials.", zap.Error(err))
		}
	}
	if debug {
		elog.Warn("Using debug mode, which must not be enabled in production!")
	}
	elog.Debug("Loaded configuration.", zap.Stringer("config", c))

	d, err := epidra.NewDaemon(c)
	if err != nil {
		elog.Fatal("Failed to create daemon.", zap.Error(err))
	}
	if err := d.Start(); err != nil {
		elog.Fatal("Daemon terminated.", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	failed := false
	if role == epidra.RoleRelay {
		msg4, err := d.RunRelay(ctx)
		if err != nil {
			elog.Error("Handshake failed.", zap.Error(err))
			failed = true
		} else {
			elog.Info("Handshake finished.",
				zap.Bool("enclave_trusted", msg4.EnclaveTrusted),
				zap.Bool("pse_trusted", msg4.PSETrusted))
		}
	} else {
		<-ctx.Done()
	}

	if err := d.Stop(); err != nil {
		elog.Warn("Failed to stop daemon cleanly.", zap.Error(err))
	}
	elog.Info("Exiting epid-ra.")
	if failed {
		_ = elog.Sync()
		os.Exit(1)
	}
}
