package epidra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/brave/epid-ra/sgxdev"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mdlayher/vsock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	statusReadTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

var errNotRelay = errors.New("daemon is not configured as relay")

// Daemon runs one role of the attestation handshake.  The enclave and the
// service provider accept handshakes on a listener; the relay dials out.
type Daemon struct {
	cfg          *Config
	statusSrv    *http.Server
	promRegistry *prometheus.Registry
	metrics      *metrics
	sessions     *sessions
	listener     net.Listener

	// Role-specific dependencies.
	reporter     ReportIssuer
	quoter       Quoter
	spCfg        *SPConfig
	attestations *memLog
	rdb          *redis.Client

	// OnKeys receives the keys of every successful handshake and owns them
	// from then on.  The default logs their fingerprint and destroys them.
	OnKeys func(role string, k Keys)

	// ctx is the parent of every handshake and is canceled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   chan struct{}
	once   sync.Once
}

// NewDaemon creates and returns a new daemon with the given config.
func NewDaemon(cfg *Config) (*Daemon, error) {
	errPrefix := "failed to create daemon"
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", errPrefix, err)
	}

	reg := prometheus.NewRegistry()
	d := &Daemon{
		cfg:          cfg,
		promRegistry: reg,
		metrics:      newMetrics(reg, cfg.PrometheusNamespace),
		OnKeys:       logKeys,
		stop:         make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.sessions = newSessions(cfg.handshakeTimeout(), d.metrics)

	switch cfg.Role {
	case RoleEnclave:
		elog.Warn("Using software reports, which prove nothing about this host.")
		d.reporter = newSoftwareReportIssuer()
	case RoleRelay:
		if cfg.Debug {
			elog.Warn("Using software quoting, which must not be enabled in production.")
			d.quoter = newSoftwareQuoter()
		} else {
			d.quoter = NewAESMQuoter(cfg.AESMSocket)
			checkPlatform(cfg.AESMSocket)
		}
	case RoleServiceProvider:
		spCfg, err := d.newSPConfig()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", errPrefix, err)
		}
		d.spCfg = spCfg
	}

	r := chi.NewRouter()
	if cfg.Debug {
		r.Use(middleware.Logger)
	}
	r.Use(d.metrics.middleware)
	r.Handle(pathMetrics, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get(pathStatus, statusHandler(cfg, d.sessions))
	if d.attestations != nil {
		r.Get(pathAttestations, attestationsHandler(d.attestations))
	}
	d.statusSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.StatusPort),
		Handler:           r,
		ReadHeaderTimeout: statusReadTimeout,
	}

	return d, nil
}

// newSPConfig sets up the verification authority, the SigRL cache, and the
// enclave policy of a service provider.
func (d *Daemon) newSPConfig() (*SPConfig, error) {
	root, err := loadCertificate(d.cfg.IASRootCAPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load IAS root certificate: %w", err)
	}
	ias, err := NewIASClient(&IASConfig{
		BaseURL:           d.cfg.IASURL,
		APIKey:            d.cfg.IASAPIKey,
		RootCA:            root,
		AcceptedStatuses:  d.cfg.AcceptedStatuses,
		RequestsPerSecond: d.cfg.AuthorityRPS,
	})
	if err != nil {
		return nil, err
	}
	ias.metrics = d.metrics

	var c sigRLCache = newCache(d.cfg.sigRLCacheTTL())
	if d.cfg.RedisAddr != "" {
		elog.Info("Caching SigRLs in Redis.", zap.String("addr", d.cfg.RedisAddr))
		d.rdb = redis.NewClient(&redis.Options{Addr: d.cfg.RedisAddr})
		c = newRedisCache(d.rdb, d.cfg.sigRLCacheTTL())
	}

	policy, err := d.cfg.policy()
	if err != nil {
		return nil, err
	}
	d.attestations = newMemLog(d.cfg.logSize())

	return &SPConfig{
		Authority: newCachingAuthority(ias, c),
		SPID:      d.cfg.SPID,
		QuoteKind: d.cfg.QuoteKind,
		Policy:    policy,
		Log:       d.attestations,
	}, nil
}

// checkPlatform warns if the host lacks what hardware quoting needs.  The
// AESM daemon may come up after us, so this is not fatal.
func checkPlatform(aesmSocket string) {
	if aesmSocket == "" {
		aesmSocket = DefaultAESMSocket
	}
	if ok, err := sgxdev.Present(); err != nil || !ok {
		elog.Warn("No SGX device found.", zap.Error(err))
	}
	if ok, err := sgxdev.AESMListening(aesmSocket); err != nil || !ok {
		elog.Warn("AESM daemon is not listening.", zap.String("socket", aesmSocket), zap.Error(err))
	}
}

func logKeys(role string, k Keys) {
	elog.Info("Established session keys.",
		zap.String(labelRole, role),
		zap.String("fingerprint", k.fingerprint()))
	k.Destroy()
}

// Start starts the daemon.  The enclave and the service provider start
// accepting handshakes; the relay only starts its status server and
// expects RunRelay to be called.
func (d *Daemon) Start() error {
	errPrefix := "failed to start daemon"

	// There's no need to exit if this fails.
	if err := setFdLimit(d.cfg.FdCur, d.cfg.FdMax); err != nil {
		elog.Warn("Failed to set new file descriptor limit.", zap.Error(err))
	}

	if d.cfg.StatusPort > 0 {
		go func() {
			elog.Info("Starting status server.", zap.String("addr", d.statusSrv.Addr))
			err := d.statusSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				elog.Error("Status server stopped.", zap.Error(err))
			}
		}()
	}
	go d.pruneSessions()

	if d.cfg.Role == RoleRelay {
		return nil
	}

	ln, err := d.listen()
	if err != nil {
		return fmt.Errorf("%s: %w", errPrefix, err)
	}
	d.listener = ln
	elog.Info("Accepting handshakes.",
		zap.String(labelRole, d.cfg.Role),
		zap.String("addr", ln.Addr().String()))

	d.wg.Add(1)
	go d.acceptLoop(ln)
	return nil
}

func (d *Daemon) listen() (net.Listener, error) {
	if d.cfg.UseVsock {
		return vsock.Listen(d.cfg.VsockPort, nil)
	}
	return net.Listen("tcp", d.cfg.ListenAddr)
}

// Addr returns the address that the daemon accepts handshakes on, or nil if
// it does not listen.
func (d *Daemon) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

func (d *Daemon) acceptLoop(ln net.Listener) {
	defer d.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-d.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			elog.Warn("Failed to accept connection.", zap.Error(err))
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handle(conn)
		}()
	}
}

// handle runs one handshake over conn.
func (d *Daemon) handle(conn net.Conn) {
	defer conn.Close()

	info, err := d.newSession(conn.RemoteAddr())
	if err != nil {
		elog.Error("Failed to create session ID.", zap.Error(err))
		return
	}
	d.sessions.register(info)
	defer d.sessions.unregister(info.ID)

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.handshakeTimeout())
	defer cancel()
	log := elog.With(
		zap.String(labelRole, d.cfg.Role),
		zap.String("session", info.ID),
		zap.String("remote", info.Remote))

	var keys Keys
	switch d.cfg.Role {
	case RoleEnclave:
		a := NewEnclaveAttestation(conn, d.reporter)
		a.metrics, a.log = d.metrics, log
		keys, err = a.Run(ctx)
	case RoleServiceProvider:
		a := NewServiceProviderAttestation(conn, d.spCfg)
		a.metrics, a.log = d.metrics, log
		var res *SPResult
		if res, err = a.Run(ctx); err == nil {
			keys = res.Keys
			log.Info("Enclave is trusted.",
				zap.String("status", res.Report.ISVEnclaveQuoteStatus),
				zap.Bool("pse_trusted", res.PSETrusted))
		}
	}
	if err != nil {
		log.Info("Handshake failed.", zap.Error(err))
		return
	}
	d.OnKeys(d.cfg.Role, keys)
}

func (d *Daemon) newSession(remote net.Addr) (sessionInfo, error) {
	id, err := newNonce()
	if err != nil {
		return sessionInfo{}, err
	}
	info := sessionInfo{
		ID:      id.String(),
		Role:    d.cfg.Role,
		Started: time.Now().UTC(),
	}
	if remote != nil {
		info.Remote = remote.String()
	}
	return info, nil
}

// RunRelay dials the enclave and the service provider and relays one
// handshake between them.  It returns the service provider's verdict.
func (d *Daemon) RunRelay(ctx context.Context) (*MessageFour, error) {
	if d.cfg.Role != RoleRelay {
		return nil, errNotRelay
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.handshakeTimeout())
	defer cancel()
	defer context.AfterFunc(d.ctx, cancel)()

	enclave, err := d.dialEnclave(ctx)
	if err != nil {
		return nil, transportErr(err)
	}
	defer enclave.Close()

	var dialer net.Dialer
	sp, err := dialer.DialContext(ctx, "tcp", d.cfg.SPAddr)
	if err != nil {
		return nil, transportErr(err)
	}
	defer sp.Close()

	info, err := d.newSession(sp.RemoteAddr())
	if err != nil {
		return nil, err
	}
	d.sessions.register(info)
	defer d.sessions.unregister(info.ID)

	a := NewRelayAttestation(enclave, sp, d.quoter)
	a.metrics, a.log = d.metrics, a.log.With(zap.String("session", info.ID))
	msg4, err := a.Run(ctx)
	if err != nil {
		return nil, err
	}
	elog.Info("Relayed handshake.",
		zap.String("session", info.ID),
		zap.Bool("enclave_trusted", msg4.EnclaveTrusted))
	return msg4, nil
}

func (d *Daemon) dialEnclave(ctx context.Context) (net.Conn, error) {
	if d.cfg.UseVsock {
		return vsock.Dial(d.cfg.EnclaveCID, d.cfg.VsockPort, nil)
	}
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", d.cfg.EnclaveAddr)
}

func (d *Daemon) pruneSessions() {
	ticker := time.NewTicker(d.cfg.handshakeTimeout())
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.sessions.pruneDefunct()
		}
	}
}

// Stop stops the daemon.  Handshakes that are still in flight are aborted.
func (d *Daemon) Stop() error {
	var err error
	d.once.Do(func() {
		close(d.stop)
		d.cancel()
		if d.listener != nil {
			err = d.listener.Close()
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if e := d.statusSrv.Shutdown(ctx); e != nil && err == nil {
			err = e
		}
		d.wg.Wait()
		if d.rdb != nil {
			if e := d.rdb.Close(); e != nil && err == nil {
				err = e
			}
		}
	})
	return err
}
