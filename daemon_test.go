package epidra

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T, cfg *Config) (*Daemon, <-chan Keys) {
	t.Helper()
	d, err := NewDaemon(cfg)
	require.NoError(t, err)
	keys := make(chan Keys, 1)
	d.OnKeys = func(role string, k Keys) {
		keys <- k
	}
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Stop() })
	return d, keys
}

func writeRootCA(t *testing.T, f *fakeIAS) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "root.pem")
	require.NoError(t, os.WriteFile(path, f.pki.rootPEM, 0600))
	return path
}

func TestNewDaemonValidatesConfig(t *testing.T) {
	_, err := NewDaemon(&Config{})
	require.ErrorIs(t, err, errCfgMissingRole)

	c := validSPConfig()
	c.IASRootCAPath = filepath.Join(t.TempDir(), "missing.pem")
	_, err = NewDaemon(c)
	require.Error(t, err)
}

func TestRunRelayNeedsRelayRole(t *testing.T) {
	d, err := NewDaemon(&Config{Role: RoleEnclave, Debug: true, ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	_, err = d.RunRelay(context.Background())
	require.ErrorIs(t, err, errNotRelay)
}

func TestDaemons(t *testing.T) {
	f := newFakeIAS(t)
	sp, spKeys := newTestDaemon(t, &Config{
		Role:          RoleServiceProvider,
		ListenAddr:    "127.0.0.1:0",
		IASURL:        f.srv.URL,
		IASAPIKey:     f.apiKey,
		IASRootCAPath: writeRootCA(t, f),
		SPID:          testSPID(),
		QuoteKind:     QuoteLinkable,
	})
	enclave, enclaveKeys := newTestDaemon(t, &Config{
		Role:       RoleEnclave,
		ListenAddr: "127.0.0.1:0",
		Debug:      true,
	})
	relay, _ := newTestDaemon(t, &Config{
		Role:        RoleRelay,
		EnclaveAddr: enclave.Addr().String(),
		SPAddr:      sp.Addr().String(),
		Debug:       true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg4, err := relay.RunRelay(ctx)
	require.NoError(t, err)
	require.True(t, msg4.EnclaveTrusted)

	var k1, k2 Keys
	select {
	case k1 = <-enclaveKeys:
	case <-ctx.Done():
		t.Fatal("Enclave did not hand over its keys.")
	}
	select {
	case k2 = <-spKeys:
	case <-ctx.Done():
		t.Fatal("Service provider did not hand over its keys.")
	}
	require.True(t, k1.equal(&k2))

	// The service provider remembers the enclave it accepted.
	rec := httptest.NewRecorder()
	sp.statusSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, pathAttestations, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	mrEnclave := newSoftwareReportIssuer().mrEnclave
	require.Contains(t, rec.Body.String(), hex.EncodeToString(mrEnclave[:]))

	// Only the service provider keeps such a log.
	rec = httptest.NewRecorder()
	enclave.statusSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, pathAttestations, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusHandler(t *testing.T) {
	f := newFakeIAS(t)
	cfg := &Config{
		Role:          RoleServiceProvider,
		ListenAddr:    "127.0.0.1:0",
		IASURL:        f.srv.URL,
		IASAPIKey:     f.apiKey,
		IASRootCAPath: writeRootCA(t, f),
		SPID:          testSPID(),
		QuoteKind:     QuoteUnlinkable,
	}
	d, err := NewDaemon(cfg)
	require.NoError(t, err)
	d.sessions.register(sessionInfo{ID: "abc", Role: RoleServiceProvider, Started: time.Now()})

	rec := httptest.NewRecorder()
	d.statusSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, pathStatus, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), f.apiKey)

	var status statusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.Equal(t, RoleServiceProvider, status.Role)
	require.Equal(t, 1, status.Active)
	require.Equal(t, "abc", status.Sessions[0].ID)

	rec = httptest.NewRecorder()
	d.statusSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, pathMetrics, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "active_sessions 1"))
}

func TestStopAbortsHandshakes(t *testing.T) {
	d, _ := newTestDaemon(t, &Config{
		Role:             RoleEnclave,
		ListenAddr:       "127.0.0.1:0",
		HandshakeTimeout: time.Hour,
		Debug:            true,
	})

	// Connect but never speak, so the handshake blocks on its first read.
	conn, err := net.Dial("tcp", d.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return d.sessions.length() == 1 },
		5*time.Second, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- d.Stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop waited for an idle handshake.")
	}
	require.Equal(t, 0, d.sessions.length())
}

func TestStopClosesRedisClient(t *testing.T) {
	f := newFakeIAS(t)
	d, err := NewDaemon(&Config{
		Role:          RoleServiceProvider,
		ListenAddr:    "127.0.0.1:0",
		IASURL:        f.srv.URL,
		IASAPIKey:     f.apiKey,
		IASRootCAPath: writeRootCA(t, f),
		SPID:          testSPID(),
		RedisAddr:     "127.0.0.1:1",
	})
	require.NoError(t, err)
	require.NotNil(t, d.rdb)

	require.NoError(t, d.Stop())
	require.ErrorIs(t, d.rdb.Ping(context.Background()).Err(), redis.ErrClosed)
	// Stopping twice is harmless.
	require.NoError(t, d.Stop())
}
