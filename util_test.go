package epidra

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

func assertEqual(t *testing.T, is, should interface{}) {
	t.Helper()
	if should != is {
		t.Fatalf("Expected value\n%v\nbut got\n%v", should, is)
	}
}

func assertDeepEqual(t *testing.T, is, should interface{}) {
	t.Helper()
	if !reflect.DeepEqual(should, is) {
		t.Fatalf("Expected value\n%v\nbut got\n%v", should, is)
	}
}

func newTestMetrics() *metrics {
	return newMetrics(prometheus.NewRegistry(), "test")
}

// testPKI mimics the certificate chain that signs the authority's reports.
type testPKI struct {
	root, leaf       *x509.Certificate
	rootPEM, leafPEM []byte
	leafKey          *rsa.PrivateKey
}

func createCertificate(
	t *testing.T,
	name string,
	isCA bool,
	pub *rsa.PublicKey,
	parent *x509.Certificate,
	parentKey *rsa.PrivateKey,
) (*x509.Certificate, []byte) {
	t.Helper()

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		template.KeyUsage |= x509.KeyUsageCertSign
	}
	if parent == nil {
		parent = template
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, parentKey)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	rootKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	p := &testPKI{leafKey: leafKey}
	p.root, p.rootPEM = createCertificate(t, "Test Report Signing CA", true, &rootKey.PublicKey, nil, rootKey)
	p.leaf, p.leafPEM = createCertificate(t, "Test Report Signing", false, &leafKey.PublicKey, p.root, rootKey)
	return p
}

func (p *testPKI) sign(t *testing.T, body []byte) string {
	t.Helper()
	h := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, p.leafKey, crypto.SHA256, h[:])
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

// fakeIAS is a stand-in for the Intel Attestation Service.
type fakeIAS struct {
	t      *testing.T
	pki    *testPKI
	srv    *httptest.Server
	apiKey string

	sync.Mutex
	sigRL       []byte
	status      string
	pseStatus   string
	corruptBody bool
	badSig      bool

	sigRLReqs  atomic.Int32
	reportReqs atomic.Int32
}

func newFakeIAS(t *testing.T) *fakeIAS {
	t.Helper()
	f := &fakeIAS{
		t:         t,
		pki:       newTestPKI(t),
		apiKey:    "test-api-key",
		status:    quoteStatusOK,
		pseStatus: quoteStatusOK,
	}

	r := chi.NewRouter()
	r.Get(pathSigRL+"{gid}", f.sigRLHandler)
	r.Post(pathReport, f.reportHandler)
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIAS) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get(headerSubscriptionKey) != f.apiKey {
		http.Error(w, "access denied", http.StatusUnauthorized)
		return false
	}
	return true
}

func (f *fakeIAS) sigRLHandler(w http.ResponseWriter, r *http.Request) {
	f.sigRLReqs.Add(1)
	if !f.authorized(w, r) {
		return
	}
	f.Lock()
	defer f.Unlock()
	if len(f.sigRL) > 0 {
		w.Write([]byte(base64.StdEncoding.EncodeToString(f.sigRL)))
	}
}

func (f *fakeIAS) reportHandler(w http.ResponseWriter, r *http.Request) {
	f.reportReqs.Add(1)
	if !f.authorized(w, r) {
		return
	}
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	quote, err := base64.StdEncoding.DecodeString(req.ISVEnclaveQuote)
	if err != nil || len(quote) < quoteSigLenOffset {
		http.Error(w, "bad quote", http.StatusBadRequest)
		return
	}

	f.Lock()
	quoteBody := quote[:quoteSigLenOffset]
	if f.corruptBody {
		quoteBody = append([]byte(nil), quoteBody...)
		quoteBody[0] ^= 1
	}
	report := AttestationReport{
		ID:                    "165171271757108173876306223827987629752",
		Timestamp:             time.Now().UTC().Format("2006-01-02T15:04:05.000000"),
		Version:               4,
		ISVEnclaveQuoteStatus: f.status,
		ISVEnclaveQuoteBody:   base64.StdEncoding.EncodeToString(quoteBody),
		PSEManifestStatus:     f.pseStatus,
	}
	badSig := f.badSig
	f.Unlock()

	body, err := json.Marshal(&report)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sig := f.pki.sign(f.t, body)
	if badSig {
		sig = f.pki.sign(f.t, []byte("something else"))
	}
	chain := append(append([]byte(nil), f.pki.leafPEM...), f.pki.rootPEM...)
	w.Header().Set(headerSignature, sig)
	w.Header().Set(headerSigningCert, url.PathEscape(string(chain)))
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (f *fakeIAS) client(t *testing.T, m *metrics) *IASClient {
	t.Helper()
	c, err := NewIASClient(&IASConfig{
		BaseURL:    f.srv.URL,
		APIKey:     f.apiKey,
		RootCA:     f.pki.root,
		HTTPClient: f.srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}
	c.metrics = m
	return c
}

type handshakeResult struct {
	keys       Keys
	enclaveErr error
	msg4       *MessageFour
	relayErr   error
	sp         *SPResult
	spErr      error
}

// runHandshake connects the three roles with in-memory pipes and runs one
// handshake to completion.
func runHandshake(t *testing.T, reporter ReportIssuer, quoter Quoter, spCfg *SPConfig, m *metrics) *handshakeResult {
	t.Helper()

	enclaveSide, relayEnclaveSide := net.Pipe()
	relaySPSide, spSide := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		wg  sync.WaitGroup
		res = new(handshakeResult)
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer enclaveSide.Close()
		e := NewEnclaveAttestation(enclaveSide, reporter)
		e.metrics = m
		res.keys, res.enclaveErr = e.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		defer relayEnclaveSide.Close()
		defer relaySPSide.Close()
		r := NewRelayAttestation(relayEnclaveSide, relaySPSide, quoter)
		r.metrics = m
		res.msg4, res.relayErr = r.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		defer spSide.Close()
		s := NewServiceProviderAttestation(spSide, spCfg)
		s.metrics = m
		res.sp, res.spErr = s.Run(ctx)
	}()
	wg.Wait()

	return res
}

func testSPID() Spid {
	return Spid{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
}
