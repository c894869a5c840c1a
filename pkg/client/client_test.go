package client

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/engine"
	"github.com/liliang-cn/conceptdb/pkg/protocol"
	"github.com/liliang-cn/conceptdb/pkg/server"
)

func serve(t *testing.T, cfg server.Config) string {
	t.Helper()
	ecfg := engine.DefaultConfig(t.TempDir())
	ecfg.NoSync = true
	e, err := engine.Open(ecfg, engine.WithoutReconcilers())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	cfg.Addr = "127.0.0.1:0"
	s, err := server.New(e, cfg)
	require.NoError(t, err)
	ln, err := s.Listen()
	require.NoError(t, err)
	go s.Serve(ln)
	t.Cleanup(func() { s.Close() })
	return ln.Addr().String()
}

// selfSigned writes a certificate for 127.0.0.1 and its key to a temp dir and returns
// their paths with a pool that trusts the certificate.
func selfSigned(t *testing.T) (string, string, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "conceptdb test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return certFile, keyFile, pool
}

func TestClientRoundTrip(t *testing.T) {
	addr := serve(t, server.Config{})
	ctx := context.Background()

	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Ping(ctx))
	a, err := c.Learn(ctx, "tides follow the moon", []float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, core.ConceptID("tides follow the moon"), a)
	b, err := c.Learn(ctx, "the moon orbits the earth", []float32{0, 1})
	require.NoError(t, err)

	_, err = c.Associate(ctx, &protocol.CreateAssociation{Source: a, Target: b, AssocType: "causal", Confidence: 0.6})
	require.NoError(t, err)

	neighbors, err := c.Neighbors(ctx, a)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, b, neighbors[0].ConceptID)

	// Server errors come back as core errors of the same kind.
	_, err = c.GetConcept(ctx, core.ConceptID("never learned"))
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = c.VectorSearch(ctx, []float32{1, 0, 0}, 1, 0)
	assert.Equal(t, core.KindInvalidArgument, core.KindOf(err))

	// The connection stays usable after an error response.
	got, err := c.GetConcept(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "the moon orbits the earth", got.Content)
}

func TestTLSHandshake(t *testing.T) {
	certFile, keyFile, pool := selfSigned(t)
	secret := []byte("tls-secret")
	addr := serve(t, server.Config{SecureMode: true, Secret: secret, TLSCert: certFile, TLSKey: keyFile})
	ctx := context.Background()

	token, err := protocol.IssueToken(secret, "tls-writer", protocol.LevelWrite, time.Hour, time.Now())
	require.NoError(t, err)

	c, err := Dial(ctx, addr,
		WithTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS13}),
		WithSecret(secret), WithToken(token))
	require.NoError(t, err)
	defer c.Close()

	state := c.conn.(*tls.Conn).ConnectionState()
	assert.True(t, state.HandshakeComplete)
	assert.Equal(t, uint16(tls.VersionTLS13), state.Version)

	require.NoError(t, c.Ping(ctx))
	id, err := c.Learn(ctx, "encrypted in transit", nil)
	require.NoError(t, err)
	got, err := c.GetConcept(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "encrypted in transit", got.Content)
}

func TestTLSRejectsUntrustedCertificate(t *testing.T) {
	certFile, keyFile, _ := selfSigned(t)
	addr := serve(t, server.Config{TLSCert: certFile, TLSKey: keyFile})
	ctx := context.Background()

	_, err := Dial(ctx, addr, WithTLS(&tls.Config{RootCAs: x509.NewCertPool()}), WithTimeout(2*time.Second))
	assert.Error(t, err)

	// A plaintext client cannot talk to a TLS listener.
	plain, err := Dial(ctx, addr, WithTimeout(2*time.Second))
	require.NoError(t, err)
	defer plain.Close()
	assert.Error(t, plain.Ping(ctx))
}

func TestRequestTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Read requests but never answer.
		buf := make([]byte, 1024)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	c, err := Dial(context.Background(), ln.Addr().String(), WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()

	start := time.Now()
	err = c.Ping(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}
