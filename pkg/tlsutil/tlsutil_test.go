package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obinexus/gov-clock/errors"
)

type pemFiles struct {
	cert, key string
}

// writeSelfSigned writes a self-signed certificate usable as both leaf and CA.
func writeSelfSigned(t *testing.T, dir, cn string, usage x509.ExtKeyUsage) pemFiles {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{usage},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	files := pemFiles{
		cert: filepath.Join(dir, cn+"-cert.pem"),
		key:  filepath.Join(dir, cn+"-key.pem"),
	}
	require.NoError(t, os.WriteFile(files.cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(files.key, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return files
}

func TestLoadServerConfig(t *testing.T) {
	dir := t.TempDir()
	server := writeSelfSigned(t, dir, "localhost", x509.ExtKeyUsageServerAuth)

	cfg, err := LoadServerConfig(ServerConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg, "disabled")

	cfg, err = LoadServerConfig(ServerConfig{Enabled: true, CertFile: server.cert, KeyFile: server.key, MinVersion: "1.3"})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)

	_, err = LoadServerConfig(ServerConfig{Enabled: true, CertFile: server.cert, KeyFile: filepath.Join(dir, "missing.pem")})
	assert.True(t, errors.IsFatal(err))

	cfg, err = LoadServerConfig(ServerConfig{
		Enabled: true, CertFile: server.cert, KeyFile: server.key,
		ClientCAFiles: []string{server.cert},
	})
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, cfg.ClientAuth)
}

func TestLoadClientConfig(t *testing.T) {
	dir := t.TempDir()
	ca := writeSelfSigned(t, dir, "localhost", x509.ExtKeyUsageServerAuth)
	client := writeSelfSigned(t, dir, "operator", x509.ExtKeyUsageClientAuth)

	cfg, err := LoadClientConfig(ClientConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = LoadClientConfig(ClientConfig{Enabled: true, CAFiles: []string{ca.cert}, CertFile: client.cert, KeyFile: client.key})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not pem"), 0o600))
	_, err = LoadClientConfig(ClientConfig{Enabled: true, CAFiles: []string{bad}})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, ServerConfig{}.Validate())
	assert.ErrorIs(t, ServerConfig{Enabled: true}.Validate(), errors.ErrMissingConfig)
	assert.ErrorIs(t, ServerConfig{Enabled: true, CertFile: "c", KeyFile: "k", RequireClientCert: true}.Validate(), errors.ErrMissingConfig)
	assert.ErrorIs(t, ServerConfig{Enabled: true, CertFile: "c", KeyFile: "k", MinVersion: "1.0"}.Validate(), errors.ErrInvalidConfig)

	assert.NoError(t, ClientConfig{Enabled: true}.Validate())
	assert.ErrorIs(t, ClientConfig{Enabled: true, CertFile: "c"}.Validate(), errors.ErrInvalidConfig)
}

func TestMutualTLSHandshake(t *testing.T) {
	dir := t.TempDir()
	server := writeSelfSigned(t, dir, "localhost", x509.ExtKeyUsageServerAuth)
	allowed := writeSelfSigned(t, dir, "operator", x509.ExtKeyUsageClientAuth)
	stranger := writeSelfSigned(t, dir, "stranger", x509.ExtKeyUsageClientAuth)

	serverTLS, err := LoadServerConfig(ServerConfig{
		Enabled: true, CertFile: server.cert, KeyFile: server.key,
		ClientCAFiles:     []string{allowed.cert, stranger.cert},
		RequireClientCert: true,
		AllowedClientCNs:  []string{"operator"},
	})
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	srv.TLS = serverTLS
	srv.StartTLS()
	defer srv.Close()

	get := func(client pemFiles, withCert bool) error {
		cfg := ClientConfig{Enabled: true, CAFiles: []string{server.cert}}
		if withCert {
			cfg.CertFile, cfg.KeyFile = client.cert, client.key
		}
		clientTLS, err := LoadClientConfig(cfg)
		require.NoError(t, err)
		hc := &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}, Timeout: 5 * time.Second}
		resp, err := hc.Get(srv.URL)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		return nil
	}

	assert.NoError(t, get(allowed, true))
	assert.Error(t, get(stranger, true), "CN not allowed")
	assert.Error(t, get(allowed, false), "certificate required")
}

func TestVerifyAllowedClientCN(t *testing.T) {
	leaf := &x509.Certificate{Subject: pkix.Name{CommonName: "operator"}}
	assert.NoError(t, verifyAllowedClientCN([][]*x509.Certificate{{leaf}}, []string{"operator"}))
	assert.ErrorContains(t, verifyAllowedClientCN([][]*x509.Certificate{{leaf}}, []string{"admin"}), "operator")
	assert.Error(t, verifyAllowedClientCN(nil, []string{"operator"}))
}
