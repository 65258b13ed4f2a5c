package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMaker struct {
	installs   int
	makes      int
	lastHosts  []string
	installErr error
}

func (f *fakeMaker) Install() error {
	f.installs++
	return f.installErr
}

func (f *fakeMaker) MakeCert(hosts []string, dir string) (string, string, error) {
	f.makes++
	f.lastHosts = hosts
	cert := filepath.Join(dir, "localhost+1.pem")
	key := filepath.Join(dir, "localhost+1-key.pem")
	if err := os.WriteFile(cert, []byte("cert"), 0o600); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(key, []byte("key"), 0o600); err != nil {
		return "", "", err
	}
	return cert, key, nil
}

func newTestManager(t *testing.T, hosts *[]string) (*Manager, *fakeMaker) {
	t.Helper()
	m := NewManager(t.TempDir(), zerolog.Nop())
	maker := &fakeMaker{}
	m.newMaker = func() (CertMaker, error) { return maker, nil }
	m.hosts = func() ([]string, error) { return *hosts, nil }
	return m, maker
}

func TestNewManagerPaths(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, zerolog.Nop())

	assert.Equal(t, filepath.Join(dir, "tls", "server.crt"), m.CertFile())
	assert.Equal(t, filepath.Join(dir, "tls", "server.key"), m.KeyFile())
	assert.Equal(t, filepath.Join(dir, "ca", "rootCA.pem"), m.caCertFile)
}

func TestEnsureCertificatesIssuesOnce(t *testing.T) {
	hosts := []string{"localhost", "127.0.0.1", "192.168.1.20"}
	m, maker := newTestManager(t, &hosts)

	cert, key, err := m.EnsureCertificates()
	require.NoError(t, err)
	assert.Equal(t, m.CertFile(), cert)
	assert.Equal(t, m.KeyFile(), key)
	assert.FileExists(t, cert)
	assert.FileExists(t, key)
	assert.Equal(t, 1, maker.installs)
	assert.Equal(t, hosts, maker.lastHosts)

	_, _, err = m.EnsureCertificates()
	require.NoError(t, err)
	assert.Equal(t, 1, maker.makes, "unchanged hosts reuse the certificate")

	hosts = []string{"localhost", "127.0.0.1", "192.168.1.99"}
	_, _, err = m.EnsureCertificates()
	require.NoError(t, err)
	assert.Equal(t, 2, maker.makes, "a new address reissues")
}

func TestEnsureCertificatesInstallFailure(t *testing.T) {
	hosts := []string{"localhost"}
	m, maker := newTestManager(t, &hosts)
	maker.installErr = errors.New("user cancelled")

	_, _, err := m.EnsureCertificates()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to install CA")
	assert.Zero(t, maker.makes)
}

func TestHostsChanged(t *testing.T) {
	m := NewManager(t.TempDir(), zerolog.Nop())
	require.NoError(t, os.MkdirAll(m.tlsDir, 0o700))

	assert.True(t, m.hostsChanged([]string{"localhost"}), "no cache yet")

	require.NoError(t, m.writeCachedHosts([]string{"localhost", "127.0.0.1"}))
	assert.False(t, m.hostsChanged([]string{"localhost", "127.0.0.1"}))
	assert.False(t, m.hostsChanged([]string{"127.0.0.1", "localhost"}), "order ignored")
	assert.True(t, m.hostsChanged([]string{"localhost"}))
	assert.True(t, m.hostsChanged([]string{"localhost", "127.0.0.1", "10.0.0.2"}))
}

func TestCAFingerprint(t *testing.T) {
	m := NewManager(t.TempDir(), zerolog.Nop())

	_, err := m.CAFingerprint()
	assert.Error(t, err, "no CA yet")

	require.NoError(t, os.MkdirAll(m.caDir, 0o700))
	require.NoError(t, os.WriteFile(m.caCertFile, selfSignedPEM(t), 0o600))

	fp, err := m.CAFingerprint()
	require.NoError(t, err)
	parts := strings.Split(fp, ":")
	assert.Len(t, parts, 32)
	assert.Len(t, parts[0], 2)

	_, err = fingerprintPEM([]byte("not pem"))
	assert.Error(t, err)
}

func selfSignedPEM(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test CA"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
