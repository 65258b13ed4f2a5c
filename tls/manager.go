package tls

import (
	"bufio"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jittering/truststore"
	"github.com/rs/zerolog"
)

// CertMaker issues a server certificate from a locally trusted CA.
type CertMaker interface {
	Install() error
	MakeCert(hosts []string, dir string) (certFile, keyFile string, err error)
}

type truststoreLib struct {
	install  func() error
	makeCert func(hosts []string, dir string) (string, string, error)
}

func (l truststoreLib) Install() error { return l.install() }

func (l truststoreLib) MakeCert(hosts []string, dir string) (string, string, error) {
	return l.makeCert(hosts, dir)
}

// Manager keeps a certificate for the WebSocket listener under the config
// directory and reissues it when the machine's addresses change.
type Manager struct {
	configDir  string
	tlsDir     string
	caDir      string
	caCertFile string
	certFile   string
	keyFile    string
	hostsFile  string
	logger     zerolog.Logger

	// newMaker and hosts are swapped in tests.
	newMaker func() (CertMaker, error)
	hosts    func() ([]string, error)
}

// NewManager creates a manager rooted at configDir.
func NewManager(configDir string, logger zerolog.Logger) *Manager {
	tlsDir := filepath.Join(configDir, "tls")
	caDir := filepath.Join(configDir, "ca")
	m := &Manager{
		configDir:  configDir,
		tlsDir:     tlsDir,
		caDir:      caDir,
		caCertFile: filepath.Join(caDir, "rootCA.pem"),
		certFile:   filepath.Join(tlsDir, "server.crt"),
		keyFile:    filepath.Join(tlsDir, "server.key"),
		hostsFile:  filepath.Join(tlsDir, "hosts.txt"),
		logger:     logger.With().Str("component", "tls").Logger(),
		hosts:      GetAllHosts,
	}
	m.newMaker = m.truststoreMaker
	return m
}

func (m *Manager) truststoreMaker() (CertMaker, error) {
	// truststore keeps its CA wherever CAROOT points.
	if err := os.MkdirAll(m.caDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create CA directory: %w", err)
	}
	os.Setenv("CAROOT", m.caDir)

	ml, err := truststore.NewLib()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize truststore: %w", err)
	}
	return truststoreLib{
		install: ml.Install,
		makeCert: func(hosts []string, dir string) (string, string, error) {
			cert, err := ml.MakeCert(hosts, dir)
			if err != nil {
				return "", "", err
			}
			return cert.CertFile, cert.KeyFile, nil
		},
	}, nil
}

// EnsureCertificates returns the cert and key paths, issuing a new pair if
// none exists or the host list changed. Installing the CA may prompt for
// the user's password.
func (m *Manager) EnsureCertificates() (certFile, keyFile string, err error) {
	if err := os.MkdirAll(m.tlsDir, 0o700); err != nil {
		return "", "", fmt.Errorf("failed to create TLS directory: %w", err)
	}

	hosts, err := m.hosts()
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to get LAN IPs")
		hosts = []string{"localhost", "127.0.0.1"}
	}
	m.logger.Debug().Strs("hosts", hosts).Msg("hosts for certificate")

	switch {
	case !m.certsExist():
		m.logger.Info().Msg("certificates not found, generating")
	case m.hostsChanged(hosts):
		m.logger.Info().Msg("network configuration changed, regenerating certificates")
	default:
		m.logger.Info().Str("cert", m.certFile).Msg("using existing certificates")
		return m.certFile, m.keyFile, nil
	}

	if err := m.generateCertificates(hosts); err != nil {
		return "", "", err
	}
	return m.certFile, m.keyFile, nil
}

func (m *Manager) certsExist() bool {
	_, certErr := os.Stat(m.certFile)
	_, keyErr := os.Stat(m.keyFile)
	return certErr == nil && keyErr == nil
}

// hostsChanged compares hosts with the cached list, ignoring order.
func (m *Manager) hostsChanged(hosts []string) bool {
	cached, err := m.readCachedHosts()
	if err != nil {
		return true
	}

	a := slices.Clone(cached)
	b := slices.Clone(hosts)
	slices.Sort(a)
	slices.Sort(b)
	return !slices.Equal(a, b)
}

func (m *Manager) readCachedHosts() ([]string, error) {
	file, err := os.Open(m.hostsFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var hosts []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if host := strings.TrimSpace(scanner.Text()); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts, scanner.Err()
}

func (m *Manager) writeCachedHosts(hosts []string) error {
	return os.WriteFile(m.hostsFile, []byte(strings.Join(hosts, "\n")+"\n"), 0o600)
}

func (m *Manager) generateCertificates(hosts []string) error {
	maker, err := m.newMaker()
	if err != nil {
		return err
	}

	m.logger.Info().Msg("ensuring CA is installed in the system trust store (you may be prompted for your password)")
	if err := maker.Install(); err != nil {
		return fmt.Errorf("failed to install CA: %w", err)
	}

	certFile, keyFile, err := maker.MakeCert(hosts, m.tlsDir)
	if err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}

	if certFile != m.certFile {
		if err := os.Rename(certFile, m.certFile); err != nil {
			return fmt.Errorf("failed to rename cert file: %w", err)
		}
	}
	if keyFile != m.keyFile {
		if err := os.Rename(keyFile, m.keyFile); err != nil {
			return fmt.Errorf("failed to rename key file: %w", err)
		}
	}

	if err := m.writeCachedHosts(hosts); err != nil {
		m.logger.Warn().Err(err).Msg("failed to cache hosts")
	}

	ev := m.logger.Info().Str("cert", m.certFile).Strs("hosts", hosts)
	if fp, err := m.CAFingerprint(); err == nil {
		ev = ev.Str("ca_sha256", fp)
	}
	ev.Msg("certificate generated")
	return nil
}

// CertFile returns the server certificate path.
func (m *Manager) CertFile() string { return m.certFile }

// KeyFile returns the server key path.
func (m *Manager) KeyFile() string { return m.keyFile }

// CAFingerprint returns the colon separated SHA-256 of the CA certificate,
// for the operator to compare on other devices.
func (m *Manager) CAFingerprint() (string, error) {
	certPEM, err := os.ReadFile(m.caCertFile)
	if err != nil {
		return "", fmt.Errorf("failed to read CA certificate: %w", err)
	}
	return fingerprintPEM(certPEM)
}

func fingerprintPEM(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("failed to decode PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}
