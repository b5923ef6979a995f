package redirector

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned when the loaded configuration fails validation
var ErrInvalidConfig = errors.New("invalid configuration")

var configValidate = validator.New(validator.WithRequiredStructEnabled())

// Config is the proxy configuration persisted to config.yaml in the config dir.
type Config struct {
	viper *viper.Viper

	// Current config dir
	ConfigDir string `mapstructure:"config_dir"`
	// Listen address and port used by the CLI
	DefaultAddress string `mapstructure:"default_address" validate:"required,ip"`
	DefaultPort    string `mapstructure:"default_port" validate:"required,numeric"`
	// Empty means the system resolver
	DNSUpstream string        `mapstructure:"dns_upstream" validate:"omitempty,hostname_port"`
	DNSTimeout  time.Duration `mapstructure:"dns_timeout" validate:"gte=0"`
	LogLevel    string        `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	LogFile     string        `mapstructure:"log_file"`
	// Dump prettified response bodies at debug level
	LogBodies bool `mapstructure:"log_bodies"`
}

func defaultConfig() *Config {
	return &Config{
		DefaultAddress: "127.0.0.1",
		DefaultPort:    "8080",
		DNSTimeout:     5 * time.Second,
		LogLevel:       "info",
	}
}

// setConfigDefaults registers the default values on v so that a freshly written
// config.yaml contains every key.
func setConfigDefaults(v *viper.Viper) {
	defaults := defaultConfig()
	v.SetDefault("default_address", defaults.DefaultAddress)
	v.SetDefault("default_port", defaults.DefaultPort)
	v.SetDefault("dns_upstream", defaults.DNSUpstream)
	v.SetDefault("dns_timeout", defaults.DNSTimeout)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_file", defaults.LogFile)
	v.SetDefault("log_bodies", defaults.LogBodies)
}

// Validate checks the configuration values
func (cfg *Config) Validate() error {
	if err := configValidate.Struct(cfg); err != nil {
		return fmt.Errorf("%w : %w", ErrInvalidConfig, err)
	}
	return nil
}

// SetDNSUpstream changes the upstream DNS server and writes the configuration back to disk.
// An empty server switches back to the system resolver on the next start.
func (cfg *Config) SetDNSUpstream(server string) error {
	if cfg.viper == nil {
		return errors.New("configuration is not backed by a file")
	}
	previous := cfg.DNSUpstream
	cfg.DNSUpstream = server
	if err := cfg.Validate(); err != nil {
		cfg.DNSUpstream = previous
		return err
	}
	cfg.viper.Set("dns_upstream", server)
	if err := cfg.viper.WriteConfig(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	return nil
}

// getSPKIHash computes the SHA-256 hash of the certificate's Subject Public Key Info
// and returns it as a base64-encoded string.
func getSPKIHash(cert *x509.Certificate) string {
	spkiHash := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(spkiHash[:])
}

func saveCertAndKey(cert *x509.Certificate, priv any, configDir string) error {
	certPath := path.Join(configDir, certFile)
	keyPath := path.Join(configDir, keyFile)
	certOut, err := os.Create(certPath)
	if err != nil {
		return fmt.Errorf("failed to open cert file for writing: %w", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
		return fmt.Errorf("failed to write data to cert file: %w", err)
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open key file for writing: %w", err)
	}
	defer keyOut.Close()
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("unable to marshal private key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}); err != nil {
		return fmt.Errorf("failed to write data to key file: %w", err)
	}

	return nil
}

func loadCertAndKey(configDir string) (*x509.Certificate, any, error) {
	certPEM, err := os.ReadFile(path.Join(configDir, certFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read cert file: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, fmt.Errorf("failed to decode cert PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(path.Join(configDir, keyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read key file: %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, nil, fmt.Errorf("failed to decode key PEM block")
	}
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return cert, priv, nil
}
