package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// Security protocols accepted by KAFKA_SECURITY_PROTOCOL.
const (
	ProtocolPlaintext = "PLAINTEXT"
	ProtocolSSL       = "SSL"
	ProtocolSASLSSL   = "SASL_SSL"
)

// Config contains the cluster connection settings read from the
// environment.
type Config struct {
	BootstrapServers []string      `env:"KAFKA_BOOTSTRAP_SERVERS" env-required:"true"`
	SecurityProtocol string        `env:"KAFKA_SECURITY_PROTOCOL" env-default:"PLAINTEXT"`
	SASLMechanism    string        `env:"KAFKA_SASL_MECHANISM"`
	SASLUsername     string        `env:"KAFKA_SASL_USERNAME"`
	SASLPassword     string        `env:"KAFKA_SASL_PASSWORD"`
	SSLCAPath        string        `env:"KAFKA_SSL_CA_PATH"`
	SSLCertPath      string        `env:"KAFKA_SSL_CERT_PATH"`
	SSLKeyPath       string        `env:"KAFKA_SSL_KEY_PATH"`
	ClusterID        string        `env:"KAFKA_CLUSTER_ID"      env-default:"default"`
	AdminTimeout     time.Duration `env:"KAFKA_ADMIN_TIMEOUT"   env-default:"30s"`
}

// Validate rejects combinations the cluster would refuse anyway.
func (c *Config) Validate() error {
	switch c.SecurityProtocol {
	case ProtocolPlaintext, ProtocolSSL, ProtocolSASLSSL:
	default:
		return fmt.Errorf("kafka: unsupported security protocol %q", c.SecurityProtocol)
	}
	if c.SecurityProtocol == ProtocolSASLSSL {
		if c.SASLMechanism == "" || c.SASLUsername == "" || c.SASLPassword == "" {
			return errors.New("kafka: SASL_SSL requires KAFKA_SASL_MECHANISM, KAFKA_SASL_USERNAME and KAFKA_SASL_PASSWORD")
		}
	}
	return nil
}

// BuildSASL maps the configured mechanism to a franz-go sasl.Mechanism.
// Returns nil for protocols without SASL.
func (c *Config) BuildSASL() (sasl.Mechanism, error) {
	if c.SecurityProtocol != ProtocolSASLSSL {
		return nil, nil
	}
	auth := scram.Auth{User: c.SASLUsername, Pass: c.SASLPassword}
	switch c.SASLMechanism {
	case "PLAIN":
		return plain.Auth{User: c.SASLUsername, Pass: c.SASLPassword}.AsMechanism(), nil
	case "SCRAM-SHA-256":
		return auth.AsSha256Mechanism(), nil
	case "SCRAM-SHA-512":
		return auth.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("kafka: unsupported SASL mechanism %q", c.SASLMechanism)
	}
}

// BuildTLS assembles the TLS material for SSL and SASL_SSL protocols.
// Returns nil for PLAINTEXT.
func (c *Config) BuildTLS() (*tls.Config, error) {
	if c.SecurityProtocol == ProtocolPlaintext {
		return nil, nil
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.SSLCAPath != "" {
		caPEM, err := os.ReadFile(c.SSLCAPath)
		if err != nil {
			return nil, fmt.Errorf("kafka: read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("kafka: no certificates parsed from %s", c.SSLCAPath)
		}
		tlsCfg.RootCAs = pool
	}

	if c.SSLCertPath != "" || c.SSLKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(c.SSLCertPath, c.SSLKeyPath)
		if err != nil {
			return nil, fmt.Errorf("kafka: load client key pair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}
