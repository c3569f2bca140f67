// Package kafka provides the SCRAM admin integration with the Kafka
// cluster built on franz-go.
package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kprom"
	"github.com/twmb/franz-go/plugin/kslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// MetricsPrefix namespaces the franz-go client metrics.
	MetricsPrefix = "scrambridge_kafka_client"
)

// SASLMechanism type alias to sasl.Mechanism.
type SASLMechanism = sasl.Mechanism

// CommonConfig defines configuration shared by Kafka clients.
type CommonConfig struct {
	SASL             SASLMechanism
	TracerProvider   trace.TracerProvider
	Logger           *slog.Logger
	Dialer           func(ctx context.Context, network, address string) (net.Conn, error)
	TLS              *tls.Config
	ClientID         string
	Version          string
	Brokers          []string
	MetadataMaxAge   time.Duration
	DisableTelemetry bool
}

// finalize ensures the configuration is valid.
func (cfg *CommonConfig) finalize() {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MetadataMaxAge == 0 {
		cfg.MetadataMaxAge = 60 * time.Second
	}
}

// newClient builds the franz-go client with logging, tracing and metric
// hooks wired the same way for every client the bridge creates.
func (cfg *CommonConfig) newClient(reg prometheus.Registerer, additionalOpts ...kgo.Opt) (*kgo.Client, error) {
	opts := []kgo.Opt{
		kgo.WithLogger(kslog.New(cfg.Logger)),
		kgo.SeedBrokers(cfg.Brokers...),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
		if cfg.Version != "" {
			opts = append(opts, kgo.SoftwareNameAndVersion(
				cfg.ClientID, cfg.Version,
			))
		}
	}
	if cfg.Dialer != nil {
		opts = append(opts, kgo.Dialer(cfg.Dialer))
	} else if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS.Clone()))
	}
	if cfg.SASL != nil {
		opts = append(opts, kgo.SASL(cfg.SASL))
	}
	opts = append(opts, additionalOpts...)
	if !cfg.DisableTelemetry {
		opts = append(opts, kgo.WithHooks(
			kotel.NewTracer(
				kotel.TracerProvider(cfg.tracerProvider()),
			),
		))
		opts = append(opts, kgo.WithHooks(NewClientMetrics("scrambridge.scram-admin", reg)))
	}
	if cfg.MetadataMaxAge > 0 {
		opts = append(opts, kgo.MetadataMaxAge(cfg.MetadataMaxAge))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: failed creating kafka client: %w", err)
	}

	// Issue a metadata refresh request on construction, so the broker list is populated.
	client.ForceMetadataRefresh()

	return client, nil
}

func (cfg *CommonConfig) tracerProvider() trace.TracerProvider {
	if cfg.TracerProvider != nil {
		return cfg.TracerProvider
	}
	return otel.GetTracerProvider()
}

// NewClientMetrics returns a new instance of `kprom.Metrics` used to
// monitor Kafka interactions, namespaced with MetricsPrefix.
func NewClientMetrics(component string, reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics(MetricsPrefix,
		kprom.Registerer(WrapPrometheusRegisterer(component, reg)),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes),
	)
}

// WrapPrometheusRegisterer returns a prometheus.Registerer with a
// component label applied.
func WrapPrometheusRegisterer(component string, reg prometheus.Registerer) prometheus.Registerer {
	return prometheus.WrapRegistererWith(prometheus.Labels{
		"component": component,
	}, reg)
}
