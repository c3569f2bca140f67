package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/vk-rv/scrambridge/internal/breaker"
	"github.com/vk-rv/scrambridge/internal/metrics"
	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// AdminConfig holds configuration for the SCRAM admin client.
type AdminConfig struct {
	CommonConfig

	Reg prometheus.Registerer
	// CallTimeout bounds every admin request.
	CallTimeout time.Duration
}

// AdminClient describes and alters SCRAM credentials on the cluster.
// Implements scrambridge.ScramAdmin. Created once at startup, closed on
// shutdown, guarded by a circuit breaker.
type AdminClient struct {
	adm     *kadm.Client
	breaker *breaker.Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger
	timeout time.Duration
}

// NewAdminClient returns a new AdminClient with the given config.
func NewAdminClient(cfg *AdminConfig, brk *breaker.Breaker, m *metrics.Metrics) (*AdminClient, error) {
	cfg.CommonConfig.finalize()
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	client, err := cfg.newClient(cfg.Reg)
	if err != nil {
		return nil, fmt.Errorf("kafka: failed creating admin client: %w", err)
	}

	return &AdminClient{
		adm:     kadm.NewClient(client),
		breaker: brk,
		metrics: m,
		logger:  cfg.Logger,
		timeout: cfg.CallTimeout,
	}, nil
}

// Close releases the underlying client.
func (c *AdminClient) Close() {
	c.adm.Close()
}

// Healthy returns an error if the client fails to reach a broker.
func (c *AdminClient) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.adm.ApiVersions(ctx); err != nil {
		return fmt.Errorf("kafka: health probe: %w", err)
	}
	return nil
}

// DescribeCredentials returns every principal known to the cluster with
// the mechanisms it has credentials for.
func (c *AdminClient) DescribeCredentials(ctx context.Context) (map[string][]scrambridge.Mechanism, error) {
	start := time.Now()
	v, err := c.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		described, err := c.adm.DescribeUserSCRAMs(callCtx)
		if err != nil {
			return nil, classify(fmt.Errorf("kafka: describe user scrams: %w", err))
		}
		return described, nil
	})
	c.metrics.AdminCallDuration.WithLabelValues("describe_user_scrams").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	described := v.(kadm.DescribedUserSCRAMs)
	principals := make(map[string][]scrambridge.Mechanism, len(described))
	for user, d := range described {
		if d.Err != nil {
			c.logger.Warn("describe user scrams: per-user error",
				slog.String("principal", user),
				slog.Any("error", d.Err))
			continue
		}
		mechs := make([]scrambridge.Mechanism, 0, len(d.CredInfos))
		for _, info := range d.CredInfos {
			m, ok := mechanismFromKafka(info.Mechanism)
			if !ok {
				continue
			}
			mechs = append(mechs, m)
		}
		principals[user] = mechs
	}

	return principals, nil
}

// AlterCredentials applies all upserts and deletes as one admin request
// and returns a result per principal. A failed principal never aborts the
// rest of the batch.
func (c *AdminClient) AlterCredentials(
	ctx context.Context,
	upserts []scrambridge.Upsertion,
	deletes []scrambridge.Deletion,
) (map[string]scrambridge.AlterResult, error) {
	if len(upserts) == 0 && len(deletes) == 0 {
		return map[string]scrambridge.AlterResult{}, nil
	}

	kadmUpserts := make([]kadm.UpsertSCRAM, 0, len(upserts))
	for i := range upserts {
		mech, err := mechanismToKafka(upserts[i].Mechanism)
		if err != nil {
			return nil, err
		}
		kadmUpserts = append(kadmUpserts, kadm.UpsertSCRAM{
			User:           upserts[i].Principal,
			Mechanism:      mech,
			Iterations:     upserts[i].Iterations,
			Salt:           upserts[i].Salt,
			SaltedPassword: upserts[i].SaltedPassword,
		})
	}

	kadmDeletes := make([]kadm.DeleteSCRAM, 0, len(deletes))
	for i := range deletes {
		mech, err := mechanismToKafka(deletes[i].Mechanism)
		if err != nil {
			return nil, err
		}
		kadmDeletes = append(kadmDeletes, kadm.DeleteSCRAM{
			User:      deletes[i].Principal,
			Mechanism: mech,
		})
	}

	start := time.Now()
	v, err := c.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		altered, err := c.adm.AlterUserSCRAMs(callCtx, kadmDeletes, kadmUpserts)
		if err != nil {
			return nil, classify(fmt.Errorf("kafka: alter user scrams: %w", err))
		}
		return altered, nil
	})
	c.metrics.AdminCallDuration.WithLabelValues("alter_user_scrams").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	altered := v.(kadm.AlteredUserSCRAMs)
	results := make(map[string]scrambridge.AlterResult, len(altered))
	for user, a := range altered {
		res := scrambridge.AlterResult{}
		if a.Err != nil {
			res.Err = classify(a.Err)
			res.ErrorCode = kafkaErrorCode(a.Err)
			res.ErrorMessage = a.Err.Error()
		}
		results[user] = res
	}

	return results, nil
}

// mechanismToKafka maps the domain mechanism onto the admin protocol enum.
func mechanismToKafka(m scrambridge.Mechanism) (kadm.ScramMechanism, error) {
	switch m {
	case scrambridge.MechanismSHA256:
		return kadm.ScramSha256, nil
	case scrambridge.MechanismSHA512:
		return kadm.ScramSha512, nil
	default:
		return 0, scrambridge.Classify(scrambridge.ClassProtocol,
			fmt.Errorf("kafka: unknown scram mechanism %q", m))
	}
}

func mechanismFromKafka(m kadm.ScramMechanism) (scrambridge.Mechanism, bool) {
	switch m {
	case kadm.ScramSha256:
		return scrambridge.MechanismSHA256, true
	case kadm.ScramSha512:
		return scrambridge.MechanismSHA512, true
	default:
		return "", false
	}
}

// classify buckets an admin error for the retry and readiness machinery.
// Unsupported protocol versions are a configuration problem, not a
// transient condition.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kerr.UnsupportedVersion), errors.Is(err, kerr.UnsupportedSaslMechanism):
		return scrambridge.Classify(scrambridge.ClassProtocol, err)
	case errors.Is(err, kerr.SaslAuthenticationFailed):
		return scrambridge.Classify(scrambridge.ClassAuthentication, err)
	case errors.Is(err, kerr.ResourceNotFound):
		return scrambridge.Classify(scrambridge.ClassNotFound, err)
	default:
		return scrambridge.Classify(scrambridge.ClassTransient, err)
	}
}

// kafkaErrorCode extracts the protocol error name when available.
func kafkaErrorCode(err error) string {
	var ke *kerr.Error
	if errors.As(err, &ke) {
		return ke.Message
	}
	return scrambridge.ErrorCode(err)
}
