package scrambridge

import "context"

// Mechanism is a SCRAM mechanism supported by Kafka.
type Mechanism string

const (
	MechanismSHA256 Mechanism = "SCRAM-SHA-256"
	MechanismSHA512 Mechanism = "SCRAM-SHA-512"
)

// Valid reports whether the mechanism is one Kafka understands.
func (m Mechanism) Valid() bool {
	return m == MechanismSHA256 || m == MechanismSHA512
}

// Upsertion creates or replaces the SCRAM credential of one principal.
type Upsertion struct {
	Principal      string
	Mechanism      Mechanism
	Salt           []byte
	SaltedPassword []byte
	Iterations     int32
}

// Deletion removes the SCRAM credential of one principal for one mechanism.
type Deletion struct {
	Principal string
	Mechanism Mechanism
}

// AlterResult is the per-principal outcome of an alter batch. A failed
// principal never aborts the rest of the batch.
type AlterResult struct {
	Err          error
	ErrorCode    string
	ErrorMessage string
}

// ScramAdmin describes and mutates SCRAM credentials on the Kafka cluster.
type ScramAdmin interface {
	// DescribeCredentials returns every principal known to the cluster
	// with the mechanisms it has credentials for.
	DescribeCredentials(ctx context.Context) (map[string][]Mechanism, error)
	// AlterCredentials applies all upserts and deletes as one admin
	// request and returns a result per principal.
	AlterCredentials(ctx context.Context, upserts []Upsertion, deletes []Deletion) (map[string]AlterResult, error)
	// Healthy returns an error when the cluster is unreachable.
	Healthy(ctx context.Context) error
	// Close releases the underlying client.
	Close()
}
