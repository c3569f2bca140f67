package scrambridge

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Retention policy bounds accepted by the config endpoint.
const (
	MaxRetentionBytes   = int64(10) << 30 // 10 GiB
	MaxRetentionAgeDays = 3650

	DefaultRetentionMaxBytes   = int64(268435456) // 256 MiB
	DefaultRetentionMaxAgeDays = 30
)

// RetentionState is the singleton retention policy plus purge bookkeeping.
// Nil MaxBytes or MaxAgeDays means that axis is unlimited.
type RetentionState struct {
	UpdatedAt          time.Time
	LastPurgeAt        *time.Time
	MaxBytes           *int64
	MaxAgeDays         *int
	ApproxDBBytes      int64
	TotalPurgedRecords int64
}

// UpdateRetentionRequest carries a policy change. A nil field means
// "unlimited", not "keep current value".
type UpdateRetentionRequest struct {
	MaxBytes   *int64 `json:"max_bytes"`
	MaxAgeDays *int   `json:"max_age_days"`
}

// Validate checks the request against the accepted bounds.
func (r *UpdateRetentionRequest) Validate() error {
	var errs []error
	if r.MaxBytes != nil && (*r.MaxBytes < 0 || *r.MaxBytes > MaxRetentionBytes) {
		errs = append(errs, fmt.Errorf("max_bytes must be between 0 and %d, got %d", MaxRetentionBytes, *r.MaxBytes))
	}
	if r.MaxAgeDays != nil && (*r.MaxAgeDays < 0 || *r.MaxAgeDays > MaxRetentionAgeDays) {
		errs = append(errs, fmt.Errorf("max_age_days must be between 0 and %d, got %d", MaxRetentionAgeDays, *r.MaxAgeDays))
	}
	return errors.Join(errs...)
}

// RetentionStore persists the retention singleton and reports store size.
type RetentionStore interface {
	// GetState returns the current retention state row.
	GetState(ctx context.Context) (*RetentionState, error)
	// UpdatePolicy replaces the policy axes.
	UpdatePolicy(ctx context.Context, maxBytes *int64, maxAgeDays *int) error
	// RecordPurge updates purge bookkeeping after rows were removed.
	RecordPurge(ctx context.Context, purged, approxBytes int64, at time.Time) error
	// DBSizeBytes reports page_count * page_size of the store file.
	DBSizeBytes(ctx context.Context) (int64, error)
	// Reclaim returns freed pages to the filesystem.
	Reclaim(ctx context.Context) error
}

// RetentionService owns the purge loop and the retention policy surface.
type RetentionService interface {
	// Policy returns the current state with a fresh size probe.
	Policy(ctx context.Context) (*RetentionState, error)
	// UpdatePolicy validates and stores a new policy.
	UpdatePolicy(ctx context.Context, req *UpdateRetentionRequest) (*RetentionState, error)
	// Purge runs age and size purges once. Concurrent purges are
	// coalesced: the call is a no-op when one is already running.
	Purge(ctx context.Context) error
}
