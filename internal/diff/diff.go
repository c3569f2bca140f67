// Package diff computes the corrective plan between the identity provider
// user set and the Kafka principal set. It is pure: hash-set lookups only,
// no I/O, O(n+m) over the two sets.
package diff

import (
	"strings"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// ExclusionPolicy filters Kafka principals that the bridge must never
// touch. Entries ending in '*' match as lowercase prefixes, everything
// else matches exactly.
type ExclusionPolicy struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewExclusionPolicy builds a policy from raw entries, usually the parsed
// RECONCILE_EXCLUDED_PRINCIPALS list. Blank entries are ignored.
func NewExclusionPolicy(entries []string) *ExclusionPolicy {
	p := &ExclusionPolicy{exact: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.HasSuffix(e, "*") {
			prefix := strings.ToLower(strings.TrimSuffix(e, "*"))
			if prefix != "" {
				p.prefixes = append(p.prefixes, prefix)
			}
			continue
		}
		p.exact[e] = struct{}{}
	}
	return p
}

// Excluded reports whether principal is covered by the policy.
// Exact matches win over prefix matches.
func (p *ExclusionPolicy) Excluded(principal string) bool {
	if _, ok := p.exact[principal]; ok {
		return true
	}
	lower := strings.ToLower(principal)
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// Size returns the number of configured entries, for startup logging.
func (p *ExclusionPolicy) Size() int { return len(p.exact) + len(p.prefixes) }

// Compute returns the plan that converges the Kafka principal set toward
// the identity provider set. With alwaysUpsert every provider user is
// upserted; otherwise only users missing from Kafka are. Principals known
// to Kafka but absent from the provider are deleted unless excluded.
func Compute(
	users []scrambridge.User,
	kafkaPrincipals map[string][]scrambridge.Mechanism,
	policy *ExclusionPolicy,
	alwaysUpsert bool,
) *scrambridge.SyncPlan {
	kcNames := make(map[string]struct{}, len(users))
	for i := range users {
		kcNames[users[i].Username] = struct{}{}
	}

	var upserts []scrambridge.User
	if alwaysUpsert {
		upserts = make([]scrambridge.User, len(users))
		copy(upserts, users)
	} else {
		for i := range users {
			if _, ok := kafkaPrincipals[users[i].Username]; !ok {
				upserts = append(upserts, users[i])
			}
		}
	}

	var deletes []string
	for principal := range kafkaPrincipals {
		if policy.Excluded(principal) {
			continue
		}
		if _, ok := kcNames[principal]; !ok {
			deletes = append(deletes, principal)
		}
	}

	return &scrambridge.SyncPlan{Upserts: upserts, Deletes: deletes}
}
