package match

import (
	"sort"

	"vaultpass/internal/api"
)

type Plan string

const (
	PlanFree Plan = "free"
	PlanPaid Plan = "paid"
)

// Gate restricts which vaults feed the matcher. Paid plans see everything.
// Free plans are limited to a deterministic subset of the user's own oldest
// vaults; the subset policy is versioned behind a flag so both generations
// stay testable.
type Gate struct {
	Plan Plan

	// TwoOldestVaults selects the newer policy (two oldest owned vaults)
	// over the legacy one (the single primary vault).
	TwoOldestVaults bool
}

// AllowedShares returns the share ids whose items may be offered.
func (g Gate) AllowedShares(shares []api.Share) []string {
	if g.Plan != PlanFree {
		out := make([]string, 0, len(shares))
		for _, s := range shares {
			out = append(out, s.ShareID)
		}
		return out
	}

	owned := make([]api.Share, 0, len(shares))
	for _, s := range shares {
		if s.Owner {
			owned = append(owned, s)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreateTime != owned[j].CreateTime {
			return owned[i].CreateTime < owned[j].CreateTime
		}
		return owned[i].ShareID < owned[j].ShareID
	})

	if g.TwoOldestVaults {
		n := 2
		if len(owned) < n {
			n = len(owned)
		}
		out := make([]string, 0, n)
		for _, s := range owned[:n] {
			out = append(out, s.ShareID)
		}
		return out
	}

	// legacy: the primary vault only; oldest owned when none is flagged
	for _, s := range owned {
		if s.Primary {
			return []string{s.ShareID}
		}
	}
	if len(owned) > 0 {
		return []string{owned[0].ShareID}
	}
	return nil
}
