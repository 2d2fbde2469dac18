package app

import (
	"sort"
	"time"

	"repo-publisher/internal/types"
)

// BuildPrunePlan splits versions into those to keep and those to delete.
// The latest version and anything newer than it are always kept.
func BuildPrunePlan(versions []types.VersionInfo, latest int, policy types.VersionRetentionPolicy, now time.Time) types.VersionPrunePlan {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	normalized := normalizeRetentionPolicy(policy)

	keep := map[int]struct{}{}
	for _, version := range versions {
		if version.Number >= latest {
			keep[version.Number] = struct{}{}
		}
		if normalized.KeepDays > 0 && !version.CreatedAt.IsZero() {
			cutoff := now.AddDate(0, 0, -normalized.KeepDays)
			if !version.CreatedAt.Before(cutoff) {
				keep[version.Number] = struct{}{}
			}
		}
	}

	if normalized.KeepLast > 0 {
		sorted := append([]types.VersionInfo(nil), versions...)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].Number > sorted[j].Number
		})
		limit := min(normalized.KeepLast, len(sorted))
		for i := 0; i < limit; i++ {
			keep[sorted[i].Number] = struct{}{}
		}
	}

	var plan types.VersionPrunePlan
	for _, version := range versions {
		if _, ok := keep[version.Number]; ok {
			plan.Keep = append(plan.Keep, version)
		} else {
			plan.Delete = append(plan.Delete, version)
		}
	}
	return plan
}

func normalizeRetentionPolicy(policy types.VersionRetentionPolicy) types.VersionRetentionPolicy {
	normalized := policy
	if normalized.KeepLast < 0 {
		normalized.KeepLast = 0
	}
	if normalized.KeepDays < 0 {
		normalized.KeepDays = 0
	}
	return normalized
}
