package core

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"repo-publisher/internal/types"
)

const (
	reasonAlreadyPresent = "package already in repository"
	reasonDuplicate      = "package listed more than once"
)

type ImportRequest struct {
	Format     types.PackageFormat
	Candidates []types.PackageDescriptor
	Inventory  types.Inventory
	// Repositories are the distros that already have a repository.
	Repositories []string
	// Supported are the distros currently supported for Format.
	Supported []string
	Options   types.ImportOptions
}

// PartitionFor returns the index a package belongs to within distro. One
// aptly repository holds every architecture of a deb distribution.
func PartitionFor(pkg types.PackageDescriptor, distro string) types.Partition {
	if pkg.Format == types.PackageFormatDeb {
		return types.Partition{Distro: distro}
	}
	return types.Partition{Distro: distro, Arch: pkg.Arch}
}

// PlanImport decides which candidates enter which partition. Candidates
// are visited in order, so the plan is deterministic for a given input.
func PlanImport(req ImportRequest) types.ImportPlan {
	plan := types.ImportPlan{Imports: map[types.Partition][]types.PackageDescriptor{}}
	repositories := toSet(req.Repositories)
	supported := toSet(req.Supported)
	planned := types.Inventory{}

	for _, candidate := range req.Candidates {
		distros := []string{candidate.Distro}
		if candidate.Distro == "" {
			distros = req.Supported
			if len(distros) == 0 {
				plan.Rejected = append(plan.Rejected, types.SkippedPackage{
					Package: candidate,
					Reason:  fmt.Sprintf("no supported %s distribution", req.Format),
				})
				continue
			}
		}

		for _, distro := range distros {
			pkg := candidate
			pkg.Distro = distro
			if _, ok := repositories[distro]; !ok {
				if _, ok := supported[distro]; !ok {
					log.Warn().Str("path", pkg.Path).Str("distro", distro).Msg("rejecting package for unsupported distribution")
					plan.Rejected = append(plan.Rejected, types.SkippedPackage{
						Package: pkg,
						Reason:  fmt.Sprintf("distribution %s is not supported", distro),
					})
					continue
				}
			}

			partition := PartitionFor(pkg, distro)
			if planned.Contains(partition, pkg.CanonicalName) {
				plan.Skipped = append(plan.Skipped, types.SkippedPackage{Package: pkg, Reason: reasonDuplicate})
				continue
			}
			if !req.Options.Overwrite && !shouldImport(req.Inventory, partition, pkg) {
				log.Info().Str("path", pkg.Path).Str("partition", partition.String()).Msg("SKIP: package already in repository")
				plan.Skipped = append(plan.Skipped, types.SkippedPackage{Package: pkg, Reason: reasonAlreadyPresent})
				continue
			}
			log.Info().Str("path", pkg.Path).Str("partition", partition.String()).Msg("INCLUDE")
			planned.Add(partition, pkg.CanonicalName)
			plan.Imports[partition] = append(plan.Imports[partition], pkg)
		}
	}
	return plan
}

func shouldImport(inv types.Inventory, partition types.Partition, pkg types.PackageDescriptor) bool {
	if !inv.Contains(partition, pkg.CanonicalName) {
		return true
	}
	return types.IsArchIndependent(pkg.Arch) && missingFromSomePartition(inv, partition, pkg.CanonicalName)
}

// missingFromSomePartition reports whether an architecture-independent
// package is absent from one of the architecture indexes of its distro.
// Other architecture-independent partitions never hold it.
func missingFromSomePartition(inv types.Inventory, own types.Partition, canonicalName string) bool {
	for _, partition := range inv.PartitionsOf(own.Distro) {
		if partition == own || types.IsArchIndependent(partition.Arch) {
			continue
		}
		if !inv.Contains(partition, canonicalName) {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		set[value] = struct{}{}
	}
	return set
}
