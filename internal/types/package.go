package types

import (
	"fmt"
	"sort"
)

type PackageDescriptor struct {
	Path          string
	Format        PackageFormat
	Distro        string
	Arch          string
	Name          string
	Version       string
	CanonicalName string
}

// Partition identifies one repository index. Deb repositories keep all
// architectures in a single aptly repository, so their Arch is empty.
type Partition struct {
	Distro string
	Arch   string
}

func (p Partition) String() string {
	if p.Arch == "" {
		return p.Distro
	}
	return fmt.Sprintf("%s/%s", p.Distro, p.Arch)
}

type Distribution struct {
	Name          string        `yaml:"name"`
	PackageFormat PackageFormat `yaml:"package_format"`
}

type DistributionsFile struct {
	Distributions []Distribution `yaml:"distributions"`
}

// Inventory lists the canonical names present in each partition.
type Inventory map[Partition]map[string]struct{}

func (inv Inventory) Add(partition Partition, canonicalName string) {
	names, ok := inv[partition]
	if !ok {
		names = map[string]struct{}{}
		inv[partition] = names
	}
	names[canonicalName] = struct{}{}
}

func (inv Inventory) Contains(partition Partition, canonicalName string) bool {
	names, ok := inv[partition]
	if !ok {
		return false
	}
	_, ok = names[canonicalName]
	return ok
}

// PartitionsOf returns every known partition of distro.
func (inv Inventory) PartitionsOf(distro string) []Partition {
	var result []Partition
	for partition := range inv {
		if partition.Distro == distro {
			result = append(result, partition)
		}
	}
	return result
}

type ImportOptions struct {
	Overwrite bool
}

type SkippedPackage struct {
	Package PackageDescriptor
	Reason  string
}

type ImportPlan struct {
	Imports  map[Partition][]PackageDescriptor
	Skipped  []SkippedPackage
	Rejected []SkippedPackage
}

func (p ImportPlan) Imported() int {
	total := 0
	for _, packages := range p.Imports {
		total += len(packages)
	}
	return total
}

// SkippedCount includes rejected candidates: both were not imported.
func (p ImportPlan) SkippedCount() int {
	return len(p.Skipped) + len(p.Rejected)
}

// Partitions returns the partitions with imports, sorted.
func (p ImportPlan) Partitions() []Partition {
	partitions := make([]Partition, 0, len(p.Imports))
	for partition := range p.Imports {
		partitions = append(partitions, partition)
	}
	SortPartitions(partitions)
	return partitions
}

func SortPartitions(partitions []Partition) {
	sort.Slice(partitions, func(i, j int) bool {
		if partitions[i].Distro != partitions[j].Distro {
			return partitions[i].Distro < partitions[j].Distro
		}
		return partitions[i].Arch < partitions[j].Arch
	})
}

// DistroNames returns the names of the distributions using format, in
// file order.
func DistroNames(distributions []Distribution, format PackageFormat) []string {
	var names []string
	for _, dist := range distributions {
		if dist.PackageFormat == format {
			names = append(names, dist.Name)
		}
	}
	return names
}
