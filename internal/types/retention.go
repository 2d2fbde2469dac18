package types

type VersionRetentionPolicy struct {
	KeepLast int
	KeepDays int
	DryRun   bool
}

type VersionPrunePlan struct {
	Keep   []VersionInfo
	Delete []VersionInfo
}
