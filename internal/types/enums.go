package types

type PackageFormat string

const (
	PackageFormatDeb PackageFormat = "deb"
	PackageFormatRPM PackageFormat = "rpm"
)

// RepoKind returns the namespace segment used for test-mode artifacts,
// e.g. "apt" for gs://<ci-bucket>/<run>/apt-repo.
func (f PackageFormat) RepoKind() string {
	switch f {
	case PackageFormatRPM:
		return "yum"
	default:
		return "apt"
	}
}

type TransactionState string

const (
	TransactionStateInit       TransactionState = "INIT"
	TransactionStateLocked     TransactionState = "LOCKED"
	TransactionStateFetched    TransactionState = "FETCHED"
	TransactionStateMutated    TransactionState = "MUTATED"
	TransactionStateDryRunStop TransactionState = "DRY_RUN_STOP"
	TransactionStateCommitted  TransactionState = "COMMITTED"
	TransactionStateReleased   TransactionState = "RELEASED"
)

const (
	ArchAll    = "all"
	ArchNoarch = "noarch"
	ArchSource = "src"
)

// IsArchIndependent reports whether packages built for arch belong in
// every architecture index of their distribution.
func IsArchIndependent(arch string) bool {
	switch arch {
	case ArchAll, ArchNoarch, ArchSource:
		return true
	default:
		return false
	}
}
