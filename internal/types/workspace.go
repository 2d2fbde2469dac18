package types

// Workspace is the scratch area of one run. GnupgHome keeps every gpg
// invocation away from the operator's keyring.
type Workspace struct {
	Root      string
	WorkDir   string
	GnupgHome string
	KeyPath   string
}
