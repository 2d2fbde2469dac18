package types

type PublishReport struct {
	Format      PackageFormat
	Imported    int
	Skipped     int
	Rejected    int
	BaseVersion int
	Version     int
	PublicURL   string
	DryRun      bool
	NothingToDo bool
	FinalState  TransactionState
	Attempts    int
}
