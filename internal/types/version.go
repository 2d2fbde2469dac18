package types

import "time"

type VersionRef struct {
	Number            int
	PointerGeneration int64
	PointerExists     bool
}

type VersionInfo struct {
	Number    int
	CreatedAt time.Time
}

type LockStatus struct {
	URL        string
	Held       bool
	Generation int64
	UpdateTime time.Time
	Age        time.Duration
	Stale      bool
	Holder     LeaseRecord
}

type LeaseRecord struct {
	Holder     string    `json:"holder"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	RenewedAt  time.Time `json:"renewed_at"`
}
