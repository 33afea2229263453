package domain

import "time"

// Project statuses. A project is online exactly while a supervised process
// id is recorded for it; the pairing is reconciled lazily against the OS.
const (
	StatusOffline = "offline"
	StatusOnline  = "online"
	StatusError   = "error"
)

// Project describes one tenant's deployable bot.
type Project struct {
	ID         string
	Name       string
	UserID     string
	TeamID     *string
	Status     string
	PID        *int
	CPUPercent float64
	RAMMb      float64
	CreatedAt  time.Time
}

// EnvVar stores one encrypted environment variable scoped to a project.
// Values are decrypted only at spawn time and are never written to logs.
type EnvVar struct {
	ProjectID string
	Key       string
	Value     []byte
	CreatedAt time.Time
}
