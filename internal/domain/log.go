package domain

import "time"

// Log stream kinds. StreamSystem tags entries authored by the platform
// itself (crash notices, missing-secret warnings) rather than the bot.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

// LogEntry is one captured line of process output. Entries are append-only
// and ordered by creation timestamp.
type LogEntry struct {
	ID        int64
	ProjectID string
	Stream    string
	Content   string
	CreatedAt time.Time
}
