package logs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/botdock/botdock/internal/domain"
	"github.com/botdock/botdock/internal/repository"
	"github.com/botdock/botdock/internal/storage"
	"github.com/botdock/botdock/internal/ws"
)

// DefaultLimit bounds log retrieval when the caller does not specify one.
const DefaultLimit = 100

const mirrorTimeLayout = time.RFC3339Nano

// Service is the log sink for supervised processes. The durable store is
// primary; a plaintext per-project mirror file exists for operational
// inspection and as a read fallback when the store holds no entries.
//
// Appending must never fail loudly: a sink error cannot be allowed to crash
// the supervised process or block its output stream, so failures are logged
// and swallowed.
type Service struct {
	repo       repository.LogRepository
	locator    *storage.Locator
	hub        *ws.Hub
	logger     *slog.Logger
	mirrorName string
}

// New constructs a log sink.
func New(repo repository.LogRepository, locator *storage.Locator, hub *ws.Hub, logger *slog.Logger, mirrorName string) Service {
	if mirrorName == "" {
		mirrorName = "bot.log"
	}
	return Service{repo: repo, locator: locator, hub: hub, logger: logger, mirrorName: mirrorName}
}

// Append persists one line of process output. Empty lines are discarded.
func (s Service) Append(ctx context.Context, projectID, stream, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	entry := domain.LogEntry{
		ProjectID: projectID,
		Stream:    stream,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		s.logger.Warn("log append failed", "project_id", projectID, "error", err)
	}
	s.mirror(projectID, entry)
	s.broadcast(entry)
}

// Recent returns up to limit entries in oldest-first order. The durable
// store is authoritative; the file mirror is consulted only when the store
// has nothing for the project.
func (s Service) Recent(ctx context.Context, projectID string, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	entries, err := s.repo.ListRecentLogs(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		return entries, nil
	}
	return s.readMirror(projectID, limit), nil
}

// Clear destroys all logs for a project, durable store and mirror both.
func (s Service) Clear(ctx context.Context, projectID string) error {
	if err := s.repo.ClearLogs(ctx, projectID); err != nil {
		return err
	}
	if path, ok := s.mirrorPath(projectID); ok {
		if err := os.Truncate(path, 0); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("log mirror truncate failed", "project_id", projectID, "error", err)
		}
	}
	return nil
}

// Hub exposes the stream hub for websocket handlers.
func (s Service) Hub() *ws.Hub {
	return s.hub
}

func (s Service) mirrorPath(projectID string) (string, bool) {
	if s.locator == nil {
		return "", false
	}
	dir, err := s.locator.ProjectDir(projectID)
	if err != nil {
		return "", false
	}
	return filepath.Join(dir, s.mirrorName), true
}

func (s Service) mirror(projectID string, entry domain.LogEntry) {
	path, ok := s.mirrorPath(projectID)
	if !ok {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Warn("log mirror open failed", "project_id", projectID, "error", err)
		return
	}
	defer f.Close()
	line := fmt.Sprintf("%s [%s] %s\n", entry.CreatedAt.Format(mirrorTimeLayout), entry.Stream, entry.Content)
	if _, err := f.WriteString(line); err != nil {
		s.logger.Warn("log mirror write failed", "project_id", projectID, "error", err)
	}
}

// readMirror reconstructs entries from the plaintext mirror, keeping the
// last limit lines. Lines that predate the mirror format are kept verbatim.
func (s Service) readMirror(projectID string, limit int) []domain.LogEntry {
	path, ok := s.mirrorPath(projectID)
	if !ok {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	var entries []domain.LogEntry
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		entries = append(entries, parseMirrorLine(projectID, line))
	}
	return entries
}

func parseMirrorLine(projectID, line string) domain.LogEntry {
	entry := domain.LogEntry{ProjectID: projectID, Stream: domain.StreamStdout, Content: line}
	fields := strings.SplitN(line, " ", 3)
	if len(fields) == 3 {
		if ts, err := time.Parse(mirrorTimeLayout, fields[0]); err == nil {
			stream := strings.Trim(fields[1], "[]")
			entry.CreatedAt = ts
			entry.Stream = stream
			entry.Content = fields[2]
		}
	}
	return entry
}

func (s Service) broadcast(entry domain.LogEntry) {
	if s.hub == nil {
		return
	}
	payload, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(entry.ProjectID, payload)
}

// MarshalEntry formats a log entry for streaming payloads.
func MarshalEntry(entry domain.LogEntry) ([]byte, error) {
	payload := map[string]any{
		"project_id": entry.ProjectID,
		"stream":     entry.Stream,
		"content":    entry.Content,
		"created_at": entry.CreatedAt.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
