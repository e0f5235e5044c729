package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// record is the on-disk telemetry shape: {ts, repo, type, level, data}.
type record struct {
	TS    time.Time         `json:"ts"`
	Repo  string            `json:"repo,omitempty"`
	Type  EventType         `json:"type"`
	Level Level             `json:"level"`
	Data  map[string]string `json:"data,omitempty"`
}

// Sink writes telemetry records as JSON-lines under dir, one file per day
//. Secrets are redacted before a record ever reaches disk.
type Sink struct {
	dir string

	mu      sync.Mutex
	day     string
	file    *os.File
	enc     *json.Encoder
	onError func(error)
}

// NewSink creates a Sink rooted at dir, creating it if necessary.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create events directory: %w", err)
	}
	return &Sink{dir: dir}, nil
}

// Write appends event to today's file, rotating at midnight. Write errors
// are swallowed after an optional onError callback fires; telemetry must
// never block or fail the caller's operation.
func (s *Sink) Write(event *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := event.Timestamp.UTC().Format("2006-01-02")
	if day != s.day || s.file == nil {
		if err := s.rotate(day); err != nil {
			if s.onError != nil {
				s.onError(err)
			}
			return
		}
	}

	rec := record{
		TS:    event.Timestamp,
		Repo:  event.Repo,
		Type:  event.Type,
		Level: event.Level,
		Data:  redactMap(mergeMetadata(event.Message, event.Metadata)),
	}

	if err := s.enc.Encode(rec); err != nil && s.onError != nil {
		s.onError(err)
	}
}

func (s *Sink) rotate(day string) error {
	if s.file != nil {
		s.file.Close()
	}
	path := filepath.Join(s.dir, day+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open events file %s: %w", path, err)
	}
	s.file = f
	s.enc = json.NewEncoder(f)
	s.day = day
	return nil
}

// Close flushes and closes the current file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

func mergeMetadata(message string, meta map[string]string) map[string]string {
	if message == "" && len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	if message != "" {
		out["message"] = message
	}
	return out
}

// Redaction patterns for known secret shapes.
var (
	reGitHubToken = regexp.MustCompile(`\b(ghp|ghs|gho|ghu|ghr|github_pat)_[A-Za-z0-9_]{20,}\b`)
	rePrivateKey  = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)
	reAWSKeyID    = regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`)
	reHomeDir     = regexp.MustCompile(`/(?:home|Users)/[^/\s]+`)
)

func redact(s string) string {
	s = reGitHubToken.ReplaceAllString(s, "[REDACTED-TOKEN]")
	s = rePrivateKey.ReplaceAllString(s, "[REDACTED-PRIVATE-KEY]")
	s = reAWSKeyID.ReplaceAllString(s, "[REDACTED-AWS-KEY]")
	s = reHomeDir.ReplaceAllString(s, "[REDACTED-HOME]")
	return s
}

func redactMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = redact(v)
	}
	return out
}
