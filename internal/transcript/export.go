package transcript

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// isoLayout renders UTC times like "2025-03-14T09:26:53.589Z".
const isoLayout = "2006-01-02T15:04:05.000Z"

// Configuration is the session configuration recorded in an export.
type Configuration struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"systemPrompt"`
}

// Document is the exported session.
type Document struct {
	Configuration Configuration  `json:"configuration"`
	Conversation  []ExportedTurn `json:"conversation"`
}

// ExportedTurn is a [Turn] as written to an export.
type ExportedTurn struct {
	Role      Role   `json:"role"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"isFinal"`
	Timestamp string `json:"timestamp"`
}

// ISOTime formats t as an ISO-8601 UTC timestamp with millisecond precision.
func ISOTime(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

// Filename returns the download name for an export taken at t.
func Filename(t time.Time) string {
	return "translation-logs-" + ISOTime(t) + ".json"
}

// NewDocument builds an export of turns. The conversation is never null.
func NewDocument(cfg Configuration, turns []Turn) Document {
	doc := Document{
		Configuration: cfg,
		Conversation:  make([]ExportedTurn, 0, len(turns)),
	}
	for _, t := range turns {
		doc.Conversation = append(doc.Conversation, ExportedTurn{
			Role:      t.Role,
			Text:      t.Text,
			IsFinal:   t.Final,
			Timestamp: ISOTime(t.Timestamp),
		})
	}
	return doc
}

// Export writes the current history and cfg to w as indented JSON.
func (l *Log) Export(w io.Writer, cfg Configuration) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(NewDocument(cfg, l.Turns())); err != nil {
		return fmt.Errorf("transcript: export: %w", err)
	}
	return nil
}

// Save exports to a new file in dir named by [Filename] and returns its path.
func (l *Log) Save(dir string, cfg Configuration, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("transcript: save: %w", err)
	}
	path := filepath.Join(dir, Filename(now))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("transcript: save: %w", err)
	}
	if err := l.Export(f, cfg); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("transcript: save: %w", err)
	}
	return path, nil
}
