package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

type Session struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ChatMessage struct {
	ID               string
	SessionID        string
	MessageType      string // "user", "assistant", "system", "error"
	Content          string
	TokensUsed       int
	ProcessingTimeMs int64
	Metadata         string // JSON object stored as text
	CreatedAt        time.Time
}

type ProcessingEvent struct {
	ID               int64
	SessionID        string
	Status           string // "started", "streaming", "completed", "error"
	ChunkCount       int
	ChunksProcessed  int
	PartialContent   string
	ProcessingTimeMs int64
	UsageJSON        string // JSON object stored as text
	ErrorMessage     string
	CreatedAt        time.Time
}
