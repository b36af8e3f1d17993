package domain

import (
	"encoding"
	"time"
)

type WorkerStatus string

const (
	WorkerPending   WorkerStatus = "PENDING"
	WorkerRunning   WorkerStatus = "RUNNING"
	WorkerCompleted WorkerStatus = "COMPLETED"
	WorkerFailed    WorkerStatus = "FAILED"
	WorkerReaped    WorkerStatus = "REAPED"
)

var (
	_ encoding.BinaryMarshaler = WorkerStatus("")
	_ encoding.TextMarshaler   = WorkerStatus("")
)

func (s WorkerStatus) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s WorkerStatus) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }

// WorkItem is one entry on the shared work queue. Done marks the
// end-of-work sentinel; each worker consumes exactly one.
type WorkItem struct {
	File string `json:"file,omitempty"`
	Done bool   `json:"done,omitempty"`
}

func Sentinel() WorkItem { return WorkItem{Done: true} }

// LogRecord travels over the log channel. Shutdown stops the listener.
type LogRecord struct {
	Time     time.Time      `json:"time"`
	Level    string         `json:"level"`
	Source   string         `json:"source"`
	Message  string         `json:"message"`
	Attrs    map[string]any `json:"attrs,omitempty"`
	Shutdown bool           `json:"shutdown,omitempty"`
}
