// Package messages collects user-visible notifications from background tasks.
// The HTTP layer drains them; the newest survive when the buffer overflows.
package messages

import (
	"sync"
	"time"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Message struct {
	Level     Level     `json:"level"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const defaultCapacity = 500

// Aggregator is a bounded FIFO of messages. Safe for concurrent use.
type Aggregator struct {
	mu       sync.Mutex
	buf      []Message
	capacity int
}

func NewAggregator() *Aggregator {
	return &Aggregator{capacity: defaultCapacity}
}

func (a *Aggregator) add(level Level, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = append(a.buf, Message{Level: level, Text: text, Timestamp: time.Now().UTC()})
	if len(a.buf) > a.capacity {
		a.buf = a.buf[len(a.buf)-a.capacity:]
	}
}

func (a *Aggregator) Info(text string)    { a.add(LevelInfo, text) }
func (a *Aggregator) Warning(text string) { a.add(LevelWarning, text) }
func (a *Aggregator) Error(text string)   { a.add(LevelError, text) }

// Drain returns the pending messages and clears the buffer.
func (a *Aggregator) Drain() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.buf
	a.buf = nil
	return out
}
