// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/aiku/wamonitor/pkg/connector/wamsg"
)

// DefaultLogCapacity is the number of captured messages kept in memory.
const DefaultLogCapacity = 500

// DefaultListLimit is used by MessageLog.List for non-positive limits.
const DefaultListLimit = 100

// Media is an image captured from an inbound message.
type Media struct {
	ContentType string
	Data        []byte
}

// DataURL renders the media as an embeddable base64 data URL.
func (m *Media) DataURL() string {
	if m == nil {
		return ""
	}
	return wamsg.DataURL(m.ContentType, m.Data)
}

// MarshalJSON encodes the media as its data URL.
func (m *Media) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.DataURL())
}

// NormalizedMessage is the canonical form of a captured group message. At
// least one of Text and Image is set. Values are never modified after
// admission.
type NormalizedMessage struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	GroupID    string    `json:"groupId"`
	GroupName  string    `json:"groupName"`
	SenderName string    `json:"sender"`
	SenderID   string    `json:"senderId"`
	Text       string    `json:"text"`
	Image      *Media    `json:"imageUrl"`
}

// MessageLog is a bounded newest-first ring of captured messages. It is
// never persisted.
type MessageLog struct {
	mu       sync.RWMutex
	buf      []NormalizedMessage
	newest   int
	count    int
	defLimit int
}

// NewMessageLog creates an empty log holding at most capacity messages.
func NewMessageLog(capacity, defaultLimit int) *MessageLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	if defaultLimit <= 0 {
		defaultLimit = DefaultListLimit
	}
	return &MessageLog{
		buf:      make([]NormalizedMessage, capacity),
		newest:   capacity - 1,
		defLimit: defaultLimit,
	}
}

// Admit inserts msg at the head, evicting the oldest entry when full.
// Repeated IDs are kept as separate entries.
func (l *MessageLog) Admit(msg NormalizedMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.newest = (l.newest + 1) % len(l.buf)
	l.buf[l.newest] = msg
	if l.count < len(l.buf) {
		l.count++
	}
}

// at returns the i-th newest entry. Callers hold the lock.
func (l *MessageLog) at(i int) *NormalizedMessage {
	idx := (l.newest - i + len(l.buf)) % len(l.buf)
	return &l.buf[idx]
}

// Find returns the newest message with the given ID.
func (l *MessageLog) Find(id string) (NormalizedMessage, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := 0; i < l.count; i++ {
		if msg := l.at(i); msg.ID == id {
			return *msg, true
		}
	}
	return NormalizedMessage{}, false
}

// List returns up to limit messages, newest first. A non-positive limit
// uses the default.
func (l *MessageLog) List(limit int) []NormalizedMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 {
		limit = l.defLimit
	}
	limit = min(limit, l.count)
	out := make([]NormalizedMessage, limit)
	for i := range limit {
		out[i] = *l.at(i)
	}
	return out
}

// Len returns the number of messages held.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Capacity returns the maximum number of messages held.
func (l *MessageLog) Capacity() int {
	return len(l.buf)
}
