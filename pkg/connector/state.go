// Copyright 2024-2026 Aiku AI

package connector

import "sync"

// ConnectionState is the process-wide session state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateQRPending
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateQRPending:
		return "qr-pending"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// stateHolder guards the single ConnectionState instance. Only the lifecycle
// manager writes it.
type stateHolder struct {
	mu    sync.RWMutex
	state ConnectionState
}

func (h *stateHolder) Get() ConnectionState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Set stores s and returns the previous state.
func (h *stateHolder) Set(s ConnectionState) ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.state
	h.state = s
	return prev
}
