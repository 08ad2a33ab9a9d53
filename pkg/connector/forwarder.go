// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/aiku/wamonitor/pkg/cloneapi"
)

var (
	ErrMessageNotFound    = errors.New("message not found")
	ErrNoMessagesResolved = errors.New("none of the requested messages were found")
	ErrMessageIDsRequired = errors.New("messageIds must be a non-empty list")
	ErrEmptyClonePayload  = errors.New("message text or image is required")
)

// cloneBackend is the external processing backend.
type cloneBackend interface {
	CloneMessage(ctx context.Context, req cloneapi.CloneRequest) (json.RawMessage, error)
	CloneMultiple(ctx context.Context, reqs []cloneapi.CloneRequest) (json.RawMessage, error)
	QueueStats(ctx context.Context) (json.RawMessage, error)
	Queue(ctx context.Context, status string) (json.RawMessage, error)
}

var _ cloneBackend = (*cloneapi.Client)(nil)

// Forwarder relays captured messages to the backend, on demand or through
// a bounded auto-forward queue.
type Forwarder struct {
	log      zerolog.Logger
	backend  cloneBackend
	messages *MessageLog
	queue    chan NormalizedMessage
	auto     bool
}

// NewForwarder creates a forwarder. When auto is false Enqueue is a no-op.
func NewForwarder(backend cloneBackend, messages *MessageLog, queueSize int, auto bool, log zerolog.Logger) *Forwarder {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Forwarder{
		log:      log.With().Str("component", "forwarder").Logger(),
		backend:  backend,
		messages: messages,
		queue:    make(chan NormalizedMessage, queueSize),
		auto:     auto,
	}
}

// ForwardOne posts an inline payload. Backend errors are returned as is,
// without retry.
func (f *Forwarder) ForwardOne(ctx context.Context, req cloneapi.CloneRequest) (json.RawMessage, error) {
	if req.Empty() {
		return nil, ErrEmptyClonePayload
	}
	return f.backend.CloneMessage(ctx, req)
}

// ForwardByID posts the captured message with the given id.
func (f *Forwarder) ForwardByID(ctx context.Context, id string) (json.RawMessage, error) {
	msg, ok := f.messages.Find(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return f.ForwardOne(ctx, cloneRequestFor(msg))
}

// ForwardBatch resolves ids against the message log and posts the resolved
// messages as one request. Unknown ids are dropped.
func (f *Forwarder) ForwardBatch(ctx context.Context, ids []string) (json.RawMessage, int, error) {
	if len(ids) == 0 {
		return nil, 0, ErrMessageIDsRequired
	}
	reqs := make([]cloneapi.CloneRequest, 0, len(ids))
	for _, id := range ids {
		msg, ok := f.messages.Find(id)
		if !ok {
			f.log.Debug().Str("message_id", id).Msg("Dropping unknown message from batch")
			continue
		}
		reqs = append(reqs, cloneRequestFor(msg))
	}
	if len(reqs) == 0 {
		return nil, 0, ErrNoMessagesResolved
	}
	raw, err := f.backend.CloneMultiple(ctx, reqs)
	if err != nil {
		return nil, len(reqs), err
	}
	f.log.Info().
		Int("requested", len(ids)).
		Int("resolved", len(reqs)).
		Int64("total_success", gjson.GetBytes(raw, "total_sucesso").Int()).
		Msg("Batch forwarded")
	return raw, len(reqs), nil
}

// QueueStats proxies the backend's queue statistics.
func (f *Forwarder) QueueStats(ctx context.Context) (json.RawMessage, error) {
	return f.backend.QueueStats(ctx)
}

// Queue proxies the backend's scheduled-message queue.
func (f *Forwarder) Queue(ctx context.Context, status string) (json.RawMessage, error) {
	return f.backend.Queue(ctx, status)
}

// Enqueue schedules msg for auto-forwarding. It never blocks; when the
// queue is full the message is dropped.
func (f *Forwarder) Enqueue(msg NormalizedMessage) {
	if !f.auto {
		return
	}
	select {
	case f.queue <- msg:
	default:
		f.log.Warn().
			Str("message_id", msg.ID).
			Int("queue_size", cap(f.queue)).
			Msg("Forward queue full, dropping message")
	}
}

// Run drains the auto-forward queue until ctx is done.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-f.queue:
			f.forwardQueued(ctx, msg)
		}
	}
}

func (f *Forwarder) forwardQueued(ctx context.Context, msg NormalizedMessage) {
	log := f.log.With().
		Str("message_id", msg.ID).
		Str("group_id", msg.GroupID).
		Logger()
	raw, err := f.backend.CloneMessage(ctx, cloneRequestFor(msg))
	if err != nil {
		log.Warn().Err(err).Msg("Auto-forward failed")
		return
	}
	evt := log.Info().
		Bool("success", gjson.GetBytes(raw, "success").Bool())
	if platforms := gjson.GetBytes(raw, "links_substituidos.#.plataforma"); platforms.IsArray() {
		names := make([]string, 0, len(platforms.Array()))
		for _, p := range platforms.Array() {
			names = append(names, p.String())
		}
		evt = evt.Strs("platforms", names)
	}
	evt.Msg("Message auto-forwarded")
}
