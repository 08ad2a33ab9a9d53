// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/wamonitor/pkg/cloneapi"
)

func newTestForwarder(t *testing.T, queueSize int, auto bool) (*Forwarder, *MessageLog, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	t.Cleanup(backend.Close)
	log := NewMessageLog(10, 10)
	client := cloneapi.New(backend.Server.URL, backend.Server.Client(), cloneapi.Timeouts{})
	return NewForwarder(client, log, queueSize, auto, zerolog.Nop()), log, backend
}

func capturedMessage(id, text string) NormalizedMessage {
	return NormalizedMessage{
		ID:        id,
		GroupID:   monitoredGroup,
		GroupName: "Promo Deals",
		Text:      text,
	}
}

func TestForwardByID(t *testing.T) {
	t.Parallel()
	f, log, backend := newTestForwarder(t, 1, false)
	msg := capturedMessage("m1", "deal")
	msg.Image = &Media{ContentType: "image/png", Data: []byte("hi")}
	log.Admit(msg)

	raw, err := f.ForwardByID(context.Background(), "m1")
	if err != nil {
		t.Fatalf("ForwardByID: %v", err)
	}
	if len(raw) == 0 {
		t.Error("expected backend response")
	}
	calls := backend.CallsTo("/whatsapp/clone-message")
	if len(calls) != 1 {
		t.Fatalf("backend calls: got %d, want 1", len(calls))
	}
	var body cloneapi.CloneRequest
	decodeBody(t, calls[0], &body)
	want := cloneapi.CloneRequest{
		Text:        "deal",
		ImageURL:    "data:image/png;base64,aGk=",
		SourceGroup: monitoredGroup,
		SourceName:  "Promo Deals",
	}
	if body != want {
		t.Errorf("body: got %+v, want %+v", body, want)
	}
}

func TestForwardByIDNotFound(t *testing.T) {
	t.Parallel()
	f, _, backend := newTestForwarder(t, 1, false)
	if _, err := f.ForwardByID(context.Background(), "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("error: got %v, want ErrMessageNotFound", err)
	}
	if len(backend.Calls()) != 0 {
		t.Error("backend should not be called")
	}
}

func TestForwardOneEmptyPayload(t *testing.T) {
	t.Parallel()
	f, _, backend := newTestForwarder(t, 1, false)
	_, err := f.ForwardOne(context.Background(), cloneapi.CloneRequest{SourceGroup: monitoredGroup})
	if !errors.Is(err, ErrEmptyClonePayload) {
		t.Errorf("error: got %v, want ErrEmptyClonePayload", err)
	}
	if len(backend.Calls()) != 0 {
		t.Error("backend should not be called")
	}
}

func TestForwardOneBackendError(t *testing.T) {
	t.Parallel()
	f, _, backend := newTestForwarder(t, 1, false)
	backend.Fail("/whatsapp/clone-message")

	_, err := f.ForwardOne(context.Background(), cloneapi.CloneRequest{Text: "x"})
	var apiErr *cloneapi.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 500 {
		t.Fatalf("error: got %v, want *cloneapi.Error with 500", err)
	}
	if got := len(backend.Calls()); got != 1 {
		t.Errorf("backend calls: got %d, want 1 (no retry)", got)
	}
}

func TestForwardBatchPartialResolution(t *testing.T) {
	t.Parallel()
	f, log, backend := newTestForwarder(t, 1, false)
	log.Admit(capturedMessage("a", "first"))
	log.Admit(capturedMessage("b", "second"))

	raw, resolved, err := f.ForwardBatch(context.Background(), []string{"a", "missing", "b"})
	if err != nil {
		t.Fatalf("ForwardBatch: %v", err)
	}
	if resolved != 2 {
		t.Errorf("resolved: got %d, want 2", resolved)
	}
	if string(raw) != `{"success":true,"total_sucesso":2}` {
		t.Errorf("raw: got %s", raw)
	}
	calls := backend.CallsTo("/whatsapp/clone-multiple")
	if len(calls) != 1 {
		t.Fatalf("backend calls: got %d, want 1", len(calls))
	}
	var body struct {
		Messages []cloneapi.CloneRequest `json:"mensagens"`
	}
	decodeBody(t, calls[0], &body)
	if len(body.Messages) != 2 || body.Messages[0].Text != "first" || body.Messages[1].Text != "second" {
		t.Errorf("batch: got %+v", body.Messages)
	}
}

func TestForwardBatchErrors(t *testing.T) {
	t.Parallel()
	f, _, backend := newTestForwarder(t, 1, false)
	if _, _, err := f.ForwardBatch(context.Background(), nil); !errors.Is(err, ErrMessageIDsRequired) {
		t.Errorf("nil ids: got %v, want ErrMessageIDsRequired", err)
	}
	if _, _, err := f.ForwardBatch(context.Background(), []string{"x", "y"}); !errors.Is(err, ErrNoMessagesResolved) {
		t.Errorf("unknown ids: got %v, want ErrNoMessagesResolved", err)
	}
	if len(backend.Calls()) != 0 {
		t.Error("backend should not be called")
	}
}

func TestEnqueueDisabled(t *testing.T) {
	t.Parallel()
	f, _, _ := newTestForwarder(t, 4, false)
	f.Enqueue(capturedMessage("a", "x"))
	if len(f.queue) != 0 {
		t.Errorf("queue length: got %d, want 0", len(f.queue))
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	t.Parallel()
	f, _, _ := newTestForwarder(t, 1, true)
	f.Enqueue(capturedMessage("a", "x"))
	f.Enqueue(capturedMessage("b", "y"))
	if len(f.queue) != 1 {
		t.Fatalf("queue length: got %d, want 1", len(f.queue))
	}
	if got := (<-f.queue).ID; got != "a" {
		t.Errorf("queued: got %q, want %q", got, "a")
	}
}

func TestForwarderRunDrainsQueue(t *testing.T) {
	t.Parallel()
	f, _, backend := newTestForwarder(t, 4, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	f.Enqueue(capturedMessage("a", "x"))
	f.Enqueue(capturedMessage("b", "y"))
	waitFor(t, "two auto-forwards", func() bool {
		return len(backend.CallsTo("/whatsapp/clone-message")) == 2
	})

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: got %v, want nil", err)
	}
}

func TestForwarderAutoFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	f, _, backend := newTestForwarder(t, 4, true)
	backend.Fail("/whatsapp/clone-message")
	// Must not panic or block.
	f.forwardQueued(context.Background(), capturedMessage("a", "x"))
	if got := len(backend.Calls()); got != 1 {
		t.Errorf("backend calls: got %d, want 1", got)
	}
}

func TestForwarderQueueProxies(t *testing.T) {
	t.Parallel()
	f, _, backend := newTestForwarder(t, 1, false)
	stats, err := f.QueueStats(context.Background())
	if err != nil || string(stats) != `{"pendentes":3,"enviadas":10}` {
		t.Errorf("QueueStats: got %s, %v", stats, err)
	}
	if _, err := f.Queue(context.Background(), ""); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	calls := backend.CallsTo("/fila-mensagens")
	if len(calls) != 1 || calls[0].Query != "status=todos" {
		t.Errorf("queue calls: got %+v", calls)
	}
}
