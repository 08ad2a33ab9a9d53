// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"

	"github.com/aiku/wamonitor/pkg/connector/wamsg"
)

// maxImageSize is the largest image fetched for sending (32 MB).
const maxImageSize = 32 << 20

// ErrEmptyContent is returned when there is nothing to send.
var ErrEmptyContent = errors.New("message or image is required")

// Content is an outbound message: plain text, or an image with a caption.
// ImageURL may be an http(s) URL or a data URL.
type Content struct {
	Text     string
	ImageURL string
}

func (c Content) Empty() bool {
	return strings.TrimSpace(c.Text) == "" && c.ImageURL == ""
}

// DeliveryResult is the outcome of sending to one destination.
type DeliveryResult struct {
	GroupID   string `json:"groupId"`
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// outboundSession is what the sender needs from the live session.
type outboundSession interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
}

// Sender delivers messages with bounded retries.
type Sender struct {
	log         zerolog.Logger
	maxAttempts int
	pause       time.Duration
	limiter     *rate.Limiter
	http        *http.Client
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewSender(cfg DeliveryConfig, log zerolog.Logger) *Sender {
	s := &Sender{
		log:         log.With().Str("component", "sender").Logger(),
		maxAttempts: max(cfg.MaxAttempts, 1),
		pause:       cfg.DestinationPause,
		http:        &http.Client{Timeout: 30 * time.Second},
		sleep:       sleepContext,
	}
	if cfg.SendsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), 1)
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// sessionErrorMarkers identify failures of the end-to-end encrypted session
// layer, which tend to clear up after a short pause.
var sessionErrorMarkers = []string{"session", "signal", "encrypt", "prekey"}

func isSessionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range sessionErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// retryDelay is the wait after the given failed attempt.
func retryDelay(attempt int, err error) time.Duration {
	if isSessionError(err) {
		return time.Duration(attempt) * 2 * time.Second
	}
	return time.Second
}

// preparedContent builds the protocol message once and reuses it across
// attempts and destinations.
type preparedContent struct {
	content Content
	msg     *waE2E.Message
}

// Send delivers content to one destination and returns the message ID.
func (s *Sender) Send(ctx context.Context, sess outboundSession, to string, content Content) (string, error) {
	if content.Empty() {
		return "", ErrEmptyContent
	}
	jid, err := ParseGroupJID(to)
	if err != nil {
		return "", err
	}
	return s.send(ctx, sess, jid, &preparedContent{content: content})
}

// SendToMany delivers content to each destination in order, pausing between
// destinations. A failure never stops the remaining deliveries.
func (s *Sender) SendToMany(ctx context.Context, sess outboundSession, destinations []string, content Content) []DeliveryResult {
	prepared := &preparedContent{content: content}
	results := make([]DeliveryResult, 0, len(destinations))
	for i, dest := range destinations {
		if i > 0 && s.pause > 0 {
			_ = s.sleep(ctx, s.pause)
		}
		result := DeliveryResult{GroupID: dest}
		jid, err := ParseGroupJID(dest)
		if err == nil && content.Empty() {
			err = ErrEmptyContent
		}
		if err == nil {
			result.MessageID, err = s.send(ctx, sess, jid, prepared)
		}
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
		}
		results = append(results, result)
	}
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	s.log.Info().
		Int("destinations", len(destinations)).
		Int("succeeded", succeeded).
		Msg("Fan-out send complete")
	return results
}

func (s *Sender) send(ctx context.Context, sess outboundSession, to types.JID, prepared *preparedContent) (string, error) {
	log := s.log.With().Str("to", to.String()).Logger()
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		id, err := s.attempt(ctx, sess, to, prepared)
		if err == nil {
			log.Info().Int("attempt", attempt).Str("message_id", id).Msg("Message sent")
			return id, nil
		}
		lastErr = err
		if attempt == s.maxAttempts {
			break
		}
		delay := retryDelay(attempt, err)
		log.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", s.maxAttempts).
			Bool("session_error", isSessionError(err)).
			Dur("retry_in", delay).
			Msg("Send attempt failed")
		if err := s.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
	log.Error().Err(lastErr).Int("attempts", s.maxAttempts).Msg("Giving up on message")
	return "", fmt.Errorf("send to %s failed after %d attempts: %w", to, s.maxAttempts, lastErr)
}

func (s *Sender) attempt(ctx context.Context, sess outboundSession, to types.JID, prepared *preparedContent) (string, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	msg, err := s.prepare(ctx, sess, prepared)
	if err != nil {
		return "", err
	}
	resp, err := sess.SendMessage(ctx, to, msg)
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (s *Sender) prepare(ctx context.Context, sess outboundSession, prepared *preparedContent) (*waE2E.Message, error) {
	if prepared.msg != nil {
		return prepared.msg, nil
	}
	content := prepared.content
	if content.ImageURL == "" {
		prepared.msg = &waE2E.Message{Conversation: proto.String(content.Text)}
		return prepared.msg, nil
	}

	data, mime, err := s.fetchImage(ctx, content.ImageURL)
	if err != nil {
		return nil, err
	}
	uploaded, err := sess.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return nil, fmt.Errorf("failed to upload image: %w", err)
	}
	img := &waE2E.ImageMessage{
		Mimetype:      proto.String(mime),
		URL:           proto.String(uploaded.URL),
		DirectPath:    proto.String(uploaded.DirectPath),
		MediaKey:      uploaded.MediaKey,
		FileEncSHA256: uploaded.FileEncSHA256,
		FileSHA256:    uploaded.FileSHA256,
		FileLength:    ptr.Ptr(uploaded.FileLength),
	}
	if content.Text != "" {
		img.Caption = proto.String(content.Text)
	}
	prepared.msg = &waE2E.Message{ImageMessage: img}
	return prepared.msg, nil
}

// fetchImage resolves an image URL to bytes and a MIME type.
func (s *Sender) fetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	if contentType, data, ok := wamsg.ParseDataURL(imageURL); ok {
		return data, contentType, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid image URL: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to fetch image: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > maxImageSize {
		return nil, "", fmt.Errorf("image exceeds %d bytes", maxImageSize)
	}
	mime, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	mime = strings.TrimSpace(mime)
	if !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}
