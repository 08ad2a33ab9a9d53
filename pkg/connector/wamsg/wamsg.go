// Copyright 2024-2026 Aiku AI

// Package wamsg extracts canonical content from WhatsApp message payloads.
//
// Inbound payloads may arrive wrapped in ephemeral or view-once envelopes and
// carry their text in one of several mutually exclusive fields. The helpers in
// this package peel the envelopes and pick the text and image in a fixed
// priority order. They perform no I/O.
package wamsg

import (
	"encoding/base64"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
)

// DefaultImageType is assumed when an image payload does not declare a MIME type.
const DefaultImageType = "image/jpeg"

// Unwrap peels at most one ephemeral, one view-once and one view-once-v2
// envelope, in that order, and returns the innermost content. A message with
// no envelopes is returned as-is, so Unwrap(Unwrap(m)) == Unwrap(m) for any
// message that carries at most one envelope of each kind.
func Unwrap(msg *waE2E.Message) *waE2E.Message {
	if msg == nil {
		return nil
	}
	if inner := msg.GetEphemeralMessage().GetMessage(); inner != nil {
		msg = inner
	}
	if inner := msg.GetViewOnceMessage().GetMessage(); inner != nil {
		msg = inner
	}
	if inner := msg.GetViewOnceMessageV2().GetMessage(); inner != nil {
		msg = inner
	}
	return msg
}

// ExtractText returns the first non-empty text field of an unwrapped message.
// The order is plain conversation, extended text, image caption, video
// caption, document caption, list reply row id, button reply id.
func ExtractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	candidates := [...]string{
		msg.GetConversation(),
		msg.GetExtendedTextMessage().GetText(),
		msg.GetImageMessage().GetCaption(),
		msg.GetVideoMessage().GetCaption(),
		msg.GetDocumentMessage().GetCaption(),
		msg.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID(),
		msg.GetButtonsResponseMessage().GetSelectedButtonID(),
	}
	for _, text := range candidates {
		if text != "" {
			return text
		}
	}
	return ""
}

// ImageOf returns the image payload of a message, looking at the unwrapped
// content first and the raw top-level content second.
func ImageOf(unwrapped, raw *waE2E.Message) *waE2E.ImageMessage {
	if img := unwrapped.GetImageMessage(); img != nil {
		return img
	}
	return raw.GetImageMessage()
}

// ImageType returns the declared MIME type of an image, or DefaultImageType.
func ImageType(img *waE2E.ImageMessage) string {
	mime := img.GetMimetype()
	// WhatsApp sometimes appends codec parameters.
	if idx := strings.IndexByte(mime, ';'); idx >= 0 {
		mime = strings.TrimSpace(mime[:idx])
	}
	if mime == "" {
		return DefaultImageType
	}
	return mime
}

// DataURL encodes data as a base64 data URL of the given content type.
func DataURL(contentType string, data []byte) string {
	if contentType == "" {
		contentType = DefaultImageType
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURL is the inverse of DataURL. It reports false for anything that
// is not a base64 data URL.
func ParseDataURL(s string) (contentType string, data []byte, ok bool) {
	rest, found := strings.CutPrefix(s, "data:")
	if !found {
		return "", nil, false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", nil, false
	}
	contentType, found = strings.CutSuffix(meta, ";base64")
	if !found {
		return "", nil, false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, false
	}
	return contentType, data, true
}
