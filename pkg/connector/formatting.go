// Copyright 2024-2026 Aiku AI

package connector

import (
	"unicode/utf8"

	"github.com/aiku/wamonitor/pkg/cloneapi"
)

// previewText shortens text to at most limit runes for logging.
func previewText(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "..."
}

// cloneRequestFor builds the backend payload for a captured message.
func cloneRequestFor(msg NormalizedMessage) cloneapi.CloneRequest {
	return cloneapi.CloneRequest{
		Text:        msg.Text,
		ImageURL:    msg.Image.DataURL(),
		SourceGroup: msg.GroupID,
		SourceName:  msg.GroupName,
	}
}
