// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// ParseGroupJID parses a destination identifier. Identifiers without a server
// part are taken to be bare group IDs, so "120363041234567890" and
// "120363041234567890@g.us" name the same group.
func ParseGroupJID(raw string) (types.JID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.EmptyJID, fmt.Errorf("empty destination identifier")
	}
	if !strings.ContainsRune(raw, '@') {
		return types.NewJID(raw, types.GroupServer), nil
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("invalid destination %q: %w", raw, err)
	}
	if jid.User == "" {
		return types.EmptyJID, fmt.Errorf("invalid destination %q: missing user part", raw)
	}
	return jid, nil
}

// ParseParticipantJID parses a group participant. Bare phone numbers, with or
// without a leading + and separators, become user JIDs.
func ParseParticipantJID(raw string) (types.JID, error) {
	raw = strings.TrimSpace(raw)
	if strings.ContainsRune(raw, '@') {
		jid, err := types.ParseJID(raw)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("invalid participant %q: %w", raw, err)
		}
		return jid, nil
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		if r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' {
			return -1
		}
		return 'x'
	}, raw)
	if digits == "" || strings.ContainsRune(digits, 'x') {
		return types.EmptyJID, fmt.Errorf("invalid participant %q", raw)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// IsGroupJID reports whether jid names a group conversation.
func IsGroupJID(jid types.JID) bool {
	return jid.Server == types.GroupServer
}
