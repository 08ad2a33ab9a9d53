// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"slices"

	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// historySource parses stored messages delivered through history sync.
type historySource interface {
	mediaSource
	ParseWebMessage(chatJID types.JID, webMsg *waWeb.WebMessageInfo) (*events.Message, error)
}

// HandleHistorySync feeds each monitored conversation of a history sync blob
// through the normalizer as an append batch, oldest first.
func (n *Normalizer) HandleHistorySync(ctx context.Context, src historySource, evt *events.HistorySync) int {
	admitted := 0
	for _, conv := range evt.Data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			n.log.Debug().Err(err).Str("conversation_id", conv.GetID()).Msg("Skipping conversation with invalid JID")
			continue
		}
		if !IsGroupJID(chatJID) || !n.groups.Contains(chatJID.String()) {
			continue
		}

		batch := inboundBatch{Kind: BatchAppend}
		for _, item := range conv.GetMessages() {
			msg, err := src.ParseWebMessage(chatJID, item.GetMessage())
			if err != nil {
				n.log.Debug().Err(err).Str("group_id", chatJID.String()).Msg("Failed to parse history message")
				continue
			}
			batch.Messages = append(batch.Messages, msg)
		}

		// Sort chronologically (oldest first) so the log ends newest-first.
		slices.SortStableFunc(batch.Messages, func(a, b *events.Message) int {
			return a.Info.Timestamp.Compare(b.Info.Timestamp)
		})

		count := n.HandleBatch(ctx, src, batch)
		n.log.Info().
			Str("group_id", chatJID.String()).
			Int("parsed", len(batch.Messages)).
			Int("admitted", count).
			Msg("Processed history sync conversation")
		admitted += count
	}
	return admitted
}
