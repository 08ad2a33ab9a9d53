// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/aiku/wamonitor/pkg/connector/wamsg"
)

// UnknownSender is used when a message carries no push name.
const UnknownSender = "Unknown"

// BatchKind tags how a batch of inbound messages was delivered.
type BatchKind string

const (
	// BatchNotify is a live message delivery.
	BatchNotify BatchKind = "notify"
	// BatchAppend is a historical delivery, e.g. history sync after pairing.
	BatchAppend BatchKind = "append"
)

type inboundBatch struct {
	Kind     BatchKind
	Messages []*events.Message
}

// mediaSource is what the normalizer needs from the live session.
type mediaSource interface {
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)
	GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error)
}

type groupMembership interface {
	Contains(id string) bool
}

// Normalizer turns inbound message events from monitored groups into
// NormalizedMessages and admits them to the log.
type Normalizer struct {
	log      zerolog.Logger
	groups   groupMembership
	messages *MessageLog
	// forward is called after admission. It must not block.
	forward func(NormalizedMessage)
	now     func() time.Time
}

func NewNormalizer(groups groupMembership, messages *MessageLog, forward func(NormalizedMessage), log zerolog.Logger) *Normalizer {
	return &Normalizer{
		log:      log.With().Str("component", "normalizer").Logger(),
		groups:   groups,
		messages: messages,
		forward:  forward,
		now:      time.Now,
	}
}

// HandleBatch processes messages in delivery order and returns how many were
// admitted.
func (n *Normalizer) HandleBatch(ctx context.Context, src mediaSource, batch inboundBatch) int {
	if batch.Kind != BatchNotify && batch.Kind != BatchAppend {
		n.log.Trace().Str("kind", string(batch.Kind)).Msg("Ignoring batch kind")
		return 0
	}
	admitted := 0
	for _, evt := range batch.Messages {
		msg, err := n.normalize(ctx, src, evt)
		if err != nil {
			n.log.Warn().Err(err).Msg("Failed to normalize message")
			continue
		}
		if msg == nil {
			continue
		}
		n.messages.Admit(*msg)
		admitted++
		n.log.Info().
			Str("kind", string(batch.Kind)).
			Str("message_id", msg.ID).
			Str("group_id", msg.GroupID).
			Str("group_name", msg.GroupName).
			Str("sender", msg.SenderName).
			Bool("has_image", msg.Image != nil).
			Str("text", previewText(msg.Text, 100)).
			Msg("Captured message")
		if n.forward != nil {
			n.forward(*msg)
		}
	}
	return admitted
}

// normalize returns (nil, nil) to skip silently, (nil, err) to log an error,
// or (msg, nil) to admit.
func (n *Normalizer) normalize(ctx context.Context, src mediaSource, evt *events.Message) (*NormalizedMessage, error) {
	if evt == nil {
		return nil, nil
	}
	if evt.Info.IsFromMe {
		return nil, nil
	}
	chat := evt.Info.Chat
	if !IsGroupJID(chat) {
		return nil, nil
	}
	groupID := chat.String()
	if !n.groups.Contains(groupID) {
		return nil, nil
	}

	raw := evt.RawMessage
	if raw == nil {
		raw = evt.Message
	}
	content := wamsg.Unwrap(raw)
	text := wamsg.ExtractText(content)

	var media *Media
	if img := wamsg.ImageOf(content, raw); img != nil {
		data, err := src.Download(ctx, img)
		if err != nil {
			n.log.Warn().Err(err).
				Str("message_id", string(evt.Info.ID)).
				Str("group_id", groupID).
				Msg("Failed to download image, continuing without it")
		} else if len(data) > 0 {
			media = &Media{ContentType: wamsg.ImageType(img), Data: data}
		}
	}

	if text == "" && media == nil {
		return nil, nil
	}

	senderName := evt.Info.PushName
	if senderName == "" {
		senderName = UnknownSender
	}
	senderID := groupID
	if !evt.Info.Sender.IsEmpty() {
		senderID = evt.Info.Sender.ToNonAD().String()
	}

	return &NormalizedMessage{
		ID:         string(evt.Info.ID),
		Timestamp:  n.now().UTC(),
		GroupID:    groupID,
		GroupName:  n.groupName(ctx, src, chat),
		SenderName: senderName,
		SenderID:   senderID,
		Text:       text,
		Image:      media,
	}, nil
}

// groupName looks up the subject of a group, falling back to its ID.
func (n *Normalizer) groupName(ctx context.Context, src mediaSource, chat types.JID) string {
	info, err := src.GetGroupInfo(ctx, chat)
	if err != nil {
		n.log.Debug().Err(err).Str("group_id", chat.String()).Msg("Failed to get group info")
		return chat.String()
	}
	if info == nil || info.Name == "" {
		return chat.String()
	}
	return info.Name
}

// handleSessionEvent receives every non-lifecycle event from the session.
func (wc *WhatsAppConnector) handleSessionEvent(sess waSession, evt any) {
	switch e := evt.(type) {
	case *events.Message:
		wc.Normalizer.HandleBatch(wc.ctx, sess, inboundBatch{Kind: BatchNotify, Messages: []*events.Message{e}})
	case *events.HistorySync:
		if !wc.Config.WhatsApp.CaptureHistory {
			return
		}
		wc.Normalizer.HandleHistorySync(wc.ctx, sess, e)
	default:
		wc.log.Trace().Type("event_type", evt).Msg("Unhandled event type")
	}
}
