package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	apperrors "github.com/openclaw/wa-relay-server-go/internal/errors"
	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/transport"
)

// ParseDestination accepts a full JID or a phone number in any notation.
func ParseDestination(destination string) (types.JID, error) {
	destination = strings.TrimSpace(destination)
	if strings.Contains(destination, "@") {
		jid, err := types.ParseJID(destination)
		if err != nil {
			return types.JID{}, apperrors.InvalidInput("number", "malformed JID")
		}
		return jid.ToNonAD(), nil
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, destination)
	if digits == "" {
		return types.JID{}, apperrors.InvalidInput("number", "must contain digits")
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// Translate maps a whatsmeow event to transport events. Events without a
// transport meaning yield nothing.
func Translate(evt any) []transport.Event {
	switch e := evt.(type) {
	case *events.PairSuccess:
		return []transport.Event{transport.Authenticated{Credentials: e.ID.String()}}

	case *events.LoggedOut:
		return []transport.Event{transport.LinkLost{Reason: "logged_out: " + e.Reason.String(), Logout: true}}

	case *events.Disconnected:
		return []transport.Event{transport.LinkLost{Reason: "disconnected"}}

	case *events.StreamReplaced:
		return []transport.Event{transport.LinkLost{Reason: "stream_replaced"}}

	case *events.TemporaryBan:
		return []transport.Event{transport.LinkLost{Reason: "temporary_ban: " + e.String()}}

	case *events.ConnectFailure:
		return []transport.Event{transport.LinkLost{
			Reason: fmt.Sprintf("connect_failure: %s", e.Reason.String()),
			Logout: e.Reason.IsLoggedOut(),
		}}

	case *events.ClientOutdated:
		return []transport.Event{transport.AuthFailure{Reason: "client_outdated"}}

	case *events.Message:
		raw := RawMessage(e)
		switch {
		case raw.Type == transport.TypeReaction:
			return []transport.Event{transport.MessageReactionInbound{Message: raw}}
		case e.IsEdit:
			return []transport.Event{transport.MessageEditedInbound{Message: raw}}
		default:
			return []transport.Event{transport.MessageInbound{Message: raw}}
		}

	case *events.Receipt:
		level, ok := AckLevel(e.Type)
		if !ok || e.IsFromMe {
			return nil
		}
		out := make([]transport.Event, 0, len(e.MessageIDs))
		for _, id := range e.MessageIDs {
			out = append(out, transport.MessageAckChanged{MessageID: id, Level: level})
		}
		return out
	}
	return nil
}

// AckLevel maps receipt types that report delivery progress.
func AckLevel(t types.ReceiptType) (model.AckLevel, bool) {
	switch t {
	case types.ReceiptTypeDelivered:
		return model.AckDelivered, true
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		return model.AckRead, true
	case types.ReceiptTypePlayed:
		return model.AckPlayed, true
	case types.ReceiptTypeServerError:
		return model.AckError, true
	}
	return 0, false
}

// RawMessage flattens a whatsmeow message. A message without content gets
// an empty type.
func RawMessage(e *events.Message) transport.RawMessage {
	raw := transport.RawMessage{
		ID:        e.Info.ID,
		Chat:      e.Info.Chat.String(),
		Sender:    e.Info.Sender.ToNonAD().String(),
		PushName:  e.Info.PushName,
		FromMe:    e.Info.IsFromMe,
		Timestamp: e.Info.Timestamp,
	}

	m := e.Message
	if m == nil {
		return raw
	}

	switch {
	case m.GetConversation() != "":
		raw.Type = transport.TypeText
		raw.Body = m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		raw.Type = transport.TypeText
		raw.Body = m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		raw.Type = transport.TypeImage
		raw.Caption = m.GetImageMessage().GetCaption()
	case m.GetVideoMessage() != nil:
		raw.Type = transport.TypeVideo
		raw.Caption = m.GetVideoMessage().GetCaption()
	case m.GetAudioMessage() != nil:
		raw.Type = transport.TypeAudio
		if m.GetAudioMessage().GetPTT() {
			raw.Type = transport.TypeVoice
		}
	case m.GetDocumentMessage() != nil:
		raw.Type = transport.TypeDocument
		raw.Caption = m.GetDocumentMessage().GetCaption()
		raw.FileName = m.GetDocumentMessage().GetFileName()
	case m.GetStickerMessage() != nil:
		raw.Type = transport.TypeSticker
	case m.GetLocationMessage() != nil:
		loc := m.GetLocationMessage()
		raw.Type = transport.TypeLocation
		raw.Latitude = loc.GetDegreesLatitude()
		raw.Longitude = loc.GetDegreesLongitude()
		raw.Body = loc.GetName()
	case m.GetReactionMessage() != nil:
		raw.Type = transport.TypeReaction
		raw.Body = m.GetReactionMessage().GetText()
		raw.ReactionTo = m.GetReactionMessage().GetKey().GetID()
	case m.GetProtocolMessage() != nil:
		raw.Type = transport.TypeProtocol
		if m.GetProtocolMessage().GetType() == waE2E.ProtocolMessage_REVOKE {
			raw.Type = transport.TypeRevoked
		}
	case m.GetContactMessage() != nil:
		raw.Type = "contact"
	default:
		raw.Type = "unknown"
		if e.Info.MediaType != "" {
			raw.Type = e.Info.MediaType
		}
	}
	return raw
}
