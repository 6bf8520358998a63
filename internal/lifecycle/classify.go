package lifecycle

import (
	"fmt"
	"strconv"

	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/transport"
)

var mediaKinds = map[string]model.MessageKind{
	transport.TypeImage:    model.MessageKindImage,
	transport.TypeVideo:    model.MessageKindVideo,
	transport.TypeAudio:    model.MessageKindAudio,
	transport.TypeVoice:    model.MessageKindAudio,
	transport.TypeDocument: model.MessageKindDocument,
	transport.TypeSticker:  model.MessageKindSticker,
}

var systemTypes = map[string]bool{
	transport.TypeRevoked:      true,
	transport.TypeProtocol:     true,
	transport.TypeE2ENotice:    true,
	transport.TypeNotification: true,
	transport.TypeCallLog:      true,
}

// Classify normalizes a raw message. It returns false for messages that
// carry no type at all; those are dropped.
func Classify(raw transport.RawMessage) (model.Message, bool) {
	msg := model.Message{
		ID:        raw.ID,
		Chat:      raw.Chat,
		From:      raw.Sender,
		PushName:  raw.PushName,
		FromMe:    raw.FromMe,
		Timestamp: raw.Timestamp,
	}

	switch t := raw.Type; {
	case t == "":
		return model.Message{}, false

	case t == transport.TypeText || t == transport.TypeChat:
		msg.Kind = model.MessageKindText
		msg.Text = raw.Body

	case mediaKinds[t] != "":
		msg.Kind = mediaKinds[t]
		msg.Text = raw.Caption
		if msg.Text == "" && msg.Kind == model.MessageKindDocument {
			msg.Text = raw.FileName
		}
		if msg.Text == "" {
			msg.Summary = fmt.Sprintf("[%s]", msg.Kind)
		}

	case t == transport.TypeLocation:
		msg.Kind = model.MessageKindLocation
		msg.Text = strconv.FormatFloat(raw.Latitude, 'f', -1, 64) + "," +
			strconv.FormatFloat(raw.Longitude, 'f', -1, 64)
		if raw.Body != "" {
			msg.Text += " " + raw.Body
		}

	case t == transport.TypeReaction:
		msg.Kind = model.MessageKindReaction
		msg.Text = raw.Body
		msg.ReactionTo = raw.ReactionTo

	case systemTypes[t]:
		msg.Kind = model.MessageKindSystem
		msg.Summary = fmt.Sprintf("[system: %s]", t)

	default:
		msg.Kind = model.MessageKindUnhandled
		msg.Summary = fmt.Sprintf("[unsupported message: %s]", t)
	}

	return msg, true
}
