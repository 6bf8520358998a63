package console

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openclaw/wa-relay-server-go/internal/model"
)

func TestQRPrinter(t *testing.T) {
	t.Run("prints pairing payload with session name", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewQRPrinter(&buf)

		p.Deliver(context.Background(), model.Event{
			Kind:     model.EventPairingRequested,
			Instance: model.InstanceRef{ID: "s-1", Name: "Sales"},
			QRCode:   "2@pairing-payload",
		})

		out := buf.String()
		assert.Contains(t, out, `Scan to pair session "Sales" (s-1)`)
		assert.Greater(t, strings.Count(out, "\n"), 10)
		assert.Contains(t, out, "█")
	})

	t.Run("ignores other events", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewQRPrinter(&buf)

		for _, kind := range []model.EventKind{model.EventAuthenticated, model.EventConnectionReady, model.EventMessageReceived} {
			p.Deliver(context.Background(), model.Event{Kind: kind, QRCode: "2@x"})
		}
		p.Deliver(context.Background(), model.Event{Kind: model.EventPairingRequested})

		assert.Empty(t, buf.String())
	})
}
