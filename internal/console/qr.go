// Package console prints pairing QR codes on the operator's terminal.
package console

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mdp/qrterminal/v3"

	"github.com/openclaw/wa-relay-server-go/internal/model"
)

// QRPrinter renders pairing_requested payloads as terminal QR codes.
type QRPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewQRPrinter(w io.Writer) *QRPrinter {
	return &QRPrinter{w: w}
}

func (p *QRPrinter) Deliver(_ context.Context, ev model.Event) {
	if ev.Kind != model.EventPairingRequested || ev.QRCode == "" {
		return
	}

	// sessions pair concurrently; keep each code contiguous
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "\nScan to pair session %q (%s):\n", ev.Instance.Name, ev.Instance.ID)
	qrterminal.GenerateWithConfig(ev.QRCode, qrterminal.Config{
		Level:          qrterminal.L,
		Writer:         p.w,
		HalfBlocks:     true,
		BlackChar:      qrterminal.BLACK_BLACK,
		WhiteBlackChar: qrterminal.WHITE_BLACK,
		WhiteChar:      qrterminal.WHITE_WHITE,
		BlackWhiteChar: qrterminal.BLACK_WHITE,
		QuietZone:      2,
	})
}
