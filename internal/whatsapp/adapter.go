package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/transport"
)

const eventBuffer = 256

var errTerminated = errors.New("adapter terminated")

// Adapter drives one whatsmeow client for one connection attempt.
type Adapter struct {
	provider *Provider
	spec     transport.Spec
	logger   zerolog.Logger

	mu         sync.Mutex
	client     *whatsmeow.Client
	restored   bool
	terminated bool

	events chan transport.Event
	done   chan struct{}
}

func newAdapter(p *Provider, spec transport.Spec) *Adapter {
	return &Adapter{
		provider: p,
		spec:     spec,
		logger: p.logger.With().
			Str("sessionId", spec.SessionID).
			Str("sessionName", spec.SessionName).
			Logger(),
		events: make(chan transport.Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (a *Adapter) Connect(ctx context.Context, credentials string) error {
	device, err := a.provider.device(ctx, credentials)
	if err != nil {
		return err
	}

	cli := whatsmeow.NewClient(device, waLog.Zerolog(a.logger))
	// Reconnection is decided by the session lifecycle, not the client.
	cli.EnableAutoReconnect = false
	cli.AddEventHandler(a.handle)

	a.mu.Lock()
	if a.terminated {
		a.mu.Unlock()
		return errTerminated
	}
	a.client = cli
	a.restored = cli.Store.ID != nil
	a.mu.Unlock()

	if cli.Store.ID != nil {
		return cli.Connect()
	}

	qr, err := cli.GetQRChannel(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("open pairing channel: %w", err)
	}
	if err := cli.Connect(); err != nil {
		return err
	}
	go a.watchPairing(qr)
	return nil
}

func (a *Adapter) watchPairing(qr <-chan whatsmeow.QRChannelItem) {
	for item := range qr {
		switch item.Event {
		case "code":
			a.emit(transport.PairingChallenge{Payload: item.Code})
		case "success":
			// PairSuccess reports the credentials.
		case "timeout":
			a.emit(transport.AuthFailure{Reason: "pairing_timeout"})
		default:
			reason := item.Event
			if item.Error != nil {
				reason = fmt.Sprintf("%s: %v", item.Event, item.Error)
			}
			a.emit(transport.AuthFailure{Reason: reason})
		}
	}
}

func (a *Adapter) Events() <-chan transport.Event {
	return a.events
}

func (a *Adapter) Send(ctx context.Context, destination string, content model.OutboundContent) (transport.SendResult, error) {
	cli := a.readyClient()
	if cli == nil {
		return transport.SendResult{}, transport.ErrNotReady
	}

	to, err := ParseDestination(destination)
	if err != nil {
		return transport.SendResult{}, err
	}

	resp, err := cli.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(content.Text)})
	if err != nil {
		if errors.Is(err, whatsmeow.ErrNotConnected) || errors.Is(err, whatsmeow.ErrNotLoggedIn) {
			return transport.SendResult{}, transport.ErrNotReady
		}
		return transport.SendResult{}, fmt.Errorf("send message: %w", err)
	}

	return transport.SendResult{MessageID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (a *Adapter) Ready() bool {
	return a.readyClient() != nil
}

func (a *Adapter) readyClient() *whatsmeow.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.terminated || a.client == nil {
		return nil
	}
	if !a.client.IsConnected() || !a.client.IsLoggedIn() {
		return nil
	}
	return a.client
}

// Terminate disconnects the client. Later calls are no-ops.
func (a *Adapter) Terminate(context.Context) error {
	a.mu.Lock()
	if a.terminated {
		a.mu.Unlock()
		return nil
	}
	a.terminated = true
	close(a.done)
	cli := a.client
	a.mu.Unlock()

	if cli != nil {
		cli.RemoveEventHandlers()
		cli.Disconnect()
	}
	return nil
}

func (a *Adapter) emit(ev transport.Event) {
	select {
	case <-a.done:
		return
	default:
	}
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *Adapter) handle(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		a.mu.Lock()
		cli, restored := a.client, a.restored
		a.mu.Unlock()
		if cli == nil || cli.Store.ID == nil {
			return
		}
		if restored {
			a.emit(transport.Authenticated{Credentials: cli.Store.ID.String()})
		}
		a.emit(transport.Ready{Account: model.AccountInfo{
			JID:      cli.Store.ID.String(),
			Number:   cli.Store.ID.User,
			PushName: cli.Store.PushName,
			Platform: cli.Store.Platform,
		}})

	default:
		for _, ev := range Translate(e) {
			a.emit(ev)
		}
	}
}
