// Package whatsapp implements the session transport on top of whatsmeow.
package whatsapp

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/openclaw/wa-relay-server-go/internal/transport"

	_ "github.com/lib/pq"
)

// Provider builds adapters whose device keys live in a Postgres-backed
// whatsmeow store.
type Provider struct {
	container *sqlstore.Container
	logger    zerolog.Logger
}

// NewProvider opens the device store and creates its tables if needed.
func NewProvider(ctx context.Context, databaseURL string) (*Provider, error) {
	logger := log.With().Str("component", "whatsmeow").Logger()

	container, err := sqlstore.New(ctx, "postgres", databaseURL, waLog.Zerolog(logger.With().Str("module", "store").Logger()))
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	return &Provider{container: container, logger: logger}, nil
}

func (p *Provider) NewAdapter(spec transport.Spec) (transport.Adapter, error) {
	return newAdapter(p, spec), nil
}

// device loads the device paired under credentials. Unknown or empty
// credentials yield a fresh device that has to be paired.
func (p *Provider) device(ctx context.Context, credentials string) (*store.Device, error) {
	if credentials == "" {
		return p.container.NewDevice(), nil
	}

	jid, err := types.ParseJID(credentials)
	if err != nil {
		return nil, fmt.Errorf("parse device jid: %w", err)
	}

	device, err := p.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	if device == nil {
		p.logger.Warn().Str("jid", credentials).Msg("device not found in store, pairing again")
		return p.container.NewDevice(), nil
	}
	return device, nil
}

func (p *Provider) Close() error {
	return p.container.Close()
}
