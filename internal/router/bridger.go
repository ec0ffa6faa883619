package router

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/app"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/log"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/models"
)

// Bridger proxies every parked session back out to its request uri,
// forming the b-leg of a loopback call through the system under test.
type Bridger struct {
	logger zerolog.Logger
}

// NewBridger builds the stock proxy app.
func NewBridger() *Bridger {
	return &Bridger{logger: log.WithComponent("bridger")}
}

// Name implements app.Application.
func (b *Bridger) Name() string { return "bridger" }

// Bindings implements app.Application.
func (b *Bridger) Bindings() []app.Binding {
	return []app.Binding{
		{Event: "CHANNEL_PARK", Fn: b.onPark},
		{Event: "CHANNEL_BRIDGE", Fn: b.onBridge},
	}
}

func (b *Bridger) onPark(pay *app.Payload) {
	sess := pay.Sess
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Bridge(ctx, models.BridgeOptions{}); err != nil {
		b.logger.Error().Str("uuid", sess.UUID).Err(err).Msg("bridge failed")
	}
}

func (b *Bridger) onBridge(pay *app.Payload) {
	if pay.Sess == nil {
		return
	}
	b.logger.Debug().
		Str("aleg", pay.Sess.UUID).
		Str("bleg", pay.Event.Get("Bridge-B-Unique-ID")).
		Msg("legs bridged")
}

func init() {
	app.Register("bridger", func() app.Application { return NewBridger() })
}
