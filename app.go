package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cardpool/cardreader"
	"cardpool/controlpad"
	"cardpool/indicator"
	"cardpool/lending"
	"cardpool/mqtt"
)

const pingInterval = 120 * time.Second

// App holds the application state and dependencies.
type App struct {
	cfg       *Config
	log       *slog.Logger
	mqtt      *mqtt.Client
	indicator indicator.Indicator
	cards     *cardreader.Service
	seq       *lending.Sequencer
	pad       *controlpad.Pad

	// staffTaps carries badge reads to the tap listener so card and
	// staff taps reach the sequencer from one goroutine.
	staffTaps chan string

	// Owned by the tap listener.
	readerDown bool
}

func (app *App) staffTap(idm string) {
	app.staffTaps <- idm
}

// startReading opens the card reader, retrying until one is attached.
// Once running, the card access service reconnects on its own.
func (app *App) startReading(ctx context.Context) {
	interval := app.cfg.CardReader.ReconnectInterval
	if interval <= 0 {
		interval = cardreader.DefaultReconnectInterval
	}
	for {
		err := app.cards.StartReading(ctx)
		if err == nil {
			return
		}
		app.log.Warn("card reader not available, retrying", "err", err, "in", interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (app *App) tapListener(ctx context.Context) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	events := app.cards.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			app.handleEvent(ctx, ev)
		case idm := <-app.staffTaps:
			app.handleStaffTap(ctx, idm)
		case <-ping.C:
			mqtt.PublishJSON(app.mqtt, mqtt.PingTopic(app.cfg.ClientID), map[string]string{"status": "ok"})
		}
	}
}

func (app *App) handleEvent(ctx context.Context, ev cardreader.Event) {
	switch ev.Type {
	case cardreader.CardRead:
		out, err := app.seq.Tap(ctx, ev.Identity.IDm)
		app.logTap(ev.Identity.IDm, out, err)

	case cardreader.ConnectionStateChanged:
		down := ev.State.Status != cardreader.Connected
		if down == app.readerDown {
			return
		}
		app.readerDown = down
		if down {
			app.indicator.ConnectionLost()
		} else {
			app.indicator.Connected()
			app.indicator.Idle()
		}

	case cardreader.ErrorRaised:
		if errors.Is(ev.Err, cardreader.ErrReconnectFailed) {
			app.log.Error("card reader gave up reconnecting", "err", ev.Err)
			return
		}
		app.log.Warn("card reader error", "err", ev.Err)
	}
}

func (app *App) handleStaffTap(ctx context.Context, idm string) {
	if err := app.seq.StaffTap(ctx, idm); err != nil {
		app.logTap(idm, lending.Outcome{}, err)
	}
}

// logTap traces tap results. Store failures are the only ones logged
// above debug here; the sequencer logs its own decisions.
func (app *App) logTap(idm string, out lending.Outcome, err error) {
	var le *lending.Error
	switch {
	case err == nil:
		if out.Action != 0 {
			app.log.Debug("tap handled", "idm", idm, "action", out.Action, "op", out.OperationID)
		}
	case errors.As(err, &le):
		app.log.Debug("tap rejected", "idm", idm, "reason", le.Kind)
	case errors.Is(err, cardreader.ErrCardRemoved):
		app.log.Debug("card lifted before the tap completed", "idm", idm)
	default:
		app.log.Error("tap failed", "idm", idm, "err", err)
	}
}
