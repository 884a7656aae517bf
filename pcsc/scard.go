package pcsc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ebfe/scard"
)

// statusPoll bounds each GetStatusChange call so WaitForChange notices
// ctx cancellation without needing SCardCancel.
const statusPoll = 250 * time.Millisecond

type scardFactory struct{}

// NewFactory returns a Factory backed by the platform PC/SC service.
func NewFactory() Factory { return scardFactory{} }

func (scardFactory) Establish() (Context, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish context: %w", translate(err))
	}
	return &scardContext{ctx: ctx}, nil
}

type scardContext struct {
	ctx *scard.Context
}

func (c *scardContext) ListReaders() ([]string, error) {
	readers, err := c.ctx.ListReaders()
	if err != nil {
		return nil, translate(err)
	}
	if len(readers) == 0 {
		return nil, ErrNoReaders
	}
	return readers, nil
}

func (c *scardContext) Connect(reader string) (Card, error) {
	card, err := c.ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, translate(err)
	}
	return &scardCard{card: card}, nil
}

// eventCountShift locates the per-reader event counter pcsc-lite keeps
// in the upper half of the event state. It moves on every insertion and
// removal.
const eventCountShift = 16

func (c *scardContext) WaitForChange(ctx context.Context, reader string, last Slot) (Slot, error) {
	rs := []scard.ReaderState{{Reader: reader, CurrentState: scard.StateUnaware}}
	for {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		err := c.ctx.GetStatusChange(rs, statusPoll)
		if errors.Is(err, scard.ErrTimeout) {
			continue
		}
		if err != nil {
			return last, translate(err)
		}

		ev := rs[0].EventState
		rs[0].CurrentState = ev &^ scard.StateChanged

		slot := Slot{Presence: PresenceEmpty, Insertions: uint32(ev) >> eventCountShift}
		switch {
		case ev&(scard.StateUnavailable|scard.StateUnknown) != 0:
			return last, ErrReaderUnavailable
		case ev&scard.StatePresent != 0 && ev&scard.StateMute == 0:
			slot.Presence = PresencePresent
		}
		if slot.Presence != last.Presence || slot.NewInsertion(last) {
			return slot, nil
		}
	}
}

func (c *scardContext) Release() error {
	return translate(c.ctx.Release())
}

type scardCard struct {
	card *scard.Card
}

func (c *scardCard) Transmit(cmd []byte) ([]byte, error) {
	resp, err := c.card.Transmit(cmd)
	if err != nil {
		return nil, translate(err)
	}
	return resp, nil
}

func (c *scardCard) Disconnect() error {
	return translate(c.card.Disconnect(scard.LeaveCard))
}

// translate maps PC/SC return codes onto the package errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var code scard.Error
	if !errors.As(err, &code) {
		return err
	}
	switch code {
	case scard.ErrNoReadersAvailable, scard.ErrUnknownReader:
		return fmt.Errorf("%w: %v", ErrNoReaders, err)
	case scard.ErrNoService, scard.ErrServiceStopped:
		return fmt.Errorf("%w: %v", ErrNoService, err)
	case scard.ErrNoSmartcard:
		return fmt.Errorf("%w: %v", ErrNoCard, err)
	case scard.ErrRemovedCard, scard.ErrResetCard, scard.ErrUnpoweredCard, scard.ErrUnresponsiveCard:
		return fmt.Errorf("%w: %v", ErrCardRemoved, err)
	case scard.ErrReaderUnavailable, scard.ErrCommError:
		return fmt.Errorf("%w: %v", ErrReaderUnavailable, err)
	case scard.ErrInvalidHandle:
		return fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	return err
}
