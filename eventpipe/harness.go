package eventpipe

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"cardpool/felica"
	"cardpool/pcsc"
	"cardpool/suppress"
)

// DefaultBalance is the balance a card gets the first time it is placed.
const DefaultBalance = 1000

const (
	transitSystemCode = 0x0003
	historyDepth      = 20
	terminalGate      = 0x16
	terminalCharger   = 0x08
)

var (
	ErrNoCard       = errors.New("eventpipe: no card on the reader")
	ErrNoSuppressor = errors.New("eventpipe: suppression not wired")
	ErrNoCancel     = errors.New("eventpipe: cancel not wired")
)

// Harness applies pipe commands to a synthetic reader. Cards keep their
// balance and history between placements.
type Harness struct {
	Reader *pcsc.Synthetic
	Staff  func(idm string)
	Bus    *suppress.Bus
	Cancel func() bool
	Log    *slog.Logger
	Now    func() time.Time

	mu    sync.Mutex
	cards map[string]pcsc.SyntheticCard
}

// Handle is a Handler that logs failed commands.
func (h *Harness) Handle(cmd Command) {
	if err := h.Apply(cmd); err != nil {
		h.logger().Warn("event pipe command failed", "kind", cmd.Kind, "err", err)
	}
}

// Apply runs one command.
func (h *Harness) Apply(cmd Command) error {
	switch cmd.Kind {
	case CmdCard:
		h.Reader.Place(h.card(cmd.IDm))
	case CmdRemove:
		h.Reader.Remove()
	case CmdStaff:
		if h.Staff != nil {
			h.Staff(cmd.IDm)
		}
	case CmdBalance:
		return h.update(func(c *pcsc.SyntheticCard) {
			c.Balance = cmd.Amount
		})
	case CmdTrip:
		return h.update(func(c *pcsc.SyntheticCard) {
			c.Balance -= cmd.Amount
			if c.Balance < 0 {
				c.Balance = 0
			}
			h.push(c, felica.HistoryBlock{TerminalType: terminalGate, ProcessType: felica.ProcessFare})
		})
	case CmdCharge:
		return h.update(func(c *pcsc.SyntheticCard) {
			c.Balance += cmd.Amount
			if c.Balance > 0xFFFF {
				c.Balance = 0xFFFF
			}
			h.push(c, felica.HistoryBlock{TerminalType: terminalCharger, ProcessType: felica.ProcessCharge})
		})
	case CmdUnplug:
		h.Reader.Unplug()
	case CmdPlug:
		h.Reader.Plug()
	case CmdService:
		h.Reader.SetServiceDown(!cmd.On)
	case CmdSuppress:
		if h.Bus == nil {
			return ErrNoSuppressor
		}
		h.Bus.Publish(suppress.Message{Suppressed: cmd.On, Source: cmd.Source})
	case CmdCancel:
		if h.Cancel == nil {
			return ErrNoCancel
		}
		if !h.Cancel() {
			h.logger().Info("nothing to cancel")
		}
	}
	return nil
}

func (h *Harness) card(idm string) pcsc.SyntheticCard {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cards == nil {
		h.cards = make(map[string]pcsc.SyntheticCard)
	}
	c, ok := h.cards[idm]
	if !ok {
		c = pcsc.SyntheticCard{IDm: idm, SystemCode: transitSystemCode, Balance: DefaultBalance}
		h.cards[idm] = c
	}
	return c
}

// update edits the card on the reader in place, without a lift and
// re-place.
func (h *Harness) update(fn func(*pcsc.SyntheticCard)) error {
	cur, ok := h.Reader.Card()
	if !ok {
		return ErrNoCard
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cards == nil {
		h.cards = make(map[string]pcsc.SyntheticCard)
	}
	fn(&cur)
	h.cards[cur.IDm] = cur
	h.Reader.SetHistory(cur.History)
	h.Reader.SetBalance(cur.Balance)
	return nil
}

func (h *Harness) push(c *pcsc.SyntheticCard, b felica.HistoryBlock) {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	t := now()
	b.Date = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.Local)
	b.Balance = c.Balance
	hist := append([]felica.HistoryBlock{b}, c.History...)
	if len(hist) > historyDepth {
		hist = hist[:historyDepth]
	}
	c.History = hist
}

func (h *Harness) logger() *slog.Logger {
	if h.Log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return h.Log
}
