package pcsc

import (
	"context"
	"encoding/hex"
	"sync"

	"cardpool/felica"
)

// SyntheticCard is the content a Synthetic reader serves for one card.
type SyntheticCard struct {
	IDm        string
	SystemCode uint16
	Balance    int
	History    []felica.HistoryBlock // newest first
}

// Synthetic is an in-process reader with one slot. It answers the
// FeliCa pseudo-APDUs from SyntheticCard data and can inject the
// hardware faults the card access service must survive.
//
// Synthetic is itself a Factory. It is safe for concurrent use.
type Synthetic struct {
	mu          sync.Mutex
	name        string
	plugged     bool
	serviceDown bool
	card        *SyntheticCard
	insertions  uint32
	faults      []fault
	changed     chan struct{}
	established int
}

type faultKind int

const (
	faultError faultKind = iota
	faultTruncate
	faultPull
)

type fault struct {
	kind faultKind
	err  error
	n    int
}

// NewSynthetic returns a plugged-in synthetic reader with an empty
// slot.
func NewSynthetic(name string) *Synthetic {
	if name == "" {
		name = "Synthetic FeliCa Reader 0"
	}
	return &Synthetic{
		name:    name,
		plugged: true,
		changed: make(chan struct{}),
	}
}

// Name returns the reader name reported by ListReaders.
func (s *Synthetic) Name() string { return s.name }

// Establish implements Factory.
func (s *Synthetic) Establish() (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serviceDown {
		return nil, ErrNoService
	}
	s.established++
	return &synthContext{s: s}, nil
}

// Established returns how many contexts have been opened.
func (s *Synthetic) Established() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established
}

// Place puts card on the reader, replacing any card already there.
func (s *Synthetic) Place(card SyntheticCard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := card
	s.card = &c
	s.insertions++
	s.notifyLocked()
}

// Remove lifts the card off the reader.
func (s *Synthetic) Remove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.card = nil
	s.notifyLocked()
}

// Card returns the card on the reader, if any.
func (s *Synthetic) Card() (SyntheticCard, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.card == nil {
		return SyntheticCard{}, false
	}
	return *s.card, true
}

// SetBalance overrides the balance of the card on the reader.
func (s *Synthetic) SetBalance(balance int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.card != nil {
		s.card.Balance = balance
	}
}

// SetHistory overrides the history of the card on the reader.
func (s *Synthetic) SetHistory(history []felica.HistoryBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.card != nil {
		s.card.History = append([]felica.HistoryBlock(nil), history...)
	}
}

// Unplug makes the reader disappear from enumeration.
func (s *Synthetic) Unplug() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plugged = false
	s.card = nil
	s.notifyLocked()
}

// Plug makes the reader enumerable again.
func (s *Synthetic) Plug() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plugged = true
	s.notifyLocked()
}

// SetServiceDown simulates the smart card service stopping or
// starting.
func (s *Synthetic) SetServiceDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serviceDown = down
	s.notifyLocked()
}

// FailNextTransmit makes the next Transmit return err.
func (s *Synthetic) FailNextTransmit(err error) {
	s.addFault(fault{kind: faultError, err: err})
}

// TruncateNextResponse cuts the next response down to n bytes.
func (s *Synthetic) TruncateNextResponse(n int) {
	s.addFault(fault{kind: faultTruncate, n: n})
}

// PullCardOnNextTransmit lifts the card while the next command is in
// flight.
func (s *Synthetic) PullCardOnNextTransmit() {
	s.addFault(fault{kind: faultPull})
}

func (s *Synthetic) addFault(f fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

func (s *Synthetic) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

type synthContext struct {
	s        *Synthetic
	released bool
}

func (c *synthContext) ListReaders() ([]string, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	switch {
	case c.released:
		return nil, ErrInvalidContext
	case c.s.serviceDown:
		return nil, ErrNoService
	case !c.s.plugged:
		return nil, ErrNoReaders
	}
	return []string{c.s.name}, nil
}

func (c *synthContext) Connect(reader string) (Card, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	switch {
	case c.released:
		return nil, ErrInvalidContext
	case c.s.serviceDown:
		return nil, ErrNoService
	case !c.s.plugged || reader != c.s.name:
		return nil, ErrReaderUnavailable
	case c.s.card == nil:
		return nil, ErrNoCard
	}
	return &synthCard{s: c.s, card: c.s.card}, nil
}

func (c *synthContext) WaitForChange(ctx context.Context, reader string, last Slot) (Slot, error) {
	for {
		c.s.mu.Lock()
		var err error
		switch {
		case c.released:
			err = ErrInvalidContext
		case c.s.serviceDown:
			err = ErrNoService
		case !c.s.plugged || reader != c.s.name:
			err = ErrReaderUnavailable
		}
		if err != nil {
			c.s.mu.Unlock()
			return last, err
		}

		slot := Slot{Presence: PresenceEmpty, Insertions: c.s.insertions}
		if c.s.card != nil {
			slot.Presence = PresencePresent
		}
		changed := c.s.changed
		c.s.mu.Unlock()

		if slot != last {
			return slot, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-changed:
		}
	}
}

func (c *synthContext) Release() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.released {
		return ErrInvalidContext
	}
	c.released = true
	c.s.notifyLocked()
	return nil
}

type synthCard struct {
	s        *Synthetic
	card     *SyntheticCard
	selected uint16
}

var (
	swOK       = []byte{0x90, 0x00}
	swNotFound = []byte{0x6A, 0x82}
	swNoData   = []byte{0x6A, 0x81}
)

func (c *synthCard) Transmit(cmd []byte) ([]byte, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	truncate := -1
	if len(c.s.faults) > 0 {
		f := c.s.faults[0]
		c.s.faults = c.s.faults[1:]
		switch f.kind {
		case faultError:
			return nil, f.err
		case faultPull:
			c.s.card = nil
			c.s.notifyLocked()
		case faultTruncate:
			truncate = f.n
		}
	}

	if c.s.card != c.card {
		return nil, ErrCardRemoved
	}

	resp := c.respond(cmd)
	if truncate >= 0 && truncate < len(resp) {
		resp = resp[:truncate]
	}
	return resp, nil
}

func (c *synthCard) respond(cmd []byte) []byte {
	if len(cmd) < 4 || cmd[0] != 0xFF {
		return swNotFound
	}
	switch {
	case cmd[1] == 0xCA && cmd[2] == 0x00:
		idm, err := hex.DecodeString(c.card.IDm)
		if err != nil {
			return swNoData
		}
		return append(idm, swOK...)

	case cmd[1] == 0xCA && cmd[2] == 0x01:
		if c.card.SystemCode == 0 {
			return swNoData
		}
		return []byte{byte(c.card.SystemCode >> 8), byte(c.card.SystemCode), 0x90, 0x00}

	case cmd[1] == 0xA4 && len(cmd) >= 7:
		svc := uint16(cmd[5]) | uint16(cmd[6])<<8
		if svc != felica.ServiceBalance && svc != felica.ServiceHistory {
			return swNotFound
		}
		c.selected = svc
		return swOK

	case cmd[1] == 0xB0:
		block := int(cmd[3])
		switch c.selected {
		case felica.ServiceBalance:
			if block != 0 {
				return swNotFound
			}
			return append(felica.EncodeBalance(c.card.Balance), swOK...)
		case felica.ServiceHistory:
			if block >= felica.HistoryBlocks {
				return swNotFound
			}
			data := make([]byte, felica.BlockSize)
			if block < len(c.card.History) {
				data = felica.EncodeHistoryBlock(c.card.History[block])
			}
			return append(data, swOK...)
		}
	}
	return swNotFound
}

func (c *synthCard) Disconnect() error { return nil }
