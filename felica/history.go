package felica

import (
	"fmt"
	"time"
)

// Process types found in byte 1 of a history block.
const (
	ProcessFare        byte = 0x01
	ProcessCharge      byte = 0x02
	ProcessBusPiTaPa   byte = 0x0D
	ProcessBusIruCa    byte = 0x0F
	ProcessAutoCharge  byte = 0x14
	ProcessAutoCharge2 byte = 0x15
	ProcessBusFukuoka  byte = 0x1F
	ProcessBusOther    byte = 0x23
)

// HistoryBlock is one raw entry of the trip history service.
type HistoryBlock struct {
	TerminalType byte
	ProcessType  byte
	Date         time.Time // day precision, local
	EntryLine    byte
	EntryStation byte
	ExitLine     byte
	ExitStation  byte
	Balance      int
	Region       byte
}

// IsCharge reports whether the block records a top-up.
func (b HistoryBlock) IsCharge() bool {
	switch b.ProcessType {
	case ProcessCharge, ProcessAutoCharge, ProcessAutoCharge2:
		return true
	}
	return false
}

// IsBus reports whether the block records a bus ride.
func (b HistoryBlock) IsBus() bool {
	switch b.ProcessType {
	case ProcessBusPiTaPa, ProcessBusIruCa, ProcessBusFukuoka, ProcessBusOther:
		return true
	}
	return false
}

// TripRecord is a decoded history line.
type TripRecord struct {
	UseTime      time.Time
	EntryPoint   string // empty when unknown or not applicable
	ExitPoint    string
	Amount       *int // fare or charge; nil for the oldest record on the card
	BalanceAfter *int
	IsCharge     bool
	IsBus        bool
}

// ParseBalance reads the stored-value balance out of block 0 of
// ServiceBalance.
func ParseBalance(block []byte) (int, error) {
	if len(block) != BlockSize {
		return 0, fmt.Errorf("balance: %w (got %d bytes)", ErrUnexpectedLength, len(block))
	}
	return int(block[11]) | int(block[12])<<8, nil
}

// EncodeBalance builds a ServiceBalance block carrying balance.
func EncodeBalance(balance int) []byte {
	b := make([]byte, BlockSize)
	b[11] = byte(balance)
	b[12] = byte(balance >> 8)
	return b
}

// ParseHistoryBlock decodes one history block. The second result is
// false for an unused (all zero) block, which ends the history.
func ParseHistoryBlock(block []byte) (HistoryBlock, bool, error) {
	if len(block) != BlockSize {
		return HistoryBlock{}, false, fmt.Errorf("history: %w (got %d bytes)", ErrUnexpectedLength, len(block))
	}
	if isZero(block) {
		return HistoryBlock{}, false, nil
	}

	raw := uint16(block[4])<<8 | uint16(block[5])
	year := 2000 + int(raw>>9)
	month := time.Month((raw >> 5) & 0x0F)
	day := int(raw & 0x1F)
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return HistoryBlock{}, false, fmt.Errorf("history: bad date %04X", raw)
	}

	return HistoryBlock{
		TerminalType: block[0],
		ProcessType:  block[1],
		Date:         time.Date(year, month, day, 0, 0, 0, 0, time.Local),
		EntryLine:    block[6],
		EntryStation: block[7],
		ExitLine:     block[8],
		ExitStation:  block[9],
		Balance:      int(block[10]) | int(block[11])<<8,
		Region:       block[15],
	}, true, nil
}

// EncodeHistoryBlock is the inverse of ParseHistoryBlock.
func EncodeHistoryBlock(h HistoryBlock) []byte {
	b := make([]byte, BlockSize)
	b[0] = h.TerminalType
	b[1] = h.ProcessType
	raw := uint16(h.Date.Year()-2000)<<9 | uint16(h.Date.Month())<<5 | uint16(h.Date.Day())
	b[4] = byte(raw >> 8)
	b[5] = byte(raw)
	b[6] = h.EntryLine
	b[7] = h.EntryStation
	b[8] = h.ExitLine
	b[9] = h.ExitStation
	b[10] = byte(h.Balance)
	b[11] = byte(h.Balance >> 8)
	b[15] = h.Region
	return b
}

// DecodeTrips turns history blocks (newest first) into trip records.
// The amount of each trip is the balance change from the next older
// block. stations may be nil.
func DecodeTrips(blocks []HistoryBlock, stations *Stations) []TripRecord {
	trips := make([]TripRecord, 0, len(blocks))
	for i, b := range blocks {
		balance := b.Balance
		t := TripRecord{
			UseTime:      b.Date,
			BalanceAfter: &balance,
			IsCharge:     b.IsCharge(),
			IsBus:        b.IsBus(),
		}
		if i+1 < len(blocks) {
			amount := blocks[i+1].Balance - b.Balance
			if amount < 0 {
				amount = -amount
			}
			t.Amount = &amount
		}
		if !t.IsBus && !t.IsCharge {
			t.EntryPoint = stations.Name(b.Region, b.EntryLine, b.EntryStation)
			t.ExitPoint = stations.Name(b.Region, b.ExitLine, b.ExitStation)
		}
		trips = append(trips, t)
	}
	return trips
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
