package felica

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckStatusRejectsShortResponses(t *testing.T) {
	for _, resp := range [][]byte{nil, {}, {0x90}} {
		_, err := CheckStatus(resp)
		assert.ErrorIs(t, err, ErrShortResponse, "resp=% X", resp)
	}
}

func TestCheckStatusErrorTrailer(t *testing.T) {
	_, err := CheckStatus([]byte{0x6A, 0x81})

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, byte(0x6A), se.SW1)
	assert.Equal(t, byte(0x81), se.SW2)
}

func TestParseIDm(t *testing.T) {
	resp := []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF, 0x90, 0x00}
	idm, err := ParseIDm(resp)
	require.NoError(t, err)
	assert.Equal(t, "0123456789ABCDEF", idm)

	_, err = ParseIDm([]byte{0x01, 0x02, 0x90, 0x00})
	assert.ErrorIs(t, err, ErrUnexpectedLength)
}

func TestParseBlockLength(t *testing.T) {
	resp := append(make([]byte, BlockSize), 0x90, 0x00)
	block, err := ParseBlock(resp)
	require.NoError(t, err)
	assert.Len(t, block, BlockSize)

	_, err = ParseBlock(append(make([]byte, 4), 0x90, 0x00))
	assert.ErrorIs(t, err, ErrUnexpectedLength)
}

func TestBalanceBlock(t *testing.T) {
	balance, err := ParseBalance(EncodeBalance(12345))
	require.NoError(t, err)
	assert.Equal(t, 12345, balance)
}

func TestHistoryBlockRoundTrip(t *testing.T) {
	in := HistoryBlock{
		TerminalType: 0x16,
		ProcessType:  ProcessFare,
		Date:         time.Date(2026, 3, 14, 0, 0, 0, 0, time.Local),
		EntryLine:    0xE7,
		EntryStation: 0x11,
		ExitLine:     0xE7,
		ExitStation:  0x1D,
		Balance:      4740,
	}
	out, used, err := ParseHistoryBlock(EncodeHistoryBlock(in))
	require.NoError(t, err)
	require.True(t, used)
	assert.Equal(t, in, out)
}

func TestParseHistoryBlockEmpty(t *testing.T) {
	_, used, err := ParseHistoryBlock(make([]byte, BlockSize))
	require.NoError(t, err)
	assert.False(t, used)
}

func TestDecodeTripsAmounts(t *testing.T) {
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.Local)
	blocks := []HistoryBlock{
		{ProcessType: ProcessBusIruCa, Date: day, Balance: 2550},
		{ProcessType: ProcessCharge, Date: day, Balance: 2740},
		{ProcessType: ProcessFare, Date: day, EntryLine: 1, EntryStation: 2, ExitLine: 1, ExitStation: 3, Balance: 740},
		{ProcessType: ProcessFare, Date: day, Balance: 1000},
	}
	stations, err := ParseStations(strings.NewReader(
		"AreaCode,LineCode,StationCode,CompanyName,LineName,StationName,Note\n" +
			"0,1,2,Nishitetsu,Tenjin Omuta,Tenjin,\n" +
			"0,1,3,Nishitetsu,Tenjin Omuta,Yakuin,\n"))
	require.NoError(t, err)
	require.Equal(t, 2, stations.Len())

	trips := DecodeTrips(blocks, stations)
	require.Len(t, trips, 4)

	assert.True(t, trips[0].IsBus)
	assert.Equal(t, 190, *trips[0].Amount)
	assert.Empty(t, trips[0].EntryPoint)

	assert.True(t, trips[1].IsCharge)
	assert.Equal(t, 2000, *trips[1].Amount)

	assert.Equal(t, "Tenjin", trips[2].EntryPoint)
	assert.Equal(t, "Yakuin", trips[2].ExitPoint)
	assert.Equal(t, 260, *trips[2].Amount)
	assert.Equal(t, 740, *trips[2].BalanceAfter)

	assert.Nil(t, trips[3].Amount, "oldest record has no predecessor")
	assert.Equal(t, "0x0000", trips[3].EntryPoint)
}

type scripted struct {
	responses map[string][]byte
	sent      [][]byte
}

func (s *scripted) Transmit(cmd []byte) ([]byte, error) {
	s.sent = append(s.sent, cmd)
	if r, ok := s.responses[string(cmd)]; ok {
		return r, nil
	}
	return []byte{0x6A, 0x82}, nil
}

func TestReadIdentityWithoutSystemCode(t *testing.T) {
	tr := &scripted{responses: map[string][]byte{
		string(PollCommand()): {0, 1, 2, 3, 4, 5, 6, 7, 0x90, 0x00},
	}}
	id, err := ReadIdentity(tr)
	require.NoError(t, err)
	assert.Equal(t, "0001020304050607", id.IDm)
	assert.Zero(t, id.SystemCode)
}

func TestReadHistoryStopsAtEmptyBlock(t *testing.T) {
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.Local)
	used := append(EncodeHistoryBlock(HistoryBlock{ProcessType: ProcessFare, Date: day, Balance: 10}), 0x90, 0x00)
	tr := &scripted{responses: map[string][]byte{
		string(SelectServiceCommand(ServiceHistory)): {0x90, 0x00},
		string(ReadBlockCommand(0)):                  used,
		string(ReadBlockCommand(1)):                  append(make([]byte, BlockSize), 0x90, 0x00),
	}}
	blocks, err := ReadHistoryBlocks(tr)
	require.NoError(t, err)
	assert.Len(t, blocks, 1)
	assert.Len(t, tr.sent, 3)
}

func TestNormalizeIDm(t *testing.T) {
	idm, err := NormalizeIDm(" 0123456789abcdef ")
	require.NoError(t, err)
	assert.Equal(t, "0123456789ABCDEF", idm)

	_, err = NormalizeIDm("0123")
	assert.Error(t, err)
	_, err = NormalizeIDm("0123456789ABCDEZ")
	assert.Error(t, err)
}
