package reader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(tag uint32) []byte {
	data := []byte{0x09, 0x00, byte(tag >> 24), byte(tag >> 16), byte(tag >> 8), byte(tag)}
	xor := data[0]
	for _, b := range data[1:] {
		xor ^= b
	}
	return append(append([]byte{0x02}, data...), xor, 0x03)
}

func TestParseFrame(t *testing.T) {
	tag, ok := parseFrame(frame(0x00ABCDEF))
	require.True(t, ok)
	assert.Equal(t, uint64(0x00ABCDEF), tag)
	assert.Equal(t, "0000000000ABCDEF", FormatTag(tag))

	bad := frame(0x1234)
	bad[7] ^= 0xFF
	_, ok = parseFrame(bad)
	assert.False(t, ok, "checksum")

	_, ok = parseFrame(frame(0x1234)[:8])
	assert.False(t, ok, "short")

	_, ok = parseFrame(frame(0))
	assert.False(t, ok, "zero tag")
}

func TestBadgeFormat(t *testing.T) {
	f := parseFormat("")
	assert.Equal(t, badgeFormat{digits: 10, hex: true}, f)

	idm, err := f.identity("00000000FF")
	require.NoError(t, err)
	assert.Equal(t, "00000000000000FF", idm)

	_, err = f.identity("FF")
	assert.Error(t, err)

	d := parseFormat("8D")
	assert.Equal(t, badgeFormat{digits: 8, hex: false}, d)
	idm, err = d.identity("00000255")
	require.NoError(t, err)
	assert.Equal(t, "00000000000000FF", idm)

	_, err = d.identity("0000025A")
	assert.Error(t, err)
}

func TestNewUnknownType(t *testing.T) {
	r, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = New(Config{Type: "wiegand"}, nil)
	assert.ErrorIs(t, err, ErrUnknownType)
}

type scripted struct {
	reads []string
	errs  []error
	i     int
}

func (s *scripted) Read(ctx context.Context) (string, error) {
	if s.i >= len(s.reads) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	i := s.i
	s.i++
	return s.reads[i], s.errs[i]
}

func (s *scripted) Close() error { return nil }

func TestRunDeliversBadges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &scripted{
		reads: []string{"", "00000000000000A1", "00000000000000B2"},
		errs:  []error{nil, nil, nil},
	}
	var got []string
	done := make(chan struct{})
	go func() {
		Run(ctx, r, slog.New(slog.NewTextHandler(io.Discard, nil)), func(idm string) {
			got = append(got, idm)
			if len(got) == 2 {
				cancel()
			}
		})
		close(done)
	}()
	<-done
	assert.Equal(t, []string{"00000000000000A1", "00000000000000B2"}, got)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &scripted{reads: []string{""}, errs: []error{errors.New("boom")}}
	cancel()
	Run(ctx, r, slog.New(slog.DiscardHandler), func(string) { t.Fatal("unexpected badge") })
}
