package cardreader

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardpool/clock"
	"cardpool/felica"
	"cardpool/pcsc"
	"cardpool/suppress"
)

const (
	cardA = "0123456789ABCDEF"
	cardB = "FEDCBA9876543210"
)

var epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.Local)

// flakyFactory lets a test fail reader enumeration without touching
// presence monitoring.
type flakyFactory struct {
	*pcsc.Synthetic
	failList atomic.Bool
}

func (f *flakyFactory) Establish() (pcsc.Context, error) {
	c, err := f.Synthetic.Establish()
	if err != nil {
		return nil, err
	}
	return &flakyContext{Context: c, f: f}, nil
}

type flakyContext struct {
	pcsc.Context
	f *flakyFactory
}

func (c *flakyContext) ListReaders() ([]string, error) {
	if c.f.failList.Load() {
		return nil, pcsc.ErrNoReaders
	}
	return c.Context.ListReaders()
}

type harness struct {
	t     *testing.T
	clock *clock.FakeClock
	hw    *flakyFactory
	bus   *suppress.Bus
	svc   *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clock: clock.Fake(epoch),
		hw:    &flakyFactory{Synthetic: pcsc.NewSynthetic("")},
		bus:   suppress.New(),
	}
	h.svc = New(Config{}, Options{Factory: h.hw, Clock: h.clock, Suppress: h.bus})
	t.Cleanup(func() { h.svc.Close() })
	return h
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.svc.StartReading(context.Background()))
	ev := h.next()
	require.Equal(h.t, ConnectionStateChanged, ev.Type)
	require.Equal(h.t, Connected, ev.State.Status)
}

func (h *harness) next() Event {
	h.t.Helper()
	select {
	case ev := <-h.svc.Events():
		return ev
	case <-time.After(2 * time.Second):
		h.t.Fatal("no event")
		return Event{}
	}
}

// poke delivers an insertion notification as the monitor would.
func (h *harness) poke() {
	h.svc.post(context.Background(), cardPresent{gen: h.svc.monGenSnapshot()})
}

func TestStartReadingNoReader(t *testing.T) {
	h := newHarness(t)
	h.hw.Unplug()

	err := h.svc.StartReading(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, Disconnected, h.svc.State().Status)
}

func TestStartReadingServiceDown(t *testing.T) {
	h := newHarness(t)
	h.hw.SetServiceDown(true)

	err := h.svc.StartReading(context.Background())
	assert.ErrorIs(t, err, ErrServiceNotAvailable)
}

func TestCardReadOnInsertion(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.hw.Place(pcsc.SyntheticCard{IDm: cardA, SystemCode: 0x0003})
	ev := h.next()
	require.Equal(t, CardRead, ev.Type)
	assert.Equal(t, felica.Identity{IDm: cardA, SystemCode: 0x0003}, ev.Identity)
	assert.Equal(t, epoch, ev.At)
}

func TestDuplicateReadsCollapse(t *testing.T) {
	h := newHarness(t)
	h.hw.Place(pcsc.SyntheticCard{IDm: cardA})
	h.start()
	require.Equal(t, cardA, h.next().Identity.IDm)

	h.poke()
	h.clock.Advance(500 * time.Millisecond)
	h.poke()
	h.clock.Advance(499 * time.Millisecond)
	h.poke()

	// A different card is never suppressed against A.
	h.hw.Place(pcsc.SyntheticCard{IDm: cardB})
	h.poke()
	ev := h.next()
	require.Equal(t, CardRead, ev.Type)
	assert.Equal(t, cardB, ev.Identity.IDm)

	h.clock.Advance(time.Millisecond)
	h.hw.Place(pcsc.SyntheticCard{IDm: cardA})
	h.poke()
	ev = h.next()
	require.Equal(t, CardRead, ev.Type)
	assert.Equal(t, cardA, ev.Identity.IDm)
}

func TestShortResponseRaisesReadFailed(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.hw.TruncateNextResponse(1)
	h.hw.Place(pcsc.SyntheticCard{IDm: cardA})

	ev := h.next()
	require.Equal(t, ErrorRaised, ev.Type)
	assert.ErrorIs(t, ev.Err, ErrReadFailed)
	assert.ErrorIs(t, ev.Err, felica.ErrShortResponse)
	assert.Equal(t, Connected, h.svc.State().Status)
}

func TestCardPulledDuringReadIsSilent(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.hw.PullCardOnNextTransmit()
	h.hw.Place(pcsc.SyntheticCard{IDm: cardA})
	require.Eventually(t, func() bool {
		_, ok := h.hw.Card()
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	h.hw.Place(pcsc.SyntheticCard{IDm: cardB})
	h.poke()

	ev := h.next()
	require.Equal(t, CardRead, ev.Type, "no Error event for a removal")
	assert.Equal(t, cardB, ev.Identity.IDm)
	assert.Equal(t, Connected, h.svc.State().Status)
}

func TestSuppressionIgnoresCards(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.bus.Publish(suppress.Message{Suppressed: true, Source: "dialog"})
	h.hw.Place(pcsc.SyntheticCard{IDm: cardA})
	h.poke()
	h.hw.Place(pcsc.SyntheticCard{IDm: cardB})

	h.bus.Publish(suppress.Message{Suppressed: false, Source: "dialog"})
	h.poke()

	ev := h.next()
	require.Equal(t, CardRead, ev.Type)
	assert.Equal(t, cardB, ev.Identity.IDm)
}

func TestHealthCheckFailureReconnects(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.hw.failList.Store(true)
	h.clock.Advance(DefaultHealthInterval)

	ev := h.next()
	require.Equal(t, ConnectionStateChanged, ev.Type)
	assert.Equal(t, ConnectionState{Status: Reconnecting, Attempt: 1}, ev.State)

	_, err := h.svc.ReadBalance(context.Background(), cardA)
	assert.ErrorIs(t, err, ErrNotConnected, "reads fail fast while reconnecting")

	h.hw.failList.Store(false)
	h.clock.WaitForTimers(2)
	h.clock.Advance(DefaultReconnectInterval)

	ev = h.next()
	require.Equal(t, ConnectionStateChanged, ev.Type)
	assert.Equal(t, Connected, ev.State.Status)
	assert.Equal(t, "reconnected", ev.Message)
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.hw.failList.Store(true)
	h.clock.Advance(DefaultHealthInterval)
	require.Equal(t, ConnectionState{Status: Reconnecting, Attempt: 1}, h.next().State)

	var errs []*Error
	for attempt := 1; attempt <= DefaultMaxReconnectAttempts; attempt++ {
		h.clock.WaitForTimers(2)
		h.clock.Advance(DefaultReconnectInterval)

		ev := h.next()
		require.Equal(t, ConnectionStateChanged, ev.Type)
		if attempt < DefaultMaxReconnectAttempts {
			require.Equal(t, ConnectionState{Status: Reconnecting, Attempt: attempt + 1}, ev.State)
			continue
		}
		require.Equal(t, Disconnected, ev.State.Status)
		ev = h.next()
		require.Equal(t, ErrorRaised, ev.Type)
		errs = append(errs, ev.Err)
	}

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrReconnectFailed)
	assert.Equal(t, DefaultMaxReconnectAttempts, errs[0].Attempts)
	assert.Equal(t, Disconnected, h.svc.State().Status)
}

func TestReconnectWhileReconnectingIsNoop(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.hw.failList.Store(true)
	h.clock.Advance(DefaultHealthInterval)
	require.Equal(t, ConnectionState{Status: Reconnecting, Attempt: 1}, h.next().State)

	require.NoError(t, h.svc.Reconnect(context.Background()))
	require.NoError(t, h.svc.Reconnect(context.Background()))

	h.clock.WaitForTimers(2)
	h.clock.Advance(DefaultReconnectInterval)
	assert.Equal(t, ConnectionState{Status: Reconnecting, Attempt: 2}, h.next().State)
}

func TestMonitorFaultReconnects(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.hw.Unplug()
	assert.Equal(t, ConnectionState{Status: Reconnecting, Attempt: 1}, h.next().State)

	h.hw.Plug()
	h.clock.WaitForTimers(2)
	h.clock.Advance(DefaultReconnectInterval)
	ev := h.next()
	assert.Equal(t, Connected, ev.State.Status)

	h.hw.Place(pcsc.SyntheticCard{IDm: cardA})
	ev = h.next()
	require.Equal(t, CardRead, ev.Type)
	assert.Equal(t, cardA, ev.Identity.IDm)
}

func TestReplacedAndRetappedCardsAreRead(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.hw.Place(pcsc.SyntheticCard{IDm: cardA})
	require.Equal(t, cardA, h.next().Identity.IDm)

	// B goes down on the reader without A being seen leaving.
	h.clock.Advance(2 * time.Second)
	h.hw.Place(pcsc.SyntheticCard{IDm: cardB})
	ev := h.next()
	require.Equal(t, CardRead, ev.Type)
	assert.Equal(t, cardB, ev.Identity.IDm)

	// A quick lift and re-tap of the same card is a second tap.
	h.clock.Advance(2 * time.Second)
	h.hw.Remove()
	h.hw.Place(pcsc.SyntheticCard{IDm: cardB})
	ev = h.next()
	require.Equal(t, CardRead, ev.Type)
	assert.Equal(t, cardB, ev.Identity.IDm)
}

func TestCardLeftOnReaderAcrossReconnectIsNotATap(t *testing.T) {
	h := newHarness(t)
	h.hw.Place(pcsc.SyntheticCard{IDm: cardA})
	h.start()
	require.Equal(t, cardA, h.next().Identity.IDm)

	h.hw.failList.Store(true)
	h.clock.Advance(DefaultHealthInterval)
	require.Equal(t, ConnectionState{Status: Reconnecting, Attempt: 1}, h.next().State)

	h.hw.failList.Store(false)
	h.clock.WaitForTimers(2)
	h.clock.Advance(DefaultReconnectInterval)
	require.Equal(t, Connected, h.next().State.Status)

	// A is still there and long past the de-dup window; the next event
	// must be the card that is actually new.
	h.hw.Place(pcsc.SyntheticCard{IDm: cardB})
	ev := h.next()
	require.Equal(t, CardRead, ev.Type)
	assert.Equal(t, cardB, ev.Identity.IDm)
}

func TestReadBalanceAndHistory(t *testing.T) {
	h := newHarness(t)
	day := epoch
	h.hw.Place(pcsc.SyntheticCard{
		IDm:     cardA,
		Balance: 740,
		History: []felica.HistoryBlock{
			{ProcessType: felica.ProcessFare, Date: day, Balance: 740},
			{ProcessType: felica.ProcessCharge, Date: day, Balance: 1000},
		},
	})
	h.start()
	require.Equal(t, CardRead, h.next().Type)

	ctx := context.Background()
	balance, err := h.svc.ReadBalance(ctx, cardA)
	require.NoError(t, err)
	assert.Equal(t, 740, balance)

	trips, err := h.svc.ReadHistory(ctx, cardA)
	require.NoError(t, err)
	require.Len(t, trips, 2)
	assert.Equal(t, 260, *trips[0].Amount)

	_, err = h.svc.ReadBalance(ctx, cardB)
	assert.ErrorIs(t, err, ErrCardRemoved, "another card is on the reader")

	h.hw.TruncateNextResponse(1)
	_, err = h.svc.ReadHistory(ctx, cardA)
	assert.ErrorIs(t, err, ErrHistoryReadFailed)

	h.hw.TruncateNextResponse(1)
	_, err = h.svc.ReadBalance(ctx, cardA)
	assert.ErrorIs(t, err, ErrBalanceReadFailed)

	h.hw.PullCardOnNextTransmit()
	_, err = h.svc.ReadBalance(ctx, cardA)
	assert.ErrorIs(t, err, ErrCardRemoved)
	assert.Equal(t, Connected, h.svc.State().Status)
}

func TestReadIdentity(t *testing.T) {
	h := newHarness(t)
	h.hw.Place(pcsc.SyntheticCard{IDm: cardA})
	h.start()

	id, err := h.svc.ReadIdentity(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, cardA, id.IDm)

	h.hw.Remove()
	_, err = h.svc.ReadIdentity(context.Background(), 0)
	assert.ErrorIs(t, err, ErrReadFailed)
}

func TestCheckConnectionDoesNotMutate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assert.True(t, h.svc.CheckConnection(ctx))

	h.hw.Unplug()
	assert.False(t, h.svc.CheckConnection(ctx))
	assert.Equal(t, Disconnected, h.svc.State().Status)
}

func TestStopAndRestart(t *testing.T) {
	h := newHarness(t)
	h.start()

	require.NoError(t, h.svc.StopReading())
	ev := h.next()
	assert.Equal(t, Disconnected, ev.State.Status)
	require.NoError(t, h.svc.StopReading())

	_, err := h.svc.ReadBalance(context.Background(), cardA)
	assert.ErrorIs(t, err, ErrNotConnected)

	h.start()
	require.NoError(t, h.svc.Close())
	require.NoError(t, h.svc.Close())

	err = h.svc.StartReading(context.Background())
	assert.Error(t, err)
}

func TestErrorMatching(t *testing.T) {
	err := classify(ReadFailed, "op", pcsc.ErrCardRemoved)
	assert.ErrorIs(t, err, ErrCardRemoved)
	assert.True(t, errors.Is(err, pcsc.ErrCardRemoved))
	assert.False(t, errors.Is(err, ErrReadFailed))

	err = classify(BalanceReadFailed, "op", felica.ErrShortResponse)
	assert.ErrorIs(t, err, ErrBalanceReadFailed)

	err = classify(ReadFailed, "op", pcsc.ErrNoService)
	assert.ErrorIs(t, err, ErrServiceNotAvailable)
}
