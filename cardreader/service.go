// Package cardreader owns the single PC/SC reader: it keeps the
// connection alive, turns card insertions into CardRead events and
// performs the balance and history reads the lending engine asks for.
//
// Hardware callbacks, health ticks, reconnection timers and suppression
// messages all funnel into one loop goroutine, so the connection state
// machine and the de-dup table see one message at a time in arrival
// order. Every APDU exchange and every use of the reader handle holds
// the hardware semaphore.
package cardreader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cardpool/clock"
	"cardpool/felica"
	"cardpool/pcsc"
	"cardpool/suppress"
)

const (
	eventBuffer   = 64
	inboxBuffer   = 16
	identityRetry = 100 * time.Millisecond
)

// Options carries the collaborators of a Service. Factory is required.
type Options struct {
	Factory  pcsc.Factory
	Clock    clock.Clock
	Logger   *slog.Logger
	Suppress *suppress.Bus
	Stations *felica.Stations
}

// Service is the card access service.
type Service struct {
	cfg      Config
	factory  pcsc.Factory
	clock    clock.Clock
	log      *slog.Logger
	bus      *suppress.Bus
	stations *felica.Stations

	events chan Event

	// hw is a one-slot semaphore around hctx and every transmit.
	hw     chan struct{}
	hctx   pcsc.Context
	reader string

	// life serializes StartReading, StopReading and Close.
	life sync.Mutex

	mu      sync.Mutex
	state   ConnectionState
	running bool
	closed  bool
	cancel  context.CancelFunc
	inbox   chan any
	runDone <-chan struct{}
	wg      sync.WaitGroup

	// Owned by the loop goroutine.
	lastSeen   map[string]time.Time
	onReader   string // IDm of the card last read and not yet lifted
	suppressed suppress.Set
	monGen     int // written under mu
	monCancel  context.CancelFunc
	monWG      sync.WaitGroup
	retryGen   int
	retry      *clock.Timer
}

// New returns a stopped Service.
func New(cfg Config, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		factory:  opts.Factory,
		clock:    opts.Clock,
		log:      opts.Logger,
		bus:      opts.Suppress,
		stations: opts.Stations,
		events:   make(chan Event, eventBuffer),
		hw:       make(chan struct{}, 1),
	}
}

// Events returns the event stream. It is closed by Close.
func (s *Service) Events() <-chan Event { return s.events }

// State returns the current connection state.
func (s *Service) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartReading opens the reader and starts monitoring it. It fails with
// NotConnected when no reader is enumerable. Calling it while running is
// a no-op.
func (s *Service) StartReading(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	closed, running := s.closed, s.running
	s.mu.Unlock()
	if closed {
		return errors.New("cardreader: service closed")
	}
	if running {
		return nil
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	err := s.open()
	s.releaseHW()
	if err != nil {
		s.log.Warn("start reading failed", "err", err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.lastSeen = make(map[string]time.Time)
	s.onReader = ""
	s.suppressed = suppress.Set{}

	s.mu.Lock()
	s.cancel = cancel
	s.running = true
	s.inbox = make(chan any, inboxBuffer)
	s.runDone = runCtx.Done()
	s.state = ConnectionState{Status: Connected}
	s.mu.Unlock()

	s.log.Info("reader connected", "reader", s.reader)
	s.emit(ctx, Event{Type: ConnectionStateChanged, State: ConnectionState{Status: Connected}, Message: "connected to " + s.reader})

	// The ticker is armed before StartReading returns so a test clock
	// can be advanced right away.
	ticker := s.clock.NewTicker(s.cfg.HealthInterval)
	// Suppression messages go through the inbox so they are ordered
	// with the hardware notifications posted after them.
	var unsubscribe func()
	if s.bus != nil {
		unsubscribe = s.bus.Handle(func(msg suppress.Message) {
			s.post(runCtx, msg)
		})
		for _, src := range s.bus.Active() {
			s.suppressed[src] = struct{}{}
		}
	}
	s.startMonitor(runCtx, false)

	s.wg.Add(1)
	go s.run(runCtx, ticker, unsubscribe)
	return nil
}

// StopReading cancels the monitor, the health check and any pending
// reconnection, then releases the reader. It returns once all of them
// have stopped.
func (s *Service) StopReading() error {
	s.life.Lock()
	defer s.life.Unlock()
	return s.stop()
}

func (s *Service) stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.hw <- struct{}{}
	err := s.closeHandle()
	s.releaseHW()

	s.mu.Lock()
	s.state = ConnectionState{Status: Disconnected}
	s.mu.Unlock()
	s.trySend(Event{Type: ConnectionStateChanged, At: s.clock.Now(), State: ConnectionState{Status: Disconnected}, Message: "stopped"})
	s.log.Info("reader stopped")
	return err
}

// Close stops reading and closes the event stream. It is safe to call
// more than once.
func (s *Service) Close() error {
	s.life.Lock()
	defer s.life.Unlock()

	err := s.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return err
}

// CheckConnection reports whether a reader is currently enumerable. It
// does not change the connection state.
func (s *Service) CheckConnection(ctx context.Context) bool {
	if err := s.acquire(ctx); err != nil {
		return false
	}
	defer s.releaseHW()

	hctx := s.hctx
	if hctx == nil {
		c, err := s.factory.Establish()
		if err != nil {
			return false
		}
		defer c.Release()
		hctx = c
	}
	_, err := s.pickReader(hctx)
	return err == nil
}

// Reconnect forces a reconnection cycle. It starts the service when it
// is not running and does nothing while a cycle is already in progress.
func (s *Service) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return s.StartReading(ctx)
	}
	s.post(ctx, reconnectRequest{})
	return nil
}

// ReadIdentity returns the identity of the card on the reader, waiting
// up to timeout for one to be presented.
func (s *Service) ReadIdentity(ctx context.Context, timeout time.Duration) (felica.Identity, error) {
	deadline := s.clock.Now().Add(timeout)
	for {
		var id felica.Identity
		err := s.withCard(ctx, ReadFailed, "read identity", func(card pcsc.Card) error {
			var err error
			id, err = felica.ReadIdentity(card)
			return err
		})
		if err == nil {
			return id, nil
		}

		var ce *Error
		noCard := errors.As(err, &ce) && ce.Kind == CardRemoved && errors.Is(err, pcsc.ErrNoCard)
		remaining := deadline.Sub(s.clock.Now())
		if !noCard || remaining <= 0 {
			if noCard {
				return felica.Identity{}, &Error{Kind: ReadFailed, Detail: "no card presented", Err: err}
			}
			return felica.Identity{}, err
		}

		select {
		case <-ctx.Done():
			return felica.Identity{}, ctx.Err()
		case <-s.clock.After(min(identityRetry, remaining)):
		}
	}
}

// ReadBalance reads the stored-value balance of the card idm, which
// must still be on the reader.
func (s *Service) ReadBalance(ctx context.Context, idm string) (int, error) {
	var balance int
	err := s.withCard(ctx, BalanceReadFailed, "read balance", func(card pcsc.Card) error {
		if err := s.checkSameCard(card, idm); err != nil {
			return err
		}
		var err error
		balance, err = felica.ReadBalance(card)
		return err
	})
	return balance, err
}

// ReadHistory reads and decodes the trip history of the card idm,
// newest first.
func (s *Service) ReadHistory(ctx context.Context, idm string) ([]felica.TripRecord, error) {
	var blocks []felica.HistoryBlock
	err := s.withCard(ctx, HistoryReadFailed, "read history", func(card pcsc.Card) error {
		if err := s.checkSameCard(card, idm); err != nil {
			return err
		}
		var err error
		blocks, err = felica.ReadHistoryBlocks(card)
		return err
	})
	if err != nil {
		return nil, err
	}
	return felica.DecodeTrips(blocks, s.stations), nil
}

func (s *Service) checkSameCard(card pcsc.Card, idm string) error {
	id, err := felica.ReadIdentity(card)
	if err != nil {
		return err
	}
	if !strings.EqualFold(id.IDm, idm) {
		return fmt.Errorf("%w: reader holds %s", pcsc.ErrCardRemoved, id.IDm)
	}
	return nil
}

// withCard runs fn against the card on the reader. Reads fail fast
// unless the service is Connected.
func (s *Service) withCard(ctx context.Context, fail Kind, op string, fn func(pcsc.Card) error) error {
	if st := s.State(); st.Status != Connected {
		return &Error{Kind: NotConnected, Detail: op + " while " + st.String()}
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.releaseHW()

	if s.hctx == nil {
		return &Error{Kind: NotConnected, Detail: op}
	}
	card, err := s.hctx.Connect(s.reader)
	if err != nil {
		return s.readError(ctx, fail, op, err)
	}
	defer card.Disconnect()

	if err := fn(card); err != nil {
		return s.readError(ctx, fail, op, err)
	}
	return nil
}

func (s *Service) readError(ctx context.Context, fail Kind, op string, err error) error {
	ce := classify(fail, op, err)
	if lostReader(ce.Kind) {
		s.post(ctx, readerFault{err: err})
	}
	return ce
}

func (s *Service) acquire(ctx context.Context) error {
	select {
	case s.hw <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) releaseHW() { <-s.hw }

// open establishes a context and selects the reader. Caller holds hw.
func (s *Service) open() error {
	hctx, err := s.factory.Establish()
	if err != nil {
		return classify(NotConnected, "establish context", err)
	}
	reader, err := s.pickReader(hctx)
	if err != nil {
		hctx.Release()
		return classify(NotConnected, "list readers", err)
	}
	s.hctx = hctx
	s.reader = reader
	return nil
}

// closeHandle releases the reader handle. Caller holds hw.
func (s *Service) closeHandle() error {
	if s.hctx == nil {
		return nil
	}
	err := s.hctx.Release()
	s.hctx = nil
	if errors.Is(err, pcsc.ErrInvalidContext) {
		err = nil
	}
	return err
}

func (s *Service) pickReader(hctx pcsc.Context) (string, error) {
	readers, err := hctx.ListReaders()
	if err != nil {
		return "", err
	}
	for _, r := range readers {
		if s.cfg.Reader == "" || strings.Contains(r, s.cfg.Reader) {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: none matching %q", pcsc.ErrNoReaders, s.cfg.Reader)
}

// emit delivers ev, blocking while the consumer is behind.
func (s *Service) emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Service) trySend(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event dropped", "type", ev.Type)
	}
}

// post queues a message for the loop. It gives up when ctx is done or
// the service is stopped.
func (s *Service) post(ctx context.Context, m any) {
	s.mu.Lock()
	inbox, done, running := s.inbox, s.runDone, s.running
	s.mu.Unlock()
	if !running {
		return
	}
	select {
	case inbox <- m:
	case <-done:
	case <-ctx.Done():
	}
}
